package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// TaskView describes a task record for polling consumers.
type TaskView struct {
	ID            string   `json:"id"`
	Kind          string   `json:"kind"`
	Status        string   `json:"status"`
	Progress      float64  `json:"progress"`
	Logs          []string `json:"logs"`
	ChapterID     string   `json:"chapterId,omitempty"`
	Ordinal       int      `json:"ordinal"`
	OutputPath    string   `json:"outputPath"`
	RemoteJobID   string   `json:"remoteJobId,omitempty"`
	Attempt       int      `json:"attempt"`
	MaxAttempts   int      `json:"maxAttempts"`
	Error         string   `json:"error,omitempty"`
	Archived      bool     `json:"archived"`
	CreatedAt     string   `json:"createdAt,omitempty"`
	UpdatedAt     string   `json:"updatedAt,omitempty"`
	LastCheckedAt string   `json:"lastCheckedAt,omitempty"`
}

// StageView is one stage of a pipeline run.
type StageView struct {
	Name     string `json:"name"`
	Attempts int    `json:"attempts"`
	Done     bool   `json:"done"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RunView describes a chapter pipeline run for polling consumers.
type RunView struct {
	ChapterID  string      `json:"chapterId"`
	RunID      string      `json:"runId"`
	Status     string      `json:"status"`
	Progress   float64     `json:"progress"`
	Logs       []string    `json:"logs"`
	Stage      string      `json:"stage,omitempty"`
	StageIndex int         `json:"stageIndex"`
	Stages     []StageView `json:"stages"`
	Reason     string      `json:"reason,omitempty"`
	Encoder    string      `json:"encoder,omitempty"`
	Output     string      `json:"output,omitempty"`
	UpdatedAt  string      `json:"updatedAt,omitempty"`
}

// StatusReport aggregates everything the status command prints.
type StatusReport struct {
	Active   map[string]int `json:"active"`
	Archived map[string]int `json:"archived"`
	Tasks    []TaskView     `json:"tasks"`
	Runs     []RunView      `json:"runs"`
}
