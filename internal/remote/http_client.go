package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reelsmith/internal/queue"
	"reelsmith/internal/services"
)

const (
	defaultHTTPTimeout  = 60 * time.Second
	maxErrorBodySnippet = 512
)

// HTTPConfig captures the settings required to reach the task service.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// HTTPClient drives an asynchronous generation service exposing
// POST /tasks and GET /tasks/{id}.
type HTTPClient struct {
	cfg        HTTPConfig
	httpClient *http.Client
}

// HTTPOption customizes the client.
type HTTPOption func(*HTTPClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewHTTPClient constructs a client for the configured service.
func NewHTTPClient(cfg HTTPConfig, opts ...HTTPOption) *HTTPClient {
	client := &HTTPClient{
		cfg: HTTPConfig{
			BaseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			APIKey:  strings.TrimSpace(cfg.APIKey),
			Model:   strings.TrimSpace(cfg.Model),
		},
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type submitRequest struct {
	Kind            string            `json:"kind"`
	Model           string            `json:"model,omitempty"`
	Prompt          string            `json:"prompt,omitempty"`
	Text            string            `json:"text,omitempty"`
	Voice           string            `json:"voice,omitempty"`
	ReferenceImage  string            `json:"reference_image,omitempty"`
	DurationSeconds int               `json:"duration_seconds,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type statusResponse struct {
	Status           string   `json:"status"`
	Reason           string   `json:"reason"`
	ArtifactURL      string   `json:"artifact_url"`
	BinaryDataBase64 []string `json:"binary_data_base64"`
}

// Submit posts the descriptor and returns the service's task identifier.
func (c *HTTPClient) Submit(ctx context.Context, desc queue.Descriptor) (string, error) {
	if c.cfg.BaseURL == "" {
		return "", services.Wrap(services.ErrConfiguration, "remote", "submit", "remote.base_url is not set", nil)
	}
	model := desc.Model
	if model == "" {
		model = c.cfg.Model
	}
	payload := submitRequest{
		Kind:            string(desc.Kind),
		Model:           model,
		Prompt:          desc.Prompt,
		Text:            desc.Text,
		Voice:           desc.Voice,
		ReferenceImage:  desc.ReferenceImage,
		DurationSeconds: desc.DurationSeconds,
		Params:          desc.Params,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode submit request: %w", err)
	}

	var resp submitResponse
	if err := c.doJSON(ctx, "submit", http.MethodPost, c.cfg.BaseURL+"/tasks", body, &resp); err != nil {
		return "", err
	}
	id := strings.TrimSpace(resp.TaskID)
	if id == "" {
		return "", services.Wrap(services.ErrValidation, "remote", "submit", "response carried no task_id", nil)
	}
	return id, nil
}

// Status queries the job. A 404 means the service forgot the job, which is
// reported as a failed job rather than an error.
func (c *HTTPClient) Status(ctx context.Context, jobID string) (JobStatus, error) {
	resp, err := c.status(ctx, jobID)
	if err != nil {
		var statusErr *httpStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return JobStatus{State: JobFailed, Reason: "remote job not found"}, nil
		}
		return JobStatus{}, err
	}
	state := normalizeState(resp.Status)
	reason := strings.TrimSpace(resp.Reason)
	if state == JobFailed && reason == "" {
		reason = "remote status " + strings.ToLower(strings.TrimSpace(resp.Status))
	}
	return JobStatus{State: state, Reason: reason}, nil
}

// Fetch downloads the artifact of a succeeded job, either from the
// artifact URL or from the inline base64 payload.
func (c *HTTPClient) Fetch(ctx context.Context, jobID string) ([]byte, error) {
	resp, err := c.status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if normalizeState(resp.Status) != JobSucceeded {
		return nil, services.Wrap(services.ErrValidation, "remote", "fetch", "job "+jobID+" is not finished", nil)
	}
	if artifact := strings.TrimSpace(resp.ArtifactURL); artifact != "" {
		return c.download(ctx, artifact)
	}
	for _, encoded := range resp.BinaryDataBase64 {
		if strings.TrimSpace(encoded) == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "remote", "fetch", "decode inline artifact", err)
		}
		return data, nil
	}
	return nil, services.Wrap(services.ErrValidation, "remote", "fetch", "job "+jobID+" has no artifact", nil)
}

func (c *HTTPClient) status(ctx context.Context, jobID string) (statusResponse, error) {
	var resp statusResponse
	if c.cfg.BaseURL == "" {
		return resp, services.Wrap(services.ErrConfiguration, "remote", "status", "remote.base_url is not set", nil)
	}
	endpoint := c.cfg.BaseURL + "/tasks/" + url.PathEscape(jobID)
	err := c.doJSON(ctx, "status", http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *HTTPClient) download(ctx context.Context, artifactURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "remote", "fetch", "build artifact request", err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError("fetch", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodySnippet))
		return nil, classifyStatus("fetch", &httpStatusError{StatusCode: res.StatusCode, Body: string(snippet)})
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "remote", "fetch", "read artifact body", err)
	}
	return data, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, op, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "remote", op, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if key, ok := services.IdempotencyKeyFromContext(ctx); ok && method == http.MethodPost {
		req.Header.Set("Idempotency-Key", key)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(op, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return services.Wrap(services.ErrTransient, "remote", op, "read response body", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return classifyStatus(op, &httpStatusError{StatusCode: res.StatusCode, Body: snippet(data)})
	}
	if err := json.Unmarshal(data, out); err != nil {
		return services.Wrap(services.ErrValidation, "remote", op, "decode response", err)
	}
	return nil
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

func classifyStatus(op string, err *httpStatusError) error {
	switch {
	case err.StatusCode == http.StatusTooManyRequests || err.StatusCode >= 500:
		return services.Wrap(services.ErrTransient, "remote", op, "service unavailable", err)
	case err.StatusCode == http.StatusUnauthorized || err.StatusCode == http.StatusForbidden:
		return services.Wrap(services.ErrConfiguration, "remote", op, "credentials rejected", err)
	case err.StatusCode == http.StatusNotFound:
		return services.Wrap(services.ErrNotFound, "remote", op, "not found", err)
	default:
		return services.Wrap(services.ErrValidation, "remote", op, "request rejected", err)
	}
}

func classifyTransportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "remote", op, "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.Wrap(services.ErrTimeout, "remote", op, "request timed out", err)
	}
	return services.Wrap(services.ErrTransient, "remote", op, "request failed", err)
}

func snippet(data []byte) string {
	if len(data) > maxErrorBodySnippet {
		data = data[:maxErrorBodySnippet]
	}
	return string(data)
}
