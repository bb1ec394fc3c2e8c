package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	consoleTimeLayout = "2006-01-02 15:04:05"
	consoleFieldLimit = 8
)

// field is one flattened attribute; grouped keys are dot-joined.
type field struct {
	key   string
	value slog.Value
}

// consoleHandler writes a human-oriented header line per record followed by
// indented fields. Attributes added through WithAttrs are flattened once.
type consoleHandler struct {
	mu        *sync.Mutex
	out       io.Writer
	level     *slog.LevelVar
	addSource bool
	prefix    string
	preset    []field
}

func newPrettyHandler(w io.Writer, lvl *slog.LevelVar, addSource bool) slog.Handler {
	return &consoleHandler{mu: new(sync.Mutex), out: w, level: lvl, addSource: addSource}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.preset = slices.Clone(h.preset)
	for _, a := range attrs {
		next.preset = appendField(next.preset, h.prefix, a)
	}
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	fields := slices.Clone(h.preset)
	record.Attrs(func(a slog.Attr) bool {
		fields = appendField(fields, h.prefix, a)
		return true
	})
	fields = lastWins(fields)

	var head header
	body := fields[:0]
	for _, f := range fields {
		if head.absorb(f) && (f.key == FieldComponent || record.Level >= slog.LevelInfo) {
			continue
		}
		body = append(body, f)
	}

	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	var b strings.Builder
	b.WriteString(ts.Local().Format(consoleTimeLayout))
	b.WriteByte(' ')
	b.WriteString(levelName(record.Level))
	if head.component != "" {
		fmt.Fprintf(&b, " [%s]", head.component)
	}
	if subject := head.subject(); subject != "" {
		b.WriteByte(' ')
		b.WriteString(subject)
	}
	msg := strings.TrimSpace(record.Message)
	if msg == "" {
		msg = "(no message)"
	}
	b.WriteString(" – ")
	b.WriteString(msg)
	if h.addSource && record.PC != 0 {
		if src := record.Source(); src != nil {
			fmt.Fprintf(&b, " [%s:%d]", filepath.Base(src.File), src.Line)
		}
	}
	b.WriteByte('\n')

	limit := len(body)
	if record.Level >= slog.LevelInfo {
		limit = min(limit, consoleFieldLimit)
	}
	for _, f := range body[:limit] {
		fmt.Fprintf(&b, "    - %s: %s\n", f.key, render(f.value))
	}
	if hidden := len(body) - limit; hidden == 1 {
		b.WriteString("    + 1 more field hidden\n")
	} else if hidden > 1 {
		fmt.Fprintf(&b, "    + %d more fields hidden\n", hidden)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func appendField(dst []field, prefix string, a slog.Attr) []field {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		inner := prefix
		if a.Key != "" {
			inner += a.Key + "."
		}
		for _, g := range a.Value.Group() {
			dst = appendField(dst, inner, g)
		}
		return dst
	}
	if a.Key == "" {
		return dst
	}
	return append(dst, field{key: prefix + a.Key, value: a.Value})
}

// lastWins keeps the first position of each key with its latest value.
func lastWins(fields []field) []field {
	index := make(map[string]int, len(fields))
	out := make([]field, 0, len(fields))
	for _, f := range fields {
		if i, ok := index[f.key]; ok {
			out[i].value = f.value
			continue
		}
		index[f.key] = len(out)
		out = append(out, f)
	}
	return out
}

// header collects the identity fields promoted into the first line.
type header struct {
	component string
	chapter   string
	task      string
	stage     string
}

func (h *header) absorb(f field) bool {
	target := map[string]*string{
		FieldComponent: &h.component,
		FieldChapterID: &h.chapter,
		FieldTaskID:    &h.task,
		FieldStage:     &h.stage,
	}[f.key]
	if target == nil {
		return false
	}
	*target = plain(f.value)
	return *target != ""
}

// subject renders e.g. "Chapter 7 · Task 1f2e3d4c (narration)".
func (h header) subject() string {
	var parts []string
	if h.chapter != "" {
		parts = append(parts, "Chapter "+h.chapter)
	}
	task := ""
	if h.task != "" {
		task = "Task " + abbreviate(h.task)
	}
	switch {
	case task != "" && h.stage != "":
		parts = append(parts, task+" ("+h.stage+")")
	case task != "":
		parts = append(parts, task)
	case h.stage != "":
		parts = append(parts, h.stage)
	}
	return strings.Join(parts, " · ")
}

// abbreviate shortens UUIDs to their first block.
func abbreviate(id string) string {
	if len(id) == 36 && strings.Count(id, "-") == 4 {
		return id[:8]
	}
	return id
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	}
	return "DEBUG"
}

func plain(v slog.Value) string {
	if v.Kind() == slog.KindAny {
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
	}
	return v.String()
}

func render(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Local().Format(consoleTimeLayout)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindString, slog.KindAny:
		s := plain(v)
		if s == "" || strings.ContainsFunc(s, func(r rune) bool { return r < ' ' || r == '"' }) {
			return strconv.Quote(s)
		}
		return s
	}
	return v.String()
}
