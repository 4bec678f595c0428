// Package telemetry builds the process logger.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/grail/internal/shared"
)

// LogFile is the log path relative to the grail home directory.
const LogFile = "logs/system.jsonl"

// NewLogger returns a JSON logger writing to <home>/logs/system.jsonl and,
// unless quiet, to stdout. Every record carries trace_id, plus task_id and
// approval_id when the *Context logging methods receive a context that has
// them.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	path := filepath.Join(homeDir, filepath.FromSlash(LogFile))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	return New(w, level), file, nil
}

// New builds the logger on an arbitrary writer.
func New(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: replaceAttr,
	})
	return slog.New(contextHandler{Handler: handler}).With("component", "grail")
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if sensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if v, ok := redactValue(a.Value.String()); ok {
			return slog.String(a.Key, v)
		}
	}
	return a
}

// contextHandler copies correlation ids from the record's context.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.AddAttrs(slog.String("trace_id", shared.TraceID(ctx)))
	if id := shared.TaskID(ctx); id != 0 {
		r.AddAttrs(slog.Int64("task_id", id))
	}
	if id := shared.ApprovalID(ctx); id != "" {
		r.AddAttrs(slog.String("approval_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{Handler: h.Handler.WithGroup(name)}
}

var sensitiveKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

func redactValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	if out := shared.Redact(v); out != v {
		return out, true
	}
	return v, false
}

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
