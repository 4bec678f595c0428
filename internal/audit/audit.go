// Package audit keeps an append-only trail of gate decisions and approval
// resolutions in logs/audit.jsonl and, once a database is attached, the
// audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/grail/internal/shared"
)

// Capabilities recorded by the approval pipeline.
const (
	CapabilityCommandGate   = "command.gate"
	CapabilityApprovalReply = "approval.resolve"
	CapabilityMaterialize   = "approval.materialize"
	CapabilityGuardrailAdd  = "guardrail.add"
)

const insertAuditRow = `INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version)
	VALUES (?, ?, ?, ?, ?, ?);`

type entry struct {
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id,omitempty"`
	Decision      string `json:"decision"`
	Capability    string `json:"capability"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version,omitempty"`
	Subject       string `json:"subject,omitempty"`
}

// trail owns both sinks. Either may be absent; writes to a missing sink are
// skipped and sink errors never reach callers.
type trail struct {
	mu     sync.Mutex
	jsonl  *os.File
	db     *sql.DB
	denies atomic.Int64
}

var std trail

func (tr *trail) write(ctx context.Context, e entry) {
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.jsonl != nil {
		_, _ = tr.jsonl.Write(append(line, '\n'))
	}
	if tr.db != nil {
		_, _ = tr.db.ExecContext(context.WithoutCancel(ctx), insertAuditRow,
			e.TraceID, e.Subject, e.Capability, e.Decision, e.Reason, e.PolicyVersion)
	}
}

// Init opens <homeDir>/logs/audit.jsonl for appending. Calling it again
// while the file is open is a no-op.
func Init(homeDir string) error {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.jsonl != nil {
		return nil
	}
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	std.jsonl = f
	return nil
}

// SetDB attaches the audit_log table as a second sink. Pass nil to detach.
func SetDB(d *sql.DB) {
	std.mu.Lock()
	std.db = d
	std.mu.Unlock()
}

// Close detaches the database and closes the file.
func Close() error {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.db = nil
	if std.jsonl == nil {
		return nil
	}
	err := std.jsonl.Close()
	std.jsonl = nil
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// DenyCount is the number of deny decisions recorded since process start.
func DenyCount() int64 { return std.denies.Load() }

func Record(decision, capability, reason, policyVersion, subject string) {
	RecordContext(context.Background(), decision, capability, reason, policyVersion, subject)
}

// RecordContext redacts reason and subject, then appends an entry tagged with
// the trace id carried by ctx.
func RecordContext(ctx context.Context, decision, capability, reason, policyVersion, subject string) {
	if decision == "deny" {
		std.denies.Add(1)
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	std.write(ctx, entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:       traceID,
		Decision:      decision,
		Capability:    capability,
		Reason:        shared.Redact(reason),
		PolicyVersion: policyVersion,
		Subject:       shared.Redact(subject),
	})
}
