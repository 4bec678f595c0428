package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/grail/internal/bus"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Approval kinds.
const (
	ApprovalKindCommand       = "command_execution"
	ApprovalKindGuardrailRule = "guardrail_rule_add"
	ApprovalKindCronJob       = "cron_job_add"
)

// Approval decisions.
const (
	DecisionApprove = "approve"
	DecisionAlways  = "always"
	DecisionDeny    = "deny"
)

// Approval is a pending or resolved request for human consent.
type Approval struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind"`
	Status          ApprovalStatus `json:"status"`
	Decision        string         `json:"decision,omitempty"`
	Provider        string         `json:"provider"`
	WorkspaceID     string         `json:"workspace_id"`
	ChannelID       string         `json:"channel_id"`
	ThreadTS        string         `json:"thread_ts"`
	RequesterUserID string         `json:"requested_by_user_id"`
	DetailsJSON     string         `json:"details"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

const approvalColumns = `id, kind, status, decision, provider, workspace_id, channel_id, thread_ts,
	requested_by_user_id, details_json, created_at, updated_at, resolved_at`

func scanApproval(scanFn func(dest ...any) error, a *Approval) error {
	var (
		status   string
		decision sql.NullString
		resolved sql.NullTime
	)
	if err := scanFn(&a.ID, &a.Kind, &status, &decision, &a.Provider, &a.WorkspaceID, &a.ChannelID,
		&a.ThreadTS, &a.RequesterUserID, &a.DetailsJSON, &a.CreatedAt, &a.UpdatedAt, &resolved); err != nil {
		return err
	}
	a.Status = ApprovalStatus(status)
	a.Decision = decision.String
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	a.ResolvedAt = timePtr(resolved)
	return nil
}

// InsertApproval persists a new pending approval. Status, decision and
// timestamps on the argument are ignored.
func (s *Store) InsertApproval(ctx context.Context, a Approval) error {
	if a.ID == "" {
		return fmt.Errorf("insert approval: id is required")
	}
	if a.DetailsJSON == "" {
		a.DetailsJSON = "{}"
	}
	ts := now()
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO approvals (id, kind, status, decision, provider, workspace_id, channel_id, thread_ts,
				requested_by_user_id, details_json, created_at, updated_at)
			VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?, ?);
		`, a.ID, a.Kind, ApprovalPending, a.Provider, a.WorkspaceID, a.ChannelID, a.ThreadTS,
			a.RequesterUserID, a.DetailsJSON, ts, ts)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	s.publish(bus.TopicApprovalRequested, bus.ApprovalEvent{ApprovalID: a.ID, Kind: a.Kind, Status: string(ApprovalPending)})
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*Approval, error) {
	var a Approval
	err := scanApproval(s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals WHERE id = ?;
	`, id).Scan, &a)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return &a, nil
}

// ResolveApproval moves a pending approval to approved or denied. It reports
// false when the approval is missing or no longer pending.
func (s *Store) ResolveApproval(ctx context.Context, id string, status ApprovalStatus, decision string) (bool, error) {
	if status != ApprovalApproved && status != ApprovalDenied {
		return false, fmt.Errorf("resolve approval: invalid status %q", status)
	}
	var changed bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		ts := now()
		res, err := s.db.ExecContext(ctx, `
			UPDATE approvals
			SET status = ?, decision = ?, updated_at = ?, resolved_at = ?
			WHERE id = ? AND status = ?;
		`, status, decision, ts, ts, id, ApprovalPending)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		changed = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("resolve approval: %w", err)
	}
	if changed {
		s.publish(bus.TopicApprovalResolved, bus.ApprovalEvent{ApprovalID: id, Status: string(status), Decision: decision})
	}
	return changed, nil
}

// ExpireApproval moves a pending approval to expired. Decision stays NULL.
func (s *Store) ExpireApproval(ctx context.Context, id string) (bool, error) {
	var changed bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		ts := now()
		res, err := s.db.ExecContext(ctx, `
			UPDATE approvals
			SET status = ?, updated_at = ?, resolved_at = ?
			WHERE id = ? AND status = ?;
		`, ApprovalExpired, ts, ts, id, ApprovalPending)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		changed = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("expire approval: %w", err)
	}
	if changed {
		s.publish(bus.TopicApprovalExpired, bus.ApprovalEvent{ApprovalID: id, Status: string(ApprovalExpired)})
	}
	return changed, nil
}

// ExpireStalePending expires pending approvals of kind created before cutoff.
// Command approvals only resolve through a live waiter, so at startup every
// one of them is stale; proposals resolve without one and are left alone.
func (s *Store) ExpireStalePending(ctx context.Context, kind string, cutoff time.Time) (int64, error) {
	ts := now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, updated_at = ?, resolved_at = ?
		WHERE status = ? AND kind = ? AND created_at < ?;
	`, ApprovalExpired, ts, ts, ApprovalPending, kind, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire stale approvals: %w", err)
	}
	return res.RowsAffected()
}

// ListApprovals returns approvals with the given status, newest first.
// An empty status lists all approvals.
func (s *Store) ListApprovals(ctx context.Context, status ApprovalStatus, limit int) ([]Approval, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()
	var out []Approval
	for rows.Next() {
		var a Approval
		if err := scanApproval(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PendingApprovalCount is exported as a gauge.
func (s *Store) PendingApprovalCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM approvals WHERE status = ?;`, ApprovalPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending approvals: %w", err)
	}
	return n, nil
}
