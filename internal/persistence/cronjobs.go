package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	CronModeAgent   = "agent"
	CronModeMessage = "message"

	ScheduleEvery = "every"
	ScheduleCron  = "cron"
	ScheduleAt    = "at"
)

// CronJob is an approved recurring or one-shot prompt.
type CronJob struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Enabled      bool       `json:"enabled"`
	Mode         string     `json:"mode"`
	ScheduleKind string     `json:"schedule_kind"`
	EverySeconds int64      `json:"every_seconds,omitempty"`
	CronExpr     string     `json:"cron_expr,omitempty"`
	AtTS         int64      `json:"at_ts,omitempty"`
	Provider     string     `json:"provider"`
	WorkspaceID  string     `json:"workspace_id"`
	ChannelID    string     `json:"channel_id"`
	ThreadTS     string     `json:"thread_ts"`
	PromptText   string     `json:"prompt_text"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastStatus   string     `json:"last_status,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

const cronJobColumns = `id, name, enabled, mode, schedule_kind, every_seconds, cron_expr, at_ts, provider,
	workspace_id, channel_id, thread_ts, prompt_text, next_run_at, last_run_at, last_status, last_error,
	created_at, updated_at`

func scanCronJob(scanFn func(dest ...any) error, j *CronJob) error {
	var (
		enabled          int
		every, at        sql.NullInt64
		expr             sql.NullString
		nextRun, lastRun sql.NullTime
	)
	if err := scanFn(&j.ID, &j.Name, &enabled, &j.Mode, &j.ScheduleKind, &every, &expr, &at, &j.Provider,
		&j.WorkspaceID, &j.ChannelID, &j.ThreadTS, &j.PromptText, &nextRun, &lastRun, &j.LastStatus, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return err
	}
	j.Enabled = enabled != 0
	j.EverySeconds = every.Int64
	j.CronExpr = expr.String
	j.AtTS = at.Int64
	j.NextRunAt = timePtr(nextRun)
	j.LastRunAt = timePtr(lastRun)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return nil
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (s *Store) InsertCronJob(ctx context.Context, j CronJob) error {
	ts := now()
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cron_jobs (id, name, enabled, mode, schedule_kind, every_seconds, cron_expr, at_ts, provider,
				workspace_id, channel_id, thread_ts, prompt_text, next_run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, j.ID, j.Name, boolToInt(j.Enabled), j.Mode, j.ScheduleKind, nullInt(j.EverySeconds), nullString(j.CronExpr),
			nullInt(j.AtTS), j.Provider, j.WorkspaceID, j.ChannelID, j.ThreadTS, j.PromptText, nullTime(j.NextRunAt), ts, ts)
		return err
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("cron job %q: %w", j.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert cron job: %w", err)
	}
	return nil
}

func (s *Store) GetCronJob(ctx context.Context, id string) (*CronJob, error) {
	var j CronJob
	err := scanCronJob(s.db.QueryRowContext(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs WHERE id = ?;`, id).Scan, &j)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cron job: %w", err)
	}
	return &j, nil
}

// ListCronJobs returns all jobs ordered by name.
func (s *Store) ListCronJobs(ctx context.Context) ([]CronJob, error) {
	return s.queryCronJobs(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs ORDER BY name ASC, id ASC;`)
}

// DueCronJobs returns enabled jobs with next_run_at <= now.
func (s *Store) DueCronJobs(ctx context.Context, at time.Time) ([]CronJob, error) {
	return s.queryCronJobs(ctx, `
		SELECT `+cronJobColumns+` FROM cron_jobs
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC, id ASC;`, at.UTC())
}

func (s *Store) queryCronJobs(ctx context.Context, query string, args ...any) ([]CronJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cron jobs: %w", err)
	}
	defer rows.Close()
	var out []CronJob
	for rows.Next() {
		var j CronJob
		if err := scanCronJob(rows.Scan, &j); err != nil {
			return nil, fmt.Errorf("scan cron job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// RecordCronRun stores the outcome of a firing. A nil next run disables the job.
func (s *Store) RecordCronRun(ctx context.Context, id string, ranAt time.Time, next *time.Time, status, errText string) error {
	enabled := next != nil
	_, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs
		SET last_run_at = ?, next_run_at = ?, last_status = ?, last_error = ?,
			enabled = CASE WHEN ? THEN enabled ELSE 0 END, updated_at = ?
		WHERE id = ?;
	`, ranAt.UTC(), nullTime(next), status, errText, enabled, now(), id)
	if err != nil {
		return fmt.Errorf("record cron run: %w", err)
	}
	return nil
}

// SetCronJobEnabled toggles a job.
func (s *Store) SetCronJobEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET enabled = ?, updated_at = ? WHERE id = ?;`, boolToInt(enabled), now(), id)
	if err != nil {
		return fmt.Errorf("set cron job enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cron job %s: %w", id, ErrNotFound)
	}
	return nil
}
