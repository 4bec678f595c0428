package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/grail/internal/bus"
)

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is one chat request moving through the queue.
type Task struct {
	ID              int64      `json:"id"`
	Status          TaskStatus `json:"status"`
	Provider        string     `json:"provider"`
	WorkspaceID     string     `json:"workspace_id"`
	ChannelID       string     `json:"channel_id"`
	ThreadTS        string     `json:"thread_ts"`
	EventTS         string     `json:"event_ts"`
	RequesterUserID string     `json:"requested_by_user_id"`
	PromptText      string     `json:"prompt_text"`
	ResultText      *string    `json:"result_text,omitempty"`
	ErrorText       *string    `json:"error_text,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// NewTask carries the origin of an inbound request.
type NewTask struct {
	Provider        string
	WorkspaceID     string
	ChannelID       string
	ThreadTS        string
	EventTS         string
	RequesterUserID string
	PromptText      string
}

const taskColumns = `id, status, provider, workspace_id, channel_id, thread_ts, event_ts,
	requested_by_user_id, prompt_text, result_text, error_text, created_at, started_at, finished_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		status              string
		result, errText     sql.NullString
		startedAt, finished sql.NullTime
	)
	if err := scanFn(
		&task.ID,
		&status,
		&task.Provider,
		&task.WorkspaceID,
		&task.ChannelID,
		&task.ThreadTS,
		&task.EventTS,
		&task.RequesterUserID,
		&task.PromptText,
		&result,
		&errText,
		&task.CreatedAt,
		&startedAt,
		&finished,
	); err != nil {
		return err
	}
	task.Status = TaskStatus(status)
	if result.Valid {
		task.ResultText = &result.String
	}
	if errText.Valid {
		task.ErrorText = &errText.String
	}
	task.CreatedAt = task.CreatedAt.UTC()
	task.StartedAt = timePtr(startedAt)
	task.FinishedAt = timePtr(finished)
	return nil
}

func (t *Task) event(text string) bus.TaskEvent {
	return bus.TaskEvent{
		TaskID:      t.ID,
		Status:      string(t.Status),
		Provider:    t.Provider,
		WorkspaceID: t.WorkspaceID,
		ChannelID:   t.ChannelID,
		ThreadTS:    t.ThreadTS,
		Text:        text,
	}
}

// EnqueueTask inserts a queued task and returns its id.
func (s *Store) EnqueueTask(ctx context.Context, in NewTask) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (status, provider, workspace_id, channel_id, thread_ts, event_ts,
				requested_by_user_id, prompt_text, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, TaskStatusQueued, in.Provider, in.WorkspaceID, in.ChannelID, in.ThreadTS, in.EventTS,
			in.RequesterUserID, in.PromptText, now())
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	s.publish(bus.TopicTaskQueued, bus.TaskEvent{
		TaskID:      id,
		Status:      string(TaskStatusQueued),
		Provider:    in.Provider,
		WorkspaceID: in.WorkspaceID,
		ChannelID:   in.ChannelID,
		ThreadTS:    in.ThreadTS,
	})
	return id, nil
}

// ClaimNextTask moves the oldest queued task to running. It returns nil when
// nothing is queued or another claimer won the conditional update.
func (s *Store) ClaimNextTask(ctx context.Context) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, busyRetries, func() error {
		result = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1;`, TaskStatusQueued)
		if scanErr := scanTask(row.Scan, &task); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select next task: %w", scanErr)
		}

		startedAt := now()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, started_at = ?
			WHERE id = ? AND status = ?;
		`, TaskStatusRunning, startedAt, task.ID, TaskStatusQueued)
		if err != nil {
			return fmt.Errorf("mark task running: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		task.Status = TaskStatusRunning
		task.StartedAt = &startedAt
		result = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		s.publish(bus.TopicTaskRunning, result.event(""))
	}
	return result, nil
}

// CompleteTaskSuccess records the result of a running task.
func (s *Store) CompleteTaskSuccess(ctx context.Context, taskID int64, resultText string) error {
	return s.finishTask(ctx, taskID, TaskStatusSucceeded, "result_text", resultText, bus.TopicTaskSucceeded)
}

// CompleteTaskFailure records the error of a running task.
func (s *Store) CompleteTaskFailure(ctx context.Context, taskID int64, errorText string) error {
	return s.finishTask(ctx, taskID, TaskStatusFailed, "error_text", errorText, bus.TopicTaskFailed)
}

func (s *Store) finishTask(ctx context.Context, taskID int64, status TaskStatus, column, text, topic string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, `+column+` = ?, finished_at = ?
			WHERE id = ? AND status = ?;
		`, status, text, now(), taskID, TaskStatusRunning)
		if err != nil {
			return fmt.Errorf("complete task %s: %w", status, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("complete task %d: %w", taskID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if task, getErr := s.GetTask(ctx, taskID); getErr == nil {
		s.publish(topic, task.event(text))
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListRecentTasks returns the newest tasks first.
func (s *Store) ListRecentTasks(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var pending int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE status=?;`, TaskStatusQueued).Scan(&pending); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return pending, nil
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()
	out := map[TaskStatus]int{
		TaskStatusQueued:    0,
		TaskStatusRunning:   0,
		TaskStatusSucceeded: 0,
		TaskStatusFailed:    0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[TaskStatus(status)] = n
	}
	return out, rows.Err()
}

// FailInterruptedTasks fails tasks left running by a previous process.
func (s *Store) FailInterruptedTasks(ctx context.Context, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error_text = ?, finished_at = ?
		WHERE status = ?;
	`, TaskStatusFailed, reason, now(), TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted tasks: %w", err)
	}
	return res.RowsAffected()
}

// TryMarkEventProcessed records an inbound event id. It reports true only for
// the first delivery of a (workspace, event) pair.
func (s *Store) TryMarkEventProcessed(ctx context.Context, workspaceID, eventID string) (bool, error) {
	var inserted bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO processed_events (workspace_id, event_id, processed_at)
			VALUES (?, ?, ?)
			ON CONFLICT(workspace_id, event_id) DO NOTHING;
		`, workspaceID, eventID, now())
		if err != nil {
			return fmt.Errorf("insert processed event: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted = n == 1
		return nil
	})
	return inserted, err
}
