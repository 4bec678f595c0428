// Package cron fires approved cron jobs: agent jobs enqueue a task, message
// jobs post their text straight to the target conversation.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/grail/internal/bus"
	"github.com/basket/grail/internal/channels"
	"github.com/basket/grail/internal/persistence"
)

const (
	runStatusOK    = "ok"
	runStatusError = "error"
)

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store    *persistence.Store
	Notifier channels.Notifier // required for message-mode jobs
	Bus      *bus.Bus
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 15s if zero
}

// Scheduler periodically queries the store for due jobs and fires them.
type Scheduler struct {
	store    *persistence.Store
	notifier channels.Notifier
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		bus:      cfg.Bus,
		logger:   logger.With("component", "cron"),
		interval: interval,
	}
}

// Run blocks, firing due jobs on every tick, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("cron scheduler started", "interval", s.interval)
	defer s.logger.Info("cron scheduler stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every job due at the current time.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueCronJobs(ctx, now)
	if err != nil {
		s.logger.Error("failed to query due cron jobs", "error", err)
		return
	}
	for _, job := range due {
		s.fire(ctx, job, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, job persistence.CronJob, now time.Time) {
	ev := bus.CronEvent{JobID: job.ID, Mode: job.Mode}
	var runErr error

	switch job.Mode {
	case persistence.CronModeMessage:
		if s.notifier == nil {
			runErr = channels.ErrNotConfigured
			break
		}
		_, runErr = s.notifier.Post(ctx, channels.Target{
			Provider:    job.Provider,
			WorkspaceID: job.WorkspaceID,
			ChannelID:   job.ChannelID,
			ThreadTS:    job.ThreadTS,
		}, job.PromptText)
	default:
		ev.TaskID, runErr = s.store.EnqueueTask(ctx, persistence.NewTask{
			Provider:        job.Provider,
			WorkspaceID:     job.WorkspaceID,
			ChannelID:       job.ChannelID,
			ThreadTS:        job.ThreadTS,
			EventTS:         "cron:" + job.ID + ":" + now.Format(time.RFC3339),
			RequesterUserID: "cron:" + job.ID,
			PromptText:      job.PromptText,
		})
	}

	status, errText := runStatusOK, ""
	if runErr != nil {
		status, errText = runStatusError, runErr.Error()
		ev.Err = errText
		s.logger.Warn("cron job run failed", "job_id", job.ID, "mode", job.Mode, "error", runErr)
	}

	next, err := NextAfterFire(job, now)
	if err != nil {
		// A job whose schedule no longer parses is disabled rather than retried every tick.
		s.logger.Error("failed to compute next cron run", "job_id", job.ID, "error", err)
		next = nil
		if errText == "" {
			status, errText = runStatusError, err.Error()
		}
	}
	if err := s.store.RecordCronRun(ctx, job.ID, now, next, status, errText); err != nil {
		s.logger.Error("failed to record cron run", "job_id", job.ID, "error", err)
		return
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicCronFired, ev)
	}
	s.logger.Info("cron job fired", "job_id", job.ID, "name", job.Name, "task_id", ev.TaskID, "next_run_at", next)
}
