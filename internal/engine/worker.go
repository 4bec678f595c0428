// Package engine runs queued tasks one at a time and reports results back
// to the chat they came from.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/grail/internal/channels"
	grailotel "github.com/basket/grail/internal/otel"
	"github.com/basket/grail/internal/persistence"
	"github.com/basket/grail/internal/shared"
)

const (
	DefaultIdleInterval = 750 * time.Millisecond
	DefaultErrorBackoff = 2 * time.Second
	// Long enough for a full approval wait plus the command itself.
	DefaultTaskTimeout = 30 * time.Minute

	interruptedReason = "interrupted by shutdown"
)

// Processor turns a claimed task into result text. Returned errors fail
// the task; they are stored but never shown in chat.
type Processor interface {
	Process(ctx context.Context, task persistence.Task) (string, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, task persistence.Task) (string, error)

func (f ProcessorFunc) Process(ctx context.Context, task persistence.Task) (string, error) {
	return f(ctx, task)
}

type Config struct {
	Store        *persistence.Store
	Processor    Processor
	Notifier     channels.Notifier
	Logger       *slog.Logger
	IdleInterval time.Duration
	ErrorBackoff time.Duration
	TaskTimeout  time.Duration
	Tracer       trace.Tracer
	Metrics      *grailotel.Metrics
}

type Status struct {
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	Running   bool   `json:"running"`
	LastError string `json:"last_error,omitempty"`
}

// Worker is the single task consumer. Running more than one per store is
// safe (claims are conditional) but not how serve wires it.
type Worker struct {
	store    *persistence.Store
	proc     Processor
	notifier channels.Notifier
	logger   *slog.Logger
	idle     time.Duration
	backoff  time.Duration
	timeout  time.Duration
	tracer   trace.Tracer
	metrics  *grailotel.Metrics

	processed atomic.Int64
	failed    atomic.Int64
	running   atomic.Bool
	lastError atomic.Pointer[string]
}

func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Processor == nil {
		return nil, errors.New("engine: processor is required")
	}
	w := &Worker{
		store:    cfg.Store,
		proc:     cfg.Processor,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		idle:     cfg.IdleInterval,
		backoff:  cfg.ErrorBackoff,
		timeout:  cfg.TaskTimeout,
		tracer:   cfg.Tracer,
		metrics:  cfg.Metrics,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "worker")
	if w.idle <= 0 {
		w.idle = DefaultIdleInterval
	}
	if w.backoff <= 0 {
		w.backoff = DefaultErrorBackoff
	}
	if w.timeout <= 0 {
		w.timeout = DefaultTaskTimeout
	}
	if w.tracer == nil {
		w.tracer = grailotel.Noop().Tracer
	}
	return w, nil
}

// Run loops claim, process, record until ctx is cancelled. It returns nil
// on cancellation so it can sit in an errgroup.
func (w *Worker) Run(ctx context.Context) error {
	w.running.Store(true)
	defer w.running.Store(false)
	w.logger.Info("worker started")

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}
		did, err := w.RunOnce(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			w.setLastError(err)
			w.logger.Warn("worker storage error", "error", err)
			wait = w.backoff
		case !did:
			wait = w.idle
		default:
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

// RunOnce claims and processes at most one task. It reports whether a task
// was claimed; errors are storage faults only.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.store.ClaimNextTask(ctx)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	if task == nil {
		return false, nil
	}
	return true, w.handle(ctx, *task)
}

func (w *Worker) handle(ctx context.Context, task persistence.Task) error {
	traceID := shared.NewTraceID()
	ctx = shared.WithTaskID(shared.WithTraceID(ctx, traceID), task.ID)
	logger := w.logger.With("task_id", task.ID, "trace_id", traceID)

	ctx, span := grailotel.StartSpan(ctx, w.tracer, "task.process",
		grailotel.AttrTaskID.Int64(task.ID),
		grailotel.AttrProvider.String(task.Provider),
	)
	defer span.End()

	logger.Info("task processing", "provider", task.Provider, "channel_id", task.ChannelID)
	start := time.Now()

	taskCtx, cancel := context.WithTimeout(ctx, w.timeout)
	result, procErr := w.proc.Process(taskCtx, task)
	timedOut := errors.Is(taskCtx.Err(), context.DeadlineExceeded)
	cancel()

	// Completion writes must land even when ctx was cancelled mid-task.
	recordCtx := context.WithoutCancel(ctx)

	if procErr != nil {
		if timedOut {
			procErr = fmt.Errorf("task timeout exceeded: %w", procErr)
		} else if ctx.Err() != nil {
			procErr = errors.New(interruptedReason)
		}
		span.RecordError(procErr)
		span.SetStatus(codes.Error, procErr.Error())
		w.failed.Add(1)
		w.metrics.RecordTask(recordCtx, time.Since(start), string(persistence.TaskStatusFailed))
		logger.Warn("task failed", "error", procErr)
		if err := w.store.CompleteTaskFailure(recordCtx, task.ID, shared.Redact(procErr.Error())); err != nil {
			return fmt.Errorf("record task failure: %w", err)
		}
		if ctx.Err() == nil {
			w.reply(recordCtx, logger, task, FailureReply(task.ID))
		}
		return nil
	}

	w.processed.Add(1)
	w.metrics.RecordTask(recordCtx, time.Since(start), string(persistence.TaskStatusSucceeded))
	if err := w.store.CompleteTaskSuccess(recordCtx, task.ID, result); err != nil {
		return fmt.Errorf("record task success: %w", err)
	}
	logger.Info("task succeeded", "duration_ms", time.Since(start).Milliseconds())
	w.reply(recordCtx, logger, task, result)
	return nil
}

// FailureReply is what chat sees when a task fails.
func FailureReply(taskID int64) string {
	return fmt.Sprintf("Sorry, task #%d failed. An operator can inspect it with `grail tasks`.", taskID)
}

func (w *Worker) reply(ctx context.Context, logger *slog.Logger, task persistence.Task, text string) {
	if w.notifier == nil || text == "" {
		return
	}
	to := channels.Target{
		Provider:    task.Provider,
		WorkspaceID: task.WorkspaceID,
		ChannelID:   task.ChannelID,
		ThreadTS:    task.ThreadTS,
	}
	if _, err := w.notifier.Post(ctx, to, text); err != nil {
		if errors.Is(err, channels.ErrNotConfigured) {
			logger.Warn("no channel for task result", "provider", task.Provider)
			return
		}
		logger.Warn("failed to post task result", "error", err)
	}
}

func (w *Worker) setLastError(err error) {
	msg := err.Error()
	w.lastError.Store(&msg)
}

func (w *Worker) Status() Status {
	s := Status{
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
		Running:   w.running.Load(),
	}
	if p := w.lastError.Load(); p != nil {
		s.LastError = *p
	}
	return s
}
