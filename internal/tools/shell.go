package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/grail/internal/approvals"
	grailotel "github.com/basket/grail/internal/otel"
	"github.com/basket/grail/internal/persistence"
	"github.com/basket/grail/internal/shared"
)

const (
	DefaultShellTimeout = 2 * time.Minute
	maxShellOutput      = 8 * 1024
)

// Gate decides whether a command may run. *approvals.Workflow satisfies it.
type Gate interface {
	RequestCommand(ctx context.Context, req approvals.CommandRequest) (approvals.Verdict, error)
}

type ShellConfig struct {
	Gate     Gate
	Executor Executor
	Timeout  time.Duration
	Logger   *slog.Logger
	Metrics  *grailotel.Metrics
}

// ShellTool runs a command only after the gate accepts it, in the
// working directory the gate resolved.
type ShellTool struct {
	gate     Gate
	executor Executor
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *grailotel.Metrics
}

func NewShellTool(cfg ShellConfig) *ShellTool {
	if cfg.Executor == nil {
		cfg.Executor = &HostExecutor{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultShellTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ShellTool{
		gate:     cfg.Gate,
		executor: cfg.Executor,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// ShellResult is the outcome of one Run. Output is truncated and redacted.
type ShellResult struct {
	Command  string            `json:"command"`
	Verdict  approvals.Verdict `json:"verdict"`
	Ran      bool              `json:"ran"`
	Stdout   string            `json:"stdout,omitempty"`
	Stderr   string            `json:"stderr,omitempty"`
	ExitCode int               `json:"exit_code"`
	TimedOut bool              `json:"timed_out,omitempty"`
	Duration time.Duration     `json:"duration"`
}

// Run asks the gate and executes on accept. A declined command is a
// normal result; only gate storage faults and executor start failures
// are returned as errors.
func (s *ShellTool) Run(ctx context.Context, task persistence.Task, command, cwd, reason string) (ShellResult, error) {
	if s.gate == nil {
		return ShellResult{}, errors.New("shell tool: no gate configured")
	}
	res := ShellResult{Command: strings.TrimSpace(command)}
	verdict, err := s.gate.RequestCommand(ctx, approvals.CommandRequest{
		Task:    task,
		Command: command,
		Cwd:     cwd,
		Reason:  reason,
	})
	if err != nil {
		return res, err
	}
	res.Verdict = verdict
	if !verdict.Accepted() {
		return res, nil
	}

	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, execErr := s.executor.Exec(execCtx, res.Command, verdict.Cwd)
	res.Duration = time.Since(start)
	res.Ran = true

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
	} else if execErr != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("exec: %w", execErr)
	} else {
		res.ExitCode = exitCode
	}
	s.metrics.RecordCommand(ctx, res.Duration, res.ExitCode)

	res.Stdout = shared.Redact(truncateOutput(stdout, maxShellOutput))
	res.Stderr = shared.Redact(truncateOutput(stderr, maxShellOutput))
	s.logger.Info("command finished",
		"task_id", task.ID,
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// Summary renders the result for the chat thread.
func (r ShellResult) Summary() string {
	if !r.Ran {
		return DeclineMessage(r.Verdict)
	}
	cmd, _ := shared.RedactSecrets(r.Command)
	var b strings.Builder
	fmt.Fprintf(&b, "Ran `%s`", approvals.Truncate(cmd, 80))
	switch {
	case r.TimedOut:
		b.WriteString(" (timed out)\n")
	default:
		fmt.Fprintf(&b, " (exit %d)\n", r.ExitCode)
	}
	if out := strings.TrimRight(r.Stdout, "\n"); out != "" {
		fmt.Fprintf(&b, "```\n%s\n```\n", out)
	}
	if errOut := strings.TrimRight(r.Stderr, "\n"); errOut != "" {
		fmt.Fprintf(&b, "stderr:\n```\n%s\n```\n", errOut)
	}
	if r.Stdout == "" && r.Stderr == "" {
		b.WriteString("(no output)\n")
	}
	return strings.TrimSpace(b.String())
}

// DeclineMessage explains a declined verdict without internal detail.
func DeclineMessage(v approvals.Verdict) string {
	switch v.Stage {
	case approvals.StagePermissions:
		return "Not run: command execution is disabled (read-only mode)."
	case approvals.StageCwd:
		return "Not run: the working directory is outside the workspace."
	case approvals.StageEmpty:
		return "Not run: no command given."
	case approvals.StageGuardrail:
		if v.RuleID != "" {
			return fmt.Sprintf("Not run: blocked by guardrail rule `%s`.", v.RuleID)
		}
		return "Not run: blocked by a guardrail rule."
	case approvals.StageTimeout:
		return "Not run: the approval request timed out."
	default:
		return "Not run: the command was not approved."
	}
}

// truncateOutput keeps at most maxLen bytes, cut on a rune boundary.
func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (truncated)"
}
