// Package approvals gates shell commands behind settings, guardrail rules
// and human approval, and applies the side effects of approved proposals.
package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/grail/internal/audit"
	"github.com/basket/grail/internal/bus"
	"github.com/basket/grail/internal/channels"
	grailotel "github.com/basket/grail/internal/otel"
	"github.com/basket/grail/internal/persistence"
	"github.com/basket/grail/internal/policy"
	"github.com/basket/grail/internal/shared"
)

const (
	DefaultTimeout      = 15 * time.Minute
	DefaultPollInterval = 750 * time.Millisecond

	// guardrailLoadLimit caps the rules evaluated per decision.
	guardrailLoadLimit = 500
	alwaysRulePriority = 1
	alwaysNameMax      = 48
)

// Gate outcomes.
const (
	Accept  = "accept"
	Decline = "decline"
)

// Stages name the step of the gate that produced a verdict.
const (
	StagePermissions = "permissions"
	StageCwd         = "cwd"
	StageEmpty       = "empty_command"
	StageAuto        = "auto"
	StageGuardrail   = "guardrail"
	StageApproval    = "approval"
	StageTimeout     = "timeout"
)

// CommandRequest asks to run Command in Cwd on behalf of Task.
type CommandRequest struct {
	Task    persistence.Task
	Command string
	Cwd     string
	Reason  string
}

// Verdict is the gate result. A decline is a normal outcome, not an error.
type Verdict struct {
	Decision   string `json:"decision"`
	Stage      string `json:"stage"`
	Cwd        string `json:"cwd,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	RuleID     string `json:"rule_id,omitempty"`
}

func (v Verdict) Accepted() bool { return v.Decision == Accept }

// Config wires a Workflow.
type Config struct {
	Store        *persistence.Store
	Notifier     channels.Notifier
	Bus          *bus.Bus
	Logger       *slog.Logger
	BaseDir      string
	Timeout      time.Duration
	PollInterval time.Duration
	Tracer       trace.Tracer
	Metrics      *grailotel.Metrics
	Policy       *policy.LivePolicy
}

// Workflow runs the command gate and creates proposals.
type Workflow struct {
	store    *persistence.Store
	notifier channels.Notifier
	bus      *bus.Bus
	logger   *slog.Logger
	baseDir  string
	timeout  time.Duration
	poll     time.Duration
	tracer   trace.Tracer
	metrics  *grailotel.Metrics
	policy   *policy.LivePolicy
	schemas  *proposalSchemas
}

func NewWorkflow(cfg Config) (*Workflow, error) {
	if cfg.Store == nil {
		return nil, errors.New("approvals: store is required")
	}
	base := strings.TrimSpace(cfg.BaseDir)
	if base == "" {
		base = "."
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("approvals: resolve base dir: %w", err)
	}
	schemas, err := compileProposalSchemas()
	if err != nil {
		return nil, err
	}
	w := &Workflow{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		baseDir:  filepath.Clean(abs),
		timeout:  cfg.Timeout,
		poll:     cfg.PollInterval,
		tracer:   cfg.Tracer,
		metrics:  cfg.Metrics,
		policy:   cfg.Policy,
		schemas:  schemas,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "approvals")
	if w.timeout <= 0 {
		w.timeout = DefaultTimeout
	}
	if w.poll <= 0 {
		w.poll = DefaultPollInterval
	}
	if w.tracer == nil {
		w.tracer = grailotel.Noop().Tracer
	}
	return w, nil
}

// BaseDir is the directory every command cwd must stay within.
func (w *Workflow) BaseDir() string { return w.baseDir }

// Timeout is how long a pending approval is waited on.
func (w *Workflow) Timeout() time.Duration { return w.timeout }

func (w *Workflow) policyVersion() string {
	if w.policy == nil {
		return ""
	}
	return w.policy.PolicyVersion()
}

// ResolveCwd resolves raw against base. It reports false when raw contains a
// ".." segment or resolves outside base.
func ResolveCwd(base, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	p := base
	if raw != "" {
		for _, seg := range strings.FieldsFunc(raw, func(r rune) bool { return r == '/' || r == filepath.Separator }) {
			if seg == ".." {
				return "", false
			}
		}
		p = raw
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
	}
	p = filepath.Clean(p)
	base = filepath.Clean(base)
	if p == base {
		return p, true
	}
	prefix := base
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	return p, true
}

func taskTarget(t persistence.Task) channels.Target {
	return channels.Target{
		Provider:    t.Provider,
		WorkspaceID: t.WorkspaceID,
		ChannelID:   t.ChannelID,
		ThreadTS:    t.ThreadTS,
	}
}

// RequestCommand decides whether req may run. It blocks while a human
// approval is pending. Only storage faults and context cancellation are errors.
func (w *Workflow) RequestCommand(ctx context.Context, req CommandRequest) (Verdict, error) {
	ctx, span := grailotel.StartSpan(ctx, w.tracer, "approval.gate",
		grailotel.AttrTaskID.Int64(req.Task.ID),
		grailotel.AttrProvider.String(req.Task.Provider),
	)
	defer span.End()

	v, err := w.gate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Verdict{Decision: Decline, Stage: v.Stage}, err
	}
	span.SetAttributes(
		grailotel.AttrDecision.String(v.Decision),
		grailotel.AttrGateStage.String(v.Stage),
	)
	if v.ApprovalID != "" {
		span.SetAttributes(grailotel.AttrApprovalID.String(v.ApprovalID))
	}
	w.metrics.RecordGateDecision(ctx, v.Decision, v.Stage)

	auditDecision := "allow"
	if !v.Accepted() {
		auditDecision = "deny"
	}
	reason := v.Stage
	if v.RuleID != "" {
		reason += ":" + v.RuleID
	}
	audit.RecordContext(ctx, auditDecision, audit.CapabilityCommandGate, reason, w.policyVersion(), req.Command)
	return v, nil
}

func (w *Workflow) gate(ctx context.Context, req CommandRequest) (Verdict, error) {
	settings, err := w.store.GetSettings(ctx)
	if err != nil {
		return Verdict{Stage: StagePermissions}, err
	}
	if settings.PermissionsMode != persistence.PermissionsFull {
		return Verdict{Decision: Decline, Stage: StagePermissions}, nil
	}

	cwd, ok := ResolveCwd(w.baseDir, req.Cwd)
	if !ok {
		w.logger.Warn("command cwd outside base dir", "cwd", req.Cwd, "base", w.baseDir)
		return Verdict{Decision: Decline, Stage: StageCwd}, nil
	}

	command := strings.TrimSpace(req.Command)
	if command == "" {
		return Verdict{Decision: Decline, Stage: StageEmpty, Cwd: cwd}, nil
	}

	switch settings.CommandApprovalMode {
	case persistence.ApprovalModeAuto:
		return Verdict{Decision: Accept, Stage: StageAuto, Cwd: cwd}, nil
	case persistence.ApprovalModeAlwaysAsk:
	default:
		rules, err := w.store.ListGuardrailRules(ctx, persistence.GuardrailFilter{
			Kind:        policy.KindCommand,
			EnabledOnly: true,
			Limit:       guardrailLoadLimit,
		})
		if err != nil {
			return Verdict{Stage: StageGuardrail}, err
		}
		decision, matched, err := policy.Evaluate(rules, command)
		if err != nil {
			return Verdict{Stage: StageGuardrail}, err
		}
		w.metrics.RecordGuardrailEvaluation(ctx, decision.String())
		var ruleID string
		if matched != nil {
			ruleID = matched.ID
		}
		switch decision {
		case policy.Allow:
			return Verdict{Decision: Accept, Stage: StageGuardrail, Cwd: cwd, RuleID: ruleID}, nil
		case policy.Deny:
			w.logger.Warn("command denied by guardrail", "command", shared.Redact(command), "matched_rule", ruleID)
			return Verdict{Decision: Decline, Stage: StageGuardrail, Cwd: cwd, RuleID: ruleID}, nil
		}
	}

	return w.escalate(ctx, req, settings, command, cwd)
}

type commandDetails struct {
	Command string  `json:"command"`
	Cwd     string  `json:"cwd"`
	Reason  *string `json:"reason"`
}

func (w *Workflow) escalate(ctx context.Context, req CommandRequest, settings persistence.Settings, command, cwd string) (Verdict, error) {
	approvalID := RandomID("appr")
	ctx = shared.WithApprovalID(ctx, approvalID)

	details := commandDetails{Command: command, Cwd: cwd}
	if req.Reason != "" {
		reason := req.Reason
		details.Reason = &reason
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return Verdict{Stage: StageApproval}, fmt.Errorf("encode approval details: %w", err)
	}

	// Subscribe before insert so a fast resolution is never missed.
	var wake <-chan bus.Event
	if w.bus != nil {
		sub := w.bus.Subscribe("approval.")
		defer w.bus.Unsubscribe(sub)
		wake = sub.Ch()
	}

	task := req.Task
	if err := w.store.InsertApproval(ctx, persistence.Approval{
		ID:              approvalID,
		Kind:            persistence.ApprovalKindCommand,
		Provider:        task.Provider,
		WorkspaceID:     task.WorkspaceID,
		ChannelID:       task.ChannelID,
		ThreadTS:        task.ThreadTS,
		RequesterUserID: task.RequesterUserID,
		DetailsJSON:     string(raw),
	}); err != nil {
		return Verdict{Stage: StageApproval}, err
	}

	prompt := CommandPrompt(task.Provider, settings.AgentName, approvalID, cwd, command, req.Reason)
	w.notify(ctx, taskTarget(task), prompt, approvalID)

	started := time.Now()
	final, err := w.wait(ctx, approvalID, started.Add(w.timeout), wake)
	if err != nil {
		return Verdict{Stage: StageApproval, ApprovalID: approvalID}, err
	}
	status := persistence.ApprovalExpired
	if final != nil {
		status = final.Status
	}
	w.metrics.RecordApprovalWait(ctx, time.Since(started), string(status))

	v := Verdict{Decision: Decline, Stage: StageApproval, Cwd: cwd, ApprovalID: approvalID}
	switch {
	case final == nil:
		v.Stage = StageTimeout
	case final.Status == persistence.ApprovalApproved:
		decision := final.Decision
		if decision == "" {
			decision = persistence.DecisionApprove
		}
		if decision == persistence.DecisionAlways {
			w.rememberCommand(ctx, command)
		}
		w.logger.Info("approval granted", "approval_id", approvalID, "decision", decision)
		v.Decision = Accept
	case final.Status == persistence.ApprovalDenied:
		w.logger.Info("approval denied", "approval_id", approvalID)
	}
	return v, nil
}

// rememberCommand persists an exact allow rule for command. Failures are logged only.
func (w *Workflow) rememberCommand(ctx context.Context, command string) {
	rule := policy.Rule{
		ID:          RandomID("gr"),
		Name:        "approved: " + Truncate(command, alwaysNameMax),
		Kind:        policy.KindCommand,
		PatternKind: policy.PatternExact,
		Pattern:     command,
		Action:      policy.ActionAllow,
		Priority:    alwaysRulePriority,
		Enabled:     true,
	}
	if err := policy.Validate(rule); err != nil {
		w.logger.Warn("failed to validate generated allow rule", "error", err)
		return
	}
	if err := w.store.InsertGuardrailRule(ctx, rule, persistence.RuleSourceAlways); err != nil {
		w.logger.Warn("failed to persist allow rule from approval", "error", err)
		return
	}
	audit.RecordContext(ctx, "allow", audit.CapabilityGuardrailAdd, "always", w.policyVersion(), rule.ID)
}

// notify delivers a prompt with buttons, falling back to plain text. It never fails.
func (w *Workflow) notify(ctx context.Context, to channels.Target, text, approvalID string) {
	if w.notifier == nil {
		w.logger.Warn("cannot request approval: no notifier configured", "approval_id", approvalID)
		return
	}
	err := w.notifier.PostRich(ctx, to, text, ApprovalActions(approvalID))
	if err == nil {
		return
	}
	if errors.Is(err, channels.ErrNotConfigured) {
		w.logger.Warn("cannot request approval: provider credentials missing", "provider", to.Provider, "approval_id", approvalID)
		return
	}
	w.logger.Warn("failed to post rich approval message; falling back to plain text", "error", err)
	if _, err := w.notifier.Post(ctx, to, text); err != nil {
		w.logger.Warn("failed to post approval message", "approval_id", approvalID, "error", err)
	}
}
