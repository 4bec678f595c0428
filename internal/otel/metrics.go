package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the grail instruments. A nil *Metrics records nothing.
type Metrics struct {
	TaskDuration         metric.Float64Histogram
	GateDecisions        metric.Int64Counter
	ApprovalWait         metric.Float64Histogram
	ApprovalResolutions  metric.Int64Counter
	GuardrailEvaluations metric.Int64Counter
	CommandDuration      metric.Float64Histogram
	RequestDuration      metric.Float64Histogram
	RateLimitRejects     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TaskDuration, err = meter.Float64Histogram("grail.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.GateDecisions, err = meter.Int64Counter("grail.approval.decisions",
		metric.WithDescription("Command gate outcomes by decision and stage"),
	); err != nil {
		return nil, err
	}
	if m.ApprovalWait, err = meter.Float64Histogram("grail.approval.wait",
		metric.WithDescription("Time spent waiting for a human approval in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ApprovalResolutions, err = meter.Int64Counter("grail.approval.resolutions",
		metric.WithDescription("Approval reply commands by action and outcome"),
	); err != nil {
		return nil, err
	}
	if m.GuardrailEvaluations, err = meter.Int64Counter("grail.guardrail.evaluations",
		metric.WithDescription("Guardrail evaluations by resulting decision"),
	); err != nil {
		return nil, err
	}
	if m.CommandDuration, err = meter.Float64Histogram("grail.command.duration",
		metric.WithDescription("Accepted command execution time in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("grail.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("grail.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordGateDecision(ctx context.Context, decision, stage string) {
	if m == nil {
		return
	}
	m.GateDecisions.Add(ctx, 1, metric.WithAttributes(
		AttrDecision.String(decision),
		AttrGateStage.String(stage),
	))
}

func (m *Metrics) RecordGuardrailEvaluation(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.GuardrailEvaluations.Add(ctx, 1, metric.WithAttributes(AttrDecision.String(decision)))
}

func (m *Metrics) RecordApprovalWait(ctx context.Context, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.ApprovalWait.Record(ctx, d.Seconds(), metric.WithAttributes(AttrApprovalStatus.String(status)))
}

func (m *Metrics) RecordResolution(ctx context.Context, action string, changed bool) {
	if m == nil {
		return
	}
	m.ApprovalResolutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("changed", changed),
	))
}

func (m *Metrics) RecordTask(ctx context.Context, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.TaskDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordCommand(ctx context.Context, d time.Duration, exitCode int) {
	if m == nil {
		return
	}
	m.CommandDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Int("exit_code", exitCode)))
}

func (m *Metrics) RecordRequest(ctx context.Context, d time.Duration, route string, status int) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

func (m *Metrics) RecordRateLimitReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
