package approvals

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/grail/internal/audit"
	"github.com/basket/grail/internal/channels"
	"github.com/basket/grail/internal/cron"
	"github.com/basket/grail/internal/persistence"
	"github.com/basket/grail/internal/policy"
)

// ErrInvalidProposal wraps every payload rejection.
var ErrInvalidProposal = errors.New("invalid proposal")

const guardrailProposalSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["name", "kind", "pattern_kind", "pattern", "action"],
  "properties": {
    "id":           {"type": "string", "minLength": 1},
    "name":         {"type": "string", "minLength": 1},
    "kind":         {"type": "string", "minLength": 1},
    "pattern_kind": {"enum": ["exact", "substring", "regex"]},
    "pattern":      {"type": "string", "minLength": 1},
    "action":       {"type": "string", "minLength": 1},
    "priority":     {"type": "integer"},
    "enabled":      {"type": "boolean"}
  }
}`

const cronProposalSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["name", "schedule_kind", "workspace_id", "channel_id", "prompt_text"],
  "properties": {
    "id":            {"type": "string", "minLength": 1},
    "name":          {"type": "string", "minLength": 1},
    "enabled":       {"type": "boolean"},
    "mode":          {"enum": ["agent", "message"]},
    "schedule_kind": {"enum": ["every", "cron", "at"]},
    "every_seconds": {"type": "integer", "minimum": 1},
    "cron_expr":     {"type": "string"},
    "at_ts":         {"type": "integer", "minimum": 1},
    "provider":      {"type": "string"},
    "workspace_id":  {"type": "string", "minLength": 1},
    "channel_id":    {"type": "string", "minLength": 1},
    "thread_ts":     {"type": "string"},
    "prompt_text":   {"type": "string", "minLength": 1},
    "next_run_at":   {"type": "integer"}
  }
}`

// GuardrailProposal is the details shape of a guardrail_rule_add approval.
type GuardrailProposal struct {
	ID          *string `json:"id,omitempty"`
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	PatternKind string  `json:"pattern_kind"`
	Pattern     string  `json:"pattern"`
	Action      string  `json:"action"`
	Priority    *int    `json:"priority,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

// Rule applies defaults: a fresh gr_ id, priority 100, enabled.
func (p GuardrailProposal) Rule() policy.Rule {
	r := policy.Rule{
		Name:        p.Name,
		Kind:        p.Kind,
		PatternKind: p.PatternKind,
		Pattern:     p.Pattern,
		Action:      p.Action,
		Priority:    policy.DefaultRulePriority,
		Enabled:     true,
	}
	if p.ID != nil && *p.ID != "" {
		r.ID = *p.ID
	} else {
		r.ID = RandomID("gr")
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.Enabled != nil {
		r.Enabled = *p.Enabled
	}
	return r
}

// CronProposal is the details shape of a cron_job_add approval.
type CronProposal struct {
	ID           *string `json:"id,omitempty"`
	Name         string  `json:"name"`
	Enabled      *bool   `json:"enabled,omitempty"`
	Mode         *string `json:"mode,omitempty"`
	ScheduleKind string  `json:"schedule_kind"`
	EverySeconds *int64  `json:"every_seconds,omitempty"`
	CronExpr     *string `json:"cron_expr,omitempty"`
	AtTS         *int64  `json:"at_ts,omitempty"`
	Provider     *string `json:"provider,omitempty"`
	WorkspaceID  string  `json:"workspace_id"`
	ChannelID    string  `json:"channel_id"`
	ThreadTS     *string `json:"thread_ts,omitempty"`
	PromptText   string  `json:"prompt_text"`
	NextRunAt    *int64  `json:"next_run_at,omitempty"`
}

// Job applies defaults: a fresh cron_ id, enabled, agent mode, the given
// provider when none is named, and the first run computed from the schedule
// unless next_run_at is set.
func (p CronProposal) Job(provider string, now time.Time) (persistence.CronJob, error) {
	j := persistence.CronJob{
		Name:         p.Name,
		Enabled:      true,
		Mode:         persistence.CronModeAgent,
		ScheduleKind: p.ScheduleKind,
		Provider:     provider,
		WorkspaceID:  p.WorkspaceID,
		ChannelID:    p.ChannelID,
		PromptText:   p.PromptText,
	}
	if p.ID != nil && *p.ID != "" {
		j.ID = *p.ID
	} else {
		j.ID = RandomID("cron")
	}
	if p.Enabled != nil {
		j.Enabled = *p.Enabled
	}
	if p.Mode != nil && *p.Mode != "" {
		j.Mode = *p.Mode
	}
	if p.EverySeconds != nil {
		j.EverySeconds = *p.EverySeconds
	}
	if p.CronExpr != nil {
		j.CronExpr = strings.TrimSpace(*p.CronExpr)
	}
	if p.AtTS != nil {
		j.AtTS = *p.AtTS
	}
	if p.Provider != nil && *p.Provider != "" {
		j.Provider = *p.Provider
	}
	if p.ThreadTS != nil {
		j.ThreadTS = *p.ThreadTS
	}
	if err := cron.ValidateJob(j); err != nil {
		return persistence.CronJob{}, err
	}
	if p.NextRunAt != nil {
		t := time.Unix(*p.NextRunAt, 0).UTC()
		j.NextRunAt = &t
		return j, nil
	}
	next, err := cron.FirstRun(j, now)
	if err != nil {
		return persistence.CronJob{}, err
	}
	j.NextRunAt = next
	return j, nil
}

type proposalSchemas struct {
	byKind map[string]*jsonschema.Schema
}

func compileProposalSchemas() (*proposalSchemas, error) {
	sources := map[string]string{
		persistence.ApprovalKindGuardrailRule: guardrailProposalSchema,
		persistence.ApprovalKindCronJob:       cronProposalSchema,
	}
	c := jsonschema.NewCompiler()
	out := &proposalSchemas{byKind: make(map[string]*jsonschema.Schema, len(sources))}
	for kind, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", kind, err)
		}
		url := kind + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", kind, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		out.byKind[kind] = sch
	}
	return out, nil
}

// validate checks payload against the kind's schema and then the typed
// semantic rules (regex compiles, cron expression parses).
func (s *proposalSchemas) validate(kind string, payload []byte) error {
	sch, ok := s.byKind[kind]
	if !ok {
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidProposal, kind)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}

	switch kind {
	case persistence.ApprovalKindGuardrailRule:
		var p GuardrailProposal
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
		}
		if err := policy.Validate(p.Rule()); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
		}
	case persistence.ApprovalKindCronJob:
		var p CronProposal
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
		}
		if _, err := p.Job("", time.Now()); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
		}
	}
	return nil
}

// ProposalRequest asks a human to approve a new guardrail rule or cron job.
type ProposalRequest struct {
	Kind            string          `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	Target          channels.Target `json:"target"`
	RequesterUserID string          `json:"requested_by_user_id"`
}

// Propose validates the payload, stores a pending approval, notifies the
// target conversation and returns the approval id without waiting.
func (w *Workflow) Propose(ctx context.Context, req ProposalRequest) (string, error) {
	if err := w.schemas.validate(req.Kind, req.Payload); err != nil {
		return "", err
	}
	if err := w.idTaken(ctx, req.Kind, req.Payload); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidProposal, err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, req.Payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}

	approvalID := RandomID("appr")
	if err := w.store.InsertApproval(ctx, persistence.Approval{
		ID:              approvalID,
		Kind:            req.Kind,
		Provider:        req.Target.Provider,
		WorkspaceID:     req.Target.WorkspaceID,
		ChannelID:       req.Target.ChannelID,
		ThreadTS:        req.Target.ThreadTS,
		RequesterUserID: req.RequesterUserID,
		DetailsJSON:     compact.String(),
	}); err != nil {
		return "", err
	}

	agentName := "grail"
	if settings, err := w.store.GetSettings(ctx); err == nil {
		agentName = settings.AgentName
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, compact.Bytes(), "", "  "); err != nil {
		pretty.Write(compact.Bytes())
	}
	w.notify(ctx, req.Target, ProposalPrompt(req.Target.Provider, agentName, approvalID, req.Kind, pretty.String()), approvalID)
	audit.RecordContext(ctx, "pending", audit.CapabilityMaterialize, "proposed:"+req.Kind, w.policyVersion(), approvalID)
	w.logger.Info("proposal recorded", "approval_id", approvalID, "kind", req.Kind)
	return approvalID, nil
}

// idTaken returns an error wrapping persistence.ErrDuplicate when the
// proposal names an explicit id that is already stored. Generated ids never
// collide and are not checked.
func (w *Workflow) idTaken(ctx context.Context, kind string, payload []byte) error {
	switch kind {
	case persistence.ApprovalKindGuardrailRule:
		var p GuardrailProposal
		if err := json.Unmarshal(payload, &p); err != nil || p.ID == nil || *p.ID == "" {
			return err
		}
		exists, err := w.store.GuardrailRuleExists(ctx, *p.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("guardrail rule %q: %w", *p.ID, persistence.ErrDuplicate)
		}
	case persistence.ApprovalKindCronJob:
		var p CronProposal
		if err := json.Unmarshal(payload, &p); err != nil || p.ID == nil || *p.ID == "" {
			return err
		}
		_, err := w.store.GetCronJob(ctx, *p.ID)
		if err == nil {
			return fmt.Errorf("cron job %q: %w", *p.ID, persistence.ErrDuplicate)
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return err
		}
	}
	return nil
}
