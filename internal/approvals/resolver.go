package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/basket/grail/internal/audit"
	grailotel "github.com/basket/grail/internal/otel"
	"github.com/basket/grail/internal/persistence"
)

// Replies sent back to the user resolving an approval.
const (
	ReplyUnknownAction = "Unknown approval action."
	ReplyNotPending    = "Approval not found, already handled, or expired."
)

// Actions accepted by Resolve.
const (
	ActionApprove = "approve"
	ActionAlways  = "always"
	ActionDeny    = "deny"
	ActionCancel  = "cancel"
)

// ActionOutcome maps a reply action to the terminal status and stored decision.
// Cancel is recorded as a denial.
func ActionOutcome(action string) (persistence.ApprovalStatus, string, bool) {
	switch action {
	case ActionApprove:
		return persistence.ApprovalApproved, persistence.DecisionApprove, true
	case ActionAlways:
		return persistence.ApprovalApproved, persistence.DecisionAlways, true
	case ActionDeny, ActionCancel:
		return persistence.ApprovalDenied, persistence.DecisionDeny, true
	default:
		return "", "", false
	}
}

// Resolve records a human decision and, for approved proposals, persists
// the proposed rule or job. Replays return ReplyNotPending and change nothing.
func (w *Workflow) Resolve(ctx context.Context, action, approvalID string) (string, error) {
	action = strings.ToLower(strings.TrimSpace(action))
	approvalID = strings.TrimSpace(approvalID)

	ctx, span := grailotel.StartSpan(ctx, w.tracer, "approval.resolve",
		grailotel.AttrApprovalID.String(approvalID),
		grailotel.AttrDecision.String(action),
	)
	defer span.End()

	status, decision, ok := ActionOutcome(action)
	if !ok {
		return ReplyUnknownAction, nil
	}

	if status == persistence.ApprovalApproved {
		if reply, blocked, err := w.blockConflictingProposal(ctx, approvalID); err != nil || blocked {
			return reply, err
		}
	}

	changed, err := w.store.ResolveApproval(ctx, approvalID, status, decision)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	w.metrics.RecordResolution(ctx, action, changed)
	if !changed {
		return ReplyNotPending, nil
	}

	auditDecision := "allow"
	if status == persistence.ApprovalDenied {
		auditDecision = "deny"
	}
	audit.RecordContext(ctx, auditDecision, audit.CapabilityApprovalReply, action, w.policyVersion(), approvalID)

	if status == persistence.ApprovalApproved {
		a, err := w.store.GetApproval(ctx, approvalID)
		if err != nil {
			return "", err
		}
		if err := w.materialize(ctx, a); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			w.logger.Error("failed to apply approved proposal", "approval_id", approvalID, "kind", a.Kind, "error", err)
			return "", err
		}
	}
	w.logger.Info("approval resolved", "approval_id", approvalID, "action", action)
	return fmt.Sprintf("Recorded: %s %s", action, approvalID), nil
}

// blockConflictingProposal expires a pending proposal whose explicit id was
// taken after it was filed, so approving it cannot half-succeed.
func (w *Workflow) blockConflictingProposal(ctx context.Context, approvalID string) (string, bool, error) {
	a, err := w.store.GetApproval(ctx, approvalID)
	if errors.Is(err, persistence.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if a.Status != persistence.ApprovalPending || a.Kind == persistence.ApprovalKindCommand {
		return "", false, nil
	}
	conflict := w.idTaken(ctx, a.Kind, []byte(a.DetailsJSON))
	if !errors.Is(conflict, persistence.ErrDuplicate) {
		return "", false, nil
	}
	if _, err := w.store.ExpireApproval(ctx, approvalID); err != nil {
		return "", false, err
	}
	w.logger.Warn("proposal expired on approve; id already in use", "approval_id", approvalID, "error", conflict)
	return fmt.Sprintf("Approval %s expired: %v.", approvalID, conflict), true, nil
}

// materialize applies the side effects of an approved non-command approval.
func (w *Workflow) materialize(ctx context.Context, a *persistence.Approval) error {
	switch a.Kind {
	case persistence.ApprovalKindGuardrailRule:
		var p GuardrailProposal
		if err := json.Unmarshal([]byte(a.DetailsJSON), &p); err != nil {
			return fmt.Errorf("parse guardrail proposal: %w", err)
		}
		rule := p.Rule()
		if err := w.store.InsertGuardrailRule(ctx, rule, persistence.RuleSourceProposal); err != nil {
			return err
		}
		audit.RecordContext(ctx, "allow", audit.CapabilityMaterialize, a.Kind, w.policyVersion(), rule.ID)
	case persistence.ApprovalKindCronJob:
		var p CronProposal
		if err := json.Unmarshal([]byte(a.DetailsJSON), &p); err != nil {
			return fmt.Errorf("parse cron proposal: %w", err)
		}
		job, err := p.Job(a.Provider, time.Now().UTC())
		if err != nil {
			return err
		}
		if err := w.store.InsertCronJob(ctx, job); err != nil {
			return err
		}
		audit.RecordContext(ctx, "allow", audit.CapabilityMaterialize, a.Kind, w.policyVersion(), job.ID)
	}
	return nil
}
