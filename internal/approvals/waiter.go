package approvals

import (
	"context"
	"errors"
	"time"

	"github.com/basket/grail/internal/bus"
	"github.com/basket/grail/internal/persistence"
)

// wait polls approvalID until it leaves pending or the deadline passes.
// Approval bus events for the id cut the poll short. A nil approval with a
// nil error means the request timed out or vanished; both decline.
func (w *Workflow) wait(ctx context.Context, approvalID string, deadline time.Time, wake <-chan bus.Event) (*persistence.Approval, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.abandon(ctx, approvalID)
			return nil, ctx.Err()
		case ev, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if ae, isApproval := ev.Payload.(bus.ApprovalEvent); !isApproval || ae.ApprovalID != approvalID {
				continue
			}
		case <-timer.C:
		}

		if !time.Now().Before(deadline) {
			if _, err := w.store.ExpireApproval(ctx, approvalID); err != nil {
				return nil, err
			}
			// A resolution may have landed between the last read and the expiry.
			a, err := w.store.GetApproval(ctx, approvalID)
			if err != nil && !errors.Is(err, persistence.ErrNotFound) {
				return nil, err
			}
			if err != nil || a.Status == persistence.ApprovalExpired {
				w.logger.Info("approval timed out", "approval_id", approvalID)
				return nil, nil
			}
			return a, nil
		}

		a, err := w.store.GetApproval(ctx, approvalID)
		if errors.Is(err, persistence.ErrNotFound) {
			w.logger.Warn("approval record missing, declining", "approval_id", approvalID)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		switch a.Status {
		case persistence.ApprovalApproved, persistence.ApprovalDenied, persistence.ApprovalExpired:
			return a, nil
		}

		next := w.poll
		if remaining := time.Until(deadline); remaining < next {
			next = remaining
		}
		if next < 0 {
			next = 0
		}
		resetTimer(timer, next)
	}
}

// abandon expires an approval whose waiter is giving up, so a late reply
// cannot record a decision nothing will act on.
func (w *Workflow) abandon(ctx context.Context, approvalID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := w.store.ExpireApproval(ctx, approvalID); err != nil {
		w.logger.Warn("could not expire abandoned approval", "approval_id", approvalID, "error", err)
		return
	}
	w.logger.Info("approval abandoned by its waiter", "approval_id", approvalID)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
