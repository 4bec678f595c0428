package persistence_test

import (
	"errors"
	"testing"
	"time"

	"github.com/basket/grail/internal/persistence"
)

func insertApproval(t *testing.T, store *persistence.Store, id string) {
	t.Helper()
	err := store.InsertApproval(t.Context(), persistence.Approval{
		ID:          id,
		Kind:        persistence.ApprovalKindCommand,
		WorkspaceID: "w1",
		ChannelID:   "c1",
		DetailsJSON: `{"command":"ls","cwd":"/tmp","reason":null}`,
	})
	if err != nil {
		t.Fatalf("insert approval: %v", err)
	}
}

func TestApprovals_InsertStartsPending(t *testing.T) {
	store, _ := openTestStore(t)
	insertApproval(t, store, "appr_1")

	a, err := store.GetApproval(t.Context(), "appr_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Status != persistence.ApprovalPending || a.Decision != "" || a.ResolvedAt != nil {
		t.Fatalf("unexpected new approval %+v", a)
	}
}

func TestApprovals_ResolveOnlyOnce(t *testing.T) {
	store, _ := openTestStore(t)
	insertApproval(t, store, "appr_2")

	ok, err := store.ResolveApproval(t.Context(), "appr_2", persistence.ApprovalApproved, persistence.DecisionAlways)
	if err != nil || !ok {
		t.Fatalf("expected first resolve to win, got %v, %v", ok, err)
	}
	ok, err = store.ResolveApproval(t.Context(), "appr_2", persistence.ApprovalDenied, persistence.DecisionDeny)
	if err != nil || ok {
		t.Fatalf("expected replay to be a no-op, got %v, %v", ok, err)
	}
	a, _ := store.GetApproval(t.Context(), "appr_2")
	if a.Status != persistence.ApprovalApproved || a.Decision != persistence.DecisionAlways || a.ResolvedAt == nil {
		t.Fatalf("unexpected resolved approval %+v", a)
	}
}

func TestApprovals_ExpireLeavesDecisionEmpty(t *testing.T) {
	store, _ := openTestStore(t)
	insertApproval(t, store, "appr_3")

	ok, err := store.ExpireApproval(t.Context(), "appr_3")
	if err != nil || !ok {
		t.Fatalf("expire: %v, %v", ok, err)
	}
	a, _ := store.GetApproval(t.Context(), "appr_3")
	if a.Status != persistence.ApprovalExpired || a.Decision != "" || a.ResolvedAt == nil {
		t.Fatalf("unexpected expired approval %+v", a)
	}
	// Expired approvals cannot be resolved.
	if ok, _ := store.ResolveApproval(t.Context(), "appr_3", persistence.ApprovalApproved, persistence.DecisionApprove); ok {
		t.Fatal("expected resolve after expiry to be rejected")
	}
}

func TestApprovals_ResolveMissing(t *testing.T) {
	store, _ := openTestStore(t)
	ok, err := store.ResolveApproval(t.Context(), "appr_missing", persistence.ApprovalDenied, persistence.DecisionDeny)
	if err != nil || ok {
		t.Fatalf("expected no-op for missing approval, got %v, %v", ok, err)
	}
	if _, err := store.GetApproval(t.Context(), "appr_missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApprovals_ExpireStalePending(t *testing.T) {
	store, _ := openTestStore(t)
	insertApproval(t, store, "appr_old")
	insertApproval(t, store, "appr_done")
	if _, err := store.ResolveApproval(t.Context(), "appr_done", persistence.ApprovalDenied, persistence.DecisionDeny); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if err := store.InsertApproval(t.Context(), persistence.Approval{
		ID:          "appr_rule",
		Kind:        persistence.ApprovalKindGuardrailRule,
		DetailsJSON: `{"name":"r","pattern":"x","action":"deny"}`,
	}); err != nil {
		t.Fatalf("insert proposal: %v", err)
	}

	n, err := store.ExpireStalePending(t.Context(), persistence.ApprovalKindCommand, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale approval expired, got %d", n)
	}
	pending, err := store.ListApprovals(t.Context(), persistence.ApprovalPending, 10)
	if err != nil || len(pending) != 1 || pending[0].ID != "appr_rule" {
		t.Fatalf("proposal should stay pending, got %+v, %v", pending, err)
	}
	list, err := store.ListApprovals(t.Context(), persistence.ApprovalExpired, 10)
	if err != nil || len(list) != 1 || list[0].ID != "appr_old" {
		t.Fatalf("unexpected expired list %+v, %v", list, err)
	}
}
