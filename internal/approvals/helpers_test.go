package approvals_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/grail/internal/approvals"
	"github.com/basket/grail/internal/bus"
	"github.com/basket/grail/internal/channels"
	"github.com/basket/grail/internal/persistence"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeNotifier struct {
	mu      sync.Mutex
	rich    []string
	plain   []string
	actions [][]channels.Action
	richErr error
}

func (f *fakeNotifier) Post(_ context.Context, _ channels.Target, text string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plain = append(f.plain, text)
	return []string{"1"}, nil
}

func (f *fakeNotifier) PostRich(_ context.Context, _ channels.Target, text string, actions []channels.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.richErr != nil {
		return f.richErr
	}
	f.rich = append(f.rich, text)
	f.actions = append(f.actions, actions)
	return nil
}

func (f *fakeNotifier) snapshot() (rich, plain []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rich...), append([]string(nil), f.plain...)
}

type harness struct {
	store    *persistence.Store
	bus      *bus.Bus
	notifier *fakeNotifier
	wf       *approvals.Workflow
	base     string
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	dir := t.TempDir()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(dir, "grail.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	base := filepath.Join(dir, "work")
	n := &fakeNotifier{}
	wf, err := approvals.NewWorkflow(approvals.Config{
		Store:        store,
		Notifier:     n,
		Bus:          eventBus,
		BaseDir:      base,
		Timeout:      timeout,
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new workflow: %v", err)
	}
	return &harness{store: store, bus: eventBus, notifier: n, wf: wf, base: base}
}

func (h *harness) setModes(t *testing.T, permissions, approvalMode string) {
	t.Helper()
	_, err := h.store.UpdateSettings(context.Background(), persistence.Settings{
		ContextLastN:        20,
		PermissionsMode:     permissions,
		CommandApprovalMode: approvalMode,
		AgentName:           "grail",
	})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
}

func testTask(provider string) persistence.Task {
	return persistence.Task{
		ID:              7,
		Provider:        provider,
		WorkspaceID:     "W1",
		ChannelID:       "C1",
		ThreadTS:        "100.1",
		RequesterUserID: "U1",
		PromptText:      "run something",
	}
}

// pendingApproval waits for exactly one pending approval and returns it.
func (h *harness) pendingApproval(t *testing.T) persistence.Approval {
	t.Helper()
	var pending []persistence.Approval
	waitFor(t, 3*time.Second, func() bool {
		var err error
		pending, err = h.store.ListApprovals(context.Background(), persistence.ApprovalPending, 10)
		return err == nil && len(pending) == 1
	})
	return pending[0]
}

type gateResult struct {
	v   approvals.Verdict
	err error
}

func (h *harness) requestAsync(req approvals.CommandRequest) <-chan gateResult {
	out := make(chan gateResult, 1)
	go func() {
		v, err := h.wf.RequestCommand(context.Background(), req)
		out <- gateResult{v: v, err: err}
	}()
	return out
}

func awaitResult(t *testing.T, ch <-chan gateResult) approvals.Verdict {
	t.Helper()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("RequestCommand: %v", r.err)
		}
		return r.v
	case <-time.After(5 * time.Second):
		t.Fatal("RequestCommand did not return")
	}
	return approvals.Verdict{}
}

var errRichUnsupported = errors.New("blocks rejected")
