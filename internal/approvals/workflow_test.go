package approvals_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/grail/internal/approvals"
	"github.com/basket/grail/internal/channels"
	"github.com/basket/grail/internal/persistence"
	"github.com/basket/grail/internal/policy"
)

func TestResolveCwd(t *testing.T) {
	base := filepath.FromSlash("/srv/work")
	tests := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{raw: "", want: base, wantOK: true},
		{raw: "   ", want: base, wantOK: true},
		{raw: "sub/dir", want: filepath.Join(base, "sub", "dir"), wantOK: true},
		{raw: "./sub", want: filepath.Join(base, "sub"), wantOK: true},
		{raw: "/srv/work/a", want: filepath.Join(base, "a"), wantOK: true},
		{raw: "/srv/work", want: base, wantOK: true},
		{raw: "../etc", wantOK: false},
		{raw: "sub/../../etc", wantOK: false},
		{raw: "sub/..", wantOK: false},
		{raw: "/etc", wantOK: false},
		{raw: "/srv/workshop", wantOK: false},
	}
	for _, tt := range tests {
		got, ok := approvals.ResolveCwd(base, tt.raw)
		if ok != tt.wantOK {
			t.Fatalf("ResolveCwd(%q) ok = %v, want %v", tt.raw, ok, tt.wantOK)
		}
		if ok && got != tt.want {
			t.Fatalf("ResolveCwd(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}

	if got, ok := approvals.ResolveCwd("/", "tmp/x"); !ok || got != filepath.FromSlash("/tmp/x") {
		t.Fatalf("root base: got %q, %v", got, ok)
	}
}

func TestRequestCommand_ReadOnlyDeclinesWithoutRecord(t *testing.T) {
	h := newHarness(t, time.Second)
	h.setModes(t, persistence.PermissionsRead, persistence.ApprovalModeAuto)

	v, err := h.wf.RequestCommand(context.Background(), approvals.CommandRequest{Task: testTask("telegram"), Command: "ls"})
	if err != nil {
		t.Fatalf("RequestCommand: %v", err)
	}
	if v.Accepted() || v.Stage != approvals.StagePermissions {
		t.Fatalf("verdict = %+v", v)
	}
	all, _ := h.store.ListApprovals(context.Background(), "", 10)
	if len(all) != 0 {
		t.Fatalf("read-only decline must not create approvals, got %d", len(all))
	}
}

func TestRequestCommand_CwdEscapeDeclinesInEveryMode(t *testing.T) {
	for _, perm := range []string{persistence.PermissionsRead, persistence.PermissionsFull} {
		for _, mode := range []string{persistence.ApprovalModeAuto, persistence.ApprovalModeAlwaysAsk, persistence.ApprovalModeGuardrails} {
			t.Run(perm+"/"+mode, func(t *testing.T) {
				h := newHarness(t, time.Second)
				h.setModes(t, perm, mode)

				v, err := h.wf.RequestCommand(context.Background(), approvals.CommandRequest{Task: testTask("telegram"), Command: "ls", Cwd: "../.."})
				if err != nil {
					t.Fatalf("RequestCommand: %v", err)
				}
				wantStage := approvals.StageCwd
				if perm == persistence.PermissionsRead {
					wantStage = approvals.StagePermissions
				}
				if v.Accepted() || v.Stage != wantStage {
					t.Fatalf("verdict = %+v, want decline at %s", v, wantStage)
				}
				if all, _ := h.store.ListApprovals(context.Background(), "", 10); len(all) != 0 {
					t.Fatalf("cwd escape created %d approvals", len(all))
				}
			})
		}
	}
}

func TestRequestCommand_EmptyCommandDeclines(t *testing.T) {
	h := newHarness(t, time.Second)
	h.setModes(t, persistence.PermissionsFull, persistence.ApprovalModeAuto)

	v, err := h.wf.RequestCommand(context.Background(), approvals.CommandRequest{Task: testTask("telegram"), Command: " \n "})
	if err != nil {
		t.Fatalf("RequestCommand: %v", err)
	}
	if v.Accepted() || v.Stage != approvals.StageEmpty {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestRequestCommand_AutoAccepts(t *testing.T) {
	h := newHarness(t, time.Second)
	h.setModes(t, persistence.PermissionsFull, persistence.ApprovalModeAuto)

	v, err := h.wf.RequestCommand(context.Background(), approvals.CommandRequest{Task: testTask("telegram"), Command: "rm -rf build", Cwd: "sub"})
	if err != nil {
		t.Fatalf("RequestCommand: %v", err)
	}
	if !v.Accepted() || v.Cwd != filepath.Join(h.base, "sub") {
		t.Fatalf("verdict = %+v", v)
	}
}

func insertRule(t *testing.T, h *harness, id, patternKind, pattern, action string, priority int) {
	t.Helper()
	err := h.store.InsertGuardrailRule(context.Background(), policy.Rule{
		ID: id, Name: id, Kind: policy.KindCommand, PatternKind: patternKind,
		Pattern: pattern, Action: action, Priority: priority, Enabled: true,
	}, persistence.RuleSourceAdmin)
	if err != nil {
		t.Fatalf("insert rule: %v", err)
	}
}

func TestRequestCommand_GuardrailAllowAndDeny(t *testing.T) {
	h := newHarness(t, time.Second)
	h.setModes(t, persistence.PermissionsFull, persistence.ApprovalModeGuardrails)
	insertRule(t, h, "deny-rm", policy.PatternSubstring, "rm -rf", policy.ActionDeny, 10)
	insertRule(t, h, "allow-ls", policy.PatternRegex, `^ls\b`, policy.ActionAllow, 20)

	ctx := context.Background()
	v, err := h.wf.RequestCommand(ctx, approvals.CommandRequest{Task: testTask("telegram"), Command: "sudo rm -rf /"})
	if err != nil {
		t.Fatalf("RequestCommand: %v", err)
	}
	if v.Accepted() || v.RuleID != "deny-rm" {
		t.Fatalf("deny verdict = %+v", v)
	}

	v, err = h.wf.RequestCommand(ctx, approvals.CommandRequest{Task: testTask("telegram"), Command: "ls -la"})
	if err != nil {
		t.Fatalf("RequestCommand: %v", err)
	}
	if !v.Accepted() || v.RuleID != "allow-ls" {
		t.Fatalf("allow verdict = %+v", v)
	}

	// No rule matches: default allow.
	v, err = h.wf.RequestCommand(ctx, approvals.CommandRequest{Task: testTask("telegram"), Command: "pwd"})
	if err != nil {
		t.Fatalf("RequestCommand: %v", err)
	}
	if !v.Accepted() || v.RuleID != "" {
		t.Fatalf("no-match verdict = %+v", v)
	}
	rich, _ := h.notifier.snapshot()
	if len(rich) != 0 {
		t.Fatalf("guardrail decisions must not notify, got %d", len(rich))
	}
}

func TestRequestCommand_ApprovalGrantedOnce(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.setModes(t, persistence.PermissionsFull, persistence.ApprovalModeGuardrails)
	insertRule(t, h, "ask-deploy", policy.PatternExact, "make deploy", policy.ActionRequireApproval, 5)

	res := h.requestAsync(approvals.CommandRequest{Task: testTask("telegram"), Command: "make deploy", Reason: "ship it"})
	pending := h.pendingApproval(t)

	if pending.Kind != persistence.ApprovalKindCommand || pending.ChannelID != "C1" || pending.ThreadTS != "100.1" || pending.RequesterUserID != "U1" {
		t.Fatalf("approval linkage = %+v", pending)
	}
	var details map[string]any
	if err := json.Unmarshal([]byte(pending.DetailsJSON), &details); err != nil {
		t.Fatalf("details json: %v", err)
	}
	if details["command"] != "make deploy" || details["cwd"] != h.base || details["reason"] != "ship it" {
		t.Fatalf("details = %v", details)
	}

	waitFor(t, 2*time.Second, func() bool {
		rich, _ := h.notifier.snapshot()
		return len(rich) == 1
	})
	rich, _ := h.notifier.snapshot()
	if !strings.Contains(rich[0], "approve "+pending.ID) || !strings.Contains(rich[0], "Reason: ship it") {
		t.Fatalf("prompt = %q", rich[0])
	}

	reply, err := h.wf.Resolve(context.Background(), "approve", pending.ID)
	if err != nil || reply != "Recorded: approve "+pending.ID {
		t.Fatalf("Resolve = %q, %v", reply, err)
	}
	v := awaitResult(t, res)
	if !v.Accepted() || v.ApprovalID != pending.ID {
		t.Fatalf("verdict = %+v", v)
	}

	rules, _ := h.store.ListGuardrailRules(context.Background(), persistence.GuardrailFilter{Kind: policy.KindCommand})
	if len(rules) != 1 {
		t.Fatalf("approve once must not add rules, got %d", len(rules))
	}
}

func TestRequestCommand_AlwaysPersistsAllowRule(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.setModes(t, persistence.PermissionsFull, persistence.ApprovalModeAlwaysAsk)
	command := "docker compose up -d\n--build"

	res := h.requestAsync(approvals.CommandRequest{Task: testTask("telegram"), Command: command})
	pending := h.pendingApproval(t)
	if _, err := h.wf.Resolve(context.Background(), "ALWAYS", pending.ID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v := awaitResult(t, res); !v.Accepted() {
		t.Fatalf("verdict = %+v", v)
	}

	got, err := h.store.GetApproval(context.Background(), pending.ID)
	if err != nil || got.Decision != persistence.DecisionAlways || got.ResolvedAt == nil {
		t.Fatalf("approval = %+v, %v", got, err)
	}

	rules, err := h.store.ListGuardrailRules(context.Background(), persistence.GuardrailFilter{Kind: policy.KindCommand, EnabledOnly: true})
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 remembered rule, got %d", len(rules))
	}
	r := rules[0]
	if !strings.HasPrefix(r.ID, "gr_") || r.PatternKind != policy.PatternExact || r.Pattern != command ||
		r.Action != policy.ActionAllow || r.Priority != 1 || r.Name != "approved: docker compose up -d --build" {
		t.Fatalf("remembered rule = %+v", r)
	}

	// The remembered rule now allows the command under guardrails mode.
	h.setModes(t, persistence.PermissionsFull, persistence.ApprovalModeGuardrails)
	insertRule(t, h, "ask-docker", policy.PatternSubstring, "docker", policy.ActionRequireApproval, 50)
	v, err := h.wf.RequestCommand(context.Background(), approvals.CommandRequest{Task: testTask("telegram"), Command: command})
	if err != nil || !v.Accepted() || v.RuleID != r.ID {
		t.Fatalf("second run verdict = %+v, %v", v, err)
	}
	all, err := h.store.ListApprovals(context.Background(), "", 10)
	if err != nil || len(all) != 1 {
		t.Fatalf("second run must not ask again, approvals = %d, %v", len(all), err)
	}
}

func TestRequestCommand_DenyAndCancelDecline(t *testing.T) {
	for _, action := range []string{"deny", "cancel"} {
		t.Run(action, func(t *testing.T) {
			h := newHarness(t, 5*time.Second)
			h.setModes(t, persistence.PermissionsFull, persistence.ApprovalModeAlwaysAsk)

			res := h.requestAsync(approvals.CommandRequest{Task: testTask("telegram"), Command: "reboot"})
			pending := h.pendingApproval(t)
			if _, err := h.wf.Resolve(context.Background(), action, pending.ID); err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if v := awaitResult(t, res); v.Accepted() {
				t.Fatalf("verdict = %+v", v)
			}
			got, _ := h.store.GetApproval(context.Background(), pending.ID)
			if got.Status != persistence.ApprovalDenied || got.Decision != persistence.DecisionDeny {
				t.Fatalf("approval = %+v", got)
			}
		})
	}
}

func TestRequestCommand_TimeoutExpires(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)
	h.setModes(t, persistence.PermissionsFull, persistence.ApprovalModeAlwaysAsk)

	v, err := h.wf.RequestCommand(context.Background(), approvals.CommandRequest{Task: testTask("telegram"), Command: "reboot"})
	if err != nil {
		t.Fatalf("RequestCommand: %v", err)
	}
	if v.Accepted() || v.Stage != approvals.StageTimeout {
		t.Fatalf("verdict = %+v", v)
	}
	got, err := h.store.GetApproval(context.Background(), v.ApprovalID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if got.Status != persistence.ApprovalExpired || got.Decision != "" || got.ResolvedAt == nil {
		t.Fatalf("approval = %+v", got)
	}

	reply, err := h.wf.Resolve(context.Background(), "approve", v.ApprovalID)
	if err != nil || reply != approvals.ReplyNotPending {
		t.Fatalf("late approve = %q, %v", reply, err)
	}
}

func TestRequestCommand_RichFailureFallsBackToPlain(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)
	h.notifier.richErr = errRichUnsupported
	h.setModes(t, persistence.PermissionsFull, persistence.ApprovalModeAlwaysAsk)

	if _, err := h.wf.RequestCommand(context.Background(), approvals.CommandRequest{Task: testTask("slack"), Command: "reboot"}); err != nil {
		t.Fatalf("RequestCommand: %v", err)
	}
	_, plain := h.notifier.snapshot()
	if len(plain) != 1 || !strings.Contains(plain[0], "@grail approve appr_") {
		t.Fatalf("plain fallback = %q", plain)
	}
}

func TestRequestCommand_MissingCredentialsStillWaits(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	h.notifier.richErr = channels.ErrNotConfigured
	h.setModes(t, persistence.PermissionsFull, persistence.ApprovalModeAlwaysAsk)

	v, err := h.wf.RequestCommand(context.Background(), approvals.CommandRequest{Task: testTask("telegram"), Command: "reboot"})
	if err != nil || v.Accepted() {
		t.Fatalf("verdict = %+v, %v", v, err)
	}
	_, plain := h.notifier.snapshot()
	if len(plain) != 0 {
		t.Fatalf("no plain retry when credentials are missing, got %q", plain)
	}
}

func TestRequestCommand_PromptRedactsSecrets(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.setModes(t, persistence.PermissionsFull, persistence.ApprovalModeAlwaysAsk)
	secret := "sk-abcdefghijklmnopqrstuvwxyz012345"

	res := h.requestAsync(approvals.CommandRequest{Task: testTask("telegram"), Command: "curl -H 'x: " + secret + "' example.com"})
	pending := h.pendingApproval(t)
	waitFor(t, 2*time.Second, func() bool {
		rich, _ := h.notifier.snapshot()
		return len(rich) == 1
	})
	rich, _ := h.notifier.snapshot()
	if strings.Contains(rich[0], secret) {
		t.Fatalf("prompt leaked secret: %q", rich[0])
	}
	// The stored details keep the real command for execution.
	if !strings.Contains(pending.DetailsJSON, secret) {
		t.Fatalf("details lost the command: %s", pending.DetailsJSON)
	}
	_, _ = h.wf.Resolve(context.Background(), "deny", pending.ID)
	awaitResult(t, res)
}

func TestRequestCommand_ContextCancelReturnsError(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.setModes(t, persistence.PermissionsFull, persistence.ApprovalModeAlwaysAsk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.wf.RequestCommand(ctx, approvals.CommandRequest{Task: testTask("telegram"), Command: "reboot"})
		done <- err
	}()
	pending := h.pendingApproval(t)
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("gate did not stop on cancel")
	}

	got, err := h.store.GetApproval(context.Background(), pending.ID)
	if err != nil || got.Status != persistence.ApprovalExpired {
		t.Fatalf("approval after waiter gone = %+v, %v", got, err)
	}
	reply, err := h.wf.Resolve(context.Background(), "approve", pending.ID)
	if err != nil || reply != approvals.ReplyNotPending {
		t.Fatalf("late reply = %q, %v", reply, err)
	}
}

func TestRequestCommand_DeadlineExpiresApproval(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.setModes(t, persistence.PermissionsFull, persistence.ApprovalModeAlwaysAsk)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := h.wf.RequestCommand(ctx, approvals.CommandRequest{Task: testTask("telegram"), Command: "uptime"})
	if err == nil {
		t.Fatal("expected deadline error")
	}
	all, _ := h.store.ListApprovals(context.Background(), "", 10)
	if len(all) != 1 || all[0].Status != persistence.ApprovalExpired {
		t.Fatalf("approvals after deadline = %+v", all)
	}
}
