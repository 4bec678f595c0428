package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/grail/internal/approvals"
	"github.com/basket/grail/internal/bus"
	"github.com/basket/grail/internal/channels"
	"github.com/basket/grail/internal/gateway"
	"github.com/basket/grail/internal/intake"
	"github.com/basket/grail/internal/persistence"
)

const testToken = "secret"

type nopNotifier struct{}

func (nopNotifier) Post(context.Context, channels.Target, string) ([]string, error) {
	return []string{"1"}, nil
}

func (nopNotifier) PostRich(context.Context, channels.Target, string, []channels.Action) error {
	return nil
}

type testServer struct {
	url   string
	store *persistence.Store
	bus   *bus.Bus
}

func startGateway(t *testing.T, rl gateway.RateLimitConfig) *testServer {
	t.Helper()
	dir := t.TempDir()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(dir, "grail.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	wf, err := approvals.NewWorkflow(approvals.Config{
		Store:    store,
		Notifier: nopNotifier{},
		Bus:      eventBus,
		BaseDir:  filepath.Join(dir, "work"),
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("new workflow: %v", err)
	}
	srv, err := gateway.New(gateway.Config{
		Store:     store,
		Intake:    intake.New(store, wf, nil),
		Approvals: wf,
		Bus:       eventBus,
		AuthToken: testToken,
		RateLimit: rl,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{url: ts.URL, store: store, bus: eventBus}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.url+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func decode(t *testing.T, raw []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
}

func event(id, text string) map[string]string {
	return map[string]string{
		"provider":   "slack",
		"channel_id": "C1",
		"event_id":   id,
		"event_ts":   "171.1",
		"user_id":    "U1",
		"text":       text,
	}
}

func TestGateway_HealthzIsPublic(t *testing.T) {
	s := startGateway(t, gateway.RateLimitConfig{})
	code, body := s.do(t, http.MethodGet, "/healthz", "", nil)
	if code != http.StatusOK {
		t.Fatalf("healthz = %d %s", code, body)
	}
	var payload map[string]any
	decode(t, body, &payload)
	if payload["db_ok"] != true || payload["healthy"] != true {
		t.Fatalf("payload = %v", payload)
	}
	if payload["queue_depth"] != float64(0) {
		t.Fatalf("queue_depth = %v", payload["queue_depth"])
	}
}

func TestGateway_HealthzReportsDatabaseDown(t *testing.T) {
	s := startGateway(t, gateway.RateLimitConfig{})
	_ = s.store.Close()
	code, body := s.do(t, http.MethodGet, "/healthz", "", nil)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("healthz = %d %s", code, body)
	}
}

func TestGateway_AuthRequired(t *testing.T) {
	s := startGateway(t, gateway.RateLimitConfig{})
	if code, _ := s.do(t, http.MethodGet, "/api/tasks", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("missing key = %d, want 401", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/tasks", "wrong", nil); code != http.StatusForbidden {
		t.Fatalf("wrong key = %d, want 403", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/tasks", testToken, nil); code != http.StatusOK {
		t.Fatalf("valid key = %d, want 200", code)
	}
}

func TestGateway_EventsEnqueueAndDedupe(t *testing.T) {
	s := startGateway(t, gateway.RateLimitConfig{})

	code, body := s.do(t, http.MethodPost, "/api/events", testToken, event("Ev1", "<@U0BOT> summarize the logs"))
	if code != http.StatusAccepted {
		t.Fatalf("first event = %d %s", code, body)
	}
	var res intake.Result
	decode(t, body, &res)
	if res.TaskID == 0 || res.Reply != intake.QueuedReply(res.TaskID) {
		t.Fatalf("result = %+v", res)
	}

	task, err := s.store.GetTask(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.PromptText != "summarize the logs" || task.WorkspaceID != "C1" || task.ThreadTS != "171.1" {
		t.Fatalf("task = %+v", task)
	}

	code, body = s.do(t, http.MethodPost, "/api/events", testToken, event("Ev1", "<@U0BOT> summarize the logs"))
	if code != http.StatusOK {
		t.Fatalf("duplicate event = %d %s", code, body)
	}
	decode(t, body, &res)
	if !res.Duplicate || res.TaskID != 0 {
		t.Fatalf("duplicate result = %+v", res)
	}
	if depth, _ := s.store.QueueDepth(context.Background()); depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}
}

func TestGateway_EventsValidation(t *testing.T) {
	s := startGateway(t, gateway.RateLimitConfig{})
	if code, _ := s.do(t, http.MethodPost, "/api/events", testToken, map[string]string{"text": "hi"}); code != http.StatusBadRequest {
		t.Fatalf("missing provider = %d, want 400", code)
	}
	if code, _ := s.do(t, http.MethodPost, "/api/events", testToken, map[string]string{"provider": "slack", "channel_id": "C1", "bogus": "x"}); code != http.StatusBadRequest {
		t.Fatalf("unknown field = %d, want 400", code)
	}
}

func TestGateway_Tasks(t *testing.T) {
	s := startGateway(t, gateway.RateLimitConfig{})
	_, body := s.do(t, http.MethodPost, "/api/events", testToken, event("Ev1", "first"))
	var res intake.Result
	decode(t, body, &res)

	code, body := s.do(t, http.MethodGet, "/api/tasks?limit=5", testToken, nil)
	if code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	var list struct {
		Tasks []persistence.Task `json:"tasks"`
	}
	decode(t, body, &list)
	if len(list.Tasks) != 1 || list.Tasks[0].ID != res.TaskID {
		t.Fatalf("tasks = %+v", list.Tasks)
	}

	path := "/api/tasks/" + jsonInt(res.TaskID)
	if code, _ := s.do(t, http.MethodGet, path, testToken, nil); code != http.StatusOK {
		t.Fatalf("get = %d", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/tasks/999", testToken, nil); code != http.StatusNotFound {
		t.Fatalf("missing = %d, want 404", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/tasks/abc", testToken, nil); code != http.StatusBadRequest {
		t.Fatalf("bad id = %d, want 400", code)
	}
}

func jsonInt(n int64) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}

func TestGateway_ResolveApproval(t *testing.T) {
	s := startGateway(t, gateway.RateLimitConfig{})
	ctx := context.Background()
	id := approvals.RandomID("appr")
	if err := s.store.InsertApproval(ctx, persistence.Approval{
		ID:          id,
		Kind:        persistence.ApprovalKindCommand,
		Provider:    "telegram",
		WorkspaceID: "1",
		ChannelID:   "1",
		DetailsJSON: `{"command":"ls"}`,
	}); err != nil {
		t.Fatalf("InsertApproval: %v", err)
	}

	code, body := s.do(t, http.MethodPost, "/api/approvals/"+id+"/resolve", testToken, map[string]string{"action": "approve"})
	if code != http.StatusOK {
		t.Fatalf("resolve = %d %s", code, body)
	}
	var out map[string]string
	decode(t, body, &out)
	if out["reply"] != "Recorded: approve "+id {
		t.Fatalf("reply = %q", out["reply"])
	}

	code, _ = s.do(t, http.MethodPost, "/api/approvals/"+id+"/resolve", testToken, map[string]string{"action": "deny"})
	if code != http.StatusConflict {
		t.Fatalf("replay = %d, want 409", code)
	}
	code, _ = s.do(t, http.MethodPost, "/api/approvals/"+id+"/resolve", testToken, map[string]string{"action": "maybe"})
	if code != http.StatusBadRequest {
		t.Fatalf("unknown action = %d, want 400", code)
	}

	code, body = s.do(t, http.MethodGet, "/api/approvals/"+id, testToken, nil)
	if code != http.StatusOK {
		t.Fatalf("get approval = %d", code)
	}
	var a persistence.Approval
	decode(t, body, &a)
	if a.Status != persistence.ApprovalApproved {
		t.Fatalf("status = %q", a.Status)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/approvals?status=bogus", testToken, nil); code != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d, want 400", code)
	}
}

func TestGateway_Proposals(t *testing.T) {
	s := startGateway(t, gateway.RateLimitConfig{})
	target := channels.Target{Provider: "telegram", WorkspaceID: "42", ChannelID: "42"}

	bad := map[string]any{
		"kind":    persistence.ApprovalKindGuardrailRule,
		"payload": map[string]any{"name": "x"},
		"target":  target,
	}
	if code, body := s.do(t, http.MethodPost, "/api/proposals", testToken, bad); code != http.StatusBadRequest {
		t.Fatalf("invalid proposal = %d %s", code, body)
	}

	good := map[string]any{
		"kind": persistence.ApprovalKindGuardrailRule,
		"payload": map[string]any{
			"name":         "no-force-push",
			"kind":         "command",
			"pattern_kind": "substring",
			"pattern":      "git push --force",
			"action":       "deny",
		},
		"target":               target,
		"requested_by_user_id": "U9",
	}
	code, body := s.do(t, http.MethodPost, "/api/proposals", testToken, good)
	if code != http.StatusCreated {
		t.Fatalf("proposal = %d %s", code, body)
	}
	var out map[string]string
	decode(t, body, &out)
	if !strings.HasPrefix(out["approval_id"], "appr_") || out["status"] != "pending" {
		t.Fatalf("response = %v", out)
	}
	pending, err := s.store.ListApprovals(context.Background(), persistence.ApprovalPending, 10)
	if err != nil || len(pending) != 1 || pending[0].RequesterUserID != "U9" {
		t.Fatalf("pending = %+v, %v", pending, err)
	}
}

func TestGateway_SettingsPartialUpdate(t *testing.T) {
	s := startGateway(t, gateway.RateLimitConfig{})
	code, body := s.do(t, http.MethodPut, "/api/settings", testToken, map[string]string{"permissions_mode": "full"})
	if code != http.StatusOK {
		t.Fatalf("put = %d %s", code, body)
	}
	var got persistence.Settings
	decode(t, body, &got)
	if got.PermissionsMode != persistence.PermissionsFull || got.CommandApprovalMode != persistence.ApprovalModeGuardrails {
		t.Fatalf("settings = %+v", got)
	}
	if got.AgentName != "grail" {
		t.Fatalf("agent name changed: %q", got.AgentName)
	}
}

func TestGateway_Guardrails(t *testing.T) {
	s := startGateway(t, gateway.RateLimitConfig{})
	rule := map[string]any{
		"name":         "no-rm",
		"kind":         "command",
		"pattern_kind": "regex",
		"pattern":      `rm\s+-rf`,
		"action":       "deny",
	}
	code, body := s.do(t, http.MethodPost, "/api/guardrails", testToken, rule)
	if code != http.StatusCreated {
		t.Fatalf("add = %d %s", code, body)
	}
	var created struct {
		ID string `json:"id"`
	}
	decode(t, body, &created)
	if !strings.HasPrefix(created.ID, "gr_") {
		t.Fatalf("id = %q", created.ID)
	}

	dup := map[string]any{"id": created.ID, "name": "again", "kind": "command", "pattern_kind": "substring", "pattern": "rm", "action": "deny"}
	if code, body := s.do(t, http.MethodPost, "/api/guardrails", testToken, dup); code != http.StatusConflict {
		t.Fatalf("duplicate id = %d %s, want 409", code, body)
	}

	rule["pattern"] = "("
	if code, _ := s.do(t, http.MethodPost, "/api/guardrails", testToken, rule); code != http.StatusBadRequest {
		t.Fatalf("bad regex = %d, want 400", code)
	}

	code, body = s.do(t, http.MethodGet, "/api/guardrails?kind=command", testToken, nil)
	if code != http.StatusOK || !strings.Contains(string(body), created.ID) {
		t.Fatalf("list = %d %s", code, body)
	}

	code, _ = s.do(t, http.MethodPost, "/api/guardrails/"+created.ID+"/enabled", testToken, map[string]bool{"enabled": false})
	if code != http.StatusOK {
		t.Fatalf("disable = %d", code)
	}
	code, body = s.do(t, http.MethodGet, "/api/guardrails?enabled=true", testToken, nil)
	if code != http.StatusOK || strings.Contains(string(body), created.ID) {
		t.Fatalf("disabled rule still listed: %s", body)
	}
	if code, _ := s.do(t, http.MethodPost, "/api/guardrails/gr_missing/enabled", testToken, map[string]bool{"enabled": true}); code != http.StatusNotFound {
		t.Fatalf("missing rule = %d, want 404", code)
	}
}

func TestGateway_CronToggleMissing(t *testing.T) {
	s := startGateway(t, gateway.RateLimitConfig{})
	if code, _ := s.do(t, http.MethodGet, "/api/cron", testToken, nil); code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	if code, _ := s.do(t, http.MethodPost, "/api/cron/cron_missing/enabled", testToken, map[string]bool{"enabled": false}); code != http.StatusNotFound {
		t.Fatalf("missing job = %d, want 404", code)
	}
}

func TestGateway_MetricsExposed(t *testing.T) {
	s := startGateway(t, gateway.RateLimitConfig{})
	s.do(t, http.MethodGet, "/api/tasks", testToken, nil)
	code, body := s.do(t, http.MethodGet, "/metrics", "", nil)
	if code != http.StatusOK {
		t.Fatalf("metrics = %d", code)
	}
	for _, want := range []string{"grail_queue_depth", "grail_pending_approvals", "grail_http_requests_total"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %s", want)
		}
	}
}

func TestGateway_RateLimit(t *testing.T) {
	s := startGateway(t, gateway.RateLimitConfig{RequestsPerMinute: 1, Burst: 1})
	if code, _ := s.do(t, http.MethodGet, "/api/tasks", testToken, nil); code != http.StatusOK {
		t.Fatalf("first = %d", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/tasks", testToken, nil); code != http.StatusTooManyRequests {
		t.Fatalf("second = %d, want 429", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/healthz", "", nil); code != http.StatusOK {
		t.Fatalf("healthz must bypass rate limit, got %d", code)
	}
}

func TestGateway_WebsocketFeed(t *testing.T) {
	s := startGateway(t, gateway.RateLimitConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(s.url, "http")+"/ws?topic=task.", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	if code, body := s.do(t, http.MethodPost, "/api/events", testToken, event("Ev9", "check disk usage")); code != http.StatusAccepted {
		t.Fatalf("event = %d %s", code, body)
	}

	var got struct {
		Topic   string        `json:"topic"`
		Payload bus.TaskEvent `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read feed: %v", err)
	}
	if got.Topic != bus.TopicTaskQueued || got.Payload.TaskID == 0 || got.Payload.ChannelID != "C1" {
		t.Fatalf("feed event = %+v", got)
	}
}

func TestGateway_WebsocketRequiresAuth(t *testing.T) {
	s := startGateway(t, gateway.RateLimitConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(s.url, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v", resp)
	}
}
