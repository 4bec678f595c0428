package channels_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/basket/grail/internal/channels"
)

// Compile-time interface checks.
var (
	_ channels.Channel  = (*channels.TelegramChannel)(nil)
	_ channels.Notifier = (*channels.TelegramChannel)(nil)
	_ channels.Notifier = (*channels.Router)(nil)
)

type recordingNotifier struct {
	mu    sync.Mutex
	posts []string
	rich  [][]channels.Action
}

func (n *recordingNotifier) Post(_ context.Context, _ channels.Target, text string) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posts = append(n.posts, text)
	return []string{"1"}, nil
}

func (n *recordingNotifier) PostRich(_ context.Context, _ channels.Target, text string, actions []channels.Action) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posts = append(n.posts, text)
	n.rich = append(n.rich, actions)
	return nil
}

func TestRouter_DispatchesByProvider(t *testing.T) {
	r := channels.NewRouter()
	tg := &recordingNotifier{}
	other := &recordingNotifier{}
	r.Register("telegram", tg)
	r.Register("slack", other)

	ctx := context.Background()
	if _, err := r.Post(ctx, channels.Target{Provider: "telegram", ChannelID: "1"}, "hello"); err != nil {
		t.Fatalf("post: %v", err)
	}
	actions := []channels.Action{{Label: "Approve", ApprovalID: "appr_1", Decision: "approve"}}
	if err := r.PostRich(ctx, channels.Target{Provider: "slack"}, "prompt", actions); err != nil {
		t.Fatalf("post rich: %v", err)
	}
	if len(tg.posts) != 1 || tg.posts[0] != "hello" {
		t.Fatalf("telegram posts = %v", tg.posts)
	}
	if len(other.rich) != 1 || other.rich[0][0].Decision != "approve" {
		t.Fatalf("slack rich posts = %v", other.rich)
	}
	if got := len(r.Providers()); got != 2 {
		t.Fatalf("providers = %d, want 2", got)
	}
}

func TestRouter_UnknownProviderNotConfigured(t *testing.T) {
	r := channels.NewRouter()
	_, err := r.Post(context.Background(), channels.Target{Provider: "irc"}, "x")
	if !errors.Is(err, channels.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	err = r.PostRich(context.Background(), channels.Target{Provider: "irc"}, "x", nil)
	if !errors.Is(err, channels.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured from PostRich, got %v", err)
	}
}

func TestTelegramChannel_Name(t *testing.T) {
	ch := channels.NewTelegramChannel("fake-token", nil, nil, nil)
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramChannel_PostWithoutConnectNotConfigured(t *testing.T) {
	ch := channels.NewTelegramChannel("", []int64{1}, nil, nil)
	_, err := ch.Post(context.Background(), channels.Target{Provider: "telegram", ChannelID: "42"}, "hi")
	if !errors.Is(err, channels.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := ch.Connect(); !errors.Is(err, channels.ErrNotConfigured) {
		t.Fatalf("Connect with empty token: expected ErrNotConfigured, got %v", err)
	}
}

func TestMessageTarget(t *testing.T) {
	m := channels.Message{Provider: "slack", WorkspaceID: "T1", ChannelID: "C1", ThreadTS: "1.0", Text: "x"}
	got := m.Target()
	want := channels.Target{Provider: "slack", WorkspaceID: "T1", ChannelID: "C1", ThreadTS: "1.0"}
	if got != want {
		t.Fatalf("Target() = %+v, want %+v", got, want)
	}
}
