package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotConfigured is returned when no notifier serves a provider or the
// provider credentials are missing.
var ErrNotConfigured = errors.New("channel not configured")

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the provider name (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It blocks until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Target addresses a conversation on a provider.
type Target struct {
	Provider    string `json:"provider"`
	WorkspaceID string `json:"workspace_id"`
	ChannelID   string `json:"channel_id"`
	ThreadTS    string `json:"thread_ts"`
}

// Action is an interactive button attached to an approval prompt.
type Action struct {
	Label      string `json:"label"`
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"` // approve | always | deny
}

// Notifier delivers text to the chat a task came from.
type Notifier interface {
	// Post sends plain text and returns the provider message ids.
	Post(ctx context.Context, to Target, text string) ([]string, error)
	// PostRich sends text with interactive actions.
	PostRich(ctx context.Context, to Target, text string, actions []Action) error
}

// Message is one inbound chat message normalized across providers.
type Message struct {
	Provider    string
	WorkspaceID string
	ChannelID   string
	ThreadTS    string
	EventID     string
	EventTS     string
	UserID      string
	Text        string
}

// Target returns where replies to m should go.
func (m Message) Target() Target {
	return Target{Provider: m.Provider, WorkspaceID: m.WorkspaceID, ChannelID: m.ChannelID, ThreadTS: m.ThreadTS}
}

// Inbound consumes normalized chat input. Returned text, when non-empty, is
// sent back to the originating conversation.
type Inbound interface {
	HandleMessage(ctx context.Context, msg Message) (string, error)
	HandleAction(ctx context.Context, from Target, approvalID, decision string) (string, error)
}

// Router fans Notifier calls out to the notifier registered for the target provider.
type Router struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
}

func NewRouter() *Router {
	return &Router{notifiers: make(map[string]Notifier)}
}

// Register binds a provider name to a notifier, replacing any previous one.
func (r *Router) Register(provider string, n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers[provider] = n
}

// Providers returns the registered provider names.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.notifiers))
	for p := range r.notifiers {
		out = append(out, p)
	}
	return out
}

func (r *Router) lookup(provider string) (Notifier, error) {
	r.mu.RLock()
	n, ok := r.notifiers[provider]
	r.mu.RUnlock()
	if !ok || n == nil {
		return nil, fmt.Errorf("provider %q: %w", provider, ErrNotConfigured)
	}
	return n, nil
}

func (r *Router) Post(ctx context.Context, to Target, text string) ([]string, error) {
	n, err := r.lookup(to.Provider)
	if err != nil {
		return nil, err
	}
	return n.Post(ctx, to, text)
}

func (r *Router) PostRich(ctx context.Context, to Target, text string, actions []Action) error {
	n, err := r.lookup(to.Provider)
	if err != nil {
		return err
	}
	return n.PostRich(ctx, to, text, actions)
}
