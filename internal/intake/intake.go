// Package intake turns inbound chat events into queued tasks or approval
// resolutions.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/grail/internal/approvals"
	"github.com/basket/grail/internal/channels"
	"github.com/basket/grail/internal/persistence"
)

// Resolver records approval decisions. *approvals.Workflow satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, action, approvalID string) (string, error)
}

// Result describes what happened to one inbound message.
type Result struct {
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
	TaskID    int64  `json:"task_id,omitempty"`
	Reply     string `json:"reply,omitempty"`
}

// Service implements channels.Inbound.
type Service struct {
	store    *persistence.Store
	resolver Resolver
	logger   *slog.Logger
}

var _ channels.Inbound = (*Service)(nil)

func New(store *persistence.Store, resolver Resolver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, resolver: resolver, logger: logger.With("component", "intake")}
}

// QueuedReply is the acknowledgement sent once a task is enqueued.
func QueuedReply(taskID int64) string {
	return fmt.Sprintf("Queued as #%d. I'll start soon.", taskID)
}

// Accept dedupes the event, routes reply commands to the resolver and
// enqueues everything else. Events without an id are not deduped.
func (s *Service) Accept(ctx context.Context, m channels.Message) (Result, error) {
	if m.EventID != "" {
		first, err := s.store.TryMarkEventProcessed(ctx, m.WorkspaceID, m.EventID)
		if err != nil {
			return Result{}, err
		}
		if !first {
			s.logger.Debug("duplicate event dropped", "workspace_id", m.WorkspaceID, "event_id", m.EventID)
			return Result{Duplicate: true}, nil
		}
	}

	if action, approvalID, ok := approvals.ParseReplyCommand(m.Text); ok {
		reply, err := s.resolver.Resolve(ctx, action, approvalID)
		if err != nil {
			return Result{}, err
		}
		return Result{Reply: reply}, nil
	}

	prompt := strings.TrimSpace(channels.StripLeadingMentions(m.Text))
	if prompt == "" {
		return Result{Ignored: true}, nil
	}
	id, err := s.store.EnqueueTask(ctx, persistence.NewTask{
		Provider:        m.Provider,
		WorkspaceID:     m.WorkspaceID,
		ChannelID:       m.ChannelID,
		ThreadTS:        m.ThreadTS,
		EventTS:         m.EventTS,
		RequesterUserID: m.UserID,
		PromptText:      prompt,
	})
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("task queued", "task_id", id, "provider", m.Provider, "channel_id", m.ChannelID)
	return Result{TaskID: id, Reply: QueuedReply(id)}, nil
}

func (s *Service) HandleMessage(ctx context.Context, m channels.Message) (string, error) {
	res, err := s.Accept(ctx, m)
	if err != nil {
		return "", err
	}
	return res.Reply, nil
}

// HandleAction resolves a button press. The originating conversation is
// only logged; the approval id carries the linkage.
func (s *Service) HandleAction(ctx context.Context, from channels.Target, approvalID, decision string) (string, error) {
	s.logger.Info("approval action received", "approval_id", approvalID, "decision", decision, "channel_id", from.ChannelID)
	return s.resolver.Resolve(ctx, decision, approvalID)
}
