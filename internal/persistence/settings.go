package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	PermissionsFull = "full"
	PermissionsRead = "read"
)

const (
	ApprovalModeAuto       = "auto"
	ApprovalModeAlwaysAsk  = "always_ask"
	ApprovalModeGuardrails = "guardrails"
)

const (
	minContextLastN = 1
	maxContextLastN = 200
)

// Settings is the singleton row read fresh for every gate decision.
type Settings struct {
	ContextLastN        int       `json:"context_last_n"`
	Model               string    `json:"model"`
	PermissionsMode     string    `json:"permissions_mode"`
	CommandApprovalMode string    `json:"command_approval_mode"`
	AgentName           string    `json:"agent_name"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Normalize clamps and canonicalizes operator input. Unknown permission
// modes fall back to read; unknown approval modes fall back to guardrails.
func (s Settings) Normalize() Settings {
	if s.ContextLastN < minContextLastN {
		s.ContextLastN = minContextLastN
	}
	if s.ContextLastN > maxContextLastN {
		s.ContextLastN = maxContextLastN
	}
	switch strings.ToLower(strings.TrimSpace(s.PermissionsMode)) {
	case PermissionsFull:
		s.PermissionsMode = PermissionsFull
	default:
		s.PermissionsMode = PermissionsRead
	}
	switch strings.ToLower(strings.TrimSpace(s.CommandApprovalMode)) {
	case ApprovalModeAuto:
		s.CommandApprovalMode = ApprovalModeAuto
	case ApprovalModeAlwaysAsk:
		s.CommandApprovalMode = ApprovalModeAlwaysAsk
	default:
		s.CommandApprovalMode = ApprovalModeGuardrails
	}
	s.Model = strings.TrimSpace(s.Model)
	s.AgentName = strings.TrimSpace(s.AgentName)
	if s.AgentName == "" {
		s.AgentName = "grail"
	}
	return s
}

func (s *Store) GetSettings(ctx context.Context) (Settings, error) {
	var out Settings
	err := s.db.QueryRowContext(ctx, `
		SELECT context_last_n, model, permissions_mode, command_approval_mode, agent_name, updated_at
		FROM settings WHERE id = 1;
	`).Scan(&out.ContextLastN, &out.Model, &out.PermissionsMode, &out.CommandApprovalMode, &out.AgentName, &out.UpdatedAt)
	if err != nil {
		return Settings{}, fmt.Errorf("select settings: %w", err)
	}
	out.UpdatedAt = out.UpdatedAt.UTC()
	return out.Normalize(), nil
}

// UpdateSettings normalizes and stores the singleton, returning what was stored.
func (s *Store) UpdateSettings(ctx context.Context, in Settings) (Settings, error) {
	in = in.Normalize()
	in.UpdatedAt = now()
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE settings
			SET context_last_n = ?, model = ?, permissions_mode = ?, command_approval_mode = ?,
				agent_name = ?, updated_at = ?
			WHERE id = 1;
		`, in.ContextLastN, in.Model, in.PermissionsMode, in.CommandApprovalMode, in.AgentName, in.UpdatedAt)
		return err
	})
	if err != nil {
		return Settings{}, fmt.Errorf("update settings: %w", err)
	}
	return in, nil
}
