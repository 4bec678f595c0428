package persistence

import (
	"context"
	"fmt"

	"github.com/basket/grail/internal/bus"
	"github.com/basket/grail/internal/policy"
)

// Rule sources recorded alongside each guardrail.
const (
	RuleSourceAlways   = "always"
	RuleSourceProposal = "proposal"
	RuleSourceSeed     = "seed"
	RuleSourceAdmin    = "admin"
)

// GuardrailFilter selects rules for ListGuardrailRules.
type GuardrailFilter struct {
	Kind        string
	EnabledOnly bool
	Limit       int
}

// InsertGuardrailRule validates and persists a new rule.
func (s *Store) InsertGuardrailRule(ctx context.Context, r policy.Rule, source string) error {
	if err := policy.Validate(r); err != nil {
		return err
	}
	ts := now()
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO guardrail_rules (id, name, kind, pattern_kind, pattern, action, priority, enabled, source, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, r.ID, r.Name, r.Kind, r.PatternKind, r.Pattern, r.Action, r.Priority, boolToInt(r.Enabled), source, ts, ts)
		return err
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("guardrail rule %q: %w", r.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert guardrail rule: %w", err)
	}
	s.publish(bus.TopicGuardrailAdded, bus.GuardrailEvent{RuleID: r.ID, Source: source})
	return nil
}

// UpsertGuardrailRule inserts or replaces a rule by id, keeping created_at.
func (s *Store) UpsertGuardrailRule(ctx context.Context, r policy.Rule, source string) error {
	if err := policy.Validate(r); err != nil {
		return err
	}
	ts := now()
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO guardrail_rules (id, name, kind, pattern_kind, pattern, action, priority, enabled, source, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				kind = excluded.kind,
				pattern_kind = excluded.pattern_kind,
				pattern = excluded.pattern,
				action = excluded.action,
				priority = excluded.priority,
				enabled = excluded.enabled,
				source = excluded.source,
				updated_at = excluded.updated_at;
		`, r.ID, r.Name, r.Kind, r.PatternKind, r.Pattern, r.Action, r.Priority, boolToInt(r.Enabled), source, ts, ts)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert guardrail rule: %w", err)
	}
	return nil
}

// GuardrailRuleExists reports whether a rule with id is stored, enabled or not.
func (s *Store) GuardrailRuleExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM guardrail_rules WHERE id = ?;`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup guardrail rule: %w", err)
	}
	return n > 0, nil
}

// SetGuardrailEnabled toggles a rule. Rules are never deleted.
func (s *Store) SetGuardrailEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE guardrail_rules SET enabled = ?, updated_at = ? WHERE id = ?;
	`, boolToInt(enabled), now(), id)
	if err != nil {
		return fmt.Errorf("set guardrail enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("guardrail %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListGuardrailRules returns rules ordered by priority ascending, oldest first on ties.
func (s *Store) ListGuardrailRules(ctx context.Context, f GuardrailFilter) ([]policy.Rule, error) {
	if f.Limit <= 0 {
		f.Limit = 500
	}
	query := `SELECT id, name, kind, pattern_kind, pattern, action, priority, enabled, created_at, updated_at
		FROM guardrail_rules WHERE 1 = 1`
	var args []any
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.EnabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC LIMIT ?;`
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list guardrail rules: %w", err)
	}
	defer rows.Close()
	var out []policy.Rule
	for rows.Next() {
		var r policy.Rule
		var enabled int
		if err := rows.Scan(&r.ID, &r.Name, &r.Kind, &r.PatternKind, &r.Pattern, &r.Action, &r.Priority, &enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan guardrail rule: %w", err)
		}
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// SyncSeedRules upserts the policy-file rules and disables seed rules that
// disappeared from the file.
func (s *Store) SyncSeedRules(ctx context.Context, rules []policy.Rule) error {
	keep := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if err := s.UpsertGuardrailRule(ctx, r, RuleSourceSeed); err != nil {
			return fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
		keep[r.ID] = struct{}{}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM guardrail_rules WHERE source = ? AND enabled = 1;`, RuleSourceSeed)
	if err != nil {
		return fmt.Errorf("list seed rules: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan seed rule: %w", err)
		}
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, id := range stale {
		if err := s.SetGuardrailEnabled(ctx, id, false); err != nil {
			return err
		}
	}
	return nil
}
