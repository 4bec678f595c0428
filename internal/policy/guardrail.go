package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Rule kinds. Only command rules are evaluated today.
const KindCommand = "command"

// Pattern kinds.
const (
	PatternExact     = "exact"
	PatternSubstring = "substring"
	PatternRegex     = "regex"
)

// Rule actions. Any other action string requires approval.
const (
	ActionAllow           = "allow"
	ActionDeny            = "deny"
	ActionRequireApproval = "require_approval"
)

// Rule is a guardrail rule. Lower priority values take precedence.
type Rule struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Kind        string    `json:"kind" yaml:"kind"`
	PatternKind string    `json:"pattern_kind" yaml:"pattern_kind"`
	Pattern     string    `json:"pattern" yaml:"pattern"`
	Action      string    `json:"action" yaml:"action"`
	Priority    int       `json:"priority" yaml:"priority"`
	Enabled     bool      `json:"enabled" yaml:"enabled"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// Decision is the outcome of evaluating a command against the guardrails.
type Decision int

const (
	Allow Decision = iota
	Deny
	RequireApproval
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "require_approval"
	}
}

// DecisionFromAction maps a stored rule action to a decision.
func DecisionFromAction(action string) Decision {
	switch strings.TrimSpace(action) {
	case ActionAllow:
		return Allow
	case ActionDeny:
		return Deny
	default:
		return RequireApproval
	}
}

// Validate rejects rules that must never be persisted.
func Validate(r Rule) error {
	required := []struct {
		field string
		value string
	}{
		{"id", r.ID},
		{"name", r.Name},
		{"kind", r.Kind},
		{"pattern_kind", r.PatternKind},
		{"pattern", r.Pattern},
		{"action", r.Action},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("guardrail %s is required", f.field)
		}
	}
	switch strings.TrimSpace(r.PatternKind) {
	case PatternExact, PatternSubstring:
	case PatternRegex:
		if _, err := compile(r.Pattern); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown pattern_kind: %s", r.PatternKind)
	}
	return nil
}

// Evaluate returns the decision of the first enabled rule matching command.
// Rules must already be sorted by priority ascending. No match means Allow.
func Evaluate(rules []Rule, command string) (Decision, *Rule, error) {
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}
		ok, err := Matches(*rule, command)
		if err != nil {
			return RequireApproval, nil, fmt.Errorf("evaluate guardrail %s: %w", rule.ID, err)
		}
		if ok {
			return DecisionFromAction(rule.Action), rule, nil
		}
	}
	return Allow, nil, nil
}

// Matches reports whether text matches the rule's pattern.
func Matches(r Rule, text string) (bool, error) {
	pattern := strings.TrimSpace(r.Pattern)
	switch strings.TrimSpace(r.PatternKind) {
	case PatternExact:
		return strings.TrimSpace(text) == pattern, nil
	case PatternSubstring:
		return strings.Contains(text, pattern), nil
	case PatternRegex:
		re, err := compile(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(text), nil
	default:
		return false, fmt.Errorf("unknown pattern_kind: %s", r.PatternKind)
	}
}

// ErrInvalidRegex wraps regex compile failures.
var ErrInvalidRegex = errors.New("compile guardrail regex")

var regexCache sync.Map // pattern -> *regexp.Regexp

func compile(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimSpace(pattern)
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegex, err)
	}
	regexCache.Store(pattern, re)
	return re, nil
}
