package policy_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/basket/grail/internal/policy"
)

func rule(id, patternKind, pattern, action string, priority int) policy.Rule {
	return policy.Rule{
		ID:          id,
		Name:        id,
		Kind:        policy.KindCommand,
		PatternKind: patternKind,
		Pattern:     pattern,
		Action:      action,
		Priority:    priority,
		Enabled:     true,
	}
}

func TestEvaluate_NoRulesAllows(t *testing.T) {
	d, matched, err := policy.Evaluate(nil, "rm -rf /")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d != policy.Allow || matched != nil {
		t.Fatalf("expected allow with no match, got %v %+v", d, matched)
	}
}

func TestEvaluate_FirstEnabledMatchWins(t *testing.T) {
	rules := []policy.Rule{
		rule("a", policy.PatternSubstring, "rm", policy.ActionDeny, 1),
		rule("b", policy.PatternSubstring, "rm", policy.ActionAllow, 2),
	}
	d, matched, err := policy.Evaluate(rules, "rm -rf /tmp/x")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d != policy.Deny || matched == nil || matched.ID != "a" {
		t.Fatalf("expected deny from rule a, got %v %+v", d, matched)
	}

	rules[0].Enabled = false
	d, matched, err = policy.Evaluate(rules, "rm -rf /tmp/x")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d != policy.Allow || matched == nil || matched.ID != "b" {
		t.Fatalf("expected disabled rule skipped, got %v %+v", d, matched)
	}
}

func TestEvaluate_PatternKinds(t *testing.T) {
	cases := []struct {
		name    string
		rule    policy.Rule
		command string
		want    bool
	}{
		{"exact trims both sides", rule("e", policy.PatternExact, " ls -la ", policy.ActionDeny, 1), "ls -la\n", true},
		{"exact rejects prefix", rule("e", policy.PatternExact, "ls", policy.ActionDeny, 1), "ls -la", false},
		{"substring case sensitive", rule("s", policy.PatternSubstring, "SUDO", policy.ActionDeny, 1), "sudo reboot", false},
		{"substring trimmed pattern", rule("s", policy.PatternSubstring, "  sudo ", policy.ActionDeny, 1), "echo x | sudo tee", true},
		{"regex unanchored", rule("r", policy.PatternRegex, `rm\s+-rf`, policy.ActionDeny, 1), "cd / && rm  -rf *", true},
		{"regex no match", rule("r", policy.PatternRegex, `^git `, policy.ActionDeny, 1), "echo git status", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := policy.Matches(tc.rule, tc.command)
			if err != nil {
				t.Fatalf("matches: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Matches(%q, %q) = %v, want %v", tc.rule.Pattern, tc.command, got, tc.want)
			}
		})
	}
}

func TestEvaluate_ActionMapping(t *testing.T) {
	for action, want := range map[string]policy.Decision{
		"allow":            policy.Allow,
		"deny":             policy.Deny,
		"require_approval": policy.RequireApproval,
		"ask":              policy.RequireApproval,
	} {
		d, _, err := policy.Evaluate([]policy.Rule{rule("x", policy.PatternSubstring, "curl", action, 1)}, "curl example.com")
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if d != want {
			t.Fatalf("action %q: got %v, want %v", action, d, want)
		}
	}
}

func TestEvaluate_InvalidRegexIsError(t *testing.T) {
	rules := []policy.Rule{rule("bad", policy.PatternRegex, "([", policy.ActionDeny, 1)}
	if _, _, err := policy.Evaluate(rules, "anything"); !errors.Is(err, policy.ErrInvalidRegex) {
		t.Fatalf("expected regex compile error, got %v", err)
	}
}

func TestEvaluate_UnknownPatternKindIsError(t *testing.T) {
	rules := []policy.Rule{rule("glob", "glob", "rm*", policy.ActionDeny, 1)}
	_, _, err := policy.Evaluate(rules, "rm -rf")
	if err == nil || !strings.Contains(err.Error(), "unknown pattern_kind: glob") {
		t.Fatalf("expected unknown pattern_kind error, got %v", err)
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	base := rule("id1", policy.PatternExact, "ls", policy.ActionAllow, 1)
	if err := policy.Validate(base); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}
	mutations := map[string]func(*policy.Rule){
		"guardrail id is required":           func(r *policy.Rule) { r.ID = "  " },
		"guardrail name is required":         func(r *policy.Rule) { r.Name = "" },
		"guardrail kind is required":         func(r *policy.Rule) { r.Kind = "" },
		"guardrail pattern_kind is required": func(r *policy.Rule) { r.PatternKind = "" },
		"guardrail pattern is required":      func(r *policy.Rule) { r.Pattern = "\t" },
		"guardrail action is required":       func(r *policy.Rule) { r.Action = "" },
	}
	for want, mutate := range mutations {
		r := base
		mutate(&r)
		err := policy.Validate(r)
		if err == nil || err.Error() != want {
			t.Fatalf("expected %q, got %v", want, err)
		}
	}
}

func TestValidate_CompilesRegexEagerly(t *testing.T) {
	r := rule("re", policy.PatternRegex, "(unclosed", policy.ActionDeny, 1)
	if err := policy.Validate(r); !errors.Is(err, policy.ErrInvalidRegex) {
		t.Fatalf("expected regex error, got %v", err)
	}
}

func TestDecisionString(t *testing.T) {
	if policy.Allow.String() != "allow" || policy.Deny.String() != "deny" || policy.RequireApproval.String() != "require_approval" {
		t.Fatal("unexpected decision names")
	}
}
