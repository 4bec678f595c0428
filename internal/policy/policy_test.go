package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/grail/internal/policy"
)

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	p, err := policy.Load(filepath.Join(t.TempDir(), "missing-policy.yaml"))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if len(p.Rules) != 0 {
		t.Fatalf("expected no rules, got %d", len(p.Rules))
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `rules:
  - id: deny-rm-root
    name: no recursive delete of root
    pattern_kind: regex
    pattern: 'rm\s+-rf\s+/(\s|$)'
    action: deny
    priority: 5
  - id: allow-ls
    name: listing
    pattern_kind: exact
    pattern: ls
    action: allow
    enabled: false
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	p, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if len(p.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(p.Rules))
	}
	first, second := p.Rules[0], p.Rules[1]
	if first.Kind != policy.KindCommand || first.Priority != 5 || !first.Enabled {
		t.Fatalf("unexpected first rule %+v", first)
	}
	if second.Priority != policy.DefaultRulePriority || second.Enabled {
		t.Fatalf("unexpected second rule %+v", second)
	}
}

func TestLoad_InvalidRuleRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := "rules:\n  - id: bad\n    name: bad\n    pattern_kind: regex\n    pattern: '(['\n    action: deny\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := policy.Load(path); err == nil {
		t.Fatal("expected invalid regex to be rejected")
	}
}

func TestLoad_DuplicateIDRejected(t *testing.T) {
	doc := []byte("rules:\n  - {id: a, name: a, pattern_kind: exact, pattern: ls, action: allow}\n  - {id: a, name: b, pattern_kind: exact, pattern: pwd, action: allow}\n")
	if _, err := policy.Parse(doc); err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
}

func TestReloadFromFile_InvalidRetainsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	good := "rules:\n  - {id: a, name: a, pattern_kind: exact, pattern: ls, action: allow}\n"
	if err := os.WriteFile(path, []byte(good), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	initial, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	live := policy.NewLivePolicy(initial)
	before := live.PolicyVersion()

	if err := os.WriteFile(path, []byte("rules: [::"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if err := policy.ReloadFromFile(live, path); err == nil {
		t.Fatal("expected reload error")
	}
	if live.PolicyVersion() != before {
		t.Fatal("policy changed after failed reload")
	}

	updated := good + "  - {id: b, name: b, pattern_kind: substring, pattern: sudo, action: deny}\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if err := policy.ReloadFromFile(live, path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if live.PolicyVersion() == before {
		t.Fatal("expected version to change after reload")
	}
	if got := len(live.Snapshot().Rules); got != 2 {
		t.Fatalf("expected 2 rules after reload, got %d", got)
	}
}
