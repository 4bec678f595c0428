package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/grail/internal/policy"
)

func main() {
	p, err := policy.Load(filepath.Join(os.TempDir(), "grail-missing-policy.yaml"))
	if err != nil {
		fmt.Printf("load_error=%v\n", err)
		os.Exit(1)
	}

	ok := true
	assertEqual := func(name, got, want string) {
		fmt.Printf("%s=%s\n", name, got)
		if got != want {
			ok = false
		}
	}

	fmt.Printf("default_rule_count=%d\n", len(p.Rules))
	if len(p.Rules) != 0 {
		ok = false
	}
	decision, _, err := policy.Evaluate(p.Rules, "rm -rf /")
	if err != nil {
		fmt.Printf("evaluate_error=%v\n", err)
		os.Exit(1)
	}
	// An empty rule set falls through to the gate's permissions mode.
	assertEqual("default_evaluate", decision.String(), "allow")

	dir, err := os.MkdirTemp("", "grail-policy-verify-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	policyPath := filepath.Join(dir, "policy.yaml")
	valid := "rules:\n  - id: deny-mkfs\n    name: mkfs\n    pattern_kind: substring\n    pattern: mkfs\n    action: deny\n"
	if err := os.WriteFile(policyPath, []byte(valid), 0o644); err != nil {
		fmt.Printf("write_valid_error=%v\n", err)
		os.Exit(1)
	}
	initial, err := policy.Load(policyPath)
	if err != nil {
		fmt.Printf("load_valid_error=%v\n", err)
		os.Exit(1)
	}
	live := policy.NewLivePolicy(initial)
	version := live.PolicyVersion()

	invalid := "rules:\n  - id: broken\n    name: broken\n    pattern_kind: regex\n    pattern: '('\n    action: deny\n"
	if err := os.WriteFile(policyPath, []byte(invalid), 0o644); err != nil {
		fmt.Printf("write_invalid_error=%v\n", err)
		os.Exit(1)
	}
	reloadErr := policy.ReloadFromFile(live, policyPath)
	fmt.Printf("reload_error_present=%v\n", reloadErr != nil)
	if reloadErr == nil {
		ok = false
	}

	assertEqual("retain_previous_version", live.PolicyVersion(), version)
	decision, rule, err := policy.Evaluate(live.Snapshot().Rules, "mkfs.ext4 /dev/sdb1")
	if err != nil {
		fmt.Printf("evaluate_error=%v\n", err)
		os.Exit(1)
	}
	assertEqual("retain_previous_rule", decision.String(), "deny")
	if rule == nil || rule.ID != "deny-mkfs" {
		ok = false
	}

	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
