package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultRulePriority is used when a seeded or proposed rule omits priority.
const DefaultRulePriority = 100

// Policy is the operator-maintained policy.yaml document. Its rules are
// seeded into the guardrail store on startup and on every file reload.
type Policy struct {
	Rules []Rule `yaml:"rules"`
}

type seedRule struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	PatternKind string `yaml:"pattern_kind"`
	Pattern     string `yaml:"pattern"`
	Action      string `yaml:"action"`
	Priority    *int   `yaml:"priority"`
	Enabled     *bool  `yaml:"enabled"`
}

func Default() Policy {
	return Policy{}
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a policy document.
func Parse(data []byte) (Policy, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}
	var raw struct {
		Rules []seedRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	p := Policy{Rules: make([]Rule, 0, len(raw.Rules))}
	seen := make(map[string]struct{}, len(raw.Rules))
	for _, sr := range raw.Rules {
		r := Rule{
			ID:          strings.TrimSpace(sr.ID),
			Name:        sr.Name,
			Kind:        sr.Kind,
			PatternKind: sr.PatternKind,
			Pattern:     sr.Pattern,
			Action:      sr.Action,
			Priority:    DefaultRulePriority,
			Enabled:     true,
		}
		if strings.TrimSpace(r.Kind) == "" {
			r.Kind = KindCommand
		}
		if sr.Priority != nil {
			r.Priority = *sr.Priority
		}
		if sr.Enabled != nil {
			r.Enabled = *sr.Enabled
		}
		if err := Validate(r); err != nil {
			return Policy{}, fmt.Errorf("policy rule %q: %w", sr.ID, err)
		}
		if _, dup := seen[r.ID]; dup {
			return Policy{}, fmt.Errorf("policy rule %q: duplicate id", r.ID)
		}
		seen[r.ID] = struct{}{}
		p.Rules = append(p.Rules, r)
	}
	return p, nil
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// LivePolicy holds the most recently loaded policy document.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

// NewLivePolicy wraps the policy loaded at startup.
func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload swaps in p. Callers validate first.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot is safe to read without holding the lock.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return Policy{Rules: append([]Rule(nil), lp.data.Rules...)}
}

// ReloadFromFile swaps in the file's rules only if they parse and validate;
// a bad edit leaves the running policy untouched.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	for _, r := range p.Rules {
		_, _ = h.Write([]byte(strings.Join([]string{
			r.ID, r.Kind, r.PatternKind, strings.TrimSpace(r.Pattern), r.Action,
			strconv.Itoa(r.Priority), strconv.FormatBool(r.Enabled),
		}, "\x1f") + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
