// Package policy decides whether a resolved principal may execute a parsed
// command. Scope grants come from the identity store; this package owns the
// command-kind to scope mapping, assurance-tier gates, and the runtime kill
// switch for mutating operations.
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

// Scopes understood by the control plane.
const (
	ScopeRead       = "cp.read"
	ScopeIssueWrite = "cp.issue.write"
	ScopeOpsAdmin   = "cp.ops.admin"
	ScopeRunExecute = "cp.run.execute"
)

// Assurance tiers. Tier A channels prove ingress with per-request
// signatures; tier B channels authenticate with a static shared secret;
// tier C is everything else.
const (
	TierA = "tier_a"
	TierB = "tier_b"
	TierC = "tier_c"
)

// Deny reasons surfaced to the pipeline.
const (
	ReasonMissingScope          = "missing_scope"
	ReasonInsufficientAssurance = "insufficient_assurance"
	ReasonMutationsDisabled     = "mutations_disabled_global"
	ReasonUnknownCommand        = "unknown_command"
)

var knownScopes = map[string]struct{}{
	ScopeRead:       {},
	ScopeIssueWrite: {},
	ScopeOpsAdmin:   {},
	ScopeRunExecute: {},
}

// requiredScope maps every command kind to the scope it needs.
var requiredScope = map[string]string{
	"status":        ScopeRead,
	"issue_list":    ScopeRead,
	"issue_get":     ScopeRead,
	"run_list":      ScopeRead,
	"run_status":    ScopeRead,
	"issue_close":   ScopeIssueWrite,
	"issue_open":    ScopeIssueWrite,
	"issue_update":  ScopeIssueWrite,
	"run_start":     ScopeRunExecute,
	"run_resume":    ScopeRunExecute,
	"run_interrupt": ScopeRunExecute,
	"reload":        ScopeOpsAdmin,
	"update":        ScopeOpsAdmin,
}

// mutatingKinds are gated by the mutations kill switch.
var mutatingKinds = map[string]struct{}{
	"issue_close":   {},
	"issue_open":    {},
	"issue_update":  {},
	"run_start":     {},
	"run_resume":    {},
	"run_interrupt": {},
	"reload":        {},
	"update":        {},
}

// RequiredScope returns the scope a command kind needs.
func RequiredScope(kind string) (string, bool) {
	s, ok := requiredScope[kind]
	return s, ok
}

// IsMutating reports whether the kind changes state.
func IsMutating(kind string) bool {
	_, ok := mutatingKinds[kind]
	return ok
}

// TierFor maps a channel name to its assurance tier.
func TierFor(channel string) string {
	switch channel {
	case "slack", "discord":
		return TierA
	case "telegram", "neovim", "vscode", "editor":
		return TierB
	default:
		return TierC
	}
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision        { return Decision{Allowed: true} }
func deny(r string) Decision { return Decision{Reason: r} }

// Policy is the serializable policy data loaded from policy.yaml.
type Policy struct {
	// MutationsEnabled is the global kill switch for mutating commands.
	MutationsEnabled bool `yaml:"mutations_enabled"`

	// AdminRequiresTierA restricts cp.ops.admin commands to signature
	// verified channels.
	AdminRequiresTierA bool `yaml:"admin_requires_tier_a"`

	// TierDefaults grants baseline scopes by assurance tier, merged with
	// the principal's own grants.
	TierDefaults map[string][]string `yaml:"tier_defaults"`
}

func Default() Policy {
	return Policy{
		MutationsEnabled:   true,
		AdminRequiresTierA: true,
		TierDefaults: map[string][]string{
			TierA: {ScopeRead},
			TierB: {ScopeRead},
		},
	}
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
	if len(data) == 0 {
		return Default(), nil
	}
	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	for tier, scopes := range p.TierDefaults {
		switch tier {
		case TierA, TierB, TierC:
		default:
			return fmt.Errorf("unknown tier %q", tier)
		}
		for _, s := range scopes {
			if _, ok := knownScopes[strings.TrimSpace(s)]; !ok {
				return fmt.Errorf("unknown scope %q", s)
			}
		}
	}
	return nil
}

// EffectiveScopes merges the principal's granted scopes with the tier
// defaults, deduplicated.
func (p Policy) EffectiveScopes(granted []string, tier string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range granted {
		add(s)
	}
	for _, s := range p.TierDefaults[tier] {
		add(s)
	}
	return out
}

// Authorize checks a command kind against the principal's scopes and the
// channel's assurance tier. The first failing gate names the deny reason.
func (p Policy) Authorize(kind string, scopes []string, tier string) Decision {
	need, ok := requiredScope[kind]
	if !ok {
		return deny(ReasonUnknownCommand)
	}
	if IsMutating(kind) && !p.MutationsEnabled {
		return deny(ReasonMutationsDisabled)
	}
	if need == ScopeOpsAdmin && p.AdminRequiresTierA && tier != TierA {
		return deny(ReasonInsufficientAssurance)
	}
	for _, s := range scopes {
		if strings.TrimSpace(s) == need {
			return allow()
		}
	}
	return deny(ReasonMissingScope)
}

// PolicyVersion returns a stable hash of the policy contents.
func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// LivePolicy wraps a Policy with thread-safe mutation and persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // file path for persistence; empty = no persistence
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
// If path is non-empty, mutations are persisted to that file.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

// Authorize is the thread-safe check used at runtime.
func (lp *LivePolicy) Authorize(kind string, scopes []string, tier string) Decision {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Authorize(kind, scopes, tier)
}

// EffectiveScopes is the thread-safe scope merge used at runtime.
func (lp *LivePolicy) EffectiveScopes(granted []string, tier string) []string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.EffectiveScopes(granted, tier)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// MutationsEnabled reports the current kill switch state.
func (lp *LivePolicy) MutationsEnabled() bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.MutationsEnabled
}

// SetMutationsEnabled flips the kill switch at runtime and persists it.
func (lp *LivePolicy) SetMutationsEnabled(enabled bool) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.data.MutationsEnabled == enabled {
		return nil
	}
	lp.data.MutationsEnabled = enabled
	return lp.persist()
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.TierDefaults = make(map[string][]string, len(lp.data.TierDefaults))
	for tier, scopes := range lp.data.TierDefaults {
		cp.TierDefaults[tier] = append([]string(nil), scopes...)
	}
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses
// and validates. On error, the previous policy remains active.
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
	_, _ = h.Write([]byte("mutations=" + strconv.FormatBool(p.MutationsEnabled) + "|"))
	_, _ = h.Write([]byte("admin_tier_a=" + strconv.FormatBool(p.AdminRequiresTierA) + "|"))
	for _, tier := range []string{TierA, TierB, TierC} {
		for _, s := range p.TierDefaults[tier] {
			_, _ = h.Write([]byte(tier + "=" + strings.TrimSpace(s) + "|"))
		}
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
