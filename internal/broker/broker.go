// Package broker is the approval gate between the operator and the command
// pipeline. The operator proposes structured actions; the broker either maps
// a proposal onto a literal /mu command drawn from a closed allowlist or
// rejects it with a stable reason code. Nothing the operator says reaches
// the pipeline except through this mapping.
package broker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/basket/mu-control/internal/issues"
	"github.com/basket/mu-control/internal/runqueue"
)

// Reject reasons.
const (
	ReasonActionDisallowed    = "operator_action_disallowed"
	ReasonContextMissing      = "context_missing"
	ReasonContextAmbiguous    = "context_ambiguous"
	ReasonContextUnauthorized = "context_unauthorized"
	ReasonValidationFailed    = "cli_validation_failed"
)

const (
	commandPrefix = "/mu"

	maxPromptLen = 2000
	maxValueLen  = 2000
	maxStepsCap  = 10_000
)

// Proposal is one structured action suggested by the operator.
type Proposal struct {
	Kind        string `json:"kind"`
	IssueID     string `json:"issue_id,omitempty"`
	RootIssueID string `json:"root_issue_id,omitempty"`

	// State filters issue_list (open or closed).
	State string `json:"state,omitempty"`

	// Field and Value carry an issue_update mutation.
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`

	MaxSteps int    `json:"max_steps,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

// Context is the inbound side of a review.
type Context struct {
	Channel  string
	RepoRoot string
}

// Decision is the broker's verdict on one proposal.
type Decision struct {
	Approved    bool
	Kind        string
	CommandText string
	Reason      string
	Detail      string
}

// RunResolver supplies run-queue context for proposals that omit an
// explicit target.
type RunResolver interface {
	List() []runqueue.Entry
}

// Options configure a Broker.
type Options struct {
	// Runs resolves implicit run targets; nil makes such proposals fail
	// with context_missing.
	Runs RunResolver
	// AllowedRoots restricts which repo roots proposals may act on; empty
	// allows any.
	AllowedRoots []string
	// RunTriggers gates run_* proposals; nil rejects them all.
	RunTriggers func() bool
}

// Broker reviews operator proposals.
type Broker struct {
	runs        RunResolver
	roots       map[string]struct{}
	runTriggers func() bool
}

// New builds a Broker from opts.
func New(opts Options) *Broker {
	b := &Broker{
		runs:        opts.Runs,
		runTriggers: opts.RunTriggers,
	}
	if len(opts.AllowedRoots) > 0 {
		b.roots = make(map[string]struct{}, len(opts.AllowedRoots))
		for _, r := range opts.AllowedRoots {
			b.roots[r] = struct{}{}
		}
	}
	return b
}

// reviewFunc validates one proposal kind and renders its command text.
type reviewFunc func(b *Broker, p Proposal) Decision

var kinds = map[string]reviewFunc{
	"status":        reviewStatus,
	"issue_list":    reviewIssueList,
	"issue_get":     reviewIssueRef("get"),
	"issue_close":   reviewIssueRef("close"),
	"issue_open":    reviewIssueRef("open"),
	"issue_update":  reviewIssueUpdate,
	"run_list":      reviewRunList,
	"run_status":    reviewRunStatus,
	"run_start":     reviewRunStart,
	"run_resume":    reviewRunResume,
	"run_interrupt": reviewRunInterrupt,
	"reload":        reviewBare("reload"),
	"update":        reviewBare("update"),
}

// Allowlist returns the closed set of proposal kinds, sorted.
func Allowlist() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// KnownKind reports whether kind is in the allowlist.
func KnownKind(kind string) bool {
	_, ok := kinds[kind]
	return ok
}

// Review maps a proposal onto an approved command text or a rejection.
func (b *Broker) Review(p Proposal, ctx Context) Decision {
	kind := strings.TrimSpace(p.Kind)
	fn, ok := kinds[kind]
	if !ok {
		return reject(kind, ReasonActionDisallowed, fmt.Sprintf("unknown proposal kind %q", p.Kind))
	}
	if strings.HasPrefix(kind, "run_") && (b.runTriggers == nil || !b.runTriggers()) {
		return reject(kind, ReasonActionDisallowed, "run triggers are disabled")
	}
	if b.roots != nil && ctx.RepoRoot != "" {
		if _, ok := b.roots[ctx.RepoRoot]; !ok {
			return reject(kind, ReasonContextUnauthorized, "repo root is not allowlisted")
		}
	}
	p.Kind = kind
	return fn(b, p)
}

func approve(kind string, args ...string) Decision {
	parts := append([]string{commandPrefix}, args...)
	return Decision{
		Approved:    true,
		Kind:        kind,
		CommandText: strings.Join(parts, " "),
	}
}

func reject(kind, reason, detail string) Decision {
	return Decision{Kind: kind, Reason: reason, Detail: detail}
}

func reviewStatus(_ *Broker, p Proposal) Decision {
	if d, ok := requireNoTarget(p); !ok {
		return d
	}
	return approve(p.Kind, "status")
}

func reviewBare(word string) reviewFunc {
	return func(_ *Broker, p Proposal) Decision {
		if d, ok := requireNoTarget(p); !ok {
			return d
		}
		return approve(p.Kind, word)
	}
}

func reviewIssueList(_ *Broker, p Proposal) Decision {
	switch p.State {
	case "":
		return approve(p.Kind, "issue", "list")
	case issues.StateOpen, issues.StateClosed:
		return approve(p.Kind, "issue", "list", p.State)
	default:
		return reject(p.Kind, ReasonValidationFailed, fmt.Sprintf("unknown issue state %q", p.State))
	}
}

func reviewIssueRef(verb string) reviewFunc {
	return func(_ *Broker, p Proposal) Decision {
		id, d, ok := requireIssueID(p, p.IssueID)
		if !ok {
			return d
		}
		return approve(p.Kind, "issue", verb, id)
	}
}

func reviewIssueUpdate(_ *Broker, p Proposal) Decision {
	id, d, ok := requireIssueID(p, p.IssueID)
	if !ok {
		return d
	}
	switch p.Field {
	case "title", "body", "labels":
	case "":
		return reject(p.Kind, ReasonValidationFailed, "issue_update needs a field")
	default:
		return reject(p.Kind, ReasonValidationFailed, fmt.Sprintf("unknown issue field %q", p.Field))
	}
	value := flatten(p.Value)
	if value == "" {
		return reject(p.Kind, ReasonValidationFailed, "issue_update needs a value")
	}
	if len(value) > maxValueLen {
		return reject(p.Kind, ReasonValidationFailed, "issue_update value too long")
	}
	return approve(p.Kind, "issue", "update", id, p.Field, value)
}

func reviewRunList(_ *Broker, p Proposal) Decision {
	if d, ok := requireNoTarget(p); !ok {
		return d
	}
	return approve(p.Kind, "run", "list")
}

func reviewRunStatus(b *Broker, p Proposal) Decision {
	id := firstNonEmpty(p.IssueID, p.RootIssueID)
	if id == "" {
		resolved, d, ok := b.resolveRunTarget(p.Kind, nil)
		if !ok {
			return d
		}
		id = resolved
	} else if !issues.ValidID(id) {
		return reject(p.Kind, ReasonValidationFailed, fmt.Sprintf("malformed issue id %q", id))
	}
	return approve(p.Kind, "run", "status", id)
}

func reviewRunStart(_ *Broker, p Proposal) Decision {
	id, d, ok := requireIssueID(p, firstNonEmpty(p.IssueID, p.RootIssueID))
	if !ok {
		return d
	}
	args := []string{"run", "start", id}
	args, d, ok = appendMaxSteps(args, p)
	if !ok {
		return d
	}
	args, d, ok = appendPrompt(args, p)
	if !ok {
		return d
	}
	return approve(p.Kind, args...)
}

func reviewRunResume(b *Broker, p Proposal) Decision {
	id := firstNonEmpty(p.RootIssueID, p.IssueID)
	if id == "" {
		resolved, d, ok := b.resolveRunTarget(p.Kind, func(e runqueue.Entry) bool {
			return e.Status == runqueue.StatusWaitingReview
		})
		if !ok {
			return d
		}
		id = resolved
	} else if !issues.ValidID(id) {
		return reject(p.Kind, ReasonValidationFailed, fmt.Sprintf("malformed issue id %q", id))
	}
	args := []string{"run", "resume", id}
	args, d, ok := appendMaxSteps(args, p)
	if !ok {
		return d
	}
	args, d, ok = appendPrompt(args, p)
	if !ok {
		return d
	}
	return approve(p.Kind, args...)
}

func reviewRunInterrupt(b *Broker, p Proposal) Decision {
	id := firstNonEmpty(p.IssueID, p.RootIssueID)
	if id == "" {
		resolved, d, ok := b.resolveRunTarget(p.Kind, nil)
		if !ok {
			return d
		}
		id = resolved
	} else if !issues.ValidID(id) {
		return reject(p.Kind, ReasonValidationFailed, fmt.Sprintf("malformed issue id %q", id))
	}
	return approve(p.Kind, "run", "interrupt", id)
}

// resolveRunTarget finds the single issue the proposal can only mean. keep
// narrows the candidate set; nil keeps every non-terminal entry.
func (b *Broker) resolveRunTarget(kind string, keep func(runqueue.Entry) bool) (string, Decision, bool) {
	if b.runs == nil {
		return "", reject(kind, ReasonContextMissing, "no run context available"), false
	}
	seen := make(map[string]struct{})
	var target string
	for _, e := range b.runs.List() {
		if runqueue.IsTerminal(e.Status) {
			continue
		}
		if keep != nil && !keep(e) {
			continue
		}
		if _, dup := seen[e.IssueID]; dup {
			continue
		}
		seen[e.IssueID] = struct{}{}
		target = e.IssueID
	}
	switch len(seen) {
	case 0:
		return "", reject(kind, ReasonContextMissing, "no run matches the proposal"), false
	case 1:
		return target, Decision{}, true
	default:
		return "", reject(kind, ReasonContextAmbiguous, fmt.Sprintf("%d runs match the proposal", len(seen))), false
	}
}

func requireIssueID(p Proposal, id string) (string, Decision, bool) {
	if id == "" {
		return "", reject(p.Kind, ReasonContextMissing, "proposal names no issue"), false
	}
	if !issues.ValidID(id) {
		return "", reject(p.Kind, ReasonValidationFailed, fmt.Sprintf("malformed issue id %q", id)), false
	}
	return id, Decision{}, true
}

// requireNoTarget rejects entity arguments on kinds whose argv is bare.
func requireNoTarget(p Proposal) (Decision, bool) {
	if p.IssueID != "" || p.RootIssueID != "" {
		return reject(p.Kind, ReasonValidationFailed, fmt.Sprintf("%s takes no issue argument", p.Kind)), false
	}
	return Decision{}, true
}

func appendMaxSteps(args []string, p Proposal) ([]string, Decision, bool) {
	if p.MaxSteps == 0 {
		return args, Decision{}, true
	}
	if p.MaxSteps < 0 || p.MaxSteps > maxStepsCap {
		return nil, reject(p.Kind, ReasonValidationFailed, "max_steps must be a positive integer"), false
	}
	return append(args, "--max-steps="+strconv.Itoa(p.MaxSteps)), Decision{}, true
}

func appendPrompt(args []string, p Proposal) ([]string, Decision, bool) {
	prompt := flatten(p.Prompt)
	if prompt == "" {
		return args, Decision{}, true
	}
	if len(prompt) > maxPromptLen {
		return nil, reject(p.Kind, ReasonValidationFailed, "prompt too long"), false
	}
	return append(args, prompt), Decision{}, true
}

// flatten collapses all whitespace runs to single spaces so the rendered
// command stays one line.
func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
