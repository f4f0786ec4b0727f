package runqueue

import "sort"

// SlotKey returns the root slot an entry occupies. Entries that share a
// root issue contend for one slot; standalone entries each get their own.
func SlotKey(e Entry) string {
	if e.RootIssueID != "" {
		return "root:" + e.RootIssueID
	}
	return "queue:" + e.QueueID
}

// PlanInput is everything BuildPlan needs. Entries may be in any order.
type PlanInput struct {
	Entries        []Entry
	MaxActiveRoots int
}

// Plan is the planner's decision: entries to admit (queued → active) and
// admitted entries that still need a supervisor job launched.
type Plan struct {
	Admit  []string
	Launch []string
}

// Empty reports whether the plan has no work.
func (p Plan) Empty() bool {
	return len(p.Admit) == 0 && len(p.Launch) == 0
}

// BuildPlan computes the next admissions and launches. It is a pure
// function of its input: no clock, no I/O, no randomness, so the same
// queue state always yields the same plan.
//
// A slot is occupied while any of its entries is active, waiting_review,
// or refining. Queued entries are admitted oldest-first into free slots,
// at most one per slot per plan. Active entries without a job id are
// launch candidates, oldest-first within their slot.
func BuildPlan(in PlanInput) Plan {
	maxRoots := in.MaxActiveRoots
	if maxRoots < 1 {
		maxRoots = 1
	}

	entries := make([]Entry, len(in.Entries))
	copy(entries, in.Entries)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAtMs != entries[j].CreatedAtMs {
			return entries[i].CreatedAtMs < entries[j].CreatedAtMs
		}
		return entries[i].QueueID < entries[j].QueueID
	})

	occupied := make(map[string]struct{})
	for _, e := range entries {
		switch e.Status {
		case StatusActive, StatusWaitingReview, StatusRefining:
			occupied[SlotKey(e)] = struct{}{}
		}
	}

	var plan Plan

	launched := make(map[string]struct{})
	for _, e := range entries {
		if e.Status != StatusActive || e.JobID != "" {
			continue
		}
		slot := SlotKey(e)
		if _, dup := launched[slot]; dup {
			continue
		}
		launched[slot] = struct{}{}
		plan.Launch = append(plan.Launch, e.QueueID)
	}

	free := maxRoots - len(occupied)
	if free <= 0 {
		return plan
	}
	admitted := make(map[string]struct{})
	for _, e := range entries {
		if free == 0 {
			break
		}
		if e.Status != StatusQueued {
			continue
		}
		slot := SlotKey(e)
		if _, busy := occupied[slot]; busy {
			continue
		}
		if _, dup := admitted[slot]; dup {
			continue
		}
		admitted[slot] = struct{}{}
		plan.Admit = append(plan.Admit, e.QueueID)
		free--
	}
	return plan
}
