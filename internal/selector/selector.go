// Package selector is the runnable-step selector (C7): a pure function over
// in-memory step state that computes which steps are eligible for
// reservation, honoring dependency, parallel-group, and policy semantics
// (spec §4.3). It performs no I/O — callers (internal/protocol) supply a
// snapshot of step state and receive a decision, grounded on
// graph/graph.go's FilterUnblockedOpen dependency-graph shape generalized
// from single dependents to full depends_on sets and parallel groups.
package selector

import "sort"

// Status mirrors StepRun.status (spec §3); selector only needs to
// distinguish pending and completed from everything else, but carries the full set so
// callers can pass their native StepRun status without translation loss.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReserved  Status = "reserved"
	StatusRunning   Status = "running"
	StatusNeedsQA   Status = "needs_qa"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusBlocked   Status = "blocked"
)

// StepInput is the selector's view of one step: enough of StepSpec +
// StepRun to apply the five ordered rules in spec §4.3, with clarification
// and budget gating pre-resolved by the caller into booleans.
type StepInput struct {
	StepIndex        int
	Status           Status
	DependsOn        []int
	ParallelGroup    string // "" = singleton group
	LoopCount        int
	MaxLoops         int
	ClarificationBlocked bool // a blocking open clarification applies to this step's scope
}

// Outcome is the selector's top-level verdict.
type Outcome string

const (
	OutcomeRunnable Outcome = "runnable"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeDone     Outcome = "done"
	// OutcomeWaiting means no step is currently eligible, but only because
	// every ineligible pending step is waiting on a dependency still in
	// flight elsewhere (running/reserved) — not a policy or clarification
	// block. The protocol stays in running; this is ordinary mid-execution
	// idle, not the spec §4.1 "blocked" state.
	OutcomeWaiting Outcome = "waiting"
	// OutcomeIncomplete means no step is pending, but at least one
	// non-pending step never reached a terminal success state (it is
	// failed, cancelled, or stuck blocked) — spec testable invariant #8
	// forbids reporting done in this case. Blocked carries one entry per
	// such step, Reason set to its status string, so the caller can tell a
	// permanently failed step from a merely blocked one.
	OutcomeIncomplete Outcome = "incomplete"
)

// BlockReason explains why a pending step could not be selected.
type BlockReason struct {
	StepIndex int
	Reason    string // "clarification", "loop_limit", "token_budget", "dependency_unsatisfied"
}

// Result is the selector's decision for one evaluation.
type Result struct {
	Outcome Outcome
	// Batch holds the step indices eligible for concurrent reservation: all
	// members of the earliest eligible parallel_group, or the single
	// earliest eligible step when AtMostOne is requested.
	Batch []int
	Blocked []BlockReason
}

// Select evaluates steps against spec §4.3's five ordered rules.
// tokenBudgetExceeded applies uniformly since token budget is tracked at
// protocol scope, not per step (spec §3 ProtocolRun "budget counters").
// atMostOne restricts Batch to the single earliest eligible step even when
// its parallel_group has other eligible members (run_next semantics);
// false returns the full earliest group (run_until_idle / internal batch
// dispatch semantics).
func Select(steps []StepInput, atMostOne bool, tokenBudgetExceeded bool) Result {
	completed := make(map[int]bool, len(steps))
	for _, s := range steps {
		if s.Status == StatusCompleted {
			completed[s.StepIndex] = true
		}
	}

	var pending []StepInput
	for _, s := range steps {
		if s.Status == StatusPending {
			pending = append(pending, s)
		}
	}

	if len(pending) == 0 {
		var incomplete []BlockReason
		for _, s := range steps {
			if s.Status != StatusCompleted {
				incomplete = append(incomplete, BlockReason{StepIndex: s.StepIndex, Reason: string(s.Status)})
			}
		}
		if len(incomplete) == 0 {
			return Result{Outcome: OutcomeDone}
		}
		return Result{Outcome: OutcomeIncomplete, Blocked: incomplete}
	}

	type evaluated struct {
		step   StepInput
		reason string // "" if eligible
	}

	var reasons []evaluated
	for _, s := range pending {
		if !dependencySatisfied(s, completed) {
			reasons = append(reasons, evaluated{s, "dependency_unsatisfied"})
			continue
		}
		if s.ClarificationBlocked {
			reasons = append(reasons, evaluated{s, "clarification"})
			continue
		}
		if s.LoopCount >= s.MaxLoops && s.MaxLoops > 0 {
			reasons = append(reasons, evaluated{s, "loop_limit"})
			continue
		}
		if tokenBudgetExceeded {
			reasons = append(reasons, evaluated{s, "token_budget"})
			continue
		}
		reasons = append(reasons, evaluated{s, ""})
	}

	groups := make(map[string][]StepInput)
	var groupOrder []string
	groupMinIndex := make(map[string]int)
	for _, e := range reasons {
		if e.reason != "" {
			continue
		}
		key := e.step.ParallelGroup
		if _, ok := groups[key]; !ok {
			groupOrder = append(groupOrder, key)
			groupMinIndex[key] = e.step.StepIndex
		} else if e.step.StepIndex < groupMinIndex[key] {
			groupMinIndex[key] = e.step.StepIndex
		}
		groups[key] = append(groups[key], e.step)
	}

	if len(groupOrder) == 0 {
		var blocked []BlockReason
		hasPolicyBlock := false
		for _, e := range reasons {
			if e.reason == "" {
				continue
			}
			blocked = append(blocked, BlockReason{StepIndex: e.step.StepIndex, Reason: e.reason})
			if e.reason != "dependency_unsatisfied" {
				hasPolicyBlock = true
			}
		}
		if !hasPolicyBlock {
			return Result{Outcome: OutcomeWaiting, Blocked: blocked}
		}
		return Result{Outcome: OutcomeBlocked, Blocked: blocked}
	}

	sort.Slice(groupOrder, func(i, j int) bool {
		return groupMinIndex[groupOrder[i]] < groupMinIndex[groupOrder[j]]
	})

	earliest := groups[groupOrder[0]]
	sort.Slice(earliest, func(i, j int) bool { return earliest[i].StepIndex < earliest[j].StepIndex })

	var batch []int
	if atMostOne {
		batch = []int{earliest[0].StepIndex}
	} else {
		for _, s := range earliest {
			batch = append(batch, s.StepIndex)
		}
	}

	return Result{Outcome: OutcomeRunnable, Batch: batch}
}

func dependencySatisfied(s StepInput, completed map[int]bool) bool {
	for _, dep := range s.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}
