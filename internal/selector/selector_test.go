package selector

import "testing"

func TestSelectDoneWhenNoPendingSteps(t *testing.T) {
	steps := []StepInput{{StepIndex: 0, Status: StatusCompleted}}
	got := Select(steps, true, false)
	if got.Outcome != OutcomeDone {
		t.Fatalf("Outcome = %v, want done", got.Outcome)
	}
}

func TestSelectIncompleteWhenAFailedStepRemains(t *testing.T) {
	steps := []StepInput{
		{StepIndex: 0, Status: StatusCompleted},
		{StepIndex: 1, Status: StatusFailed},
	}
	got := Select(steps, true, false)
	if got.Outcome != OutcomeIncomplete {
		t.Fatalf("Outcome = %v, want incomplete (a failed step remains, invariant #8 forbids done)", got.Outcome)
	}
	if len(got.Blocked) != 1 || got.Blocked[0].StepIndex != 1 || got.Blocked[0].Reason != string(StatusFailed) {
		t.Fatalf("Blocked = %+v, want one entry for step 1 reason failed", got.Blocked)
	}
}

func TestSelectRunnableSingleton(t *testing.T) {
	steps := []StepInput{
		{StepIndex: 0, Status: StatusPending, MaxLoops: 3},
	}
	got := Select(steps, true, false)
	if got.Outcome != OutcomeRunnable || len(got.Batch) != 1 || got.Batch[0] != 0 {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestSelectWaitsOnUnsatisfiedDependency(t *testing.T) {
	steps := []StepInput{
		{StepIndex: 0, Status: StatusRunning},
		{StepIndex: 1, Status: StatusPending, DependsOn: []int{0}, MaxLoops: 3},
	}
	got := Select(steps, true, false)
	if got.Outcome != OutcomeWaiting {
		t.Fatalf("Outcome = %v, want waiting (dependency still in flight, not a policy block)", got.Outcome)
	}
}

func TestSelectParallelGroupBatch(t *testing.T) {
	// Scenario B: S0 done, S1/S2 share group "a" depending on S0, S3 depends on both.
	steps := []StepInput{
		{StepIndex: 0, Status: StatusCompleted},
		{StepIndex: 1, Status: StatusPending, DependsOn: []int{0}, ParallelGroup: "a", MaxLoops: 3},
		{StepIndex: 2, Status: StatusPending, DependsOn: []int{0}, ParallelGroup: "a", MaxLoops: 3},
		{StepIndex: 3, Status: StatusPending, DependsOn: []int{1, 2}, MaxLoops: 3},
	}
	got := Select(steps, false, false)
	if got.Outcome != OutcomeRunnable {
		t.Fatalf("Outcome = %v, want runnable", got.Outcome)
	}
	if len(got.Batch) != 2 || got.Batch[0] != 1 || got.Batch[1] != 2 {
		t.Fatalf("Batch = %v, want [1 2]", got.Batch)
	}
}

func TestSelectAtMostOneReturnsSingleGroupMember(t *testing.T) {
	steps := []StepInput{
		{StepIndex: 0, Status: StatusCompleted},
		{StepIndex: 1, Status: StatusPending, DependsOn: []int{0}, ParallelGroup: "a", MaxLoops: 3},
		{StepIndex: 2, Status: StatusPending, DependsOn: []int{0}, ParallelGroup: "a", MaxLoops: 3},
	}
	got := Select(steps, true, false)
	if got.Outcome != OutcomeRunnable || len(got.Batch) != 1 || got.Batch[0] != 1 {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestSelectBlockedByClarification(t *testing.T) {
	steps := []StepInput{
		{StepIndex: 0, Status: StatusPending, ClarificationBlocked: true, MaxLoops: 3},
	}
	got := Select(steps, true, false)
	if got.Outcome != OutcomeBlocked {
		t.Fatalf("Outcome = %v, want blocked", got.Outcome)
	}
	if len(got.Blocked) != 1 || got.Blocked[0].Reason != "clarification" {
		t.Fatalf("Blocked = %+v", got.Blocked)
	}
}

func TestSelectBlockedByLoopLimit(t *testing.T) {
	steps := []StepInput{
		{StepIndex: 0, Status: StatusPending, LoopCount: 3, MaxLoops: 3},
	}
	got := Select(steps, true, false)
	if got.Outcome != OutcomeBlocked {
		t.Fatalf("Outcome = %v, want blocked", got.Outcome)
	}
}

func TestSelectBlockedByTokenBudget(t *testing.T) {
	steps := []StepInput{
		{StepIndex: 0, Status: StatusPending, MaxLoops: 3},
	}
	got := Select(steps, true, true)
	if got.Outcome != OutcomeBlocked {
		t.Fatalf("Outcome = %v, want blocked", got.Outcome)
	}
	if got.Blocked[0].Reason != "token_budget" {
		t.Fatalf("reason = %v, want token_budget", got.Blocked[0].Reason)
	}
}

func TestSelectOrdersAcrossGroupsByMinStepIndex(t *testing.T) {
	steps := []StepInput{
		{StepIndex: 0, Status: StatusPending, ParallelGroup: "b", MaxLoops: 3},
		{StepIndex: 1, Status: StatusPending, ParallelGroup: "a", MaxLoops: 3},
	}
	got := Select(steps, true, false)
	if got.Outcome != OutcomeRunnable || got.Batch[0] != 0 {
		t.Fatalf("expected earliest group (min index 0) chosen first, got %+v", got)
	}
}
