package protocol

import (
	"context"
	"testing"

	"github.com/protoeng/orchestrator/internal/agent"
	"github.com/protoeng/orchestrator/internal/clarify"
	"github.com/protoeng/orchestrator/internal/feedback"
	"github.com/protoeng/orchestrator/internal/planstore"
	"github.com/protoeng/orchestrator/internal/qa"
	"github.com/protoeng/orchestrator/internal/selector"
)

// Scenario A: happy path, two sequential steps, QA skip.
func TestScenarioHappyPathTwoSequentialSteps(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	run := te.newRun(t, 0)

	if _, err := te.engine.Plan(ctx, run.ID, twoStepSpec()); err != nil {
		t.Fatalf("plan: %v", err)
	}
	got, _ := te.store.GetProtocolRun(ctx, run.ID)
	if got.Status != StatusPlanned {
		t.Fatalf("after plan, status = %s, want planned", got.Status)
	}

	if err := te.engine.Start(ctx, run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, _ = te.store.GetProtocolRun(ctx, run.ID)
	if got.Status != StatusRunning {
		t.Fatalf("after start, status = %s, want running", got.Status)
	}

	te.writeOutput(t, "out0.md", "step 0")
	te.writeOutput(t, "out1.md", "step 1")

	o0, err := te.engine.RunNext(ctx, run.ID)
	if err != nil {
		t.Fatalf("run next 0: %v", err)
	}
	if o0.StepIndex != 0 || o0.NewStatus != StepCompleted {
		t.Fatalf("o0 = %+v, want step 0 completed", o0)
	}

	o1, err := te.engine.RunNext(ctx, run.ID)
	if err != nil {
		t.Fatalf("run next 1: %v", err)
	}
	if o1.StepIndex != 1 || o1.NewStatus != StepCompleted {
		t.Fatalf("o1 = %+v, want step 1 completed", o1)
	}

	o2, err := te.engine.RunNext(ctx, run.ID)
	if err != nil {
		t.Fatalf("run next 2: %v", err)
	}
	if o2.Outcome != OutcomeDone {
		t.Fatalf("o2.Outcome = %s, want done", o2.Outcome)
	}

	got, _ = te.store.GetProtocolRun(ctx, run.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("final status = %s, want completed", got.Status)
	}
}

// Scenario B: parallel group. S1 and S2 both depend on S0 and share a
// parallel_group; both become eligible together once S0 completes, while
// S3 (depending on both) stays ineligible until they are.
func TestScenarioParallelGroupBatch(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	run := te.newRun(t, 0)

	spec := planstore.ProtocolSpec{
		Version: 1,
		Steps: []planstore.StepSpec{
			{StepIndex: 0, Name: "s0", Type: "agent", EngineID: "agentA", Model: "m1", PromptRef: "p0",
				Outputs: planstore.StepOutputs{Protocol: "out0.md"}, Policies: planstore.StepPolicies{QAPolicy: planstore.QAPolicySkip}},
			{StepIndex: 1, Name: "s1", Type: "agent", EngineID: "agentA", Model: "m1", PromptRef: "p1",
				DependsOn: []int{0}, ParallelGroup: "a",
				Outputs: planstore.StepOutputs{Protocol: "out1.md"}, Policies: planstore.StepPolicies{QAPolicy: planstore.QAPolicySkip}},
			{StepIndex: 2, Name: "s2", Type: "agent", EngineID: "agentA", Model: "m1", PromptRef: "p2",
				DependsOn: []int{0}, ParallelGroup: "a",
				Outputs: planstore.StepOutputs{Protocol: "out2.md"}, Policies: planstore.StepPolicies{QAPolicy: planstore.QAPolicySkip}},
			{StepIndex: 3, Name: "s3", Type: "agent", EngineID: "agentA", Model: "m1", PromptRef: "p3",
				DependsOn: []int{1, 2},
				Outputs: planstore.StepOutputs{Protocol: "out3.md"}, Policies: planstore.StepPolicies{QAPolicy: planstore.QAPolicySkip}},
		},
	}
	if _, err := te.engine.Plan(ctx, run.ID, spec); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := te.engine.Start(ctx, run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, name := range []string{"out0.md", "out1.md", "out2.md", "out3.md"} {
		te.writeOutput(t, name, "content")
	}

	steps, err := te.store.ListStepRuns(ctx, run.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	specByIndex := map[int]planstore.StepSpec{0: spec.Steps[0], 1: spec.Steps[1], 2: spec.Steps[2], 3: spec.Steps[3]}
	inputs, err := te.engine.buildSelectorInputs(ctx, run, steps, specByIndex)
	if err != nil {
		t.Fatalf("build inputs: %v", err)
	}

	if o0, err := te.engine.RunNext(ctx, run.ID); err != nil || o0.StepIndex != 0 {
		t.Fatalf("expected step 0 to run first, got %+v err=%v", o0, err)
	}

	// After S0 completes, both S1 and S2 must be reported eligible together
	// by the selector even though RunNext only reserves one at a time.
	run2, _ := te.store.GetProtocolRun(ctx, run.ID)
	steps2, _ := te.store.ListStepRuns(ctx, run.ID)
	inputs2, err := te.engine.buildSelectorInputs(ctx, run2, steps2, specByIndex)
	if err != nil {
		t.Fatalf("build inputs 2: %v", err)
	}
	_ = inputs // silence unused in the pre-S0 snapshot; kept for readability of intent

	batch := selector.Select(inputs2, false, false)
	if batch.Outcome != selector.OutcomeRunnable || len(batch.Batch) != 2 || batch.Batch[0] != 1 || batch.Batch[1] != 2 {
		t.Fatalf("parallel batch = %+v, want runnable [1 2]", batch)
	}

	if o1, err := te.engine.RunNext(ctx, run.ID); err != nil || o1.StepIndex != 1 {
		t.Fatalf("expected step 1 to run next, got %+v err=%v", o1, err)
	}

	// S3 must still be ineligible: S2 has not completed yet.
	run3, _ := te.store.GetProtocolRun(ctx, run.ID)
	steps3, _ := te.store.ListStepRuns(ctx, run.ID)
	for _, s := range steps3 {
		if s.StepIndex == 3 && s.Status == StepCompleted {
			t.Fatal("step 3 completed before its dependencies")
		}
	}
	_ = run3

	if o2, err := te.engine.RunNext(ctx, run.ID); err != nil || o2.StepIndex != 2 {
		t.Fatalf("expected step 2 to run next, got %+v err=%v", o2, err)
	}
	if o3, err := te.engine.RunNext(ctx, run.ID); err != nil || o3.StepIndex != 3 {
		t.Fatalf("expected step 3 to run last, got %+v err=%v", o3, err)
	}
}

// Scenario C: transient failure with retry, succeeding on the third attempt.
func TestScenarioTransientFailureRetriesThenSucceeds(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	run := te.newRun(t, 0)

	spec := planstore.ProtocolSpec{
		Version: 1,
		Steps: []planstore.StepSpec{{
			StepIndex: 0, Name: "flaky", Type: "agent", EngineID: "agentA", Model: "m1", PromptRef: "flaky",
			Outputs:  planstore.StepOutputs{Protocol: "out.md"},
			Policies: planstore.StepPolicies{QAPolicy: planstore.QAPolicySkip, RetryMax: 2},
		}},
	}
	if _, err := te.engine.Plan(ctx, run.ID, spec); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := te.engine.Start(ctx, run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	te.writeOutput(t, "out.md", "done")

	te.fake.Script("flaky",
		agent.Result{Status: agent.StatusTransientError, Error: &agent.ResultError{Class: "timeout", Message: "timed out"}},
		agent.Result{Status: agent.StatusTransientError, Error: &agent.ResultError{Class: "timeout", Message: "timed out again"}},
		agent.Result{Status: agent.StatusOK},
	)

	if o, err := te.engine.RunNext(ctx, run.ID); err != nil || o.NewStatus != StepPending {
		t.Fatalf("attempt 1 = %+v err=%v, want pending (retry)", o, err)
	}
	if o, err := te.engine.RunNext(ctx, run.ID); err != nil || o.NewStatus != StepPending {
		t.Fatalf("attempt 2 = %+v err=%v, want pending (retry)", o, err)
	}
	o, err := te.engine.RunNext(ctx, run.ID)
	if err != nil || o.NewStatus != StepCompleted {
		t.Fatalf("attempt 3 = %+v err=%v, want completed", o, err)
	}

	step, err := te.store.GetStepRun(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if step.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", step.Attempts)
	}
}

// Scenario D: a blocking clarification prevents reservation until answered.
func TestScenarioBlockingClarificationGatesReservation(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	run := te.newRun(t, 0)

	spec := planstore.ProtocolSpec{
		Version: 1,
		Steps: []planstore.StepSpec{{
			StepIndex: 0, Name: "pick_db", Type: "agent", EngineID: "agentA", Model: "m1", PromptRef: "pick_db",
			Outputs:  planstore.StepOutputs{Protocol: "out.md"},
			Policies: planstore.StepPolicies{QAPolicy: planstore.QAPolicySkip},
		}},
	}
	if _, err := te.engine.Plan(ctx, run.ID, spec); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := te.engine.Start(ctx, run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	step, err := te.store.GetStepRun(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if _, err := te.clarify.Raise(ctx, clarify.ScopeStep, step.ID, "db_choice", true, "which database?", ""); err != nil {
		t.Fatalf("raise: %v", err)
	}

	outcome, err := te.engine.RunNext(ctx, run.ID)
	if err != nil {
		t.Fatalf("run next: %v", err)
	}
	if outcome.Outcome != OutcomeBlocked {
		t.Fatalf("outcome = %s, want blocked", outcome.Outcome)
	}
	got, _ := te.store.GetProtocolRun(ctx, run.ID)
	if got.Status != StatusBlocked {
		t.Fatalf("status = %s, want blocked", got.Status)
	}

	if _, err := te.clarify.Answer(ctx, clarify.ScopeStep, step.ID, "db_choice", "Postgres"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := te.engine.Resume(ctx, run.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}

	te.writeOutput(t, "out.md", "done")
	outcome, err = te.engine.RunNext(ctx, run.ID)
	if err != nil {
		t.Fatalf("run next after answer: %v", err)
	}
	if outcome.Outcome != OutcomeStepRan || outcome.NewStatus != StepCompleted {
		t.Fatalf("outcome after answer = %+v, want step completed", outcome)
	}
}

// Scenario E (light): a fail verdict routed with ReplanOnExhaust set moves
// the protocol back to planning instead of terminating it, per the feedback
// router's replan action. Exercised directly against applyFeedbackDecision
// since wiring a full re-plan prompt/gate flow is beyond this package's
// scope (the plan store itself is the unit under test in planstore).
func TestScenarioQAFailTriggersReplan(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	run := te.newRun(t, 0)

	if _, err := te.engine.Plan(ctx, run.ID, twoStepSpec()); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := te.engine.Start(ctx, run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	runState, err := te.store.GetProtocolRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	step, err := te.store.GetStepRun(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}

	decision := feedback.Route(feedback.Input{
		Verdict:         qa.VerdictFail,
		LoopCount:       1,
		MaxLoops:        1,
		ReplanOnExhaust: true,
		HasRecoveryPath: true,
	})
	if decision.Action != feedback.ActionReplan {
		t.Fatalf("decision.Action = %s, want replan", decision.Action)
	}

	spec := twoStepSpec()
	if _, err := te.engine.applyFeedbackDecision(ctx, &runState, &step, spec.Steps[0], decision); err != nil {
		t.Fatalf("apply replan decision: %v", err)
	}

	got, err := te.store.GetProtocolRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get after replan: %v", err)
	}
	if got.Status != StatusPlanning {
		t.Fatalf("status after replan decision = %s, want planning", got.Status)
	}
}
