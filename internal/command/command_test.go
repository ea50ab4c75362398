package command

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/protoeng/orchestrator/internal/agent"
	"github.com/protoeng/orchestrator/internal/clarify"
	"github.com/protoeng/orchestrator/internal/clock"
	"github.com/protoeng/orchestrator/internal/executor"
	"github.com/protoeng/orchestrator/internal/journal"
	"github.com/protoeng/orchestrator/internal/planstore"
	"github.com/protoeng/orchestrator/internal/protocol"
)

type testHarness struct {
	dispatcher *Dispatcher
	store      *protocol.Store
	run        protocol.ProtocolRun
}

func newHarness(t *testing.T, maxConcurrent int) *testHarness {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	c := clock.SystemClock{}
	ids := clock.UUIDProvider{}

	store, err := protocol.Open(ctx, db, c, ids)
	if err != nil {
		t.Fatalf("open protocol store: %v", err)
	}
	plans, err := planstore.Open(ctx, db)
	if err != nil {
		t.Fatalf("open plan store: %v", err)
	}
	j, err := journal.Open(ctx, db, c, ids)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	cl, err := clarify.Open(ctx, db, c, ids)
	if err != nil {
		t.Fatalf("open clarify registry: %v", err)
	}

	fake := agent.NewFake()
	registry := agent.NewRegistry()
	registry.Register("agentA", fake)

	engine := protocol.NewEngine(protocol.Deps{
		Store:   store,
		Plans:   plans,
		Journal: j,
		Clarify: cl,
		Agents:  registry,
		Exec:    executor.New(),
		Clock:   c,
		IDs:     ids,
	})

	run, err := store.CreateProtocolRun(ctx, "proj-1", "demo", 10000)
	if err != nil {
		t.Fatalf("create protocol run: %v", err)
	}
	run.WorktreePath = t.TempDir()
	if err := store.SaveProtocolRun(ctx, run); err != nil {
		t.Fatalf("save protocol run: %v", err)
	}

	return &testHarness{
		dispatcher: New(engine, store, maxConcurrent, nil),
		store:      store,
		run:        run,
	}
}

func oneStepSpec() planstore.ProtocolSpec {
	return planstore.ProtocolSpec{
		Steps: []planstore.StepSpec{
			{
				StepIndex: 0,
				EngineID:  "agentA",
				PromptRef: "prompt-0",
				Policies:  planstore.StepPolicies{QAPolicy: planstore.QAPolicySkip, RetryMax: 1, MaxLoops: 1},
				Outputs:   planstore.StepOutputs{Protocol: "out0.md"},
			},
		},
	}
}

func TestPlanTransitionsProtocolToPlanned(t *testing.T) {
	h := newHarness(t, 0)
	res := h.dispatcher.Plan(context.Background(), h.run.ID, oneStepSpec())
	if !res.Accepted {
		t.Fatalf("plan not accepted: %+v", res)
	}
	if res.State != protocol.StatusPlanned {
		t.Fatalf("state = %s, want planned", res.State)
	}
}

func TestPlanRejectedForUnknownProtocol(t *testing.T) {
	h := newHarness(t, 0)
	res := h.dispatcher.Plan(context.Background(), "missing-run", oneStepSpec())
	if res.Accepted {
		t.Fatal("expected plan against a missing protocol run to be rejected")
	}
}

func TestRunNextReportsNotRunningBeforeStart(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.dispatcher.Plan(ctx, h.run.ID, oneStepSpec())

	res := h.dispatcher.RunNext(ctx, h.run.ID)
	if !res.Accepted {
		t.Fatalf("run_next call itself should not error: %+v", res)
	}
	if len(res.StepOutcomes) != 1 || res.StepOutcomes[0].Outcome != protocol.OutcomeNotRunning {
		t.Fatalf("outcomes = %+v, want not_running", res.StepOutcomes)
	}
}

func TestPauseResumeCancelRoundTrip(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.dispatcher.Plan(ctx, h.run.ID, oneStepSpec())
	if err := h.dispatcher.engine.Start(ctx, h.run.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	pauseRes := h.dispatcher.Pause(ctx, h.run.ID)
	if !pauseRes.Accepted || pauseRes.State != protocol.StatusPaused {
		t.Fatalf("pause = %+v", pauseRes)
	}

	resumeRes := h.dispatcher.Resume(ctx, h.run.ID)
	if !resumeRes.Accepted || resumeRes.State != protocol.StatusRunning {
		t.Fatalf("resume = %+v", resumeRes)
	}

	cancelRes := h.dispatcher.Cancel(ctx, h.run.ID)
	if !cancelRes.Accepted || cancelRes.State != protocol.StatusCancelled {
		t.Fatalf("cancel = %+v", cancelRes)
	}
}

func TestRetryStepRejectedWhenStepNotFailed(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.dispatcher.Plan(ctx, h.run.ID, oneStepSpec())

	res := h.dispatcher.RetryStep(ctx, h.run.ID, 0)
	if res.Accepted {
		t.Fatal("expected retry_step on a pending (not failed) step to be rejected")
	}
}

func TestAnswerClarificationUnknownKeyRejected(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	res := h.dispatcher.AnswerClarification(ctx, h.run.ID, clarify.ScopeProtocol, h.run.ID, "missing-key", "yes")
	if res.Accepted {
		t.Fatal("expected answering a nonexistent clarification to be rejected")
	}
}

func TestDispatcherRefusesWorkWhenSlotsSaturated(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	release, ok := h.dispatcher.acquire()
	if !ok {
		t.Fatal("expected the single slot to be free initially")
	}
	defer release()

	res := h.dispatcher.Pause(ctx, h.run.ID)
	if res.Accepted {
		t.Fatal("expected pause to be refused while the only slot is held")
	}
	if res.Reason != "busy" {
		t.Fatalf("reason = %q, want busy", res.Reason)
	}
}

func TestDispatcherUnboundedWhenMaxConcurrentIsZero(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		res := h.dispatcher.Pause(ctx, h.run.ID)
		if res.Reason == "busy" {
			t.Fatalf("call %d refused as busy with maxConcurrent=0, want no backpressure", i)
		}
	}
}
