package qa

import (
	"context"
	"errors"
	"testing"

	"github.com/protoeng/orchestrator/internal/agent"
)

func passGate(name string, required bool) Gate {
	return Gate{Name: name, Required: required, Run: func(ctx context.Context, path string) (GateResult, error) {
		return GateResult{Verdict: VerdictPass}, nil
	}}
}

func unavailableGate(name string) Gate {
	return Gate{Name: name, Run: func(ctx context.Context, path string) (GateResult, error) {
		return GateResult{}, errors.New("tool not installed")
	}}
}

func TestRunDeterministicCollectsResultsInOrder(t *testing.T) {
	r := NewRunner([]Gate{passGate("lint", true), passGate("test", true)}, nil, false)
	results := r.RunDeterministic(context.Background(), "/tmp/work")
	if len(results) != 2 || results[0].Name != "lint" || results[1].Name != "test" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestRunDeterministicTreatsMissingToolAsSkip(t *testing.T) {
	r := NewRunner([]Gate{unavailableGate("semgrep")}, nil, false)
	results := r.RunDeterministic(context.Background(), "/tmp/work")
	if len(results) != 1 || results[0].Verdict != VerdictSkip {
		t.Fatalf("expected skip verdict, got %+v", results)
	}
}

func TestAggregateAllPassIsPass(t *testing.T) {
	v, _ := Aggregate([]GateResult{{Verdict: VerdictPass}, {Verdict: VerdictPass}}, false)
	if v != VerdictPass {
		t.Fatalf("verdict = %v, want pass", v)
	}
}

func TestAggregateRequiredFailFailsWholeRun(t *testing.T) {
	v, findings := Aggregate([]GateResult{
		{Verdict: VerdictPass},
		{Verdict: VerdictFail, Required: true, Findings: []Finding{{Message: "broke"}}},
	}, false)
	if v != VerdictFail {
		t.Fatalf("verdict = %v, want fail", v)
	}
	if len(findings) != 1 {
		t.Fatalf("expected findings propagated, got %+v", findings)
	}
}

func TestAggregateNonRequiredFailSurfacesAsWorstVerdict(t *testing.T) {
	v, _ := Aggregate([]GateResult{
		{Verdict: VerdictPass},
		{Verdict: VerdictFail, Required: false},
	}, false)
	if v != VerdictFail {
		// non-required fail still surfaces as the worst verdict, just
		// doesn't short-circuit — overall result is still fail since fail
		// outranks pass in the worst-of fallback.
		t.Fatalf("verdict = %v", v)
	}
}

func TestAggregateWarnPassesWhenEnforcementNotBlock(t *testing.T) {
	v, _ := Aggregate([]GateResult{{Verdict: VerdictWarn}}, false)
	if v != VerdictWarn {
		t.Fatalf("verdict = %v, want warn", v)
	}
}

func TestAggregateWarnFailsUnderBlockMode(t *testing.T) {
	v, _ := Aggregate([]GateResult{{Verdict: VerdictWarn}}, true)
	if v != VerdictFail {
		t.Fatalf("verdict = %v, want fail under block-on-warn", v)
	}
}

func TestAggregateAllSkipIsPass(t *testing.T) {
	v, _ := Aggregate([]GateResult{{Verdict: VerdictSkip}, {Verdict: VerdictSkip}}, false)
	if v != VerdictPass {
		t.Fatalf("verdict = %v, want pass when every gate skipped", v)
	}
}

func TestRunPromptSkipsWhenNoAdapterConfigured(t *testing.T) {
	r := NewRunner(nil, nil, false)
	res, err := r.RunPrompt(context.Background(), PromptGateConfig{}, agent.Limits{})
	if err != nil {
		t.Fatalf("run prompt: %v", err)
	}
	if res.Verdict != VerdictSkip {
		t.Fatalf("verdict = %v, want skip", res.Verdict)
	}
}

func TestRunPromptPassesOnOKResult(t *testing.T) {
	fake := agent.NewFake()
	r := NewRunner(nil, nil, false)
	res, err := r.RunPrompt(context.Background(), PromptGateConfig{Adapter: fake, PromptRef: "prompt://qa"}, agent.Limits{})
	if err != nil {
		t.Fatalf("run prompt: %v", err)
	}
	if res.Verdict != VerdictPass {
		t.Fatalf("verdict = %v, want pass", res.Verdict)
	}
}

func TestRunPromptFailsOnPermanentError(t *testing.T) {
	fake := agent.NewFake()
	fake.Script("prompt://qa-fail", agent.Result{
		Status: agent.StatusPermanentError,
		Error:  &agent.ResultError{Class: "permanent_error", Message: "requirements not met"},
	})
	r := NewRunner(nil, nil, false)
	res, err := r.RunPrompt(context.Background(), PromptGateConfig{Adapter: fake, PromptRef: "prompt://qa-fail"}, agent.Limits{})
	if err != nil {
		t.Fatalf("run prompt: %v", err)
	}
	if res.Verdict != VerdictFail {
		t.Fatalf("verdict = %v, want fail", res.Verdict)
	}
	if len(res.Findings) != 1 || res.Findings[0].Message != "requirements not met" {
		t.Fatalf("unexpected findings: %+v", res.Findings)
	}
}

func TestRunPromptSkipsOnTransientError(t *testing.T) {
	fake := agent.NewFake()
	fake.Script("prompt://qa-flaky", agent.Result{Status: agent.StatusTransientError})
	r := NewRunner(nil, nil, false)
	res, err := r.RunPrompt(context.Background(), PromptGateConfig{Adapter: fake, PromptRef: "prompt://qa-flaky"}, agent.Limits{})
	if err != nil {
		t.Fatalf("run prompt: %v", err)
	}
	if res.Verdict != VerdictSkip {
		t.Fatalf("verdict = %v, want skip on transient error", res.Verdict)
	}
}
