package feedback

import (
	"testing"

	"github.com/protoeng/orchestrator/internal/engineerr"
	"github.com/protoeng/orchestrator/internal/policy"
	"github.com/protoeng/orchestrator/internal/qa"
)

func TestRoutePassCompletes(t *testing.T) {
	d := Route(Input{Verdict: qa.VerdictPass})
	if d.Action != ActionComplete {
		t.Fatalf("action = %v, want complete", d.Action)
	}
}

func TestRouteWarnOffModeCompletesWithWarnings(t *testing.T) {
	d := Route(Input{Verdict: qa.VerdictWarn, Enforcement: policy.EnforcementOff})
	if d.Action != ActionCompleteWarn {
		t.Fatalf("action = %v, want complete_with_warnings", d.Action)
	}
}

func TestRouteWarnWarnModeCompletesWithWarnings(t *testing.T) {
	d := Route(Input{Verdict: qa.VerdictWarn, Enforcement: policy.EnforcementWarn})
	if d.Action != ActionCompleteWarn {
		t.Fatalf("action = %v, want complete_with_warnings", d.Action)
	}
}

func TestRouteWarnBlockModeRetriesWithinLoopLimit(t *testing.T) {
	d := Route(Input{
		Verdict:     qa.VerdictWarn,
		Enforcement: policy.EnforcementBlock,
		LoopCount:   0,
		MaxLoops:    3,
		Attempts:    0,
		RetryMax:    3,
	})
	if d.Action != ActionRetry {
		t.Fatalf("action = %v, want retry", d.Action)
	}
}

func TestRouteWarnBlockModeClarifiesWhenRetriesExhausted(t *testing.T) {
	d := Route(Input{
		Verdict:     qa.VerdictWarn,
		Enforcement: policy.EnforcementBlock,
		LoopCount:   0,
		MaxLoops:    3,
		Attempts:    3,
		RetryMax:    3,
	})
	if d.Action != ActionClarify {
		t.Fatalf("action = %v, want clarify", d.Action)
	}
}

func TestRouteWarnBlockModeFailsAtLoopLimit(t *testing.T) {
	d := Route(Input{
		Verdict:     qa.VerdictWarn,
		Enforcement: policy.EnforcementBlock,
		LoopCount:   3,
		MaxLoops:    3,
	})
	if d.Action != ActionFail {
		t.Fatalf("action = %v, want fail", d.Action)
	}
}

func TestRouteFailTransientRetries(t *testing.T) {
	d := Route(Input{
		Verdict:   qa.VerdictFail,
		ErrorKind: engineerr.KindTransientAgent,
		Attempts:  1,
		RetryMax:  3,
	})
	if d.Action != ActionRetry {
		t.Fatalf("action = %v, want retry", d.Action)
	}
}

func TestRouteFailTransientExhaustedFailsWithRecoveryPath(t *testing.T) {
	d := Route(Input{
		Verdict:         qa.VerdictFail,
		ErrorKind:       engineerr.KindTransientAgent,
		Attempts:        3,
		RetryMax:        3,
		HasRecoveryPath: true,
	})
	if d.Action != ActionFail {
		t.Fatalf("action = %v, want fail", d.Action)
	}
}

func TestRouteFailTransientExhaustedFailsProtocolWithoutRecovery(t *testing.T) {
	d := Route(Input{
		Verdict:         qa.VerdictFail,
		ErrorKind:       engineerr.KindTransientAgent,
		Attempts:        3,
		RetryMax:        3,
		HasRecoveryPath: false,
	})
	if d.Action != ActionFailProtocol {
		t.Fatalf("action = %v, want fail_protocol", d.Action)
	}
}

func TestRouteFailWithinLoopLimitRetries(t *testing.T) {
	d := Route(Input{
		Verdict:   qa.VerdictFail,
		LoopCount: 0,
		MaxLoops:  2,
	})
	if d.Action != ActionRetry {
		t.Fatalf("action = %v, want retry", d.Action)
	}
}

func TestRouteFailLoopExhaustedTriggersReplan(t *testing.T) {
	d := Route(Input{
		Verdict:         qa.VerdictFail,
		LoopCount:       2,
		MaxLoops:        2,
		ReplanOnExhaust: true,
	})
	if d.Action != ActionReplan {
		t.Fatalf("action = %v, want replan", d.Action)
	}
}

func TestRouteFailLoopExhaustedFailsWithoutReplanPolicy(t *testing.T) {
	d := Route(Input{
		Verdict:         qa.VerdictFail,
		LoopCount:       2,
		MaxLoops:        2,
		ReplanOnExhaust: false,
		HasRecoveryPath: true,
	})
	if d.Action != ActionFail {
		t.Fatalf("action = %v, want fail", d.Action)
	}
}
