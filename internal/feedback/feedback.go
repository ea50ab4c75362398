// Package feedback is the feedback router (C10): given a step's QA verdict
// and its current retry/loop counters, it decides what should happen next —
// complete, retry, re-queue with a clarification, fail, or trigger
// re-planning. Grounded on temporal/workflow.go's DoD-retry loop (pass ->
// record outcome, fail -> feed failures back into the plan and retry, retries
// exhausted -> escalate), generalized from a single fixed retry count to the
// full verdict/transience/loop-limit table SPEC_FULL.md's feedback router
// requires.
package feedback

import (
	"github.com/protoeng/orchestrator/internal/engineerr"
	"github.com/protoeng/orchestrator/internal/policy"
	"github.com/protoeng/orchestrator/internal/qa"
)

// Action is what the router decided a step (and possibly its protocol)
// should do next.
type Action string

const (
	ActionComplete     Action = "complete"
	ActionCompleteWarn Action = "complete_with_warnings"
	ActionRetry        Action = "retry"
	ActionClarify      Action = "clarify"
	ActionFail         Action = "fail"
	ActionFailProtocol Action = "fail_protocol"
	ActionReplan       Action = "replan"
)

// EnforcementMode mirrors policy.EnforcementMode to avoid a forced
// dependency for callers that only need the router.
type EnforcementMode = policy.EnforcementMode

// Input bundles everything the router needs to decide a step's next
// action. It deliberately avoids importing a StepRun type, mirroring
// selector.StepInput's cycle-avoidance idiom.
type Input struct {
	Verdict          qa.Verdict
	Findings         []qa.Finding
	ErrorKind        engineerr.Kind // zero value means the failure wasn't an adapter error
	Attempts         int
	RetryMax         int
	LoopCount        int
	MaxLoops         int
	Enforcement      EnforcementMode
	HasRecoveryPath  bool // whether some other step/clarification could still unblock the protocol
	ReplanOnExhaust  bool // qa/step policy requests re-planning instead of hard failure
}

// Decision is the router's verdict: what the step should do, and whether a
// clarification needs to be raised to get there.
type Decision struct {
	Action          Action
	ClarificationKey string
	Reason          string
}

// Route evaluates in.
func Route(in Input) Decision {
	switch in.Verdict {
	case qa.VerdictPass:
		return Decision{Action: ActionComplete}

	case qa.VerdictWarn:
		if in.Enforcement != policy.EnforcementBlock {
			return Decision{Action: ActionCompleteWarn}
		}
		return routeBlockingWarn(in)

	case qa.VerdictFail:
		return routeFail(in)

	default: // VerdictSkip should never reach the router as a terminal verdict
		return Decision{Action: ActionComplete}
	}
}

func routeBlockingWarn(in Input) Decision {
	loop := policy.EvaluateLoop(in.LoopCount, in.MaxLoops)
	if !loop.Allowed {
		return Decision{Action: ActionFail, Reason: "warn under block enforcement, loop limit exhausted"}
	}
	retry := policy.RetryPolicy{MaxRetries: in.RetryMax}
	if _, ok := retry.NextRetryDelay(in.Attempts); ok {
		return Decision{Action: ActionRetry, Reason: "warn under block enforcement"}
	}
	return Decision{
		Action:           ActionClarify,
		ClarificationKey: "qa_warn_unresolved",
		Reason:           "warn under block enforcement, retries exhausted",
	}
}

func routeFail(in Input) Decision {
	if in.ErrorKind == engineerr.KindTransientAgent {
		retry := policy.RetryPolicy{MaxRetries: in.RetryMax}
		if _, ok := retry.NextRetryDelay(in.Attempts); ok {
			return Decision{Action: ActionRetry, Reason: "transient agent error"}
		}
		return terminalFailure(in, "transient error, retries exhausted")
	}

	loop := policy.EvaluateLoop(in.LoopCount, in.MaxLoops)
	if loop.Allowed {
		return Decision{Action: ActionRetry, Reason: "qa failed, within loop limit"}
	}

	if in.ReplanOnExhaust {
		return Decision{Action: ActionReplan, Reason: "qa failed, loop limit exhausted, re-plan policy active"}
	}

	return terminalFailure(in, "qa failed, loop limit exhausted")
}

func terminalFailure(in Input, reason string) Decision {
	if in.HasRecoveryPath {
		return Decision{Action: ActionFail, Reason: reason}
	}
	return Decision{Action: ActionFailProtocol, Reason: reason}
}
