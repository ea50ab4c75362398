package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/protoeng/orchestrator/internal/agent"
	"github.com/protoeng/orchestrator/internal/clarify"
	"github.com/protoeng/orchestrator/internal/clock"
	"github.com/protoeng/orchestrator/internal/engineerr"
	"github.com/protoeng/orchestrator/internal/executor"
	"github.com/protoeng/orchestrator/internal/feedback"
	"github.com/protoeng/orchestrator/internal/journal"
	"github.com/protoeng/orchestrator/internal/planstore"
	"github.com/protoeng/orchestrator/internal/policy"
	"github.com/protoeng/orchestrator/internal/qa"
	"github.com/protoeng/orchestrator/internal/selector"
)

// GateProvider resolves the deterministic gates and block-on-warn setting
// to run for a given step, so the engine stays agnostic of concrete gate
// implementations (lint/test/build commands are registered by the caller
// that constructs the Engine, e.g. cmd/orchestrator's wiring).
type GateProvider func(step planstore.StepSpec) (gates []qa.Gate, blockOnWarn bool)

// PolicyProvider resolves a project's current policy configuration into a
// Snapshot, so the engine stays agnostic of where project config lives
// (cmd/orchestrator's wiring reads it from internal/config). Plan calls this
// once per protocol and freezes the result onto ProtocolRun.PolicySnapshot
// (spec §3 "policy snapshot") so a later config change never retroactively
// changes how an in-flight protocol is enforced.
type PolicyProvider func(projectID string) policy.Snapshot

// Deps bundles every collaborator the Engine composes. All fields are
// required except Logger, Clock, and IDs, which default to production
// implementations.
type Deps struct {
	Store      *Store
	Plans      *planstore.Store
	Journal    *journal.Journal
	Clarify    *clarify.Registry
	Agents     *agent.Registry
	Exec       *executor.Executor
	Gates      GateProvider
	Policies   PolicyProvider
	Logger     *slog.Logger
	Clock      clock.Clock
	IDs        clock.IDProvider
	DefaultWallTime time.Duration
	// MaxInlineTriggerDepth bounds inline dependent-triggering (spec §4.4);
	// 0 defaults to 3, mirroring internal/config's general.max_inline_trigger_depth default.
	MaxInlineTriggerDepth int
}

// Engine is the composition root: it drives one ProtocolRun's plan/execute
// loop over its collaborators, guarded by a per-protocol lease. Grounded on
// temporal/workflow.go's CortexAgentWorkflow phase sequence, generalized
// from one hardcoded plan/execute/review/DoD pipeline to SPEC_FULL.md's
// StepSpec-driven graph.
type Engine struct {
	store   *Store
	plans   *planstore.Store
	journal *journal.Journal
	clarify *clarify.Registry
	agents  *agent.Registry
	exec    *executor.Executor
	gates   GateProvider
	policies PolicyProvider
	leases  *LeaseManager
	logger  *slog.Logger
	clock   clock.Clock
	ids     clock.IDProvider

	defaultWallTime       time.Duration
	maxInlineTriggerDepth int
}

// NewEngine constructs an Engine from deps, applying defaults for optional
// fields.
func NewEngine(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := deps.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	ids := deps.IDs
	if ids == nil {
		ids = clock.UUIDProvider{}
	}
	wallTime := deps.DefaultWallTime
	if wallTime <= 0 {
		wallTime = 10 * time.Minute
	}
	maxInlineDepth := deps.MaxInlineTriggerDepth
	if maxInlineDepth <= 0 {
		maxInlineDepth = 3
	}
	return &Engine{
		store:                 deps.Store,
		plans:                 deps.Plans,
		journal:               deps.Journal,
		clarify:               deps.Clarify,
		agents:                deps.Agents,
		exec:                  deps.Exec,
		gates:                 deps.Gates,
		policies:              deps.Policies,
		leases:                NewLeaseManager(),
		logger:                logger,
		clock:                 c,
		ids:                   ids,
		defaultWallTime:       wallTime,
		maxInlineTriggerDepth: maxInlineDepth,
	}
}

// Outcome is what RunNext did for a single evaluation of a protocol run.
type Outcome string

const (
	OutcomeStepRan     Outcome = "step_ran"
	OutcomeIdle        Outcome = "idle"
	OutcomeDone        Outcome = "done"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeFailed      Outcome = "failed"
	OutcomeNotRunning  Outcome = "not_running"
)

// StepOutcome reports what RunNext observed and, if it ran a step, what
// happened to it.
type StepOutcome struct {
	Outcome   Outcome
	StepIndex int
	NewStatus StepStatus
	Reason    string
}

// Plan commits spec as the protocol's active plan, creates one StepRun per
// step, and transitions pending -> planning -> planned (spec §4.2). Calling
// Plan again with an unchanged spec document is a no-op on the step runs
// (planstore.Commit already no-ops the spec row itself).
func (e *Engine) Plan(ctx context.Context, protocolRunID string, spec planstore.ProtocolSpec) (planstore.ProtocolSpec, error) {
	release := e.leases.Acquire(protocolRunID)
	defer release()

	run, err := e.store.GetProtocolRun(ctx, protocolRunID)
	if err != nil {
		return planstore.ProtocolSpec{}, err
	}

	if run.Status == StatusPending {
		if err := e.transition(ctx, &run, StatusPlanning, "plan started"); err != nil {
			return planstore.ProtocolSpec{}, err
		}
	}

	committed, err := e.plans.Commit(ctx, protocolRunID, spec, e.clock.Now().Format(time.RFC3339))
	if err != nil {
		if err := e.transition(ctx, &run, StatusFailed, "plan rejected"); err != nil {
			e.logger.Warn("protocol: failed to record plan rejection", "error", err)
		}
		return planstore.ProtocolSpec{}, err
	}

	indexes := make([]int, 0, len(committed.Steps))
	for _, step := range committed.Steps {
		indexes = append(indexes, step.StepIndex)
	}
	if _, err := e.store.CreateStepRuns(ctx, protocolRunID, indexes); err != nil {
		return planstore.ProtocolSpec{}, fmt.Errorf("protocol: create step runs: %w", err)
	}

	snapshot := e.resolvePolicySnapshot(run.ProjectID)
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return planstore.ProtocolSpec{}, fmt.Errorf("protocol: marshal policy snapshot: %w", err)
	}

	run.SpecHash = committed.SpecHash
	run.PolicySnapshot = snapshotJSON
	if err := e.store.SaveProtocolRun(ctx, run); err != nil {
		return planstore.ProtocolSpec{}, fmt.Errorf("protocol: save spec hash: %w", err)
	}
	if err := e.transition(ctx, &run, StatusPlanned, "plan committed"); err != nil {
		return planstore.ProtocolSpec{}, err
	}

	return committed, nil
}

// Start transitions a planned protocol into running, the precondition for
// RunNext/RunUntilIdle to make progress.
func (e *Engine) Start(ctx context.Context, protocolRunID string) error {
	release := e.leases.Acquire(protocolRunID)
	defer release()

	run, err := e.store.GetProtocolRun(ctx, protocolRunID)
	if err != nil {
		return err
	}
	return e.transition(ctx, &run, StatusRunning, "protocol started")
}

// RunNext reserves and executes at most one runnable step, then routes its
// QA verdict through the feedback router, applying any resulting state
// change to the StepRun and, if warranted, the ProtocolRun itself. When the
// step that ran declares inline_trigger, its newly-ready dependents are
// dispatched immediately under the same lease (spec §4.4 "inline trigger
// depth") rather than waiting for the caller's next RunNext/RunUntilIdle
// pass.
func (e *Engine) RunNext(ctx context.Context, protocolRunID string) (StepOutcome, error) {
	release := e.leases.Acquire(protocolRunID)
	defer release()

	run, err := e.store.GetProtocolRun(ctx, protocolRunID)
	if err != nil {
		return StepOutcome{}, err
	}
	if run.Status != StatusRunning {
		return StepOutcome{Outcome: OutcomeNotRunning}, nil
	}

	return e.dispatchLocked(ctx, &run)
}

// dispatchLocked is RunNext's body with the per-protocol lease already
// held, factored out so inline-triggering (tryInlineTrigger) can re-enter
// dispatch without re-acquiring a lease the caller's frame still owns.
func (e *Engine) dispatchLocked(ctx context.Context, run *ProtocolRun) (StepOutcome, error) {
	spec, err := e.plans.Load(ctx, run.ID, run.SpecHash)
	if err != nil {
		return StepOutcome{}, fmt.Errorf("protocol: load spec: %w", err)
	}
	steps, err := e.store.ListStepRuns(ctx, run.ID)
	if err != nil {
		return StepOutcome{}, fmt.Errorf("protocol: list step runs: %w", err)
	}

	specByIndex := make(map[int]planstore.StepSpec, len(spec.Steps))
	for _, s := range spec.Steps {
		specByIndex[s.StepIndex] = s
	}

	inputs, err := e.buildSelectorInputs(ctx, *run, steps, specByIndex)
	if err != nil {
		return StepOutcome{}, err
	}

	result := selector.Select(inputs, true, run.TokenBudgetExceeded())

	switch result.Outcome {
	case selector.OutcomeDone:
		if err := e.transition(ctx, run, StatusCompleted, "all steps completed"); err != nil {
			return StepOutcome{}, err
		}
		return StepOutcome{Outcome: OutcomeDone}, nil

	case selector.OutcomeWaiting:
		return StepOutcome{Outcome: OutcomeIdle}, nil

	case selector.OutcomeBlocked:
		// A step held back only by the token budget is marked blocked, as
		// blockStepOnBudget does, so retry_step can requeue it.
		for _, b := range result.Blocked {
			if b.Reason != "token_budget" {
				continue
			}
			if err := e.store.CASStepStatus(ctx, run.ID, b.StepIndex, StepPending, StepBlocked); err != nil {
				return StepOutcome{}, fmt.Errorf("protocol: block step %d on budget: %w", b.StepIndex, err)
			}
		}
		reason := blockReasonSummary(result.Blocked)
		run.LastBlockReason = reason
		if err := e.transition(ctx, run, StatusBlocked, reason); err != nil {
			return StepOutcome{}, err
		}
		return StepOutcome{Outcome: OutcomeBlocked, Reason: reason}, nil

	case selector.OutcomeIncomplete:
		// No step is pending, but at least one step never reached a
		// terminal success state (spec testable invariant #8): a
		// permanently failed step fails the protocol; a merely blocked or
		// cancelled one with nothing left pending can only be recovered by
		// an operator (retry_step/answer_clarification), so it blocks.
		reason := blockReasonSummary(result.Blocked)
		hasFailedStep := false
		for _, b := range result.Blocked {
			if b.Reason == string(StepFailed) {
				hasFailedStep = true
				break
			}
		}
		if hasFailedStep {
			if err := e.transition(ctx, run, StatusFailed, reason); err != nil {
				return StepOutcome{}, err
			}
			return StepOutcome{Outcome: OutcomeFailed, Reason: reason}, nil
		}
		run.LastBlockReason = reason
		if err := e.transition(ctx, run, StatusBlocked, reason); err != nil {
			return StepOutcome{}, err
		}
		return StepOutcome{Outcome: OutcomeBlocked, Reason: reason}, nil
	}

	stepIndex := result.Batch[0]
	stepSpec := specByIndex[stepIndex]
	outcome, err := e.runStep(ctx, run, stepSpec)
	if err != nil {
		return StepOutcome{}, err
	}
	return e.tryInlineTrigger(ctx, run, stepSpec, outcome)
}

// RunUntilIdle repeatedly calls RunNext until the protocol reaches a
// terminal state or has no runnable step left (idle/blocked).
func (e *Engine) RunUntilIdle(ctx context.Context, protocolRunID string) ([]StepOutcome, error) {
	var outcomes []StepOutcome
	for {
		outcome, err := e.RunNext(ctx, protocolRunID)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
		if outcome.Outcome != OutcomeStepRan {
			return outcomes, nil
		}
	}
}

// runStep executes the spec §4.4 reserve->run->capture->qa->feedback
// sequence for one step. run is mutated in place and persisted as needed.
func (e *Engine) runStep(ctx context.Context, run *ProtocolRun, stepSpec planstore.StepSpec) (StepOutcome, error) {
	if err := e.store.CASStepStatus(ctx, run.ID, stepSpec.StepIndex, StepPending, StepReserved); err != nil {
		return StepOutcome{}, fmt.Errorf("protocol: reserve step %d: %w", stepSpec.StepIndex, err)
	}
	step, err := e.store.GetStepRun(ctx, run.ID, stepSpec.StepIndex)
	if err != nil {
		return StepOutcome{}, err
	}
	e.appendEvent(ctx, run.ID, journal.KindStepReserved, step.ID, stepSpec)

	if err := e.store.CASStepStatus(ctx, run.ID, stepSpec.StepIndex, StepReserved, StepRunning); err != nil {
		return StepOutcome{}, fmt.Errorf("protocol: start step %d: %w", stepSpec.StepIndex, err)
	}
	step.Status = StepRunning
	step.Attempts++
	e.appendEvent(ctx, run.ID, journal.KindStepStarted, step.ID, stepSpec)

	adapter, err := e.agents.Resolve(stepSpec.EngineID)
	if err != nil {
		return e.failStep(ctx, run, &step, stepSpec, engineerr.Validation("unknown_engine", err.Error(), err))
	}

	workDir := run.WorktreePath
	outputPath := filepath.Join(workDir, stepSpec.Outputs.Protocol)
	resolvedInputs := make(map[string]string, len(stepSpec.Inputs))
	for _, in := range stepSpec.Inputs {
		resolvedInputs[in] = filepath.Join(workDir, in)
	}

	runResult := e.exec.Run(ctx, executor.RunRequest{
		Adapter: adapter,
		ExecRequest: agent.ExecRequest{
			WorkingDirectory: workDir,
			PromptRef:        stepSpec.PromptRef,
			ResolvedInputs:   resolvedInputs,
			OutputTargets:    agent.OutputTargets{Primary: outputPath},
			Limits:           agent.Limits{WallTime: e.defaultWallTime},
		},
		SkipQA:           stepSpec.Policies.QAPolicy == planstore.QAPolicySkip,
		Budget:           policy.BudgetState{TokensUsed: run.TokensUsed, TokenBudget: run.TokenBudget},
		OutputArtifacts:  []executor.OutputSpec{{Name: "protocol", Path: outputPath}},
		CaptureGitStatus: true,
	})

	run.TokensUsed += runResult.AgentResult.TokensUsed
	e.appendEvent(ctx, run.ID, journal.KindStepOutputCaptured, step.ID, runResult.Artifacts)

	if runResult.Status == executor.StatusFailed {
		return e.failStep(ctx, run, &step, stepSpec, runResult.Err)
	}
	if runResult.Status == executor.StatusBudgetBlocked {
		return e.blockStepOnBudget(ctx, run, &step, stepSpec)
	}

	step.Status = StepNeedsQA
	if runResult.Status == executor.StatusCompleted {
		step.Status = StepCompleted
	}
	if err := e.store.SaveStepRun(ctx, step); err != nil {
		return StepOutcome{}, err
	}

	if step.Status == StepCompleted {
		e.appendEvent(ctx, run.ID, journal.KindStepCompleted, step.ID, nil)
		if err := e.store.SaveProtocolRun(ctx, *run); err != nil {
			return StepOutcome{}, err
		}
		return StepOutcome{Outcome: OutcomeStepRan, StepIndex: stepSpec.StepIndex, NewStatus: step.Status}, nil
	}

	return e.runQA(ctx, run, &step, stepSpec)
}

func (e *Engine) runQA(ctx context.Context, run *ProtocolRun, step *StepRun, stepSpec planstore.StepSpec) (StepOutcome, error) {
	e.appendEvent(ctx, run.ID, journal.KindQAStarted, step.ID, nil)

	var gates []qa.Gate
	blockOnWarn := false
	if e.gates != nil {
		gates, blockOnWarn = e.gates(stepSpec)
	}
	runner := qa.NewRunner(gates, e.logger, blockOnWarn)

	worktree := run.WorktreePath
	results := runner.RunDeterministic(ctx, worktree)

	if stepSpec.Policies.QAPolicy == planstore.QAPolicyFull && stepSpec.QA.PromptRef != "" {
		adapter, err := e.agents.Resolve(stepSpec.QA.EngineID)
		if err == nil {
			promptResult, perr := runner.RunPrompt(ctx, qa.PromptGateConfig{
				Adapter:    adapter,
				EngineID:   stepSpec.QA.EngineID,
				PromptRef:  stepSpec.QA.PromptRef,
				WorkingDir: worktree,
				Required:   true,
			}, agent.Limits{WallTime: e.defaultWallTime})
			if perr == nil {
				results = append(results, promptResult)
			}
		}
	}

	verdict, findings := qa.Aggregate(results, blockOnWarn)
	findingsJSON, _ := json.Marshal(findings)
	step.QAVerdict = string(verdict)
	step.QAFindings = findingsJSON

	e.appendEvent(ctx, run.ID, journal.KindQAVerdict, step.ID, map[string]any{"verdict": verdict, "findings": findings})

	decision := feedback.Route(feedback.Input{
		Verdict:         verdict,
		Findings:        findings,
		Attempts:        step.Attempts,
		RetryMax:        stepSpec.Policies.RetryMax,
		LoopCount:       step.LoopCount,
		MaxLoops:        stepSpec.Policies.MaxLoops,
		Enforcement:     e.policySnapshot(run).EnforcementMode,
		HasRecoveryPath: true,
	})

	e.appendEvent(ctx, run.ID, journal.KindFeedbackDecision, step.ID, map[string]any{"action": decision.Action, "reason": decision.Reason})

	return e.applyFeedbackDecision(ctx, run, step, stepSpec, decision)
}

func (e *Engine) applyFeedbackDecision(ctx context.Context, run *ProtocolRun, step *StepRun, stepSpec planstore.StepSpec, decision feedback.Decision) (StepOutcome, error) {
	switch decision.Action {
	case feedback.ActionComplete, feedback.ActionCompleteWarn:
		step.Status = StepCompleted
		e.appendEvent(ctx, run.ID, journal.KindStepCompleted, step.ID, decision)

	case feedback.ActionRetry:
		step.Status = StepPending
		step.Retries++
		step.LoopCount++
		e.appendEvent(ctx, run.ID, journal.KindStepRetried, step.ID, decision)

	case feedback.ActionClarify:
		if e.clarify != nil {
			if _, err := e.clarify.Raise(ctx, clarify.ScopeStep, step.ID, decision.ClarificationKey, true, decision.Reason, ""); err != nil {
				return StepOutcome{}, fmt.Errorf("protocol: raise clarification: %w", err)
			}
		}
		step.Status = StepBlocked
		e.appendEvent(ctx, run.ID, journal.KindClarificationRaised, step.ID, decision)

	case feedback.ActionReplan:
		step.Status = StepFailed
		step.LastError = decision.Reason
		if err := e.transition(ctx, run, StatusPlanning, decision.Reason); err != nil {
			return StepOutcome{}, err
		}

	default: // ActionFail, ActionFailProtocol
		step.Status = StepFailed
		step.LastError = decision.Reason
		e.appendEvent(ctx, run.ID, journal.KindStepFailed, step.ID, decision)
		if decision.Action == feedback.ActionFailProtocol {
			if err := e.transition(ctx, run, StatusFailed, decision.Reason); err != nil {
				return StepOutcome{}, err
			}
		}
	}

	if err := e.store.SaveStepRun(ctx, *step); err != nil {
		return StepOutcome{}, err
	}
	if err := e.store.SaveProtocolRun(ctx, *run); err != nil {
		return StepOutcome{}, err
	}

	return StepOutcome{Outcome: OutcomeStepRan, StepIndex: stepSpec.StepIndex, NewStatus: step.Status, Reason: decision.Reason}, nil
}

func (e *Engine) failStep(ctx context.Context, run *ProtocolRun, step *StepRun, stepSpec planstore.StepSpec, cause error) (StepOutcome, error) {
	kind, _ := engineerr.KindOf(cause)
	decision := feedback.Route(feedback.Input{
		Verdict:         qa.VerdictFail,
		ErrorKind:       kind,
		Attempts:        step.Retries, // retries already used, not counting the first attempt
		RetryMax:        stepSpec.Policies.RetryMax,
		LoopCount:       step.LoopCount,
		MaxLoops:        stepSpec.Policies.MaxLoops,
		Enforcement:     e.policySnapshot(run).EnforcementMode,
		HasRecoveryPath: true,
	})
	if cause != nil {
		step.LastError = cause.Error()
	}
	e.appendEvent(ctx, run.ID, journal.KindFeedbackDecision, step.ID, map[string]any{"action": decision.Action, "reason": decision.Reason})
	return e.applyFeedbackDecision(ctx, run, step, stepSpec, decision)
}

// blockStepOnBudget handles the token budget being exhausted before a step
// ran (spec §4.4 step 2). Unlike an execution failure this is operator
// recoverable — raise the project's token_budget or let a later step free
// headroom, then retry_step — so neither the step nor the protocol is
// marked failed; both move to blocked instead of running failStep's
// fail/retry routing.
func (e *Engine) blockStepOnBudget(ctx context.Context, run *ProtocolRun, step *StepRun, stepSpec planstore.StepSpec) (StepOutcome, error) {
	const reason = "budget_exhausted"

	step.Status = StepBlocked
	step.LastError = "token budget exceeded before execution"
	e.appendEvent(ctx, run.ID, journal.KindStepBlocked, step.ID, map[string]string{"reason": reason})
	if err := e.store.SaveStepRun(ctx, *step); err != nil {
		return StepOutcome{}, err
	}

	run.LastBlockReason = reason
	if err := e.transition(ctx, run, StatusBlocked, reason); err != nil {
		return StepOutcome{}, err
	}
	return StepOutcome{Outcome: OutcomeBlocked, StepIndex: stepSpec.StepIndex, NewStatus: step.Status, Reason: reason}, nil
}

// Pause moves a running protocol to paused.
func (e *Engine) Pause(ctx context.Context, protocolRunID string) error {
	release := e.leases.Acquire(protocolRunID)
	defer release()
	run, err := e.store.GetProtocolRun(ctx, protocolRunID)
	if err != nil {
		return err
	}
	return e.transition(ctx, &run, StatusPaused, "paused by operator")
}

// Resume moves a paused or blocked protocol back to running.
func (e *Engine) Resume(ctx context.Context, protocolRunID string) error {
	release := e.leases.Acquire(protocolRunID)
	defer release()
	run, err := e.store.GetProtocolRun(ctx, protocolRunID)
	if err != nil {
		return err
	}
	return e.transition(ctx, &run, StatusRunning, "resumed by operator")
}

// Cancel moves any non-terminal protocol to cancelled.
func (e *Engine) Cancel(ctx context.Context, protocolRunID string) error {
	release := e.leases.Acquire(protocolRunID)
	defer release()
	run, err := e.store.GetProtocolRun(ctx, protocolRunID)
	if err != nil {
		return err
	}
	return e.transition(ctx, &run, StatusCancelled, "cancelled by operator")
}

// AnswerClarification records an answer and, if it was blocking the
// protocol, moves the protocol back to running so RunNext can re-evaluate.
func (e *Engine) AnswerClarification(ctx context.Context, scope clarify.Scope, scopeID, key, answer string) (clarify.Clarification, error) {
	c, err := e.clarify.Answer(ctx, scope, scopeID, key, answer)
	if err != nil {
		return clarify.Clarification{}, err
	}

	if scope == clarify.ScopeProtocol || scope == clarify.ScopeStep {
		protocolRunID := scopeID
		if scope == clarify.ScopeStep {
			// step-scoped clarifications use the step run id as scope_id;
			// callers needing the owning protocol must resolve it
			// themselves before calling Resume, since this package has no
			// step-run-id -> protocol-run-id index outside the steps table.
			return c, nil
		}
		release := e.leases.Acquire(protocolRunID)
		defer release()
		run, err := e.store.GetProtocolRun(ctx, protocolRunID)
		if err != nil {
			return c, nil
		}
		if run.Status == StatusBlocked {
			_ = e.transition(ctx, &run, StatusRunning, "blocking clarification answered")
		}
	}
	return c, nil
}

// RetryStep forces a failed or blocked step back to pending, incrementing its retry
// counter, for operator-initiated recovery (command dispatcher "retry_step").
func (e *Engine) RetryStep(ctx context.Context, protocolRunID string, stepIndex int) error {
	release := e.leases.Acquire(protocolRunID)
	defer release()

	step, err := e.store.GetStepRun(ctx, protocolRunID, stepIndex)
	if err != nil {
		return err
	}
	if step.Status != StepFailed && step.Status != StepBlocked {
		return engineerr.Validation("step_not_retryable", fmt.Sprintf("step %d is %s, not failed or blocked", stepIndex, step.Status), nil)
	}
	step.Status = StepPending
	step.Retries++
	return e.store.SaveStepRun(ctx, step)
}

func (e *Engine) transition(ctx context.Context, run *ProtocolRun, to Status, reason string) error {
	from := run.Status
	if !CanTransition(from, to) {
		return engineerr.Validation("illegal_transition", fmt.Sprintf("cannot move protocol from %s to %s", from, to), nil)
	}
	if err := e.store.CASProtocolStatus(ctx, run.ID, from, to); err != nil {
		return fmt.Errorf("protocol: transition %s->%s: %w", from, to, err)
	}
	run.Status = to
	run.LastBlockReason = ""
	if to == StatusBlocked {
		run.LastBlockReason = reason
	}
	e.appendEvent(ctx, run.ID, kindForTransition(to), "", map[string]string{"reason": reason})
	return nil
}

func kindForTransition(to Status) journal.Kind {
	switch to {
	case StatusPlanning:
		return journal.KindProtocolCreated
	case StatusPlanned:
		return journal.KindPlanRecorded
	case StatusRunning:
		return journal.KindProtocolStarted
	case StatusPaused:
		return journal.KindProtocolPaused
	case StatusBlocked:
		return journal.KindProtocolBlocked
	case StatusCompleted:
		return journal.KindProtocolCompleted
	case StatusFailed:
		return journal.KindProtocolFailed
	case StatusCancelled:
		return journal.KindProtocolCancelled
	default:
		return journal.KindProtocolStarted
	}
}

func (e *Engine) appendEvent(ctx context.Context, protocolRunID string, kind journal.Kind, stepRunID string, payload any) {
	if e.journal == nil {
		return
	}
	last, err := e.journal.LastSeq(ctx, protocolRunID)
	if err != nil {
		e.logger.Warn("protocol: read last seq failed", "error", err)
		return
	}
	if _, err := e.journal.Append(ctx, protocolRunID, last+1, kind, stepRunID, payload); err != nil {
		e.logger.Warn("protocol: append event failed", "error", err, "kind", kind)
	}
}

func (e *Engine) buildSelectorInputs(ctx context.Context, run ProtocolRun, steps []StepRun, specByIndex map[int]planstore.StepSpec) ([]selector.StepInput, error) {
	inputs := make([]selector.StepInput, 0, len(steps))
	for _, step := range steps {
		spec, ok := specByIndex[step.StepIndex]
		if !ok {
			continue
		}

		blocked := false
		if e.clarify != nil {
			open, err := e.clarify.OpenBlocking(ctx, run.ProjectID, run.ID, step.ID)
			if err != nil {
				return nil, fmt.Errorf("protocol: check clarifications for step %d: %w", step.StepIndex, err)
			}
			blocked = len(open) > 0
		}

		inputs = append(inputs, selector.StepInput{
			StepIndex:            step.StepIndex,
			Status:               step.Status,
			DependsOn:            spec.DependsOn,
			ParallelGroup:        spec.ParallelGroup,
			LoopCount:            step.LoopCount,
			MaxLoops:             spec.Policies.MaxLoops,
			ClarificationBlocked: blocked,
		})
	}
	return inputs, nil
}

// tryInlineTrigger re-enters dispatch, under the lease the caller's frame
// already holds, when the step that just ran completed and declared
// inline_trigger (spec §4.4 "inline trigger depth"). It forwards the
// deeper outcome when one ran; otherwise it returns outcome unchanged,
// including when the depth budget is exhausted (inline_trigger_limit_hit
// is recorded and the step falls back to ordinary re-queued dispatch).
func (e *Engine) tryInlineTrigger(ctx context.Context, run *ProtocolRun, completedStep planstore.StepSpec, outcome StepOutcome) (StepOutcome, error) {
	if outcome.Outcome != OutcomeStepRan || outcome.NewStatus != StepCompleted || !completedStep.Policies.InlineTrigger {
		return outcome, nil
	}

	decision := policy.EvaluateInlineTrigger(run.InlineTriggerDepth, e.maxInlineTriggerDepth)
	if !decision.Allowed {
		e.appendEvent(ctx, run.ID, journal.KindInlineTriggerLimitHit, "", map[string]any{
			"step_index": completedStep.StepIndex,
			"depth":      run.InlineTriggerDepth,
		})
		return outcome, nil
	}

	run.InlineTriggerDepth = decision.NewDepth
	if err := e.store.SaveProtocolRun(ctx, *run); err != nil {
		return outcome, err
	}

	next, err := e.dispatchLocked(ctx, run)
	if err != nil {
		return outcome, err
	}
	if next.Outcome == OutcomeIdle {
		return outcome, nil
	}
	return next, nil
}

// resolvePolicySnapshot asks the configured PolicyProvider for projectID's
// current policy, falling back to a permissive default (warn enforcement,
// unbounded loops/retries/budget) when no provider was wired.
func (e *Engine) resolvePolicySnapshot(projectID string) policy.Snapshot {
	if e.policies != nil {
		return e.policies(projectID)
	}
	return policy.NewSnapshot(policy.EnforcementWarn, 0, 0, 0)
}

// policySnapshot unmarshals run's frozen PolicySnapshot, falling back to the
// same permissive default resolvePolicySnapshot uses when the run predates
// policy snapshotting (e.g. planned before this field existed) or its JSON
// is unreadable.
func (e *Engine) policySnapshot(run *ProtocolRun) policy.Snapshot {
	if len(run.PolicySnapshot) == 0 {
		return policy.NewSnapshot(policy.EnforcementWarn, 0, 0, 0)
	}
	var s policy.Snapshot
	if err := json.Unmarshal(run.PolicySnapshot, &s); err != nil {
		e.logger.Warn("protocol: unreadable policy snapshot, defaulting to warn", "error", err, "protocol_run_id", run.ID)
		return policy.NewSnapshot(policy.EnforcementWarn, 0, 0, 0)
	}
	return s
}

func blockReasonSummary(reasons []selector.BlockReason) string {
	if len(reasons) == 0 {
		return "blocked"
	}
	return fmt.Sprintf("%d step(s) blocked: %s (step %d)", len(reasons), reasons[0].Reason, reasons[0].StepIndex)
}
