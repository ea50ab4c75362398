// Package command implements the command dispatcher (spec §4.9): one
// entry point per accepted command, each serialized through the
// protocol engine's per-run lease and returning synchronously with the
// run's resulting state plus a human-readable reason.
//
// Grounded on internal/api/api.go's validate-then-execute-then-structured-
// result shape, narrowed from HTTP handlers returning JSON to a plain Go
// call surface since SPEC_FULL.md names no wire protocol for this layer.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/protoeng/orchestrator/internal/clarify"
	"github.com/protoeng/orchestrator/internal/engineerr"
	"github.com/protoeng/orchestrator/internal/planstore"
	"github.com/protoeng/orchestrator/internal/protocol"
)

// Name identifies one of the commands spec §4.9 accepts.
type Name string

const (
	Plan                Name = "plan"
	RunNext             Name = "run_next"
	RunUntilIdle        Name = "run_until_idle"
	Pause               Name = "pause"
	Resume              Name = "resume"
	Cancel              Name = "cancel"
	AnswerClarification Name = "answer_clarification"
	RetryStep           Name = "retry_step"
)

// Result is the uniform, synchronous response every command returns:
// the protocol's resulting state and a short human-readable reason, per
// spec §4.9 ("returns synchronously with new state + reason string").
type Result struct {
	Command       Name
	ProtocolRunID string
	Accepted      bool
	State         protocol.Status
	Reason        string
	// QueueDepth is the number of refused commands (this one included)
	// whose "busy" result was being built at the moment this command was
	// refused; refused commands are never parked. Only set when Reason is
	// "busy".
	QueueDepth int
	StepOutcomes []protocol.StepOutcome
}

// Dispatcher is the command surface spec §6 exposes to callers (CLI,
// embedders). It delegates all protocol-mutating work to a
// *protocol.Engine, whose lease manager already serializes operations
// per protocol run; Dispatcher adds the worker-pool backpressure spec §5
// asks for ("reservation refuses new work when the worker pool is
// saturated... returns busy with current queue depth rather than
// queueing unboundedly"), grounded on dispatch.RateLimiter's
// check-then-reserve pattern (CanDispatchAuthed/RecordAuthedDispatch)
// narrowed from a rate budget to a fixed concurrency slot count.
type Dispatcher struct {
	engine *protocol.Engine
	store  *protocol.Store
	logger *slog.Logger

	slots   chan struct{}
	waiting int64
}

// New constructs a Dispatcher bounded to maxConcurrent in-flight commands.
// maxConcurrent <= 0 disables backpressure (unbounded slots).
func New(engine *protocol.Engine, store *protocol.Store, maxConcurrent int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{engine: engine, store: store, logger: logger}
	if maxConcurrent > 0 {
		d.slots = make(chan struct{}, maxConcurrent)
	}
	return d
}

// busyQueueDepth reports how many refused callers are inside busy() right
// now, for the queue_depth field of a "busy" Result. acquire never parks a
// caller, so no caller is ever waiting for a slot.
func (d *Dispatcher) busyQueueDepth() int {
	return int(atomic.LoadInt64(&d.waiting))
}

// acquire reserves a worker slot without blocking. ok is false if the
// pool is saturated; the caller must return a "busy" Result rather than
// park the request, per spec §5's no-unbounded-queueing rule.
func (d *Dispatcher) acquire() (release func(), ok bool) {
	if d.slots == nil {
		return func() {}, true
	}
	select {
	case d.slots <- struct{}{}:
		return func() { <-d.slots }, true
	default:
		return nil, false
	}
}

func (d *Dispatcher) busy(cmd Name, protocolRunID string) Result {
	atomic.AddInt64(&d.waiting, 1)
	defer atomic.AddInt64(&d.waiting, -1)
	return Result{Command: cmd, ProtocolRunID: protocolRunID, Accepted: false, Reason: "busy", QueueDepth: d.busyQueueDepth()}
}

func (d *Dispatcher) currentState(ctx context.Context, protocolRunID string) protocol.Status {
	run, err := d.store.GetProtocolRun(ctx, protocolRunID)
	if err != nil {
		return ""
	}
	return run.Status
}

func (d *Dispatcher) result(ctx context.Context, cmd Name, protocolRunID string, err error, reason string) Result {
	if err != nil {
		d.logger.Warn("command: failed", "command", cmd, "protocol_run_id", protocolRunID, "error", err)
		if kind, ok := engineerr.KindOf(err); ok {
			reason = fmt.Sprintf("%s: %v", kind, err)
		} else {
			reason = err.Error()
		}
		return Result{Command: cmd, ProtocolRunID: protocolRunID, Accepted: false, State: d.currentState(ctx, protocolRunID), Reason: reason}
	}
	return Result{Command: cmd, ProtocolRunID: protocolRunID, Accepted: true, State: d.currentState(ctx, protocolRunID), Reason: reason}
}

// Plan dispatches the "plan" command (spec §4.9): accepted only for a
// protocol not currently running a step; commits spec as the run's
// active plan.
func (d *Dispatcher) Plan(ctx context.Context, protocolRunID string, spec planstore.ProtocolSpec) Result {
	release, ok := d.acquire()
	if !ok {
		return d.busy(Plan, protocolRunID)
	}
	defer release()

	_, err := d.engine.Plan(ctx, protocolRunID, spec)
	return d.result(ctx, Plan, protocolRunID, err, "plan committed")
}

// RunNext dispatches "run_next": reserves and executes at most one
// runnable step.
func (d *Dispatcher) RunNext(ctx context.Context, protocolRunID string) Result {
	release, ok := d.acquire()
	if !ok {
		return d.busy(RunNext, protocolRunID)
	}
	defer release()

	outcome, err := d.engine.RunNext(ctx, protocolRunID)
	res := d.result(ctx, RunNext, protocolRunID, err, string(outcome.Outcome))
	if err == nil {
		res.StepOutcomes = []protocol.StepOutcome{outcome}
		if outcome.Reason != "" {
			res.Reason = outcome.Reason
		}
	}
	return res
}

// RunUntilIdle dispatches "run_until_idle": repeats run_next until the
// protocol reaches a terminal state or has no runnable step left.
func (d *Dispatcher) RunUntilIdle(ctx context.Context, protocolRunID string) Result {
	release, ok := d.acquire()
	if !ok {
		return d.busy(RunUntilIdle, protocolRunID)
	}
	defer release()

	outcomes, err := d.engine.RunUntilIdle(ctx, protocolRunID)
	reason := fmt.Sprintf("ran %d step(s)", len(outcomes))
	res := d.result(ctx, RunUntilIdle, protocolRunID, err, reason)
	if err == nil {
		res.StepOutcomes = outcomes
	}
	return res
}

// Pause dispatches "pause": moves a running protocol to paused.
func (d *Dispatcher) Pause(ctx context.Context, protocolRunID string) Result {
	release, ok := d.acquire()
	if !ok {
		return d.busy(Pause, protocolRunID)
	}
	defer release()

	err := d.engine.Pause(ctx, protocolRunID)
	return d.result(ctx, Pause, protocolRunID, err, "paused")
}

// Resume dispatches "resume": moves a paused or blocked protocol back
// to running.
func (d *Dispatcher) Resume(ctx context.Context, protocolRunID string) Result {
	release, ok := d.acquire()
	if !ok {
		return d.busy(Resume, protocolRunID)
	}
	defer release()

	err := d.engine.Resume(ctx, protocolRunID)
	return d.result(ctx, Resume, protocolRunID, err, "resumed")
}

// Cancel dispatches "cancel": moves any non-terminal protocol to
// cancelled. The grace period for an in-flight step to unwind belongs
// to the executor/adapter layer; Cancel itself only records the
// decision so run_next observes it on its next evaluation.
func (d *Dispatcher) Cancel(ctx context.Context, protocolRunID string) Result {
	release, ok := d.acquire()
	if !ok {
		return d.busy(Cancel, protocolRunID)
	}
	defer release()

	err := d.engine.Cancel(ctx, protocolRunID)
	return d.result(ctx, Cancel, protocolRunID, err, "cancelled")
}

// AnswerClarification dispatches "answer_clarification": records an
// answer and, for protocol-scoped clarifications, resumes the blocked
// protocol.
func (d *Dispatcher) AnswerClarification(ctx context.Context, protocolRunID string, scope clarify.Scope, scopeID, key, answer string) Result {
	release, ok := d.acquire()
	if !ok {
		return d.busy(AnswerClarification, protocolRunID)
	}
	defer release()

	_, err := d.engine.AnswerClarification(ctx, scope, scopeID, key, answer)
	return d.result(ctx, AnswerClarification, protocolRunID, err, "clarification answered")
}

// RetryStep dispatches "retry_step": forces a failed or blocked step back
// to pending for operator-initiated recovery.
func (d *Dispatcher) RetryStep(ctx context.Context, protocolRunID string, stepIndex int) Result {
	release, ok := d.acquire()
	if !ok {
		return d.busy(RetryStep, protocolRunID)
	}
	defer release()

	err := d.engine.RetryStep(ctx, protocolRunID, stepIndex)
	return d.result(ctx, RetryStep, protocolRunID, err, fmt.Sprintf("step %d requeued", stepIndex))
}
