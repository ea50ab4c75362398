package queue

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// TemporalTaskQueue is the task queue name the orchestrator's durable
// workflow registers under, analogous to the teacher's "chum-task-queue".
const TemporalTaskQueue = "orchestrator-protocol-queue"

// driveProtocolActivities bundles the activity functions the durable
// workflow invokes. Process is injected rather than hardcoded so the
// activity can call straight into a command.Dispatcher without this
// package importing internal/command (which would create an import cycle
// once internal/command grows a Temporal-aware caller).
type driveProtocolActivities struct {
	Process Processor
}

// DriveProtocolRunActivity drives one protocol run to idle/blocked/terminal,
// grounded on temporal/activities.go's ExecuteActivity shape (an activity
// method that wraps one collaborator call and returns its error verbatim
// for Temporal's own retry policy to interpret).
func (a *driveProtocolActivities) DriveProtocolRunActivity(ctx context.Context, protocolRunID string) error {
	return a.Process(ctx, protocolRunID)
}

// DriveProtocolRunWorkflow is the durable counterpart to InProcess: instead
// of a ticker polling the store, the protocol run id is handed to Temporal
// once (via TemporalQueue.Enqueue) and its activity is retried by Temporal's
// own backoff policy across worker restarts, grounded on
// temporal/workflow.go's CortexAgentWorkflow (one workflow execution per
// unit of work, one activity per phase — narrowed here to a single
// activity since internal/executor already owns the step-sequencing logic
// that the teacher's workflow spread across multiple activities).
func DriveProtocolRunWorkflow(ctx workflow.Context, protocolRunID string) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var acts *driveProtocolActivities
	return workflow.ExecuteActivity(ctx, acts.DriveProtocolRunActivity, protocolRunID).Get(ctx, nil)
}

// TemporalQueue wraps a Temporal client/worker pair dedicated to
// DriveProtocolRunWorkflow, grounded on temporal/worker.go's StartWorker
// (dial client, register workflow+activities, Run until interrupted).
type TemporalQueue struct {
	client client.Client
	worker worker.Worker
}

// NewTemporalQueue dials Temporal at hostPort and registers the protocol
// workflow/activity, ready for Start to begin serving work.
func NewTemporalQueue(hostPort string, process Processor) (*TemporalQueue, error) {
	c, err := client.Dial(client.Options{HostPort: hostPort})
	if err != nil {
		return nil, fmt.Errorf("queue: dial temporal: %w", err)
	}

	w := worker.New(c, TemporalTaskQueue, worker.Options{})
	acts := &driveProtocolActivities{Process: process}
	w.RegisterWorkflow(DriveProtocolRunWorkflow)
	w.RegisterActivity(acts.DriveProtocolRunActivity)

	return &TemporalQueue{client: c, worker: w}, nil
}

// Enqueue starts (or no-ops onto an already-running) DriveProtocolRunWorkflow
// for protocolRunID, using a workflow id derived from the protocol run id
// ("protocol-run-<id>") so a duplicate Enqueue for a run already in flight is deduplicated by
// Temporal rather than starting a second execution.
func (q *TemporalQueue) Enqueue(ctx context.Context, protocolRunID string) error {
	_, err := q.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    "protocol-run-" + protocolRunID,
		TaskQueue:             TemporalTaskQueue,
		WorkflowIDReusePolicy: 0,
	}, DriveProtocolRunWorkflow, protocolRunID)
	if err != nil {
		return fmt.Errorf("queue: start protocol run workflow: %w", err)
	}
	return nil
}

// Start blocks serving the worker until interrupted, mirroring
// temporal/worker.go's w.Run(worker.InterruptCh()).
func (q *TemporalQueue) Start() error {
	return q.worker.Run(worker.InterruptCh())
}

// Close releases the underlying Temporal client connection.
func (q *TemporalQueue) Close() {
	q.client.Close()
}
