// Package queue provides pluggable backends for driving many ProtocolRuns
// forward concurrently (spec §5, "parallel workers over many protocols").
// Every backend reduces to the same job: pick up a protocol run id that has
// runnable work and call Processor on it; InProcess, Temporal, and Redis
// differ only in how that id gets handed to a worker.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/protoeng/orchestrator/internal/protocol"
)

// Processor drives one protocol run forward until it is idle, blocked, or
// terminal. Callers wire this to command.Dispatcher.RunUntilIdle.
type Processor func(ctx context.Context, protocolRunID string) error

// activeStatuses lists the protocol states a poller considers "has work":
// only running. Pending, planning, planned, paused and blocked runs are
// not picked up.
var activeStatuses = []protocol.Status{
	protocol.StatusRunning,
}

// InProcess polls the protocol store for running protocols on a fixed tick
// and dispatches up to maxConcurrent of them at once, grounded on
// scheduler.go's Run/tick loop: list open work, check it against a
// concurrency cap, dispatch what fits, repeat next tick. Unlike the
// teacher's Temporal-backed tick (which starts new workflow executions),
// InProcess calls straight into Processor since protocol.Engine already
// runs in-process.
type InProcess struct {
	store     *protocol.Store
	process   Processor
	logger    *slog.Logger
	interval  time.Duration
	slots     chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewInProcess returns a poller bounded to maxConcurrent simultaneous
// protocol runs, ticking every interval (defaults to 5s if <= 0).
func NewInProcess(store *protocol.Store, process Processor, maxConcurrent int, interval time.Duration, logger *slog.Logger) *InProcess {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &InProcess{
		store:    store,
		process:  process,
		logger:   logger,
		interval: interval,
		slots:    make(chan struct{}, maxConcurrent),
		inflight: make(map[string]struct{}),
	}
}

// Run blocks, ticking until ctx is cancelled.
func (p *InProcess) Run(ctx context.Context) {
	p.logger.Info("queue: in-process poller started", "interval", p.interval, "max_concurrent", cap(p.slots))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("queue: in-process poller stopping")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *InProcess) tick(ctx context.Context) {
	runs, err := p.store.ListByStatus(ctx, activeStatuses...)
	if err != nil {
		p.logger.Error("queue: list active protocol runs failed", "error", err)
		return
	}

	for _, run := range runs {
		if p.markInflight(run.ID) {
			continue
		}
		select {
		case p.slots <- struct{}{}:
		default:
			p.clearInflight(run.ID)
			p.logger.Debug("queue: at concurrency limit, deferring", "protocol_run_id", run.ID)
			continue
		}
		go p.dispatch(ctx, run.ID)
	}
}

func (p *InProcess) dispatch(ctx context.Context, protocolRunID string) {
	defer func() { <-p.slots }()
	defer p.clearInflight(protocolRunID)

	if err := p.process(ctx, protocolRunID); err != nil {
		p.logger.Error("queue: processing protocol run failed", "protocol_run_id", protocolRunID, "error", err)
	}
}

// markInflight records protocolRunID as being worked by a goroutine,
// returning true if it already was (so tick skips it rather than
// double-dispatching the same run).
func (p *InProcess) markInflight(protocolRunID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, already := p.inflight[protocolRunID]; already {
		return true
	}
	p.inflight[protocolRunID] = struct{}{}
	return false
}

func (p *InProcess) clearInflight(protocolRunID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, protocolRunID)
}
