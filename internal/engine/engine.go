// Package engine is the process-level composition root: it turns a loaded
// config.Config into a ready-to-serve command.Dispatcher plus whichever
// queue backend the config selects, wiring every collaborator package
// constructs (the protocol state machine, plan store, journal,
// clarification registry, agent adapters, worktree coordinator, QA gates).
// Grounded on cmd/cortex/main.go's component construction sequence (open
// store -> build rate limiter/dispatcher -> build scheduler -> build health
// monitor -> start goroutines), narrowed from cortex's many independent
// subsystems down to the single protocol engine this repo builds around.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os/exec"

	_ "modernc.org/sqlite"

	"github.com/protoeng/orchestrator/internal/agent"
	"github.com/protoeng/orchestrator/internal/clarify"
	"github.com/protoeng/orchestrator/internal/command"
	"github.com/protoeng/orchestrator/internal/config"
	"github.com/protoeng/orchestrator/internal/executor"
	"github.com/protoeng/orchestrator/internal/journal"
	"github.com/protoeng/orchestrator/internal/planstore"
	"github.com/protoeng/orchestrator/internal/policy"
	"github.com/protoeng/orchestrator/internal/protocol"
	"github.com/protoeng/orchestrator/internal/qa"
	"github.com/protoeng/orchestrator/internal/queue"
	"github.com/protoeng/orchestrator/internal/worktree"
)

// Engine bundles every collaborator cmd/orchestrator needs, plus the one
// *sql.DB they all share, so main can Close it on shutdown.
type Engine struct {
	DB         *sql.DB
	Store      *protocol.Store
	Plans      *planstore.Store
	Journal    *journal.Journal
	Clarify    *clarify.Registry
	Agents     *agent.Registry
	Worktrees  *worktree.Coordinator
	Protocol   *protocol.Engine
	Dispatcher *command.Dispatcher

	queue queueBackend
}

type queueBackend interface {
	Run(ctx context.Context)
}

// Open wires a complete Engine from cfg: opens the shared state database,
// constructs every persistence/collaborator package, builds the agent
// registry from cfg.Agents, the gate provider from cfg.Gates, and, when
// cfg.Queue.Backend is inprocess, the poller Run drives. The redis and
// temporal backends need a live client, so Open builds no poller for them
// and the caller constructs and starts them.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dbPath := cfg.General.StateDB
	if dbPath == "" {
		dbPath = "orchestrator.db"
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open state db %s: %w", dbPath, err)
	}

	store, err := protocol.Open(ctx, db, nil, nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: open protocol store: %w", err)
	}
	plans, err := planstore.Open(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: open plan store: %w", err)
	}
	j, err := journal.Open(ctx, db, nil, nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: open journal: %w", err)
	}
	cl, err := clarify.Open(ctx, db, nil, nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: open clarify registry: %w", err)
	}

	agents, err := buildAgentRegistry(cfg, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: build agent registry: %w", err)
	}

	protoEngine := protocol.NewEngine(protocol.Deps{
		Store:           store,
		Plans:           plans,
		Journal:         j,
		Clarify:         cl,
		Agents:          agents,
		Exec:            executor.New(),
		Gates:           buildGateProvider(cfg),
		Policies:        buildPolicyProvider(cfg),
		Logger:          logger.With("component", "protocol"),
		DefaultWallTime: cfg.General.AgentWallTimeDefault.Duration,
		MaxInlineTriggerDepth: cfg.General.MaxInlineTriggerDepth,
	})

	maxWorkers := cfg.General.MaxWorkers
	dispatcher := command.New(protoEngine, store, maxWorkers, logger.With("component", "command"))

	e := &Engine{
		DB:         db,
		Store:      store,
		Plans:      plans,
		Journal:    j,
		Clarify:    cl,
		Agents:     agents,
		Worktrees:  worktree.New(),
		Protocol:   protoEngine,
		Dispatcher: dispatcher,
	}

	backend, err := buildQueueBackend(cfg, store, dispatcher, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: build queue backend: %w", err)
	}
	e.queue = backend

	return e, nil
}

// Run starts the inprocess queue poller and blocks until ctx is cancelled.
// When no poller was built (redis or temporal backend), it only waits for
// ctx.
func (e *Engine) Run(ctx context.Context) {
	if e.queue == nil {
		<-ctx.Done()
		return
	}
	e.queue.Run(ctx)
}

// Close releases the shared state database.
func (e *Engine) Close() error {
	return e.DB.Close()
}

func buildAgentRegistry(cfg *config.Config, logger *slog.Logger) (*agent.Registry, error) {
	registry := agent.NewRegistry()
	for engineID, backend := range cfg.Agents {
		adapter, err := buildAdapter(backend, logger.With("engine_id", engineID))
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", engineID, err)
		}
		registry.Register(engineID, adapter)
	}
	return registry, nil
}

func buildAdapter(backend config.AgentBackend, logger *slog.Logger) (agent.Adapter, error) {
	switch backend.Kind {
	case "", "fake":
		return agent.NewFake(), nil
	case "shell":
		return agent.NewShellAdapter(backend.Command, nil, backend.Env, logger, nil), nil
	case "docker":
		return agent.NewDockerAdapter(backend.Image, backend.Env, logger, nil)
	default:
		return nil, fmt.Errorf("unknown agent backend kind %q", backend.Kind)
	}
}

// buildGateProvider resolves a step's required_gates against cfg.Gates,
// turning each into an os/exec-backed qa.Gate that reports VerdictSkip if
// its tool binary is unavailable (qa.Runner already treats exec errors as
// skip, not fail, matching the teacher's "Semgrep scan failed (non-fatal)"
// tolerance for missing tooling).
func buildGateProvider(cfg *config.Config) protocol.GateProvider {
	return func(step planstore.StepSpec) ([]qa.Gate, bool) {
		gates := make([]qa.Gate, 0, len(step.QA.RequiredGates))
		for _, name := range step.QA.RequiredGates {
			def, ok := cfg.Gates[name]
			if !ok {
				continue
			}
			gates = append(gates, execGate(name, def))
		}
		blockOnWarn := cfg.General.DefaultEnforcementMode == "block"
		return gates, blockOnWarn
	}
}

// buildPolicyProvider resolves a project's policy_enforcement mode (falling
// back to cfg.General.DefaultEnforcementMode when a project omits it, same
// as config.Load's own normalization) and cfg.Policy's defaults into a
// policy.Snapshot that Plan freezes onto the new ProtocolRun.
func buildPolicyProvider(cfg *config.Config) protocol.PolicyProvider {
	return func(projectID string) policy.Snapshot {
		mode := cfg.General.DefaultEnforcementMode
		if proj, ok := cfg.Projects[projectID]; ok && proj.PolicyEnforcement != "" {
			mode = proj.PolicyEnforcement
		}
		return policy.NewSnapshot(
			policy.EnforcementMode(mode),
			cfg.Policy.MaxLoops,
			cfg.Policy.RetryMax,
			cfg.Policy.TokenBudget,
		)
	}
}

func execGate(name string, def config.GateDefinition) qa.Gate {
	return qa.Gate{
		Name:     name,
		Required: def.Required,
		Run: func(ctx context.Context, worktreePath string) (qa.GateResult, error) {
			return runShellGate(ctx, name, def, worktreePath)
		},
	}
}

// runShellGate runs def.Command as a deterministic gate: exit 0 is a pass,
// any other exit is a fail. A launch error (binary not found) propagates
// to RunDeterministic, which downgrades it to VerdictSkip, matching the
// teacher's "missing tool is a skip, not a failure" tolerance.
func runShellGate(ctx context.Context, name string, def config.GateDefinition, worktreePath string) (qa.GateResult, error) {
	cmd := exec.CommandContext(ctx, def.Command, def.Args...)
	cmd.Dir = worktreePath
	output, err := cmd.CombinedOutput()
	if err != nil {
		if _, isExitErr := err.(*exec.ExitError); isExitErr {
			return qa.GateResult{
				Verdict:  qa.VerdictFail,
				Findings: []qa.Finding{{Message: string(output), Location: name}},
			}, nil
		}
		return qa.GateResult{}, err
	}
	return qa.GateResult{Verdict: qa.VerdictPass}, nil
}

func buildQueueBackend(cfg *config.Config, store *protocol.Store, dispatcher *command.Dispatcher, logger *slog.Logger) (queueBackend, error) {
	process := func(ctx context.Context, protocolRunID string) error {
		res := dispatcher.RunUntilIdle(ctx, protocolRunID)
		if !res.Accepted {
			return fmt.Errorf("run_until_idle %s: %s", protocolRunID, res.Reason)
		}
		return nil
	}

	switch cfg.Queue.Backend {
	case "", "inprocess":
		return queue.NewInProcess(store, process, cfg.General.MaxWorkers, 0, logger.With("component", "queue")), nil
	case "redis", "temporal":
		// These need a live client/connection, which the caller builds and
		// starts (cmd/orchestrator does); no poller is wired here.
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}
