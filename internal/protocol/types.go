// Package protocol is the protocol run engine (C11): it owns ProtocolRun
// and StepRun mutable state, the protocol state machine, and the
// composition root that wires the plan store, selector, executor, QA
// runner, feedback router, and clarification registry together into a
// single running protocol. Grounded on graph/dag.go's schema/rowScanner
// idiom for persistence and temporal/workflow.go's phase sequence
// (plan -> execute -> review -> verify -> record/escalate) for the
// Engine's command methods, generalized from one fixed workflow shape to
// an arbitrary ProtocolSpec's step graph.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/protoeng/orchestrator/internal/selector"
)

// Status is a ProtocolRun's lifecycle state (spec §3, §4.1).
type Status string

const (
	StatusPending   Status = "pending"
	StatusPlanning  Status = "planning"
	StatusPlanned   Status = "planned"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StepStatus reuses selector.Status: the selector's five-rule evaluation
// is defined directly over the status values a StepRun actually carries,
// so there is exactly one status enum for a step across both packages.
type StepStatus = selector.Status

const (
	StepPending   = selector.StatusPending
	StepReserved  = selector.StatusReserved
	StepRunning   = selector.StatusRunning
	StepNeedsQA   = selector.StatusNeedsQA
	StepCompleted = selector.StatusCompleted
	StepFailed    = selector.StatusFailed
	StepCancelled = selector.StatusCancelled
	StepBlocked   = selector.StatusBlocked
)

// ProtocolRun is the mutable record of one protocol's execution (spec §3).
type ProtocolRun struct {
	ID                  string
	ProjectID           string
	Name                string
	Status              Status
	BranchName          string
	WorktreePath        string
	SpecHash            string
	PolicySnapshot      json.RawMessage
	TokensUsed          int
	TokenBudget         int
	InlineTriggerDepth  int
	LoopCounts          map[int]int // step_index -> loop_count
	LastBlockReason     string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// StepRun is the mutable record of one step's execution within a
// ProtocolRun (spec §3).
type StepRun struct {
	ID              string
	ProtocolRunID   string
	StepIndex       int
	Status          StepStatus
	Attempts        int
	Retries         int
	LoopCount       int
	Artifacts       json.RawMessage
	QAVerdict       string
	QAFindings      json.RawMessage
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TokenBudgetExceeded reports whether the protocol's cumulative usage has
// reached its budget (0 = unbounded).
func (p ProtocolRun) TokenBudgetExceeded() bool {
	return p.TokenBudget > 0 && p.TokensUsed >= p.TokenBudget
}
