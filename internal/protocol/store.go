package protocol

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/protoeng/orchestrator/internal/clock"
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode = WAL;`
	pragmaForeignKeysOn  = `PRAGMA foreign_keys = ON;`

	protocolRunsSchema = `CREATE TABLE IF NOT EXISTS protocol_runs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		branch_name TEXT NOT NULL DEFAULT '',
		worktree_path TEXT NOT NULL DEFAULT '',
		spec_hash TEXT NOT NULL DEFAULT '',
		policy_snapshot TEXT NOT NULL DEFAULT '{}',
		tokens_used INTEGER NOT NULL DEFAULT 0,
		token_budget INTEGER NOT NULL DEFAULT 0,
		inline_trigger_depth INTEGER NOT NULL DEFAULT 0,
		loop_counts TEXT NOT NULL DEFAULT '{}',
		last_block_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`

	stepRunsSchema = `CREATE TABLE IF NOT EXISTS step_runs (
		id TEXT PRIMARY KEY,
		protocol_run_id TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		retries INTEGER NOT NULL DEFAULT 0,
		loop_count INTEGER NOT NULL DEFAULT 0,
		artifacts TEXT NOT NULL DEFAULT '[]',
		qa_verdict TEXT NOT NULL DEFAULT '',
		qa_findings TEXT NOT NULL DEFAULT '[]',
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (protocol_run_id, step_index),
		FOREIGN KEY (protocol_run_id) REFERENCES protocol_runs(id) ON DELETE CASCADE
	);`

	indexStepRunsByProtocol = `CREATE INDEX IF NOT EXISTS idx_step_runs_protocol ON step_runs(protocol_run_id, step_index);`

	protocolColumns = `id, project_id, name, status, branch_name, worktree_path, spec_hash, policy_snapshot,
		tokens_used, token_budget, inline_trigger_depth, loop_counts, last_block_reason, created_at, updated_at`

	insertProtocolSQL = `INSERT INTO protocol_runs (` + protocolColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	getProtocolSQL = `SELECT ` + protocolColumns + ` FROM protocol_runs WHERE id = ?;`

	updateProtocolSQL = `UPDATE protocol_runs SET
		status = ?, branch_name = ?, worktree_path = ?, spec_hash = ?, policy_snapshot = ?,
		tokens_used = ?, token_budget = ?, inline_trigger_depth = ?, loop_counts = ?,
		last_block_reason = ?, updated_at = ?
		WHERE id = ?;`

	casUpdateProtocolStatusSQL = `UPDATE protocol_runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?;`

	stepColumns = `id, protocol_run_id, step_index, status, attempts, retries, loop_count,
		artifacts, qa_verdict, qa_findings, last_error, created_at, updated_at`

	upsertStepSQL = `INSERT INTO step_runs (` + stepColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(protocol_run_id, step_index) DO NOTHING;`

	listStepsSQL = `SELECT ` + stepColumns + ` FROM step_runs WHERE protocol_run_id = ? ORDER BY step_index ASC;`

	getStepSQL = `SELECT ` + stepColumns + ` FROM step_runs WHERE protocol_run_id = ? AND step_index = ?;`

	updateStepSQL = `UPDATE step_runs SET
		status = ?, attempts = ?, retries = ?, loop_count = ?, artifacts = ?, qa_verdict = ?,
		qa_findings = ?, last_error = ?, updated_at = ?
		WHERE protocol_run_id = ? AND step_index = ?;`

	casUpdateStepStatusSQL = `UPDATE step_runs SET status = ?, updated_at = ?
		WHERE protocol_run_id = ? AND step_index = ? AND status = ?;`
)

// ErrNotFound is returned when a lookup finds no matching protocol or step run.
var ErrNotFound = errors.New("protocol: not found")

// ErrConcurrentUpdate is returned when a CAS-guarded update's expected
// status no longer matches, meaning another caller already transitioned it.
var ErrConcurrentUpdate = errors.New("protocol: concurrent update")

// Store is the SQLite-backed persistence layer for ProtocolRun/StepRun state.
type Store struct {
	db    *sql.DB
	clock clock.Clock
	ids   clock.IDProvider
}

// Open wraps an existing *sql.DB and ensures the protocol_runs/step_runs
// schema exists.
func Open(ctx context.Context, db *sql.DB, c clock.Clock, ids clock.IDProvider) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("protocol: db is nil")
	}
	if c == nil {
		c = clock.SystemClock{}
	}
	if ids == nil {
		ids = clock.UUIDProvider{}
	}
	s := &Store{db: db, clock: c, ids: ids}
	stmts := []string{pragmaJournalModeWAL, pragmaForeignKeysOn, protocolRunsSchema, stepRunsSchema, indexStepRunsByProtocol}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("protocol: ensure schema: %w", err)
		}
	}
	return s, nil
}

// CreateProtocolRun inserts a new ProtocolRun in StatusPending, assigning
// it a fresh ID.
func (s *Store) CreateProtocolRun(ctx context.Context, projectID, name string, tokenBudget int) (ProtocolRun, error) {
	now := s.clock.Now()
	run := ProtocolRun{
		ID:          s.ids.NewProtocolRunID(),
		ProjectID:   projectID,
		Name:        name,
		Status:      StatusPending,
		TokenBudget: tokenBudget,
		LoopCounts:  map[int]int{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.insertProtocolRun(ctx, run); err != nil {
		return ProtocolRun{}, err
	}
	return run, nil
}

func (s *Store) insertProtocolRun(ctx context.Context, run ProtocolRun) error {
	policySnapshot := run.PolicySnapshot
	if policySnapshot == nil {
		policySnapshot = json.RawMessage("{}")
	}
	loopCounts, err := json.Marshal(run.LoopCounts)
	if err != nil {
		return fmt.Errorf("protocol: marshal loop_counts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertProtocolSQL,
		run.ID, run.ProjectID, run.Name, string(run.Status), run.BranchName, run.WorktreePath, run.SpecHash,
		string(policySnapshot), run.TokensUsed, run.TokenBudget, run.InlineTriggerDepth, string(loopCounts),
		run.LastBlockReason, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("protocol: insert protocol run: %w", err)
	}
	return nil
}

// GetProtocolRun loads a ProtocolRun by id.
func (s *Store) GetProtocolRun(ctx context.Context, id string) (ProtocolRun, error) {
	row := s.db.QueryRowContext(ctx, getProtocolSQL, id)
	run, err := scanProtocolRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ProtocolRun{}, ErrNotFound
	}
	if err != nil {
		return ProtocolRun{}, fmt.Errorf("protocol: get protocol run: %w", err)
	}
	return run, nil
}

// SaveProtocolRun persists every mutable field of run (full overwrite, no
// CAS). Used after an operation has already validated its own transition
// legality, e.g. within a lease-protected engine method.
func (s *Store) SaveProtocolRun(ctx context.Context, run ProtocolRun) error {
	policySnapshot := run.PolicySnapshot
	if policySnapshot == nil {
		policySnapshot = json.RawMessage("{}")
	}
	loopCounts, err := json.Marshal(run.LoopCounts)
	if err != nil {
		return fmt.Errorf("protocol: marshal loop_counts: %w", err)
	}
	run.UpdatedAt = s.clock.Now()
	_, err = s.db.ExecContext(ctx, updateProtocolSQL,
		string(run.Status), run.BranchName, run.WorktreePath, run.SpecHash, string(policySnapshot),
		run.TokensUsed, run.TokenBudget, run.InlineTriggerDepth, string(loopCounts), run.LastBlockReason,
		run.UpdatedAt, run.ID,
	)
	if err != nil {
		return fmt.Errorf("protocol: save protocol run: %w", err)
	}
	return nil
}

// CASProtocolStatus transitions a protocol run's status only if its
// current status still matches expected, returning ErrConcurrentUpdate
// otherwise (spec §3: "serialization via per-protocol exclusive lease" —
// this is the storage-level backstop beneath the lease).
func (s *Store) CASProtocolStatus(ctx context.Context, id string, expected, next Status) error {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, casUpdateProtocolStatusSQL, string(next), now, id, string(expected))
	if err != nil {
		return fmt.Errorf("protocol: cas protocol status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("protocol: cas rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

// CreateStepRuns inserts one pending StepRun per step index; existing rows
// for a (protocol_run_id, step_index) are left untouched (idempotent
// against re-planning with the same step set).
func (s *Store) CreateStepRuns(ctx context.Context, protocolRunID string, stepIndexes []int) ([]StepRun, error) {
	now := s.clock.Now()
	for _, idx := range stepIndexes {
		step := StepRun{
			ID:            s.ids.NewStepRunID(),
			ProtocolRunID: protocolRunID,
			StepIndex:     idx,
			Status:        StepPending,
			Artifacts:     json.RawMessage("[]"),
			QAFindings:    json.RawMessage("[]"),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if _, err := s.db.ExecContext(ctx, upsertStepSQL,
			step.ID, step.ProtocolRunID, step.StepIndex, string(step.Status), step.Attempts, step.Retries,
			step.LoopCount, string(step.Artifacts), step.QAVerdict, string(step.QAFindings), step.LastError,
			step.CreatedAt, step.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("protocol: create step run %d: %w", idx, err)
		}
	}
	return s.ListStepRuns(ctx, protocolRunID)
}

// ListStepRuns returns every StepRun for protocolRunID ordered by step_index.
func (s *Store) ListStepRuns(ctx context.Context, protocolRunID string) ([]StepRun, error) {
	rows, err := s.db.QueryContext(ctx, listStepsSQL, protocolRunID)
	if err != nil {
		return nil, fmt.Errorf("protocol: list step runs: %w", err)
	}
	defer rows.Close()

	var out []StepRun
	for rows.Next() {
		step, err := scanStepRun(rows)
		if err != nil {
			return nil, fmt.Errorf("protocol: scan step run: %w", err)
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// GetStepRun returns one StepRun by its (protocol_run_id, step_index).
func (s *Store) GetStepRun(ctx context.Context, protocolRunID string, stepIndex int) (StepRun, error) {
	row := s.db.QueryRowContext(ctx, getStepSQL, protocolRunID, stepIndex)
	step, err := scanStepRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StepRun{}, ErrNotFound
	}
	if err != nil {
		return StepRun{}, fmt.Errorf("protocol: get step run: %w", err)
	}
	return step, nil
}

// SaveStepRun persists every mutable field of step (full overwrite, no CAS).
func (s *Store) SaveStepRun(ctx context.Context, step StepRun) error {
	step.UpdatedAt = s.clock.Now()
	_, err := s.db.ExecContext(ctx, updateStepSQL,
		string(step.Status), step.Attempts, step.Retries, step.LoopCount, string(step.Artifacts),
		step.QAVerdict, string(step.QAFindings), step.LastError, step.UpdatedAt,
		step.ProtocolRunID, step.StepIndex,
	)
	if err != nil {
		return fmt.Errorf("protocol: save step run: %w", err)
	}
	return nil
}

// CASStepStatus transitions a step's status only if its current status
// still matches expected (spec §4.4 step 1: "reserve (CAS pending -> reserved)").
func (s *Store) CASStepStatus(ctx context.Context, protocolRunID string, stepIndex int, expected, next StepStatus) error {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, casUpdateStepStatusSQL, string(next), now, protocolRunID, stepIndex, string(expected))
	if err != nil {
		return fmt.Errorf("protocol: cas step status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("protocol: cas step rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

// ListByStatus returns every protocol run currently in one of statuses,
// oldest first, so a polling scheduler (internal/queue) can find work
// without tracking run ids itself. Grounded on scheduler.go's
// listOpenAgentWorkflows query, narrowed from a Temporal workflow-list API
// call to a plain SQL scan over protocol_runs.
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]ProtocolRun, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	query := fmt.Sprintf(`SELECT %s FROM protocol_runs WHERE status IN (%s) ORDER BY created_at ASC;`,
		protocolColumns, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("protocol: list by status: %w", err)
	}
	defer rows.Close()

	var out []ProtocolRun
	for rows.Next() {
		run, err := scanProtocolRun(rows)
		if err != nil {
			return nil, fmt.Errorf("protocol: scan protocol run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProtocolRun(r rowScanner) (ProtocolRun, error) {
	var run ProtocolRun
	var status, policySnapshot, loopCounts string
	if err := r.Scan(
		&run.ID, &run.ProjectID, &run.Name, &status, &run.BranchName, &run.WorktreePath, &run.SpecHash,
		&policySnapshot, &run.TokensUsed, &run.TokenBudget, &run.InlineTriggerDepth, &loopCounts,
		&run.LastBlockReason, &run.CreatedAt, &run.UpdatedAt,
	); err != nil {
		return ProtocolRun{}, err
	}
	run.Status = Status(status)
	run.PolicySnapshot = json.RawMessage(policySnapshot)
	run.LoopCounts = map[int]int{}
	if err := json.Unmarshal([]byte(loopCounts), &run.LoopCounts); err != nil {
		return ProtocolRun{}, fmt.Errorf("unmarshal loop_counts: %w", err)
	}
	return run, nil
}

func scanStepRun(r rowScanner) (StepRun, error) {
	var step StepRun
	var status, artifacts, qaFindings string
	if err := r.Scan(
		&step.ID, &step.ProtocolRunID, &step.StepIndex, &status, &step.Attempts, &step.Retries,
		&step.LoopCount, &artifacts, &step.QAVerdict, &qaFindings, &step.LastError,
		&step.CreatedAt, &step.UpdatedAt,
	); err != nil {
		return StepRun{}, err
	}
	step.Status = StepStatus(status)
	step.Artifacts = json.RawMessage(artifacts)
	step.QAFindings = json.RawMessage(qaFindings)
	return step, nil
}
