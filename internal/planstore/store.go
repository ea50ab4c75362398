package planstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode = WAL;`
	pragmaForeignKeysOn  = `PRAGMA foreign_keys = ON;`

	specsSchema = `CREATE TABLE IF NOT EXISTS protocol_specs (
		protocol_run_id TEXT NOT NULL,
		spec_hash TEXT NOT NULL,
		version INTEGER NOT NULL,
		committed_at DATETIME NOT NULL,
		PRIMARY KEY (protocol_run_id, spec_hash)
	);`

	stepSpecsSchema = `CREATE TABLE IF NOT EXISTS step_specs (
		protocol_run_id TEXT NOT NULL,
		spec_hash TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		name TEXT NOT NULL,
		"type" TEXT NOT NULL DEFAULT '',
		engine_id TEXT NOT NULL,
		model TEXT NOT NULL,
		prompt_ref TEXT NOT NULL,
		inputs TEXT NOT NULL DEFAULT '[]',
		outputs TEXT NOT NULL DEFAULT '{}',
		depends_on TEXT NOT NULL DEFAULT '[]',
		parallel_group TEXT NOT NULL DEFAULT '',
		policies TEXT NOT NULL DEFAULT '{}',
		qa TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (protocol_run_id, spec_hash, step_index),
		FOREIGN KEY (protocol_run_id, spec_hash) REFERENCES protocol_specs(protocol_run_id, spec_hash)
	);`

	indexLatestSpec = `CREATE INDEX IF NOT EXISTS idx_protocol_specs_committed ON protocol_specs(protocol_run_id, committed_at);`

	insertSpecSQL = `INSERT INTO protocol_specs (protocol_run_id, spec_hash, version, committed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(protocol_run_id, spec_hash) DO NOTHING;`

	insertStepSQL = `INSERT INTO step_specs (
		protocol_run_id, spec_hash, step_index, name, "type", engine_id, model, prompt_ref,
		inputs, outputs, depends_on, parallel_group, policies, qa
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(protocol_run_id, spec_hash, step_index) DO NOTHING;`

	stepColumns = `step_index, name, "type", engine_id, model, prompt_ref, inputs, outputs, depends_on, parallel_group, policies, qa`

	selectStepsSQL = `SELECT ` + stepColumns + `
		FROM step_specs
		WHERE protocol_run_id = ? AND spec_hash = ?
		ORDER BY step_index ASC;`

	selectLatestSpecSQL = `SELECT spec_hash, version
		FROM protocol_specs
		WHERE protocol_run_id = ?
		ORDER BY committed_at DESC
		LIMIT 1;`

	selectSpecVersionSQL = `SELECT version FROM protocol_specs WHERE protocol_run_id = ? AND spec_hash = ?;`
)

// ErrNotFound is returned when no spec exists for a protocol run / hash pair.
var ErrNotFound = errors.New("planstore: spec not found")

// Store is the SQLite-backed plan store.
type Store struct {
	db *sql.DB
}

// Open wraps an existing *sql.DB and ensures the plan store schema exists.
func Open(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("planstore: db is nil")
	}
	s := &Store{db: db}
	for _, stmt := range []string{pragmaJournalModeWAL, pragmaForeignKeysOn, specsSchema, stepSpecsSchema, indexLatestSpec} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("planstore: ensure schema: %w", err)
		}
	}
	return s, nil
}

// Commit validates spec, computes its spec_hash if empty, and persists it
// immutably under (protocol_run_id, spec_hash). Committing an already-known
// spec_hash is a no-op (spec §8 invariant 9: "Plan with an unchanged spec
// document is a no-op").
func (s *Store) Commit(ctx context.Context, protocolRunID string, spec ProtocolSpec, committedAt string) (ProtocolSpec, error) {
	if err := Validate(spec); err != nil {
		return ProtocolSpec{}, err
	}

	hash, err := CanonicalHash(spec)
	if err != nil {
		return ProtocolSpec{}, err
	}
	spec.SpecHash = hash

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ProtocolSpec{}, fmt.Errorf("planstore: begin commit: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertSpecSQL, protocolRunID, hash, spec.Version, committedAt); err != nil {
		return ProtocolSpec{}, fmt.Errorf("planstore: insert spec: %w", err)
	}

	for _, step := range spec.Steps {
		inputs, _ := json.Marshal(step.Inputs)
		outputs, _ := json.Marshal(step.Outputs)
		dependsOn, _ := json.Marshal(step.DependsOn)
		policies, _ := json.Marshal(step.Policies)
		qa, _ := json.Marshal(step.QA)

		_, err := tx.ExecContext(ctx, insertStepSQL,
			protocolRunID, hash, step.StepIndex, step.Name, step.Type, step.EngineID, step.Model, step.PromptRef,
			string(inputs), string(outputs), string(dependsOn), step.ParallelGroup, string(policies), string(qa),
		)
		if err != nil {
			return ProtocolSpec{}, fmt.Errorf("planstore: insert step %d: %w", step.StepIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ProtocolSpec{}, fmt.Errorf("planstore: commit tx: %w", err)
	}
	return spec, nil
}

// Load returns the ProtocolSpec stored under (protocol_run_id, spec_hash).
func (s *Store) Load(ctx context.Context, protocolRunID, specHash string) (ProtocolSpec, error) {
	rows, err := s.db.QueryContext(ctx, selectStepsSQL, protocolRunID, specHash)
	if err != nil {
		return ProtocolSpec{}, fmt.Errorf("planstore: load steps: %w", err)
	}
	defer rows.Close()

	var steps []StepSpec
	for rows.Next() {
		step, err := scanStepSpec(rows)
		if err != nil {
			return ProtocolSpec{}, fmt.Errorf("planstore: scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return ProtocolSpec{}, fmt.Errorf("planstore: rows: %w", err)
	}
	if len(steps) == 0 {
		return ProtocolSpec{}, ErrNotFound
	}

	var version int
	if err := s.db.QueryRowContext(ctx, selectSpecVersionSQL, protocolRunID, specHash).Scan(&version); err != nil {
		return ProtocolSpec{}, fmt.Errorf("planstore: load version: %w", err)
	}

	return ProtocolSpec{SpecHash: specHash, Steps: steps, Version: version}, nil
}

// LatestHash returns the most recently committed spec_hash for a protocol
// run, used to detect Plan no-ops (spec §8 invariant 9).
func (s *Store) LatestHash(ctx context.Context, protocolRunID string) (hash string, version int, err error) {
	row := s.db.QueryRowContext(ctx, selectLatestSpecSQL, protocolRunID)
	if err := row.Scan(&hash, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, ErrNotFound
		}
		return "", 0, fmt.Errorf("planstore: latest hash: %w", err)
	}
	return hash, version, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStepSpec(r rowScanner) (StepSpec, error) {
	var step StepSpec
	var inputs, outputs, dependsOn, policies, qa string
	if err := r.Scan(&step.StepIndex, &step.Name, &step.Type, &step.EngineID, &step.Model, &step.PromptRef,
		&inputs, &outputs, &dependsOn, &step.ParallelGroup, &policies, &qa); err != nil {
		return StepSpec{}, err
	}
	if err := json.Unmarshal([]byte(inputs), &step.Inputs); err != nil {
		return StepSpec{}, fmt.Errorf("unmarshal inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &step.Outputs); err != nil {
		return StepSpec{}, fmt.Errorf("unmarshal outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(dependsOn), &step.DependsOn); err != nil {
		return StepSpec{}, fmt.Errorf("unmarshal depends_on: %w", err)
	}
	if err := json.Unmarshal([]byte(policies), &step.Policies); err != nil {
		return StepSpec{}, fmt.Errorf("unmarshal policies: %w", err)
	}
	if err := json.Unmarshal([]byte(qa), &step.QA); err != nil {
		return StepSpec{}, fmt.Errorf("unmarshal qa: %w", err)
	}
	return step, nil
}
