// Package journal is the append-only event log for protocol runs (C2).
//
// Every state transition the engine makes — plan created, step reserved,
// verdict recorded, protocol paused — is appended as an Event after the
// engine has stored the change, in a separate write: the two are not
// atomic, and a failed append is logged by the engine, not returned to the
// command that made the change. Event ids are monotone per protocol
// run, never reused, and never rewritten (spec §4.2).
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/protoeng/orchestrator/internal/clock"
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode = WAL;`
	pragmaForeignKeysOn  = `PRAGMA foreign_keys = ON;`

	eventsSchema = `CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		protocol_run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		step_run_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		UNIQUE (protocol_run_id, seq)
	);`

	eventsIndexByProtocol = `CREATE INDEX IF NOT EXISTS idx_events_protocol ON events(protocol_run_id, seq);`
	eventsIndexByStep     = `CREATE INDEX IF NOT EXISTS idx_events_step ON events(step_run_id);`

	eventColumns = `id, protocol_run_id, seq, kind, step_run_id, payload, created_at`

	insertEventSQL = `INSERT INTO events (` + eventColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?);`

	listByProtocolSQL = `SELECT ` + eventColumns + `
		FROM events
		WHERE protocol_run_id = ?
		ORDER BY seq ASC;`

	listByProtocolSinceSQL = `SELECT ` + eventColumns + `
		FROM events
		WHERE protocol_run_id = ? AND seq > ?
		ORDER BY seq ASC;`

	lastSeqSQL = `SELECT COALESCE(MAX(seq), 0) FROM events WHERE protocol_run_id = ?;`

	listByStepSQL = `SELECT ` + eventColumns + `
		FROM events
		WHERE step_run_id = ?
		ORDER BY seq ASC;`
)

// ErrNotFound is returned when a lookup finds no matching event.
var ErrNotFound = errors.New("journal: event not found")

// Kind enumerates the event kinds the engine emits. New kinds are additive;
// existing kinds are never renamed once events referencing them have been
// written, since the journal is immutable.
type Kind string

const (
	KindProtocolCreated   Kind = "protocol_created"
	KindPlanRecorded      Kind = "plan_recorded"
	KindProtocolStarted   Kind = "protocol_started"
	KindStepReserved      Kind = "step_reserved"
	KindStepStarted       Kind = "step_started"
	KindStepOutputCaptured Kind = "step_output_captured"
	KindQAStarted         Kind = "qa_started"
	KindQAVerdict         Kind = "qa_verdict"
	KindStepCompleted     Kind = "step_completed"
	KindStepFailed        Kind = "step_failed"
	KindStepBlocked       Kind = "step_blocked"
	KindStepRetried       Kind = "step_retried"
	KindClarificationRaised  Kind = "clarification_raised"
	KindClarificationAnswered Kind = "clarification_answered"
	KindProtocolPaused    Kind = "protocol_paused"
	KindProtocolResumed   Kind = "protocol_resumed"
	KindProtocolBlocked   Kind = "protocol_blocked"
	KindProtocolCompleted Kind = "protocol_completed"
	KindProtocolFailed    Kind = "protocol_failed"
	KindProtocolCancelled Kind = "protocol_cancelled"
	KindPRCreated         Kind = "pr_created"
	// KindFeedbackDecision records the feedback router's verdict for a step
	// (action + reason), independent of whatever StepRun status change the
	// decision produced (spec §4.6 event log).
	KindFeedbackDecision  Kind = "feedback_decision"
	// KindInlineTriggerLimitHit records a step's dependents being deferred to
	// the scheduler instead of inline-triggered because max inline-trigger
	// depth was reached (spec §4.4 "inline trigger depth").
	KindInlineTriggerLimitHit Kind = "inline_trigger_limit_hit"
)

// Event is one immutable journal entry.
type Event struct {
	ID            string
	ProtocolRunID string
	Seq           int64
	Kind          Kind
	StepRunID     string
	Payload       json.RawMessage
	CreatedAt     string
}

// Journal is the SQLite-backed append-only event log.
type Journal struct {
	db    *sql.DB
	clock clock.Clock
	ids   clock.IDProvider
}

// Open wraps an existing *sql.DB (shared with other stores in the same
// process) and ensures the events schema and WAL/FK pragmas are in place.
func Open(ctx context.Context, db *sql.DB, c clock.Clock, ids clock.IDProvider) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: db is nil")
	}
	if c == nil {
		c = clock.SystemClock{}
	}
	if ids == nil {
		ids = clock.UUIDProvider{}
	}

	j := &Journal{db: db, clock: c, ids: ids}
	if err := j.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) ensureSchema(ctx context.Context) error {
	for _, stmt := range []string{pragmaJournalModeWAL, pragmaForeignKeysOn, eventsSchema, eventsIndexByProtocol, eventsIndexByStep} {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("journal: ensure schema: %w", err)
		}
	}
	return nil
}

// LastSeq returns the highest sequence number recorded for protocolRunID,
// or 0 if the protocol has no events yet. Used to resume a SequenceCounter
// after process restart.
func (j *Journal) LastSeq(ctx context.Context, protocolRunID string) (int64, error) {
	var seq int64
	if err := j.db.QueryRowContext(ctx, lastSeqSQL, protocolRunID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("journal: last seq: %w", err)
	}
	return seq, nil
}

// Append writes a new event and returns it with its assigned id and
// timestamp. seq must already be unique for protocolRunID (callers hold a
// clock.SequenceCounter scoped to the protocol run's serialization lease).
func (j *Journal) Append(ctx context.Context, protocolRunID string, seq int64, kind Kind, stepRunID string, payload any) (Event, error) {
	if protocolRunID == "" {
		return Event{}, fmt.Errorf("journal: protocol_run_id is required")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("journal: marshal payload: %w", err)
	}

	now := j.clock.Now()
	id := j.ids.NewEventID(protocolRunID, seq)

	_, err = j.db.ExecContext(ctx, insertEventSQL, id, protocolRunID, seq, string(kind), stepRunID, string(raw), now)
	if err != nil {
		return Event{}, fmt.Errorf("journal: append event: %w", err)
	}

	return Event{
		ID:            id,
		ProtocolRunID: protocolRunID,
		Seq:           seq,
		Kind:          kind,
		StepRunID:     stepRunID,
		Payload:       raw,
		CreatedAt:     now.Format("2006-01-02T15:04:05Z07:00"),
	}, nil
}

// ListByProtocol returns every event for protocolRunID in sequence order.
func (j *Journal) ListByProtocol(ctx context.Context, protocolRunID string) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx, listByProtocolSQL, protocolRunID)
	if err != nil {
		return nil, fmt.Errorf("journal: list by protocol: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListByProtocolSince returns events for protocolRunID with seq > afterSeq,
// used by resumed engines and external watchers to replay only new activity.
func (j *Journal) ListByProtocolSince(ctx context.Context, protocolRunID string, afterSeq int64) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx, listByProtocolSinceSQL, protocolRunID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("journal: list since: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListByStep returns every event recorded against a specific step run.
func (j *Journal) ListByStep(ctx context.Context, stepRunID string) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx, listByStepSQL, stepRunID)
	if err != nil {
		return nil, fmt.Errorf("journal: list by step: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(scanner rowScanner) (Event, error) {
	var e Event
	var kind string
	var payload string
	if err := scanner.Scan(&e.ID, &e.ProtocolRunID, &e.Seq, &kind, &e.StepRunID, &payload, &e.CreatedAt); err != nil {
		return Event{}, err
	}
	e.Kind = Kind(kind)
	e.Payload = json.RawMessage(payload)
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("journal: scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: rows: %w", err)
	}
	return out, nil
}
