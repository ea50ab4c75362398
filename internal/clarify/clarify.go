// Package clarify is the clarification registry (C13): blocking questions
// that gate step reservation until an external caller answers them.
package clarify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/protoeng/orchestrator/internal/clock"
)

// Scope names the entity a Clarification applies to (spec §3).
type Scope string

const (
	ScopeProject  Scope = "project"
	ScopeProtocol Scope = "protocol"
	ScopeStep     Scope = "step"
)

// Status is the clarification's lifecycle state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusAnswered Status = "answered"
)

// ErrNotFound is returned when a (scope, scope_id, key) triple has no row.
var ErrNotFound = errors.New("clarify: clarification not found")

// ErrAlreadyAnswered is returned when answering a clarification that is
// already in status=answered.
var ErrAlreadyAnswered = errors.New("clarify: clarification already answered")

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode = WAL;`

	schema = `CREATE TABLE IF NOT EXISTS clarifications (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		key TEXT NOT NULL,
		blocking BOOLEAN NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'open',
		question TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		answer TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		answered_at DATETIME,
		UNIQUE (scope, scope_id, key)
	);`

	indexOpenByScope = `CREATE INDEX IF NOT EXISTS idx_clarifications_open ON clarifications(scope, scope_id, status);`

	columns = `id, scope, scope_id, key, blocking, status, question, options, answer, created_at, answered_at`

	upsertSQL = `INSERT INTO clarifications (` + columns + `)
		VALUES (?, ?, ?, ?, ?, 'open', ?, ?, '', ?, NULL)
		ON CONFLICT(scope, scope_id, key) DO NOTHING;`

	getSQL = `SELECT ` + columns + ` FROM clarifications WHERE scope = ? AND scope_id = ? AND key = ?;`

	answerSQL = `UPDATE clarifications
		SET status = 'answered', answer = ?, answered_at = ?
		WHERE scope = ? AND scope_id = ? AND key = ? AND status = 'open';`

	listOpenBlockingSQL = `SELECT ` + columns + `
		FROM clarifications
		WHERE status = 'open' AND blocking = 1 AND (
			(scope = 'project' AND scope_id = ?) OR
			(scope = 'protocol' AND scope_id = ?) OR
			(scope = 'step' AND scope_id = ?)
		);`
)

// Clarification is one blocking or informational question.
type Clarification struct {
	ID         string
	Scope      Scope
	ScopeID    string
	Key        string
	Blocking   bool
	Status     Status
	Question   string
	Options    string // JSON-encoded list; orchestrator does not interpret contents
	Answer     string
	CreatedAt  string
	AnsweredAt sql.NullString
}

// Registry is the SQLite-backed clarification store.
type Registry struct {
	db    *sql.DB
	clock clock.Clock
	ids   clock.IDProvider
}

// Open wraps an existing *sql.DB and ensures the clarifications schema exists.
func Open(ctx context.Context, db *sql.DB, c clock.Clock, ids clock.IDProvider) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("clarify: db is nil")
	}
	if c == nil {
		c = clock.SystemClock{}
	}
	if ids == nil {
		ids = clock.UUIDProvider{}
	}
	r := &Registry{db: db, clock: c, ids: ids}
	for _, stmt := range []string{pragmaJournalModeWAL, schema, indexOpenByScope} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("clarify: ensure schema: %w", err)
		}
	}
	return r, nil
}

// Raise creates a new clarification if (scope, scope_id, key) does not
// already exist; raising an existing key is a no-op (idempotent per spec
// §3's "key unique within scope").
func (r *Registry) Raise(ctx context.Context, scope Scope, scopeID, key string, blocking bool, question string, options string) (Clarification, error) {
	scopeID = strings.TrimSpace(scopeID)
	key = strings.TrimSpace(key)
	if scopeID == "" || key == "" {
		return Clarification{}, fmt.Errorf("clarify: scope_id and key are required")
	}
	if options == "" {
		options = "[]"
	}

	id := r.ids.NewClarificationID()
	now := r.clock.Now()
	if _, err := r.db.ExecContext(ctx, upsertSQL, id, string(scope), scopeID, key, blocking, question, options, now); err != nil {
		return Clarification{}, fmt.Errorf("clarify: raise: %w", err)
	}
	return r.Get(ctx, scope, scopeID, key)
}

// Get returns the clarification at (scope, scope_id, key).
func (r *Registry) Get(ctx context.Context, scope Scope, scopeID, key string) (Clarification, error) {
	row := r.db.QueryRowContext(ctx, getSQL, string(scope), scopeID, key)
	c, err := scanClarification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Clarification{}, ErrNotFound
	}
	if err != nil {
		return Clarification{}, fmt.Errorf("clarify: get: %w", err)
	}
	return c, nil
}

// Answer records an answer for an open clarification, setting its status to
// answered.
func (r *Registry) Answer(ctx context.Context, scope Scope, scopeID, key, answer string) (Clarification, error) {
	existing, err := r.Get(ctx, scope, scopeID, key)
	if err != nil {
		return Clarification{}, err
	}
	if existing.Status == StatusAnswered {
		return Clarification{}, ErrAlreadyAnswered
	}

	now := r.clock.Now()
	res, err := r.db.ExecContext(ctx, answerSQL, answer, now, string(scope), scopeID, key)
	if err != nil {
		return Clarification{}, fmt.Errorf("clarify: answer: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Clarification{}, fmt.Errorf("clarify: answer rows affected: %w", err)
	}
	if affected == 0 {
		return Clarification{}, ErrAlreadyAnswered
	}
	return r.Get(ctx, scope, scopeID, key)
}

// OpenBlocking returns every open, blocking clarification applicable to a
// step: scoped to the step itself, its owning protocol, or its project
// (spec §3: "while any blocking && open clarification exists at a scope
// that applies to a step, that step is blocked").
func (r *Registry) OpenBlocking(ctx context.Context, projectID, protocolRunID, stepRunID string) ([]Clarification, error) {
	rows, err := r.db.QueryContext(ctx, listOpenBlockingSQL, projectID, protocolRunID, stepRunID)
	if err != nil {
		return nil, fmt.Errorf("clarify: list open blocking: %w", err)
	}
	defer rows.Close()

	var out []Clarification
	for rows.Next() {
		c, err := scanClarification(rows)
		if err != nil {
			return nil, fmt.Errorf("clarify: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClarification(s rowScanner) (Clarification, error) {
	var c Clarification
	var scope, status string
	if err := s.Scan(&c.ID, &scope, &c.ScopeID, &c.Key, &c.Blocking, &status, &c.Question, &c.Options, &c.Answer, &c.CreatedAt, &c.AnsweredAt); err != nil {
		return Clarification{}, err
	}
	c.Scope = Scope(scope)
	c.Status = Status(status)
	return c, nil
}
