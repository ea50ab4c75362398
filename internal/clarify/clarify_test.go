package clarify

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/protoeng/orchestrator/internal/clock"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fc := clock.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r, err := Open(context.Background(), db, fc, clock.UUIDProvider{})
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	return r
}

func TestRaiseAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	c, err := r.Raise(ctx, ScopeProtocol, "proto-1", "db_choice", true, "which database?", "")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if c.Status != StatusOpen {
		t.Fatalf("status = %q, want open", c.Status)
	}

	got, err := r.Get(ctx, ScopeProtocol, "proto-1", "db_choice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Question != "which database?" {
		t.Fatalf("question = %q", got.Question)
	}
}

func TestRaiseIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Raise(ctx, ScopeProtocol, "proto-1", "db_choice", true, "Q1", "")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	second, err := r.Raise(ctx, ScopeProtocol, "proto-1", "db_choice", true, "Q2 (should be ignored)", "")
	if err != nil {
		t.Fatalf("raise again: %v", err)
	}
	if first.ID != second.ID || second.Question != "Q1" {
		t.Fatalf("raising an existing key should be a no-op, got %+v", second)
	}
}

func TestAnswerClearsOpenStatus(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Raise(ctx, ScopeStep, "step-1", "model_choice", true, "which model?", ""); err != nil {
		t.Fatalf("raise: %v", err)
	}

	answered, err := r.Answer(ctx, ScopeStep, "step-1", "model_choice", "gpt-5")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if answered.Status != StatusAnswered || answered.Answer != "gpt-5" {
		t.Fatalf("unexpected answered clarification: %+v", answered)
	}

	if _, err := r.Answer(ctx, ScopeStep, "step-1", "model_choice", "again"); err != ErrAlreadyAnswered {
		t.Fatalf("expected ErrAlreadyAnswered, got %v", err)
	}
}

func TestAnswerMissingReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Answer(context.Background(), ScopeStep, "step-1", "nope", "x"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenBlockingAppliesAcrossScopes(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Raise(ctx, ScopeProject, "project-1", "legal_review", true, "legal ok?", ""); err != nil {
		t.Fatalf("raise project scope: %v", err)
	}
	if _, err := r.Raise(ctx, ScopeProtocol, "proto-1", "db_choice", true, "db?", ""); err != nil {
		t.Fatalf("raise protocol scope: %v", err)
	}
	if _, err := r.Raise(ctx, ScopeStep, "step-1", "model_choice", false, "non-blocking", ""); err != nil {
		t.Fatalf("raise step scope: %v", err)
	}

	open, err := r.OpenBlocking(ctx, "project-1", "proto-1", "step-1")
	if err != nil {
		t.Fatalf("open blocking: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("got %d open blocking clarifications, want 2 (project+protocol, not the non-blocking step one)", len(open))
	}
}
