package engineerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := Validation("spec_missing_prompt_ref", "step 0 has no prompt_ref", nil)
	if !errors.Is(err, ErrValidation) {
		t.Fatal("expected errors.Is to match ErrValidation sentinel")
	}
	if errors.Is(err, ErrSystem) {
		t.Fatal("did not expect errors.Is to match ErrSystem sentinel")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := System("worktree_create_failed", "could not create worktree", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected Unwrap to expose the underlying cause")
	}
}

func TestKindOf(t *testing.T) {
	err := PolicyBlock("token_budget_exceeded", "budget exhausted", nil)
	kind, ok := KindOf(err)
	if !ok || kind != KindPolicyBlock {
		t.Fatalf("KindOf = (%v, %v), want (%v, true)", kind, ok, KindPolicyBlock)
	}

	if _, ok := KindOf(errors.New("plain error")); ok {
		t.Fatal("KindOf should return ok=false for a non-engineerr error")
	}
}

func TestErrorMessageIncludesCodeAndKind(t *testing.T) {
	err := ConcurrencyConflict("reservation_lost_cas", "another worker won", nil)
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty error message")
	}
}
