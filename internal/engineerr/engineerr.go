// Package engineerr defines the engine's error taxonomy (spec §7).
//
// Every error that crosses a component boundary is classified into one of
// these kinds so that callers (the command dispatcher, the executor's retry
// loop) can branch on taxonomy rather than parsing messages, mirroring
// git.ErrMergeConflict's sentinel-plus-errors.Is idiom in the teacher repo.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error per spec §7's taxonomy.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindTransientAgent     Kind = "transient_agent_error"
	KindPermanentAgent     Kind = "permanent_agent_error"
	KindPolicyBlock        Kind = "policy_block"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindSystem             Kind = "system_error"
)

// Error is the engine's wrapped error type. Code is a short machine-readable
// token (e.g. "spec_missing_prompt_ref"); it is never parsed by callers that
// only care about Kind.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, ErrValidation) style sentinel checks work per kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func newErr(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: cause}
}

// Validation wraps a structural spec/command violation (spec §7).
func Validation(code, message string, cause error) *Error {
	return newErr(KindValidation, code, message, cause)
}

// TransientAgent wraps an adapter transient_error / timeout not yet exhausted.
func TransientAgent(code, message string, cause error) *Error {
	return newErr(KindTransientAgent, code, message, cause)
}

// PermanentAgent wraps an adapter permanent_error or exhausted retries.
func PermanentAgent(code, message string, cause error) *Error {
	return newErr(KindPermanentAgent, code, message, cause)
}

// PolicyBlock wraps a non-fatal policy gate (budget, loops, clarification).
func PolicyBlock(code, message string, cause error) *Error {
	return newErr(KindPolicyBlock, code, message, cause)
}

// ConcurrencyConflict wraps a lost CAS during reservation.
func ConcurrencyConflict(code, message string, cause error) *Error {
	return newErr(KindConcurrencyConflict, code, message, cause)
}

// System wraps an unexpected infra failure (disk, git, missing binary).
func System(code, message string, cause error) *Error {
	return newErr(KindSystem, code, message, cause)
}

// Sentinels usable with errors.Is for kind-only matching, e.g.
// errors.Is(err, ErrConcurrencyConflict).
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrTransientAgent      = &Error{Kind: KindTransientAgent}
	ErrPermanentAgent      = &Error{Kind: KindPermanentAgent}
	ErrPolicyBlock         = &Error{Kind: KindPolicyBlock}
	ErrConcurrencyConflict = &Error{Kind: KindConcurrencyConflict}
	ErrSystem              = &Error{Kind: KindSystem}
)

// KindOf extracts the Kind of err if it is (or wraps) an *Error, ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
