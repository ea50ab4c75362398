// Package policy is the policy evaluator (C5): loop limits, retry policy,
// inline-trigger depth, and token budget. Clarification gating is not
// evaluated here; the selector receives it as a pre-resolved flag. Pure
// arithmetic and decision logic over caller-supplied counters — no I/O —
// grounded on dispatch/retry.go's backoff math and scheduler/cost_control.go's
// budget-cap checks, generalized from the bead/tier domain to steps/protocols.
package policy

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls whether and how long to wait before retrying a
// transient step failure (spec §4.4 step 7).
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// NextRetryDelay returns the delay before the next attempt and whether a
// retry is allowed at all, given how many attempts have already happened.
func (p RetryPolicy) NextRetryDelay(attempt int) (delay time.Duration, shouldRetry bool) {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= p.MaxRetries {
		return 0, false
	}

	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}
	raw := float64(p.InitialDelay) * math.Pow(factor, float64(attempt))
	// jitter in [0.8, 1.2) of raw so many simultaneously-failing steps don't
	// retry in lockstep, matching the teacher's backoff-with-jitter intent.
	jittered := raw * (0.8 + 0.4*rand.Float64())
	d := time.Duration(jittered)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d, true
}

// LoopDecision is the result of evaluating a step's loop_count against its
// max_loops (spec §4.4 "loop policy").
type LoopDecision struct {
	Allowed  bool
	AtLimit  bool
}

// EvaluateLoop reports whether another loop iteration (re-queue via
// feedback) is allowed for a step. When loop_count has reached max_loops,
// subsequent feedback must promote to fail instead of retry (spec §4.4).
func EvaluateLoop(loopCount, maxLoops int) LoopDecision {
	if maxLoops <= 0 {
		return LoopDecision{Allowed: true}
	}
	if loopCount >= maxLoops {
		return LoopDecision{Allowed: false, AtLimit: true}
	}
	return LoopDecision{Allowed: true, AtLimit: loopCount+1 == maxLoops}
}

// BudgetState is the protocol-scoped token budget snapshot the executor
// checks before invoking an adapter (spec §4.4 step 2).
type BudgetState struct {
	TokensUsed   int
	TokenBudget  int // 0 = unbounded
}

// Exceeded reports whether the budget has already been exhausted.
func (b BudgetState) Exceeded() bool {
	return b.TokenBudget > 0 && b.TokensUsed >= b.TokenBudget
}

// WouldExceed reports whether spending estimatedTokens more would exhaust
// the budget, used for the pre-check before invoking an adapter.
func (b BudgetState) WouldExceed(estimatedTokens int) bool {
	return b.TokenBudget > 0 && b.TokensUsed+estimatedTokens > b.TokenBudget
}

// InlineTriggerDecision is the result of evaluating whether a step may
// inline-trigger its dependents without yielding the scheduler (spec §4.4
// "inline trigger depth"). Scope is per protocol, stored on ProtocolRun —
// see DESIGN.md Open Question #2.
type InlineTriggerDecision struct {
	Allowed  bool
	NewDepth int
}

// EvaluateInlineTrigger reports whether incrementing currentDepth stays
// within maxDepth.
func EvaluateInlineTrigger(currentDepth, maxDepth int) InlineTriggerDecision {
	next := currentDepth + 1
	if next > maxDepth {
		return InlineTriggerDecision{Allowed: false, NewDepth: currentDepth}
	}
	return InlineTriggerDecision{Allowed: true, NewDepth: next}
}

// EnforcementMode is a project/protocol's policy strictness (spec §3).
type EnforcementMode string

const (
	EnforcementOff   EnforcementMode = "off"
	EnforcementWarn  EnforcementMode = "warn"
	EnforcementBlock EnforcementMode = "block"
)

// Snapshot is the policy state frozen at planning time alongside a
// ProtocolRun (SPEC_FULL.md §3 "policy snapshot"), so a later change to a
// project's policy config never retroactively changes how an in-flight
// protocol is enforced.
type Snapshot struct {
	EnforcementMode    EnforcementMode `json:"enforcement_mode"`
	DefaultMaxLoops    int             `json:"default_max_loops"`
	DefaultRetryMax    int             `json:"default_retry_max"`
	DefaultTokenBudget int             `json:"default_token_budget"`
	Hash               string          `json:"hash"`
}

// NewSnapshot builds a Snapshot and fills in its Hash, grounded on
// planstore's CanonicalHash convention (sha256 over the JSON form).
func NewSnapshot(enforcement EnforcementMode, defaultMaxLoops, defaultRetryMax, defaultTokenBudget int) Snapshot {
	s := Snapshot{
		EnforcementMode:    enforcement,
		DefaultMaxLoops:    defaultMaxLoops,
		DefaultRetryMax:    defaultRetryMax,
		DefaultTokenBudget: defaultTokenBudget,
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return s
	}
	sum := sha256.Sum256(raw)
	s.Hash = fmt.Sprintf("%x", sum)
	return s
}
