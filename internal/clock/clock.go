// Package clock supplies the engine's time source and ID generator.
//
// Every component that needs "now" or a fresh identifier goes through a
// Clock/IDProvider rather than calling time.Now or uuid.New directly, so
// tests can substitute a FixedClock and a deterministic IDProvider.
package clock

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Clock supplies wall-clock time. Production code uses SystemClock; tests
// use FixedClock to make timeouts and ordering deterministic.
type Clock interface {
	Now() time.Time
}

// SystemClock delegates to time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a fixed instant, advanced explicitly by tests.
type FixedClock struct {
	at time.Time
}

// NewFixedClock returns a FixedClock starting at at.
func NewFixedClock(at time.Time) *FixedClock {
	return &FixedClock{at: at.UTC()}
}

func (c *FixedClock) Now() time.Time { return c.at }

// Advance moves the fixed clock forward by d.
func (c *FixedClock) Advance(d time.Duration) { c.at = c.at.Add(d) }

// Set pins the fixed clock to at.
func (c *FixedClock) Set(at time.Time) { c.at = at.UTC() }

// IDProvider generates identifiers for engine entities. Protocol runs, step
// runs, and events each get their own prefixed namespace so that a bare ID
// string is self-describing in logs.
type IDProvider interface {
	NewProtocolRunID() string
	NewStepRunID() string
	NewClarificationID() string
	NewEventID(protocolRunID string, seq int64) string
}

// UUIDProvider generates RFC 4122 UUIDs prefixed by entity kind, in the
// teacher's "<prefix>-<suffix>" style (compare graph.DAG.generateTaskID's
// "<project>-<hex>" scheme).
type UUIDProvider struct{}

func (UUIDProvider) NewProtocolRunID() string {
	return fmt.Sprintf("proto-%s", uuid.NewString())
}

func (UUIDProvider) NewStepRunID() string {
	return fmt.Sprintf("step-%s", uuid.NewString())
}

func (UUIDProvider) NewClarificationID() string {
	return fmt.Sprintf("clarify-%s", uuid.NewString())
}

// NewEventID derives a deterministic, sortable event ID from the owning
// protocol run and its monotone per-protocol sequence number (spec §4.2:
// "event ids are monotone per protocol run").
func (UUIDProvider) NewEventID(protocolRunID string, seq int64) string {
	return fmt.Sprintf("%s-evt-%d", protocolRunID, seq)
}

// SequenceCounter hands out monotonically increasing per-protocol event
// sequence numbers. The journal owns one instance per protocol run.
type SequenceCounter struct {
	n int64
}

// NewSequenceCounter starts a counter after last (0 if the protocol has no
// events yet), so resuming a suspended protocol continues the sequence.
func NewSequenceCounter(last int64) *SequenceCounter {
	return &SequenceCounter{n: last}
}

// Next returns the next sequence number, starting at 1.
func (c *SequenceCounter) Next() int64 {
	return atomic.AddInt64(&c.n, 1)
}
