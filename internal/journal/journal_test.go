package journal

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/protoeng/orchestrator/internal/clock"
)

func newTestJournal(t *testing.T) (*Journal, *clock.FixedClock) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fc := clock.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	j, err := Open(context.Background(), db, fc, clock.UUIDProvider{})
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	return j, fc
}

func TestAppendAndListByProtocol(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	if _, err := j.Append(ctx, "proto-1", 1, KindProtocolCreated, "", map[string]string{"foo": "bar"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := j.Append(ctx, "proto-1", 2, KindPlanRecorded, "", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := j.ListByProtocol(ctx, "proto-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != KindProtocolCreated || events[1].Kind != KindPlanRecorded {
		t.Fatalf("unexpected event order: %+v", events)
	}
	if events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("unexpected sequence numbers: %+v", events)
	}
}

func TestAppendDuplicateSeqFails(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	if _, err := j.Append(ctx, "proto-1", 1, KindProtocolCreated, "", nil); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := j.Append(ctx, "proto-1", 1, KindProtocolCreated, "", nil); err == nil {
		t.Fatal("expected error appending duplicate (protocol_run_id, seq)")
	}
}

func TestListByProtocolSince(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if _, err := j.Append(ctx, "proto-1", i, KindStepReserved, "step-1", nil); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	events, err := j.ListByProtocolSince(ctx, "proto-1", 1)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Seq != 2 {
		t.Fatalf("first event seq = %d, want 2", events[0].Seq)
	}
}

func TestLastSeq(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	seq, err := j.LastSeq(ctx, "proto-unknown")
	if err != nil {
		t.Fatalf("last seq: %v", err)
	}
	if seq != 0 {
		t.Fatalf("last seq for unknown protocol = %d, want 0", seq)
	}

	if _, err := j.Append(ctx, "proto-1", 5, KindProtocolCompleted, "", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	seq, err = j.LastSeq(ctx, "proto-1")
	if err != nil {
		t.Fatalf("last seq: %v", err)
	}
	if seq != 5 {
		t.Fatalf("last seq = %d, want 5", seq)
	}
}

func TestListByStep(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	if _, err := j.Append(ctx, "proto-1", 1, KindStepReserved, "step-1", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := j.Append(ctx, "proto-1", 2, KindStepReserved, "step-2", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := j.Append(ctx, "proto-1", 3, KindStepCompleted, "step-1", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := j.ListByStep(ctx, "step-1")
	if err != nil {
		t.Fatalf("list by step: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
}
