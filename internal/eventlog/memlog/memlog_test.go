package memlog

import (
	"context"
	"testing"

	"github.com/jfoltran/replicore/internal/model"
	"github.com/jfoltran/replicore/internal/vtime"
)

func ev(emitter string, vt vtime.T) model.DurableEvent {
	return model.SimpleEvent{Emitter: emitter, VT: vt}
}

func TestReplicationWriteDeduplicatesRepeatedEvent(t *testing.T) {
	ctx := context.Background()
	l := New("L0", "X")

	e1 := ev("A", vtime.T{"A": 1})

	res, err := l.ReplicationWrite(ctx, []model.DurableEvent{e1}, 1, "srcA", vtime.T{"A": 1})
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if res.StoredProgress != 1 {
		t.Fatalf("StoredProgress = %d, want 1", res.StoredProgress)
	}

	// A sends e1 twice. The second apply must be rejected by the
	// vector-time check, but progress still advances.
	res2, err := l.ReplicationWrite(ctx, []model.DurableEvent{e1}, 1, "srcA", vtime.T{"A": 1})
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if res2.StoredProgress != 1 {
		t.Fatalf("StoredProgress after dup = %d, want 1 (monotone, not regressed)", res2.StoredProgress)
	}

	seq, _ := l.SequenceNr(ctx)
	if seq != 1 {
		t.Fatalf("sequence number advanced on duplicate apply: got %d, want 1", seq)
	}
}

func TestReplicationProgressMonotoneNonDecreasing(t *testing.T) {
	ctx := context.Background()
	l := New("L0", "X")

	if _, err := l.ReplicationWrite(ctx, nil, 5, "srcA", vtime.T{}); err != nil {
		t.Fatal(err)
	}
	res, err := l.ReplicationWrite(ctx, nil, 3, "srcA", vtime.T{})
	if err != nil {
		t.Fatal(err)
	}
	if res.StoredProgress != 5 {
		t.Fatalf("progress regressed: got %d, want 5", res.StoredProgress)
	}
}

func TestReadRespectsMaxEventsAndScanLimit(t *testing.T) {
	ctx := context.Background()
	l := New("L0", "X")
	for i := 0; i < 10; i++ {
		l.Append(ev("A", vtime.T{"A": uint64(i + 1)}))
	}

	res, err := l.Read(ctx, 1, 2, 3, nil, vtime.T{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("got %d events, want 2 (max_events cap)", len(res.Events))
	}
}

func TestReadNewProgressIsMinOfScannedAndHeadEvenWhenFilterDropsEverything(t *testing.T) {
	ctx := context.Background()
	l := New("L0", "X")
	for i := 0; i < 1000; i++ {
		l.Append(ev("A", vtime.T{"A": uint64(i + 1)}))
	}

	rejectAll := rejectAllFilter{}
	res, err := l.Read(ctx, 1, 10, 1000, rejectAll, vtime.T{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 0 {
		t.Fatalf("expected no events to pass the filter")
	}
	if res.NewProgress != 1000 {
		t.Fatalf("NewProgress = %d, want 1000 (bounded scan bypass, scenario 6)", res.NewProgress)
	}
}

type rejectAllFilter struct{}

func (rejectAllFilter) Evaluate(model.DurableEvent) bool { return false }

func TestAdjustSequenceNrRestoresI5(t *testing.T) {
	ctx := context.Background()
	l := New("L0", "X")
	// Simulate a log that lost events: vector_time[self] ahead of sequence_nr.
	l.vt = vtime.T{"self": 10}
	if err := l.AdjustSequenceNr(ctx, "self"); err != nil {
		t.Fatal(err)
	}
	seq, _ := l.SequenceNr(ctx)
	if seq != 10 {
		t.Fatalf("sequence_nr = %d, want 10 (invariant restored)", seq)
	}
}

func TestAdjustSequenceNrNoopWhenAlreadySatisfied(t *testing.T) {
	ctx := context.Background()
	l := New("L0", "X")
	l.Append(ev("self", vtime.T{"self": 1}))
	l.Append(ev("self", vtime.T{"self": 2}))
	before, _ := l.SequenceNr(ctx)
	if err := l.AdjustSequenceNr(ctx, "self"); err != nil {
		t.Fatal(err)
	}
	after, _ := l.SequenceNr(ctx)
	if after != before {
		t.Fatalf("AdjustSequenceNr changed an already-satisfied sequence_nr: %d -> %d", before, after)
	}
}

func TestDeleteWatermarkIsMonotoneAndCapped(t *testing.T) {
	ctx := context.Background()
	l := New("L0", "X")
	for i := 0; i < 5; i++ {
		l.Append(ev("A", vtime.T{"A": uint64(i + 1)}))
	}
	w, err := l.Delete(ctx, 3, nil)
	if err != nil || w != 3 {
		t.Fatalf("Delete(3) = %d, %v; want 3, nil", w, err)
	}
	w2, err := l.Delete(ctx, 100, nil)
	if err != nil || w2 != 5 {
		t.Fatalf("Delete(100) = %d, %v; want 5 (capped at current_sequence_nr)", w2, err)
	}
	w3, err := l.Delete(ctx, 1, nil)
	if err != nil || w3 != 5 {
		t.Fatalf("Delete(1) after watermark=5 regressed to %d, want max(previous, min(to,current))=5", w3)
	}
}
