// Package memlog is an in-memory eventlog.Log used by tests; cmd/replicatord
// always uses the Postgres-backed eventlogpg instead. It is a reference
// implementation of the eventlog.Log contract, not a production store: it
// keeps every applied event in a slice for the lifetime of the process.
package memlog

import (
	"context"
	"sync"

	"github.com/jfoltran/replicore/internal/eventlog"
	"github.com/jfoltran/replicore/internal/model"
	"github.com/jfoltran/replicore/internal/vtime"
)

type stored struct {
	seq   uint64
	event model.DurableEvent
}

// Log is a single named, in-memory event log.
type Log struct {
	id   string
	name string

	mu       sync.Mutex
	seq      uint64
	events   []stored
	vt       vtime.T
	progress map[string]uint64 // sourceLogID -> watermark
	deleted  uint64
}

// New creates an empty in-memory log identified by id/name.
func New(id, name string) *Log {
	return &Log{
		id:       id,
		name:     name,
		vt:       vtime.New(),
		progress: make(map[string]uint64),
	}
}

func (l *Log) ID() string   { return l.id }
func (l *Log) Name() string { return l.name }

// Append is a local write performed directly by the owning application
// (not through replication): it assigns the next sequence number and merges
// the event's vector time into the log's aggregate.
func (l *Log) Append(event model.DurableEvent) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.events = append(l.events, stored{seq: l.seq, event: event})
	l.vt = l.vt.Merge(event.VectorTime())
	return l.seq
}

func (l *Log) GetReplicationProgress(_ context.Context, sourceLogID string) (uint64, vtime.T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.progress[sourceLogID], l.vt.Copy(), nil
}

func (l *Log) ReplicationWrite(_ context.Context, events []model.DurableEvent, progress uint64, sourceLogID string, _ vtime.T) (eventlog.WriteResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range events {
		// Discard duplicates instead of re-applying them. A dup is any event
		// whose vector time is already dominated by the log's current
		// aggregate — checked against the running vt so within-batch
		// duplicates are also caught.
		if e.VectorTime().LessOrEqual(l.vt) {
			continue
		}
		l.seq++
		l.events = append(l.events, stored{seq: l.seq, event: e})
		l.vt = l.vt.Merge(e.VectorTime())
	}

	// progress is monotone non-decreasing.
	if progress > l.progress[sourceLogID] {
		l.progress[sourceLogID] = progress
	}

	return eventlog.WriteResult{
		StoredProgress: l.progress[sourceLogID],
		TargetVT:       l.vt.Copy(),
	}, nil
}

func (l *Log) Read(_ context.Context, fromSeq uint64, maxEvents, scanLimit int, f model.Filter, targetVT vtime.T) (eventlog.ReadResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	head := l.seq
	lastScanned := uint64(0)
	if fromSeq > 0 {
		lastScanned = fromSeq - 1
	}

	var matched []model.DurableEvent
	scanned := 0
	for _, se := range l.events {
		if se.seq < fromSeq {
			continue
		}
		if scanned >= scanLimit {
			break
		}
		scanned++
		lastScanned = se.seq

		// Source-side pre-filter optimisation: an event already reflected
		// in the target's vector time need not cross the wire at all.
		if se.event.VectorTime().LessOrEqual(targetVT) {
			continue
		}
		if f != nil && !f.Evaluate(se.event) {
			continue
		}
		matched = append(matched, se.event)
		if len(matched) >= maxEvents {
			break
		}
	}

	newProgress := lastScanned
	if head < newProgress {
		newProgress = head
	}

	return eventlog.ReadResult{
		Events:      matched,
		FromSeq:     fromSeq,
		NewProgress: newProgress,
		SourceVT:    l.vt.Copy(),
	}, nil
}

func (l *Log) Delete(_ context.Context, toSeq uint64, _ map[string]struct{}) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bound := toSeq
	if l.seq < bound {
		bound = l.seq
	}
	if bound > l.deleted {
		l.deleted = bound
	}
	return l.deleted, nil
}

func (l *Log) SequenceNr(_ context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq, nil
}

func (l *Log) VectorTime(_ context.Context) (vtime.T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vt.Copy(), nil
}

// AdjustSequenceNr restores the invariant sequence_nr >= vector_time[self].
// If sequence_nr already exceeds vector_time[self] this is a no-op: the
// sequence number is never lowered.
func (l *Log) AdjustSequenceNr(_ context.Context, selfEndpointID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if want := l.vt.Get(selfEndpointID); want > l.seq {
		l.seq = want
	}
	return nil
}

// ResetProgress clears progress[sourceLogID] back to zero.
func (l *Log) ResetProgress(_ context.Context, sourceLogID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.progress, sourceLogID)
	return nil
}

var _ eventlog.Log = (*Log)(nil)
