// Package eventlog defines the contract the replication core requires of
// the local event log persistence engine. Durable storage, sequence-number
// assignment and physical deletion are treated as an external collaborator's
// concern; this package is the narrow surface the core actually calls
// (GetReplicationProgress, ReplicationWrite, Read, Delete, plus the
// sequence/vector-time accessors recovery needs to restore consistency).
package eventlog

import (
	"context"
	"errors"

	"github.com/jfoltran/replicore/internal/model"
	"github.com/jfoltran/replicore/internal/vtime"
)

// ErrNotFound is returned by GetReplicationProgress when the log itself is
// missing from its backing store. A source the log has never recorded
// progress for is not an error: its progress is reported as 0.
var ErrNotFound = errors.New("eventlog: no recorded progress for source")

// ReadResult is the reply a source-side log gives to Read: the matching
// events, the watermark the caller should treat as "scanned through", and
// the source's current vector time.
type ReadResult struct {
	Events     []model.DurableEvent
	FromSeq    uint64
	NewProgress uint64
	SourceVT   vtime.T
}

// WriteResult is the reply a target-side log gives to ReplicationWrite.
type WriteResult struct {
	StoredProgress uint64
	TargetVT       vtime.T
}

// Log is the interface a single named event log exposes to the replication
// core. One Log value backs both roles an endpoint's log plays: target (the
// Replicator calls GetReplicationProgress/ReplicationWrite against it) and
// source (the Acceptor calls Read against it on behalf of a remote peer).
type Log interface {
	ID() string
	Name() string

	// GetReplicationProgress returns the last remote sequence number from
	// sourceLogID whose events are durably applied, and the log's current
	// aggregate vector time.
	GetReplicationProgress(ctx context.Context, sourceLogID string) (progress uint64, targetVT vtime.T, err error)

	// ReplicationWrite durably applies events received from sourceLogID.
	// Implementations MUST discard any event e with
	// e.VectorTime().LessOrEqual(targetVTBeforeApply) as a duplicate rather
	// than re-applying it, while still advancing progress past it.
	// The log takes no continue flag; the Replicator decides whether to
	// read again from the read result.
	ReplicationWrite(ctx context.Context, events []model.DurableEvent, progress uint64, sourceLogID string, sourceVT vtime.T) (WriteResult, error)

	// Read serves a source-side ReplicationRead: at most maxEvents events
	// starting at fromSeq, scanning at most scanLimit sequence slots,
	// keeping only events f.Evaluate accepts. NewProgress is
	// min(last_scanned_seq, source_head) even when fewer events passed the
	// filter than slots scanned (the "continue" bypass).
	Read(ctx context.Context, fromSeq uint64, maxEvents, scanLimit int, f model.Filter, targetVT vtime.T) (ReadResult, error)

	// Delete advances the logical deletion watermark to min(toSeq, sequence
	// number), never lowering it, and returns the effective watermark.
	// remoteLogIDs is not consulted by memlog or eventlogpg: the watermark
	// does not wait for those remotes to pull past it. Physical removal is
	// out of scope.
	Delete(ctx context.Context, toSeq uint64, remoteLogIDs map[string]struct{}) (watermark uint64, err error)

	// SequenceNr returns the log's current (local) sequence number.
	SequenceNr(ctx context.Context) (uint64, error)

	// VectorTime returns the log's current aggregate vector time.
	VectorTime(ctx context.Context) (vtime.T, error)

	// AdjustSequenceNr restores the invariant sequence_nr >= vector_time[self]
	// after recovery. See DESIGN.md for the no-op-when-already-satisfied
	// semantics.
	AdjustSequenceNr(ctx context.Context, selfEndpointID string) error

	// ResetProgress unconditionally clears progress[sourceLogID] back to
	// zero. Called on a remote's logs during recovery: the recovering
	// endpoint's own sequence counter may have rewound after a storage
	// restore, so a remote that previously replicated from it must forget
	// how far it thought it had pulled, or it risks skipping genuinely new
	// events that now reuse old sequence numbers. Always safe:
	// events already applied are simply re-deduplicated by the vector-time
	// check in ReplicationWrite, not reapplied.
	ResetProgress(ctx context.Context, sourceLogID string) error
}
