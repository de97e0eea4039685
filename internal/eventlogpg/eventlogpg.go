// Package eventlogpg is the durable, Postgres-backed eventlog.Log
// implementation: the production counterpart to memlog.Log, exercising the
// same interface against tables instead of an in-process slice. One Log
// value owns one (endpoint, name) row; replication state (sequence
// counter, aggregate vector time, per-source progress watermarks) lives in
// eventlog_logs/eventlog_progress and is mutated under row-level locks so
// concurrent ReplicationWrite/AdjustSequenceNr calls serialize per log.
package eventlogpg

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/replicore/internal/eventlog"
	"github.com/jfoltran/replicore/internal/model"
	"github.com/jfoltran/replicore/internal/vtime"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// EnsureSchema creates the eventlog tables if they do not already exist.
// Safe to call concurrently from every endpoint process sharing pool; the
// DDL is idempotent and there is no version ladder to walk since the
// package ships a single, fixed schema.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("eventlogpg: read migrations dir: %w", err)
	}
	for _, e := range entries {
		sql, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("eventlogpg: read migration %s: %w", e.Name(), err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("eventlogpg: apply migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Log is a single named event log backed by a shared connection pool.
type Log struct {
	pool   *pgxpool.Pool
	id     string
	name   string
	logger zerolog.Logger
}

// Open returns the Log identified by id/name, creating its row in
// eventlog_logs on first use. Callers normally hold one Log per (endpoint,
// log name) pair for the process lifetime; EnsureSchema must have been
// called on pool beforehand.
func Open(ctx context.Context, pool *pgxpool.Pool, id, name string, logger zerolog.Logger) (*Log, error) {
	_, err := pool.Exec(ctx, `
		INSERT INTO eventlog_logs (log_id, log_name) VALUES ($1, $2)
		ON CONFLICT (log_id) DO NOTHING
	`, id, name)
	if err != nil {
		return nil, fmt.Errorf("eventlogpg: register log %s: %w", id, err)
	}
	return &Log{
		pool:   pool,
		id:     id,
		name:   name,
		logger: logger.With().Str("component", "eventlogpg").Str("log_id", id).Logger(),
	}, nil
}

func (l *Log) ID() string   { return l.id }
func (l *Log) Name() string { return l.name }

func encodeVT(vt vtime.T) ([]byte, error) {
	return json.Marshal(vt)
}

func decodeVT(b []byte) (vtime.T, error) {
	vt := vtime.New()
	if len(b) == 0 {
		return vt, nil
	}
	if err := json.Unmarshal(b, &vt); err != nil {
		return nil, err
	}
	return vt, nil
}

func (l *Log) GetReplicationProgress(ctx context.Context, sourceLogID string) (uint64, vtime.T, error) {
	var vtBytes []byte
	var progress uint64
	err := l.pool.QueryRow(ctx, `
		SELECT l.vector_time, COALESCE(p.progress, 0)
		FROM eventlog_logs l
		LEFT JOIN eventlog_progress p ON p.log_id = l.log_id AND p.source_log_id = $2
		WHERE l.log_id = $1
	`, l.id, sourceLogID).Scan(&vtBytes, &progress)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, vtime.New(), eventlog.ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("eventlogpg: get replication progress: %w", err)
	}
	vt, err := decodeVT(vtBytes)
	if err != nil {
		return 0, nil, fmt.Errorf("eventlogpg: decode vector time: %w", err)
	}
	return progress, vt, nil
}

// ReplicationWrite applies events inside a transaction that holds the log's
// row lock for its duration, so two concurrent writers to the same log
// (should that ever happen) serialize rather than race the dedup check.
func (l *Log) ReplicationWrite(ctx context.Context, events []model.DurableEvent, progress uint64, sourceLogID string, _ vtime.T) (eventlog.WriteResult, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return eventlog.WriteResult{}, fmt.Errorf("eventlogpg: begin write tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq uint64
	var vtBytes []byte
	err = tx.QueryRow(ctx, `
		SELECT seq, vector_time FROM eventlog_logs WHERE log_id = $1 FOR UPDATE
	`, l.id).Scan(&seq, &vtBytes)
	if err != nil {
		return eventlog.WriteResult{}, fmt.Errorf("eventlogpg: lock log row: %w", err)
	}
	vt, err := decodeVT(vtBytes)
	if err != nil {
		return eventlog.WriteResult{}, fmt.Errorf("eventlogpg: decode vector time: %w", err)
	}

	for _, e := range events {
		// Discard duplicates instead of re-applying them, checked against
		// the running aggregate so within-batch duplicates are also caught.
		if e.VectorTime().LessOrEqual(vt) {
			continue
		}
		se, ok := e.(model.SimpleEvent)
		if !ok {
			return eventlog.WriteResult{}, errors.New("eventlogpg: log received a DurableEvent that is not a SimpleEvent")
		}
		seq++
		evtVT, err := encodeVT(se.VT)
		if err != nil {
			return eventlog.WriteResult{}, fmt.Errorf("eventlogpg: encode event vector time: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO eventlog_events (log_id, seq, payload, emitter, vector_time)
			VALUES ($1, $2, $3, $4, $5::jsonb)
		`, l.id, seq, se.Payload, se.Emitter, evtVT); err != nil {
			return eventlog.WriteResult{}, fmt.Errorf("eventlogpg: insert event: %w", err)
		}
		vt = vt.Merge(se.VT)
	}

	newVT, err := encodeVT(vt)
	if err != nil {
		return eventlog.WriteResult{}, fmt.Errorf("eventlogpg: encode log vector time: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE eventlog_logs SET seq = $2, vector_time = $3::jsonb WHERE log_id = $1
	`, l.id, seq, newVT); err != nil {
		return eventlog.WriteResult{}, fmt.Errorf("eventlogpg: update log row: %w", err)
	}

	// progress is monotone non-decreasing.
	var storedProgress uint64
	err = tx.QueryRow(ctx, `
		INSERT INTO eventlog_progress (log_id, source_log_id, progress)
		VALUES ($1, $2, $3)
		ON CONFLICT (log_id, source_log_id) DO UPDATE
			SET progress = GREATEST(eventlog_progress.progress, EXCLUDED.progress)
		RETURNING progress
	`, l.id, sourceLogID, progress).Scan(&storedProgress)
	if err != nil {
		return eventlog.WriteResult{}, fmt.Errorf("eventlogpg: upsert progress: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return eventlog.WriteResult{}, fmt.Errorf("eventlogpg: commit write tx: %w", err)
	}

	return eventlog.WriteResult{StoredProgress: storedProgress, TargetVT: vt}, nil
}

func (l *Log) Read(ctx context.Context, fromSeq uint64, maxEvents, scanLimit int, f model.Filter, targetVT vtime.T) (eventlog.ReadResult, error) {
	var head uint64
	var selfVTBytes []byte
	if err := l.pool.QueryRow(ctx, `
		SELECT seq, vector_time FROM eventlog_logs WHERE log_id = $1
	`, l.id).Scan(&head, &selfVTBytes); err != nil {
		return eventlog.ReadResult{}, fmt.Errorf("eventlogpg: read log head: %w", err)
	}
	selfVT, err := decodeVT(selfVTBytes)
	if err != nil {
		return eventlog.ReadResult{}, fmt.Errorf("eventlogpg: decode vector time: %w", err)
	}

	rows, err := l.pool.Query(ctx, `
		SELECT seq, payload, emitter, vector_time
		FROM eventlog_events
		WHERE log_id = $1 AND seq >= $2
		ORDER BY seq ASC
		LIMIT $3
	`, l.id, fromSeq, scanLimit)
	if err != nil {
		return eventlog.ReadResult{}, fmt.Errorf("eventlogpg: scan events: %w", err)
	}
	defer rows.Close()

	lastScanned := uint64(0)
	if fromSeq > 0 {
		lastScanned = fromSeq - 1
	}

	var matched []model.DurableEvent
	for rows.Next() {
		var seq uint64
		var payload []byte
		var emitter string
		var evtVTBytes []byte
		if err := rows.Scan(&seq, &payload, &emitter, &evtVTBytes); err != nil {
			return eventlog.ReadResult{}, fmt.Errorf("eventlogpg: scan event row: %w", err)
		}
		lastScanned = seq

		evtVT, err := decodeVT(evtVTBytes)
		if err != nil {
			return eventlog.ReadResult{}, fmt.Errorf("eventlogpg: decode event vector time: %w", err)
		}

		// Source-side pre-filter optimisation: an event already reflected
		// in the target's vector time need not cross the wire at all.
		if evtVT.LessOrEqual(targetVT) {
			continue
		}
		se := model.SimpleEvent{Payload: payload, Emitter: emitter, VT: evtVT}
		if f != nil && !f.Evaluate(se) {
			continue
		}
		matched = append(matched, se)
		if len(matched) >= maxEvents {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return eventlog.ReadResult{}, fmt.Errorf("eventlogpg: iterate events: %w", err)
	}

	newProgress := lastScanned
	if head < newProgress {
		newProgress = head
	}

	return eventlog.ReadResult{
		Events:      matched,
		FromSeq:     fromSeq,
		NewProgress: newProgress,
		SourceVT:    selfVT,
	}, nil
}

func (l *Log) Delete(ctx context.Context, toSeq uint64, _ map[string]struct{}) (uint64, error) {
	var watermark uint64
	err := l.pool.QueryRow(ctx, `
		UPDATE eventlog_logs
		SET deleted_seq = GREATEST(deleted_seq, LEAST($2, seq))
		WHERE log_id = $1
		RETURNING deleted_seq
	`, l.id, toSeq).Scan(&watermark)
	if err != nil {
		return 0, fmt.Errorf("eventlogpg: advance delete watermark: %w", err)
	}
	return watermark, nil
}

func (l *Log) SequenceNr(ctx context.Context) (uint64, error) {
	var seq uint64
	if err := l.pool.QueryRow(ctx, `SELECT seq FROM eventlog_logs WHERE log_id = $1`, l.id).Scan(&seq); err != nil {
		return 0, fmt.Errorf("eventlogpg: read sequence number: %w", err)
	}
	return seq, nil
}

func (l *Log) VectorTime(ctx context.Context) (vtime.T, error) {
	var vtBytes []byte
	if err := l.pool.QueryRow(ctx, `SELECT vector_time FROM eventlog_logs WHERE log_id = $1`, l.id).Scan(&vtBytes); err != nil {
		return nil, fmt.Errorf("eventlogpg: read vector time: %w", err)
	}
	return decodeVT(vtBytes)
}

// AdjustSequenceNr restores the invariant sequence_nr >= vector_time[self].
// If sequence_nr already exceeds vector_time[self] this is a no-op.
func (l *Log) AdjustSequenceNr(ctx context.Context, selfEndpointID string) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("eventlogpg: begin adjust tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq uint64
	var vtBytes []byte
	if err := tx.QueryRow(ctx, `
		SELECT seq, vector_time FROM eventlog_logs WHERE log_id = $1 FOR UPDATE
	`, l.id).Scan(&seq, &vtBytes); err != nil {
		return fmt.Errorf("eventlogpg: lock log row: %w", err)
	}
	vt, err := decodeVT(vtBytes)
	if err != nil {
		return fmt.Errorf("eventlogpg: decode vector time: %w", err)
	}

	if want := vt.Get(selfEndpointID); want > seq {
		if _, err := tx.Exec(ctx, `UPDATE eventlog_logs SET seq = $2 WHERE log_id = $1`, l.id, want); err != nil {
			return fmt.Errorf("eventlogpg: raise sequence number: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ResetProgress unconditionally clears progress[sourceLogID].
func (l *Log) ResetProgress(ctx context.Context, sourceLogID string) error {
	if _, err := l.pool.Exec(ctx, `
		DELETE FROM eventlog_progress WHERE log_id = $1 AND source_log_id = $2
	`, l.id, sourceLogID); err != nil {
		return fmt.Errorf("eventlogpg: reset progress: %w", err)
	}
	return nil
}

var _ eventlog.Log = (*Log)(nil)
