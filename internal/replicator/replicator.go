// Package replicator implements the per-link Fetching -> Reading -> Writing
// -> Idle state machine. One Replicator drives exactly one ReplicationLink;
// it never mutates another link's state and performs no causal
// deduplication itself (that is the target log's job) beyond faithfully
// forwarding the vector times it is given.
//
// Modelled as a single goroutine processing one phase to completion before
// the next, a single-threaded cooperative actor, with the three suspension
// points (fetch, remote read, local write) implemented as context-bounded
// calls whose timeout synthesizes the same failure the state machine would
// see from a reported error.
package replicator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicore/internal/eventlog"
	"github.com/jfoltran/replicore/internal/failuredetector"
	"github.com/jfoltran/replicore/internal/model"
	"github.com/jfoltran/replicore/internal/pushregistry"
	"github.com/jfoltran/replicore/internal/transport"
	"github.com/jfoltran/replicore/internal/vtime"
)

// State names one of the four replicator phases.
type State int

const (
	Fetching State = iota
	Reading
	Writing
	Idle
)

func (s State) String() string {
	switch s {
	case Fetching:
		return "Fetching"
	case Reading:
		return "Reading"
	case Writing:
		return "Writing"
	case Idle:
		return "Idle"
	default:
		return "Unknown"
	}
}

// Config carries the timing/batch parameters for one replicator.
type Config struct {
	WriteBatchSize    int
	RemoteScanLimit   int
	RetryDelay        time.Duration
	ReadTimeout       time.Duration // local fetch (GetReplicationProgress)
	RemoteReadTimeout time.Duration
	WriteTimeout      time.Duration
	AppName           string
	AppVersion        model.ApplicationVersion
}

// Replicator drives one ReplicationLink. It carries no Filter of its own:
// filter resolution happens on the serving side, inside the remote
// endpoint's Acceptor, which resolves endpoint_filters.filter_for
// from (target_log_id, source_log_name) — both of which already identify
// the request without needing an opaque predicate to cross the wire.
type Replicator struct {
	link      model.ReplicationLink
	targetLog eventlog.Log
	client    transport.PeerClient
	detector  *failuredetector.Detector
	writes    *pushregistry.Registry
	cfg       Config
	logger    zerolog.Logger

	due chan struct{}

	stateMu sync.Mutex
	state   State

	unregisterPush func()
	stopOnce       sync.Once
	stopped        chan struct{}
}

// New creates a Replicator for link.
func New(link model.ReplicationLink, targetLog eventlog.Log, client transport.PeerClient, detector *failuredetector.Detector, writes *pushregistry.Registry, cfg Config, logger zerolog.Logger) *Replicator {
	r := &Replicator{
		link:      link,
		targetLog: targetLog,
		client:    client,
		detector:  detector,
		writes:    writes,
		cfg:       cfg,
		logger:    logger.With().Str("component", "replicator").Str("link", link.String()).Logger(),
		due:       make(chan struct{}, 1),
		state:     Fetching,
		stopped:   make(chan struct{}),
	}
	r.unregisterPush = writes.Register(link.Target.LogID, r.Notify)
	return r
}

// State reports the replicator's current phase. Tests read this; the
// replicator's own control flow never branches on it.
func (r *Replicator) State() State {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

func (r *Replicator) setState(s State) {
	r.stateMu.Lock()
	r.state = s
	r.stateMu.Unlock()
}

// Notify delivers a ReplicationDue push hint. It never blocks: if the
// mailbox already holds a pending hint, this one is coalesced away (the
// replicator only ever needs to know "there may be more to read", not how
// many times it was told so).
func (r *Replicator) Notify() {
	select {
	case r.due <- struct{}{}:
	default:
	}
}

// Stop cancels any pending scheduled retry and deregisters from the push
// registry. Run returns once Stop has been called and the current
// suspension point (if any) unblocks.
func (r *Replicator) Stop() {
	r.stopOnce.Do(func() {
		r.unregisterPush()
		close(r.stopped)
	})
}

// Run drives the state machine until ctx is cancelled or Stop is called.
// It starts in Fetching.
func (r *Replicator) Run(ctx context.Context) {
	r.setState(Fetching)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopped:
			return
		default:
		}

		// Fetching is the only externally-visible entry state; Reading,
		// Writing and Idle are all traversed synchronously within
		// runFetching's own call chain (including its retry wait) and
		// never observed here as the loop's own dispatch point.
		r.setState(r.runFetching(ctx))
	}
}

func (r *Replicator) runFetching(ctx context.Context) State {
	r.setState(Fetching)

	fctx, cancel := context.WithTimeout(ctx, r.cfg.ReadTimeout)
	progress, targetVT, err := r.targetLog.GetReplicationProgress(fctx, r.link.Source.LogID)
	cancel()
	if err != nil {
		r.logger.Warn().Err(err).Msg("get replication progress failed")
		r.sleepIgnoringPush(ctx, r.cfg.RetryDelay)
		return Fetching
	}

	return r.runReading(ctx, progress, targetVT)
}

// runReading issues the remote ReplicationRead and, on success, hands off
// straight into runWriting: the transition table's Reading->Writing edge is
// a single synchronous step, not a round trip through the outer loop.
func (r *Replicator) runReading(ctx context.Context, fromProgress uint64, targetVT vtime.T) State {
	r.setState(Reading)

	req := transport.ReadRequest{
		FromSeq:       fromProgress + 1,
		MaxEvents:     r.cfg.WriteBatchSize,
		ScanLimit:     r.cfg.RemoteScanLimit,
		TargetLogID:   r.link.Target.LogID,
		SourceLogName: r.link.Source.LogName,
		TargetVT:      targetVT,
		AppName:       r.cfg.AppName,
		AppVersion:    r.cfg.AppVersion,
	}

	rctx, cancel := context.WithTimeout(ctx, r.cfg.RemoteReadTimeout)
	resp, err := r.client.ReplicationRead(rctx, r.link.Source.PeerAcceptorAddress, req)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = transport.ErrReadTimeout
		}
		r.logger.Warn().Err(err).Msg("replication read failed")
		r.detector.FailureDetected(r.link.Source.EndpointID, r.link.Source.LogName, err)
		return r.waitForRetry(ctx)
	}

	r.detector.AvailabilityDetected(r.link.Source.EndpointID, r.link.Source.LogName)
	cont := resp.NewProgress >= req.FromSeq
	return r.runWriting(ctx, resp, cont)
}

func (r *Replicator) runWriting(ctx context.Context, resp transport.ReadResponse, cont bool) State {
	r.setState(Writing)

	events := make([]model.DurableEvent, len(resp.Events))
	for i, e := range resp.Events {
		events[i] = e
	}

	wctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	result, err := r.targetLog.ReplicationWrite(wctx, events, resp.NewProgress, r.link.Source.LogID, resp.SourceVT)
	cancel()
	if err != nil {
		r.logger.Warn().Err(err).Msg("replication write failed")
		return r.waitForRetry(ctx)
	}

	// "notify local acceptor": fan ReplicationDue out to sibling
	// replicators sharing this target log.
	r.writes.NotifyWriteSuccess(r.link.Target.LogID)

	if cont {
		return r.runReading(ctx, result.StoredProgress, result.TargetVT)
	}
	return r.waitForRetry(ctx)
}

// waitForRetry is the single suspension point between cycles: every path
// that decides to wait out retry_delay enters Idle here and stays there for
// the whole wait, so a push landing during the wait is raced against the
// timer instead of being silently absorbed by a prior state's blocking
// sleep. Returns Fetching if woken (by either means) before ctx is done.
func (r *Replicator) waitForRetry(ctx context.Context) State {
	r.setState(Idle)

	// Drop a leftover hint that arrived while not Idle before listening
	// fresh: the transition table's "any state: ReplicationDue while not
	// Idle -> ignore" rule.
	select {
	case <-r.due:
	default:
	}

	timer := time.NewTimer(r.cfg.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Idle
	case <-r.stopped:
		return Idle
	case <-r.due:
	case <-timer.C:
	}
	return Fetching
}

// sleepIgnoringPush waits out d without reacting to push hints.
func (r *Replicator) sleepIgnoringPush(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-r.stopped:
	case <-timer.C:
	}
}
