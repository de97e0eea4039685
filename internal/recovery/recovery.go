// Package recovery implements the five-step disaster recovery protocol: it
// reads local endpoint info, synchronizes progress with every remote,
// replays unfiltered links before filtered ones, and finally restores the
// sequence_nr invariant on every local log, in fixed phases each awaiting
// the previous.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicore/internal/acceptor"
	"github.com/jfoltran/replicore/internal/eventlog"
	"github.com/jfoltran/replicore/internal/failuredetector"
	"github.com/jfoltran/replicore/internal/filter"
	"github.com/jfoltran/replicore/internal/model"
	"github.com/jfoltran/replicore/internal/pushregistry"
	"github.com/jfoltran/replicore/internal/replicator"
	"github.com/jfoltran/replicore/internal/transport"
	"github.com/jfoltran/replicore/internal/vtime"
)

// Exception reports a failed recovery run: partial_update tells the
// caller whether a blind retry risks writing causally-out-of-order events.
type Exception struct {
	Cause         error
	PartialUpdate bool
}

func (e *Exception) Error() string {
	return fmt.Sprintf("recovery: %v (partial_update=%v)", e.Cause, e.PartialUpdate)
}

func (e *Exception) Unwrap() error { return e.Cause }

func fail(cause error, partial bool) *Exception {
	return &Exception{Cause: cause, PartialUpdate: partial}
}

// SnapshotIndex is the narrow, optional collaborator recover_links consults
// to invalidate application snapshots that reference events a log may have
// lost and re-pulled at different positions. Real deployments with no
// application-level snapshot cache can pass NoSnapshots.
type SnapshotIndex interface {
	// CoveredVectorTimes returns every snapshot id for logID along with the
	// vector time it claims to cover.
	CoveredVectorTimes(ctx context.Context, logID string) (map[string]vtime.T, error)
	// Invalidate drops a snapshot that is no longer valid.
	Invalidate(ctx context.Context, logID, snapshotID string) error
}

type noSnapshots struct{}

func (noSnapshots) CoveredVectorTimes(context.Context, string) (map[string]vtime.T, error) {
	return nil, nil
}
func (noSnapshots) Invalidate(context.Context, string, string) error { return nil }

// NoSnapshots is the default SnapshotIndex: no application snapshot cache to
// invalidate.
var NoSnapshots SnapshotIndex = noSnapshots{}

// Connection pairs one remote connection with the protocol used to dial it,
// the same addressing the Connector uses.
type Connection struct {
	Conn     model.ReplicationConnection
	Protocol string
}

// Config carries the timing parameters recover_links needs, reusing the
// Replicator's own Config since a recovered link is driven by an ordinary
// Replicator-like loop.
type Config struct {
	Replicator   replicator.Config
	PollInterval time.Duration // how often recover_links checks target progress
	LinkTimeout  time.Duration // overall deadline per link before giving up
}

// Coordinator runs the recovery protocol for one endpoint.
type Coordinator struct {
	selfEndpointID string
	acceptor       *acceptor.Acceptor
	connections    []Connection
	logs           map[string]eventlog.Log
	client         transport.PeerClient
	detector       *failuredetector.Detector
	writes         *pushregistry.Registry
	snapshots      SnapshotIndex
	cfg            Config
	logger         zerolog.Logger
}

// New creates a Coordinator.
func New(selfEndpointID string, acc *acceptor.Acceptor, connections []Connection, logs map[string]eventlog.Log, client transport.PeerClient, detector *failuredetector.Detector, writes *pushregistry.Registry, snapshots SnapshotIndex, cfg Config, logger zerolog.Logger) *Coordinator {
	if snapshots == nil {
		snapshots = NoSnapshots
	}
	return &Coordinator{
		selfEndpointID: selfEndpointID,
		acceptor:       acc,
		connections:    connections,
		logs:           logs,
		client:         client,
		detector:       detector,
		writes:         writes,
		snapshots:      snapshots,
		cfg:            cfg,
		logger:         logger.With().Str("component", "recovery-coordinator").Logger(),
	}
}

// Recover runs the five recovery steps sequentially, returning *Exception
// on any failure.
func (c *Coordinator) Recover(ctx context.Context) error {
	info, err := c.acceptor.HandleGetReplicationEndpointInfo(ctx)
	if err != nil {
		return fail(fmt.Errorf("read local endpoint info: %w", err), false)
	}
	c.logger.Info().Interface("log_sequence_nrs", info.LogSequenceNrs).Msg("read local endpoint info")

	links, err := c.synchronize(ctx, info)
	if err != nil {
		return fail(err, false)
	}

	unfiltered, filtered := c.partition(links)
	c.logger.Info().Int("unfiltered", len(unfiltered)).Int("filtered", len(filtered)).Msg("partitioned recovery links")

	if err := c.recoverLinks(ctx, unfiltered); err != nil {
		return fail(fmt.Errorf("recover unfiltered links: %w", err), true)
	}
	if err := c.recoverLinks(ctx, filtered); err != nil {
		return fail(fmt.Errorf("recover filtered links: %w", err), true)
	}

	if err := c.adjustClocks(ctx); err != nil {
		return fail(fmt.Errorf("adjust local log clocks: %w", err), true)
	}

	c.acceptor.SetMode(acceptor.Normal)
	c.logger.Info().Msg("recovery completed, acceptor switched to normal mode")
	return nil
}

// synchronize is step 2: tell every remote our own info (so it resets its
// progress tracking for us) and learn remote_sequence_nr per common log.
func (c *Coordinator) synchronize(ctx context.Context, info model.ReplicationEndpointInfo) ([]model.RecoveryLink, error) {
	localNames := make(map[string]struct{}, len(c.logs))
	for name := range c.logs {
		localNames[name] = struct{}{}
	}

	var links []model.RecoveryLink
	for _, conn := range c.connections {
		addr := conn.Conn.Address(conn.Protocol)

		sctx, cancel := context.WithTimeout(ctx, c.cfg.Replicator.RemoteReadTimeout)
		remoteInfo, err := c.client.SynchronizeRecovery(sctx, addr, info)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("synchronize with %s: %w", conn.Conn.PeerSystemName, err)
		}

		common := model.CommonLogNames(localNames, remoteInfo.LogNames())
		for name := range common {
			localSeq, err := c.logs[name].SequenceNr(ctx)
			if err != nil {
				return nil, fmt.Errorf("local sequence nr for %s: %w", name, err)
			}
			links = append(links, model.RecoveryLink{
				Link: model.ReplicationLink{
					Source: model.ReplicationSource{
						EndpointID:          remoteInfo.EndpointID,
						LogName:             name,
						LogID:               model.LogID(remoteInfo.EndpointID, name),
						PeerAcceptorAddress: addr,
					},
					Target: model.ReplicationTarget{
						OwningEndpointID: c.selfEndpointID,
						LogName:          name,
						LogID:            model.LogID(c.selfEndpointID, name),
					},
				},
				RemoteSequenceNr: remoteInfo.LogSequenceNrs[name],
				LocalSequenceNr:  localSeq,
			})
		}
	}
	return links, nil
}

// partition splits links by is_filtered_link: a link is filtered iff its
// owning connection supplies a non-trivial filter for the link's log name.
func (c *Coordinator) partition(links []model.RecoveryLink) (unfiltered, filtered []model.RecoveryLink) {
	byPeer := make(map[string]model.ReplicationConnection, len(c.connections))
	for _, conn := range c.connections {
		byPeer[conn.Conn.PeerSystemName] = conn.Conn
	}

	for _, rl := range links {
		conn := byPeer[rl.Link.Source.PeerAcceptorAddress.SystemName]
		if filter.IsFiltered(conn.PerLogFilters, rl.Link.Source.LogName) {
			filtered = append(filtered, rl)
		} else {
			unfiltered = append(unfiltered, rl)
		}
	}
	return unfiltered, filtered
}

// recoverLinks drives one Replicator per RecoveryLink until the target log's
// progress for that source reaches remote_sequence_nr, then invalidates any
// snapshot whose covered vector time the log has not (yet, or any longer)
// subsumed.
func (c *Coordinator) recoverLinks(ctx context.Context, links []model.RecoveryLink) error {
	if len(links) == 0 {
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, rl := range links {
		wg.Add(1)
		go func(rl model.RecoveryLink) {
			defer wg.Done()
			if err := c.recoverOneLink(ctx, rl); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(rl)
	}
	wg.Wait()
	return firstErr
}

func (c *Coordinator) recoverOneLink(ctx context.Context, rl model.RecoveryLink) error {
	targetLog, ok := c.logs[rl.Link.Target.LogName]
	if !ok {
		return fmt.Errorf("no local log handle for %s", rl.Link.Target.LogName)
	}

	lctx, cancel := context.WithTimeout(ctx, c.cfg.LinkTimeout)
	defer cancel()

	r := replicator.New(rl.Link, targetLog, c.client, c.detector, c.writes, c.cfg.Replicator, c.logger)
	rctx, rcancel := context.WithCancel(lctx)
	go r.Run(rctx)
	defer func() {
		r.Stop()
		rcancel()
	}()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		progress, _, err := targetLog.GetReplicationProgress(lctx, rl.Link.Source.LogID)
		if err == nil && progress >= rl.RemoteSequenceNr {
			return c.invalidateStaleSnapshots(ctx, rl.Link.Target.LogID, targetLog)
		}
		select {
		case <-lctx.Done():
			return fmt.Errorf("link %s did not reach remote_sequence_nr=%d before deadline: %w", rl.Link.String(), rl.RemoteSequenceNr, lctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) invalidateStaleSnapshots(ctx context.Context, logID string, log eventlog.Log) error {
	covered, err := c.snapshots.CoveredVectorTimes(ctx, logID)
	if err != nil {
		return fmt.Errorf("list covered snapshot vector times: %w", err)
	}
	if len(covered) == 0 {
		return nil
	}
	currentVT, err := log.VectorTime(ctx)
	if err != nil {
		return fmt.Errorf("read current vector time: %w", err)
	}
	for snapshotID, vt := range covered {
		if !vt.LessOrEqual(currentVT) {
			if err := c.snapshots.Invalidate(ctx, logID, snapshotID); err != nil {
				return fmt.Errorf("invalidate snapshot %s: %w", snapshotID, err)
			}
		}
	}
	return nil
}

// adjustClocks is step 5: restore the sequence_nr invariant on every local log.
func (c *Coordinator) adjustClocks(ctx context.Context) error {
	var errs []error
	for name, l := range c.logs {
		if err := l.AdjustSequenceNr(ctx, c.selfEndpointID); err != nil {
			errs = append(errs, fmt.Errorf("log %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
