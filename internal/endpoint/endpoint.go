// Package endpoint implements the facade that owns an endpoint's logs,
// connectors and acceptor, and exposes the four lifecycle operations
// (activate, recover, delete, log_id/common_log_names) behind one atomic
// activation flag guarding a set of managed goroutines.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicore/internal/acceptor"
	"github.com/jfoltran/replicore/internal/connector"
	"github.com/jfoltran/replicore/internal/eventlog"
	"github.com/jfoltran/replicore/internal/failuredetector"
	"github.com/jfoltran/replicore/internal/filter"
	"github.com/jfoltran/replicore/internal/model"
	"github.com/jfoltran/replicore/internal/pushregistry"
	"github.com/jfoltran/replicore/internal/recovery"
	"github.com/jfoltran/replicore/internal/replicator"
	"github.com/jfoltran/replicore/internal/transport"
)

// State is the endpoint lifecycle: created -> (activated | recovering ->
// activated) -> terminated, with exactly one transition permitted out of
// created.
type State int32

const (
	StateCreated State = iota
	StateRecovering
	StateActivated
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRecovering:
		return "recovering"
	case StateActivated:
		return "activated"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IllegalStateError is the non-retryable programmer-error class: double
// activate, or recover with no connections.
type IllegalStateError struct {
	Reason string
}

func (e *IllegalStateError) Error() string { return "endpoint: illegal state: " + e.Reason }

// Endpoint is the replication endpoint facade.
type Endpoint struct {
	id          string
	logs        map[string]eventlog.Log
	acceptor    *acceptor.Acceptor
	connections []model.ReplicationConnection
	protocol    string
	client      transport.PeerClient
	detector    *failuredetector.Detector
	writes      *pushregistry.Registry
	repCfg      replicator.Config
	recCfg      recovery.Config
	snapshots   recovery.SnapshotIndex
	logger      zerolog.Logger

	state atomic.Int32

	mu         sync.Mutex
	connectors []*connector.Connector
	runCtx     context.Context
}

// New constructs an Endpoint in state created. It fails loudly if two log
// names hash to the same log_id; with the sha256-based f(endpoint_id,
// log_name) of internal/model this can only happen from a hash collision,
// but the check is construction-time and cheap, so it is always performed
// rather than assumed away.
func New(
	id, appName string,
	appVersion model.ApplicationVersion,
	logs map[string]eventlog.Log,
	connections []model.ReplicationConnection,
	protocol string,
	client transport.PeerClient,
	detector *failuredetector.Detector,
	writes *pushregistry.Registry,
	filters filter.Endpoint,
	repCfg replicator.Config,
	recCfg recovery.Config,
	snapshots recovery.SnapshotIndex,
	logger zerolog.Logger,
) (*Endpoint, error) {
	seen := make(map[string]string, len(logs))
	for name := range logs {
		logID := model.LogID(id, name)
		if other, ok := seen[logID]; ok {
			return nil, fmt.Errorf("endpoint: log_id collision: %q and %q both hash to %s", other, name, logID)
		}
		seen[logID] = name
	}

	acc := acceptor.New(id, appName, appVersion, logs, filters, logger)

	return &Endpoint{
		id:          id,
		logs:        logs,
		acceptor:    acc,
		connections: connections,
		protocol:    protocol,
		client:      client,
		detector:    detector,
		writes:      writes,
		repCfg:      repCfg,
		recCfg:      recCfg,
		snapshots:   snapshots,
		logger:      logger.With().Str("component", "endpoint").Str("endpoint_id", id).Logger(),
	}, nil
}

// Acceptor returns the endpoint's PeerServer, for wiring into a transport
// listener.
func (e *Endpoint) Acceptor() *acceptor.Acceptor { return e.acceptor }

// State reports the current lifecycle state.
func (e *Endpoint) State() State { return State(e.state.Load()) }

// LogID computes f(id, log_name).
func (e *Endpoint) LogID(logName string) string { return model.LogID(e.id, logName) }

// CommonLogNames is self.log_names ∩ info.log_names.
func (e *Endpoint) CommonLogNames(info model.ReplicationEndpointInfo) map[string]struct{} {
	local := make(map[string]struct{}, len(e.logs))
	for name := range e.logs {
		local[name] = struct{}{}
	}
	return model.CommonLogNames(local, info.LogNames())
}

// Activate performs the atomic test-and-set on the activation flag; on
// success it puts the acceptor in Normal mode and starts every Connector
// with no preset links (normal discovery path).
func (e *Endpoint) Activate(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateCreated), int32(StateActivated)) {
		if State(e.state.Load()) == StateRecovering {
			return &IllegalStateError{Reason: "recovery in progress"}
		}
		return &IllegalStateError{Reason: "already activated"}
	}
	e.acceptor.SetMode(acceptor.Normal)
	e.startConnectors(ctx, nil)
	return nil
}

// Recover runs the Recovery Coordinator to completion; on success it moves
// to Activated, starts the normal Connectors, and returns nil. On failure
// with partial_update=false the endpoint reverts to created so the caller
// may retry; with partial_update=true it remains in recovering (state that
// can only be inspected, never retried automatically — there is no
// mechanism for resuming a partially-applied recovery, so further action is
// an operator decision, not this facade's to make).
func (e *Endpoint) Recover(ctx context.Context) error {
	if len(e.connections) == 0 {
		return &IllegalStateError{Reason: "recover with no connections"}
	}
	if !e.state.CompareAndSwap(int32(StateCreated), int32(StateRecovering)) {
		return &IllegalStateError{Reason: "already activated or recovering"}
	}

	conns := make([]recovery.Connection, len(e.connections))
	for i, c := range e.connections {
		conns[i] = recovery.Connection{Conn: c, Protocol: e.protocol}
	}
	coordinator := recovery.New(e.id, e.acceptor, conns, e.logs, e.client, e.detector, e.writes, e.snapshots, e.recCfg, e.logger)

	err := coordinator.Recover(ctx)
	if err != nil {
		var exc *recovery.Exception
		if errors.As(err, &exc) && !exc.PartialUpdate {
			e.state.Store(int32(StateCreated))
		}
		return err
	}

	e.state.Store(int32(StateActivated))
	e.startConnectors(ctx, nil)
	return nil
}

// Delete implements Endpoint.delete: a logical-delete request against the
// named local log, scoped to the remote log_ids computed via
// f(remote_endpoint_id, log_name).
func (e *Endpoint) Delete(ctx context.Context, logName string, toSeq uint64, remoteEndpointIDs []string) (uint64, error) {
	l, ok := e.logs[logName]
	if !ok {
		return 0, fmt.Errorf("endpoint: no such local log %q", logName)
	}
	remoteLogIDs := make(map[string]struct{}, len(remoteEndpointIDs))
	for _, rid := range remoteEndpointIDs {
		remoteLogIDs[model.LogID(rid, logName)] = struct{}{}
	}
	return l.Delete(ctx, toSeq, remoteLogIDs)
}

func (e *Endpoint) startConnectors(ctx context.Context, presetLinks []model.ReplicationLink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runCtx = ctx
	for _, conn := range e.connections {
		c := connector.New(e.id, conn, e.protocol, e.logs, e.client, e.detector, e.writes, e.repCfg, e.logger)
		c.Start(ctx, presetLinks)
		e.connectors = append(e.connectors, c)
	}
}

// Connectors returns the Connectors started so far (nil before activation).
func (e *Endpoint) Connectors() []*connector.Connector {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*connector.Connector, len(e.connectors))
	copy(out, e.connectors)
	return out
}

// Terminate stops every Connector and marks the endpoint terminated. It is
// the only transition permitted from any other state.
func (e *Endpoint) Terminate() {
	e.state.Store(int32(StateTerminated))
	for _, c := range e.Connectors() {
		c.Stop()
	}
}
