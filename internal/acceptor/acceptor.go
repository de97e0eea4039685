// Package acceptor implements the local server side of replication. It
// answers GetReplicationEndpointInfo in both modes, and in Normal mode
// additionally serves ReplicationRead by applying the application
// compatibility gate and the endpoint filter algebra before forwarding to
// the named local log.
package acceptor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicore/internal/eventlog"
	"github.com/jfoltran/replicore/internal/filter"
	"github.com/jfoltran/replicore/internal/model"
	"github.com/jfoltran/replicore/internal/transport"
)

// Mode selects what an Acceptor will serve.
type Mode int32

const (
	// Recovery is the initial mode: only GetReplicationEndpointInfo and
	// SynchronizeRecovery are answered; ReplicationRead is rejected until
	// RecoveryCompleted.
	Recovery Mode = iota
	// Normal serves the full read path.
	Normal
)

// ErrRecoveryInProgress is returned for any ReplicationRead received while
// the acceptor is still in Recovery mode.
var ErrRecoveryInProgress = errors.New("acceptor: recovery in progress, normal traffic not yet served")

// ErrUnknownLog is returned when a ReplicationRead names a source log this
// endpoint does not own.
var ErrUnknownLog = errors.New("acceptor: no such local log")

// Acceptor is the transport.PeerServer backing one endpoint.
type Acceptor struct {
	selfEndpointID string
	appName        string
	appVersion     model.ApplicationVersion
	logs           map[string]eventlog.Log // log_name -> log
	filters        filter.Endpoint

	mode atomic.Int32

	mu sync.RWMutex
}

// New creates an Acceptor in Recovery mode; Endpoint.activate() or a
// successful Recovery Coordinator run moves it to Normal.
func New(selfEndpointID, appName string, appVersion model.ApplicationVersion, logs map[string]eventlog.Log, filters filter.Endpoint, logger zerolog.Logger) *Acceptor {
	if filters == nil {
		filters = filter.NoFilters
	}
	a := &Acceptor{
		selfEndpointID: selfEndpointID,
		appName:        appName,
		appVersion:     appVersion,
		logs:           logs,
		filters:        filters,
	}
	a.mode.Store(int32(Recovery))
	return a
}

// Mode reports the current mode.
func (a *Acceptor) Mode() Mode {
	return Mode(a.mode.Load())
}

// SetMode transitions the acceptor. Called by Endpoint.activate() (straight
// to Normal) and by the Recovery Coordinator on RecoveryCompleted.
func (a *Acceptor) SetMode(m Mode) {
	a.mode.Store(int32(m))
}

// HandleGetReplicationEndpointInfo answers in either mode: the heads of
// every locally owned log.
func (a *Acceptor) HandleGetReplicationEndpointInfo(ctx context.Context) (model.ReplicationEndpointInfo, error) {
	a.mu.RLock()
	logs := a.logs
	a.mu.RUnlock()

	seqs := make(map[string]uint64, len(logs))
	for name, l := range logs {
		seq, err := l.SequenceNr(ctx)
		if err != nil {
			return model.ReplicationEndpointInfo{}, err
		}
		seqs[name] = seq
	}
	return model.ReplicationEndpointInfo{EndpointID: a.selfEndpointID, LogSequenceNrs: seqs}, nil
}

// HandleReplicationRead serves a remote replicator's read: gate on
// application compatibility, resolve the filter for (target_log_id,
// source_log_name), forward to the named local log.
func (a *Acceptor) HandleReplicationRead(ctx context.Context, req transport.ReadRequest) (transport.ReadResponse, error) {
	if a.Mode() != Normal {
		return transport.ReadResponse{}, ErrRecoveryInProgress
	}

	if req.AppName == a.appName && req.AppVersion.Less(a.appVersion) {
		return transport.ReadResponse{}, transport.ErrIncompatibleVersion
	}

	a.mu.RLock()
	l, ok := a.logs[req.SourceLogName]
	a.mu.RUnlock()
	if !ok {
		return transport.ReadResponse{}, ErrUnknownLog
	}

	f := a.filters.FilterFor(req.TargetLogID, req.SourceLogName)
	res, err := l.Read(ctx, req.FromSeq, req.MaxEvents, req.ScanLimit, f, req.TargetVT)
	if err != nil {
		return transport.ReadResponse{}, err
	}

	events := make([]model.SimpleEvent, 0, len(res.Events))
	for _, e := range res.Events {
		se, ok := e.(model.SimpleEvent)
		if !ok {
			return transport.ReadResponse{}, errors.New("acceptor: log produced a DurableEvent that is not a SimpleEvent")
		}
		events = append(events, se)
	}

	return transport.ReadResponse{
		Events:      events,
		FromSeq:     res.FromSeq,
		NewProgress: res.NewProgress,
		TargetLogID: req.TargetLogID,
		SourceVT:    res.SourceVT,
	}, nil
}

// HandleSynchronizeRecovery serves the recovery protocol's synchronize step
// on behalf of a recovering remote: for every log name the remote reports,
// reset this endpoint's locally tracked progress for that remote's log,
// then reply with this endpoint's own current heads (served in either
// mode — a recovering peer must be able to reach us before we reach
// Normal ourselves).
func (a *Acceptor) HandleSynchronizeRecovery(ctx context.Context, selfInfo model.ReplicationEndpointInfo) (model.ReplicationEndpointInfo, error) {
	a.mu.RLock()
	logs := a.logs
	a.mu.RUnlock()

	for name := range selfInfo.LogNames() {
		l, ok := logs[name]
		if !ok {
			continue
		}
		sourceLogID := model.LogID(selfInfo.EndpointID, name)
		if err := l.ResetProgress(ctx, sourceLogID); err != nil {
			return model.ReplicationEndpointInfo{}, err
		}
	}

	return a.HandleGetReplicationEndpointInfo(ctx)
}

var _ transport.PeerServer = (*Acceptor)(nil)
