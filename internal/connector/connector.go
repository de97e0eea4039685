// Package connector implements, for one remote connection, either spawning
// a preset set of Replicators immediately (the recovery path) or polling
// the peer's acceptor for its ReplicationEndpointInfo at retry_delay
// intervals until the first success, then materialising links and spawning
// one Replicator per common log name.
package connector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicore/internal/eventlog"
	"github.com/jfoltran/replicore/internal/failuredetector"
	"github.com/jfoltran/replicore/internal/model"
	"github.com/jfoltran/replicore/internal/pushregistry"
	"github.com/jfoltran/replicore/internal/replicator"
	"github.com/jfoltran/replicore/internal/transport"
)

// Connector drives the bootstrap of one ReplicationConnection.
type Connector struct {
	selfEndpointID string
	conn           model.ReplicationConnection
	protocol       string
	logs           map[string]eventlog.Log // local log_name -> target log handle
	client         transport.PeerClient
	detector       *failuredetector.Detector
	writes         *pushregistry.Registry
	repCfg         replicator.Config
	logger         zerolog.Logger

	mu          sync.Mutex
	connected   bool
	replicators []*replicator.Replicator
	cancel      context.CancelFunc
}

// New creates a Connector for one remote connection. logs is the set of
// local logs this endpoint can receive replication into, keyed by name.
func New(selfEndpointID string, conn model.ReplicationConnection, protocol string, logs map[string]eventlog.Log, client transport.PeerClient, detector *failuredetector.Detector, writes *pushregistry.Registry, repCfg replicator.Config, logger zerolog.Logger) *Connector {
	return &Connector{
		selfEndpointID: selfEndpointID,
		conn:           conn,
		protocol:       protocol,
		logs:           logs,
		client:         client,
		detector:       detector,
		writes:         writes,
		repCfg:         repCfg,
		logger:         logger.With().Str("component", "connector").Str("peer", conn.PeerSystemName).Logger(),
	}
}

// Connected reports whether this connector has materialised its links (by
// either path: preset or discovered).
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Replicators returns the Replicators spawned so far (nil until connected).
func (c *Connector) Replicators() []*replicator.Replicator {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*replicator.Replicator, len(c.replicators))
	copy(out, c.replicators)
	return out
}

// Start begins the connector's bootstrap. If presetLinks is non-empty (the
// recovery path), it spawns one Replicator per link immediately and skips
// discovery entirely. Otherwise it polls GetReplicationEndpointInfo at
// retry_delay intervals, starting at t=0, until the first success.
func (c *Connector) Start(parentCtx context.Context, presetLinks []model.ReplicationLink) {
	ctx, cancel := context.WithCancel(parentCtx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if len(presetLinks) > 0 {
		c.spawnLinks(ctx, presetLinks)
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		return
	}

	go c.pollLoop(ctx)
}

// Stop cancels the discovery schedule (if still pending) and every spawned
// Replicator: on connector termination the periodic info-request schedule
// is cancelled.
func (c *Connector) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	reps := append([]*replicator.Replicator(nil), c.replicators...)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, r := range reps {
		r.Stop()
	}
}

func (c *Connector) addr() model.PeerAddress {
	return c.conn.Address(c.protocol)
}

func (c *Connector) pollLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		ictx, icancel := context.WithTimeout(ctx, c.repCfg.RemoteReadTimeout)
		info, err := c.client.GetReplicationEndpointInfo(ictx, c.addr())
		icancel()
		if err != nil {
			c.logger.Warn().Err(err).Msg("get replication endpoint info failed")
			timer.Reset(c.repCfg.RetryDelay)
			continue
		}

		// Additional successes are ignored; pollLoop only ever reaches a
		// success path once because it returns immediately after.
		c.onInfoSuccess(ctx, info)
		return
	}
}

func (c *Connector) onInfoSuccess(ctx context.Context, info model.ReplicationEndpointInfo) {
	local := make(map[string]struct{}, len(c.logs))
	for name := range c.logs {
		local[name] = struct{}{}
	}
	common := model.CommonLogNames(local, info.LogNames())

	links := make([]model.ReplicationLink, 0, len(common))
	for name := range common {
		links = append(links, model.ReplicationLink{
			Source: model.ReplicationSource{
				EndpointID:          info.EndpointID,
				LogName:             name,
				LogID:               model.LogID(info.EndpointID, name),
				PeerAcceptorAddress: c.addr(),
			},
			Target: model.ReplicationTarget{
				OwningEndpointID: c.selfEndpointID,
				LogName:          name,
				LogID:            model.LogID(c.selfEndpointID, name),
			},
		})
	}

	c.spawnLinks(ctx, links)

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
}

func (c *Connector) spawnLinks(ctx context.Context, links []model.ReplicationLink) {
	spawned := make([]*replicator.Replicator, 0, len(links))
	for _, link := range links {
		targetLog, ok := c.logs[link.Target.LogName]
		if !ok {
			c.logger.Warn().Str("log", link.Target.LogName).Msg("no local log handle for link target, skipping")
			continue
		}
		r := replicator.New(link, targetLog, c.client, c.detector, c.writes, c.repCfg, c.logger)
		spawned = append(spawned, r)
		go r.Run(ctx)
	}

	c.mu.Lock()
	c.replicators = append(c.replicators, spawned...)
	c.mu.Unlock()
}
