package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicore/internal/endpoint"
	"github.com/jfoltran/replicore/internal/metrics"
)

// EndpointManager supervises the single endpoint a daemon process owns: it
// runs Activate/Recover/Delete on the caller's behalf, serializing concurrent
// requests against the same operation and mirroring outcomes into the
// metrics collector so both the HTTP status API and the TUI log panel see
// them. There is one long-lived endpoint rather than a sequence of one-shot
// jobs, so the lock only guards the in-flight call rather than a whole run.
type EndpointManager struct {
	logger    zerolog.Logger
	collector *metrics.Collector
	ep        *endpoint.Endpoint

	mu      sync.Mutex
	busy    bool
	lastErr error
}

// NewEndpointManager wraps ep for daemon-mode HTTP/CLI control.
func NewEndpointManager(ep *endpoint.Endpoint, collector *metrics.Collector, logger zerolog.Logger) *EndpointManager {
	return &EndpointManager{
		logger:    logger.With().Str("component", "endpoint-manager").Logger(),
		collector: collector,
		ep:        ep,
	}
}

// Endpoint returns the managed endpoint.
func (m *EndpointManager) Endpoint() *endpoint.Endpoint { return m.ep }

// Activate runs Endpoint.Activate, reporting the outcome through the
// collector's log buffer.
func (m *EndpointManager) Activate(ctx context.Context) error {
	return m.run(ctx, "activate", m.ep.Activate)
}

// Recover runs Endpoint.Recover, reporting the outcome through the
// collector's log buffer.
func (m *EndpointManager) Recover(ctx context.Context) error {
	return m.run(ctx, "recover", m.ep.Recover)
}

func (m *EndpointManager) run(ctx context.Context, action string, fn func(context.Context) error) error {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return fmt.Errorf("endpoint: %s already in progress", action)
	}
	m.busy = true
	m.mu.Unlock()

	m.collector.SetMode(action)
	err := fn(ctx)

	m.mu.Lock()
	m.busy = false
	m.lastErr = err
	m.mu.Unlock()

	if err != nil {
		m.collector.RecordError("self", action, err)
		m.logger.Err(err).Str("action", action).Msg("endpoint action failed")
	} else {
		m.logger.Info().Str("action", action).Msg("endpoint action completed")
	}
	return err
}

// Delete runs Endpoint.Delete against logName, scoped to remoteEndpointIDs.
func (m *EndpointManager) Delete(ctx context.Context, logName string, toSeq uint64, remoteEndpointIDs []string) (uint64, error) {
	watermark, err := m.ep.Delete(ctx, logName, toSeq, remoteEndpointIDs)
	if err != nil {
		m.collector.RecordError("self", logName, err)
	}
	return watermark, err
}

// LastError returns the error from the most recently completed
// Activate/Recover call, if any.
func (m *EndpointManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}
