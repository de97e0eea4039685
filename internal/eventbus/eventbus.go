// Package eventbus publishes process-wide availability events
// (Available/Unavailable) so operators and sibling components can observe
// link health without sharing memory with the Failure Detector. The
// default implementation is in-process; internal/eventbus's kafka.go offers
// a cross-process alternative.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog"
)

// Availability is published when a (source, log) pair crosses the
// availability threshold in either direction.
type Availability struct {
	EndpointID string
	LogName    string
	Available  bool
	Causes     []string // populated only when Available is false
}

// Publisher is the narrow capability a Failure Detector needs: publish one
// event. Modelled as an injected collaborator rather than a package-global
// stream.
type Publisher interface {
	Publish(Availability)
}

// Subscriber lets other components observe the same stream.
type Subscriber interface {
	Subscribe() <-chan Availability
	Unsubscribe(<-chan Availability)
}

// Bus is the default in-process Publisher/Subscriber: a fan-out broadcaster
// over buffered channels.
type Bus struct {
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[chan Availability]struct{}
}

// New creates an empty in-process Bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "eventbus").Logger(),
		subs:   make(map[chan Availability]struct{}),
	}
}

func (b *Bus) Publish(a Availability) {
	b.mu.Lock()
	subs := make([]chan Availability, 0, len(b.subs))
	for ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- a:
		default:
			b.logger.Warn().Str("endpoint", a.EndpointID).Str("log", a.LogName).Msg("subscriber channel full, dropping availability event")
		}
	}
}

func (b *Bus) Subscribe() <-chan Availability {
	ch := make(chan Availability, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch <-chan Availability) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.subs {
		if c == ch {
			delete(b.subs, c)
			close(c)
			return
		}
	}
}

var _ Publisher = (*Bus)(nil)
var _ Subscriber = (*Bus)(nil)
