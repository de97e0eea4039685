// Package failuredetector implements per-(source endpoint, log name)
// aggregation of replicator successes/failures into Available/Unavailable
// transitions on the event bus: a pending-completion map guarded by one
// mutex, with a timer per outstanding round.
package failuredetector

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicore/internal/eventbus"
)

// Clock abstracts time.Now/time.AfterFunc so tests can drive the detector
// without real sleeps.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer the detector needs.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock is the production Clock backed by the time package.
var RealClock Clock = realClock{}

type linkKey struct {
	endpointID string
	logName    string
}

// state is the per-(source, log) bookkeeping: a monotone counter identifying
// the current timer round, the causes collected since the last reset, the
// last time Available fired, and the pending timer itself.
type state struct {
	counter         uint64
	causes          []error
	lastAvailableAt time.Time
	timer           Timer
}

// Detector aggregates AvailabilityDetected/FailureDetected signals from
// every Replicator and publishes Available/Unavailable transitions.
type Detector struct {
	limit      time.Duration // failure_detection_limit
	retryDelay time.Duration
	publisher  eventbus.Publisher
	clock      Clock
	logger     zerolog.Logger

	mu     sync.Mutex
	states map[linkKey]*state
}

// New creates a Detector. limit must be >= remoteReadTimeout+retryDelay;
// New panics if that invariant is violated since it is a construction-time
// configuration error, not a runtime condition.
func New(limit, remoteReadTimeout, retryDelay time.Duration, publisher eventbus.Publisher, logger zerolog.Logger) *Detector {
	if limit < remoteReadTimeout+retryDelay {
		panic("failuredetector: failure_detection_limit must be >= remote_read_timeout + retry_delay")
	}
	return &Detector{
		limit:      limit,
		retryDelay: retryDelay,
		publisher:  publisher,
		clock:      RealClock,
		logger:     logger.With().Str("component", "failure-detector").Logger(),
		states:     make(map[linkKey]*state),
	}
}

// WithClock overrides the clock (tests only).
func (d *Detector) WithClock(c Clock) *Detector {
	d.clock = c
	return d
}

func (d *Detector) stateFor(key linkKey) *state {
	s, ok := d.states[key]
	if !ok {
		s = &state{}
		d.states[key] = s
		d.arm(key, s)
	}
	return s
}

// arm (re)schedules the FailureDetectionLimitReached timer for the current
// counter value, bumping the counter first so a stale fire (n != counter)
// is recognizable and dropped.
func (d *Detector) arm(key linkKey, s *state) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.counter++
	n := s.counter
	s.timer = d.clock.AfterFunc(d.limit, func() { d.fire(key, n) })
}

// AvailabilityDetected is called by a Replicator on every successful remote
// read. If at least failure_detection_limit has elapsed since the last
// Available publication it publishes a fresh one (rate-limiting per P3),
// then resets the round: cancel+reschedule the timer and clear causes.
func (d *Detector) AvailabilityDetected(endpointID, logName string) {
	key := linkKey{endpointID, logName}

	d.mu.Lock()
	s := d.stateFor(key)
	now := d.clock.Now()
	shouldPublish := s.lastAvailableAt.IsZero() || now.Sub(s.lastAvailableAt) >= d.limit
	if shouldPublish {
		s.lastAvailableAt = now
	}
	d.arm(key, s)
	s.causes = nil
	d.mu.Unlock()

	if shouldPublish {
		d.publisher.Publish(eventbus.Availability{EndpointID: endpointID, LogName: logName, Available: true})
	}
}

// FailureDetected records cause without rescheduling; the pending timer from
// the last arm() keeps running toward Unavailable.
func (d *Detector) FailureDetected(endpointID, logName string, cause error) {
	key := linkKey{endpointID, logName}

	d.mu.Lock()
	s := d.stateFor(key)
	s.causes = append(s.causes, cause)
	d.mu.Unlock()
}

// fire handles a FailureDetectionLimitReached(n) timer. A stale timer
// (n != counter, meaning AvailabilityDetected rearmed since) is dropped.
func (d *Detector) fire(key linkKey, n uint64) {
	d.mu.Lock()
	s, ok := d.states[key]
	if !ok || n != s.counter {
		d.mu.Unlock()
		return
	}
	causes := s.causes
	s.causes = nil
	d.arm(key, s)
	d.mu.Unlock()

	msgs := make([]string, 0, len(causes))
	for _, c := range causes {
		if c != nil {
			msgs = append(msgs, c.Error())
		}
	}
	d.logger.Warn().Str("endpoint", key.endpointID).Str("log", key.logName).Int("causes", len(msgs)).Msg("link unavailable")
	d.publisher.Publish(eventbus.Availability{
		EndpointID: key.endpointID,
		LogName:    key.logName,
		Available:  false,
		Causes:     msgs,
	})
}
