package failuredetector

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicore/internal/eventbus"
)

// fakeClock lets tests fire timers deterministically instead of sleeping.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

type fakeTimer struct {
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	already := t.stopped
	t.stopped = true
	return !already
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) AfterFunc(_ time.Duration, f func()) Timer {
	t := &fakeTimer{fn: f}
	c.mu.Lock()
	c.pending = append(c.pending, t)
	c.mu.Unlock()
	return t
}

// FireLatest invokes the most recently scheduled, not-yet-stopped timer.
func (c *fakeClock) FireLatest() {
	c.mu.Lock()
	var t *fakeTimer
	for i := len(c.pending) - 1; i >= 0; i-- {
		if !c.pending[i].stopped {
			t = c.pending[i]
			break
		}
	}
	c.mu.Unlock()
	if t != nil {
		t.fn()
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Availability
}

func (p *recordingPublisher) Publish(a eventbus.Availability) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, a)
}

func (p *recordingPublisher) last() (eventbus.Availability, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return eventbus.Availability{}, false
	}
	return p.events[len(p.events)-1], true
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func newTestDetector(pub eventbus.Publisher) (*Detector, *fakeClock) {
	clk := newFakeClock()
	d := New(2*time.Second, time.Second, time.Second, pub, zerolog.Nop())
	d.WithClock(clk)
	return d, clk
}

func TestAvailabilityDetectedPublishesOnceThenRateLimits(t *testing.T) {
	pub := &recordingPublisher{}
	d, clk := newTestDetector(pub)

	d.AvailabilityDetected("A", "X")
	if pub.count() != 1 {
		t.Fatalf("expected 1 Available publication, got %d", pub.count())
	}

	// Within failure_detection_limit: must NOT republish (P3).
	clk.Advance(time.Second)
	d.AvailabilityDetected("A", "X")
	if pub.count() != 1 {
		t.Fatalf("republished Available within failure_detection_limit: got %d", pub.count())
	}

	// Past the limit: republish allowed.
	clk.Advance(2 * time.Second)
	d.AvailabilityDetected("A", "X")
	if pub.count() != 2 {
		t.Fatalf("expected a second Available after the limit elapsed, got %d", pub.count())
	}
}

func TestFailureDetectedFiresUnavailableWithCauses(t *testing.T) {
	pub := &recordingPublisher{}
	d, clk := newTestDetector(pub)

	// Arming happens lazily on first touch.
	d.FailureDetected("A", "X", errors.New("boom1"))
	d.FailureDetected("A", "X", errors.New("boom2"))

	clk.FireLatest()

	last, ok := pub.last()
	if !ok {
		t.Fatalf("expected an Unavailable publication")
	}
	if last.Available {
		t.Fatalf("expected Unavailable, got Available")
	}
	if len(last.Causes) != 2 {
		t.Fatalf("expected 2 causes, got %d: %v", len(last.Causes), last.Causes)
	}
}

func TestAvailabilityDetectedCancelsPendingUnavailable(t *testing.T) {
	pub := &recordingPublisher{}
	d, clk := newTestDetector(pub)

	d.FailureDetected("A", "X", errors.New("transient"))
	// Recovery arrives before the timer fires: this must stop the original
	// timer and arm a fresh one, so firing the *old* one is a no-op.
	oldFire := clk.pending[len(clk.pending)-1]
	d.AvailabilityDetected("A", "X")

	oldFire.fn() // simulate the stale timer firing anyway
	if pub.count() != 1 {
		t.Fatalf("stale timer fire must be dropped, got %d publications", pub.count())
	}
	last, _ := pub.last()
	if !last.Available {
		t.Fatalf("only publication should be the Available from AvailabilityDetected")
	}
}

func TestDetectorConstructionRejectsUnsafeOrdering(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic when failure_detection_limit < remote_read_timeout+retry_delay")
		}
	}()
	New(time.Second, time.Second, time.Second, &recordingPublisher{}, zerolog.Nop())
}
