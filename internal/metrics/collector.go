// Package metrics aggregates per-link replication progress for consumption
// by the status dashboard: sliding-window throughput, a log ring buffer,
// and channel-based subscribers over per-link replication progress.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// LinkState mirrors the Replicator state names for display purposes,
// without importing the replicator package (metrics must stay a leaf:
// several observers, including the internal/server HTTP handlers, need it and none of
// them should have to pull in the replication core to read a dashboard).
type LinkState string

const (
	LinkFetching LinkState = "fetching"
	LinkReading  LinkState = "reading"
	LinkWriting  LinkState = "writing"
	LinkIdle     LinkState = "idle"
)

// LinkProgress tracks one replication link's head-of-line state.
type LinkProgress struct {
	SourceEndpointID string    `json:"source_endpoint_id"`
	LogName          string    `json:"log_name"`
	State            LinkState `json:"state"`
	RemoteSequenceNr uint64    `json:"remote_sequence_nr"`
	LocalProgress    uint64    `json:"local_progress"`
	LagEvents        uint64    `json:"lag_events"`
	ErrorCount       int64     `json:"error_count"`
	LastError        string    `json:"last_error,omitempty"`
	StartedAt        time.Time `json:"-"`
	ElapsedSec       float64   `json:"elapsed_sec"`
}

// Snapshot is the complete metrics state at a point in time.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Mode      string    `json:"mode"`

	Links []LinkProgress `json:"links"`

	EventsPerSec     float64 `json:"events_per_sec"`
	TotalEventsApplied int64 `json:"total_events_applied"`

	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
}

// LogEntry represents a log line captured for the UI.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Collector aggregates per-link replication metrics and provides snapshots
// for consumption by the status dashboard.
type Collector struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	mode      string
	startedAt time.Time
	links     map[string]*LinkProgress // key: sourceEndpointID + "/" + logName
	linkOrder []string

	totalEvents atomic.Int64
	errorCount  atomic.Int64
	lastError   atomic.Value // string

	eventWindow *slidingWindow

	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	logMu  sync.Mutex
	logs   []LogEntry
	logCap int

	done chan struct{}
}

// NewCollector creates a new Collector.
func NewCollector(logger zerolog.Logger) *Collector {
	c := &Collector{
		logger:      logger.With().Str("component", "metrics").Logger(),
		links:       make(map[string]*LinkProgress),
		subscribers: make(map[chan Snapshot]struct{}),
		eventWindow: newSlidingWindow(60 * time.Second),
		logs:        make([]LogEntry, 0, 500),
		logCap:      500,
		done:        make(chan struct{}),
	}
	go c.broadcastLoop()
	return c
}

func linkKey(sourceEndpointID, logName string) string { return sourceEndpointID + "/" + logName }

// SetMode records the endpoint's current mode label (EndpointManager passes
// the lifecycle action, "activate" or "recover"; the remote TUI relays the
// remote snapshot's label). startedAt is set on the first call only.
func (c *Collector) SetMode(mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
	if c.startedAt.IsZero() {
		c.startedAt = time.Now()
	}
}

// TrackLink registers a link so it shows up in Snapshot even before its
// first progress update.
func (c *Collector) TrackLink(sourceEndpointID, logName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := linkKey(sourceEndpointID, logName)
	if _, ok := c.links[key]; ok {
		return
	}
	c.links[key] = &LinkProgress{SourceEndpointID: sourceEndpointID, LogName: logName, State: LinkFetching, StartedAt: time.Now()}
	c.linkOrder = append(c.linkOrder, key)
}

// SetLinkState updates one link's state machine position.
func (c *Collector) SetLinkState(sourceEndpointID, logName string, state LinkState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lp, ok := c.links[linkKey(sourceEndpointID, logName)]; ok {
		lp.State = state
		lp.ElapsedSec = time.Since(lp.StartedAt).Seconds()
	}
}

// RecordWrite records a successful batch write of n events bringing the
// link's progress up to localProgress, out of a remote that currently has
// remoteSequenceNr events.
func (c *Collector) RecordWrite(sourceEndpointID, logName string, n int, localProgress, remoteSequenceNr uint64) {
	c.mu.Lock()
	if lp, ok := c.links[linkKey(sourceEndpointID, logName)]; ok {
		lp.LocalProgress = localProgress
		lp.RemoteSequenceNr = remoteSequenceNr
		if remoteSequenceNr > localProgress {
			lp.LagEvents = remoteSequenceNr - localProgress
		} else {
			lp.LagEvents = 0
		}
	}
	c.mu.Unlock()

	c.totalEvents.Add(int64(n))
	c.eventWindow.Add(time.Now(), float64(n))
}

// RecordError increments the error count for a link and the collector total.
func (c *Collector) RecordError(sourceEndpointID, logName string, err error) {
	c.errorCount.Add(1)
	if err == nil {
		return
	}
	c.lastError.Store(err.Error())

	c.mu.Lock()
	defer c.mu.Unlock()
	if lp, ok := c.links[linkKey(sourceEndpointID, logName)]; ok {
		lp.ErrorCount++
		lp.LastError = err.Error()
	}
}

// AddLog appends a log entry to the ring buffer.
func (c *Collector) AddLog(entry LogEntry) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if len(c.logs) >= c.logCap {
		n := c.logCap / 4
		copy(c.logs, c.logs[n:])
		c.logs = c.logs[:len(c.logs)-n]
	}
	c.logs = append(c.logs, entry)
}

// Logs returns a copy of recent log entries.
func (c *Collector) Logs() []LogEntry {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	out := make([]LogEntry, len(c.logs))
	copy(out, c.logs)
	return out
}

// Snapshot returns the current metrics state (thread-safe).
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	links := make([]LinkProgress, 0, len(c.linkOrder))
	for _, key := range c.linkOrder {
		lp := *c.links[key]
		lp.ElapsedSec = time.Since(lp.StartedAt).Seconds()
		links = append(links, lp)
	}

	var lastErr string
	if v := c.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	return Snapshot{
		Timestamp:          time.Now(),
		Mode:                c.mode,
		Links:               links,
		EventsPerSec:        c.eventWindow.Rate(),
		TotalEventsApplied:  c.totalEvents.Load(),
		ErrorCount:          int(c.errorCount.Load()),
		LastError:           lastErr,
	}
}

// Subscribe returns a channel that receives periodic Snapshot updates.
func (c *Collector) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 4)
	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel.
func (c *Collector) Unsubscribe(ch chan Snapshot) {
	c.subMu.Lock()
	delete(c.subscribers, ch)
	c.subMu.Unlock()
}

// Close stops the broadcast loop.
func (c *Collector) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Collector) broadcastLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			snap := c.Snapshot()
			c.subMu.Lock()
			for ch := range c.subscribers {
				select {
				case ch <- snap:
				default:
				}
			}
			c.subMu.Unlock()
		}
	}
}

// --- Sliding window for throughput calculation ---

type windowEntry struct {
	time  time.Time
	value float64
}

type slidingWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	window  time.Duration
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{
		entries: make([]windowEntry, 0, 128),
		window:  d,
	}
}

func (w *slidingWindow) Add(t time.Time, val float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{time: t, value: val})
	w.evict(t)
}

func (w *slidingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evict(now)
	if len(w.entries) == 0 {
		return 0
	}
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	elapsed := now.Sub(w.entries[0].time).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return total / elapsed
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		copy(w.entries, w.entries[i:])
		w.entries = w.entries[:len(w.entries)-i]
	}
}
