package replicator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicore/internal/eventbus"
	"github.com/jfoltran/replicore/internal/eventlog/memlog"
	"github.com/jfoltran/replicore/internal/failuredetector"
	"github.com/jfoltran/replicore/internal/model"
	"github.com/jfoltran/replicore/internal/pushregistry"
	"github.com/jfoltran/replicore/internal/transport"
	"github.com/jfoltran/replicore/internal/vtime"
)

// sourceServer is a minimal transport.PeerServer fronting a source log
// directly, standing in for the Acceptor so the Replicator state machine can
// be exercised end to end without its mode gate and filter resolution.
type sourceServer struct {
	log *memlog.Log
}

func (s *sourceServer) HandleGetReplicationEndpointInfo(ctx context.Context) (model.ReplicationEndpointInfo, error) {
	seq, err := s.log.SequenceNr(ctx)
	if err != nil {
		return model.ReplicationEndpointInfo{}, err
	}
	return model.ReplicationEndpointInfo{
		EndpointID:     "source-endpoint",
		LogSequenceNrs: map[string]uint64{s.log.Name(): seq},
	}, nil
}

func (s *sourceServer) HandleReplicationRead(ctx context.Context, req transport.ReadRequest) (transport.ReadResponse, error) {
	res, err := s.log.Read(ctx, req.FromSeq, req.MaxEvents, req.ScanLimit, nil, req.TargetVT)
	if err != nil {
		return transport.ReadResponse{}, err
	}
	events := make([]model.SimpleEvent, len(res.Events))
	for i, e := range res.Events {
		events[i] = e.(model.SimpleEvent)
	}
	return transport.ReadResponse{
		Events:      events,
		FromSeq:     res.FromSeq,
		NewProgress: res.NewProgress,
		TargetLogID: req.TargetLogID,
		SourceVT:    res.SourceVT,
	}, nil
}

func (s *sourceServer) HandleSynchronizeRecovery(ctx context.Context, selfInfo model.ReplicationEndpointInfo) (model.ReplicationEndpointInfo, error) {
	return s.HandleGetReplicationEndpointInfo(ctx)
}

var _ transport.PeerServer = (*sourceServer)(nil)

func newTestLink() model.ReplicationLink {
	return model.ReplicationLink{
		Source: model.ReplicationSource{
			EndpointID:          "source-endpoint",
			LogName:             "orders",
			LogID:               model.LogID("source-endpoint", "orders"),
			PeerAcceptorAddress: model.PeerAddress{Protocol: "ws", SystemName: "source-endpoint", Host: "localhost", Port: 1},
		},
		Target: model.ReplicationTarget{
			OwningEndpointID: "target-endpoint",
			LogName:          "orders",
			LogID:            model.LogID("target-endpoint", "orders"),
		},
	}
}

func testConfig() Config {
	return Config{
		WriteBatchSize:    10,
		RemoteScanLimit:   100,
		RetryDelay:        5 * time.Millisecond,
		ReadTimeout:       50 * time.Millisecond,
		RemoteReadTimeout: 50 * time.Millisecond,
		WriteTimeout:      50 * time.Millisecond,
		AppName:           "test",
		AppVersion:        model.DefaultApplicationVersion(),
	}
}

func newTestDetector(t *testing.T, cfg Config) *failuredetector.Detector {
	t.Helper()
	bus := eventbus.New(zerolog.Nop())
	return failuredetector.New(cfg.RemoteReadTimeout+cfg.RetryDelay+time.Second, cfg.RemoteReadTimeout, cfg.RetryDelay, bus, zerolog.Nop())
}

func waitForState(t *testing.T, r *Replicator, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("replicator never reached state %s, stuck at %s", want, r.State())
}

func waitForProgress(t *testing.T, target *memlog.Log, sourceLogID string, want uint64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		progress, _, err := target.GetReplicationProgress(context.Background(), sourceLogID)
		if err != nil {
			t.Fatalf("GetReplicationProgress: %v", err)
		}
		if progress >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("target log never reached progress %d for source %s", want, sourceLogID)
}

// TestHappyPathReplicatesAndIdles exercises Fetching -> Reading -> Writing ->
// Idle: a handful of events on the source land on the target and the
// replicator settles into Idle once there is nothing left to read.
func TestHappyPathReplicatesAndIdles(t *testing.T) {
	link := newTestLink()
	source := memlog.New(link.Source.LogID, link.Source.LogName)
	for i := 0; i < 3; i++ {
		source.Append(model.SimpleEvent{Emitter: link.Source.EndpointID, VT: vtime.T{link.Source.EndpointID: uint64(i + 1)}})
	}

	transportLocal := transport.NewLocal()
	transportLocal.Register(link.Source.EndpointID, &sourceServer{log: source})

	target := memlog.New(link.Target.LogID, link.Target.LogName)
	cfg := testConfig()
	detector := newTestDetector(t, cfg)
	writes := pushregistry.New()

	r := New(link, target, transportLocal, detector, writes, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer r.Stop()

	waitForProgress(t, target, link.Source.LogID, 3, time.Second)
	waitForState(t, r, Idle, time.Second)

	seq, err := target.SequenceNr(context.Background())
	if err != nil {
		t.Fatalf("SequenceNr: %v", err)
	}
	if seq != 3 {
		t.Fatalf("target sequence = %d, want 3", seq)
	}
}

// TestContinueFlagReadsImmediatelyWithoutIdling exercises the
// Writing->Reading "continue" edge: when the backlog exceeds one write
// batch, the replicator must not settle into Idle between batches.
func TestContinueFlagReadsImmediatelyWithoutIdling(t *testing.T) {
	link := newTestLink()
	source := memlog.New(link.Source.LogID, link.Source.LogName)
	const total = 25
	for i := 0; i < total; i++ {
		source.Append(model.SimpleEvent{Emitter: link.Source.EndpointID, VT: vtime.New().Increment(link.Source.EndpointID)})
	}

	transportLocal := transport.NewLocal()
	transportLocal.Register(link.Source.EndpointID, &sourceServer{log: source})

	target := memlog.New(link.Target.LogID, link.Target.LogName)
	cfg := testConfig()
	cfg.WriteBatchSize = 10
	cfg.RemoteScanLimit = 10
	// A long retry delay would make an accidental Idle detour show up as a
	// slow test instead of silently passing.
	cfg.RetryDelay = time.Second
	detector := newTestDetector(t, cfg)
	writes := pushregistry.New()

	r := New(link, target, transportLocal, detector, writes, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer r.Stop()

	waitForProgress(t, target, link.Source.LogID, total, 500*time.Millisecond)
}

// failingClient always reports the remote as unreachable, for exercising the
// Reading-failure retry path and its failure-detector hookup.
type failingClient struct{}

func (failingClient) GetReplicationEndpointInfo(ctx context.Context, addr model.PeerAddress) (model.ReplicationEndpointInfo, error) {
	return model.ReplicationEndpointInfo{}, transport.ErrUnreachable
}

func (failingClient) ReplicationRead(ctx context.Context, addr model.PeerAddress, req transport.ReadRequest) (transport.ReadResponse, error) {
	return transport.ReadResponse{}, transport.ErrUnreachable
}

func (failingClient) SynchronizeRecovery(ctx context.Context, addr model.PeerAddress, selfInfo model.ReplicationEndpointInfo) (model.ReplicationEndpointInfo, error) {
	return model.ReplicationEndpointInfo{}, transport.ErrUnreachable
}

var _ transport.PeerClient = failingClient{}

func TestReadFailureRetriesAndEndsIdle(t *testing.T) {
	link := newTestLink()
	target := memlog.New(link.Target.LogID, link.Target.LogName)
	cfg := testConfig()
	cfg.RetryDelay = 2 * time.Millisecond

	var published []eventbus.Availability
	recorder := recorderPublisher(func(a eventbus.Availability) { published = append(published, a) })
	detector := failuredetector.New(cfg.RemoteReadTimeout+cfg.RetryDelay+time.Second, cfg.RemoteReadTimeout, cfg.RetryDelay, recorder, zerolog.Nop())
	writes := pushregistry.New()

	r := New(link, target, failingClient{}, detector, writes, cfg, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	if r.State() != Idle {
		t.Fatalf("state after exhausted retries = %s, want Idle", r.State())
	}
}

type recorderPublisher func(eventbus.Availability)

func (f recorderPublisher) Publish(a eventbus.Availability) { f(a) }

var _ eventbus.Publisher = recorderPublisher(nil)

// TestNotifyWakesIdleReplicator exercises the push-notification mechanism:
// a sibling Replicator's write fans NotifyWriteSuccess out through the push
// registry, which must wake a replicator parked in Idle immediately rather
// than after the full retry_delay.
func TestNotifyWakesIdleReplicator(t *testing.T) {
	link := newTestLink()
	source := memlog.New(link.Source.LogID, link.Source.LogName)

	transportLocal := transport.NewLocal()
	transportLocal.Register(link.Source.EndpointID, &sourceServer{log: source})

	target := memlog.New(link.Target.LogID, link.Target.LogName)
	cfg := testConfig()
	cfg.RetryDelay = time.Hour // only a push should wake it up in this test
	detector := newTestDetector(t, cfg)
	writes := pushregistry.New()

	r := New(link, target, transportLocal, detector, writes, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer r.Stop()

	waitForState(t, r, Idle, time.Second)

	source.Append(model.SimpleEvent{Emitter: link.Source.EndpointID, VT: vtime.New().Increment(link.Source.EndpointID)})
	// Simulates a sibling Replicator's post-write fan-out: this is the only
	// thing that should wake r before its (here, hour-long) retry_delay.
	writes.NotifyWriteSuccess(link.Target.LogID)

	waitForProgress(t, target, link.Source.LogID, 1, time.Second)
}

func TestStopUnregistersFromPushRegistry(t *testing.T) {
	link := newTestLink()
	source := memlog.New(link.Source.LogID, link.Source.LogName)
	transportLocal := transport.NewLocal()
	transportLocal.Register(link.Source.EndpointID, &sourceServer{log: source})

	target := memlog.New(link.Target.LogID, link.Target.LogName)
	cfg := testConfig()
	detector := newTestDetector(t, cfg)
	writes := pushregistry.New()

	r := New(link, target, transportLocal, detector, writes, cfg, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitForState(t, r, Idle, time.Second)
	r.Stop()

	// After Stop, NotifyWriteSuccess for this target must not panic or block
	// even though the replicator's goroutine may already have exited.
	writes.NotifyWriteSuccess(link.Target.LogID)
}
