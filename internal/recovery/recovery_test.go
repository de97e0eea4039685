package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicore/internal/acceptor"
	"github.com/jfoltran/replicore/internal/eventbus"
	"github.com/jfoltran/replicore/internal/eventlog"
	"github.com/jfoltran/replicore/internal/eventlog/memlog"
	"github.com/jfoltran/replicore/internal/failuredetector"
	"github.com/jfoltran/replicore/internal/filter"
	"github.com/jfoltran/replicore/internal/model"
	"github.com/jfoltran/replicore/internal/pushregistry"
	"github.com/jfoltran/replicore/internal/replicator"
	"github.com/jfoltran/replicore/internal/transport"
	"github.com/jfoltran/replicore/internal/vtime"
)

func testReplicatorConfig() replicator.Config {
	return replicator.Config{
		WriteBatchSize:    10,
		RemoteScanLimit:   100,
		RetryDelay:        5 * time.Millisecond,
		ReadTimeout:       50 * time.Millisecond,
		RemoteReadTimeout: 100 * time.Millisecond,
		WriteTimeout:      50 * time.Millisecond,
		AppName:           "test",
		AppVersion:        model.DefaultApplicationVersion(),
	}
}

func TestPartitionSplitsLinksByConnectionFilter(t *testing.T) {
	unfilteredConn := model.ReplicationConnection{PeerSystemName: "A"}
	filteredConn := model.ReplicationConnection{
		PeerSystemName: "B",
		PerLogFilters:  map[string]model.Filter{"L1": filterThatAcceptsAll{}},
	}

	c := &Coordinator{
		connections: []Connection{
			{Conn: unfilteredConn, Protocol: "ws"},
			{Conn: filteredConn, Protocol: "ws"},
		},
	}

	links := []model.RecoveryLink{
		{Link: model.ReplicationLink{Source: model.ReplicationSource{LogName: "L0", PeerAcceptorAddress: model.PeerAddress{SystemName: "A"}}}},
		{Link: model.ReplicationLink{Source: model.ReplicationSource{LogName: "L1", PeerAcceptorAddress: model.PeerAddress{SystemName: "B"}}}},
	}

	unfiltered, filtered := c.partition(links)
	if len(unfiltered) != 1 || unfiltered[0].Link.Source.LogName != "L0" {
		t.Fatalf("unfiltered = %+v, want just L0", unfiltered)
	}
	if len(filtered) != 1 || filtered[0].Link.Source.LogName != "L1" {
		t.Fatalf("filtered = %+v, want just L1", filtered)
	}
}

type filterThatAcceptsAll struct{}

func (filterThatAcceptsAll) Evaluate(model.DurableEvent) bool { return true }

// TestRecoverPullsLostEventsAndSwitchesToNormal exercises scenario 4: B had
// applied only the first 3 of A's 5 events (simulating storage loss of the
// remaining 2), recover() re-pulls them and flips the acceptor to Normal.
func TestRecoverPullsLostEventsAndSwitchesToNormal(t *testing.T) {
	remoteLog := memlog.New(model.LogID("A", "orders"), "orders")
	for i := 0; i < 5; i++ {
		remoteLog.Append(model.SimpleEvent{Emitter: "A", VT: vtime.T{"A": uint64(i + 1)}})
	}
	remoteLogs := map[string]eventlog.Log{"orders": remoteLog}
	remoteAcceptor := acceptor.New("A", "app", model.DefaultApplicationVersion(), remoteLogs, filter.NoFilters, zerolog.Nop())
	remoteAcceptor.SetMode(acceptor.Normal)

	localTransport := transport.NewLocal()
	localTransport.Register("A", remoteAcceptor)

	targetLog := memlog.New(model.LogID("B", "orders"), "orders")
	seedEvents := make([]model.DurableEvent, 0, 3)
	vt := vtime.New()
	for i := 0; i < 3; i++ {
		vt = vt.Increment("A")
		seedEvents = append(seedEvents, model.SimpleEvent{Emitter: "A", VT: vt})
	}
	if _, err := targetLog.ReplicationWrite(context.Background(), seedEvents, 3, model.LogID("A", "orders"), vt); err != nil {
		t.Fatalf("seed ReplicationWrite: %v", err)
	}

	localLogs := map[string]eventlog.Log{"orders": targetLog}
	localAcceptor := acceptor.New("B", "app", model.DefaultApplicationVersion(), localLogs, filter.NoFilters, zerolog.Nop())

	bus := eventbus.New(zerolog.Nop())
	repCfg := testReplicatorConfig()
	detector := failuredetector.New(repCfg.RemoteReadTimeout+repCfg.RetryDelay+time.Second, repCfg.RemoteReadTimeout, repCfg.RetryDelay, bus, zerolog.Nop())

	coordinator := New(
		"B",
		localAcceptor,
		[]Connection{{Conn: model.ReplicationConnection{Host: "localhost", Port: 1, PeerSystemName: "A"}, Protocol: "ws"}},
		localLogs,
		localTransport,
		detector,
		pushregistry.New(),
		nil,
		Config{Replicator: repCfg, PollInterval: 5 * time.Millisecond, LinkTimeout: 2 * time.Second},
		zerolog.Nop(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := coordinator.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	seq, err := targetLog.SequenceNr(context.Background())
	if err != nil {
		t.Fatalf("SequenceNr: %v", err)
	}
	if seq != 5 {
		t.Fatalf("target sequence after recovery = %d, want 5", seq)
	}

	progress, _, err := targetLog.GetReplicationProgress(context.Background(), model.LogID("A", "orders"))
	if err != nil {
		t.Fatalf("GetReplicationProgress: %v", err)
	}
	if progress != 5 {
		t.Fatalf("progress after recovery = %d, want 5", progress)
	}

	if localAcceptor.Mode() != acceptor.Normal {
		t.Fatalf("acceptor mode after recovery = %v, want Normal", localAcceptor.Mode())
	}
}

func TestRecoverFailsWithoutPartialUpdateWhenLocalInfoReadFails(t *testing.T) {
	// A local log whose SequenceNr always errors stands in for a failed
	// "read local endpoint info" step.
	localLogs := map[string]eventlog.Log{"orders": failingLog{}}
	localAcceptor := acceptor.New("B", "app", model.DefaultApplicationVersion(), localLogs, filter.NoFilters, zerolog.Nop())

	bus := eventbus.New(zerolog.Nop())
	repCfg := testReplicatorConfig()
	detector := failuredetector.New(repCfg.RemoteReadTimeout+repCfg.RetryDelay+time.Second, repCfg.RemoteReadTimeout, repCfg.RetryDelay, bus, zerolog.Nop())

	coordinator := New("B", localAcceptor, nil, localLogs, transport.NewLocal(), detector, pushregistry.New(), nil,
		Config{Replicator: repCfg, PollInterval: 5 * time.Millisecond, LinkTimeout: time.Second}, zerolog.Nop())

	err := coordinator.Recover(context.Background())
	var exc *Exception
	if err == nil {
		t.Fatal("Recover succeeded, want failure")
	}
	if !asException(err, &exc) {
		t.Fatalf("err = %v, want *Exception", err)
	}
	if exc.PartialUpdate {
		t.Fatalf("PartialUpdate = true, want false for a step-1 failure")
	}
}

func asException(err error, target **Exception) bool {
	exc, ok := err.(*Exception)
	if ok {
		*target = exc
	}
	return ok
}

type failingLog struct{ eventlog.Log }

func (failingLog) ID() string   { return "failing" }
func (failingLog) Name() string { return "orders" }
func (failingLog) SequenceNr(context.Context) (uint64, error) {
	return 0, context.DeadlineExceeded
}
