package acceptor

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicore/internal/eventlog"
	"github.com/jfoltran/replicore/internal/eventlog/memlog"
	"github.com/jfoltran/replicore/internal/filter"
	"github.com/jfoltran/replicore/internal/model"
	"github.com/jfoltran/replicore/internal/transport"
	"github.com/jfoltran/replicore/internal/vtime"
)

func newTestAcceptor(t *testing.T, filters filter.Endpoint) (*Acceptor, *memlog.Log) {
	t.Helper()
	log := memlog.New(model.LogID("self", "orders"), "orders")
	logs := map[string]eventlog.Log{"orders": log}
	a := New("self", "app", model.ApplicationVersion{Major: 2}, logs, filters, zerolog.Nop())
	return a, log
}

func TestHandleGetReplicationEndpointInfoWorksInBothModes(t *testing.T) {
	a, log := newTestAcceptor(t, nil)
	log.Append(model.SimpleEvent{Emitter: "self", VT: vtime.New().Increment("self")})

	for _, mode := range []Mode{Recovery, Normal} {
		a.SetMode(mode)
		info, err := a.HandleGetReplicationEndpointInfo(context.Background())
		if err != nil {
			t.Fatalf("mode %v: HandleGetReplicationEndpointInfo: %v", mode, err)
		}
		if info.EndpointID != "self" || info.LogSequenceNrs["orders"] != 1 {
			t.Fatalf("mode %v: unexpected info %+v", mode, info)
		}
	}
}

func TestHandleReplicationReadRejectedDuringRecovery(t *testing.T) {
	a, _ := newTestAcceptor(t, nil)
	_, err := a.HandleReplicationRead(context.Background(), transport.ReadRequest{SourceLogName: "orders"})
	if !errors.Is(err, ErrRecoveryInProgress) {
		t.Fatalf("err = %v, want ErrRecoveryInProgress", err)
	}
}

func TestHandleReplicationReadCompatibilityGate(t *testing.T) {
	a, _ := newTestAcceptor(t, nil)
	a.SetMode(Normal)

	cases := []struct {
		name    string
		appName string
		version model.ApplicationVersion
		wantErr error
	}{
		{"same app, older version rejected", "app", model.ApplicationVersion{Major: 1}, transport.ErrIncompatibleVersion},
		{"same app, equal version allowed", "app", model.ApplicationVersion{Major: 2}, nil},
		{"same app, newer version allowed", "app", model.ApplicationVersion{Major: 3}, nil},
		{"different app name always allowed", "other-app", model.ApplicationVersion{Major: 0}, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := a.HandleReplicationRead(context.Background(), transport.ReadRequest{
				SourceLogName: "orders",
				AppName:       c.appName,
				AppVersion:    c.version,
				TargetVT:      vtime.New(),
			})
			if c.wantErr == nil {
				if err != nil {
					t.Fatalf("err = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, c.wantErr) {
				t.Fatalf("err = %v, want %v", err, c.wantErr)
			}
		})
	}
}

func TestHandleReplicationReadUnknownLog(t *testing.T) {
	a, _ := newTestAcceptor(t, nil)
	a.SetMode(Normal)
	_, err := a.HandleReplicationRead(context.Background(), transport.ReadRequest{
		SourceLogName: "nonexistent",
		AppName:       "app",
		AppVersion:    model.ApplicationVersion{Major: 2},
		TargetVT:      vtime.New(),
	})
	if !errors.Is(err, ErrUnknownLog) {
		t.Fatalf("err = %v, want ErrUnknownLog", err)
	}
}

// evenSeqFilter accepts only events whose Payload encodes an even sequence
// marker, a minimal stand-in for an application-defined predicate.
type evenSeqFilter struct{}

func (evenSeqFilter) Evaluate(e model.DurableEvent) bool {
	se := e.(model.SimpleEvent)
	return len(se.Payload) > 0 && se.Payload[0]%2 == 0
}

func TestHandleReplicationReadAppliesResolvedFilter(t *testing.T) {
	targetLogID := model.LogID("target-endpoint", "orders")
	filters := filter.TargetFilters(map[string]model.Filter{targetLogID: evenSeqFilter{}})

	a, log := newTestAcceptor(t, filters)
	a.SetMode(Normal)

	for i := byte(1); i <= 4; i++ {
		log.Append(model.SimpleEvent{Emitter: "self", Payload: []byte{i}, VT: vtime.New().Increment("self")})
	}

	resp, err := a.HandleReplicationRead(context.Background(), transport.ReadRequest{
		FromSeq:       1,
		MaxEvents:     10,
		ScanLimit:     10,
		TargetLogID:   targetLogID,
		SourceLogName: "orders",
		AppName:       "app",
		AppVersion:    model.ApplicationVersion{Major: 2},
		TargetVT:      vtime.New(),
	})
	if err != nil {
		t.Fatalf("HandleReplicationRead: %v", err)
	}
	if len(resp.Events) != 2 {
		t.Fatalf("got %d events, want 2 (only even payloads)", len(resp.Events))
	}
	for _, e := range resp.Events {
		if e.Payload[0]%2 != 0 {
			t.Fatalf("filter leaked an odd-payload event: %v", e.Payload)
		}
	}
}
