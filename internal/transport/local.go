package transport

import (
	"context"
	"sync"

	"github.com/jfoltran/replicore/internal/model"
)

// Local is an in-process PeerClient that dispatches directly to registered
// PeerServer values keyed by peer system name, skipping the network
// entirely. It is the loopback transport used by component tests and by a
// single-process multi-endpoint deployment (e.g. integration tests that run
// two endpoints in one binary).
type Local struct {
	mu      sync.RWMutex
	servers map[string]PeerServer
}

// NewLocal creates an empty in-process transport registry.
func NewLocal() *Local {
	return &Local{servers: make(map[string]PeerServer)}
}

// Register makes systemName's acceptor reachable through this transport.
func (l *Local) Register(systemName string, server PeerServer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.servers[systemName] = server
}

// Unregister removes a previously registered acceptor (endpoint shutdown).
func (l *Local) Unregister(systemName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.servers, systemName)
}

func (l *Local) lookup(addr model.PeerAddress) (PeerServer, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.servers[addr.SystemName]
	if !ok {
		return nil, ErrUnreachable
	}
	return s, nil
}

func (l *Local) GetReplicationEndpointInfo(ctx context.Context, addr model.PeerAddress) (model.ReplicationEndpointInfo, error) {
	s, err := l.lookup(addr)
	if err != nil {
		return model.ReplicationEndpointInfo{}, err
	}
	return s.HandleGetReplicationEndpointInfo(ctx)
}

func (l *Local) ReplicationRead(ctx context.Context, addr model.PeerAddress, req ReadRequest) (ReadResponse, error) {
	s, err := l.lookup(addr)
	if err != nil {
		return ReadResponse{}, err
	}
	return s.HandleReplicationRead(ctx, req)
}

func (l *Local) SynchronizeRecovery(ctx context.Context, addr model.PeerAddress, selfInfo model.ReplicationEndpointInfo) (model.ReplicationEndpointInfo, error) {
	s, err := l.lookup(addr)
	if err != nil {
		return model.ReplicationEndpointInfo{}, err
	}
	return s.HandleSynchronizeRecovery(ctx, selfInfo)
}

var _ PeerClient = (*Local)(nil)
