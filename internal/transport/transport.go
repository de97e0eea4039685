// Package transport is the reliable, message-oriented wire transport with
// request/response semantics and a symbolic address for a named peer actor,
// treated by the replication core as an external collaborator. It defines
// the narrow client/server contract the core needs and ships two
// implementations: a websocket-backed one for real deployments
// (websocket.go) and an in-process one for tests (local.go).
package transport

import (
	"context"
	"errors"

	"github.com/jfoltran/replicore/internal/model"
	"github.com/jfoltran/replicore/internal/vtime"
)

// Sentinel errors a PeerClient may return; the Replicator state machine
// classifies failures on these, not on string matching.
var (
	// ErrIncompatibleVersion is returned when the acceptor's application
	// compatibility gate rejects the envelope.
	ErrIncompatibleVersion = errors.New("transport: incompatible application version")
	// ErrReadTimeout is synthesized locally when a remote read exceeds
	// remote_read_timeout, unifying the timeout path with a reported
	// failure.
	ErrReadTimeout = errors.New("transport: replication read timed out")
	// ErrUnreachable covers dial/connect failures to a peer address.
	ErrUnreachable = errors.New("transport: peer unreachable")
)

// ReadRequest is the wire form of ReplicationReadEnvelope{ReplicationRead}:
// everything the source acceptor needs to serve one read.
type ReadRequest struct {
	FromSeq       uint64
	MaxEvents     int
	ScanLimit     int
	TargetLogID   string
	SourceLogName string
	TargetVT      vtime.T
	AppName       string
	AppVersion    model.ApplicationVersion
}

// ReadResponse is the wire form of ReplicationReadSuccess.
type ReadResponse struct {
	Events      []model.SimpleEvent
	FromSeq     uint64
	NewProgress uint64
	TargetLogID string
	SourceVT    vtime.T
}

// PeerClient is the capability a Connector/Replicator/Recovery Coordinator
// needs against a remote endpoint's acceptor: each call is a single
// request/response exchange with an explicit deadline carried by ctx.
type PeerClient interface {
	GetReplicationEndpointInfo(ctx context.Context, addr model.PeerAddress) (model.ReplicationEndpointInfo, error)
	ReplicationRead(ctx context.Context, addr model.PeerAddress, req ReadRequest) (ReadResponse, error)
	// SynchronizeRecovery is the recovery protocol's remote round trip: the caller
	// (recovering) sends its own just-read info; the remote resets its
	// target->source progress for the caller's logs and replies with its
	// own current heads, from which the caller derives remote_sequence_nr
	// per link.
	SynchronizeRecovery(ctx context.Context, addr model.PeerAddress, selfInfo model.ReplicationEndpointInfo) (model.ReplicationEndpointInfo, error)
}

// PeerServer is implemented by the local Acceptor and invoked by the
// transport's listening side whenever a remote peer's Connector/Replicator
// reaches this endpoint.
type PeerServer interface {
	HandleGetReplicationEndpointInfo(ctx context.Context) (model.ReplicationEndpointInfo, error)
	HandleReplicationRead(ctx context.Context, req ReadRequest) (ReadResponse, error)
	HandleSynchronizeRecovery(ctx context.Context, selfInfo model.ReplicationEndpointInfo) (model.ReplicationEndpointInfo, error)
}
