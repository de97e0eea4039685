// Package model holds the addressing and identity records shared by every
// replication component: endpoint identity, log identity, connection
// records, and the Source/Target/Link/RecoveryLink triad that names one
// directed replication relationship.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jfoltran/replicore/internal/vtime"
)

// ApplicationVersion is an ordered, monotone application version used by the
// acceptor's compatibility gate. Versions compare lexicographically by
// (Major, Minor, Patch).
type ApplicationVersion struct {
	Major, Minor, Patch int
}

// DefaultApplicationVersion is used when endpoint.application.version is
// unset in configuration.
func DefaultApplicationVersion() ApplicationVersion {
	return ApplicationVersion{Major: 1}
}

// Less reports whether v is strictly older than other.
func (v ApplicationVersion) Less(other ApplicationVersion) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Patch < other.Patch
}

func (v ApplicationVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// LogID deterministically computes f(endpoint_id, log_name): a stable,
// collision-free identifier across (endpoint, name) pairs. Two distinct
// pairs that hash to the same LogID is the collision the construction-time
// check in endpoint.New guards against (see DESIGN.md, Open Question b).
func LogID(endpointID, logName string) string {
	h := sha256.Sum256([]byte(endpointID + "\x00" + logName))
	return hex.EncodeToString(h[:16])
}

// PeerAddress is the abstract address of a remote endpoint's acceptor, in
// the "<protocol>://<system_name>@<host>:<port>/user/acceptor" form. The
// transport package resolves it to a concrete dial target.
type PeerAddress struct {
	Protocol   string
	SystemName string
	Host       string
	Port       int
}

func (a PeerAddress) String() string {
	return fmt.Sprintf("%s://%s@%s:%d/user/acceptor", a.Protocol, a.SystemName, a.Host, a.Port)
}

// ReplicationConnection addresses one remote endpoint and carries the
// optional per-log replication filters the local endpoint applies to reads
// it issues against that remote.
type ReplicationConnection struct {
	Host           string
	Port           int
	PeerSystemName string
	PerLogFilters  map[string]Filter
}

func (c ReplicationConnection) Address(protocol string) PeerAddress {
	return PeerAddress{Protocol: protocol, SystemName: c.PeerSystemName, Host: c.Host, Port: c.Port}
}

// Filter is the opaque application-defined predicate a connection may
// attach to one of its logs. The core never inspects a Filter's internals
// beyond composing it.
type Filter interface {
	// Evaluate reports whether the event should be kept.
	Evaluate(event DurableEvent) bool
}

// DurableEvent is opaque to the replication core beyond the two fields it
// needs: causal position and origin. Real payloads (the application record)
// live behind this interface; the event log backend is responsible for
// serializing whatever concrete type implements it.
type DurableEvent interface {
	VectorTime() vtime.T
	EmitterID() string
}

// SimpleEvent is a reusable concrete DurableEvent: a JSON-serializable
// application payload plus the two fields the core cares about. Real
// deployments carry their own richer event types; SimpleEvent exists so
// in-memory/test log backends and examples have something to apply.
type SimpleEvent struct {
	Payload []byte
	Emitter string
	VT      vtime.T
}

func (e SimpleEvent) VectorTime() vtime.T { return e.VT }
func (e SimpleEvent) EmitterID() string   { return e.Emitter }

// ReplicationEndpointInfo is what a peer publishes in response to
// GetReplicationEndpointInfo: the heads of its logs.
type ReplicationEndpointInfo struct {
	EndpointID      string
	LogSequenceNrs  map[string]uint64
}

// LogNames returns the set of log names this info describes.
func (i ReplicationEndpointInfo) LogNames() map[string]struct{} {
	names := make(map[string]struct{}, len(i.LogSequenceNrs))
	for n := range i.LogSequenceNrs {
		names[n] = struct{}{}
	}
	return names
}

// ReplicationSource names the remote side of a link: the log being read
// from and the address of its owning endpoint's acceptor.
type ReplicationSource struct {
	EndpointID          string
	LogName             string
	LogID               string
	PeerAcceptorAddress PeerAddress
}

// ReplicationTarget names the local side of a link.
type ReplicationTarget struct {
	OwningEndpointID string
	LogName          string
	LogID            string
}

// ReplicationLink is a unidirectional pull relationship: events flow
// Source -> Target.
type ReplicationLink struct {
	Source ReplicationSource
	Target ReplicationTarget
}

func (l ReplicationLink) String() string {
	return fmt.Sprintf("%s/%s -> %s/%s", l.Source.EndpointID, l.Source.LogName, l.Target.OwningEndpointID, l.Target.LogName)
}

// RecoveryLink augments a link with the remote and local sequence numbers
// observed at the moment recovery began.
type RecoveryLink struct {
	Link            ReplicationLink
	RemoteSequenceNr uint64
	LocalSequenceNr  uint64
}

// CommonLogNames computes the commutative set intersection the Connector and
// Endpoint.common_log_names both need: the names present in both a and b.
func CommonLogNames(a, b map[string]struct{}) map[string]struct{} {
	small, large := a, b
	if len(large) < len(small) {
		small, large = large, small
	}
	common := make(map[string]struct{}, len(small))
	for name := range small {
		if _, ok := large[name]; ok {
			common[name] = struct{}{}
		}
	}
	return common
}
