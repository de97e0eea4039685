// Package pushregistry implements the narrow "source push" capability: a
// Replicator, after each successful ReplicationWrite, delivers a
// ReplicationDue hint to every Replicator registered for the written target
// log, so a sibling link waiting out its retry_delay wakes immediately
// instead of waiting the full interval. It is its own tiny package so that
// Replicators share only this notify capability, not references to each
// other.
package pushregistry

import "sync"

// Registry maps a target log id to the set of notify callbacks interested
// in writes landing on it.
type Registry struct {
	mu  sync.Mutex
	byLogID map[string]map[int]func()
	next    int
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byLogID: make(map[string]map[int]func())}
}

// Register subscribes notify to pushes for logID and returns a function
// that removes the subscription (called on Replicator termination).
func (r *Registry) Register(logID string, notify func()) (unregister func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byLogID[logID] == nil {
		r.byLogID[logID] = make(map[int]func())
	}
	id := r.next
	r.next++
	r.byLogID[logID][id] = notify

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if m, ok := r.byLogID[logID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(r.byLogID, logID)
			}
		}
	}
}

// NotifyWriteSuccess invokes every callback registered for logID. Called by
// a Replicator after its ReplicationWrite on that log succeeds.
func (r *Registry) NotifyWriteSuccess(logID string) {
	r.mu.Lock()
	callbacks := make([]func(), 0, len(r.byLogID[logID]))
	for _, fn := range r.byLogID[logID] {
		callbacks = append(callbacks, fn)
	}
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}
