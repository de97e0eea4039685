// Package vtime implements the vector-time causality model used to order
// and deduplicate replicated events across endpoints.
package vtime

import "maps"

// T is a vector time: one logical counter per endpoint. Replicated events
// carry one; logs expose the pointwise-max of every event they have applied.
type T map[string]uint64

// New returns an empty vector time.
func New() T {
	return make(T)
}

// Get returns the counter for id, or 0 if id has never advanced it.
func (t T) Get(id string) uint64 {
	return t[id]
}

// Copy returns an independent copy of t.
func (t T) Copy() T {
	c := make(T, len(t))
	maps.Copy(c, t)
	return c
}

// Increment returns a copy of t with id's counter incremented by one.
func (t T) Increment(id string) T {
	c := t.Copy()
	c[id]++
	return c
}

// LessOrEqual reports whether t is pointwise <= other, i.e. every counter in
// t is dominated by the corresponding counter in other (missing entries are
// treated as 0). This is the dedup check: an incoming event e is stale with
// respect to a log at vector time vt iff e.VectorTime.LessOrEqual(vt).
func (t T) LessOrEqual(other T) bool {
	for id, c := range t {
		if c > other[id] {
			return false
		}
	}
	return true
}

// Equal reports whether t and other carry identical counters.
func (t T) Equal(other T) bool {
	return t.LessOrEqual(other) && other.LessOrEqual(t)
}

// StrictlyDominates reports whether t carries strictly newer information
// than other: t >= other pointwise, and t != other. Used to confirm that an
// incoming event's vector time is not dominated by the log's vector time
// before apply.
func (t T) StrictlyDominates(other T) bool {
	return other.LessOrEqual(t) && !t.Equal(other)
}

// Merge returns the componentwise maximum of t and other, the operation a log
// performs after applying an event to fold the event's vector time into its
// own aggregate.
func (t T) Merge(other T) T {
	merged := t.Copy()
	for id, c := range other {
		if c > merged[id] {
			merged[id] = c
		}
	}
	return merged
}
