// Package filter implements the endpoint filter composition algebra:
// combining a connection's per-log target-side and source-side filters
// into the single Filter the serving Acceptor applies when it answers a
// ReplicationRead for one log.
package filter

import "github.com/jfoltran/replicore/internal/model"

// noFilter is the identity element of the algebra: it keeps every event.
type noFilter struct{}

func (noFilter) Evaluate(model.DurableEvent) bool { return true }

// NoFilter is the shared identity filter instance.
var NoFilter model.Filter = noFilter{}

// and composes two filters so an event must pass both.
type and struct {
	a, b model.Filter
}

func (f and) Evaluate(e model.DurableEvent) bool {
	return f.a.Evaluate(e) && f.b.Evaluate(e)
}

// And combines a and b so only events both accept survive.
func And(a, b model.Filter) model.Filter {
	return and{a: a, b: b}
}

// leftIdentity always defers to a, ignoring b. It models "target overrides
// source": when a target-side filter is present it wins outright.
type leftIdentity struct {
	a model.Filter
}

func (f leftIdentity) Evaluate(e model.DurableEvent) bool {
	return f.a.Evaluate(e)
}

// LeftIdentity returns a filter that behaves exactly like a, discarding b.
func LeftIdentity(a, b model.Filter) model.Filter {
	return leftIdentity{a: a}
}

// Endpoint resolves the effective Filter for a (target log, source log name)
// pair by consulting per-connection target and source filter maps.
//
// Endpoint.filter_for(target_log_id, source_log_name) is the single method
// every construction below must satisfy.
type Endpoint interface {
	FilterFor(targetLogID, sourceLogName string) model.Filter
}

type byTargetAndSource struct {
	targetFilters map[string]model.Filter // keyed by targetLogID
	sourceFilters map[string]model.Filter // keyed by sourceLogName
	combine       func(tf, sf model.Filter) model.Filter
}

func (e byTargetAndSource) FilterFor(targetLogID, sourceLogName string) model.Filter {
	tf, hasT := e.targetFilters[targetLogID]
	sf, hasS := e.sourceFilters[sourceLogName]
	switch {
	case hasT && hasS:
		return e.combine(tf, sf)
	case hasT:
		return tf
	case hasS:
		return sf
	default:
		return NoFilter
	}
}

// TargetAndSource and-combines the target and source filters when both are
// present, otherwise returns whichever one is present, otherwise NoFilter.
func TargetAndSource(targetFilters, sourceFilters map[string]model.Filter) Endpoint {
	return byTargetAndSource{
		targetFilters: targetFilters,
		sourceFilters: sourceFilters,
		combine:       And,
	}
}

// TargetOverwritesSource returns the target filter whenever present, falling
// back to the source filter, then to NoFilter.
func TargetOverwritesSource(targetFilters, sourceFilters map[string]model.Filter) Endpoint {
	return byTargetAndSource{
		targetFilters: targetFilters,
		sourceFilters: sourceFilters,
		combine:       LeftIdentity,
	}
}

type singleSided struct {
	filters map[string]model.Filter
	key     func(targetLogID, sourceLogName string) string
}

func (s singleSided) FilterFor(targetLogID, sourceLogName string) model.Filter {
	if f, ok := s.filters[s.key(targetLogID, sourceLogName)]; ok {
		return f
	}
	return NoFilter
}

// SourceFilters looks up a filter by source log name only, ignoring the
// target log entirely.
func SourceFilters(sourceFilters map[string]model.Filter) Endpoint {
	return singleSided{
		filters: sourceFilters,
		key:     func(_, sourceLogName string) string { return sourceLogName },
	}
}

// TargetFilters looks up a filter by target log id only.
func TargetFilters(targetFilters map[string]model.Filter) Endpoint {
	return singleSided{
		filters: targetFilters,
		key:     func(targetLogID, _ string) string { return targetLogID },
	}
}

// noFilters is the constant Endpoint that never filters anything.
type noFilters struct{}

func (noFilters) FilterFor(string, string) model.Filter { return NoFilter }

// NoFilters is the Endpoint that resolves every (target, source) pair to
// NoFilter.
var NoFilters Endpoint = noFilters{}

// IsFiltered reports whether connection carries a non-trivial filter for
// logName, used by the Recovery Coordinator to partition links: a link is
// filtered iff its connection supplies a filter other than NoFilter for the
// link's log.
func IsFiltered(perLogFilters map[string]model.Filter, logName string) bool {
	f, ok := perLogFilters[logName]
	if !ok {
		return false
	}
	_, isNoFilter := f.(noFilter)
	return !isNoFilter
}
