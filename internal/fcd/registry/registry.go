// Package registry resolves the processor-kind strings named in
// config.EstimatorConfig to concrete fcd processors, per the Design Notes'
// explicit-registry rule: no reflection-based processor discovery, just a
// kind string mapped to a constructor.
package registry

import (
	"fmt"

	"github.com/banshee-data/fcd.report/internal/config"
	"github.com/banshee-data/fcd.report/internal/fcd"
	"github.com/banshee-data/fcd.report/internal/fcd/metrics"
	"github.com/banshee-data/fcd.report/internal/fcd/threshold"
)

// SpatioTemporalKind and ThresholdKind are the well-known kind strings for
// the two processors every kernel must run (§6: both are auto-inserted if
// missing from configuration).
const (
	SpatioTemporalKind = "spatio-temporal"
	ThresholdKind      = "threshold-rtsm"
)

// LoggerSet is the opsf/diagf/tracef trio threaded into every processor
// that logs, matching the kernel's own logging shape.
type LoggerSet struct {
	Opsf, Diagf, Tracef func(format string, args ...any)
}

// TraversalStore is the store surface required by traversal-based
// processors. *fcdstore.Store satisfies this.
type TraversalStore = metrics.Store

// ThresholdStore is the store surface required by time-based threshold
// processors. *fcdstore.Store satisfies this.
type ThresholdStore = threshold.Store

// Registry resolves configured processor kinds into live instances.
type Registry struct {
	cfg              *config.EstimatorConfig
	traversalStore   TraversalStore
	thresholdStore   ThresholdStore
	loggers          LoggerSet
	estimatorVersion string
}

// New constructs a Registry. Either store argument may implement both
// interfaces (as *fcdstore.Store does); they are kept separate so a caller
// can wire a narrower fake in tests. estimatorVersion tags every row the
// built processors write - pass cfg.GetEstimatorVersion(), or a generated
// identifier when the caller left it unset.
func New(cfg *config.EstimatorConfig, traversalStore TraversalStore, thresholdStore ThresholdStore, loggers LoggerSet, estimatorVersion string) *Registry {
	return &Registry{cfg: cfg, traversalStore: traversalStore, thresholdStore: thresholdStore, loggers: loggers, estimatorVersion: estimatorVersion}
}

// BuildTraversalProcessors resolves config.TraversalBasedProcessors into
// fcd.TraversalProcessor instances, auto-inserting the spatio-temporal
// processor if the configuration omitted it.
func (r *Registry) BuildTraversalProcessors() ([]fcd.TraversalProcessor, error) {
	kinds := r.cfg.TraversalBasedProcessors
	if !containsKind(kinds, SpatioTemporalKind) {
		kinds = append(append([]string{}, kinds...), SpatioTemporalKind)
	}

	var out []fcd.TraversalProcessor
	for _, kind := range kinds {
		switch kind {
		case SpatioTemporalKind:
			out = append(out, metrics.New(r.traversalStore,
				metrics.WithSpatialChunkM(r.cfg.GetSpatialMeanSpeedChunkM()),
				metrics.WithEstimatorVersion(r.estimatorVersion),
				metrics.WithLoggers(r.loggers.Opsf, r.loggers.Diagf, r.loggers.Tracef),
			))
		default:
			return nil, fmt.Errorf("%w: traversal-based processor kind %q", fcd.ErrUnknownProcessor, kind)
		}
	}
	return out, nil
}

// BuildTimeBasedProcessors resolves config.TimeBasedProcessors into
// fcd.TimeBasedProcessor instances, auto-inserting the threshold/RTSM
// processor if the configuration omitted it.
func (r *Registry) BuildTimeBasedProcessors() ([]fcd.TimeBasedProcessor, error) {
	kinds := r.cfg.TimeBasedProcessors
	if !containsKind(kinds, ThresholdKind) {
		kinds = append(append([]string{}, kinds...), ThresholdKind)
	}

	var out []fcd.TimeBasedProcessor
	for _, kind := range kinds {
		switch kind {
		case ThresholdKind:
			intervalNs := r.cfg.GetTriggerInterval().Nanoseconds()
			out = append(out, threshold.New(r.thresholdStore, intervalNs,
				threshold.WithDefaultRedLightNs(r.cfg.GetDefaultRedLightDuration().Nanoseconds()),
				threshold.WithMinTraversalsForThreshold(r.cfg.GetMinTraversalsForThreshold()),
				threshold.WithHeuristicBounds(r.cfg.GetMinHeuristicTraversals(), r.cfg.GetMaxHeuristicTraversals()),
				threshold.WithThresholdPercentile(r.cfg.GetThresholdPercentile()),
				threshold.WithRedLightDiffPercentile(r.cfg.GetRedLightDiffPercentile()),
				threshold.WithRecomputeAllRTSM(r.cfg.GetRecomputeAllRTSMWithNewThresholds()),
				threshold.WithEstimatorVersion(r.estimatorVersion),
				threshold.WithLoggers(r.loggers.Opsf, r.loggers.Diagf, r.loggers.Tracef),
			))
		default:
			return nil, fmt.Errorf("%w: time-based processor kind %q", fcd.ErrUnknownProcessor, kind)
		}
	}
	return out, nil
}

// BuildMessageProcessors resolves config.MessageBasedProcessors. No
// message-based processor kind is defined yet; any configured kind is
// therefore unknown.
func (r *Registry) BuildMessageProcessors() ([]fcd.MessageProcessor, error) {
	var out []fcd.MessageProcessor
	for _, kind := range r.cfg.MessageBasedProcessors {
		return nil, fmt.Errorf("%w: message-based processor kind %q", fcd.ErrUnknownProcessor, kind)
	}
	return out, nil
}

func containsKind(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
