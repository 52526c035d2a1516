// Package threshold implements the time-triggered threshold/RTSM processor
// (§4.3): it recomputes per-connection percentile thresholds from the
// accumulated traversal history and, optionally, rewrites every stored
// traversal's RTSM with the new thresholds.
package threshold

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/fcd.report/internal/fcd"
	"github.com/banshee-data/fcd.report/internal/fcd/metrics"
)

// minNonNoiseTraversalTimeNs filters out traversal times treated as noise
// (§4.3.1 step 2).
const minNonNoiseTraversalTimeNs = 5

// Store is the subset of the metric store the processor needs.
type Store interface {
	ConnectionMeta(connectionID string) (fcd.ConnectionMeta, error)
	GetTraversalTimes() (map[string][]float64, error)
	GetMeanSpeeds() (map[string][]fcd.MeanSpeedPair, error)
	InsertThresholds(rows []fcd.Thresholds, simulationTimeNs int64) error
	GotThresholdFor(connectionID string) (fcd.Thresholds, bool)
	GetTraversalMetrics(sinceInsertedAtNs int64) ([]fcd.TraversalMetric, error)
	UpdateTraversalMetrics(updates []fcd.TraversalMetric) error
}

type logFunc func(format string, args ...any)

func noop(string, ...any) {}

// Processor is the TimeBasedProcessor that recomputes thresholds. It
// implements fcd.TimeBasedProcessor.
type Processor struct {
	store Store

	intervalNs                int64
	defaultRedLightNs         int64
	minTraversalsForThreshold int
	minHeuristicTraversals    int
	maxHeuristicTraversals    int
	thresholdPercentile       float64
	redLightDiffPercentile    float64
	recomputeAllRTSM          bool
	estimatorVersion          string

	opsf, diagf, tracef logFunc

	mu          sync.Mutex
	redLightNs  map[string]int64 // sticky once set, for the processor's lifetime
	lastTriggerNs int64
	haveLastTrigger bool
}

// Option configures a Processor at construction time.
type Option func(*Processor)

func WithDefaultRedLightNs(ns int64) Option {
	return func(p *Processor) {
		if ns > 0 {
			p.defaultRedLightNs = ns
		}
	}
}

func WithMinTraversalsForThreshold(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.minTraversalsForThreshold = n
		}
	}
}

func WithHeuristicBounds(min, max int) Option {
	return func(p *Processor) {
		if min > 0 {
			p.minHeuristicTraversals = min
		}
		if max > 0 {
			p.maxHeuristicTraversals = max
		}
	}
}

func WithThresholdPercentile(p64 float64) Option {
	return func(p *Processor) {
		if p64 > 0 && p64 < 1 {
			p.thresholdPercentile = p64
		}
	}
}

func WithRedLightDiffPercentile(p64 float64) Option {
	return func(p *Processor) {
		if p64 > 0 && p64 < 1 {
			p.redLightDiffPercentile = p64
		}
	}
}

func WithRecomputeAllRTSM(enabled bool) Option {
	return func(p *Processor) { p.recomputeAllRTSM = enabled }
}

func WithEstimatorVersion(v string) Option {
	return func(p *Processor) {
		if v != "" {
			p.estimatorVersion = v
		}
	}
}

func WithLoggers(ops, diag, trace func(format string, args ...any)) Option {
	return func(p *Processor) {
		if ops != nil {
			p.opsf = ops
		}
		if diag != nil {
			p.diagf = diag
		}
		if trace != nil {
			p.tracef = trace
		}
	}
}

// New constructs a threshold Processor scheduled on intervalNs (the
// trigger_interval, default 30 minutes in nanoseconds - callers pass the
// already-resolved duration).
func New(store Store, intervalNs int64, opts ...Option) *Processor {
	p := &Processor{
		store:                     store,
		intervalNs:                intervalNs,
		defaultRedLightNs:         45_000_000_000,
		minTraversalsForThreshold: 10,
		minHeuristicTraversals:    10,
		maxHeuristicTraversals:    400,
		thresholdPercentile:       0.05,
		redLightDiffPercentile:    0.60,
		estimatorVersion:          "v1",
		opsf:                      noop,
		diagf:                     noop,
		tracef:                    noop,
		redLightNs:                make(map[string]int64),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Kind implements fcd.TimeBasedProcessor.
func (p *Processor) Kind() string { return "threshold-rtsm" }

// IntervalNs implements fcd.TimeBasedProcessor.
func (p *Processor) IntervalNs() int64 { return p.intervalNs }

// HandleUpdate implements fcd.TimeBasedProcessor. The threshold processor
// does no per-update bookkeeping; thresholds are rebuilt from the metric
// store on every tick, and only the sticky red-light estimates carry over
// between ticks.
func (p *Processor) HandleUpdate(nowNs int64, b fcd.Batch) error {
	return nil
}

// TriggerEvent implements fcd.TimeBasedProcessor: one full threshold
// recomputation round, per §4.3.1.
func (p *Processor) TriggerEvent(nowNs int64) error {
	p.mu.Lock()
	p.lastTriggerNs = nowNs
	p.haveLastTrigger = true
	p.mu.Unlock()
	return p.recompute(nowNs)
}

// Shutdown implements fcd.TimeBasedProcessor: fire one final threshold
// recompute if the previous tick wasn't already at nowNs, then
// unconditionally recompute RTSM for every stored traversal.
func (p *Processor) Shutdown(nowNs int64) error {
	p.mu.Lock()
	needsFinal := !p.haveLastTrigger || p.lastTriggerNs != nowNs
	p.mu.Unlock()

	if needsFinal {
		if err := p.recompute(nowNs); err != nil {
			p.opsf("threshold: final recompute at shutdown failed: %v", err)
			return err
		}
	}
	return p.recomputeAllRTSMRows()
}

func (p *Processor) recompute(nowNs int64) error {
	traversalTimes, err := p.store.GetTraversalTimes()
	if err != nil {
		p.opsf("threshold: failed to load traversal times: %v", err)
		return fmt.Errorf("%w: %v", fcd.ErrStorage, err)
	}
	meanSpeeds, err := p.store.GetMeanSpeeds()
	if err != nil {
		p.opsf("threshold: failed to load mean speeds: %v", err)
		return fmt.Errorf("%w: %v", fcd.ErrStorage, err)
	}

	connectionIDs := make([]string, 0, len(traversalTimes))
	for id := range traversalTimes {
		connectionIDs = append(connectionIDs, id)
	}
	sort.Strings(connectionIDs)

	type result struct {
		connectionID string
		temporal     float64
		spatial      float64
		haveTemporal bool
		haveSpatial  bool
	}
	results := make([]result, len(connectionIDs))

	// Percentile computation is read-only against the two maps already
	// fetched above, so it is safe to parallelize per connection; every
	// write (InsertThresholds) happens afterwards on the calling
	// goroutine, honoring the "parallelize reads, serialize writes" rule.
	g, _ := errgroup.WithContext(context.Background())
	for i, connID := range connectionIDs {
		i, connID := i, connID
		g.Go(func() error {
			results[i] = p.computeConnectionThresholds(connID, traversalTimes[connID], meanSpeeds[connID])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var rows []fcd.Thresholds
	for _, r := range results {
		if r.haveTemporal && r.haveSpatial {
			rows = append(rows, fcd.Thresholds{
				ConnectionID:        r.connectionID,
				TemporalThresholdMS: r.temporal,
				SpatialThresholdMS:  r.spatial,
				EstimatorVersion:    p.estimatorVersion,
			})
		} else if r.haveTemporal || r.haveSpatial {
			p.diagf("threshold: connection %q produced only one of (temporal, spatial) threshold, dropping", r.connectionID)
		}
	}

	if len(rows) == 0 {
		return nil
	}
	if err := p.store.InsertThresholds(rows, nowNs); err != nil {
		p.opsf("threshold: failed to persist thresholds: %v", err)
		return fmt.Errorf("%w: %v", fcd.ErrStorage, err)
	}
	p.tracef("threshold: recomputed thresholds for %d connections at t=%d", len(rows), nowNs)

	if p.recomputeAllRTSM {
		return p.recomputeAllRTSMRows()
	}
	return nil
}

// computeConnectionThresholds implements §4.3.1 steps 2-6 for one
// connection, plus the red-light heuristic update (§4.3.3).
func (p *Processor) computeConnectionThresholds(connID string, times []float64, pairs []fcd.MeanSpeedPair) (out struct {
	connectionID string
	temporal     float64
	spatial      float64
	haveTemporal bool
	haveSpatial  bool
}) {
	out.connectionID = connID

	filtered := make([]float64, 0, len(times))
	for _, t := range times {
		if t > minNonNoiseTraversalTimeNs {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) < p.minTraversalsForThreshold {
		return out
	}
	sort.Float64s(filtered)
	p5 := stat.Quantile(p.thresholdPercentile, stat.Empirical, filtered, nil)

	redLightNs := p.updateRedLightHeuristic(connID, filtered)

	meta, err := p.store.ConnectionMeta(connID)
	if err != nil {
		p.opsf("threshold: no connection metadata for %q, skipping: %v", connID, err)
		return out
	}
	temporalThresholdSeconds := (p5 + float64(redLightNs)) / 1e9
	if temporalThresholdSeconds <= 0 {
		return out
	}
	temporalThreshold := meta.LengthM / temporalThresholdSeconds
	out.temporal = temporalThreshold
	out.haveTemporal = true

	var spatialSamples []float64
	for _, pair := range pairs {
		if pair.TemporalMeanSpeed >= temporalThreshold {
			spatialSamples = append(spatialSamples, pair.SpatialMeanSpeed)
		}
	}
	if len(spatialSamples) == 0 {
		out.haveTemporal = false
		return out
	}
	sort.Float64s(spatialSamples)
	out.spatial = stat.Quantile(p.thresholdPercentile, stat.Empirical, spatialSamples, nil)
	out.haveSpatial = true
	return out
}

// updateRedLightHeuristic implements §4.3.3: once set for a connection,
// the estimate never changes for the processor's lifetime.
func (p *Processor) updateRedLightHeuristic(connID string, sortedTimes []float64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ns, ok := p.redLightNs[connID]; ok {
		return ns
	}

	count := len(sortedTimes)
	if count < p.minHeuristicTraversals || count > p.maxHeuristicTraversals {
		return 0
	}

	p60 := stat.Quantile(p.redLightDiffPercentile, stat.Empirical, sortedTimes, nil)
	p5 := stat.Quantile(p.thresholdPercentile, stat.Empirical, sortedTimes, nil)
	diff := p60 - p5
	if diff < 0 {
		diff = -diff
	}

	if diff >= float64(p.defaultRedLightNs) && diff <= 3*float64(p.defaultRedLightNs) {
		p.redLightNs[connID] = p.defaultRedLightNs
		return p.defaultRedLightNs
	}
	return 0
}

// recomputeAllRTSMRows walks every stored traversal row and recomputes its
// RTSM with the current thresholds, batch-updating the store.
func (p *Processor) recomputeAllRTSMRows() error {
	rows, err := p.store.GetTraversalMetrics(0)
	if err != nil {
		p.opsf("threshold: failed to load traversal metrics for RTSM recompute: %v", err)
		return fmt.Errorf("%w: %v", fcd.ErrStorage, err)
	}

	var updates []fcd.TraversalMetric
	for _, row := range rows {
		th, ok := p.store.GotThresholdFor(row.ConnectionID)
		if !ok {
			continue
		}
		row.RelativeMetric = metrics.RTSM(row.TemporalMeanSpeed, row.SpatialMeanSpeed, th)
		updates = append(updates, row)
	}
	if len(updates) == 0 {
		return nil
	}
	if err := p.store.UpdateTraversalMetrics(updates); err != nil {
		p.opsf("threshold: failed to batch-update RTSM: %v", err)
		return fmt.Errorf("%w: %v", fcd.ErrStorage, err)
	}
	p.tracef("threshold: recomputed RTSM for %d traversal rows", len(updates))
	return nil
}
