// Package metrics implements the spatio-temporal processor (§4.2): it
// turns one completed Traversal into temporal, spatial, and naive mean
// speeds, plus an RTSM if thresholds already exist for the connection.
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"

	"github.com/banshee-data/fcd.report/internal/fcd"
	"github.com/banshee-data/fcd.report/internal/fcd/roadnet"
)

// offsetEpsilon is the minimum strictly-increasing step enforced between
// consecutive interpolation x-values.
const offsetEpsilon = 0.001

// outOfRangeToleranceM is how far a connection's summed-node length may
// exceed the interpolant's x-domain before the traversal is rejected
// rather than clamped.
const outOfRangeToleranceM = 5.0

// Store is the subset of the metric store the processor needs: threshold
// lookups for RTSM, and connection metadata for length.
type Store interface {
	ConnectionMeta(connectionID string) (fcd.ConnectionMeta, error)
	GotThresholdFor(connectionID string) (fcd.Thresholds, bool)
	InsertTraversalMetric(m fcd.TraversalMetric) (int64, error)
}

// Processor is the TraversalProcessor that computes and persists
// spatio-temporal metrics. It implements fcd.TraversalProcessor.
type Processor struct {
	store              Store
	spatialChunkM      float64
	estimatorVersion   string
	opsf, diagf, tracef logFunc
}

type logFunc func(format string, args ...any)

func noop(string, ...any) {}

// Option configures a Processor at construction time.
type Option func(*Processor)

// WithSpatialChunkM overrides the default 15m sampling interval for the
// spatial mean speed.
func WithSpatialChunkM(m float64) Option {
	return func(p *Processor) {
		if m > 0 {
			p.spatialChunkM = m
		}
	}
}

// WithEstimatorVersion tags every row this processor writes.
func WithEstimatorVersion(v string) Option {
	return func(p *Processor) {
		if v != "" {
			p.estimatorVersion = v
		}
	}
}

// WithLoggers wires the kernel's opsf/diagf/tracef-style streams into the
// processor so incomplete-traversal and out-of-range conditions are
// reported the way the rest of the module logs.
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

// New constructs a spatio-temporal Processor.
func New(store Store, opts ...Option) *Processor {
	p := &Processor{
		store:            store,
		spatialChunkM:    15.0,
		estimatorVersion: "v1",
		opsf:             noop,
		diagf:            noop,
		tracef:           noop,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Kind implements fcd.TraversalProcessor.
func (p *Processor) Kind() string { return "spatio-temporal" }

// interpPoint is one element of the padded interpolation input list R.
type interpPoint struct {
	offsetM float64
	timeNs  float64
	speedMS float64
	record  fcd.Record
}

// HandleTraversal implements fcd.TraversalProcessor.
func (p *Processor) HandleTraversal(t fcd.Traversal) error {
	if rejectIncomplete(t) {
		p.diagf("spatio-temporal: incomplete traversal vehicle=%s connection=%s, skipping", t.VehicleID, t.ConnectionID)
		return fmt.Errorf("%w: vehicle=%s connection=%s", fcd.ErrIncompleteTraversal, t.VehicleID, t.ConnectionID)
	}

	meta, err := p.store.ConnectionMeta(t.ConnectionID)
	if err != nil {
		p.opsf("spatio-temporal: no connection metadata for %q: %v", t.ConnectionID, err)
		return fmt.Errorf("%w: %v", fcd.ErrConfiguration, err)
	}

	r := buildInterpolationInput(t)
	if len(r) < 3 {
		p.diagf("spatio-temporal: fewer than 3 interpolation points for vehicle=%s connection=%s, skipping", t.VehicleID, t.ConnectionID)
		return fmt.Errorf("%w: vehicle=%s connection=%s", fcd.ErrIncompleteTraversal, t.VehicleID, t.ConnectionID)
	}

	xs := make([]float64, len(r))
	ts := make([]float64, len(r))
	ss := make([]float64, len(r))
	for i, pt := range r {
		xs[i] = pt.offsetM
		ts[i] = pt.timeNs
		ss[i] = pt.speedMS
	}

	var timeOf, speedOf interp.PiecewiseLinear
	if err := timeOf.Fit(xs, ts); err != nil {
		return fmt.Errorf("%w: fit t(x): %v", fcd.ErrInterpolationOutOfRange, err)
	}
	if err := speedOf.Fit(xs, ss); err != nil {
		return fmt.Errorf("%w: fit s(x): %v", fcd.ErrInterpolationOutOfRange, err)
	}

	xMax := xs[len(xs)-1]
	length := meta.LengthM
	switch {
	case length > xMax && length <= xMax+outOfRangeToleranceM:
		length = xMax
	case length > xMax+outOfRangeToleranceM:
		p.opsf("spatio-temporal: connection %q length %.2fm exceeds interpolant domain %.2fm by more than %.0fm, dropping traversal", t.ConnectionID, meta.LengthM, xMax, outOfRangeToleranceM)
		return fmt.Errorf("%w: connection=%s length=%.2f x_max=%.2f", fcd.ErrInterpolationOutOfRange, t.ConnectionID, meta.LengthM, xMax)
	}

	tAtLength := timeOf.Predict(length)
	tAtZero := timeOf.Predict(0)
	traversalTimeNs := tAtLength - tAtZero
	if traversalTimeNs <= 0 {
		p.opsf("spatio-temporal: non-positive traversal time for connection %q (t0=%.2f tL=%.2f)", t.ConnectionID, tAtZero, tAtLength)
		return fmt.Errorf("%w: connection=%s", fcd.ErrInterpolationOutOfRange, t.ConnectionID)
	}

	temporalMeanSpeed := (length / traversalTimeNs) * 1e9

	spatialMeanSpeed := computeSpatialMeanSpeed(r, &speedOf, p.spatialChunkM)
	naiveMeanSpeed := computeNaiveMeanSpeed(t)

	relativeMetric := fcd.UnknownMetric
	if th, ok := p.store.GotThresholdFor(t.ConnectionID); ok {
		relativeMetric = RTSM(temporalMeanSpeed, spatialMeanSpeed, th)
	}

	nextConnectionID := t.ConnectionID
	if t.FollowingRecord != nil {
		nextConnectionID = t.FollowingRecord.ConnectionID
	}

	row := fcd.TraversalMetric{
		VehicleID:         t.VehicleID,
		TimeNs:            t.LastRecord().TimeNs,
		ConnectionID:       t.ConnectionID,
		NextConnectionID:   nextConnectionID,
		SpatialMeanSpeed:   spatialMeanSpeed,
		TemporalMeanSpeed:  temporalMeanSpeed,
		NaiveMeanSpeed:     naiveMeanSpeed,
		RelativeMetric:     relativeMetric,
		TraversalTimeNs:    traversalTimeNs,
		EstimatorVersion:   p.estimatorVersion,
	}

	if _, err := p.store.InsertTraversalMetric(row); err != nil {
		p.opsf("spatio-temporal: failed to persist metric for connection %q: %v", t.ConnectionID, err)
		return fmt.Errorf("%w: %v", fcd.ErrStorage, err)
	}
	p.tracef("spatio-temporal: connection=%s temporal=%.2f spatial=%.2f naive=%.2f rtsm=%.3f", t.ConnectionID, temporalMeanSpeed, spatialMeanSpeed, naiveMeanSpeed, relativeMetric)
	return nil
}

// rejectIncomplete implements the reject-traversal policy of §4.2: absent
// context, or a malformed boundary where the padded record would share a
// connection id with the traversal itself.
func rejectIncomplete(t fcd.Traversal) bool {
	if t.PreviousRecord == nil || t.FollowingRecord == nil {
		return true
	}
	if len(t.Records) == 0 {
		return true
	}
	if t.PreviousRecord.ConnectionID == t.Records[0].ConnectionID {
		return true
	}
	if t.Records[0].ConnectionID == t.FollowingRecord.ConnectionID {
		return true
	}
	return false
}

// buildInterpolationInput constructs R per §4.2: pad with a geometrically
// recomputed previous/following record, then enforce strict offset
// monotonicity.
func buildInterpolationInput(t fcd.Traversal) []interpPoint {
	var points []interpPoint

	first := t.Records[0]
	if t.PreviousRecord != nil {
		// offset_P = -distance(P.position, first_node_of(C).position).
		// The road-network start node is not available to this package
		// directly (metrics only sees records, not node geometry), so the
		// distance is computed against the first on-connection record's
		// position instead of the connection's start node. The two agree
		// only when the first record sits at offset 0; the record buffer
		// does not ensure that, and no correction is applied otherwise.
		d := roadnet.DistanceBetweenPositions(t.PreviousRecord.Position, first.Position)
		p := t.PreviousRecord.WithOffset(-d)
		points = append(points, interpPoint{offsetM: p.OffsetM, timeNs: float64(p.TimeNs), speedMS: p.SpeedMS, record: p})
	}

	for _, r := range t.Records {
		points = append(points, interpPoint{offsetM: r.OffsetM, timeNs: float64(r.TimeNs), speedMS: r.SpeedMS, record: r})
	}

	if t.FollowingRecord != nil {
		last := points[len(points)-1]
		d := roadnet.DistanceBetweenPositions(last.record.Position, t.FollowingRecord.Position)
		f := t.FollowingRecord.WithOffset(last.offsetM + d)
		points = append(points, interpPoint{offsetM: f.OffsetM, timeNs: float64(f.TimeNs), speedMS: f.SpeedMS, record: f})
	}

	for i := 1; i < len(points); i++ {
		if points[i].offsetM < points[i-1].offsetM+offsetEpsilon {
			points[i].offsetM = points[i-1].offsetM + offsetEpsilon
		}
	}

	return points
}

// computeSpatialMeanSpeed implements §4.2's spatial mean: equidistant
// samples of s(x) when the span of R (padded previous/following records
// included) is at least one chunk wide, else the arithmetic mean of the
// speed samples in R.
func computeSpatialMeanSpeed(r []interpPoint, speedOf *interp.PiecewiseLinear, chunkM float64) float64 {
	cur := math.Ceil(r[0].offsetM)
	end := math.Floor(r[len(r)-1].offsetM)

	if end-cur < chunkM {
		var sum float64
		for _, pt := range r {
			sum += pt.speedMS
		}
		return sum / float64(len(r))
	}

	var sum float64
	var n int
	for x := cur; end-x >= chunkM; x += chunkM {
		sum += speedOf.Predict(x)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// computeNaiveMeanSpeed averages the speed of only the on-connection
// records (the padded previous/following records are excluded).
func computeNaiveMeanSpeed(t fcd.Traversal) float64 {
	var sum float64
	for _, r := range t.Records {
		sum += r.SpeedMS
	}
	return sum / float64(len(t.Records))
}
