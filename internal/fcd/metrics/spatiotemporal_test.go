package metrics

import (
	"errors"
	"math"
	"testing"

	"github.com/banshee-data/fcd.report/internal/fcd"
)

type fakeStore struct {
	conns      map[string]fcd.ConnectionMeta
	thresholds map[string]fcd.Thresholds
	inserted   []fcd.TraversalMetric
}

func newFakeStore() *fakeStore {
	return &fakeStore{conns: map[string]fcd.ConnectionMeta{}, thresholds: map[string]fcd.Thresholds{}}
}

func (f *fakeStore) ConnectionMeta(id string) (fcd.ConnectionMeta, error) {
	m, ok := f.conns[id]
	if !ok {
		return fcd.ConnectionMeta{}, errors.New("no such connection")
	}
	return m, nil
}

func (f *fakeStore) GotThresholdFor(id string) (fcd.Thresholds, bool) {
	th, ok := f.thresholds[id]
	return th, ok
}

func (f *fakeStore) InsertTraversalMetric(m fcd.TraversalMetric) (int64, error) {
	f.inserted = append(f.inserted, m)
	return int64(len(f.inserted)), nil
}

func rec(t int64, offset float64, conn string, speed float64) fcd.Record {
	return fcd.Record{TimeNs: t, ConnectionID: conn, OffsetM: offset, SpeedMS: speed, Position: fcd.Position{Lat: 0, Lon: offset / 111000.0}}
}

func TestHandleTraversalRejectsMissingPreviousRecord(t *testing.T) {
	store := newFakeStore()
	store.conns["A"] = fcd.ConnectionMeta{ConnectionID: "A", LengthM: 100}
	p := New(store)

	following := rec(5e9, 5, "B", 25)
	tr := fcd.Traversal{
		VehicleID:    "v1",
		ConnectionID: "A",
		Records: []fcd.Record{
			rec(0, 0, "A", 25),
			rec(1e9, 25, "A", 25),
			rec(2e9, 50, "A", 25),
			rec(3e9, 75, "A", 25),
			rec(4e9, 100, "A", 25),
		},
		FollowingRecord: &following,
	}

	err := p.HandleTraversal(tr)
	if !errors.Is(err, fcd.ErrIncompleteTraversal) {
		t.Fatalf("expected ErrIncompleteTraversal, got %v", err)
	}
	if len(store.inserted) != 0 {
		t.Fatalf("expected no metric persisted, got %d", len(store.inserted))
	}
}

func TestHandleTraversalEmitsMetricWithoutThresholds(t *testing.T) {
	store := newFakeStore()
	store.conns["B"] = fcd.ConnectionMeta{ConnectionID: "B", LengthM: 100}
	p := New(store)

	previous := rec(5e9, 0, "A", 25)
	following := rec(10e9, 5, "C", 25)
	tr := fcd.Traversal{
		VehicleID:    "v1",
		ConnectionID: "B",
		Records: []fcd.Record{
			rec(5e9, 0, "B", 25),
			rec(6e9, 25, "B", 25),
			rec(7e9, 50, "B", 25),
			rec(8e9, 75, "B", 25),
			rec(9e9, 100, "B", 25),
		},
		PreviousRecord:  &previous,
		FollowingRecord: &following,
	}

	if err := p.HandleTraversal(tr); err != nil {
		t.Fatalf("HandleTraversal: %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 metric persisted, got %d", len(store.inserted))
	}
	m := store.inserted[0]
	if math.Abs(m.TemporalMeanSpeed-25) > 0.5 {
		t.Errorf("TemporalMeanSpeed = %v, want ~25", m.TemporalMeanSpeed)
	}
	if math.Abs(m.SpatialMeanSpeed-25) > 0.5 {
		t.Errorf("SpatialMeanSpeed = %v, want ~25", m.SpatialMeanSpeed)
	}
	if m.NaiveMeanSpeed != 25 {
		t.Errorf("NaiveMeanSpeed = %v, want 25", m.NaiveMeanSpeed)
	}
	if m.RelativeMetric != fcd.UnknownMetric {
		t.Errorf("RelativeMetric = %v, want sentinel", m.RelativeMetric)
	}
	if m.NextConnectionID != "C" {
		t.Errorf("NextConnectionID = %q, want C", m.NextConnectionID)
	}
}

func TestHandleTraversalShortConnectionUsesArithmeticMean(t *testing.T) {
	store := newFakeStore()
	store.conns["B"] = fcd.ConnectionMeta{ConnectionID: "B", LengthM: 10}
	p := New(store, WithSpatialChunkM(15))

	first := rec(1e9, 0, "B", 20)
	last := rec(2e9, 10, "B", 30)
	// Previous/following sit essentially at the connection's boundary
	// nodes, so the geometric padding distance is ~0 and the padded R
	// range stays within the short connection's own span.
	previous := fcd.Record{TimeNs: 0, ConnectionID: "A", SpeedMS: 20, Position: first.Position}
	following := fcd.Record{TimeNs: 3e9, ConnectionID: "C", SpeedMS: 30, Position: last.Position}
	tr := fcd.Traversal{
		VehicleID:       "v1",
		ConnectionID:    "B",
		Records:         []fcd.Record{first, last},
		PreviousRecord:  &previous,
		FollowingRecord: &following,
	}
	if err := p.HandleTraversal(tr); err != nil {
		t.Fatalf("HandleTraversal: %v", err)
	}
	m := store.inserted[0]
	if m.SpatialMeanSpeed != m.NaiveMeanSpeed {
		t.Errorf("expected spatial mean to fall back to the arithmetic mean for a short connection, got spatial=%v naive=%v", m.SpatialMeanSpeed, m.NaiveMeanSpeed)
	}
}

func TestHandleTraversalOutOfRangeLengthIsDropped(t *testing.T) {
	store := newFakeStore()
	store.conns["B"] = fcd.ConnectionMeta{ConnectionID: "B", LengthM: 1000}
	p := New(store)

	previous := rec(0, 0, "A", 25)
	following := rec(10e9, 105, "C", 25)
	tr := fcd.Traversal{
		VehicleID:    "v1",
		ConnectionID: "B",
		Records: []fcd.Record{
			rec(1e9, 0, "B", 25),
			rec(2e9, 100, "B", 25),
		},
		PreviousRecord:  &previous,
		FollowingRecord: &following,
	}
	err := p.HandleTraversal(tr)
	if !errors.Is(err, fcd.ErrInterpolationOutOfRange) {
		t.Fatalf("expected ErrInterpolationOutOfRange, got %v", err)
	}
	if len(store.inserted) != 0 {
		t.Fatalf("expected no metric persisted, got %d", len(store.inserted))
	}
}

func TestRTSMSentinelWhenInputUnknown(t *testing.T) {
	th := fcd.Thresholds{TemporalThresholdMS: 10, SpatialThresholdMS: 10}
	if got := RTSM(fcd.UnknownMetric, 5, th); got != 1 {
		t.Errorf("RTSM() = %v, want 1", got)
	}
}

func TestRTSMQuadrants(t *testing.T) {
	th := fcd.Thresholds{TemporalThresholdMS: 10, SpatialThresholdMS: 10}
	if got := RTSM(12, 12, th); got != 0 {
		t.Errorf("upper-right RTSM = %v, want 0", got)
	}
	if got := RTSM(5, 12, th); got != 0.25 {
		t.Errorf("upper-left RTSM = %v, want 0.25", got)
	}
	if got := RTSM(5, 5, th); got != 0.5 {
		t.Errorf("lower-left RTSM = %v, want 0.5", got)
	}
	if got := RTSM(12, 5, th); got != 0.25 {
		t.Errorf("lower-right RTSM = %v, want 0.25", got)
	}
}
