package pipeline

import (
	"testing"

	"github.com/banshee-data/fcd.report/internal/fcd"
	"github.com/banshee-data/fcd.report/internal/fcd/metrics"
	"github.com/banshee-data/fcd.report/internal/fcd/threshold"
)

type fakeMetricStore struct {
	conns      map[string]fcd.ConnectionMeta
	thresholds map[string]fcd.Thresholds
	inserted   []fcd.TraversalMetric
	times      map[string][]float64
	pairs      map[string][]fcd.MeanSpeedPair
}

func newFakeMetricStore() *fakeMetricStore {
	return &fakeMetricStore{
		conns:      map[string]fcd.ConnectionMeta{},
		thresholds: map[string]fcd.Thresholds{},
		times:      map[string][]float64{},
		pairs:      map[string][]fcd.MeanSpeedPair{},
	}
}

func (f *fakeMetricStore) ConnectionMeta(id string) (fcd.ConnectionMeta, error) {
	m, ok := f.conns[id]
	if !ok {
		return fcd.ConnectionMeta{}, fcd.ErrConfiguration
	}
	return m, nil
}
func (f *fakeMetricStore) GotThresholdFor(id string) (fcd.Thresholds, bool) {
	th, ok := f.thresholds[id]
	return th, ok
}
func (f *fakeMetricStore) InsertTraversalMetric(m fcd.TraversalMetric) (int64, error) {
	m.ID = int64(len(f.inserted) + 1)
	f.inserted = append(f.inserted, m)
	f.times[m.ConnectionID] = append(f.times[m.ConnectionID], m.TraversalTimeNs)
	f.pairs[m.ConnectionID] = append(f.pairs[m.ConnectionID], fcd.MeanSpeedPair{TemporalMeanSpeed: m.TemporalMeanSpeed, SpatialMeanSpeed: m.SpatialMeanSpeed})
	return m.ID, nil
}
func (f *fakeMetricStore) GetTraversalTimes() (map[string][]float64, error) { return f.times, nil }
func (f *fakeMetricStore) GetMeanSpeeds() (map[string][]fcd.MeanSpeedPair, error) {
	return f.pairs, nil
}
func (f *fakeMetricStore) InsertThresholds(rows []fcd.Thresholds, simTime int64) error {
	for _, r := range rows {
		r.SimulationTimeNs = simTime
		f.thresholds[r.ConnectionID] = r
	}
	return nil
}
func (f *fakeMetricStore) GetTraversalMetrics(since int64) ([]fcd.TraversalMetric, error) {
	return f.inserted, nil
}
func (f *fakeMetricStore) UpdateTraversalMetrics(updates []fcd.TraversalMetric) error {
	for _, u := range updates {
		for i := range f.inserted {
			if f.inserted[i].ID == u.ID {
				f.inserted[i].RelativeMetric = u.RelativeMetric
			}
		}
	}
	return nil
}

func rec(t int64, offset float64, conn string, speed float64) fcd.Record {
	return fcd.Record{TimeNs: t, ConnectionID: conn, OffsetM: offset, SpeedMS: speed, Position: fcd.Position{Lat: 0, Lon: offset / 111000.0}}
}

func batch(vehicleID string, final bool, records ...fcd.Record) fcd.Batch {
	return fcd.Batch{VehicleID: vehicleID, Final: final, Records: records}
}

func newTestKernel(store *fakeMetricStore) *Kernel {
	sp := metrics.New(store)
	th := threshold.New(store, int64(30*60*1e9), threshold.WithMinTraversalsForThreshold(10))
	return New([]fcd.TraversalProcessor{sp}, []fcd.TimeBasedProcessor{th}, nil)
}

func TestScenario1SingleTraversalNoRTSM(t *testing.T) {
	store := newFakeMetricStore()
	store.conns["A"] = fcd.ConnectionMeta{ConnectionID: "A", LengthM: 100}
	k := newTestKernel(store)

	if err := k.HandleUpdate(0, batch("v1", false,
		rec(0, 0, "A", 25),
		rec(1e9, 25, "A", 25),
		rec(2e9, 50, "A", 25),
		rec(3e9, 75, "A", 25),
		rec(4e9, 100, "A", 25),
	)); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if err := k.HandleUpdate(5e9, batch("v1", false, rec(5e9, 5, "B", 25))); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if len(store.inserted) != 0 {
		t.Fatalf("expected no metric row (missing previous_record), got %d", len(store.inserted))
	}
}

func TestScenario2SecondTraversalYieldsMetric(t *testing.T) {
	store := newFakeMetricStore()
	store.conns["A"] = fcd.ConnectionMeta{ConnectionID: "A", LengthM: 100}
	store.conns["B"] = fcd.ConnectionMeta{ConnectionID: "B", LengthM: 100}
	k := newTestKernel(store)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("HandleUpdate: %v", err)
		}
	}
	must(k.HandleUpdate(0, batch("v1", false,
		rec(0, 0, "A", 25), rec(1e9, 25, "A", 25), rec(2e9, 50, "A", 25), rec(3e9, 75, "A", 25), rec(4e9, 100, "A", 25),
	)))
	must(k.HandleUpdate(5e9, batch("v1", false,
		rec(5e9, 0, "B", 25), rec(6e9, 25, "B", 25), rec(7e9, 50, "B", 25), rec(8e9, 75, "B", 25), rec(9e9, 100, "B", 25),
	)))
	must(k.HandleUpdate(10e9, batch("v1", false, rec(10e9, 5, "C", 25))))

	if len(store.inserted) != 1 {
		t.Fatalf("expected exactly 1 metric row (for B), got %d", len(store.inserted))
	}
	m := store.inserted[0]
	if m.ConnectionID != "B" {
		t.Fatalf("ConnectionID = %q, want B", m.ConnectionID)
	}
	if m.NextConnectionID != "C" {
		t.Errorf("NextConnectionID = %q, want C", m.NextConnectionID)
	}
	if m.RelativeMetric != fcd.UnknownMetric {
		t.Errorf("RelativeMetric = %v, want sentinel (no thresholds yet)", m.RelativeMetric)
	}
	if m.NaiveMeanSpeed != 25 {
		t.Errorf("NaiveMeanSpeed = %v, want 25", m.NaiveMeanSpeed)
	}
}

func TestScenario3ThresholdTickInsufficientData(t *testing.T) {
	store := newFakeMetricStore()
	store.conns["B"] = fcd.ConnectionMeta{ConnectionID: "B", LengthM: 100}
	store.times["B"] = []float64{4e9}
	store.pairs["B"] = []fcd.MeanSpeedPair{{TemporalMeanSpeed: 25, SpatialMeanSpeed: 25}}
	k := newTestKernel(store)

	if err := k.TriggerTick("threshold-rtsm", 1000); err != nil {
		t.Fatalf("TriggerTick: %v", err)
	}
	if _, ok := store.thresholds["B"]; ok {
		t.Fatalf("expected no thresholds inserted for B with only 1 traversal")
	}
}

func TestScenario4ThresholdTickSufficientData(t *testing.T) {
	store := newFakeMetricStore()
	store.conns["B"] = fcd.ConnectionMeta{ConnectionID: "B", LengthM: 100}
	for i := 0; i < 12; i++ {
		store.times["B"] = append(store.times["B"], 4e9+float64(i)*1e8)
		store.pairs["B"] = append(store.pairs["B"], fcd.MeanSpeedPair{TemporalMeanSpeed: 20 + float64(i), SpatialMeanSpeed: 20 + float64(i)})
	}
	k := newTestKernel(store)

	if err := k.TriggerTick("threshold-rtsm", 1000); err != nil {
		t.Fatalf("TriggerTick: %v", err)
	}
	if _, ok := store.thresholds["B"]; !ok {
		t.Fatalf("expected a threshold row for B with 12 traversals")
	}
}

func TestScenario5Eviction(t *testing.T) {
	store := newFakeMetricStore()
	store.conns["A"] = fcd.ConnectionMeta{ConnectionID: "A", LengthM: 100}
	k := New(nil, nil, nil, WithUnitExpirationTimeNs(int64(60*60*1e9)))

	if err := k.HandleUpdate(0, batch("v2", false, rec(0, 0, "A", 25))); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if !k.HasVehicle("v2") {
		t.Fatalf("expected v2 present immediately after update")
	}

	// First eviction cycle: watermark starts at 0, so v2 (newest record at
	// t=0) is not yet older than it. The watermark only advances past v2's
	// record on the second cycle, matching "unit_expiration_time +
	// unit_removal_interval of simulated silence" before reclamation.
	k.EvictionTick(int64(30 * 60 * 1e9))
	if !k.HasVehicle("v2") {
		t.Fatalf("expected v2 still present after only one eviction cycle")
	}
	k.EvictionTick(int64(60 * 60 * 1e9))
	if k.HasVehicle("v2") {
		t.Fatalf("expected v2 evicted once watermark passes its newest record time")
	}
}

func TestScenario6FinalFlagCleanup(t *testing.T) {
	store := newFakeMetricStore()
	k := newTestKernel(store)

	if err := k.HandleUpdate(0, batch("v3", true, rec(0, 0, "A", 25))); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if k.HasVehicle("v3") {
		t.Fatalf("expected no pending state for v3 after final flag")
	}
	if len(store.inserted) != 0 {
		t.Fatalf("expected no traversal extracted for a single-connection final update")
	}
}
