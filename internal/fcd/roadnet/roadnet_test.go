package roadnet

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/fcd.report/internal/fcd"
)

func TestLengthSumsInterNodeDistances(t *testing.T) {
	// Roughly 100m straight segment along a line of longitude.
	c := Connection{
		ID: "A",
		Nodes: []Node{
			{Lat: 0.0, Lon: 0.0},
			{Lat: 0.0009, Lon: 0.0}, // ~100m at the equator
		},
	}
	got := Length(c)
	if math.Abs(got-100) > 5 {
		t.Errorf("Length() = %v, want ~100", got)
	}
}

func TestLengthSingleNodeIsZero(t *testing.T) {
	c := Connection{ID: "A", Nodes: []Node{{Lat: 1, Lon: 1}}}
	if got := Length(c); got != 0 {
		t.Errorf("Length() = %v, want 0", got)
	}
}

func TestStaticMapUnknownConnection(t *testing.T) {
	m := NewStaticMap(nil)
	_, err := m.GetConnection("missing")
	if !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection, got %v", err)
	}
}

func TestStaticMapRoundTrip(t *testing.T) {
	c := Connection{ID: "A", MaxSpeedMS: 20, Nodes: []Node{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 0.001}}}
	m := NewStaticMap([]Connection{c})
	got, err := m.GetConnection("A")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if got.ID != "A" || got.MaxSpeedMS != 20 {
		t.Errorf("GetConnection() = %+v, want matching A", got)
	}
}

func TestDistanceToPositionZeroAtSamePoint(t *testing.T) {
	n := Node{Lat: 10, Lon: 10}
	p := fcd.Position{Lat: 10, Lon: 10}
	if got := DistanceToPosition(n, p); got != 0 {
		t.Errorf("DistanceToPosition() = %v, want 0", got)
	}
}

func TestStaticMapConnectionIDs(t *testing.T) {
	m := NewStaticMap([]Connection{{ID: "A"}, {ID: "B"}})
	ids := m.ConnectionIDs()
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "A" || ids[1] != "B" {
		t.Fatalf("ConnectionIDs() = %v, want [A B]", ids)
	}
}

func TestLoadJSONMapRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roadmap.json")
	doc := `[
		{"id": "A", "max_speed_m_s": 20, "nodes": [{"lat": 0, "lon": 0}, {"lat": 0, "lon": 0.001}]},
		{"id": "B", "max_speed_m_s": 15, "nodes": [{"lat": 1, "lon": 1}]}
	]`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	m, err := LoadJSONMap(path)
	if err != nil {
		t.Fatalf("LoadJSONMap: %v", err)
	}
	a, err := m.GetConnection("A")
	if err != nil {
		t.Fatalf("GetConnection(A): %v", err)
	}
	if a.MaxSpeedMS != 20 || len(a.Nodes) != 2 {
		t.Errorf("GetConnection(A) = %+v, want MaxSpeedMS=20 with 2 nodes", a)
	}
}

func TestLoadJSONMapMissingFile(t *testing.T) {
	if _, err := LoadJSONMap(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error for a missing road map file")
	}
}

func TestLoadJSONMapNodesMatchSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roadmap.json")
	doc := `[{"id": "A", "max_speed_m_s": 20, "nodes": [{"lat": 1.5, "lon": 2.5}, {"lat": 1.6, "lon": 2.6, "elevation": 10}]}]`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	m, err := LoadJSONMap(path)
	if err != nil {
		t.Fatalf("LoadJSONMap: %v", err)
	}
	got, err := m.GetConnection("A")
	if err != nil {
		t.Fatalf("GetConnection(A): %v", err)
	}

	elev := 10.0
	want := Connection{
		ID:         "A",
		MaxSpeedMS: 20,
		Nodes: []Node{
			{Lat: 1.5, Lon: 2.5},
			{Lat: 1.6, Lon: 2.6, Elevation: &elev},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetConnection(A) mismatch (-want +got):\n%s", diff)
	}
}
