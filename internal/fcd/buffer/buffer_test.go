package buffer

import (
	"testing"

	"github.com/banshee-data/fcd.report/internal/fcd"
)

func rec(t, offset int64, conn string, speed float64) fcd.Record {
	return fcd.Record{
		TimeNs:       t,
		ConnectionID: conn,
		OffsetM:      float64(offset),
		SpeedMS:      speed,
	}
}

func TestNoTraversalUntilSecondConnectionSeen(t *testing.T) {
	buf := New()
	traversals, _ := buf.HandleBatch(fcd.Batch{
		VehicleID: "v1",
		Records: []fcd.Record{
			rec(0, 0, "A", 25),
			rec(1, 25, "A", 25),
		},
	})
	if len(traversals) != 0 {
		t.Fatalf("expected no traversal yet, got %d", len(traversals))
	}
	if !buf.Has("v1") {
		t.Fatal("expected vehicle state to exist")
	}
}

func TestScenario1SingleTraversalNoPreviousRecord(t *testing.T) {
	buf := New()
	traversals, _ := buf.HandleBatch(fcd.Batch{
		VehicleID: "v1",
		Records: []fcd.Record{
			rec(0, 0, "A", 25),
			rec(1e9, 25, "A", 25),
			rec(2e9, 50, "A", 25),
			rec(3e9, 75, "A", 25),
			rec(4e9, 100, "A", 25),
			rec(5e9, 5, "B", 25),
		},
	})
	if len(traversals) != 1 {
		t.Fatalf("expected 1 traversal, got %d", len(traversals))
	}
	tr := traversals[0]
	if tr.ConnectionID != "A" {
		t.Errorf("ConnectionID = %q, want A", tr.ConnectionID)
	}
	if tr.PreviousRecord != nil {
		t.Errorf("expected no PreviousRecord for the first connection, got %+v", tr.PreviousRecord)
	}
	if tr.FollowingRecord == nil || tr.FollowingRecord.ConnectionID != "B" {
		t.Errorf("expected FollowingRecord on B, got %+v", tr.FollowingRecord)
	}
	if len(tr.Records) != 5 {
		t.Errorf("expected 5 records, got %d", len(tr.Records))
	}
}

func TestScenario2SecondTraversalHasPreviousRecord(t *testing.T) {
	buf := New()
	buf.HandleBatch(fcd.Batch{
		VehicleID: "v1",
		Records: []fcd.Record{
			rec(0, 0, "A", 25),
			rec(1e9, 25, "A", 25),
			rec(2e9, 50, "A", 25),
			rec(3e9, 75, "A", 25),
			rec(4e9, 100, "A", 25),
			rec(5e9, 0, "B", 25),
		},
	})
	traversals, _ := buf.HandleBatch(fcd.Batch{
		VehicleID: "v1",
		Records: []fcd.Record{
			rec(6e9, 25, "B", 25),
			rec(7e9, 50, "B", 25),
			rec(8e9, 75, "B", 25),
			rec(9e9, 100, "B", 25),
			rec(10e9, 5, "C", 25),
		},
	})
	if len(traversals) != 1 {
		t.Fatalf("expected 1 traversal for B, got %d", len(traversals))
	}
	tr := traversals[0]
	if tr.ConnectionID != "B" {
		t.Fatalf("ConnectionID = %q, want B", tr.ConnectionID)
	}
	if tr.PreviousRecord == nil || tr.PreviousRecord.ConnectionID != "A" {
		t.Errorf("expected PreviousRecord on A, got %+v", tr.PreviousRecord)
	}
	if tr.FollowingRecord == nil || tr.FollowingRecord.ConnectionID != "C" {
		t.Errorf("expected FollowingRecord on C, got %+v", tr.FollowingRecord)
	}
}

func TestFinalFlagDropsVehicleState(t *testing.T) {
	buf := New()
	_, dropped := buf.HandleBatch(fcd.Batch{
		VehicleID: "v3",
		Final:     true,
		Records: []fcd.Record{
			rec(0, 0, "A", 25),
		},
	})
	if !dropped {
		t.Fatal("expected dropped=true for a final batch")
	}
	if buf.Has("v3") {
		t.Fatal("expected no state for v3 after a final batch")
	}
}

func TestEvictionRemovesStaleVehicles(t *testing.T) {
	buf := New()
	buf.HandleBatch(fcd.Batch{
		VehicleID: "v2",
		Records:   []fcd.Record{rec(1000, 0, "A", 10)},
	})
	if removed := buf.Evict(500); removed != 0 {
		t.Fatalf("expected no eviction yet, removed %d", removed)
	}
	if !buf.Has("v2") {
		t.Fatal("v2 should still be present")
	}
	if removed := buf.Evict(2000); removed != 1 {
		t.Fatalf("expected 1 eviction, got %d", removed)
	}
	if buf.Has("v2") {
		t.Fatal("v2 should have been evicted")
	}
}

func TestBatchSpanningMultipleConnectionsDrainsAll(t *testing.T) {
	buf := New()
	traversals, _ := buf.HandleBatch(fcd.Batch{
		VehicleID: "v4",
		Records: []fcd.Record{
			rec(0, 0, "A", 10),
			rec(1, 10, "B", 10),
			rec(2, 10, "C", 10),
		},
	})
	if len(traversals) != 2 {
		t.Fatalf("expected 2 traversals (A and B), got %d", len(traversals))
	}
	if traversals[0].ConnectionID != "A" || traversals[1].ConnectionID != "B" {
		t.Errorf("unexpected traversal order: %q, %q", traversals[0].ConnectionID, traversals[1].ConnectionID)
	}
}

func TestDuplicateTimeReplacesRecord(t *testing.T) {
	buf := New()
	buf.HandleBatch(fcd.Batch{
		VehicleID: "v5",
		Records: []fcd.Record{
			rec(0, 0, "A", 10),
		},
	})
	traversals, _ := buf.HandleBatch(fcd.Batch{
		VehicleID: "v5",
		Records: []fcd.Record{
			rec(0, 0, "A", 99), // same TimeNs, replaces
			rec(1, 10, "B", 10),
		},
	})
	if len(traversals) != 1 {
		t.Fatalf("expected 1 traversal, got %d", len(traversals))
	}
	if got := traversals[0].Records[0].SpeedMS; got != 99 {
		t.Errorf("expected duplicate record to be replaced, speed = %v, want 99", got)
	}
}
