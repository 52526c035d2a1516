// Package buffer implements the per-vehicle record buffer and the
// traversal extractor that turns time-ordered record batches into
// completed Traversals.
package buffer

import (
	"sort"

	"github.com/banshee-data/fcd.report/internal/fcd"
)

// vehicleState holds everything the extractor needs to remember about one
// vehicle between batches.
type vehicleState struct {
	// pending is kept sorted by TimeNs; duplicates (same TimeNs) replace
	// the existing entry rather than appending a second one.
	pending []fcd.Record

	// connections is the ordered sequence of distinct connection ids
	// observed so far, in traversal order. Index 0 is always the
	// connection currently being driven (or just finished).
	connections []string

	// lookBack is the last record of the most recently completed
	// traversal, used as PreviousRecord for the next one.
	lookBack *fcd.Record

	// newestRecordTimeNs is the TimeNs of the most recently received
	// record, used by the kernel's eviction tick.
	newestRecordTimeNs int64
}

func newVehicleState() *vehicleState {
	return &vehicleState{}
}

// insert merges a record into pending in time order, replacing any
// existing record at the same TimeNs.
func (vs *vehicleState) insert(r fcd.Record) {
	i := sort.Search(len(vs.pending), func(i int) bool {
		return vs.pending[i].TimeNs >= r.TimeNs
	})
	if i < len(vs.pending) && vs.pending[i].TimeNs == r.TimeNs {
		vs.pending[i] = r
		return
	}
	vs.pending = append(vs.pending, fcd.Record{})
	copy(vs.pending[i+1:], vs.pending[i:])
	vs.pending[i] = r
}

// Buffer is the kernel's owned collection of per-vehicle states. It is not
// safe for concurrent use - the kernel accesses it from a single event
// thread (see the concurrency model).
type Buffer struct {
	vehicles map[string]*vehicleState
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{vehicles: make(map[string]*vehicleState)}
}

// HandleBatch merges a batch into vehicle b.VehicleID's state, extracts
// every Traversal that is now fully determined (draining connections down
// to at most one remaining entry), and reports whether the vehicle's state
// was dropped because the batch was final.
func (buf *Buffer) HandleBatch(b fcd.Batch) (traversals []fcd.Traversal, dropped bool) {
	vs, ok := buf.vehicles[b.VehicleID]
	if !ok {
		vs = newVehicleState()
		buf.vehicles[b.VehicleID] = vs
	}

	for _, r := range b.Records {
		vs.insert(r)
		if r.TimeNs > vs.newestRecordTimeNs {
			vs.newestRecordTimeNs = r.TimeNs
		}
	}

	// Scan the batch's own records in time order (they should already be
	// sorted on arrival per invariant 1; a sorted copy tolerates a batch
	// that is not), appending each connection id that differs from the
	// last one observed. Older entries still in pending are not rescanned.
	sorted := append([]fcd.Record(nil), b.Records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TimeNs < sorted[j].TimeNs })
	for _, r := range sorted {
		if len(vs.connections) == 0 || vs.connections[len(vs.connections)-1] != r.ConnectionID {
			vs.connections = append(vs.connections, r.ConnectionID)
		}
	}

	for len(vs.connections) > 1 {
		head := vs.connections[0]
		t, ok := extractTraversal(b.VehicleID, head, vs)
		vs.connections = vs.connections[1:]
		if ok {
			traversals = append(traversals, t)
		}
	}

	if b.Final {
		delete(buf.vehicles, b.VehicleID)
		dropped = true
	}

	return traversals, dropped
}

// extractTraversal removes every pending record on connection id `head`
// and assembles the Traversal for it, per §4.1.1. Returns ok=false only
// when there are no matching records at all (should not happen given the
// caller's invariants, but defends against a malformed connections entry).
func extractTraversal(vehicleID, head string, vs *vehicleState) (fcd.Traversal, bool) {
	var records []fcd.Record
	var rest []fcd.Record
	for _, r := range vs.pending {
		if r.ConnectionID == head {
			records = append(records, r)
		} else {
			rest = append(rest, r)
		}
	}
	if len(records) == 0 {
		return fcd.Traversal{}, false
	}
	vs.pending = rest

	t := fcd.Traversal{
		VehicleID:    vehicleID,
		ConnectionID: head,
		Records:      records,
	}
	if vs.lookBack != nil {
		prev := *vs.lookBack
		t.PreviousRecord = &prev
	}
	if len(rest) > 0 {
		following := rest[0]
		t.FollowingRecord = &following
	}

	last := records[len(records)-1]
	vs.lookBack = &last

	return t, true
}

// Evict removes every vehicle whose newest buffered record is older than
// oldestAllowedRecordTimeNs, returning the count removed.
func (buf *Buffer) Evict(oldestAllowedRecordTimeNs int64) int {
	removed := 0
	for id, vs := range buf.vehicles {
		if vs.newestRecordTimeNs < oldestAllowedRecordTimeNs {
			delete(buf.vehicles, id)
			removed++
		}
	}
	return removed
}

// Has reports whether the buffer still holds state for a vehicle. Exposed
// for tests (scenario 5/6 probes).
func (buf *Buffer) Has(vehicleID string) bool {
	_, ok := buf.vehicles[vehicleID]
	return ok
}

// Len reports the number of vehicles currently tracked.
func (buf *Buffer) Len() int {
	return len(buf.vehicles)
}
