// Package fcd defines the core domain types shared by every stage of the
// traffic-state estimator: the raw Record a vehicle reports, the batch it
// arrives in, and the Traversal the extractor assembles from a run of
// same-connection records.
package fcd

// Position is a vehicle's geographic location. Elevation is optional; a nil
// pointer means the source did not report one.
type Position struct {
	Lat       float64  `json:"lat"`
	Lon       float64  `json:"lon"`
	Elevation *float64 `json:"elevation,omitempty"`
}

// Record is an immutable snapshot of one vehicle at one simulated time.
// Once constructed a Record is never mutated; padded copies created during
// interpolation (see internal/fcd/metrics) are always new values. The json
// tags are the wire shape an external simulation event queue hands the
// kernel's command-line driver (see cmd/fcd-estimator).
type Record struct {
	TimeNs       int64    `json:"time_ns"`
	Position     Position `json:"position"`
	ConnectionID string   `json:"connection_id"`
	SpeedMS      float64  `json:"speed_m_s"`
	OffsetM      float64  `json:"offset_m"`
	HeadingDeg   float64  `json:"heading_deg"`

	// PerceivedVehicleIDs is an optional extension, opaque to the core.
	PerceivedVehicleIDs []string `json:"perceived_vehicle_ids,omitempty"`
}

// WithOffset returns a copy of r with OffsetM replaced. Used by the
// spatio-temporal processor to geometrically recompute the offsets of
// padded previous/following records without mutating the original.
func (r Record) WithOffset(offsetM float64) Record {
	r.OffsetM = offsetM
	return r
}

// Batch is an ordered sequence of Records from one vehicle, keyed by time.
// Final indicates the vehicle will send no further updates after this batch.
type Batch struct {
	VehicleID string   `json:"vehicle_id"`
	Final     bool     `json:"final,omitempty"`
	Records   []Record `json:"records"`
}

// Traversal is one vehicle's completed pass over a single connection.
// PreviousRecord and FollowingRecord are read-only context supplied by the
// record buffer; a nil value means that context is unavailable (e.g. the
// very first connection of a vehicle's life has no PreviousRecord).
type Traversal struct {
	VehicleID       string
	ConnectionID    string
	Records         []Record
	PreviousRecord  *Record
	FollowingRecord *Record
}

// FirstRecord returns the earliest record in the traversal's time order.
func (t Traversal) FirstRecord() Record {
	return t.Records[0]
}

// LastRecord returns the latest record in the traversal's time order.
func (t Traversal) LastRecord() Record {
	return t.Records[len(t.Records)-1]
}
