// Package roadnet models the read-only road-network map the estimator is
// handed at startup: a lookup from connection id to its ordered nodes and
// posted max speed. The map itself is an external collaborator (scenario
// data); this package only defines the interface and the length-from-nodes
// helper that the spatio-temporal processor needs.
package roadnet

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/fcd.report/internal/fcd"
)

// ErrUnknownConnection is returned by a Map implementation for an id it
// has no data for.
var ErrUnknownConnection = errors.New("roadnet: unknown connection")

// Node is one geometric vertex of a connection, in traversal order.
type Node struct {
	Lat       float64  `json:"lat"`
	Lon       float64  `json:"lon"`
	Elevation *float64 `json:"elevation,omitempty"`
}

// Connection is the road-network map's view of one segment: its ordered
// nodes and posted maximum speed. Length is deliberately absent here - it
// is derived, never trusted from source data (see Length). The json tags
// are the on-disk road-map file format loaded by LoadJSONMap.
type Connection struct {
	ID         string  `json:"id"`
	Nodes      []Node  `json:"nodes"`
	MaxSpeedMS float64 `json:"max_speed_m_s"`
}

// Map is the read-only road-network lookup the estimator is given at
// startup. GetConnection must return an error (not a zero value) for an
// unknown id, so callers can distinguish "no such connection" from "empty
// connection" - the kernel treats it as a configuration error at startup
// and a storage/log-and-skip condition thereafter.
type Map interface {
	GetConnection(id string) (Connection, error)
}

// earthRadiusM is the mean Earth radius used by the haversine formula.
// No geo-distance library appears anywhere in the dependency corpus this
// module draws from, so this one formula is implemented directly against
// math - see DESIGN.md for the corpus search that justifies the stdlib
// fallback here.
const earthRadiusM = 6371000.0

// haversineM returns the great-circle distance between two nodes in
// meters, ignoring elevation. Connections are short road segments, so the
// flat-Earth error introduced by ignoring elevation is negligible relative
// to sensor noise.
func haversineM(a, b Node) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	sinDLat := math.Sin(dLat / 2)
	sinDLon := math.Sin(dLon / 2)
	h := sinDLat*sinDLat + math.Cos(lat1)*math.Cos(lat2)*sinDLon*sinDLon
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// DistanceToPosition returns the great-circle distance from a Node to an
// arbitrary fcd.Position, used when padding a Traversal with the distance
// from a connection's start node to a previous/following record.
func DistanceToPosition(n Node, p fcd.Position) float64 {
	return haversineM(n, Node{Lat: p.Lat, Lon: p.Lon})
}

// DistanceBetweenPositions returns the great-circle distance between two
// fcd.Positions.
func DistanceBetweenPositions(a, b fcd.Position) float64 {
	return haversineM(Node{Lat: a.Lat, Lon: a.Lon}, Node{Lat: b.Lat, Lon: b.Lon})
}

// Length sums inter-node distances in traversal order. This is the length
// the spec requires the spatio-temporal processor to use, in preference to
// whatever length value a scenario's source data carries.
func Length(c Connection) float64 {
	var total float64
	for i := 1; i < len(c.Nodes); i++ {
		total += haversineM(c.Nodes[i-1], c.Nodes[i])
	}
	return total
}

// Meta builds the fcd.ConnectionMeta the metric store's connections table
// persists: the connection's id, posted max speed, and computed length.
func Meta(c Connection) fcd.ConnectionMeta {
	return fcd.ConnectionMeta{
		ConnectionID: c.ID,
		MaxSpeedMS:   c.MaxSpeedMS,
		LengthM:      Length(c),
	}
}

// WrapUnknownConnection formats ErrUnknownConnection with the offending id.
func WrapUnknownConnection(id string) error {
	return fmt.Errorf("%w: %q", ErrUnknownConnection, id)
}
