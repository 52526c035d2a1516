package roadnet

import (
	"encoding/json"
	"fmt"
	"os"
)

// StaticMap is a Map backed by an in-memory set of connections, suitable
// for tests and for scenarios that load the whole road network from a
// single file at startup.
type StaticMap struct {
	connections map[string]Connection
}

// NewStaticMap builds a StaticMap from a slice of connections.
func NewStaticMap(conns []Connection) *StaticMap {
	m := &StaticMap{connections: make(map[string]Connection, len(conns))}
	for _, c := range conns {
		m.connections[c.ID] = c
	}
	return m
}

// GetConnection implements Map.
func (m *StaticMap) GetConnection(id string) (Connection, error) {
	c, ok := m.connections[id]
	if !ok {
		return Connection{}, WrapUnknownConnection(id)
	}
	return c, nil
}

// ConnectionIDs returns every connection id this map knows about, in no
// particular order - used by callers that need to seed a metric store's
// connections table from a loaded road map.
func (m *StaticMap) ConnectionIDs() []string {
	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	return ids
}

// LoadJSONMap reads a road-network description from path: a JSON array of
// Connection objects. This is the only road map source the estimator's
// command-line entrypoint knows about; a scenario harness wiring the
// kernel directly can build a StaticMap (or any other Map) in-process
// instead.
func LoadJSONMap(path string) (*StaticMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roadnet: read %q: %w", path, err)
	}
	var conns []Connection
	if err := json.Unmarshal(data, &conns); err != nil {
		return nil, fmt.Errorf("roadnet: parse %q: %w", path, err)
	}
	return NewStaticMap(conns), nil
}
