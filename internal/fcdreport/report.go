// Package fcdreport renders the metric store's contents for human
// inspection: a static per-connection time series (gonum/plot, PNG) and an
// interactive dashboard (go-echarts, HTML) summarizing traffic-state
// estimates in the caller's preferred speed unit.
package fcdreport

import (
	"fmt"
	"sort"

	"github.com/banshee-data/fcd.report/internal/fcd"
	"github.com/banshee-data/fcd.report/internal/units"
)

// ConnectionSummary is one connection's worth of data the report renders.
// Callers assemble this from the metric store (e.g. fcdstore.ConnectionAverage
// plus fcdstore.GetTraversalMetrics) so this package stays independent of
// the storage layer.
type ConnectionSummary struct {
	ConnectionID    string
	MaxSpeedMS      float64
	SamplesOverTime []Sample
}

// Sample is one traversal's speed/RTSM reading at simulated time TimeNs.
type Sample struct {
	TimeNs            int64
	TemporalMeanSpeed float64
	SpatialMeanSpeed  float64
	RelativeMetric    float64
}

// FromTraversalMetrics groups a flat list of traversal-metric rows by
// connection id and sorts each group by time, ready for rendering.
func FromTraversalMetrics(rows []fcd.TraversalMetric, maxSpeeds map[string]float64) []ConnectionSummary {
	byConn := make(map[string][]Sample)
	for _, r := range rows {
		byConn[r.ConnectionID] = append(byConn[r.ConnectionID], Sample{
			TimeNs:            r.TimeNs,
			TemporalMeanSpeed: r.TemporalMeanSpeed,
			SpatialMeanSpeed:  r.SpatialMeanSpeed,
			RelativeMetric:    r.RelativeMetric,
		})
	}

	var out []ConnectionSummary
	for connID, samples := range byConn {
		sort.Slice(samples, func(i, j int) bool { return samples[i].TimeNs < samples[j].TimeNs })
		out = append(out, ConnectionSummary{
			ConnectionID:    connID,
			MaxSpeedMS:      maxSpeeds[connID],
			SamplesOverTime: samples,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// convertedSpeed is a small helper so both renderers share the same
// unit-conversion call site.
func convertedSpeed(speedMS float64, unit string) float64 {
	return units.ConvertSpeed(speedMS, unit)
}

func validateUnit(unit string) (string, error) {
	if unit == "" {
		return units.MPS, nil
	}
	if !units.IsValid(unit) {
		return "", fmt.Errorf("fcdreport: invalid speed unit %q (want one of %s)", unit, units.GetValidUnitsString())
	}
	return unit, nil
}
