package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/banshee-data/fcd.report/internal/fcd"
	"github.com/banshee-data/fcd.report/internal/fcd/pipeline"
	"github.com/banshee-data/fcd.report/internal/fcdstore"
)

// scenarioUpdate is one line of an NDJSON scenario file: a batch of records
// from one vehicle, delivered at NowNs. This is the external simulation
// event queue the kernel (internal/fcd/pipeline) expects to be driven by -
// no network transport is implemented here, per the out-of-scope record
// transport boundary.
type scenarioUpdate struct {
	NowNs int64     `json:"now_ns"`
	Batch fcd.Batch `json:"batch"`
}

// readScenario parses every line of r as a scenarioUpdate, skipping blank
// lines. The returned slice is already in file order; the caller is
// responsible for replaying it in order (NDJSON files are expected to be
// pre-sorted by now_ns, mirroring how a real event queue would deliver
// updates).
func readScenario(r io.Reader) ([]scenarioUpdate, error) {
	var updates []scenarioUpdate
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var u scenarioUpdate
		if err := json.Unmarshal(line, &u); err != nil {
			return nil, fmt.Errorf("scenario line %d: %w", lineNo, err)
		}
		updates = append(updates, u)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	return updates, nil
}

// runScenario replays path's updates through k in order, interleaving
// eviction ticks every unitRemovalIntervalNs of simulated time and each
// time-based processor's own TriggerEvent tick, then calls k.Shutdown with
// a summary pulled from store.
func runScenario(k *pipeline.Kernel, store *fcdstore.Store, path string, unitRemovalIntervalNs int64) error {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open scenario %q: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	updates, err := readScenario(r)
	if err != nil {
		return err
	}

	nextEvictionNs := unitRemovalIntervalNs
	nextTickNs := make(map[string]int64)
	for kind, interval := range k.TimeProcessorIntervals() {
		nextTickNs[kind] = interval
	}

	var lastNowNs int64
	for _, u := range updates {
		for nextEvictionNs > 0 && u.NowNs >= nextEvictionNs {
			k.EvictionTick(nextEvictionNs)
			nextEvictionNs += unitRemovalIntervalNs
		}
		for kind, next := range nextTickNs {
			for u.NowNs >= next {
				if err := k.TriggerTick(kind, next); err != nil {
					return fmt.Errorf("trigger tick %q at t=%d: %w", kind, next, err)
				}
				next += k.TimeProcessorIntervals()[kind]
				nextTickNs[kind] = next
			}
		}
		if err := k.HandleUpdate(u.NowNs, u.Batch); err != nil {
			return fmt.Errorf("handle update for vehicle %q at t=%d: %w", u.Batch.VehicleID, u.NowNs, err)
		}
		lastNowNs = u.NowNs
	}

	stats, err := shutdownStats(store)
	if err != nil {
		return fmt.Errorf("compute shutdown stats: %w", err)
	}
	return k.Shutdown(lastNowNs, stats)
}

func shutdownStats(store *fcdstore.Store) (pipeline.Stats, error) {
	dbStats, err := store.GetDatabaseStats()
	if err != nil {
		return pipeline.Stats{}, err
	}
	var stats pipeline.Stats
	for _, t := range dbStats.Tables {
		switch t.Name {
		case "records":
			stats.RecordCount = t.RowCount
		case "traversal_metrics":
			stats.TraversalCount = t.RowCount
		case "thresholds":
			stats.ThresholdCount = t.RowCount
		case "connections":
			stats.ConnectionCount = t.RowCount
		}
	}
	return stats, nil
}
