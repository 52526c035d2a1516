package fcdstore

import (
	"database/sql"
	"fmt"

	"github.com/banshee-data/fcd.report/internal/fcd"
)

// InsertThresholds inserts one row per surviving connection and updates the
// in-memory threshold cache to these latest values - but only after every
// row in the batch has committed, so a failed batch never leaves the cache
// ahead of what is durable.
func (s *Store) InsertThresholds(rows []fcd.Thresholds, simulationTimeNs int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", fcd.ErrStorage, err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO thresholds (connection_id, temporal_threshold_m_s, spatial_threshold_m_s, simulation_time_ns, estimator_version, inserted_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: prepare: %v", fcd.ErrStorage, err)
	}
	defer stmt.Close()

	for _, r := range rows {
		version := r.EstimatorVersion
		if version == "" {
			version = s.estimatorVersion
		}
		if _, err := stmt.Exec(r.ConnectionID, r.TemporalThresholdMS, r.SpatialThresholdMS, simulationTimeNs, version, simulationTimeNs); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: insert threshold %q: %v", fcd.ErrStorage, r.ConnectionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", fcd.ErrStorage, err)
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for _, r := range rows {
		r.SimulationTimeNs = simulationTimeNs
		if r.EstimatorVersion == "" {
			r.EstimatorVersion = s.estimatorVersion
		}
		s.threshold[r.ConnectionID] = r
	}
	return nil
}

// GetThresholds returns the cached thresholds for C, falling back to the
// most recent row by insertion time if the cache has nothing (e.g. right
// after a restart). Returns ok=false if no thresholds exist for C at all.
func (s *Store) GetThresholds(connectionID string) (fcd.Thresholds, bool) {
	if th, ok := s.GotThresholdFor(connectionID); ok {
		return th, true
	}

	var th fcd.Thresholds
	err := s.db.QueryRow(`
		SELECT connection_id, temporal_threshold_m_s, spatial_threshold_m_s, simulation_time_ns, estimator_version
		FROM thresholds WHERE connection_id = ? AND estimator_version = ?
		ORDER BY inserted_at_ns DESC LIMIT 1
	`, connectionID, s.estimatorVersion).Scan(&th.ConnectionID, &th.TemporalThresholdMS, &th.SpatialThresholdMS, &th.SimulationTimeNs, &th.EstimatorVersion)
	if err == sql.ErrNoRows {
		return fcd.Thresholds{}, false
	}
	if err != nil {
		return fcd.Thresholds{}, false
	}

	s.cacheMu.Lock()
	s.threshold[connectionID] = th
	s.cacheMu.Unlock()
	return th, true
}

// GotThresholdFor is a cache-only lookup, with no fallback to the
// database - used by hot paths that should not pay a query cost for a
// connection that has simply never had thresholds computed.
func (s *Store) GotThresholdFor(connectionID string) (fcd.Thresholds, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	th, ok := s.threshold[connectionID]
	return th, ok
}
