package fcdstore

import (
	"fmt"

	"github.com/banshee-data/fcd.report/internal/fcd"
)

// MigrateEstimatorVersion copies every traversal-metric and threshold row
// tagged `from` into fresh rows tagged `to`, leaving the originals
// untouched. This lets a re-tuned kernel (different spatial_mean_speed_chunk_m,
// different default_red_light_duration) build a parallel history without
// clobbering an existing run, mirroring how the teacher's transit worker
// keeps per-model_version history side by side.
func (s *Store) MigrateEstimatorVersion(from, to string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", fcd.ErrStorage, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO traversal_metrics
			(vehicle_id, time_ns, connection_id, next_connection_id, spatial_mean_speed,
			 temporal_mean_speed, naive_mean_speed, relative_metric, traversal_time_ns,
			 estimator_version, inserted_at_ns)
		SELECT vehicle_id, time_ns, connection_id, next_connection_id, spatial_mean_speed,
		       temporal_mean_speed, naive_mean_speed, relative_metric, traversal_time_ns,
		       ?, inserted_at_ns
		FROM traversal_metrics WHERE estimator_version = ?
	`, to, from); err != nil {
		return fmt.Errorf("%w: copy traversal metrics: %v", fcd.ErrStorage, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO thresholds (connection_id, temporal_threshold_m_s, spatial_threshold_m_s, simulation_time_ns, estimator_version, inserted_at_ns)
		SELECT connection_id, temporal_threshold_m_s, spatial_threshold_m_s, simulation_time_ns, ?, inserted_at_ns
		FROM thresholds WHERE estimator_version = ?
	`, to, from); err != nil {
		return fmt.Errorf("%w: copy thresholds: %v", fcd.ErrStorage, err)
	}

	return tx.Commit()
}

// DeleteAllTraversals removes every traversal-metric and threshold row
// tagged with the given estimator version. Used to clean up after a
// migration has been validated (AnalyseConnectionOverlaps), or to discard
// a bad re-tuning run without a full database rebuild.
func (s *Store) DeleteAllTraversals(estimatorVersion string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", fcd.ErrStorage, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM traversal_metrics WHERE estimator_version = ?`, estimatorVersion); err != nil {
		return fmt.Errorf("%w: delete traversal metrics: %v", fcd.ErrStorage, err)
	}
	if _, err := tx.Exec(`DELETE FROM thresholds WHERE estimator_version = ?`, estimatorVersion); err != nil {
		return fmt.Errorf("%w: delete thresholds: %v", fcd.ErrStorage, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", fcd.ErrStorage, err)
	}

	s.cacheMu.Lock()
	for id, th := range s.threshold {
		if th.EstimatorVersion == estimatorVersion {
			delete(s.threshold, id)
		}
	}
	s.cacheMu.Unlock()
	return nil
}

// ConnectionOverlap is one row of AnalyseConnectionOverlaps' report: a
// connection id that has traversal rows under more than one estimator
// version, with the overall time range those rows cover.
type ConnectionOverlap struct {
	ConnectionID      string
	EstimatorVersions []string
	MinTimeNs         int64
	MaxTimeNs         int64
}

// AnalyseConnectionOverlaps reports each connection that has traversal
// data under more than one estimator version, with those versions and the
// overall time range covered. Useful
// for validating a backfill under a new estimator version before deleting
// an old version's rows with DeleteAllTraversals.
func (s *Store) AnalyseConnectionOverlaps() ([]ConnectionOverlap, error) {
	rows, err := s.db.Query(`
		SELECT connection_id, estimator_version, MIN(time_ns), MAX(time_ns)
		FROM traversal_metrics
		GROUP BY connection_id, estimator_version
		ORDER BY connection_id, estimator_version
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fcd.ErrStorage, err)
	}
	defer rows.Close()

	byConnection := make(map[string]*ConnectionOverlap)
	var order []string
	for rows.Next() {
		var connID, version string
		var minT, maxT int64
		if err := rows.Scan(&connID, &version, &minT, &maxT); err != nil {
			return nil, fmt.Errorf("%w: %v", fcd.ErrStorage, err)
		}
		o, ok := byConnection[connID]
		if !ok {
			o = &ConnectionOverlap{ConnectionID: connID, MinTimeNs: minT, MaxTimeNs: maxT}
			byConnection[connID] = o
			order = append(order, connID)
		}
		o.EstimatorVersions = append(o.EstimatorVersions, version)
		if minT < o.MinTimeNs {
			o.MinTimeNs = minT
		}
		if maxT > o.MaxTimeNs {
			o.MaxTimeNs = maxT
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", fcd.ErrStorage, err)
	}

	var out []ConnectionOverlap
	for _, id := range order {
		o := byConnection[id]
		if len(o.EstimatorVersions) > 1 {
			out = append(out, *o)
		}
	}
	return out, nil
}
