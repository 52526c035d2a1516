package fcdstore

import (
	"fmt"

	"github.com/banshee-data/fcd.report/internal/fcd"
)

// InsertTraversalMetric appends a traversal-metric row, auto-assigning its
// id (used later by UpdateTraversalMetrics to target a specific row). The
// estimator version defaults to the store's configured version when the
// row does not already carry one.
func (s *Store) InsertTraversalMetric(m fcd.TraversalMetric) (int64, error) {
	if m.EstimatorVersion == "" {
		m.EstimatorVersion = s.estimatorVersion
	}
	res, err := s.db.Exec(`
		INSERT INTO traversal_metrics
			(vehicle_id, time_ns, connection_id, next_connection_id, spatial_mean_speed,
			 temporal_mean_speed, naive_mean_speed, relative_metric, traversal_time_ns,
			 estimator_version, inserted_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.VehicleID, m.TimeNs, m.ConnectionID, m.NextConnectionID, m.SpatialMeanSpeed,
		m.TemporalMeanSpeed, m.NaiveMeanSpeed, m.RelativeMetric, m.TraversalTimeNs,
		m.EstimatorVersion, m.TimeNs)
	if err != nil {
		return 0, fmt.Errorf("%w: insert traversal metric: %v", fcd.ErrStorage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: last insert id: %v", fcd.ErrStorage, err)
	}
	return id, nil
}

// UpdateTraversalMetrics rewrites RelativeMetric for each row by id, in
// batches of batchSize commits. Every row passed in is written; the
// threshold processor's RTSM recompute passes only rows whose connection
// has thresholds, so only those traversals are rewritten.
func (s *Store) UpdateTraversalMetrics(updates []fcd.TraversalMetric) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", fcd.ErrStorage, err)
	}
	stmt, err := tx.Prepare(`UPDATE traversal_metrics SET relative_metric = ? WHERE id = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: prepare: %v", fcd.ErrStorage, err)
	}
	defer stmt.Close()

	for i, u := range updates {
		if _, err := stmt.Exec(u.RelativeMetric, u.ID); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: update traversal metric %d: %v", fcd.ErrStorage, u.ID, err)
		}
		if (i+1)%batchSize == 0 {
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("%w: commit: %v", fcd.ErrStorage, err)
			}
			tx, err = s.db.Begin()
			if err != nil {
				return fmt.Errorf("%w: begin: %v", fcd.ErrStorage, err)
			}
			stmt.Close()
			stmt, err = tx.Prepare(`UPDATE traversal_metrics SET relative_metric = ? WHERE id = ?`)
			if err != nil {
				return fmt.Errorf("%w: prepare: %v", fcd.ErrStorage, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", fcd.ErrStorage, err)
	}
	return nil
}

// GetTraversalTimes returns, per connection id, every traversal_time_ns
// recorded so far for the store's configured estimator version.
func (s *Store) GetTraversalTimes() (map[string][]float64, error) {
	rows, err := s.db.Query(`
		SELECT connection_id, traversal_time_ns FROM traversal_metrics WHERE estimator_version = ?
	`, s.estimatorVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fcd.ErrStorage, err)
	}
	defer rows.Close()

	out := make(map[string][]float64)
	for rows.Next() {
		var conn string
		var t float64
		if err := rows.Scan(&conn, &t); err != nil {
			return nil, fmt.Errorf("%w: %v", fcd.ErrStorage, err)
		}
		out[conn] = append(out[conn], t)
	}
	return out, rows.Err()
}

// GetMeanSpeeds returns, per connection id, every (temporal, spatial) mean
// speed pair recorded so far for the store's configured estimator version.
func (s *Store) GetMeanSpeeds() (map[string][]fcd.MeanSpeedPair, error) {
	rows, err := s.db.Query(`
		SELECT connection_id, temporal_mean_speed, spatial_mean_speed
		FROM traversal_metrics WHERE estimator_version = ?
	`, s.estimatorVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fcd.ErrStorage, err)
	}
	defer rows.Close()

	out := make(map[string][]fcd.MeanSpeedPair)
	for rows.Next() {
		var conn string
		var pair fcd.MeanSpeedPair
		if err := rows.Scan(&conn, &pair.TemporalMeanSpeed, &pair.SpatialMeanSpeed); err != nil {
			return nil, fmt.Errorf("%w: %v", fcd.ErrStorage, err)
		}
		out[conn] = append(out[conn], pair)
	}
	return out, rows.Err()
}

// GetTraversalMetrics returns every traversal row whose inserted_at_ns is
// at least sinceInsertedAtNs, for the store's configured estimator
// version. InsertTraversalMetric stores the row's simulated time_ns as
// inserted_at_ns. Passing 0 returns every row under that version, rows
// written before this Initialize included.
func (s *Store) GetTraversalMetrics(sinceInsertedAtNs int64) ([]fcd.TraversalMetric, error) {
	rows, err := s.db.Query(`
		SELECT id, vehicle_id, time_ns, connection_id, next_connection_id, spatial_mean_speed,
		       temporal_mean_speed, naive_mean_speed, relative_metric, traversal_time_ns, estimator_version
		FROM traversal_metrics
		WHERE estimator_version = ? AND inserted_at_ns >= ?
		ORDER BY id
	`, s.estimatorVersion, sinceInsertedAtNs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fcd.ErrStorage, err)
	}
	defer rows.Close()

	var out []fcd.TraversalMetric
	for rows.Next() {
		var m fcd.TraversalMetric
		if err := rows.Scan(&m.ID, &m.VehicleID, &m.TimeNs, &m.ConnectionID, &m.NextConnectionID,
			&m.SpatialMeanSpeed, &m.TemporalMeanSpeed, &m.NaiveMeanSpeed, &m.RelativeMetric,
			&m.TraversalTimeNs, &m.EstimatorVersion); err != nil {
			return nil, fmt.Errorf("%w: %v", fcd.ErrStorage, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ConnectionAverage is one row of GetAveragesForInterval's result.
type ConnectionAverage struct {
	ConnectionID             string
	TemporalMeanSpeedAvg     float64
	SpatialMeanSpeedAvg      float64
	NaiveMeanSpeedAvg        float64
	SampleCount              int
	SpeedPerformanceIndex    float64 // TemporalMeanSpeedAvg / max_speed(connection)
}

// GetAveragesForInterval returns per-connection averaged traversal stats
// for rows with time_ns in (t0, t0+delta), plus each connection's Speed
// Performance Index (temporal average / posted max speed).
func (s *Store) GetAveragesForInterval(t0, delta int64) ([]ConnectionAverage, error) {
	rows, err := s.db.Query(`
		SELECT tm.connection_id,
		       AVG(tm.temporal_mean_speed), AVG(tm.spatial_mean_speed), AVG(tm.naive_mean_speed),
		       COUNT(*), c.max_speed_m_s
		FROM traversal_metrics tm
		JOIN connections c ON c.connection_id = tm.connection_id
		WHERE tm.estimator_version = ? AND tm.time_ns > ? AND tm.time_ns < ?
		GROUP BY tm.connection_id
	`, s.estimatorVersion, t0, t0+delta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fcd.ErrStorage, err)
	}
	defer rows.Close()

	var out []ConnectionAverage
	for rows.Next() {
		var a ConnectionAverage
		var maxSpeed float64
		if err := rows.Scan(&a.ConnectionID, &a.TemporalMeanSpeedAvg, &a.SpatialMeanSpeedAvg, &a.NaiveMeanSpeedAvg, &a.SampleCount, &maxSpeed); err != nil {
			return nil, fmt.Errorf("%w: %v", fcd.ErrStorage, err)
		}
		if maxSpeed > 0 {
			a.SpeedPerformanceIndex = a.TemporalMeanSpeedAvg / maxSpeed
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetClosestTraversalData returns the traversal-metric row on connection C
// whose time_ns is nearest to t.
func (s *Store) GetClosestTraversalData(connectionID string, t int64) (fcd.TraversalMetric, error) {
	var m fcd.TraversalMetric
	err := s.db.QueryRow(`
		SELECT id, vehicle_id, time_ns, connection_id, next_connection_id, spatial_mean_speed,
		       temporal_mean_speed, naive_mean_speed, relative_metric, traversal_time_ns, estimator_version
		FROM traversal_metrics
		WHERE connection_id = ? AND estimator_version = ?
		ORDER BY ABS(time_ns - ?) ASC
		LIMIT 1
	`, connectionID, s.estimatorVersion, t).Scan(&m.ID, &m.VehicleID, &m.TimeNs, &m.ConnectionID, &m.NextConnectionID,
		&m.SpatialMeanSpeed, &m.TemporalMeanSpeed, &m.NaiveMeanSpeed, &m.RelativeMetric,
		&m.TraversalTimeNs, &m.EstimatorVersion)
	if err != nil {
		return fcd.TraversalMetric{}, fmt.Errorf("%w: %v", fcd.ErrStorage, err)
	}
	return m, nil
}
