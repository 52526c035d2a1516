package fcdstore

import (
	"database/sql"
	"fmt"

	"github.com/banshee-data/fcd.report/internal/fcd"
)

// batchSize is the commit granularity for bulk inserts, per §4.5.
const batchSize = 1000

// InsertRecords appends vehicleID's records to the records table. Batches
// of up to batchSize commit independently; a failure aborts the
// in-progress batch and returns a wrapped fcd.ErrStorage without touching
// the threshold cache.
func (s *Store) InsertRecords(vehicleID string, records []fcd.Record) error {
	return s.insertRecordsBatched(map[string][]fcd.Record{vehicleID: records})
}

// InsertRecordsBulk is the multi-vehicle form of InsertRecords. The
// kernel's raw-FCD persistence hook (store_raw_fcd) calls InsertRecords.
func (s *Store) InsertRecordsBulk(byVehicle map[string][]fcd.Record) error {
	return s.insertRecordsBatched(byVehicle)
}

func (s *Store) insertRecordsBatched(byVehicle map[string][]fcd.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", fcd.ErrStorage, err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO records (connection_id, time_ns, vehicle_id, lat, lon, elevation, speed_m_s, offset_m, heading_deg)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, time_ns, vehicle_id) DO UPDATE SET
			lat = excluded.lat, lon = excluded.lon, elevation = excluded.elevation,
			speed_m_s = excluded.speed_m_s, offset_m = excluded.offset_m, heading_deg = excluded.heading_deg
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: prepare: %v", fcd.ErrStorage, err)
	}
	defer stmt.Close()

	count := 0
	for vehicleID, records := range byVehicle {
		for _, r := range records {
			var elevation sql.NullFloat64
			if r.Position.Elevation != nil {
				elevation = sql.NullFloat64{Float64: *r.Position.Elevation, Valid: true}
			}
			if _, err := stmt.Exec(r.ConnectionID, r.TimeNs, vehicleID, r.Position.Lat, r.Position.Lon, elevation, r.SpeedMS, r.OffsetM, r.HeadingDeg); err != nil {
				tx.Rollback()
				return fmt.Errorf("%w: insert record: %v", fcd.ErrStorage, err)
			}
			count++
			if count%batchSize == 0 {
				if err := tx.Commit(); err != nil {
					return fmt.Errorf("%w: commit: %v", fcd.ErrStorage, err)
				}
				tx, err = s.db.Begin()
				if err != nil {
					return fmt.Errorf("%w: begin: %v", fcd.ErrStorage, err)
				}
				stmt.Close()
				stmt, err = tx.Prepare(`
					INSERT INTO records (connection_id, time_ns, vehicle_id, lat, lon, elevation, speed_m_s, offset_m, heading_deg)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
					ON CONFLICT(connection_id, time_ns, vehicle_id) DO UPDATE SET
						lat = excluded.lat, lon = excluded.lon, elevation = excluded.elevation,
						speed_m_s = excluded.speed_m_s, offset_m = excluded.offset_m, heading_deg = excluded.heading_deg
				`)
				if err != nil {
					return fmt.Errorf("%w: prepare: %v", fcd.ErrStorage, err)
				}
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", fcd.ErrStorage, err)
	}
	return nil
}

// RecordCount returns the total row count in records. The shutdown-summary
// log line takes its counts from GetDatabaseStats instead.
func (s *Store) RecordCount() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", fcd.ErrStorage, err)
	}
	return n, nil
}

// GetRecordsInWindow returns every record with startNs <= time_ns < endNs,
// grouped by vehicle and ordered by time within each vehicle, for the
// backfill driver's read-modify-write reprocessing pass.
func (s *Store) GetRecordsInWindow(startNs, endNs int64) (map[string][]fcd.Record, error) {
	rows, err := s.db.Query(`
		SELECT vehicle_id, connection_id, time_ns, lat, lon, elevation, speed_m_s, offset_m, heading_deg
		FROM records
		WHERE time_ns >= ? AND time_ns < ?
		ORDER BY vehicle_id, time_ns
	`, startNs, endNs)
	if err != nil {
		return nil, fmt.Errorf("%w: query window: %v", fcd.ErrStorage, err)
	}
	defer rows.Close()

	byVehicle := make(map[string][]fcd.Record)
	for rows.Next() {
		var vehicleID string
		var r fcd.Record
		var elevation sql.NullFloat64
		if err := rows.Scan(&vehicleID, &r.ConnectionID, &r.TimeNs, &r.Position.Lat, &r.Position.Lon, &elevation, &r.SpeedMS, &r.OffsetM, &r.HeadingDeg); err != nil {
			return nil, fmt.Errorf("%w: scan record: %v", fcd.ErrStorage, err)
		}
		if elevation.Valid {
			e := elevation.Float64
			r.Position.Elevation = &e
		}
		byVehicle[vehicleID] = append(byVehicle[vehicleID], r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate window: %v", fcd.ErrStorage, err)
	}
	return byVehicle, nil
}
