// Package fcdstore is the durable metric store: the tables, queries, and
// invariants through which the traversal extractor, the spatio-temporal
// processor, and the threshold processor collaborate. It is backed by
// modernc.org/sqlite (a pure-Go driver, same as the teacher's internal/db)
// with an in-memory variant for tests and ephemeral runs.
package fcdstore

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/fcd.report/internal/fcd"
	"github.com/banshee-data/fcd.report/internal/fcd/roadnet"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultEstimatorVersion tags rows written by a Store that was not given
// an explicit version. See MigrateEstimatorVersion for why this exists.
const DefaultEstimatorVersion = "v1"

// Store is the kernel's owned connection to the metric store. It is safe
// for the single event thread to call without locking; the threshold
// cache is guarded separately by its own lock. The threshold processor's
// parallel percentile goroutines (see internal/fcd/threshold) query
// connection metadata through the Store but do not read the cache.
type Store struct {
	db               *sql.DB
	estimatorVersion string

	cacheMu   sync.RWMutex
	threshold map[string]fcd.Thresholds
}

// Options configures Initialize.
type Options struct {
	Path             string // "" or ":memory:" for an in-memory store
	Persistent       bool   // when false, existing tables are truncated
	EstimatorVersion string // defaults to DefaultEstimatorVersion
	RoadMap          roadnet.Map
	ConnectionIDs    []string // every connection id the road map should be seeded with
}

// Initialize opens (creating if absent) the sqlite-backed store, runs
// migrations, optionally truncates existing data, and seeds the
// connections table from the road-network map. A missing or unreadable
// path, or a road map that cannot resolve one of ConnectionIDs, is a
// configuration error (fatal at startup, per the error-handling design).
func Initialize(opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = ":memory:"
	}
	if opts.EstimatorVersion == "" {
		opts.EstimatorVersion = DefaultEstimatorVersion
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", fcd.ErrConfiguration, opts.Path, err)
	}
	if opts.Path == ":memory:" {
		// modernc.org/sqlite gives each pooled connection its own private
		// :memory: database, so a second connection sees an empty schema.
		// Pinning the pool to one connection keeps every query against the
		// same database, which errgroup fan-outs (see internal/fcd/threshold)
		// would otherwise open behind this Store's back.
		db.SetMaxOpenConns(1)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", fcd.ErrConfiguration, err)
	}

	s := &Store{db: db, estimatorVersion: opts.EstimatorVersion, threshold: make(map[string]fcd.Thresholds)}

	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", fcd.ErrConfiguration, err)
	}

	if !opts.Persistent {
		if err := s.truncateAll(); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %v", fcd.ErrConfiguration, err)
		}
	}

	if opts.RoadMap != nil {
		if err := s.seedConnections(opts.RoadMap, opts.ConnectionIDs); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %v", fcd.ErrConfiguration, err)
		}
	}

	if err := s.loadThresholdCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", fcd.ErrConfiguration, err)
	}

	return s, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrateUp() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create iofs source driver: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to construct migrator: %w", err)
	}
	// Note: m.Close() is not called here because the sqlite driver's
	// Close() would close the *sql.DB this Store owns separately.
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

func (s *Store) truncateAll() error {
	for _, table := range []string{"thresholds", "traversal_metrics", "records", "connections"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) seedConnections(m roadnet.Map, ids []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		conn, err := m.GetConnection(id)
		if err != nil {
			return fmt.Errorf("road map has no data for connection %q: %w", id, err)
		}
		meta := roadnet.Meta(conn)
		if _, err := tx.Exec(`
			INSERT INTO connections (connection_id, max_speed_m_s, length_m)
			VALUES (?, ?, ?)
			ON CONFLICT(connection_id) DO UPDATE SET max_speed_m_s = excluded.max_speed_m_s, length_m = excluded.length_m
		`, meta.ConnectionID, meta.MaxSpeedMS, meta.LengthM); err != nil {
			return fmt.Errorf("failed to upsert connection %q: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *Store) loadThresholdCache() error {
	rows, err := s.db.Query(`
		SELECT connection_id, temporal_threshold_m_s, spatial_threshold_m_s, simulation_time_ns, estimator_version
		FROM thresholds t
		WHERE t.id IN (SELECT MAX(id) FROM thresholds GROUP BY connection_id)
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for rows.Next() {
		var th fcd.Thresholds
		if err := rows.Scan(&th.ConnectionID, &th.TemporalThresholdMS, &th.SpatialThresholdMS, &th.SimulationTimeNs, &th.EstimatorVersion); err != nil {
			return err
		}
		s.threshold[th.ConnectionID] = th
	}
	return rows.Err()
}

// Shutdown closes the underlying connection.
func (s *Store) Shutdown() error {
	return s.db.Close()
}

// ShutdownToPath is the in-memory variant's shutdown: it writes the
// in-process database out to flushPath via VACUUM INTO before closing, so
// an ephemeral "sqlite-memory" run still leaves a durable artifact behind.
func (s *Store) ShutdownToPath(flushPath string) error {
	if flushPath != "" {
		if _, err := s.db.Exec("VACUUM INTO ?", flushPath); err != nil {
			s.db.Close()
			return fmt.Errorf("%w: flush to %q: %v", fcd.ErrStorage, flushPath, err)
		}
	}
	return s.db.Close()
}

// ConnectionMeta returns the stored connection metadata, or
// roadnet.ErrUnknownConnection if the id was never seeded.
func (s *Store) ConnectionMeta(id string) (fcd.ConnectionMeta, error) {
	var m fcd.ConnectionMeta
	err := s.db.QueryRow(`SELECT connection_id, max_speed_m_s, length_m FROM connections WHERE connection_id = ?`, id).
		Scan(&m.ConnectionID, &m.MaxSpeedMS, &m.LengthM)
	if err == sql.ErrNoRows {
		return fcd.ConnectionMeta{}, roadnet.WrapUnknownConnection(id)
	}
	if err != nil {
		return fcd.ConnectionMeta{}, fmt.Errorf("%w: %v", fcd.ErrStorage, err)
	}
	return m, nil
}
