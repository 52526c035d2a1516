package fcdstore

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/fcd.report/internal/fcd"
	"github.com/banshee-data/fcd.report/internal/timeutil"
)

// backupClock is wall-clock time used only to name backup files - entirely
// outside the simulated core, which never calls time.Now itself.
var backupClock timeutil.Clock = timeutil.RealClock{}

// TableStats is the row count and on-disk size for one table.
type TableStats struct {
	Name     string  `json:"name"`
	RowCount int64   `json:"row_count"`
	SizeMB   float64 `json:"size_mb"`
}

// DatabaseStats is the response body for the /debug/db-stats admin route.
type DatabaseStats struct {
	TotalSizeMB float64      `json:"total_size_mb"`
	Tables      []TableStats `json:"tables"`
}

// GetDatabaseStats returns size and row count information for every
// metric-store table, using sqlite's dbstat virtual table for accurate
// per-table sizes.
func (s *Store) GetDatabaseStats() (*DatabaseStats, error) {
	var totalPages, pageSize int64
	row := s.db.QueryRow("SELECT page_count, page_size FROM pragma_page_count(), pragma_page_size()")
	if err := row.Scan(&totalPages, &pageSize); err != nil {
		return nil, fmt.Errorf("%w: page stats: %v", fcd.ErrStorage, err)
	}
	totalSizeMB := float64(totalPages*pageSize) / (1024 * 1024)

	tableNames := []string{"connections", "records", "traversal_metrics", "thresholds"}
	var tables []TableStats
	for _, name := range tableNames {
		var rowCount int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %q", name)).Scan(&rowCount); err != nil {
			rowCount = 0
		}
		var sizeMB float64
		if err := s.db.QueryRow(`SELECT COALESCE(SUM(pgsize), 0) / 1048576.0 FROM dbstat WHERE name = ?`, name).Scan(&sizeMB); err != nil {
			sizeMB = 0
		}
		tables = append(tables, TableStats{Name: name, RowCount: rowCount, SizeMB: math.Round(sizeMB*100) / 100})
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].SizeMB > tables[j].SizeMB })

	return &DatabaseStats{TotalSizeMB: math.Round(totalSizeMB*100) / 100, Tables: tables}, nil
}

// AttachAdminRoutes mounts a live-SQL console, a JSON stats endpoint, and a
// one-click backup download under mux's /debug/ tree.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{RoutePrefix: "/debug/tailsql/"})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://fcd_metrics.db", s.db, &tailsql.DBOptions{Label: "FCD Metric Store"})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("db-stats", "Metric store table sizes and disk usage (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		stats, err := s.GetDatabaseStats()
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to get database stats: %v", err), http.StatusInternalServerError)
			return
		}
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			http.Error(w, fmt.Sprintf("failed to encode stats: %v", err), http.StatusInternalServerError)
		}
	}))

	debug.Handle("backup", "Create and download a backup of the metric store now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.backupHandler(w, r)
	}))

	return nil
}

func (s *Store) backupHandler(w http.ResponseWriter, r *http.Request) {
	backupPath, err := s.Backup()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer os.Remove(backupPath)

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		http.Error(w, fmt.Sprintf("failed to write backup file: %v", err), http.StatusInternalServerError)
	}
}

// Backup runs VACUUM INTO against a fresh timestamped file path and
// returns it. The caller owns cleanup of the returned path.
func (s *Store) Backup() (string, error) {
	backupPath := fmt.Sprintf("backup-%d.db", backupClock.Now().Unix())
	if _, err := s.db.Exec("VACUUM INTO ?", backupPath); err != nil {
		return "", fmt.Errorf("%w: vacuum into: %v", fcd.ErrStorage, err)
	}
	return backupPath, nil
}
