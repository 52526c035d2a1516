// Package config loads and validates tuning parameters for the traffic-state
// estimator. The schema mirrors the processor options in the spec so the
// same JSON file can configure both the kernel at startup and the backfill
// tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the canonical location of the tuning defaults file.
const DefaultConfigPath = "config/estimator.defaults.json"

// EstimatorConfig represents the root configuration for the kernel and its
// processors. Fields are pointers so that a partial JSON document leaves
// unset values to the Get* accessor defaults below; every field here
// corresponds to an option enumerated in spec §6.
type EstimatorConfig struct {
	// Kernel / garbage collection.
	UnitRemovalInterval *string `json:"unit_removal_interval,omitempty"` // duration string, e.g. "30m"
	UnitExpirationTime  *string `json:"unit_expiration_time,omitempty"`  // duration string, e.g. "60m"

	// EstimatorVersion tags every traversal-metric and threshold row this
	// run writes. Left unset, the caller generates a fresh identifier per
	// run (see cmd/fcd-estimator) so re-tuned runs never collide.
	EstimatorVersion *string `json:"estimator_version,omitempty"`

	// Metric store.
	StoreRawFCD        *bool   `json:"store_raw_fcd,omitempty"`
	FCDDataStorage      *string `json:"fcd_data_storage,omitempty"` // "sqlite-disk" | "sqlite-memory"
	DatabasePath        *string `json:"database_path,omitempty"`
	DatabaseFileName    *string `json:"database_file_name,omitempty"`
	IsPersistent        *bool   `json:"is_persistent,omitempty"`

	// Processor registries (explicit, not reflection-discovered — see
	// internal/fcd/registry). Each entry is a processor-kind string that
	// must be known to the registry.
	TraversalBasedProcessors []string `json:"traversal_based_processors,omitempty"`
	TimeBasedProcessors      []string `json:"time_based_processors,omitempty"`
	MessageBasedProcessors   []string `json:"message_based_processors,omitempty"`

	// Spatio-temporal processor.
	SpatialMeanSpeedChunkM *float64 `json:"spatial_mean_speed_chunk_m,omitempty"`

	// Threshold / RTSM processor.
	TriggerInterval               *string  `json:"trigger_interval,omitempty"` // duration string, e.g. "30m"
	DefaultRedLightDuration       *string  `json:"default_red_light_duration,omitempty"`
	MinTraversalsForThreshold     *int     `json:"min_traversals_for_threshold,omitempty"`
	RecomputeAllRTSMWithNewThresh *bool    `json:"recompute_all_rtsm_with_new_thresholds,omitempty"`
	MinHeuristicTraversals        *int     `json:"min_heuristic_traversals,omitempty"`
	MaxHeuristicTraversals        *int     `json:"max_heuristic_traversals,omitempty"`
	ThresholdPercentile           *float64 `json:"threshold_percentile,omitempty"`
	RedLightDiffPercentile        *float64 `json:"red_light_diff_percentile,omitempty"`
}

// EmptyEstimatorConfig returns an EstimatorConfig with every field nil. Use
// LoadEstimatorConfig to populate it from a JSON file.
func EmptyEstimatorConfig() *EstimatorConfig {
	return &EstimatorConfig{}
}

// LoadEstimatorConfig loads an EstimatorConfig from a JSON file. The path
// must end in .json and the file must be under 1MB; fields omitted from
// the document retain their documented defaults.
func LoadEstimatorConfig(path string) (*EstimatorConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyEstimatorConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults, searching the current
// directory and a few parent levels. Panics if the file cannot be found;
// intended for test setup, mirroring the teacher's tuning-config helper.
func MustLoadDefaultConfig() *EstimatorConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadEstimatorConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that any set duration strings parse and that numeric
// fields are in sane ranges.
func (c *EstimatorConfig) Validate() error {
	for name, d := range map[string]*string{
		"unit_removal_interval":       c.UnitRemovalInterval,
		"unit_expiration_time":        c.UnitExpirationTime,
		"trigger_interval":            c.TriggerInterval,
		"default_red_light_duration":  c.DefaultRedLightDuration,
	} {
		if d != nil && *d != "" {
			if _, err := time.ParseDuration(*d); err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, *d, err)
			}
		}
	}
	if c.SpatialMeanSpeedChunkM != nil && *c.SpatialMeanSpeedChunkM <= 0 {
		return fmt.Errorf("spatial_mean_speed_chunk_m must be positive, got %f", *c.SpatialMeanSpeedChunkM)
	}
	if c.MinTraversalsForThreshold != nil && *c.MinTraversalsForThreshold < 1 {
		return fmt.Errorf("min_traversals_for_threshold must be >= 1, got %d", *c.MinTraversalsForThreshold)
	}
	return nil
}

// GetUnitRemovalInterval returns how often the eviction tick runs.
func (c *EstimatorConfig) GetUnitRemovalInterval() time.Duration {
	return parseDurationOrDefault(c.UnitRemovalInterval, 30*time.Minute)
}

// GetUnitExpirationTime returns the max age of a vehicle's newest record
// before it is considered gone.
func (c *EstimatorConfig) GetUnitExpirationTime() time.Duration {
	return parseDurationOrDefault(c.UnitExpirationTime, 60*time.Minute)
}

// GetEstimatorVersion returns the configured tag, or "" if the caller must
// generate one for this run.
func (c *EstimatorConfig) GetEstimatorVersion() string {
	if c.EstimatorVersion == nil {
		return ""
	}
	return *c.EstimatorVersion
}

// GetStoreRawFCD reports whether every incoming record is persisted.
func (c *EstimatorConfig) GetStoreRawFCD() bool {
	if c.StoreRawFCD == nil {
		return false
	}
	return *c.StoreRawFCD
}

// GetFCDDataStorage returns the configured store backend identifier.
func (c *EstimatorConfig) GetFCDDataStorage() string {
	if c.FCDDataStorage == nil || *c.FCDDataStorage == "" {
		return "sqlite-disk"
	}
	return *c.FCDDataStorage
}

// GetDatabasePath returns the directory/path under which the store lives.
func (c *EstimatorConfig) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return "."
	}
	return *c.DatabasePath
}

// GetDatabaseFileName returns the store's file name.
func (c *EstimatorConfig) GetDatabaseFileName() string {
	if c.DatabaseFileName == nil || *c.DatabaseFileName == "" {
		return "fcd_metrics.db"
	}
	return *c.DatabaseFileName
}

// GetIsPersistent reports whether existing tables should be kept on startup.
func (c *EstimatorConfig) GetIsPersistent() bool {
	if c.IsPersistent == nil {
		return true
	}
	return *c.IsPersistent
}

// GetSpatialMeanSpeedChunkM returns the sampling interval for the spatial
// mean-speed computation (§4.2).
func (c *EstimatorConfig) GetSpatialMeanSpeedChunkM() float64 {
	if c.SpatialMeanSpeedChunkM == nil || *c.SpatialMeanSpeedChunkM <= 0 {
		return 15.0
	}
	return *c.SpatialMeanSpeedChunkM
}

// GetTriggerInterval returns how often the threshold/RTSM processor runs.
func (c *EstimatorConfig) GetTriggerInterval() time.Duration {
	return parseDurationOrDefault(c.TriggerInterval, 30*time.Minute)
}

// GetDefaultRedLightDuration returns the red-light dwell-time compensation.
func (c *EstimatorConfig) GetDefaultRedLightDuration() time.Duration {
	return parseDurationOrDefault(c.DefaultRedLightDuration, 45*time.Second)
}

// GetMinTraversalsForThreshold returns the minimum traversal count required
// before a connection's thresholds are computed.
func (c *EstimatorConfig) GetMinTraversalsForThreshold() int {
	if c.MinTraversalsForThreshold == nil || *c.MinTraversalsForThreshold < 1 {
		return 10
	}
	return *c.MinTraversalsForThreshold
}

// GetRecomputeAllRTSMWithNewThresholds reports whether every stored
// traversal's RTSM is rewritten after a threshold recompute.
func (c *EstimatorConfig) GetRecomputeAllRTSMWithNewThresholds() bool {
	if c.RecomputeAllRTSMWithNewThresh == nil {
		return false
	}
	return *c.RecomputeAllRTSMWithNewThresh
}

// GetMinHeuristicTraversals returns the lower traversal-count bound for the
// red-light heuristic (§4.3.3).
func (c *EstimatorConfig) GetMinHeuristicTraversals() int {
	if c.MinHeuristicTraversals == nil || *c.MinHeuristicTraversals < 1 {
		return 10
	}
	return *c.MinHeuristicTraversals
}

// GetMaxHeuristicTraversals returns the upper traversal-count bound for the
// red-light heuristic (§4.3.3).
func (c *EstimatorConfig) GetMaxHeuristicTraversals() int {
	if c.MaxHeuristicTraversals == nil || *c.MaxHeuristicTraversals < 1 {
		return 400
	}
	return *c.MaxHeuristicTraversals
}

// GetThresholdPercentile returns the percentile (0-1) used for temporal and
// spatial thresholds. Spec default is the 5th percentile.
func (c *EstimatorConfig) GetThresholdPercentile() float64 {
	if c.ThresholdPercentile == nil || *c.ThresholdPercentile <= 0 {
		return 0.05
	}
	return *c.ThresholdPercentile
}

// GetRedLightDiffPercentile returns the percentile used as the upper bound
// in the red-light heuristic's diff computation. Spec default is P60.
func (c *EstimatorConfig) GetRedLightDiffPercentile() float64 {
	if c.RedLightDiffPercentile == nil || *c.RedLightDiffPercentile <= 0 {
		return 0.60
	}
	return *c.RedLightDiffPercentile
}

func parseDurationOrDefault(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}
