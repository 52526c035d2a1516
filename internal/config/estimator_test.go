package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, dir string, body map[string]any) string {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, "estimator.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyEstimatorConfig()

	if got, want := cfg.GetUnitRemovalInterval(), 30*time.Minute; got != want {
		t.Errorf("GetUnitRemovalInterval() = %v, want %v", got, want)
	}
	if got, want := cfg.GetUnitExpirationTime(), 60*time.Minute; got != want {
		t.Errorf("GetUnitExpirationTime() = %v, want %v", got, want)
	}
	if got, want := cfg.GetSpatialMeanSpeedChunkM(), 15.0; got != want {
		t.Errorf("GetSpatialMeanSpeedChunkM() = %v, want %v", got, want)
	}
	if got, want := cfg.GetTriggerInterval(), 30*time.Minute; got != want {
		t.Errorf("GetTriggerInterval() = %v, want %v", got, want)
	}
	if got, want := cfg.GetDefaultRedLightDuration(), 45*time.Second; got != want {
		t.Errorf("GetDefaultRedLightDuration() = %v, want %v", got, want)
	}
	if got, want := cfg.GetMinTraversalsForThreshold(), 10; got != want {
		t.Errorf("GetMinTraversalsForThreshold() = %v, want %v", got, want)
	}
	if cfg.GetRecomputeAllRTSMWithNewThresholds() {
		t.Error("GetRecomputeAllRTSMWithNewThresholds() default should be false")
	}
	if got, want := cfg.GetThresholdPercentile(), 0.05; got != want {
		t.Errorf("GetThresholdPercentile() = %v, want %v", got, want)
	}
	if got, want := cfg.GetRedLightDiffPercentile(), 0.60; got != want {
		t.Errorf("GetRedLightDiffPercentile() = %v, want %v", got, want)
	}
}

func TestLoadEstimatorConfigPartial(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, map[string]any{
		"trigger_interval":             "10m",
		"min_traversals_for_threshold": 5,
	})

	cfg, err := LoadEstimatorConfig(path)
	if err != nil {
		t.Fatalf("LoadEstimatorConfig: %v", err)
	}
	if got, want := cfg.GetTriggerInterval(), 10*time.Minute; got != want {
		t.Errorf("GetTriggerInterval() = %v, want %v", got, want)
	}
	if got, want := cfg.GetMinTraversalsForThreshold(), 5; got != want {
		t.Errorf("GetMinTraversalsForThreshold() = %v, want %v", got, want)
	}
	// Fields omitted from the document fall back to documented defaults.
	if got, want := cfg.GetUnitExpirationTime(), 60*time.Minute; got != want {
		t.Errorf("GetUnitExpirationTime() = %v, want %v", got, want)
	}
}

func TestLoadEstimatorConfigRejectsBadExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "estimator.txt")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadEstimatorConfig(path); err == nil {
		t.Fatal("expected error for non-.json file")
	}
}

func TestValidateRejectsBadDuration(t *testing.T) {
	bad := "not-a-duration"
	cfg := &EstimatorConfig{TriggerInterval: &bad}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for malformed trigger_interval")
	}
}

func TestValidateRejectsNonPositiveChunk(t *testing.T) {
	zero := 0.0
	cfg := &EstimatorConfig{SpatialMeanSpeedChunkM: &zero}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for non-positive spatial_mean_speed_chunk_m")
	}
}
