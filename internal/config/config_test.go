package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def := Default()
	if cfg.Store.HotCapacity != def.Store.HotCapacity {
		t.Errorf("HotCapacity = %d, want default %d", cfg.Store.HotCapacity, def.Store.HotCapacity)
	}
	if cfg.Verification.NotificationTTL != 24*time.Hour {
		t.Errorf("NotificationTTL = %v, want 24h", cfg.Verification.NotificationTTL)
	}
}

func TestLoadOverridesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
store:
  hot_capacity: 99
consolidation:
  confidence_margin: 0.5
verification:
  stale_concern_scenes: 9
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.HotCapacity != 99 {
		t.Errorf("HotCapacity = %d, want 99", cfg.Store.HotCapacity)
	}
	if cfg.Consolidation.ConfidenceMargin != 0.5 {
		t.Errorf("ConfidenceMargin = %f, want 0.5", cfg.Consolidation.ConfidenceMargin)
	}
	if cfg.Verification.StaleConcernScenes != 9 {
		t.Errorf("StaleConcernScenes = %d, want 9", cfg.Verification.StaleConcernScenes)
	}
	// Untouched sections keep their defaults.
	if cfg.Session.WindowSize != Default().Session.WindowSize {
		t.Errorf("WindowSize = %d, want default", cfg.Session.WindowSize)
	}
}

func TestValidateRejectsBadMargin(t *testing.T) {
	cfg := Default()
	cfg.Consolidation.ConfidenceMargin = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() accepted confidence_margin 1.5")
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Validate() on defaults error = %v", err)
	}
}
