package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsForMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load returned error for missing file: %v", err)
	}
	if cfg.Concurrency != 3 {
		t.Errorf("expected default Concurrency 3, got %d", cfg.Concurrency)
	}
	if cfg.RetryDelayMs != 2000 {
		t.Errorf("expected default RetryDelayMs 2000, got %d", cfg.RetryDelayMs)
	}
	if cfg.CacheRetentionDays != 7 {
		t.Errorf("expected default CacheRetentionDays 7, got %d", cfg.CacheRetentionDays)
	}
	if cfg.SavePath == "" || cfg.DatabasePath == "" {
		t.Error("paths should receive defaults")
	}
}

func TestLoadReadsTomlAndFillsGaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `SavePath = "/data/items"
Concurrency = 8
MaxCacheSizeMB = 512
AutoSync = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.SavePath != "/data/items" {
		t.Errorf("SavePath not read: %q", cfg.SavePath)
	}
	if cfg.Concurrency != 8 {
		t.Errorf("Concurrency not read: %d", cfg.Concurrency)
	}
	if cfg.MaxCacheSizeMB != 512 {
		t.Errorf("MaxCacheSizeMB not read: %d", cfg.MaxCacheSizeMB)
	}
	if !cfg.AutoSync {
		t.Error("AutoSync not read")
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("unset fields should default, MaxRetries = %d", cfg.MaxRetries)
	}
}

func TestLoadKeepsExplicitZeroCacheIntervals(t *testing.T) {
	// 0 disables expiry and auto-sync; a written 0 must survive
	// defaulting instead of being bumped to the fallback values.
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `CacheRetentionDays = 0
CacheSyncDays = 0
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.CacheRetentionDays != 0 {
		t.Errorf("explicit CacheRetentionDays = 0 was overridden to %d", cfg.CacheRetentionDays)
	}
	if cfg.CacheSyncDays != 0 {
		t.Errorf("explicit CacheSyncDays = 0 was overridden to %d", cfg.CacheSyncDays)
	}
	if cfg.Concurrency != 3 {
		t.Errorf("absent fields should still default, Concurrency = %d", cfg.Concurrency)
	}
}

func TestLoadRejectsMalformedToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("SavePath = [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed toml")
	}
}
