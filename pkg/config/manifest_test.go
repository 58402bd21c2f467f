package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewManifest(t *testing.T) {
	dbPath := "/tmp/testdb"
	cfg := NewDefaultConfig(dbPath)

	manifest, err := NewManifest(dbPath, cfg)
	if err != nil {
		t.Fatalf("failed to create manifest: %v", err)
	}

	if manifest.Dir() != dbPath {
		t.Errorf("expected dir %s, got %s", dbPath, manifest.Dir())
	}
	if len(manifest.History()) != 1 {
		t.Errorf("expected 1 entry, got %d", len(manifest.History()))
	}
	if manifest.Config() != cfg {
		t.Error("current config does not match the provided config")
	}
}

func TestManifestUpdateConfig(t *testing.T) {
	dbPath := "/tmp/testdb"
	manifest, err := NewManifest(dbPath, NewDefaultConfig(dbPath))
	if err != nil {
		t.Fatalf("failed to create manifest: %v", err)
	}

	err = manifest.UpdateConfig(func(c *Config) {
		c.CompactionThreshold = 8 * 1024 * 1024
		c.CompactionInterval = 30
	})
	if err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	if len(manifest.History()) != 2 {
		t.Errorf("expected 2 entries, got %d", len(manifest.History()))
	}

	current := manifest.Config()
	if current.CompactionThreshold != 8*1024*1024 {
		t.Errorf("expected compaction threshold %d, got %d", 8*1024*1024, current.CompactionThreshold)
	}
	if current.CompactionInterval != 30 {
		t.Errorf("expected compaction interval 30, got %d", current.CompactionInterval)
	}

	// An invalid update is rejected and leaves the history unchanged
	err = manifest.UpdateConfig(func(c *Config) { c.SegmentMaxSize = -1 })
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	if len(manifest.History()) != 2 {
		t.Errorf("expected 2 entries after rejected update, got %d", len(manifest.History()))
	}

	// An update that changes nothing is dropped
	if err := manifest.UpdateConfig(func(c *Config) { c.CompactionInterval = 30 }); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}
	if len(manifest.History()) != 2 {
		t.Errorf("expected 2 entries after no-op update, got %d", len(manifest.History()))
	}
}

func TestManifestSaveLoad(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "manifest_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	manifest, err := NewManifest(tempDir, NewDefaultConfig(tempDir))
	if err != nil {
		t.Fatalf("failed to create manifest: %v", err)
	}
	if err := manifest.UpdateConfig(func(c *Config) { c.MaxValueSize = 1024 }); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}
	if err := manifest.Save(); err != nil {
		t.Fatalf("failed to save manifest: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tempDir, DefaultManifestFileName+".tmp")); !os.IsNotExist(err) {
		t.Errorf("expected temp manifest to be renamed away, stat err: %v", err)
	}

	loaded, err := LoadManifest(tempDir)
	if err != nil {
		t.Fatalf("failed to load manifest: %v", err)
	}
	if len(loaded.History()) != 2 {
		t.Errorf("expected 2 entries, got %d", len(loaded.History()))
	}
	if loaded.Config().MaxValueSize != 1024 {
		t.Errorf("expected max value size 1024, got %d", loaded.Config().MaxValueSize)
	}
}

func TestLoadManifestInvalid(t *testing.T) {
	tempDir := t.TempDir()

	path := filepath.Join(tempDir, DefaultManifestFileName)
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	if _, err := LoadManifest(tempDir); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("expected ErrInvalidManifest, got %v", err)
	}

	if err := os.WriteFile(path, []byte("[]"), 0644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	if _, err := LoadManifest(tempDir); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("expected ErrInvalidManifest for empty manifest, got %v", err)
	}

	if err := os.WriteFile(path, []byte(`[{"timestamp":1,"version":1}]`), 0644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	if _, err := LoadManifest(tempDir); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("expected ErrInvalidManifest for entry without config, got %v", err)
	}
}
