package bpconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsOverPartialFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
local: "ipn:7.0"
store:
  path: "` + filepath.ToSlash(tmpDir) + `/store"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("expected default level INFO, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected default format text, got %q", cfg.Logging.Format)
	}
	if cfg.Clock.Tick != time.Second {
		t.Errorf("expected default clock tick 1s, got %v", cfg.Clock.Tick)
	}
	if cfg.Store.MaxAcqInHeap != 64 {
		t.Errorf("expected default max_acq_in_heap 64, got %d", cfg.Store.MaxAcqInHeap)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing config file, got %v", err)
	}
	if cfg.Local != "ipn:1.0" {
		t.Errorf("expected default local ipn:1.0, got %q", cfg.Local)
	}
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
local: "ipn:1.0"
logging:
  level: "NOISY"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("expected validation error for invalid log level")
	}
}

func TestSaveConfigThenLoadRoundTrips(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Local = "ipn:42.0"
	cfg.Store.Path = filepath.Join(tmpDir, "store")

	if err := SaveConfig(cfg, configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Local != "ipn:42.0" {
		t.Errorf("expected local ipn:42.0, got %q", loaded.Local)
	}
}

func TestByteSizeFieldsAcceptHumanReadableForm(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
local: "ipn:1.0"
store:
  zco_budget: "512Mi"
protocols:
  - name: tcp
    nominal_rate: "1MB"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Store.ZCOBudget != 512*1024*1024 {
		t.Errorf("expected zco_budget 512Mi, got %d", cfg.Store.ZCOBudget)
	}
	if len(cfg.Protocols) != 1 || cfg.Protocols[0].NominalRate != 1_000_000 {
		t.Errorf("expected protocol nominal_rate 1MB, got %+v", cfg.Protocols)
	}
}
