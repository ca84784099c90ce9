package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultWhenMissing(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RelayWorkers != DefaultConfig().RelayWorkers {
		t.Fatalf("RelayWorkers = %d, want %d", cfg.RelayWorkers, DefaultConfig().RelayWorkers)
	}
	if cfg.ListenAddr != "127.0.0.1:8080" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
}

func TestLoad_OverridesFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	data := `{"app_id": 12345, "app_hash": "abc", "relay_workers": 8, "relay_base_backoff": "250ms", "shutdown_grace": "3s"}`
	if err := os.WriteFile(configPath, []byte(data), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AppID != 12345 || cfg.AppHash != "abc" {
		t.Fatalf("credentials = %d/%q", cfg.AppID, cfg.AppHash)
	}
	if cfg.RelayWorkers != 8 {
		t.Fatalf("RelayWorkers = %d, want 8", cfg.RelayWorkers)
	}
	if cfg.RelayBaseBackoff.Std() != 250*time.Millisecond {
		t.Fatalf("RelayBaseBackoff = %v, want 250ms", cfg.RelayBaseBackoff.Std())
	}
	if cfg.ShutdownGrace.Std() != 3*time.Second {
		t.Fatalf("ShutdownGrace = %v, want 3s", cfg.ShutdownGrace.Std())
	}
	// Untouched keys keep defaults
	if cfg.RelayQueueCapacity != DefaultConfig().RelayQueueCapacity {
		t.Fatalf("RelayQueueCapacity = %d, want default", cfg.RelayQueueCapacity)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")
	if err := os.WriteFile(configPath, []byte(`{"listen_addr": "127.0.0.1:9000", "app_id": 1}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	t.Setenv("COURIER_LISTEN_ADDR", "0.0.0.0:7000")
	t.Setenv("COURIER_DEDUP_WINDOW", "90s")
	t.Setenv("COURIER_DISABLED_TOOLS", "rules_delete,auth_logout")

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:7000" {
		t.Fatalf("ListenAddr = %q, want env value", cfg.ListenAddr)
	}
	if cfg.AppID != 1 {
		t.Fatalf("AppID = %d, want file value 1", cfg.AppID)
	}
	if cfg.DedupWindow.Std() != 90*time.Second {
		t.Fatalf("DedupWindow = %v, want 90s", cfg.DedupWindow.Std())
	}
	if len(cfg.DisabledTools) != 2 || cfg.DisabledTools[1] != "auth_logout" {
		t.Fatalf("DisabledTools = %v", cfg.DisabledTools)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	if err := os.WriteFile(configPath, []byte(`{not json}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := Load(tmpDir); err == nil {
		t.Fatalf("Load() expected error, got nil")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	if err := os.WriteFile(configPath, []byte(`{"relay_workers": 0, "log_format": "xml"}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := Load(tmpDir)
	if err == nil {
		t.Fatalf("Load() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "relay_workers") || !strings.Contains(err.Error(), "log_format") {
		t.Fatalf("error = %v, want both problems listed", err)
	}
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"1m30s"`), &d); err != nil {
		t.Fatalf("Unmarshal string: %v", err)
	}
	if d.Std() != 90*time.Second {
		t.Fatalf("d = %v, want 1m30s", d.Std())
	}

	if err := json.Unmarshal([]byte(`1000000`), &d); err != nil {
		t.Fatalf("Unmarshal number: %v", err)
	}
	if d.Std() != time.Millisecond {
		t.Fatalf("d = %v, want 1ms", d.Std())
	}

	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Fatalf("Unmarshal(\"soon\") expected error")
	}

	out, err := json.Marshal(Duration(2 * time.Second))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != `"2s"` {
		t.Fatalf("Marshal = %s, want \"2s\"", out)
	}
}

func TestRequireCredentials(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.RequireCredentials(); err == nil {
		t.Fatal("RequireCredentials() expected error for empty credentials")
	}
	cfg.AppID = 42
	cfg.AppHash = "hash"
	if err := cfg.RequireCredentials(); err != nil {
		t.Fatalf("RequireCredentials() error = %v", err)
	}
}
