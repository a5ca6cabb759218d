package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.RateLimit.RPM != 500 {
		t.Errorf("expected default rpm 500, got %d", cfg.RateLimit.RPM)
	}
	if cfg.Retry.BaseWait != 250*time.Millisecond {
		t.Errorf("expected base wait 250ms, got %s", cfg.Retry.BaseWait)
	}
	if cfg.Session.TTL != time.Hour {
		t.Errorf("expected ttl 1h, got %s", cfg.Session.TTL)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "poemux.yaml")
	data := []byte("rate_limit:\n  rpm: 120\nretry:\n  max_retries: 2\nlogging:\n  level: debug\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.RateLimit.RPM != 120 {
		t.Errorf("expected rpm 120, got %d", cfg.RateLimit.RPM)
	}
	if cfg.Retry.MaxRetries != 2 {
		t.Errorf("expected max retries 2, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr, got %s", cfg.Server.Addr)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "poemux.yaml")
	if err := os.WriteFile(path, []byte("rate_limit:\n  rpm: 120\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POEMUX_RPM", "42")
	t.Setenv("POEMUX_SESSION_TTL", "30m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.RateLimit.RPM != 42 {
		t.Errorf("expected env rpm 42, got %d", cfg.RateLimit.RPM)
	}
	if cfg.Session.TTL != 30*time.Minute {
		t.Errorf("expected ttl 30m, got %s", cfg.Session.TTL)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "poemux.yaml")
	if err := os.WriteFile(path, []byte("rate_limit:\n  rpm: -1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for negative rpm")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
