package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
socket: /tmp/fitsyncd.sock
upstream: http://localhost:8080
cacheVersion: v9
precache:
  - /
  - /assets/app.css
replay:
  attempts: 5
  timeout: 30s
sync:
  interval: 1m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(DefaultConfig(), path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.SocketPath != "/tmp/fitsyncd.sock" {
		t.Fatalf("socket = %q", cfg.SocketPath)
	}
	if cfg.UpstreamURL != "http://localhost:8080" {
		t.Fatalf("upstream = %q", cfg.UpstreamURL)
	}
	if cfg.CacheVersion != "v9" {
		t.Fatalf("cache version = %q", cfg.CacheVersion)
	}
	if len(cfg.PrecacheURLs) != 2 {
		t.Fatalf("precache = %v", cfg.PrecacheURLs)
	}
	if cfg.ReplayAttempts != 5 {
		t.Fatalf("replay attempts = %d", cfg.ReplayAttempts)
	}
	if cfg.ReplayTimeout != 30*time.Second {
		t.Fatalf("replay timeout = %v", cfg.ReplayTimeout)
	}
	if cfg.SyncInterval != time.Minute {
		t.Fatalf("sync interval = %v", cfg.SyncInterval)
	}

	// Unset fields keep their defaults.
	if cfg.ReplayBackoff != time.Second {
		t.Fatalf("replay backoff = %v", cfg.ReplayBackoff)
	}
	if cfg.DBPath == "" {
		t.Fatalf("db path must keep its default")
	}
}

func TestLoadFileRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("replay:\n  timeout: soon\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(DefaultConfig(), path); err == nil {
		t.Fatalf("expected duration parse error")
	}
}
