package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	SocketPath    string
	DBPath        string
	BlobCachePath string

	// UpstreamURL is the origin every intercepted request is executed
	// against (backend-as-a-service plus app server behind one proxy).
	UpstreamURL string

	// CacheVersion names the static/API cache generation. Bumping it is
	// the only eviction mechanism; the pending queue survives bumps.
	CacheVersion string

	OfflinePagePath string
	PrecacheURLs    []string

	ReplayAttempts int
	ReplayTimeout  time.Duration
	ReplayBackoff  time.Duration

	SyncInterval  time.Duration
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	IndicatorHideAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		SocketPath:         defaultSocketPath(),
		DBPath:             defaultDBPath(),
		BlobCachePath:      defaultBlobCachePath(),
		UpstreamURL:        "http://localhost:3000",
		CacheVersion:       "v3",
		ReplayAttempts:     3,
		ReplayTimeout:      10 * time.Second,
		ReplayBackoff:      1 * time.Second,
		SyncInterval:       15 * time.Minute,
		ProbeInterval:      30 * time.Second,
		ProbeTimeout:       5 * time.Second,
		IndicatorHideAfter: 3 * time.Second,
	}
}

// fileConfig is the YAML shape; durations are parsed strings so the file
// reads naturally ("10s", "15m").
type fileConfig struct {
	Socket    string `yaml:"socket"`
	DB        string `yaml:"db"`
	BlobCache string `yaml:"blobCache"`

	Upstream     string   `yaml:"upstream"`
	CacheVersion string   `yaml:"cacheVersion"`
	OfflinePage  string   `yaml:"offlinePage"`
	Precache     []string `yaml:"precache"`

	Replay struct {
		Attempts int    `yaml:"attempts"`
		Timeout  string `yaml:"timeout"`
		Backoff  string `yaml:"backoff"`
	} `yaml:"replay"`

	Sync struct {
		Interval      string `yaml:"interval"`
		ProbeInterval string `yaml:"probeInterval"`
		ProbeTimeout  string `yaml:"probeTimeout"`
	} `yaml:"sync"`
}

// LoadFile overlays a YAML config file on top of cfg. Missing fields keep
// their current values.
func LoadFile(cfg Config, path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if fc.Socket != "" {
		cfg.SocketPath = fc.Socket
	}
	if fc.DB != "" {
		cfg.DBPath = fc.DB
	}
	if fc.BlobCache != "" {
		cfg.BlobCachePath = fc.BlobCache
	}
	if fc.Upstream != "" {
		cfg.UpstreamURL = fc.Upstream
	}
	if fc.CacheVersion != "" {
		cfg.CacheVersion = fc.CacheVersion
	}
	if fc.OfflinePage != "" {
		cfg.OfflinePagePath = fc.OfflinePage
	}
	if len(fc.Precache) > 0 {
		cfg.PrecacheURLs = fc.Precache
	}
	if fc.Replay.Attempts > 0 {
		cfg.ReplayAttempts = fc.Replay.Attempts
	}

	for _, d := range []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{fc.Replay.Timeout, "replay.timeout", &cfg.ReplayTimeout},
		{fc.Replay.Backoff, "replay.backoff", &cfg.ReplayBackoff},
		{fc.Sync.Interval, "sync.interval", &cfg.SyncInterval},
		{fc.Sync.ProbeInterval, "sync.probeInterval", &cfg.ProbeInterval},
		{fc.Sync.ProbeTimeout, "sync.probeTimeout", &cfg.ProbeTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "fitsync", "fitsyncd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fitsyncd.sock"
	}
	return filepath.Join(home, ".local", "state", "fitsync", "fitsyncd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fitsync.db"
	}
	return filepath.Join(home, ".local", "state", "fitsync", "offline.db")
}

func defaultBlobCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fitsync-blobs"
	}
	return filepath.Join(home, ".local", "state", "fitsync", "blobs")
}
