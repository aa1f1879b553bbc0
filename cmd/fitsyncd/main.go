package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/blobcache"
	"github.com/fitsync/fitsync/internal/config"
	"github.com/fitsync/fitsync/internal/store"
	"github.com/fitsync/fitsync/internal/worker"
)

func main() {
	cfg := config.DefaultConfig()
	configPath := flag.String("config", "", "YAML config file")
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for fitsyncd")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.StringVar(&cfg.BlobCachePath, "blobs", cfg.BlobCachePath, "static asset cache path")
	flag.StringVar(&cfg.UpstreamURL, "upstream", cfg.UpstreamURL, "upstream origin URL")
	flag.StringVar(&cfg.CacheVersion, "cache-version", cfg.CacheVersion, "cache generation name")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	if *configPath != "" {
		loaded, err := config.LoadFile(cfg, *configPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	}

	log, err := newLogger(*debug)
	if err != nil {
		fatal(err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer st.Close() //nolint:errcheck

	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		fatal(err)
	}
	rotated, err := st.ActivateVersion(ctx, cfg.CacheVersion)
	if err != nil {
		fatal(err)
	}

	blobs, err := blobcache.Open(cfg.BlobCachePath, cfg.CacheVersion)
	if err != nil {
		fatal(err)
	}
	defer blobs.Close() //nolint:errcheck

	if rotated {
		removed, rerr := blobs.Rotate()
		if rerr != nil {
			fatal(rerr)
		}
		log.Info("cache version activated",
			zap.String("version", cfg.CacheVersion),
			zap.Int("static_removed", removed))
	}

	srv := worker.NewServer(cfg, st, blobs, log)
	if len(cfg.PrecacheURLs) > 0 {
		go srv.Engine().Precache(ctx)
	}

	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "fitsyncd: %v\n", err)
	os.Exit(1)
}
