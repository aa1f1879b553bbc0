package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/syncengine"
)

// requestSync schedules a sync pass without blocking the caller. A full
// channel means a pass is already scheduled.
func (s *Server) requestSync() {
	select {
	case s.syncRequests <- struct{}{}:
	default:
	}
}

func (s *Server) syncWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.syncRequests:
			s.runSync(ctx)
		}
	}
}

// syncLoop is the periodic-sync analog: a full pass on a fixed interval,
// independent of connectivity transitions.
func (s *Server) syncLoop(ctx context.Context) {
	if s.cfg.SyncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runSync(ctx)
		}
	}
}

// probeLoop tracks upstream reachability. An offline→online transition
// triggers an immediate sync pass, the connectivity-restored path.
func (s *Server) probeLoop(ctx context.Context) {
	if s.cfg.ProbeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := s.probe(ctx)
			was := s.upstreamOK.Swap(online)
			if online && !was {
				s.log.Info("connectivity restored, triggering sync")
				s.requestSync()
			} else if !online && was {
				s.log.Info("connectivity lost")
			}
		}
	}
}

// probe counts any upstream HTTP response as reachable; only transport
// errors mean offline.
func (s *Server) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	target := strings.TrimRight(s.cfg.UpstreamURL, "/") + "/"
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, target, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close() //nolint:errcheck
	return true
}

func (s *Server) runSync(ctx context.Context) {
	if _, err := s.syncer.Run(ctx); err != nil && !errors.Is(err, syncengine.ErrSyncRunning) {
		s.log.Warn("background sync failed", zap.Error(err))
	}
}
