// Package syncengine drains the pending-write queue in priority order and
// re-submits cached records flagged as dirty. Both sweeps are idempotent
// and safe to repeat: an entry leaves the queue only after a confirmed
// success, so the worst case is a duplicate replay, never a lost write.
package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/config"
	"github.com/fitsync/fitsync/internal/metrics"
	"github.com/fitsync/fitsync/internal/model"
	"github.com/fitsync/fitsync/internal/store"
)

// ErrSyncRunning is returned when a pass is already in flight; bursts of
// TRIGGER_SYNC collapse into the running pass.
var ErrSyncRunning = errors.New("sync already running")

// Broadcaster delivers sync lifecycle notifications to page clients.
type Broadcaster interface {
	SyncCompleted(results model.SyncResult, at time.Time)
	SyncError(err error, at time.Time)
	PendingCount(count int)
}

// conditional headers refer to state that is stale by the time a replay
// runs; they are stripped before the request is rebuilt.
var strippedHeaders = []string{"If-None-Match", "If-Modified-Since"}

type Engine struct {
	cfg         config.Config
	store       *store.Store
	client      *http.Client
	log         *zap.Logger
	broadcaster Broadcaster

	mu      sync.Mutex
	syncing bool
}

func New(cfg config.Config, st *store.Store, client *http.Client, log *zap.Logger, broadcaster Broadcaster) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{cfg: cfg, store: st, client: client, log: log, broadcaster: broadcaster}
}

// Run executes one full synchronization pass: pending-request replay, then
// dirty-record re-submission. The combined tally is broadcast as
// SYNC_COMPLETED; a failure to even produce a tally broadcasts SYNC_ERROR.
func (s *Engine) Run(ctx context.Context) (model.SyncResult, error) {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return model.SyncResult{}, ErrSyncRunning
	}
	s.syncing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()

	now := time.Now().UTC()

	replayed, err := s.replayPending(ctx)
	if err != nil {
		s.fail(err, now)
		return model.SyncResult{}, err
	}
	dirty, err := s.resubmitDirty(ctx)
	if err != nil {
		s.fail(err, now)
		return model.SyncResult{}, err
	}

	total := replayed.Add(dirty)
	if s.broadcaster != nil {
		s.broadcaster.SyncCompleted(total, time.Now().UTC())
	}
	if count, cerr := s.store.CountPending(ctx); cerr == nil {
		metrics.PendingQueueDepth.Set(float64(count))
		if s.broadcaster != nil {
			s.broadcaster.PendingCount(count)
		}
	}
	metrics.SyncPassesTotal.WithLabelValues("completed").Inc()
	s.log.Info("sync pass completed",
		zap.Int("success", total.Success),
		zap.Int("failure", total.Failure))
	return total, nil
}

func (s *Engine) fail(err error, at time.Time) {
	metrics.SyncPassesTotal.WithLabelValues("error").Inc()
	s.log.Warn("sync pass failed", zap.Error(err))
	if s.broadcaster != nil {
		s.broadcaster.SyncError(err, at)
	}
}

// replayPending walks the queue in sync-type priority order. A replayed
// entry is deleted only after its first confirmed success; exhausted
// entries stay queued for the next pass.
func (s *Engine) replayPending(ctx context.Context) (model.SyncResult, error) {
	entries, err := s.store.ListPending(ctx)
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("list pending for replay: %w", err)
	}

	var res model.SyncResult
	for _, entry := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if s.replayOne(ctx, entry) {
			if err := s.store.DeletePending(ctx, entry.Key); err != nil {
				return res, err
			}
			metrics.SyncReplaysTotal.WithLabelValues("success").Inc()
			res.Success++
		} else {
			metrics.SyncReplaysTotal.WithLabelValues("failure").Inc()
			res.Failure++
		}
	}
	return res, nil
}

func (s *Engine) replayOne(ctx context.Context, entry model.PendingRequest) bool {
	headers := rebuildHeaders(entry.Headers)

	for attempt := 1; attempt <= s.cfg.ReplayAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ReplayTimeout)
		resp, err := s.do(attemptCtx, entry.Method, entry.URL, headers, entry.Body)
		cancel()

		if err == nil {
			body, rerr := io.ReadAll(resp.Body)
			resp.Body.Close() //nolint:errcheck
			if rerr == nil && resp.StatusCode >= 200 && resp.StatusCode < 400 {
				if len(body) > 0 && json.Valid(body) {
					cacheURL := normalizeSyncURL(entry.URL)
					if perr := s.store.PutAPIResponse(ctx, cacheURL, body); perr != nil {
						s.log.Warn("replay response store failed",
							zap.String("url", cacheURL), zap.Error(perr))
					}
				}
				return true
			}
		}

		s.log.Debug("replay attempt failed",
			zap.String("key", entry.Key),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < s.cfg.ReplayAttempts {
			if serr := sleepWithContext(ctx, s.cfg.ReplayBackoff); serr != nil {
				return false
			}
		}
	}
	return false
}

// resubmitDirty re-POSTs every cached body carrying the needs-sync flag to
// its own URL, stripping the flag on success. Failures leave the record
// marked for the next pass.
func (s *Engine) resubmitDirty(ctx context.Context) (model.SyncResult, error) {
	records, err := s.store.ListNeedsSync(ctx)
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("list dirty records: %w", err)
	}

	var res model.SyncResult
	for _, rec := range records {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ReplayTimeout)
		resp, err := s.do(attemptCtx, http.MethodPost, rec.URL, map[string]string{model.SyncMarkerHeader: "true"}, rec.Body)
		cancel()
		if err != nil {
			res.Failure++
			continue
		}
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()              //nolint:errcheck
		if resp.StatusCode < 200 || resp.StatusCode >= 400 {
			res.Failure++
			continue
		}
		cleaned, cerr := stripNeedsSync(rec.Body)
		if cerr != nil {
			s.log.Warn("strip needs-sync flag failed", zap.String("url", rec.URL), zap.Error(cerr))
			res.Failure++
			continue
		}
		if perr := s.store.PutAPIResponse(ctx, rec.URL, cleaned); perr != nil {
			res.Failure++
			continue
		}
		res.Success++
	}
	return res, nil
}

func (s *Engine) do(ctx context.Context, method, rawURL string, headers map[string]string, body json.RawMessage) (*http.Response, error) {
	target := rawURL
	if strings.HasPrefix(rawURL, "/") {
		target = strings.TrimRight(s.cfg.UpstreamURL, "/") + rawURL
	}
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.client.Do(req)
}

// rebuildHeaders merges the stored headers with the sync marker and drops
// conditional-request headers.
func rebuildHeaders(stored map[string]string) map[string]string {
	out := make(map[string]string, len(stored)+1)
	for k, v := range stored {
		skip := false
		for _, strip := range strippedHeaders {
			if strings.EqualFold(k, strip) {
				skip = true
				break
			}
		}
		if !skip {
			out[k] = v
		}
	}
	out[model.SyncMarkerHeader] = "true"
	return out
}

// normalizeSyncURL strips cache-busting query parameters before the URL is
// used as a cache key.
func normalizeSyncURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Del("_t")
	q.Del("timestamp")
	u.RawQuery = q.Encode()
	return u.String()
}

func stripNeedsSync(body json.RawMessage) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("decode dirty body: %w", err)
	}
	delete(obj, model.NeedsSyncField)
	cleaned, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode cleaned body: %w", err)
	}
	return cleaned, nil
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
