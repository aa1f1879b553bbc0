// Package engine decides, per intercepted request, whether to serve from
// cache, network, or a blended strategy, and updates the caches based on
// outcomes.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/api"
	"github.com/fitsync/fitsync/internal/blobcache"
	"github.com/fitsync/fitsync/internal/classify"
	"github.com/fitsync/fitsync/internal/config"
	"github.com/fitsync/fitsync/internal/metrics"
	"github.com/fitsync/fitsync/internal/model"
	"github.com/fitsync/fitsync/internal/store"
)

const revalidateTimeout = 30 * time.Second

// Notifier delivers worker→page broadcasts triggered by fetch outcomes.
type Notifier interface {
	DataUpdated(url string)
	UsingCachedData(url string)
	PendingCount(count int)
}

type handlerFunc func(ctx context.Context, req api.FetchRequest) (api.FetchResponse, error)

type Engine struct {
	cfg      config.Config
	store    *store.Store
	blobs    *blobcache.Cache
	client   *http.Client
	log      *zap.Logger
	notifier Notifier

	// requestSync schedules a sync attempt after an offline enqueue, the
	// background-sync registration analog. May be nil.
	requestSync func()

	handlers map[model.RequestClass]handlerFunc
}

func New(cfg config.Config, st *store.Store, blobs *blobcache.Cache, client *http.Client, log *zap.Logger, notifier Notifier, requestSync func()) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		cfg:         cfg,
		store:       st,
		blobs:       blobs,
		client:      client,
		log:         log,
		notifier:    notifier,
		requestSync: requestSync,
	}
	e.handlers = map[model.RequestClass]handlerFunc{
		model.ClassStaticAsset: e.handleStaticAsset,
		model.ClassNavigation:  e.handleNavigation,
		model.ClassAPI:         e.handleAPI,
		model.ClassOther:       e.handleOther,
		model.ClassIgnored:     e.handlePassthrough,
	}
	return e
}

// Handle is the top-level fetch entry point. Any uncaught failure inside a
// strategy handler is converted to a generic 503 JSON envelope; that is the
// only case surfaced to the page as a real error.
func (e *Engine) Handle(ctx context.Context, req api.FetchRequest) api.FetchResponse {
	resp, err := e.dispatch(ctx, req)
	if err != nil {
		e.log.Warn("fetch handler failed", zap.String("url", req.URL), zap.Error(err))
		metrics.FetchesTotal.WithLabelValues("error", "error").Inc()
		return serviceUnavailable()
	}
	return resp
}

func (e *Engine) dispatch(ctx context.Context, req api.FetchRequest) (resp api.FetchResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch handler panic: %v", r)
		}
	}()
	class := classify.Classify(req.Method, req.URL, req.Destination, req.Mode)
	resp, err = e.handlers[class](ctx, req)
	if err == nil {
		metrics.FetchesTotal.WithLabelValues(string(class), resp.Source).Inc()
	}
	return resp, err
}

// Precache fetches the configured asset list into the static cache.
// Failures are logged and skipped; install never aborts on one bad asset.
func (e *Engine) Precache(ctx context.Context) {
	for _, u := range e.cfg.PrecacheURLs {
		resp, err := e.doUpstream(ctx, http.MethodGet, u, nil, nil)
		if err != nil {
			e.log.Debug("precache fetch failed", zap.String("url", u), zap.Error(err))
			continue
		}
		ent, err := entryFromResponse(resp)
		if err != nil || ent.Status != 200 {
			continue
		}
		if err := e.blobs.Put(u, ent); err != nil {
			e.log.Warn("precache store failed", zap.String("url", u), zap.Error(err))
		}
	}
}

// ── strategies ───────────────────────────────────────────────────────────

// handleStaticAsset is cache-first with stale-while-revalidate: a hit is
// returned immediately while a background fetch refreshes the entry.
func (e *Engine) handleStaticAsset(ctx context.Context, req api.FetchRequest) (api.FetchResponse, error) {
	if ent, ok, err := e.blobs.Get(req.URL); err == nil && ok {
		metrics.CacheHitsTotal.WithLabelValues("static").Inc()
		go e.revalidate(req.URL)
		return entryResponse(ent, api.SourceCache), nil
	}

	resp, err := e.doUpstream(ctx, req.Method, req.URL, req.Headers, nil)
	if err == nil {
		ent, rerr := entryFromResponse(resp)
		if rerr != nil {
			return api.FetchResponse{}, rerr
		}
		if ent.Status == 200 {
			if perr := e.blobs.Put(req.URL, ent); perr != nil {
				e.log.Warn("static cache store failed", zap.String("url", req.URL), zap.Error(perr))
			}
		}
		return entryResponse(ent, api.SourceNetwork), nil
	}

	// Network down: one more cache look before giving up.
	if ent, ok, cerr := e.blobs.Get(req.URL); cerr == nil && ok {
		return entryResponse(ent, api.SourceCache), nil
	}
	return e.offlinePage(), nil
}

// handleNavigation prefers an existing cached document for latency while a
// network refresh runs in the background; with no cached copy it waits on
// the network and falls back to the offline page.
func (e *Engine) handleNavigation(ctx context.Context, req api.FetchRequest) (api.FetchResponse, error) {
	if ent, ok, err := e.blobs.Get(req.URL); err == nil && ok {
		metrics.CacheHitsTotal.WithLabelValues("static").Inc()
		go e.revalidate(req.URL)
		return entryResponse(ent, api.SourceCache), nil
	}

	resp, err := e.doUpstream(ctx, req.Method, req.URL, req.Headers, nil)
	if err != nil {
		return e.offlinePage(), nil
	}
	ent, rerr := entryFromResponse(resp)
	if rerr != nil {
		return api.FetchResponse{}, rerr
	}
	if ent.Status == 200 {
		if perr := e.blobs.Put(req.URL, ent); perr != nil {
			e.log.Warn("navigation cache store failed", zap.String("url", req.URL), zap.Error(perr))
		}
	}
	return entryResponse(ent, api.SourceNetwork), nil
}

func (e *Engine) handleAPI(ctx context.Context, req api.FetchRequest) (api.FetchResponse, error) {
	if classify.IsMutation(req.Method) {
		return e.handleMutation(ctx, req)
	}
	return e.handleAPIGet(ctx, req)
}

// handleAPIGet is network-first: live data wins, the cache answers when the
// network is unreachable, and a placeholder answers when both miss so the
// page never sees a hard error. Known prefixes get a typed body, anything
// else under /api/ the generic one.
func (e *Engine) handleAPIGet(ctx context.Context, req api.FetchRequest) (api.FetchResponse, error) {
	resp, err := e.doUpstream(ctx, req.Method, req.URL, req.Headers, nil)
	if err == nil {
		ent, rerr := entryFromResponse(resp)
		if rerr != nil {
			return api.FetchResponse{}, rerr
		}
		if ent.Status == 200 {
			if perr := e.store.PutAPIResponse(ctx, req.URL, json.RawMessage(ent.Body)); perr != nil {
				e.log.Warn("api cache store failed", zap.String("url", req.URL), zap.Error(perr))
			} else if e.notifier != nil {
				e.notifier.DataUpdated(req.URL)
			}
		}
		return entryResponse(ent, api.SourceNetwork), nil
	}

	rec, cerr := e.store.GetAPIResponse(ctx, req.URL)
	if cerr == nil {
		metrics.CacheHitsTotal.WithLabelValues("api").Inc()
		if e.notifier != nil {
			e.notifier.UsingCachedData(req.URL)
		}
		return jsonResponse(200, rec.Body, api.SourceCache, true), nil
	}

	return offlineFallback(req.URL), nil
}

// handleMutation tries the network directly; a transport failure enqueues
// the write and synthesizes an accepted-offline-pending success so the page
// treats it exactly like a real success.
func (e *Engine) handleMutation(ctx context.Context, req api.FetchRequest) (api.FetchResponse, error) {
	resp, err := e.doUpstream(ctx, req.Method, req.URL, req.Headers, req.Body)
	if err == nil {
		ent, rerr := entryFromResponse(resp)
		if rerr != nil {
			return api.FetchResponse{}, rerr
		}
		// A replayed sync carries the marker header; persist its response
		// under the base path so the record is readable offline later.
		if hasSyncMarker(req.Headers) && ent.Status >= 200 && ent.Status < 300 && json.Valid(ent.Body) {
			if perr := e.store.PutAPIResponse(ctx, basePath(req.URL), json.RawMessage(ent.Body)); perr != nil {
				e.log.Warn("replay response store failed", zap.String("url", req.URL), zap.Error(perr))
			}
		}
		return entryResponse(ent, api.SourceNetwork), nil
	}

	body := req.Body
	if len(body) > 0 && !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		body = quoted
	}
	pending := model.PendingRequest{
		URL:        req.URL,
		Method:     req.Method,
		Headers:    req.Headers,
		Body:       body,
		SyncType:   classify.SyncTypeFor(req.URL),
		EnqueuedAt: time.Now().UTC(),
	}
	if err := e.store.EnqueuePending(ctx, pending); err != nil {
		return api.FetchResponse{}, err
	}

	count, cerr := e.store.CountPending(ctx)
	if cerr == nil {
		metrics.PendingQueueDepth.Set(float64(count))
		if e.notifier != nil {
			e.notifier.PendingCount(count)
		}
	}
	if e.requestSync != nil {
		e.requestSync()
	}
	e.log.Info("mutation queued for sync",
		zap.String("method", req.Method),
		zap.String("url", req.URL),
		zap.String("sync_type", pending.SyncType))

	return queuedResponse(), nil
}

// handleOther is cache-first with network fallback and opportunistic
// caching of 200s.
func (e *Engine) handleOther(ctx context.Context, req api.FetchRequest) (api.FetchResponse, error) {
	if ent, ok, err := e.blobs.Get(req.URL); err == nil && ok {
		metrics.CacheHitsTotal.WithLabelValues("static").Inc()
		return entryResponse(ent, api.SourceCache), nil
	}
	resp, err := e.doUpstream(ctx, req.Method, req.URL, req.Headers, req.Body)
	if err != nil {
		return networkUnavailable(), nil
	}
	ent, rerr := entryFromResponse(resp)
	if rerr != nil {
		return api.FetchResponse{}, rerr
	}
	if ent.Status == 200 && req.Method == http.MethodGet {
		if perr := e.blobs.Put(req.URL, ent); perr != nil {
			e.log.Warn("opportunistic cache store failed", zap.String("url", req.URL), zap.Error(perr))
		}
	}
	return entryResponse(ent, api.SourceNetwork), nil
}

// handlePassthrough forwards without touching any cache.
func (e *Engine) handlePassthrough(ctx context.Context, req api.FetchRequest) (api.FetchResponse, error) {
	resp, err := e.doUpstream(ctx, req.Method, req.URL, req.Headers, req.Body)
	if err != nil {
		return networkUnavailable(), nil
	}
	ent, rerr := entryFromResponse(resp)
	if rerr != nil {
		return api.FetchResponse{}, rerr
	}
	return entryResponse(ent, api.SourceNetwork), nil
}

// ── network plumbing ─────────────────────────────────────────────────────

func (e *Engine) doUpstream(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) (*http.Response, error) {
	target := rawURL
	if strings.HasPrefix(rawURL, "/") {
		target = strings.TrimRight(e.cfg.UpstreamURL, "/") + rawURL
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
	return e.client.Do(req)
}

func (e *Engine) revalidate(url string) {
	ctx, cancel := context.WithTimeout(context.Background(), revalidateTimeout)
	defer cancel()
	resp, err := e.doUpstream(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return
	}
	ent, err := entryFromResponse(resp)
	if err != nil || ent.Status != 200 {
		return
	}
	if err := e.blobs.Put(url, ent); err != nil {
		e.log.Debug("revalidate store failed", zap.String("url", url), zap.Error(err))
	}
}

func (e *Engine) offlinePage() api.FetchResponse {
	body := []byte(defaultOfflinePage)
	if e.cfg.OfflinePagePath != "" {
		if b, err := os.ReadFile(e.cfg.OfflinePagePath); err == nil {
			body = b
		}
	}
	return api.FetchResponse{
		Status:  200,
		Headers: map[string]string{"Content-Type": "text/html; charset=utf-8"},
		Body:    body,
		Source:  api.SourceOfflinePage,
		Offline: true,
	}
}

// ── response shaping ─────────────────────────────────────────────────────

func entryFromResponse(resp *http.Response) (blobcache.Entry, error) {
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return blobcache.Entry{}, fmt.Errorf("read upstream body: %w", err)
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return blobcache.Entry{Status: resp.StatusCode, Headers: headers, Body: body}, nil
}

func entryResponse(ent blobcache.Entry, source string) api.FetchResponse {
	return api.FetchResponse{
		Status:  ent.Status,
		Headers: ent.Headers,
		Body:    ent.Body,
		Source:  source,
		Offline: source != api.SourceNetwork,
	}
}

func jsonResponse(status int, body []byte, source string, offline bool) api.FetchResponse {
	return api.FetchResponse{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
		Source:  source,
		Offline: offline,
	}
}

func queuedResponse() api.FetchResponse {
	body, _ := json.Marshal(map[string]any{
		"success":     true,
		"offline":     true,
		"pendingSync": true,
		"message":     "Request saved and will sync when online",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
	return jsonResponse(202, body, api.SourceQueued, true)
}

func networkUnavailable() api.FetchResponse {
	body, _ := json.Marshal(map[string]any{
		"success": false,
		"offline": true,
		"message": "network unavailable",
	})
	return jsonResponse(503, body, api.SourceFallback, true)
}

func serviceUnavailable() api.FetchResponse {
	body, _ := json.Marshal(map[string]any{
		"error":   "Service temporarily unavailable",
		"offline": true,
	})
	return jsonResponse(503, body, api.SourceFallback, true)
}

func hasSyncMarker(headers map[string]string) bool {
	for k, v := range headers {
		if strings.EqualFold(k, model.SyncMarkerHeader) && v == "true" {
			return true
		}
	}
	return false
}

// basePath strips query and fragment: origin plus pathname only.
func basePath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

const defaultOfflinePage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>Your data is safe. Changes made offline will sync automatically when the connection returns.</p>
</body>
</html>`
