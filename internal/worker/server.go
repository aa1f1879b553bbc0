// Package worker runs the offline daemon: the unix-socket HTTP surface the
// page coordinator talks to, the fetch strategy engine behind it, and the
// background sync and connectivity loops.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/api"
	"github.com/fitsync/fitsync/internal/blobcache"
	"github.com/fitsync/fitsync/internal/config"
	"github.com/fitsync/fitsync/internal/engine"
	"github.com/fitsync/fitsync/internal/metrics"
	"github.com/fitsync/fitsync/internal/model"
	"github.com/fitsync/fitsync/internal/store"
	"github.com/fitsync/fitsync/internal/syncengine"
)

type Server struct {
	cfg     config.Config
	log     *zap.Logger
	httpSrv *http.Server

	store  *store.Store
	blobs  *blobcache.Cache
	engine *engine.Engine
	syncer *syncengine.Engine
	hub    *hub

	// upstreamOK is the last connectivity probe verdict.
	upstreamOK atomic.Bool

	// syncRequests carries enqueue-triggered sync wakeups; capacity one so
	// a burst collapses into a single pending pass.
	syncRequests chan struct{}

	handlers map[string]messageHandler

	mu          sync.Mutex
	listener    net.Listener
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, st *store.Store, blobs *blobcache.Cache, log *zap.Logger) *Server {
	return NewServerWithClient(cfg, st, blobs, nil, log)
}

// NewServerWithClient lets tests inject the upstream HTTP client.
func NewServerWithClient(cfg config.Config, st *store.Store, blobs *blobcache.Cache, client *http.Client, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	mux := http.NewServeMux()
	s := &Server{
		cfg:   cfg,
		log:   log,
		store: st,
		blobs: blobs,
		hub:   newHub(log),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		syncRequests: make(chan struct{}, 1),
	}
	s.syncer = syncengine.New(cfg, st, client, log, s.hub)
	s.engine = engine.New(cfg, st, blobs, client, log, s.hub, s.requestSync)
	s.handlers = map[string]messageHandler{
		model.MsgSkipWaiting:            s.handleSkipWaiting,
		model.MsgStoreOfflineData:       s.handleStoreOfflineData,
		model.MsgClearAuthCache:         s.handleClearAuthCache,
		model.MsgStorePendingRequest:    s.handleStorePendingRequest,
		model.MsgTriggerSync:            s.handleTriggerSync,
		model.MsgGetPendingChangesCount: s.handleGetPendingCount,
		model.MsgUpdatePendingCount:     s.handleUpdatePendingCount,
		model.MsgGetCachedData:          s.handleGetCachedData,
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/fetch", s.fetchHandler)
	mux.HandleFunc("/v1/message", s.messageHandler)
	mux.HandleFunc("/v1/events", s.hub.Serve)
	mux.Handle("/metrics", metrics.Handler())
	return s
}

// Handler exposes the HTTP surface for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Engine exposes the fetch engine for install-time precaching.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// Start listens on the unix socket and serves until ctx is cancelled. The
// background sync and probe loops run for the lifetime of ctx.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go s.syncLoop(ctx)
	go s.probeLoop(ctx)
	go s.syncWorker(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.Info("worker listening",
		zap.String("socket", s.cfg.SocketPath),
		zap.String("cache_version", s.cfg.CacheVersion))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

// ── HTTP handlers ────────────────────────────────────────────────────────

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		CacheVersion:  s.cfg.CacheVersion,
		UpstreamOK:    s.upstreamOK.Load(),
	}
	if count, err := s.store.CountPending(r.Context()); err == nil {
		resp.PendingCount = count
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// fetchHandler routes an intercepted page request through the strategy
// engine. The transport always answers 200; the application status rides
// inside the FetchResponse.
func (s *Server) fetchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.FetchRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrBadRequest, "url is required")
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	resp := s.engine.Handle(r.Context(), req)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var msg api.Message
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrBadRequest, "invalid request body")
		return
	}
	handler, ok := s.handlers[msg.Type]
	if !ok {
		s.writeError(w, http.StatusBadRequest, model.ErrUnknownMessage, fmt.Sprintf("unknown message type: %s", msg.Type))
		return
	}
	reply := handler(r.Context(), msg)
	reply.SchemaVersion = api.SchemaVersion
	reply.GeneratedAt = time.Now().UTC()
	s.writeJSON(w, http.StatusOK, reply)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error:         api.APIError{Code: code, Message: message},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrBadRequest, "method not allowed")
}
