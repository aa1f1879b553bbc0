// Package coordinator is the page-side counterpart of the worker: it tracks
// online state, relays worker broadcasts to app callbacks, drives the
// offline indicator, and wraps mutations so an offline page still gets a
// success-shaped answer.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/api"
	"github.com/fitsync/fitsync/internal/classify"
	"github.com/fitsync/fitsync/internal/config"
	"github.com/fitsync/fitsync/internal/model"
	"github.com/fitsync/fitsync/internal/pageclient"
)

var (
	ErrNoCachedData = errors.New("no cached data")
	ErrSyncRunning  = errors.New("sync already running")
)

// Handlers are app-supplied callbacks for worker broadcasts and indicator
// transitions. Nil fields are skipped.
type Handlers struct {
	OnSyncCompleted    func(results api.SyncResults, at time.Time)
	OnSyncError        func(message string, at time.Time)
	OnDataUpdated      func(url string)
	OnUsingCachedData  func(url string)
	OnPendingCount     func(count int)
	OnAuthCacheCleared func(at time.Time)
	OnIndicator        func(visible bool)
}

type Coordinator struct {
	cfg      config.Config
	client   *pageclient.Client
	log      *zap.Logger
	handlers Handlers

	mu        sync.Mutex
	state     model.AppState
	hideTimer *time.Timer
}

func New(cfg config.Config, client *pageclient.Client, log *zap.Logger, handlers Handlers) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{cfg: cfg, client: client, log: log, handlers: handlers}
}

// State returns a snapshot of the page-side view.
func (c *Coordinator) State() model.AppState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Register performs the worker handshake: health check, then the
// activation message. The pending badge is refreshed best-effort.
func (c *Coordinator) Register(ctx context.Context) error {
	if _, err := c.client.Health(ctx); err != nil {
		return fmt.Errorf("worker health check: %w", err)
	}
	if _, err := c.client.Send(ctx, api.Message{Type: model.MsgSkipWaiting}); err != nil {
		return fmt.Errorf("activate worker: %w", err)
	}
	c.mu.Lock()
	c.state.WorkerRegistered = true
	c.state.Online = true
	c.mu.Unlock()
	if _, err := c.RefreshPendingCount(ctx); err != nil {
		c.log.Debug("initial pending count refresh failed", zap.Error(err))
	}
	return nil
}

// Start relays worker broadcasts into the handler callbacks until ctx is
// cancelled. Reconnects are handled by the underlying listener.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.client.Listen(ctx, pageclient.ListenOptions{}, c.onEvent)
}

func (c *Coordinator) onEvent(line api.EventLine) error {
	switch line.Type {
	case model.MsgSyncCompleted:
		c.mu.Lock()
		at := line.Timestamp
		c.state.LastSyncAt = &at
		c.mu.Unlock()
		if c.handlers.OnSyncCompleted != nil && line.Results != nil {
			c.handlers.OnSyncCompleted(*line.Results, line.Timestamp)
		}
	case model.MsgSyncError:
		if c.handlers.OnSyncError != nil {
			c.handlers.OnSyncError(line.Error, line.Timestamp)
		}
	case model.MsgAPIDataUpdated:
		if c.handlers.OnDataUpdated != nil {
			c.handlers.OnDataUpdated(line.URL)
		}
	case model.MsgUsingCachedData:
		if c.handlers.OnUsingCachedData != nil {
			c.handlers.OnUsingCachedData(line.URL)
		}
	case model.MsgPendingChangesCount:
		if line.Count != nil {
			c.mu.Lock()
			c.state.PendingCount = *line.Count
			c.mu.Unlock()
			if c.handlers.OnPendingCount != nil {
				c.handlers.OnPendingCount(*line.Count)
			}
		}
	case model.MsgAuthCacheCleared:
		if c.handlers.OnAuthCacheCleared != nil {
			c.handlers.OnAuthCacheCleared(line.Timestamp)
		}
	default:
		c.log.Debug("unhandled event", zap.String("type", line.Type))
	}
	return nil
}

// SetOnline records a connectivity transition. Going offline shows the
// indicator immediately; coming back online triggers a sync and hides the
// indicator after the configured delay so the user sees the reconnect.
func (c *Coordinator) SetOnline(ctx context.Context, online bool) {
	c.mu.Lock()
	was := c.state.Online
	c.state.Online = online
	if c.hideTimer != nil {
		c.hideTimer.Stop()
		c.hideTimer = nil
	}
	var showIndicator bool
	if !online {
		showIndicator = !c.state.IndicatorVisible
		c.state.IndicatorVisible = true
	}
	if online && !was {
		c.hideTimer = time.AfterFunc(c.cfg.IndicatorHideAfter, c.hideIndicator)
	}
	c.mu.Unlock()

	if showIndicator && c.handlers.OnIndicator != nil {
		c.handlers.OnIndicator(true)
	}
	if online && !was {
		if _, err := c.TriggerSync(ctx); err != nil && !errors.Is(err, ErrSyncRunning) {
			c.log.Warn("reconnect sync failed", zap.Error(err))
		}
	}
}

func (c *Coordinator) hideIndicator() {
	c.mu.Lock()
	hidden := c.state.IndicatorVisible
	c.state.IndicatorVisible = false
	c.hideTimer = nil
	c.mu.Unlock()
	if hidden && c.handlers.OnIndicator != nil {
		c.handlers.OnIndicator(false)
	}
}

// VisibilityRegained is the tab-refocus hook: when online, it refreshes the
// pending badge and kicks a sync in case changes accrued while hidden.
func (c *Coordinator) VisibilityRegained(ctx context.Context) {
	if !c.State().Online {
		return
	}
	if _, err := c.RefreshPendingCount(ctx); err != nil {
		c.log.Debug("pending count refresh failed", zap.Error(err))
	}
	if _, err := c.TriggerSync(ctx); err != nil && !errors.Is(err, ErrSyncRunning) {
		c.log.Warn("visibility sync failed", zap.Error(err))
	}
}

// StoreOfflineData persists app data under key for later offline reads.
func (c *Coordinator) StoreOfflineData(ctx context.Context, key string, data json.RawMessage) error {
	reply, err := c.client.Send(ctx, api.Message{Type: model.MsgStoreOfflineData, Key: key, Data: data})
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("store offline data: %s", reply.Error)
	}
	return nil
}

// CachedData reads back data stored under key.
func (c *Coordinator) CachedData(ctx context.Context, key string) (json.RawMessage, error) {
	reply, err := c.client.Send(ctx, api.Message{Type: model.MsgGetCachedData, Key: key})
	if err != nil {
		return nil, err
	}
	if !reply.OK {
		if reply.Error == model.ErrNotFound {
			return nil, ErrNoCachedData
		}
		return nil, fmt.Errorf("get cached data: %s", reply.Error)
	}
	return reply.Data, nil
}

// RegisterPendingRequest queues a mutation for replay on the next sync.
func (c *Coordinator) RegisterPendingRequest(ctx context.Context, url, method string, headers map[string]string, body json.RawMessage) error {
	reply, err := c.client.Send(ctx, api.Message{
		Type:    model.MsgStorePendingRequest,
		URL:     url,
		Method:  method,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("register pending request: %s", reply.Error)
	}
	if reply.Count != nil {
		c.mu.Lock()
		c.state.PendingCount = *reply.Count
		c.mu.Unlock()
	}
	return nil
}

// TriggerSync runs a synchronous pass and returns the tally.
func (c *Coordinator) TriggerSync(ctx context.Context) (api.SyncResults, error) {
	reply, err := c.client.Send(ctx, api.Message{Type: model.MsgTriggerSync})
	if err != nil {
		return api.SyncResults{}, err
	}
	if !reply.OK {
		if reply.Error == model.ErrSyncRunning {
			return api.SyncResults{}, ErrSyncRunning
		}
		return api.SyncResults{}, fmt.Errorf("trigger sync: %s", reply.Error)
	}
	var results api.SyncResults
	if len(reply.Data) > 0 {
		if err := json.Unmarshal(reply.Data, &results); err != nil {
			return api.SyncResults{}, fmt.Errorf("decode sync results: %w", err)
		}
	}
	if reply.Timestamp != nil {
		c.mu.Lock()
		c.state.LastSyncAt = reply.Timestamp
		c.mu.Unlock()
	}
	return results, nil
}

// RefreshPendingCount fetches the authoritative queue depth from the worker.
func (c *Coordinator) RefreshPendingCount(ctx context.Context) (int, error) {
	reply, err := c.client.Send(ctx, api.Message{Type: model.MsgGetPendingChangesCount})
	if err != nil {
		return 0, err
	}
	if !reply.OK || reply.Count == nil {
		return 0, fmt.Errorf("get pending count: %s", reply.Error)
	}
	c.mu.Lock()
	c.state.PendingCount = *reply.Count
	c.mu.Unlock()
	if c.handlers.OnPendingCount != nil {
		c.handlers.OnPendingCount(*reply.Count)
	}
	return *reply.Count, nil
}

// FetchWithOfflineSupport routes a request through the worker. A known
// offline state short-circuits mutations straight into the queue and
// synthesizes the same accepted-offline-pending answer the worker would.
func (c *Coordinator) FetchWithOfflineSupport(ctx context.Context, req api.FetchRequest) (api.FetchResponse, error) {
	if !c.State().Online && classify.IsMutation(req.Method) {
		if err := c.RegisterPendingRequest(ctx, req.URL, req.Method, req.Headers, req.Body); err != nil {
			return api.FetchResponse{}, err
		}
		body, _ := json.Marshal(map[string]any{
			"success":     true,
			"offline":     true,
			"pendingSync": true,
			"message":     "Request saved and will sync when online",
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		})
		return api.FetchResponse{
			Status:  http.StatusAccepted,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    body,
			Source:  api.SourceQueued,
			Offline: true,
		}, nil
	}
	return c.client.FetchThrough(ctx, req)
}
