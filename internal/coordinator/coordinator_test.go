package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fitsync/fitsync/internal/api"
	"github.com/fitsync/fitsync/internal/blobcache"
	"github.com/fitsync/fitsync/internal/config"
	"github.com/fitsync/fitsync/internal/pageclient"
	"github.com/fitsync/fitsync/internal/store"
	"github.com/fitsync/fitsync/internal/worker"
)

type indicatorLog struct {
	mu     sync.Mutex
	states []bool
}

func (l *indicatorLog) record(visible bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, visible)
}

func (l *indicatorLog) snapshot() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]bool, len(l.states))
	copy(out, l.states)
	return out
}

func newCoordinatorFixture(t *testing.T, handlers Handlers) (*Coordinator, *store.Store) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, store.ApplyMigrations(ctx, st.DB()))

	blobs, err := blobcache.Open(filepath.Join(t.TempDir(), "blobs"), "v3")
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() }) //nolint:errcheck

	cfg := config.DefaultConfig()
	// Dead upstream: the worker is reachable, the origin is not.
	deadSrv := httptest.NewServer(http.NotFoundHandler())
	deadSrv.Close()
	cfg.UpstreamURL = deadSrv.URL
	cfg.IndicatorHideAfter = 20 * time.Millisecond

	srv := worker.NewServer(cfg, st, blobs, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client := pageclient.NewWithClient(ts.URL, nil)
	return New(cfg, client, nil, handlers), st
}

func TestRegisterHandshake(t *testing.T) {
	c, _ := newCoordinatorFixture(t, Handlers{})
	ctx := context.Background()

	require.NoError(t, c.Register(ctx))
	state := c.State()
	require.True(t, state.WorkerRegistered)
	require.True(t, state.Online)
	require.Zero(t, state.PendingCount)
}

func TestStoreAndReadOfflineData(t *testing.T) {
	c, _ := newCoordinatorFixture(t, Handlers{})
	ctx := context.Background()

	require.NoError(t, c.StoreOfflineData(ctx, "profile-draft", json.RawMessage(`{"name":"ada"}`)))

	data, err := c.CachedData(ctx, "profile-draft")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"ada"}`, string(data))

	_, err = c.CachedData(ctx, "missing")
	require.ErrorIs(t, err, ErrNoCachedData)
}

func TestFetchWithOfflineSupportQueuesMutations(t *testing.T) {
	c, st := newCoordinatorFixture(t, Handlers{})
	ctx := context.Background()

	// Known-offline mutation short-circuits into the queue.
	resp, err := c.FetchWithOfflineSupport(ctx, api.FetchRequest{
		URL:    "/api/water/log",
		Method: "POST",
		Body:   []byte(`{"amount":250}`),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.Status)
	require.Equal(t, api.SourceQueued, resp.Source)
	require.True(t, resp.Offline)

	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	require.Equal(t, true, body["success"])
	require.Equal(t, true, body["pendingSync"])

	count, err := st.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, 1, c.State().PendingCount)
}

func TestFetchWithOfflineSupportRoutesReadsThroughWorker(t *testing.T) {
	c, _ := newCoordinatorFixture(t, Handlers{})
	ctx := context.Background()

	// Reads go through the worker even while offline; the typed fallback
	// answers when there is no cached copy.
	resp, err := c.FetchWithOfflineSupport(ctx, api.FetchRequest{URL: "/api/water/today", Method: "GET"})
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)
	require.Equal(t, api.SourceFallback, resp.Source)
}

func TestIndicatorLifecycle(t *testing.T) {
	indicators := &indicatorLog{}
	c, _ := newCoordinatorFixture(t, Handlers{OnIndicator: indicators.record})
	ctx := context.Background()

	c.SetOnline(ctx, false)
	require.True(t, c.State().IndicatorVisible)
	require.Equal(t, []bool{true}, indicators.snapshot())

	// Back online: sync is triggered and the indicator lingers briefly.
	c.SetOnline(ctx, true)
	require.True(t, c.State().Online)
	require.True(t, c.State().IndicatorVisible)

	require.Eventually(t, func() bool {
		return !c.State().IndicatorVisible
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{true, false}, indicators.snapshot())
}

func TestTriggerSyncRecordsLastSyncAt(t *testing.T) {
	c, _ := newCoordinatorFixture(t, Handlers{})
	ctx := context.Background()

	results, err := c.TriggerSync(ctx)
	require.NoError(t, err)
	require.Zero(t, results.Success)
	require.Zero(t, results.Failure)
	require.NotNil(t, c.State().LastSyncAt)
}

func TestRefreshPendingCountInvokesCallback(t *testing.T) {
	var mu sync.Mutex
	var counts []int
	c, st := newCoordinatorFixture(t, Handlers{OnPendingCount: func(n int) {
		mu.Lock()
		defer mu.Unlock()
		counts = append(counts, n)
	}})
	ctx := context.Background()

	require.NoError(t, c.RegisterPendingRequest(ctx, "/api/foods", "POST", nil, json.RawMessage(`{}`)))
	n, err := c.RefreshPendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1}, counts)

	count, err := st.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
