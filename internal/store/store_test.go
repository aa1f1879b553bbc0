package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fitsync/fitsync/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	st, err := Open(ctx, filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, ApplyMigrations(ctx, st.DB()))
	return st
}

func TestPutGetAPIResponse(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	body := json.RawMessage(`{"total":500,"goal":2000}`)
	require.NoError(t, st.PutAPIResponse(ctx, "/api/water/today", body))

	rec, err := st.GetAPIResponse(ctx, "/api/water/today")
	require.NoError(t, err)
	require.JSONEq(t, string(body), string(rec.Body))
	require.False(t, rec.NeedsSync)
	require.False(t, rec.StoredAt.IsZero())

	// Last write wins.
	require.NoError(t, st.PutAPIResponse(ctx, "/api/water/today", json.RawMessage(`{"total":750}`)))
	rec, err = st.GetAPIResponse(ctx, "/api/water/today")
	require.NoError(t, err)
	require.JSONEq(t, `{"total":750}`, string(rec.Body))

	_, err = st.GetAPIResponse(ctx, "/api/missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNeedsSyncColumnMirrorsBodyFlag(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	require.NoError(t, st.PutAPIResponse(ctx, "/api/goals", json.RawMessage(`{"goals":[],"needsSync":true}`)))
	require.NoError(t, st.PutAPIResponse(ctx, "/api/profile", json.RawMessage(`{"profile":null}`)))
	require.NoError(t, st.PutAPIResponse(ctx, "/api/settings", json.RawMessage(`{"needsSync":false}`)))

	dirty, err := st.ListNeedsSync(ctx)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	require.Equal(t, "/api/goals", dirty[0].URL)
	require.True(t, dirty[0].NeedsSync)

	// Clearing the flag in the body clears the listing.
	require.NoError(t, st.PutAPIResponse(ctx, "/api/goals", json.RawMessage(`{"goals":[]}`)))
	dirty, err = st.ListNeedsSync(ctx)
	require.NoError(t, err)
	require.Empty(t, dirty)
}

func TestEnqueueCountDeletePending(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	req := model.PendingRequest{
		URL:      "/api/workouts",
		Method:   "post",
		Headers:  map[string]string{"Content-Type": "application/json"},
		Body:     json.RawMessage(`{"name":"legs"}`),
		SyncType: "workouts",
	}
	require.NoError(t, st.EnqueuePending(ctx, req))

	count, err := st.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	entries, err := st.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "POST", entries[0].Method)
	require.NotEmpty(t, entries[0].Key)
	require.Equal(t, "application/json", entries[0].Headers["Content-Type"])

	require.NoError(t, st.DeletePending(ctx, entries[0].Key))
	count, err = st.CountPending(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	// Deleting a missing key is a no-op.
	require.NoError(t, st.DeletePending(ctx, entries[0].Key))
}

func TestEnqueuePendingKeepsDuplicates(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, st.EnqueuePending(ctx, model.PendingRequest{
			URL:        "/api/water/log",
			Method:     "POST",
			Body:       json.RawMessage(`{"amount":250}`),
			SyncType:   "water",
			EnqueuedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}
	count, err := st.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestListPendingPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	base := time.Now().UTC()
	enqueue := func(url, syncType string, offset time.Duration) {
		require.NoError(t, st.EnqueuePending(ctx, model.PendingRequest{
			URL:        url,
			Method:     "POST",
			SyncType:   syncType,
			EnqueuedAt: base.Add(offset),
		}))
	}
	// Insertion order is deliberately the reverse of replay priority.
	enqueue("/api/water/log", "water", 0)
	enqueue("/api/foods", "foods", time.Millisecond)
	enqueue("/api/auth/refresh", "auth", 2*time.Millisecond)
	enqueue("/api/water/goal", "water", 3*time.Millisecond)
	enqueue("/api/custom", "unknown-type", 4*time.Millisecond)

	entries, err := st.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	gotTypes := make([]string, 0, len(entries))
	for _, e := range entries {
		gotTypes = append(gotTypes, e.SyncType)
	}
	require.Equal(t, []string{"auth", "foods", "water", "water", "unknown-type"}, gotTypes)
	// FIFO within the same type.
	require.Equal(t, "/api/water/log", entries[2].URL)
	require.Equal(t, "/api/water/goal", entries[3].URL)
}

func TestPurgeAuthEntriesAndPending(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	require.NoError(t, st.PutAPIResponse(ctx, "/api/auth/me", json.RawMessage(`{"id":1}`)))
	require.NoError(t, st.PutAPIResponse(ctx, "/api/user/settings", json.RawMessage(`{}`)))
	require.NoError(t, st.PutAPIResponse(ctx, "/api/session/current", json.RawMessage(`{}`)))
	require.NoError(t, st.PutAPIResponse(ctx, "/api/water/today", json.RawMessage(`{"total":0}`)))

	removed, err := st.PurgeAuthEntries(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, removed)

	_, err = st.GetAPIResponse(ctx, "/api/water/today")
	require.NoError(t, err)
	_, err = st.GetAPIResponse(ctx, "/api/auth/me")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.EnqueuePending(ctx, model.PendingRequest{URL: "/api/auth/logout", Method: "POST", SyncType: "auth"}))
	require.NoError(t, st.EnqueuePending(ctx, model.PendingRequest{URL: "/api/workouts", Method: "POST", SyncType: "workouts"}))

	removedPending, err := st.PurgeAuthPending(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, removedPending)

	count, err := st.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestActivateVersionClearsCacheKeepsQueue(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	// First activation records the version without rotating.
	rotated, err := st.ActivateVersion(ctx, "v3")
	require.NoError(t, err)
	require.False(t, rotated)

	require.NoError(t, st.PutAPIResponse(ctx, "/api/goals", json.RawMessage(`{"goals":[]}`)))
	require.NoError(t, st.EnqueuePending(ctx, model.PendingRequest{URL: "/api/goals", Method: "PUT", SyncType: "goals"}))

	// Same version again is a no-op.
	rotated, err = st.ActivateVersion(ctx, "v3")
	require.NoError(t, err)
	require.False(t, rotated)
	_, err = st.GetAPIResponse(ctx, "/api/goals")
	require.NoError(t, err)

	rotated, err = st.ActivateVersion(ctx, "v4")
	require.NoError(t, err)
	require.True(t, rotated)

	_, err = st.GetAPIResponse(ctx, "/api/goals")
	require.ErrorIs(t, err, ErrNotFound)

	count, err := st.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count, "pending queue must survive version rotation")
}

func TestPendingKey(t *testing.T) {
	at := time.UnixMilli(1700000000000).UTC()
	key := PendingKey("post", "/api/water/log", at)
	require.Equal(t, "POST-/api/water/log-1700000000000", key)
}
