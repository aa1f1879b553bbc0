package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/fitsync/fitsync/internal/api"
	"github.com/fitsync/fitsync/internal/model"
)

// wsPair dials the test server and returns both ends of the connection.
func wsPair(t *testing.T, ts *httptest.Server, accepted <-chan *websocket.Conn) (client, server *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") }) //nolint:errcheck
	return c, <-accepted
}

func TestBroadcastDropsFailedClientKeepsHealthyOne(t *testing.T) {
	h := newHub(nil)

	accepted := make(chan *websocket.Conn, 2)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
		<-r.Context().Done()
	}))
	defer ts.Close()

	healthyClient, healthyServer := wsPair(t, ts, accepted)
	_, deadServer := wsPair(t, ts, accepted)

	// The dead peer is already closed, so its broadcast write fails.
	deadServer.CloseNow() //nolint:errcheck

	h.mu.Lock()
	h.clients[healthyServer] = struct{}{}
	h.clients[deadServer] = struct{}{}
	h.mu.Unlock()

	h.PendingCount(3)

	h.mu.Lock()
	_, deadStill := h.clients[deadServer]
	_, healthyStill := h.clients[healthyServer]
	h.mu.Unlock()
	require.False(t, deadStill)
	require.True(t, healthyStill)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, payload, err := healthyClient.Read(ctx)
	require.NoError(t, err)

	var line api.EventLine
	require.NoError(t, json.Unmarshal(payload, &line))
	require.Equal(t, model.MsgPendingChangesCount, line.Type)
	require.NotNil(t, line.Count)
	require.Equal(t, 3, *line.Count)
	require.Equal(t, int64(1), line.Sequence)
	require.Equal(t, h.streamID, line.StreamID)
}
