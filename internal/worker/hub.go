package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/fitsync/fitsync/internal/api"
	"github.com/fitsync/fitsync/internal/model"
)

const broadcastWriteTimeout = 5 * time.Second

// hub fans worker→page notifications out to every connected event-stream
// client. It is the postMessage broadcast channel of the worker.
type hub struct {
	log      *zap.Logger
	streamID string
	sequence atomic.Int64

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func newHub(log *zap.Logger) *hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &hub{
		log:      log,
		streamID: uuid.NewString(),
		clients:  map[*websocket.Conn]struct{}{},
	}
}

// Serve upgrades the request to a websocket and keeps it registered until
// the client goes away. Clients only read; inbound frames are discarded.
func (h *hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()

	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck
}

func (h *hub) broadcast(line api.EventLine) {
	line.SchemaVersion = api.SchemaVersion
	line.GeneratedAt = time.Now().UTC()
	line.StreamID = h.streamID
	line.Sequence = h.sequence.Add(1)
	if line.Timestamp.IsZero() {
		line.Timestamp = line.GeneratedAt
	}

	payload, err := json.Marshal(line)
	if err != nil {
		h.log.Warn("encode event line", zap.Error(err))
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), broadcastWriteTimeout)
		err := c.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			h.log.Debug("drop slow event client", zap.Error(err))
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
			c.CloseNow() //nolint:errcheck
		}
	}
}

// ── engine.Notifier ──────────────────────────────────────────────────────

func (h *hub) DataUpdated(url string) {
	h.broadcast(api.EventLine{Type: model.MsgAPIDataUpdated, URL: url})
}

func (h *hub) UsingCachedData(url string) {
	h.broadcast(api.EventLine{Type: model.MsgUsingCachedData, URL: url})
}

func (h *hub) PendingCount(count int) {
	h.broadcast(api.EventLine{Type: model.MsgPendingChangesCount, Count: &count})
}

// ── syncengine.Broadcaster ───────────────────────────────────────────────

func (h *hub) SyncCompleted(results model.SyncResult, at time.Time) {
	h.broadcast(api.EventLine{
		Type:      model.MsgSyncCompleted,
		Results:   &api.SyncResults{Success: results.Success, Failure: results.Failure},
		Timestamp: at,
	})
}

func (h *hub) SyncError(err error, at time.Time) {
	h.broadcast(api.EventLine{Type: model.MsgSyncError, Error: err.Error(), Timestamp: at})
}

func (h *hub) AuthCacheCleared(at time.Time) {
	h.broadcast(api.EventLine{Type: model.MsgAuthCacheCleared, Timestamp: at})
}
