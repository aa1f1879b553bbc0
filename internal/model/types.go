package model

import (
	"encoding/json"
	"time"
)

// RequestClass is the category assigned to an intercepted request.
type RequestClass string

const (
	ClassNavigation  RequestClass = "navigation"
	ClassStaticAsset RequestClass = "static-asset"
	ClassAPI         RequestClass = "api"
	ClassOther       RequestClass = "other"
	ClassIgnored     RequestClass = "ignored"
)

// SyncPriority is the fixed replay order for queued mutations. Writes that
// other resources depend on (auth, profile) land before dependent ones.
var SyncPriority = []string{
	"auth",
	"profile",
	"settings",
	"goals",
	"exercises",
	"food",
	"foods",
	"water",
	"calories",
	"nutrition",
	"workouts",
	"routines",
	"progress",
	"recipes",
	"subscription",
	"other",
}

// SyncPriorityRank maps a sync type to its position in SyncPriority.
// Unknown types rank with "other".
func SyncPriorityRank(syncType string) int {
	for i, t := range SyncPriority {
		if t == syncType {
			return i
		}
	}
	return len(SyncPriority) - 1
}

// PendingRequest is a durable record of a mutation that could not reach the
// network. The key embeds the enqueue timestamp, so repeated identical calls
// stay distinct and all replay (at-least-once, no coalescing).
type PendingRequest struct {
	Key        string
	URL        string
	Method     string
	Headers    map[string]string
	Body       json.RawMessage
	SyncType   string
	EnqueuedAt time.Time
}

// CachedAPIResponse is a JSON payload stored under its canonical request
// URL. At most one entry per URL; last write wins.
type CachedAPIResponse struct {
	URL       string
	Body      json.RawMessage
	NeedsSync bool
	StoredAt  time.Time
}

// SyncResult is the per-pass tally broadcast to page clients. Not persisted.
type SyncResult struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

func (r SyncResult) Add(other SyncResult) SyncResult {
	return SyncResult{Success: r.Success + other.Success, Failure: r.Failure + other.Failure}
}

// AppState is the page-side view of the offline layer. Rebuilt fresh on
// every page load; the queue is the source of truth, not this.
type AppState struct {
	Online           bool
	WorkerRegistered bool
	PendingCount     int
	LastSyncAt       *time.Time
	IndicatorVisible bool
}

// Message types exchanged between page and worker. The strings are the wire
// contract and must not change.
const (
	MsgSkipWaiting            = "SKIP_WAITING"
	MsgStoreOfflineData       = "STORE_OFFLINE_DATA"
	MsgClearAuthCache         = "CLEAR_AUTH_CACHE"
	MsgStorePendingRequest    = "STORE_PENDING_REQUEST"
	MsgTriggerSync            = "TRIGGER_SYNC"
	MsgGetPendingChangesCount = "GET_PENDING_CHANGES_COUNT"
	MsgUpdatePendingCount     = "UPDATE_PENDING_COUNT"
	MsgGetCachedData          = "GET_CACHED_DATA"

	MsgAuthCacheCleared    = "AUTH_CACHE_CLEARED"
	MsgSyncCompleted       = "SYNC_COMPLETED"
	MsgSyncError           = "SYNC_ERROR"
	MsgAPIDataUpdated      = "API_DATA_UPDATED"
	MsgUsingCachedData     = "USING_CACHED_DATA"
	MsgPendingChangesCount = "PENDING_CHANGES_COUNT"
)

// SyncMarkerHeader tags a replayed request so the origin and the engine can
// tell it apart from a live page request.
const SyncMarkerHeader = "X-Offline-Sync"

// NeedsSyncField is the internal flag carried inside a cached JSON body that
// marks the record for re-submission on the next sync pass.
const NeedsSyncField = "needsSync"

// Error codes defined by the message API contract.
const (
	ErrUnknownMessage = "E_UNKNOWN_MESSAGE"
	ErrKeyRequired    = "E_KEY_REQUIRED"
	ErrNotFound       = "E_NOT_FOUND"
	ErrStoreFailed    = "E_STORE_FAILED"
	ErrSyncRunning    = "E_SYNC_RUNNING"
	ErrBadRequest     = "E_BAD_REQUEST"
	ErrInternal       = "E_INTERNAL"
)
