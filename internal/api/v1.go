package api

import (
	"encoding/json"
	"time"
)

const SchemaVersion = "fitsync/v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

// Message is the page→worker envelope, the postMessage analog. Only the
// fields relevant to the given type are populated.
type Message struct {
	Type    string            `json:"type"`
	Key     string            `json:"key,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Count   *int              `json:"count,omitempty"`
}

// MessageReply is the worker's direct answer on the same exchange (the
// reply-port analog). Broadcast-style notifications go over /v1/events.
type MessageReply struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Type          string          `json:"type,omitempty"`
	OK            bool            `json:"ok"`
	Count         *int            `json:"count,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// FetchRequest is an intercepted page request routed through the worker.
// Destination and Mode carry the fetch metadata ("document", "style",
// "navigate", ...) the classifier branches on.
type FetchRequest struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	Destination string            `json:"destination,omitempty"`
	Mode        string            `json:"mode,omitempty"`
}

// FetchResponse is what the worker hands back to the page. Source records
// which strategy produced the body.
type FetchResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	Source  string            `json:"source"`
	Offline bool              `json:"offline,omitempty"`
}

// FetchResponse sources.
const (
	SourceNetwork     = "network"
	SourceCache       = "cache"
	SourceFallback    = "fallback"
	SourceOfflinePage = "offline-page"
	SourceQueued      = "queued"
)

// SyncResults is the success/failure tally attached to SYNC_COMPLETED.
type SyncResults struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// EventLine is one worker→page broadcast on the event stream. Sequence
// numbers are per-stream and monotonic so a reconnecting client can detect
// gaps.
type EventLine struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	StreamID      string       `json:"stream_id"`
	Sequence      int64        `json:"sequence"`
	Type          string       `json:"type"`
	URL           string       `json:"url,omitempty"`
	Count         *int         `json:"count,omitempty"`
	Results       *SyncResults `json:"results,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	Error         string       `json:"error,omitempty"`
}

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	CacheVersion  string    `json:"cache_version"`
	PendingCount  int       `json:"pending_count"`
	UpstreamOK    bool      `json:"upstream_ok"`
}
