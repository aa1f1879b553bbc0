// Package store persists the API-response cache and the pending-write
// queue in sqlite. The worker process is the only writer; page clients go
// through the message API.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fitsync/fitsync/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// ── API cache ────────────────────────────────────────────────────────────

// PutAPIResponse stores body under url, overwriting any previous entry.
// The needs-sync column mirrors the flag inside the JSON body so dirty
// records can be listed without scanning every payload.
func (s *Store) PutAPIResponse(ctx context.Context, url string, body json.RawMessage) error {
	needsSync := bodyNeedsSync(body)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO api_cache(url, body, needs_sync, stored_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(url) DO UPDATE SET
	body=excluded.body,
	needs_sync=excluded.needs_sync,
	stored_at=excluded.stored_at
`, url, string(body), boolToInt(needsSync), ts(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("put api response: %w", err)
	}
	return nil
}

func (s *Store) GetAPIResponse(ctx context.Context, url string) (model.CachedAPIResponse, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT url, body, needs_sync, stored_at FROM api_cache WHERE url = ?
`, url)
	return scanAPIResponse(row)
}

// ListNeedsSync returns every cached record flagged for re-submission.
func (s *Store) ListNeedsSync(ctx context.Context) ([]model.CachedAPIResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT url, body, needs_sync, stored_at FROM api_cache WHERE needs_sync = 1 ORDER BY stored_at
`)
	if err != nil {
		return nil, fmt.Errorf("list needs-sync: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CachedAPIResponse
	for rows.Next() {
		rec, err := scanAPIResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAPIResponse(ctx context.Context, url string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM api_cache WHERE url = ?`, url); err != nil {
		return fmt.Errorf("delete api response: %w", err)
	}
	return nil
}

// authMarkers match cache keys and queue URLs holding user-scoped state.
var authMarkers = []string{"auth", "user", "session"}

// PurgeAuthEntries removes API cache entries whose URL carries an auth,
// user or session marker. Returns the number of rows removed.
func (s *Store) PurgeAuthEntries(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM api_cache WHERE instr(url, 'auth') > 0 OR instr(url, 'user') > 0 OR instr(url, 'session') > 0
`)
	if err != nil {
		return 0, fmt.Errorf("purge auth cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeAuthPending removes queued mutations targeting auth-scoped URLs.
func (s *Store) PurgeAuthPending(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM pending_requests WHERE instr(url, 'auth') > 0 OR instr(url, 'user') > 0 OR instr(url, 'session') > 0
`)
	if err != nil {
		return 0, fmt.Errorf("purge auth pending: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) ClearAPICache(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM api_cache`); err != nil {
		return fmt.Errorf("clear api cache: %w", err)
	}
	return nil
}

// ── Pending-write queue ──────────────────────────────────────────────────

// EnqueuePending inserts a queued mutation. The key scheme
// METHOD-URL-timestamp deliberately keeps repeated identical calls as
// separate entries; nothing is coalesced.
func (s *Store) EnqueuePending(ctx context.Context, req model.PendingRequest) error {
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now().UTC()
	}
	if req.Key == "" {
		req.Key = PendingKey(req.Method, req.URL, req.EnqueuedAt)
	}
	headers, err := json.Marshal(req.Headers)
	if err != nil {
		return fmt.Errorf("marshal pending headers: %w", err)
	}
	var body any
	if len(req.Body) > 0 {
		body = string(req.Body)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO pending_requests(request_key, url, method, headers_json, body_json, sync_type, enqueued_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, req.Key, req.URL, strings.ToUpper(req.Method), string(headers), body, req.SyncType, ts(req.EnqueuedAt))
	if err != nil {
		return fmt.Errorf("enqueue pending: %w", err)
	}
	return nil
}

// ListPending returns every queued entry ordered by sync-type priority,
// then enqueue time. Ordering across entries of the same type is FIFO only
// within a single listing; callers must not rely on more.
func (s *Store) ListPending(ctx context.Context) ([]model.PendingRequest, error) {
	caseExpr := &strings.Builder{}
	caseExpr.WriteString("CASE sync_type")
	args := make([]any, 0, len(model.SyncPriority))
	for i, t := range model.SyncPriority {
		fmt.Fprintf(caseExpr, " WHEN ? THEN %d", i)
		args = append(args, t)
	}
	fmt.Fprintf(caseExpr, " ELSE %d END", len(model.SyncPriority)-1)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT request_key, url, method, headers_json, body_json, sync_type, enqueued_at
FROM pending_requests
ORDER BY %s, enqueued_at, request_key
`, caseExpr.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PendingRequest
	for rows.Next() {
		var (
			req        model.PendingRequest
			headersRaw string
			bodyRaw    sql.NullString
			enqueuedAt string
		)
		if err := rows.Scan(&req.Key, &req.URL, &req.Method, &headersRaw, &bodyRaw, &req.SyncType, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		if err := json.Unmarshal([]byte(headersRaw), &req.Headers); err != nil {
			return nil, fmt.Errorf("decode pending headers: %w", err)
		}
		if bodyRaw.Valid {
			req.Body = json.RawMessage(bodyRaw.String)
		}
		req.EnqueuedAt = parseTS(enqueuedAt)
		out = append(out, req)
	}
	return out, rows.Err()
}

// DeletePending removes an entry by key. Idempotent: deleting an already
// removed entry is not an error.
func (s *Store) DeletePending(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_requests WHERE request_key = ?`, key); err != nil {
		return fmt.Errorf("delete pending: %w", err)
	}
	return nil
}

func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_requests`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// ── Cache version ────────────────────────────────────────────────────────

// ActivateVersion compares the stored cache version with the configured
// one. On mismatch it clears the API cache and records the new version.
// The pending queue is deliberately left untouched so unsent writes survive
// deployments. Returns true when a rotation happened.
func (s *Store) ActivateVersion(ctx context.Context, version string) (bool, error) {
	var current sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'cache_version'`).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("read cache version: %w", err)
	}
	if current.Valid && current.String == version {
		return false, nil
	}
	if current.Valid {
		if err := s.ClearAPICache(ctx); err != nil {
			return false, err
		}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO meta(key, value) VALUES ('cache_version', ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value
`, version)
	if err != nil {
		return false, fmt.Errorf("write cache version: %w", err)
	}
	return current.Valid, nil
}

// PendingKey builds the queue key. The millisecond timestamp guarantees
// uniqueness for repeated identical calls.
func PendingKey(method, url string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%d", strings.ToUpper(method), url, at.UnixMilli())
}

// ── helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIResponse(row rowScanner) (model.CachedAPIResponse, error) {
	var (
		rec       model.CachedAPIResponse
		body      string
		needsSync int
		storedAt  string
	)
	if err := row.Scan(&rec.URL, &body, &needsSync, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CachedAPIResponse{}, ErrNotFound
		}
		return model.CachedAPIResponse{}, fmt.Errorf("scan api response: %w", err)
	}
	rec.Body = json.RawMessage(body)
	rec.NeedsSync = needsSync != 0
	rec.StoredAt = parseTS(storedAt)
	return rec, nil
}

func bodyNeedsSync(body json.RawMessage) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	raw, ok := probe[model.NeedsSyncField]
	if !ok {
		return false
	}
	var flag bool
	if err := json.Unmarshal(raw, &flag); err != nil {
		return false
	}
	return flag
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
