package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/api"
	"github.com/fitsync/fitsync/internal/classify"
	"github.com/fitsync/fitsync/internal/metrics"
	"github.com/fitsync/fitsync/internal/model"
	"github.com/fitsync/fitsync/internal/store"
	"github.com/fitsync/fitsync/internal/syncengine"
)

type messageHandler func(ctx context.Context, msg api.Message) api.MessageReply

func ackReply(typ string) api.MessageReply {
	return api.MessageReply{Type: typ, OK: true}
}

func failReply(typ, code string) api.MessageReply {
	return api.MessageReply{Type: typ, OK: false, Error: code}
}

// handleSkipWaiting is the activation handshake. The daemon has no waiting
// phase, so this only acknowledges.
func (s *Server) handleSkipWaiting(_ context.Context, msg api.Message) api.MessageReply {
	s.log.Debug("skip waiting acknowledged")
	return ackReply(msg.Type)
}

func (s *Server) handleStoreOfflineData(ctx context.Context, msg api.Message) api.MessageReply {
	if msg.Key == "" {
		return failReply(msg.Type, model.ErrKeyRequired)
	}
	if len(msg.Data) == 0 || !json.Valid(msg.Data) {
		return failReply(msg.Type, model.ErrBadRequest)
	}
	if err := s.store.PutAPIResponse(ctx, msg.Key, msg.Data); err != nil {
		s.log.Warn("store offline data failed", zap.String("key", msg.Key), zap.Error(err))
		return failReply(msg.Type, model.ErrStoreFailed)
	}
	return ackReply(msg.Type)
}

// handleClearAuthCache drops every auth-related record from the API cache
// and the pending queue, then broadcasts AUTH_CACHE_CLEARED. Non-auth
// entries are untouched.
func (s *Server) handleClearAuthCache(ctx context.Context, msg api.Message) api.MessageReply {
	entries, err := s.store.PurgeAuthEntries(ctx)
	if err != nil {
		s.log.Warn("purge auth cache failed", zap.Error(err))
		return failReply(msg.Type, model.ErrStoreFailed)
	}
	pending, err := s.store.PurgeAuthPending(ctx)
	if err != nil {
		s.log.Warn("purge auth pending failed", zap.Error(err))
		return failReply(msg.Type, model.ErrStoreFailed)
	}
	s.log.Info("auth cache cleared",
		zap.Int64("entries", entries),
		zap.Int64("pending", pending))

	if count, cerr := s.store.CountPending(ctx); cerr == nil {
		metrics.PendingQueueDepth.Set(float64(count))
		s.hub.PendingCount(count)
	}
	now := time.Now().UTC()
	s.hub.AuthCacheCleared(now)
	reply := ackReply(model.MsgAuthCacheCleared)
	reply.Timestamp = &now
	return reply
}

func (s *Server) handleStorePendingRequest(ctx context.Context, msg api.Message) api.MessageReply {
	if msg.URL == "" || !classify.IsMutation(msg.Method) {
		return failReply(msg.Type, model.ErrBadRequest)
	}
	pending := model.PendingRequest{
		URL:        msg.URL,
		Method:     msg.Method,
		Headers:    msg.Headers,
		Body:       msg.Body,
		SyncType:   classify.SyncTypeFor(msg.URL),
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.store.EnqueuePending(ctx, pending); err != nil {
		s.log.Warn("enqueue pending failed", zap.String("url", msg.URL), zap.Error(err))
		return failReply(msg.Type, model.ErrStoreFailed)
	}
	reply := ackReply(msg.Type)
	if count, err := s.store.CountPending(ctx); err == nil {
		metrics.PendingQueueDepth.Set(float64(count))
		s.hub.PendingCount(count)
		reply.Count = &count
	}
	s.requestSync()
	return reply
}

// handleTriggerSync runs a full pass synchronously so the reply carries the
// tally. Concurrent triggers collapse into the running pass and report
// E_SYNC_RUNNING.
func (s *Server) handleTriggerSync(ctx context.Context, msg api.Message) api.MessageReply {
	results, err := s.syncer.Run(ctx)
	if err != nil {
		if errors.Is(err, syncengine.ErrSyncRunning) {
			return failReply(msg.Type, model.ErrSyncRunning)
		}
		s.log.Warn("triggered sync failed", zap.Error(err))
		return failReply(msg.Type, model.ErrInternal)
	}
	data, _ := json.Marshal(api.SyncResults{Success: results.Success, Failure: results.Failure})
	now := time.Now().UTC()
	return api.MessageReply{
		Type:      model.MsgSyncCompleted,
		OK:        true,
		Data:      data,
		Timestamp: &now,
	}
}

func (s *Server) handleGetPendingCount(ctx context.Context, msg api.Message) api.MessageReply {
	count, err := s.store.CountPending(ctx)
	if err != nil {
		s.log.Warn("count pending failed", zap.Error(err))
		return failReply(msg.Type, model.ErrStoreFailed)
	}
	return api.MessageReply{Type: model.MsgPendingChangesCount, OK: true, Count: &count}
}

// handleUpdatePendingCount is informational: the page-reported figure is
// logged but never trusted. The queue is re-counted and that count is what
// every open page converges on.
func (s *Server) handleUpdatePendingCount(ctx context.Context, msg api.Message) api.MessageReply {
	if msg.Count == nil {
		return failReply(msg.Type, model.ErrBadRequest)
	}
	s.log.Debug("page reported pending count", zap.Int("count", *msg.Count))
	count, err := s.store.CountPending(ctx)
	if err != nil {
		s.log.Warn("count pending failed", zap.Error(err))
		return failReply(msg.Type, model.ErrStoreFailed)
	}
	metrics.PendingQueueDepth.Set(float64(count))
	s.hub.PendingCount(count)
	reply := ackReply(msg.Type)
	reply.Count = &count
	return reply
}

func (s *Server) handleGetCachedData(ctx context.Context, msg api.Message) api.MessageReply {
	if msg.Key == "" {
		return failReply(msg.Type, model.ErrKeyRequired)
	}
	rec, err := s.store.GetAPIResponse(ctx, msg.Key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return failReply(msg.Type, model.ErrNotFound)
		}
		s.log.Warn("get cached data failed", zap.String("key", msg.Key), zap.Error(err))
		return failReply(msg.Type, model.ErrStoreFailed)
	}
	return api.MessageReply{Type: msg.Type, OK: true, Data: rec.Body}
}
