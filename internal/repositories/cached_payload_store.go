package repositories

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SAP-F-2025/exam-session/internal/cache"
	"github.com/SAP-F-2025/exam-session/internal/models"
)

const (
	payloadKeyPrefix  = "exam_session:payload:"
	DefaultPayloadTTL = 30 * time.Minute
)

// CachedPayloadStore serves FetchAttemptPayload from a cache and passes every
// other call through. Cached payloads that are not structurally complete are
// discarded and refetched.
type CachedPayloadStore struct {
	SessionStore
	cache  cache.CacheService
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedPayloadStore(store SessionStore, cacheService cache.CacheService, ttl time.Duration, logger *slog.Logger) *CachedPayloadStore {
	if ttl <= 0 {
		ttl = DefaultPayloadTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedPayloadStore{
		SessionStore: store,
		cache:        cacheService,
		ttl:          ttl,
		logger:       logger,
	}
}

func payloadKey(attemptID string) string {
	return payloadKeyPrefix + attemptID
}

func (s *CachedPayloadStore) FetchAttemptPayload(ctx context.Context, attemptID string) (*models.AttemptPayload, error) {
	key := payloadKey(attemptID)

	var cached models.AttemptPayload
	err := s.cache.Get(ctx, key, &cached)
	switch {
	case err == nil && cached.IsComplete():
		return &cached, nil
	case err == nil:
		s.logger.Warn("Discarding incomplete cached payload", "attempt_id", attemptID)
		if err := s.cache.Delete(ctx, key); err != nil {
			s.logger.Warn("Failed to delete cached payload", "attempt_id", attemptID, "error", err)
		}
	case !errors.Is(err, cache.ErrCacheMiss):
		// the cache is an optimization; fall through to the store
		s.logger.Warn("Payload cache read failed", "attempt_id", attemptID, "error", err)
	}

	payload, err := s.SessionStore.FetchAttemptPayload(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if payload.IsComplete() {
		if err := s.cache.Set(ctx, key, payload, s.ttl); err != nil {
			s.logger.Warn("Failed to cache payload", "attempt_id", attemptID, "error", err)
		}
	}
	return payload, nil
}

// InvalidatePayload drops the cached payload of an attempt.
func (s *CachedPayloadStore) InvalidatePayload(ctx context.Context, attemptID string) error {
	if err := s.cache.Delete(ctx, payloadKey(attemptID)); err != nil {
		return fmt.Errorf("failed to invalidate payload cache: %w", err)
	}
	return nil
}

// InvalidateAll drops every cached payload, used after answer keys or content change.
func (s *CachedPayloadStore) InvalidateAll(ctx context.Context) error {
	if err := s.cache.DeletePattern(ctx, payloadKeyPrefix+"*"); err != nil {
		return fmt.Errorf("failed to invalidate payload cache: %w", err)
	}
	return nil
}
