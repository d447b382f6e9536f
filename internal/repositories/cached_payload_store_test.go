package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SAP-F-2025/exam-session/internal/cache"
	"github.com/SAP-F-2025/exam-session/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

// countingStore only implements FetchAttemptPayload; other calls panic.
type countingStore struct {
	SessionStore
	payload *models.AttemptPayload
	err     error
	calls   int
}

func (s *countingStore) FetchAttemptPayload(ctx context.Context, attemptID string) (*models.AttemptPayload, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.payload, nil
}

type failingCache struct {
	cache.CacheService
}

func (failingCache) Get(ctx context.Context, key string, dest interface{}) error {
	return errors.New("connection refused")
}

func (failingCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return nil
}

func completePayload() *models.AttemptPayload {
	return &models.AttemptPayload{
		Attempt: models.Attempt{ID: "att-1"},
		Modules: []models.Module{{
			ID:   "mod-reading",
			Type: models.ModuleReading,
			Sections: datatypes.JSONSlice[models.Section]{{
				ID:          "s1",
				SubSections: []models.SubSection{{ID: "sub1", Questions: []models.Question{{Ref: "q1"}}}},
			}},
		}},
	}
}

func TestCachedPayloadStore_ServesFromCache(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{payload: completePayload()}
	store := NewCachedPayloadStore(inner, cache.NewMemoryCache(), 0, nil)

	first, err := store.FetchAttemptPayload(ctx, "att-1")
	require.NoError(t, err)
	second, err := store.FetchAttemptPayload(ctx, "att-1")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, first.Modules[0].ID, second.Modules[0].ID)
	assert.True(t, second.IsComplete())
}

func TestCachedPayloadStore_DiscardsIncompleteEntry(t *testing.T) {
	ctx := context.Background()
	memory := cache.NewMemoryCache()
	require.NoError(t, memory.Set(ctx, payloadKey("att-1"), models.AttemptPayload{
		Attempt: models.Attempt{ID: "att-1"},
		Modules: []models.Module{{ID: "mod-reading", Type: models.ModuleReading}},
	}, 0))

	inner := &countingStore{payload: completePayload()}
	store := NewCachedPayloadStore(inner, memory, 0, nil)

	payload, err := store.FetchAttemptPayload(ctx, "att-1")
	require.NoError(t, err)
	assert.True(t, payload.IsComplete())
	assert.Equal(t, 1, inner.calls)

	var cached models.AttemptPayload
	require.NoError(t, memory.Get(ctx, payloadKey("att-1"), &cached))
	assert.True(t, cached.IsComplete())
}

func TestCachedPayloadStore_DoesNotCacheIncompletePayload(t *testing.T) {
	ctx := context.Background()
	memory := cache.NewMemoryCache()
	inner := &countingStore{payload: &models.AttemptPayload{Attempt: models.Attempt{ID: "att-1"}}}
	store := NewCachedPayloadStore(inner, memory, 0, nil)

	_, err := store.FetchAttemptPayload(ctx, "att-1")
	require.NoError(t, err)

	var cached models.AttemptPayload
	assert.ErrorIs(t, memory.Get(ctx, payloadKey("att-1"), &cached), cache.ErrCacheMiss)
}

func TestCachedPayloadStore_PassesStoreErrors(t *testing.T) {
	inner := &countingStore{err: ErrNotFound}
	store := NewCachedPayloadStore(inner, cache.NewMemoryCache(), 0, nil)

	_, err := store.FetchAttemptPayload(context.Background(), "att-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedPayloadStore_Invalidate(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{payload: completePayload()}
	store := NewCachedPayloadStore(inner, cache.NewMemoryCache(), 0, nil)

	_, err := store.FetchAttemptPayload(ctx, "att-1")
	require.NoError(t, err)
	require.NoError(t, store.InvalidatePayload(ctx, "att-1"))
	_, err = store.FetchAttemptPayload(ctx, "att-1")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)

	require.NoError(t, store.InvalidateAll(ctx))
	_, err = store.FetchAttemptPayload(ctx, "att-1")
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestCachedPayloadStore_CacheFailureFallsThrough(t *testing.T) {
	inner := &countingStore{payload: completePayload()}
	store := NewCachedPayloadStore(inner, failingCache{}, 0, nil)

	payload, err := store.FetchAttemptPayload(context.Background(), "att-1")
	require.NoError(t, err)
	assert.True(t, payload.IsComplete())
	assert.Equal(t, 1, inner.calls)
}
