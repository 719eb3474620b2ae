package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanlabs/hookd/internal/cache"
	"github.com/hanlabs/hookd/internal/domain"
)

func TestHotStore_CacheLookupServesFromHotTier(t *testing.T) {
	underlying := NewMemoryStore()
	hot := cache.NewInMemoryCache()
	defer hot.Close()
	hs := NewHotStore(underlying, hot, time.Minute)
	ctx := context.Background()

	entry := &domain.CacheEntry{Fingerprint: "fp-1", ExitCode: 0, ProducedAt: time.Now()}
	require.NoError(t, hs.CacheStore(ctx, entry))

	// Delete straight from the underlying store; a hot hit must still
	// resolve the entry without touching it.
	underlying.mu.Lock()
	delete(underlying.cache, "fp-1")
	underlying.mu.Unlock()

	got, hit, err := hs.CacheLookup(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "fp-1", got.Fingerprint)
}

func TestHotStore_CacheLookupFallsThroughOnMiss(t *testing.T) {
	underlying := NewMemoryStore()
	hot := cache.NewInMemoryCache()
	defer hot.Close()
	hs := NewHotStore(underlying, hot, time.Minute)
	ctx := context.Background()

	_, hit, err := hs.CacheLookup(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, hit)
}
