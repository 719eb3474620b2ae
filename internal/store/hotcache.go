package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hanlabs/hookd/internal/cache"
	"github.com/hanlabs/hookd/internal/domain"
)

// HotStore wraps a Store with a cache.Cache hot tier for CacheLookup,
// the way the teacher layers CachedMetadataStore in front of its own
// MetadataStore. ttl bounds staleness between a CacheStore write on one
// hookd process and a CacheLookup hit on a sibling sharing the same L2
// (e.g. cache.RedisCache); it has no bearing on CacheEntry's own
// validity, which is fingerprint-based and has no TTL.
type HotStore struct {
	Store
	hot cache.Cache
	ttl time.Duration
}

// defaultHotTTL bounds staleness if the caller doesn't specify one.
const defaultHotTTL = 5 * time.Second

// NewHotStore returns a Store that serves CacheLookup hits from hot
// first, falling through to the underlying Store on miss and
// populating hot on the way back.
func NewHotStore(underlying Store, hot cache.Cache, ttl time.Duration) *HotStore {
	if ttl <= 0 {
		ttl = defaultHotTTL
	}
	return &HotStore{Store: underlying, hot: hot, ttl: ttl}
}

func (h *HotStore) CacheLookup(ctx context.Context, fingerprint string) (*domain.CacheEntry, bool, error) {
	if raw, err := h.hot.Get(ctx, fingerprint); err == nil {
		var entry domain.CacheEntry
		if jsonErr := json.Unmarshal(raw, &entry); jsonErr == nil {
			return &entry, true, nil
		}
	}

	entry, hit, err := h.Store.CacheLookup(ctx, fingerprint)
	if err != nil || !hit {
		return entry, hit, err
	}

	if raw, err := json.Marshal(entry); err == nil {
		_ = h.hot.Set(ctx, fingerprint, raw, h.ttl)
	}
	return entry, true, nil
}

func (h *HotStore) CacheStore(ctx context.Context, entry *domain.CacheEntry) error {
	if err := h.Store.CacheStore(ctx, entry); err != nil {
		return err
	}
	if raw, err := json.Marshal(entry); err == nil {
		_ = h.hot.Set(ctx, entry.Fingerprint, raw, h.ttl)
	}
	return nil
}
