package cache

import (
	"context"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// MemoryCache is the in-process backend, one go-cache store per
// instance. The collector creates one instance per data kind, which
// gives each kind its own lock and default TTL.
type MemoryCache struct {
	store   *gocache.Cache
	maxSize int

	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemoryCache creates a store with the given default TTL. maxSize
// bounds the entry count; 0 means unbounded.
func NewMemoryCache(defaultTTL time.Duration, maxSize int) *MemoryCache {
	return &MemoryCache{
		store:   gocache.New(defaultTTL, 2*defaultTTL),
		maxSize: maxSize,
	}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.store.Get(key)
	if !ok {
		m.misses.Add(1)
		return nil, false, nil
	}
	m.hits.Add(1)
	stored := v.([]byte)
	out := make([]byte, len(stored))
	copy(out, stored)
	return out, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if m.maxSize > 0 && m.store.ItemCount() >= m.maxSize {
		// Entries are small and short-lived; dropping the store is
		// cheaper than tracking LRU order for a bounded fetch cache.
		log.Debug().Int("max_size", m.maxSize).Msg("Cache full, flushing")
		m.store.Flush()
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.store.Set(key, stored, ttl)
	return nil
}

func (m *MemoryCache) Stats() Stats {
	return Stats{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Entries: m.store.ItemCount(),
	}
}

func (m *MemoryCache) Close() error {
	m.store.Flush()
	return nil
}
