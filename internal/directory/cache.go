// ABOUTME: Cache port used by the directory plus the in-process implementation
// ABOUTME: MemoryCache wraps the dedupe TTL cache so a single binary needs no Redis

package directory

import (
	"context"
	"errors"
	"time"

	"github.com/2389/marketchat/internal/dedupe"
)

// ErrMiss is returned by Cache.Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is a string key/value cache with per-write TTLs.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// MemoryCache is an in-process Cache. Entries share the TTL given to
// NewMemoryCache; the per-call ttl is ignored.
type MemoryCache struct {
	entries *dedupe.Cache
}

// NewMemoryCache creates a MemoryCache holding at most maxEntries keys.
func NewMemoryCache(ttl time.Duration, maxEntries int) *MemoryCache {
	return &MemoryCache{entries: dedupe.New(ttl, maxEntries)}
}

var _ Cache = (*MemoryCache)(nil)

func (m *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	v, ok := m.entries.Get(key)
	if !ok {
		return "", ErrMiss
	}
	return v, nil
}

func (m *MemoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.entries.Set(key, value)
	return nil
}

func (m *MemoryCache) Del(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		m.entries.Delete(k)
	}
	return nil
}

func (m *MemoryCache) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryCache) Close() error {
	m.entries.Close()
	return nil
}
