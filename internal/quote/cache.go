package quote

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
)

// MemoryCache keeps the newest quote per asset. Each entry has its own lock.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[common.Address]*cacheEntry
}

type cacheEntry struct {
	mu sync.Mutex
	q  Quote
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[common.Address]*cacheEntry)}
}

func (m *MemoryCache) entry(asset common.Address, create bool) *cacheEntry {
	m.mu.RLock()
	e, ok := m.entries[asset]
	m.mu.RUnlock()
	if ok || !create {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[asset]; !ok {
		e = &cacheEntry{}
		m.entries[asset] = e
	}
	return e
}

func (m *MemoryCache) Get(_ context.Context, asset common.Address) (Quote, bool, error) {
	e := m.entry(asset, false)
	if e == nil {
		return Quote{}, false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.q, !e.q.Timestamp.IsZero(), nil
}

func (m *MemoryCache) Put(_ context.Context, q Quote) error {
	e := m.entry(q.Asset, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	// Never let an older sample replace a newer one.
	if q.Timestamp.Before(e.q.Timestamp) {
		return nil
	}
	q.Fallback = false
	e.q = q
	return nil
}

// RedisCache shares last-known-good quotes between relay instances.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "relay:quote:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCache) key(asset common.Address) string {
	return r.prefix + strings.ToLower(asset.Hex())
}

func (r *RedisCache) Get(ctx context.Context, asset common.Address) (Quote, bool, error) {
	raw, err := r.client.Get(ctx, r.key(asset)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Quote{}, false, nil
	}
	if err != nil {
		return Quote{}, false, err
	}
	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return Quote{}, false, err
	}
	return q, true, nil
}

func (r *RedisCache) Put(ctx context.Context, q Quote) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(q.Asset), raw, r.ttl).Err()
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
