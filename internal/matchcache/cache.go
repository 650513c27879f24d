// Package matchcache caches face search results keyed by a cheap image fingerprint.
package matchcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kozaktomas/face-linker/internal/fingerprint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "facelinker_match_cache_requests_total",
	Help: "Match cache lookups by result (hit, miss, error)",
}, []string{"result"})

// Hit is a value found in a tier together with its remaining lifetime.
// TTL is zero when the tier does not know it.
type Hit struct {
	Value []byte
	TTL   time.Duration
}

// Tier is one storage layer of the cache.
type Tier interface {
	Get(ctx context.Context, key string) (Hit, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Key builds the cache key for an image search. Only the first prefixBytes
// of the image are hashed (plus its length).
func Key(image []byte, prefixBytes int, threshold float64, limit int) string {
	return fmt.Sprintf("%016x:%g:%d", fingerprint.PrefixHash(image, prefixBytes), threshold, limit)
}

// Cache is a read-through cache over one or more tiers, fastest first.
// Errors from any tier are logged and treated as a miss.
type Cache struct {
	tiers  []Tier
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a cache. With no tiers every lookup misses.
func New(ttl time.Duration, logger *zap.Logger, tiers ...Tier) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{tiers: tiers, ttl: ttl, logger: logger.With(zap.String("component", "match_cache"))}
}

// Get returns the cached value. A hit in a slower tier is copied into the
// faster ones for no longer than it has left to live.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	for i, tier := range c.tiers {
		hit, ok, err := tier.Get(ctx, key)
		if err != nil {
			requestsTotal.WithLabelValues("error").Inc()
			c.logger.Warn("cache tier get failed", zap.Int("tier", i), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		ttl := c.ttl
		if hit.TTL > 0 && hit.TTL < ttl {
			ttl = hit.TTL
		}
		for j := 0; j < i; j++ {
			if err := c.tiers[j].Set(ctx, key, hit.Value, ttl); err != nil {
				c.logger.Debug("cache backfill failed", zap.Int("tier", j), zap.Error(err))
			}
		}
		requestsTotal.WithLabelValues("hit").Inc()
		return hit.Value, true
	}
	requestsTotal.WithLabelValues("miss").Inc()
	return nil, false
}

// Set stores value in every tier.
func (c *Cache) Set(ctx context.Context, key string, value []byte) {
	for i, tier := range c.tiers {
		if err := tier.Set(ctx, key, value, c.ttl); err != nil {
			c.logger.Warn("cache tier set failed", zap.Int("tier", i), zap.Error(err))
		}
	}
}

type sweeper interface {
	Sweep() int
}

// Sweep evicts expired entries from tiers that hold them in process.
func (c *Cache) Sweep() int {
	n := 0
	for _, tier := range c.tiers {
		if s, ok := tier.(sweeper); ok {
			n += s.Sweep()
		}
	}
	return n
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryTier is an in-process TTL map.
type MemoryTier struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemoryTier creates an empty in-process tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{entries: make(map[string]entry), now: time.Now}
}

func (m *MemoryTier) Get(_ context.Context, key string) (Hit, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Hit{}, false, nil
	}
	left := e.expiresAt.Sub(m.now())
	if left <= 0 {
		delete(m.entries, key)
		return Hit{}, false, nil
	}
	return Hit{Value: e.value, TTL: left}, true, nil
}

func (m *MemoryTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

// Sweep removes expired entries and returns how many were dropped.
func (m *MemoryTier) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of entries, expired or not.
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RedisTier shares cached results between processes.
type RedisTier struct {
	client *redis.Client
	prefix string
}

// NewRedisTier wraps a client; keys are stored under prefix.
func NewRedisTier(client *redis.Client, prefix string) *RedisTier {
	return &RedisTier{client: client, prefix: prefix}
}

// NewRedisTierFromURL parses a redis:// URL.
func NewRedisTierFromURL(url, prefix string) (*RedisTier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisTier(redis.NewClient(opts), prefix), nil
}

func (r *RedisTier) Get(ctx context.Context, key string) (Hit, bool, error) {
	var (
		get *redis.StringCmd
		ttl *redis.DurationCmd
	)
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, r.prefix+key)
		ttl = p.PTTL(ctx, r.prefix+key)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return Hit{}, false, nil
	}
	if err != nil {
		return Hit{}, false, err
	}
	value, err := get.Bytes()
	if err != nil {
		return Hit{}, false, err
	}
	// PTTL is negative for keys without an expiry.
	left := ttl.Val()
	if left < 0 {
		left = 0
	}
	return Hit{Value: value, TTL: left}, true, nil
}

func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

// Close releases the redis connection pool.
func (r *RedisTier) Close() error {
	return r.client.Close()
}
