// Package cache implements the read-through cache-aside layer in front of
// durable storage. The cache is a derived, disposable accelerant: it may be
// absent, stale, or wiped at any time without affecting correctness, only
// latency.
package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tickstream/tickstream/pkg/metrics"
)

// Backend is the slice of the Redis client the store needs. Narrowed so tests
// can force backend failures; redis.UniversalClient satisfies it.
type Backend interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Loader fetches the authoritative value from durable storage.
type Loader func(ctx context.Context) ([]byte, error)

// Stats is a snapshot of the store's counters.
type Stats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Degraded int64 `json:"degraded"`
	Loads    int64 `json:"loads"`
}

// Store reads through the cache backend and falls back to durable storage.
// Backend failures are absorbed: a read failure is a miss, a write-back
// failure is swallowed. Only loader errors propagate.
type Store struct {
	backend Backend
	logger  *zap.Logger

	hits     atomic.Int64
	misses   atomic.Int64
	degraded atomic.Int64
	loads    atomic.Int64
}

// NewStore wraps a cache backend.
func NewStore(backend Backend, logger *zap.Logger) *Store {
	return &Store{backend: backend, logger: logger}
}

// Get attempts the cache backend. Backend unavailability is reported as a
// miss, never as an error: callers must not observe cache failures.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := s.backend.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.misses.Add(1)
			metrics.CacheMisses.Inc()
			return nil, false
		}
		s.degraded.Add(1)
		metrics.CacheDegraded.Inc()
		s.logger.Warn("cache read degraded, treating as miss",
			zap.String("key", key),
			zap.Error(err))
		return nil, false
	}
	s.hits.Add(1)
	metrics.CacheHits.Inc()
	return val, true
}

// GetOrLoad returns the cached value if present, otherwise invokes loader
// against durable storage, best-effort populates the cache with the given
// TTL, and returns the fresh value. The loaded value is returned whether or
// not the cache write succeeded.
func (s *Store) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader Loader) ([]byte, error) {
	if val, ok := s.Get(ctx, key); ok {
		return val, nil
	}

	val, err := loader(ctx)
	if err != nil {
		// Durable storage is the only authoritative source; nothing to fall
		// back to.
		return nil, err
	}
	s.loads.Add(1)

	if err := s.backend.Set(ctx, key, val, ttl).Err(); err != nil {
		s.degraded.Add(1)
		metrics.CacheDegraded.Inc()
		s.logger.Warn("cache write-back failed, serving fresh value anyway",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
	}

	return val, nil
}

// Stats returns the store's counters.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:     s.hits.Load(),
		Misses:   s.misses.Load(),
		Degraded: s.degraded.Load(),
		Loads:    s.loads.Load(),
	}
}
