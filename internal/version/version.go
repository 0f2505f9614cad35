// Package version implements the Version Store (spec §4.3, C3): a
// secondary KV namespace mapping cache key → positive integer version,
// read on every miss and bumped only by a confirmed miss that leads to
// a new store. Writes never run on the request-critical path (spec §5).
package version

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultVersion = 1

// Store is the Version Store contract. Get defaults to 1 for an
// absent key; Increment atomically bumps and returns the new value.
// Duplicate bumps are benign: cache keys are stable and version only
// affects the upstream transform URL (spec §3 VersionRecord).
type Store interface {
	Get(ctx context.Context, cacheKey string) (int, error)
	Increment(ctx context.Context, cacheKey string) (int, error)
}

// RedisStore backs the Version Store with Redis's INCR, which is
// natively atomic and removes the need for a read-then-write retry
// loop (spec §4.3, SPEC_FULL domain-stack rationale).
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore builds a RedisStore using client, namespacing every
// key under prefix (e.g. "vflow:version:") to share a Redis instance
// safely with other consumers.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(cacheKey string) string {
	return s.prefix + cacheKey
}

// Get returns the stored version, defaulting to 1 if absent. A Redis
// error is treated the same as a KV read failure elsewhere in the
// system: log and fall back to the default rather than fail the
// request (spec §7 "KV read failures: treated as a miss").
func (s *RedisStore) Get(ctx context.Context, cacheKey string) (int, error) {
	val, err := s.client.Get(ctx, s.key(cacheKey)).Int()
	if err == redis.Nil {
		return defaultVersion, nil
	}
	if err != nil {
		slog.Warn("version store get failed, defaulting to 1", "cacheKey", cacheKey, "error", err)
		return defaultVersion, nil
	}
	if val < 1 {
		return defaultVersion, nil
	}
	return val, nil
}

// Increment atomically bumps the counter via Redis INCR, initializing
// it to 1 (then incrementing to 2) the first time it is called for a
// key that was never set — callers that want the first version to
// read as 1 should call Get before the first Increment, as the Cache
// Orchestrator does (spec §4.11 step 3a-3d).
func (s *RedisStore) Increment(ctx context.Context, cacheKey string) (int, error) {
	if err := s.client.SetNX(ctx, s.key(cacheKey), defaultVersion, 0).Err(); err != nil {
		return 0, err
	}
	newVal, err := s.client.Incr(ctx, s.key(cacheKey)).Result()
	if err != nil {
		return 0, err
	}
	return int(newVal), nil
}

// MemStore is an in-process Store used for local development and
// tests — a last-write-wins map behind a mutex, the "read-then-write
// with a short retry window" fallback spec §4.3 allows when the
// backing store provides no native atomic increment.
type MemStore struct {
	mu       sync.Mutex
	versions map[string]int
}

// NewMemStore constructs an empty in-memory Version Store.
func NewMemStore() *MemStore {
	return &MemStore{versions: make(map[string]int)}
}

func (m *MemStore) Get(_ context.Context, cacheKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.versions[cacheKey]; ok {
		return v, nil
	}
	return defaultVersion, nil
}

func (m *MemStore) Increment(_ context.Context, cacheKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[cacheKey]
	if !ok {
		v = defaultVersion
	}
	v++
	m.versions[cacheKey] = v
	return v, nil
}

// Ping reports whether the Redis connection backing s is reachable,
// used by the enhanced /healthz endpoint (SPEC_FULL Supplemented
// Features).
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err()
}
