package jobqueue

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DedupeStore records a value under a correlation or content-hash key with a
// TTL. The command handler uses it to absorb Kafka redeliveries; the
// orchestrator uses it as the content-hash ingest ledger.
type DedupeStore interface {
	// Get returns the stored value, or "" when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisDedupeStore is the production DedupeStore, sharing the same Redis
// connection the ProgressTracker runs on.
type RedisDedupeStore struct {
	client redis.UniversalClient
}

// NewRedisDedupeStore wraps an already-connected Redis client.
func NewRedisDedupeStore(client redis.UniversalClient) *RedisDedupeStore {
	return &RedisDedupeStore{client: client}
}

func (s *RedisDedupeStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *RedisDedupeStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// MemoryDedupeStore is the in-process test double. Entries never expire;
// tests are shorter than any real TTL.
type MemoryDedupeStore struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewMemoryDedupeStore builds an empty MemoryDedupeStore.
func NewMemoryDedupeStore() *MemoryDedupeStore {
	return &MemoryDedupeStore{entries: make(map[string]string)}
}

func (s *MemoryDedupeStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key], nil
}

func (s *MemoryDedupeStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
	return nil
}

var (
	_ DedupeStore = (*RedisDedupeStore)(nil)
	_ DedupeStore = (*MemoryDedupeStore)(nil)
)
