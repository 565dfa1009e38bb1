package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store holds OrderRecords keyed by idempotency key.
type Store interface {
	// Claim inserts rec if its key is new. Otherwise it returns the existing
	// record and false.
	Claim(ctx context.Context, rec OrderRecord) (OrderRecord, bool, error)
	Put(ctx context.Context, rec OrderRecord) error
	Get(ctx context.Context, key string) (OrderRecord, bool, error)
	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]OrderRecord, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]OrderRecord
	order   []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]OrderRecord{}}
}

func (s *MemoryStore) Claim(_ context.Context, rec OrderRecord) (OrderRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.IdempotencyKey]; ok {
		return existing, false, nil
	}
	s.records[rec.IdempotencyKey] = rec
	s.order = append(s.order, rec.IdempotencyKey)
	return rec, true, nil
}

func (s *MemoryStore) Put(_ context.Context, rec OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.IdempotencyKey]; !ok {
		s.order = append(s.order, rec.IdempotencyKey)
	}
	s.records[rec.IdempotencyKey] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (OrderRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok, nil
}

func (s *MemoryStore) Recent(_ context.Context, n int) ([]OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OrderRecord, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.records[s.order[i]])
	}
	return out, nil
}

// RedisStore keeps records in Redis so that idempotency survives restarts and
// is shared between engine replicas.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	maxRecent int64
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "mlstock"
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, maxRecent: 1000}
}

func (s *RedisStore) recordKey(key string) string {
	return fmt.Sprintf("%s:order:%s", s.prefix, key)
}

func (s *RedisStore) recentKey() string {
	return s.prefix + ":orders:recent"
}

func (s *RedisStore) Claim(ctx context.Context, rec OrderRecord) (OrderRecord, bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return OrderRecord{}, false, fmt.Errorf("marshal order record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.recordKey(rec.IdempotencyKey), data, s.ttl).Result()
	if err != nil {
		return OrderRecord{}, false, fmt.Errorf("claim %s: %w", rec.IdempotencyKey, err)
	}
	if !ok {
		existing, found, err := s.Get(ctx, rec.IdempotencyKey)
		if err != nil {
			return OrderRecord{}, false, err
		}
		if !found {
			return OrderRecord{}, false, fmt.Errorf("claim %s: record vanished", rec.IdempotencyKey)
		}
		return existing, false, nil
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.recentKey(), rec.IdempotencyKey)
	pipe.LTrim(ctx, s.recentKey(), 0, s.maxRecent-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return rec, true, fmt.Errorf("index %s: %w", rec.IdempotencyKey, err)
	}
	return rec, true, nil
}

func (s *RedisStore) Put(ctx context.Context, rec OrderRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal order record: %w", err)
	}
	return s.client.Set(ctx, s.recordKey(rec.IdempotencyKey), data, s.ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (OrderRecord, bool, error) {
	data, err := s.client.Get(ctx, s.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return OrderRecord{}, false, nil
	}
	if err != nil {
		return OrderRecord{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	var rec OrderRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return OrderRecord{}, false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *RedisStore) Recent(ctx context.Context, n int) ([]OrderRecord, error) {
	keys, err := s.client.LRange(ctx, s.recentKey(), 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("recent orders: %w", err)
	}
	out := make([]OrderRecord, 0, len(keys))
	for _, k := range keys {
		rec, ok, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}
