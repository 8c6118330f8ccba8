package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"execution-core/internal/protocol"
	"execution-core/pkg/cache"
)

var ErrStoreUnavailable = errors.New("gateway: idempotency store unavailable")

// Entry is the idempotency record for one request uuid. Done is false while
// the first delivery is still executing.
type Entry struct {
	Done  bool           `json:"done"`
	Reply protocol.Reply `json:"reply"`
}

// IdempotencyStore remembers verified requests for at least twice the
// signature TTL so a retried uuid is never executed twice.
type IdempotencyStore interface {
	Lookup(ctx context.Context, id string) (Entry, bool, error)
	// Reserve claims id. When reserved is false the existing entry is returned.
	Reserve(ctx context.Context, id string) (existing Entry, reserved bool, err error)
	Complete(ctx context.Context, id string, reply protocol.Reply) error
	Release(ctx context.Context, id string) error
}

// MemoryStore keeps entries in a bounded in-process TTL cache.
type MemoryStore struct {
	entries *cache.TTL[Entry]
}

func NewMemoryStore(ttl time.Duration, opts ...cache.TTLOption) *MemoryStore {
	return &MemoryStore{entries: cache.NewTTL[Entry](ttl, opts...)}
}

func (s *MemoryStore) Lookup(_ context.Context, id string) (Entry, bool, error) {
	e, ok := s.entries.Get(id)
	return e, ok, nil
}

func (s *MemoryStore) Reserve(_ context.Context, id string) (Entry, bool, error) {
	e, stored := s.entries.SetIfAbsent(id, Entry{})
	return e, stored, nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, reply protocol.Reply) error {
	s.entries.Set(id, Entry{Done: true, Reply: reply})
	return nil
}

func (s *MemoryStore) Release(_ context.Context, id string) error {
	s.entries.Delete(id)
	return nil
}

func (s *MemoryStore) Len() int { return s.entries.Len() }

// RedisStore shares idempotency state between gateway replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "execution-core:idem"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(id string) string {
	return fmt.Sprintf("%s:%s", s.prefix, id)
}

func (s *RedisStore) Lookup(ctx context.Context, id string) (Entry, bool, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("%w: decode %s: %v", ErrStoreUnavailable, id, err)
	}
	return e, true, nil
}

func (s *RedisStore) Reserve(ctx context.Context, id string) (Entry, bool, error) {
	pending, _ := json.Marshal(Entry{})
	ok, err := s.client.SetNX(ctx, s.key(id), pending, s.ttl).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ok {
		return Entry{}, true, nil
	}
	e, found, err := s.Lookup(ctx, id)
	if err != nil {
		return Entry{}, false, err
	}
	if !found {
		// expired between SETNX and GET; the caller retries through Lookup
		return Entry{}, false, nil
	}
	return e, false, nil
}

func (s *RedisStore) Complete(ctx context.Context, id string, reply protocol.Reply) error {
	data, err := json.Marshal(Entry{Done: true, Reply: reply})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
