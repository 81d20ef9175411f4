// Package idempotency remembers the outcome of client requests that carry
// an idempotency key so a retried request replays the first result.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a stored result can be replayed.
const DefaultTTL = 24 * time.Hour

// Store saves and replays JSON-encodable results.
type Store interface {
	// Get decodes the stored result for key into dst. It reports false when
	// nothing is stored.
	Get(ctx context.Context, key string, dst any) (bool, error)

	// Put stores v for key unless a result is already stored.
	Put(ctx context.Context, key string, v any) error
}

// Key scopes a client token to one user and conversation.
func Key(userID, sessionID, token string) string {
	return fmt.Sprintf("%s:%s:%s", userID, sessionID, token)
}

// =============================================================================
// In-process implementation
// =============================================================================

// Memory is a bounded in-process Store.
type Memory struct {
	cache *expirable.LRU[string, []byte]
}

// NewMemory keeps up to size results for ttl each.
func NewMemory(size int, ttl time.Duration) *Memory {
	return &Memory{cache: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (m *Memory) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok := m.cache.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode stored result: %w", err)
	}
	return true, nil
}

func (m *Memory) Put(ctx context.Context, key string, v any) error {
	if m.cache.Contains(key) {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	m.cache.Add(key, raw)
	return nil
}

// =============================================================================
// Redis implementation
// =============================================================================

// Redis is a Store shared across processes.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis stores results under prefix for ttl.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get idempotency key: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode stored result: %w", err)
	}
	return true, nil
}

func (r *Redis) Put(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := r.client.SetNX(ctx, r.prefix+key, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("put idempotency key: %w", err)
	}
	return nil
}
