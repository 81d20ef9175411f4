// Package lock provides short-lived named locks used to serialise checkout
// for a single coach time slot.
//
// Locks fail fast: TryLock never waits for a holder to finish. A caller that
// loses the race reports the slot as taken instead of queueing.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker acquires named locks.
type Locker interface {
	// TryLock attempts to take key for at most ttl. When ok is true the
	// caller must call release exactly once.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// =============================================================================
// In-process implementation
// =============================================================================

// Memory is a Locker for a single process.
type Memory struct {
	mu   sync.Mutex
	held map[string]memoryLease
	seq  uint64
	now  func() time.Time
}

type memoryLease struct {
	token   uint64
	expires time.Time
}

// NewMemory returns an in-process Locker.
func NewMemory() *Memory {
	return &Memory{
		held: make(map[string]memoryLease),
		now:  time.Now,
	}
}

func (m *Memory) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.held[key]; ok && now.Before(l.expires) {
		return nil, false, nil
	}

	m.seq++
	token := m.seq
	m.held[key] = memoryLease{token: token, expires: now.Add(ttl)}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if l, ok := m.held[key]; ok && l.token == token {
			delete(m.held, key)
		}
	}, true, nil
}

// =============================================================================
// Redis implementation
// =============================================================================

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every process pointed at the same server.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis returns a Locker that stores keys under prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}

	full := r.prefix + key
	ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, r.client, []string{full}, token).Err()
	}, true, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// SlotKey names the lock for one coach start time.
func SlotKey(coachID string, startsAt time.Time) string {
	return fmt.Sprintf("slot:%s:%s", coachID, startsAt.UTC().Format(time.RFC3339))
}
