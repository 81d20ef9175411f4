package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a Redis locker backed by miniredis.
func setupTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return NewRedis(client, "test:"), mr
}

func lockers(t *testing.T) map[string]Locker {
	r, _ := setupTestRedis(t)
	return map[string]Locker{
		"memory": NewMemory(),
		"redis":  r,
	}
}

func TestLocker_ExclusiveUntilReleased(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			release, ok, err := l.TryLock(ctx, "slot:a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			_, ok, err = l.TryLock(ctx, "slot:a", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "second holder must be refused")

			other, ok, err := l.TryLock(ctx, "slot:b", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "different keys do not contend")
			other()

			release()

			again, ok, err := l.TryLock(ctx, "slot:a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
			again()
		})
	}
}

func TestLocker_OneWinnerUnderContention(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var winners atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})

			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, ok, err := l.TryLock(ctx, "slot:race", time.Minute)
					assert.NoError(t, err)
					if ok {
						winners.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int32(1), winners.Load())
		})
	}
}

func TestRedis_ExpiredLockNotReleasedByOldHolder(t *testing.T) {
	l, mr := setupTestRedis(t)
	ctx := context.Background()

	staleRelease, ok, err := l.TryLock(ctx, "slot:x", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = l.TryLock(ctx, "slot:x", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	staleRelease()
	assert.True(t, mr.Exists("test:slot:x"), "new holder's lock must survive the stale release")
}

func TestMemory_ExpiredLockCanBeRetaken(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_, ok, err := m.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, err = m.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSlotKey(t *testing.T) {
	toronto := time.FixedZone("EST", -5*3600)
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, toronto)
	assert.Equal(t, "slot:c1:2026-03-02T15:00:00Z", SlotKey("c1", at))
}
