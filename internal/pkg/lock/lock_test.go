package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return mr, client, func() {
		client.Close()
		mr.Close()
	}
}

func TestLocker_AcquireRelease(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewLocker(client, "lock:user:", time.Second)

	release, err := locker.Acquire(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:user:1"))

	release()
	assert.False(t, mr.Exists("lock:user:1"))
}

func TestLocker_Contended(t *testing.T) {
	_, client, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewLocker(client, "lock:user:", time.Second)

	release, err := locker.Acquire(context.Background(), "1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = locker.Acquire(ctx, "1")
	assert.ErrorIs(t, err, ErrNotAcquired)

	// 不同 key 互不影响
	other, err := locker.Acquire(context.Background(), "2")
	require.NoError(t, err)
	other()
}

func TestLocker_ReleaseDoesNotStealForeignLock(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewLocker(client, "lock:", time.Second)

	release, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)

	// 锁过期后被其他持有者拿到
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set("lock:k", "someone-else"))

	release()
	val, err := mr.Get("lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}

func TestLocker_Serializes(t *testing.T) {
	_, client, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewLocker(client, "lock:", 5*time.Second)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "shared")
			if err != nil {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
}
