package distributed

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_SerializesSameKey(t *testing.T) {
	locker := NewLocalLocker()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "demo")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Empty(t, locker.locks)
}

func TestLocalLocker_KeysAreIndependent(t *testing.T) {
	locker := NewLocalLocker()

	unlockA, err := locker.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := locker.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestLocalLocker_ContextCancelled(t *testing.T) {
	locker := NewLocalLocker()

	unlock, err := locker.Lock(context.Background(), "demo")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "demo")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()

	unlock, err = locker.Lock(context.Background(), "demo")
	require.NoError(t, err)
	unlock()
	assert.Empty(t, locker.locks)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("FLASHLIVE_TEST_REDIS")
	if addr == "" {
		t.Skip("FLASHLIVE_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	cfg := DefaultRedisLockerConfig()
	cfg.Prefix = "flashlive:test:lock:"
	cfg.Timeout = 200 * time.Millisecond
	locker := NewRedisLocker(client, cfg, nil)

	ctx := context.Background()
	unlock, err := locker.Lock(ctx, "demo")
	require.NoError(t, err)

	_, err = locker.Lock(ctx, "demo")
	assert.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	exists, err := client.Exists(ctx, cfg.Prefix+"demo").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	unlock, err = locker.Lock(ctx, "demo")
	require.NoError(t, err)
	unlock()
}
