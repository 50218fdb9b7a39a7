package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrLockTimeout = errors.New("lock acquisition timeout")

// LocalLocker hands out one mutex per key. It serializes callers inside a
// single process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, kl, true) })
	}, nil
}

func (l *LocalLocker) release(key string, kl *keyLock, held bool) {
	if held {
		<-kl.ch
	}
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// unlockScript deletes the key only while it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// renewScript extends the TTL only while the key still carries our token.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

type RedisLockerConfig struct {
	Prefix     string
	TTL        time.Duration
	RetryDelay time.Duration
	// Timeout bounds a single acquisition when ctx has no earlier deadline.
	Timeout time.Duration
}

func DefaultRedisLockerConfig() RedisLockerConfig {
	return RedisLockerConfig{
		Prefix:     "flashlive:lock:",
		TTL:        5 * time.Second,
		RetryDelay: 50 * time.Millisecond,
		Timeout:    10 * time.Second,
	}
}

// RedisLocker serializes callers across every process sharing the Redis
// instance. A held lock is renewed at half its TTL until released.
type RedisLocker struct {
	client *redis.Client
	cfg    RedisLockerConfig
	logger *zap.SugaredLogger
}

func NewRedisLocker(client *redis.Client, cfg RedisLockerConfig, logger *zap.SugaredLogger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisLocker{client: client, cfg: cfg, logger: logger}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	fullKey := l.cfg.Prefix + key
	token := lockToken()

	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}

	for {
		acquired, err := l.client.SetNX(ctx, fullKey, token, l.cfg.TTL).Result()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
			}
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if acquired {
			break
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
			}
			return nil, ctx.Err()
		case <-time.After(l.cfg.RetryDelay):
		}
	}

	stop := make(chan struct{})
	go l.renew(fullKey, token, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			releaseCtx, cancel := context.WithTimeout(context.Background(), l.cfg.TTL)
			defer cancel()
			if err := unlockScript.Run(releaseCtx, l.client, []string{fullKey}, token).Err(); err != nil {
				l.logger.Warnw("failed to release lock", "key", fullKey, "error", err)
			}
		})
	}, nil
}

func (l *RedisLocker) renew(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.TTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.cfg.TTL/2)
			held, err := renewScript.Run(ctx, l.client, []string{key}, token, l.cfg.TTL.Milliseconds()).Int64()
			cancel()
			if err != nil || held == 0 {
				l.logger.Warnw("lost lock before release", "key", key, "error", err)
				return
			}
		}
	}
}

func lockToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
