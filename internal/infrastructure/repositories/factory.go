package repositories

import (
	"context"

	"flashlive/internal/core/ports"
	"flashlive/internal/infrastructure/repositories/memory"
	redisrepo "flashlive/internal/infrastructure/repositories/redis"
	"flashlive/pkg/config"
	"flashlive/pkg/distributed"
	"flashlive/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when it is enabled. An unreachable
// Redis is not fatal: the factory falls back to in-memory repositories.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{logger: logger}

	if cfg.Redis.Enabled {
		connect := retry.DefaultConfig()
		connect.MaxAttempts = 2
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Connect:  connect,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories", "error", err)
		} else {
			factory.redisClient = client
		}
	}

	if factory.redisClient != nil {
		logger.Info("using Redis repositories")
	} else {
		logger.Info("using memory repositories")
	}
	return factory
}

func (f *RepositoryFactory) CreateRoomRepository() ports.RoomRepository {
	if f.redisClient != nil {
		return redisrepo.NewRedisRoomRepository(f.redisClient)
	}
	return memory.NewMemoryRoomRepository()
}

// CreateRoomLocker returns a Redis-backed locker when rooms are shared
// through Redis, so every server instance updates a room in turn.
func (f *RepositoryFactory) CreateRoomLocker() ports.RoomLocker {
	if f.redisClient != nil {
		return distributed.NewRedisLocker(f.redisClient, distributed.DefaultRedisLockerConfig(), f.logger.Named("lock"))
	}
	return distributed.NewLocalLocker()
}

// RedisClient is nil when the factory runs on memory repositories.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	return redisrepo.CloseRedisClient(f.redisClient)
}
