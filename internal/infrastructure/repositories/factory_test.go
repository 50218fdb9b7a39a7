package repositories

import (
	"context"
	"testing"

	"flashlive/internal/infrastructure/repositories/memory"
	"flashlive/pkg/config"
	"flashlive/pkg/distributed"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestRepositoryFactory_DefaultsToMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	f := NewRepositoryFactory(context.Background(), cfg, zaptest.NewLogger(t).Sugar())

	assert.Nil(t, f.RedisClient())
	assert.IsType(t, &memory.MemoryRoomRepository{}, f.CreateRoomRepository())
	assert.IsType(t, &distributed.LocalLocker{}, f.CreateRoomLocker())
	assert.NoError(t, f.Close())
}

func TestRepositoryFactory_FallsBackWhenRedisUnreachable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := NewRepositoryFactory(ctx, cfg, zaptest.NewLogger(t).Sugar())

	assert.Nil(t, f.RedisClient())
	assert.IsType(t, &memory.MemoryRoomRepository{}, f.CreateRoomRepository())
}
