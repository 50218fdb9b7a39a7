package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const schemaVersionKey = "flashlive:schema:version"

type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs every migration newer than the stored schema version.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	current, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	migrations := getMigrations()
	target := migrations[len(migrations)-1].Version
	if current >= target {
		logger.Debugw("schema is up to date", "version", current)
		return nil
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Infow("running migration", "version", m.Version, "name", m.Name)
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	logger.Infow("migrations completed", "version", target)
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

func getMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "active room index",
			// Rebuild the active set from room documents so an index lost
			// on a partial flush is recovered.
			Up: func(ctx context.Context, client *redis.Client) error {
				repo := &RedisRoomRepository{client: client}
				iter := client.Scan(ctx, 0, roomKeyPrefix+"*", 100).Iterator()
				for iter.Next(ctx) {
					key := iter.Val()
					if key == activeRoomsKey {
						continue
					}
					room, err := repo.GetByName(ctx, key[len(roomKeyPrefix):])
					if err != nil {
						continue
					}
					if room.ParticipantCount > 0 {
						if err := client.SAdd(ctx, activeRoomsKey, room.Name).Err(); err != nil {
							return err
						}
					}
				}
				return iter.Err()
			},
		},
	}
}
