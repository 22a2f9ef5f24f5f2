package repositories

import (
	"context"

	"callify/internal/core/domain"
	"callify/internal/core/ports"
	"callify/internal/infrastructure/repositories/memory"
	redisrepo "callify/internal/infrastructure/repositories/redis"
	"callify/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Factory creates the registry and recorder backends, with memory fallback
// when Redis is unavailable.
type Factory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewFactory(cfg *config.Config, logger *zap.SugaredLogger) (*Factory, error) {
	factory := &Factory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory registry",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
		}
	}

	if factory.useRedis {
		logger.Info("using Redis room registry")
	} else {
		logger.Info("using in-memory room registry")
	}

	return factory, nil
}

// CreateRoomRegistry creates the room registry (Redis or memory).
func (f *Factory) CreateRoomRegistry() ports.RoomRegistry {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRoomRegistry(f.redisClient)
	}
	return memory.NewRoomRegistry()
}

// CreateHistoryRecorder creates the meeting-history recorder. Without Redis
// the recorder is a no-op; history is an external collaborator the core never
// depends on.
func (f *Factory) CreateHistoryRecorder() ports.HistoryRecorder {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewHistoryRecorder(f.redisClient)
	}
	return nopRecorder{}
}

// Close closes the Redis connection if one is held.
func (f *Factory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseClient(f.redisClient)
	}
	return nil
}

// HealthCheck reports backend connectivity.
func (f *Factory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}

type nopRecorder struct{}

func (nopRecorder) RecordJoin(context.Context, domain.UserID, domain.RoomCode) error {
	return nil
}
