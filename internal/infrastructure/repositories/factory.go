package repositories

import (
	"context"
	"fmt"

	"framerelay/internal/core/ports"
	"framerelay/internal/infrastructure/repositories/memory"
	redisrepo "framerelay/internal/infrastructure/repositories/redis"
	"framerelay/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	keyPrefix   string
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled and falls back to
// in-memory storage when it cannot.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis:  cfg.Redis.Enabled,
		keyPrefix: cfg.Redis.KeyPrefix,
		logger:    logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// Backend names the storage in use.
func (f *RepositoryFactory) Backend() string {
	if f.useRedis && f.redisClient != nil {
		return "redis"
	}
	return "memory"
}

// CreateMembershipRepository returns an empty membership store. Redis keys
// left by an earlier run of this instance are removed first.
func (f *RepositoryFactory) CreateMembershipRepository(ctx context.Context) (ports.MembershipRepository, error) {
	if f.useRedis && f.redisClient != nil {
		repo := redisrepo.NewRedisMembershipRepository(f.redisClient, f.keyPrefix)
		if err := repo.Reset(ctx); err != nil {
			return nil, fmt.Errorf("failed to reset membership keys: %w", err)
		}
		return repo, nil
	}
	return memory.NewMemoryMembershipRepository(), nil
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
