package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/timamz/SmartScale/internal/config"
)

// Open returns the driver selected by cfg.Driver. redisClient is only used by
// the redis driver; consumerID names this process's in-flight list there.
func Open(ctx context.Context, cfg config.QueueConfig, redisClient *redis.Client, consumerID string, logger *slog.Logger) (Queue, error) {
	switch cfg.Driver {
	case "rabbitmq":
		return DialRabbit(ctx, cfg.RabbitMQURL, cfg.Name, cfg.Prefetch, logger)
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("redis queue driver requires a redis client")
		}
		return NewRedisQueue(redisClient, cfg.Name, consumerID, logger), nil
	case "memory":
		return NewMemoryQueue(1024), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q: must be one of rabbitmq, redis, memory", cfg.Driver)
	}
}
