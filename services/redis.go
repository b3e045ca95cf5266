package services

import (
	"context"

	"github.com/redis/go-redis/v9"

	"chorus/realtime-service/config"
	"chorus/realtime-service/utils"
)

// NewRedisClient connects to Redis and verifies the connection. The shared
// store and fanout bus are required subsystems at boot, so failure here is
// fatal.
func NewRedisClient(cfg *config.Config, logger *utils.Logger) *redis.Client {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("Failed to parse Redis URL", "error", err)
	}

	client := redis.NewClient(opt)

	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", "error", err)
	}

	logger.Info("Connected to Redis")
	return client
}
