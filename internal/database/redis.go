package database

import (
	"context"
	"log"

	"github.com/go-redis/redis/v8"

	"github.com/creatorpay/backend/internal/config"
)

// InitRedis connects to Redis. The cache is optional: on connection failure
// the process continues without it and callers must tolerate a nil client.
func InitRedis(cfg *config.RedisConfig) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("Redis connection failed, continuing without Redis: %v", err)
		return nil
	}

	log.Println("Redis connection established")
	return rdb
}
