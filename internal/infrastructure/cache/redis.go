package cache

import (
	"context"
	"fmt"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func NewClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Ping 启动时探活
func Ping(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}

// InitRedis 未启用时返回 nil，此时回调锁和巡检锁都退化为不加锁
func InitRedis(cfg *config.RedisConfig) *redis.Client {
	if !cfg.Enabled {
		logger.Log.Info("Redis 未启用")
		return nil
	}

	client := NewClient(cfg)
	if err := Ping(context.Background(), client); err != nil {
		logger.Log.Fatal("连接 Redis 失败", zap.String("addr", client.Options().Addr), zap.Error(err))
	}

	logger.Log.Info("Redis 连接成功", zap.String("addr", client.Options().Addr))
	return client
}
