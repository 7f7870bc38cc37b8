// Package events publishes ledger events to Redis pub/sub or the log.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

// Channel suffixes appended to the configured prefix.
const (
	ChannelStockChanged = "stock_changed"
	ChannelLowStock     = "low_stock"
)

// RedisOptions configures the Redis connection
// Redis接続設定
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient opens and pings a Redis client
// Redisクライアントを作成し疎通確認
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("Redis接続に失敗しました: %w", err)
	}
	return rdb, nil
}

// publisher is the part of *redis.Client used here
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher implements inventory.EventPublisher over Redis pub/sub
// Redis pub/subによるイベント発行
type RedisPublisher struct {
	client publisher
	prefix string
	logger *zap.Logger
}

var _ inventory.EventPublisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a publisher writing JSON to "<prefix>:<event>"
func NewRedisPublisher(client publisher, prefix string, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "stock_ledger"
	}
	return &RedisPublisher{client: client, prefix: prefix, logger: logger}
}

// PublishStockChanged publishes a stock level change
// 在庫変更イベントを発行
func (p *RedisPublisher) PublishStockChanged(ctx context.Context, event inventory.StockChangedEvent) error {
	return p.publish(ctx, ChannelStockChanged, event)
}

// PublishLowStockAlert publishes a low stock alert
// 低在庫アラートを発行
func (p *RedisPublisher) PublishLowStockAlert(ctx context.Context, event inventory.LowStockAlertEvent) error {
	return p.publish(ctx, ChannelLowStock, event)
}

// Channel returns the full channel name for an event suffix.
func (p *RedisPublisher) Channel(suffix string) string {
	return p.prefix + ":" + suffix
}

func (p *RedisPublisher) publish(ctx context.Context, suffix string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("イベントのシリアライズに失敗しました: %w", err)
	}

	channel := p.Channel(suffix)
	receivers, err := p.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("イベント発行に失敗しました (%s): %w", channel, err)
	}

	p.logger.Debug("イベント発行完了",
		zap.String("channel", channel),
		zap.Int64("receivers", receivers),
	)
	return nil
}
