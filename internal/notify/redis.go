package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/predyx/exchange-core/internal/model"
)

const (
	channelOrders = "exchange:orders"
	channelTrades = "exchange:trades"
)

// RedisPublisher fans order and trade updates out over Redis pub/sub so
// peer instances can push them to their own WebSocket clients. Fire and
// forget: failures are logged, never surfaced.
type RedisPublisher struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewRedisPublisher wraps an existing Redis client.
func NewRedisPublisher(rdb *redis.Client, log *slog.Logger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, log: log}
}

// OrderPlaced implements Sink.
func (p *RedisPublisher) OrderPlaced(ctx context.Context, o *model.Order) {
	p.publish(ctx, channelOrders, o)
}

// OrderUpdated implements Sink.
func (p *RedisPublisher) OrderUpdated(ctx context.Context, o *model.Order) {
	p.publish(ctx, channelOrders, o)
}

// TradeExecuted implements Sink.
func (p *RedisPublisher) TradeExecuted(ctx context.Context, t *model.Trade) {
	p.publish(ctx, channelTrades, t)
}

func (p *RedisPublisher) publish(ctx context.Context, channel string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := p.rdb.Publish(ctx, channel, data).Err(); err != nil {
		p.log.Warn("redis publish failed", "channel", channel, "err", err)
	}
}
