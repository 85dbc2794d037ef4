// Package notify delivers post-commit order and trade notifications to
// downstream consumers: WebSocket clients, a JetStream subject for
// durable replay, and Redis pub/sub for intra-cluster fanout.
package notify

import (
	"context"

	"github.com/predyx/exchange-core/internal/model"
)

// Sink is the consumer side of engine notifications. Every
// implementation in this package is non-blocking or best-effort; a slow
// consumer never stalls order placement.
type Sink interface {
	OrderPlaced(ctx context.Context, o *model.Order)
	OrderUpdated(ctx context.Context, o *model.Order)
	TradeExecuted(ctx context.Context, t *model.Trade)
}

// Multi fans every notification out to each sink in order.
type Multi []Sink

func (m Multi) OrderPlaced(ctx context.Context, o *model.Order) {
	for _, s := range m {
		s.OrderPlaced(ctx, o)
	}
}

func (m Multi) OrderUpdated(ctx context.Context, o *model.Order) {
	for _, s := range m {
		s.OrderUpdated(ctx, o)
	}
}

func (m Multi) TradeExecuted(ctx context.Context, t *model.Trade) {
	for _, s := range m {
		s.TradeExecuted(ctx, t)
	}
}
