package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/predyx/exchange-core/internal/model"
)

const (
	streamName    = "EXCHANGE"
	subjectOrders = "EXCHANGE.orders"
	subjectTrades = "EXCHANGE.trades"
)

// OrderEvent is the durable order record published to JetStream.
// Downstream consumers replay the subject to rebuild order flow.
type OrderEvent struct {
	OrderID     string `json:"orderId"`
	UserID      string `json:"userId"`
	EventID     string `json:"eventId"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Quantity    string `json:"quantity"`
	Price       string `json:"price"`
	LockedFunds string `json:"lockedFunds"`
	Timestamp   int64  `json:"timestamp"` // unix nanoseconds
}

// TradeEvent is the durable trade record published to JetStream.
type TradeEvent struct {
	TradeID   string `json:"tradeId"`
	EventID   string `json:"eventId"`
	Side      string `json:"side"`
	Quantity  string `json:"quantity"`
	Price     string `json:"price"`
	Amount    string `json:"amount"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

// NATSPublisher publishes order and trade events to a JetStream stream
// for durable replay. Publish failures are logged and dropped; the
// trade has already committed.
type NATSPublisher struct {
	js  nats.JetStreamContext
	log *slog.Logger
}

// NewNATSPublisher connects to the NATS server and ensures the exchange
// stream exists.
func NewNATSPublisher(url string, log *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		return nil, err
	}

	if _, err := js.StreamInfo(streamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{streamName + ".*"},
		})
		if err != nil {
			return nil, err
		}
	}

	return &NATSPublisher{js: js, log: log}, nil
}

// OrderPlaced implements Sink.
func (p *NATSPublisher) OrderPlaced(_ context.Context, o *model.Order) {
	p.publish(subjectOrders, OrderEvent{
		OrderID:     o.ID,
		UserID:      o.UserID,
		EventID:     o.EventID,
		Side:        string(o.Side),
		Type:        string(o.Type),
		Quantity:    o.OriginalQuantity.String(),
		Price:       o.LimitPrice.String(),
		LockedFunds: o.TotalAmount.String(),
		Timestamp:   o.CreatedAt.UnixNano(),
	})
}

// OrderUpdated implements Sink. Updates ride the same subject as
// placements; consumers key on orderId.
func (p *NATSPublisher) OrderUpdated(ctx context.Context, o *model.Order) {
	p.OrderPlaced(ctx, o)
}

// TradeExecuted implements Sink.
func (p *NATSPublisher) TradeExecuted(_ context.Context, t *model.Trade) {
	p.publish(subjectTrades, TradeEvent{
		TradeID:   t.ID,
		EventID:   t.EventID,
		Side:      string(t.Side),
		Quantity:  t.Quantity.String(),
		Price:     t.Price.String(),
		Amount:    t.Amount.String(),
		Source:    string(t.Type),
		Timestamp: t.ExecutedAt.UnixNano(),
	})
}

func (p *NATSPublisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if _, err := p.js.PublishAsync(subject, data); err != nil {
		p.log.Warn("nats publish failed", "subject", subject, "err", err)
	}
}
