// Package engine implements the trade matching and settlement core: the
// fund ledger, the order lifecycle, price-time-priority matching against
// the book, the LMSR pool fallback, and atomic settlement of every fill.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/metrics"
	"github.com/predyx/exchange-core/internal/model"
	"github.com/predyx/exchange-core/internal/risk"
	"github.com/predyx/exchange-core/internal/store"
)

// Notifier receives post-commit notifications about accepted orders and
// executed trades. Implementations must not block the caller for long;
// the engine has already committed by the time these run.
type Notifier interface {
	OrderPlaced(ctx context.Context, o *model.Order)
	OrderUpdated(ctx context.Context, o *model.Order)
	TradeExecuted(ctx context.Context, t *model.Trade)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) OrderPlaced(context.Context, *model.Order)   {}
func (NopNotifier) OrderUpdated(context.Context, *model.Order)  {}
func (NopNotifier) TradeExecuted(context.Context, *model.Trade) {}

// Engine is the matching and settlement core. One PlaceOrder or
// CancelOrder call is one atomic transaction against the store.
type Engine struct {
	store    store.Store
	cfg      Config
	limiter  *risk.PositionLimiter
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
}

// New creates an Engine. A nil logger or notifier falls back to a
// discard default.
func New(st store.Store, cfg Config, log *slog.Logger, n Notifier) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if n == nil {
		n = NopNotifier{}
	}
	return &Engine{
		store:    st,
		cfg:      cfg,
		limiter:  risk.NewPositionLimiter(cfg.MaxPositionPerEvent, cfg.MaxTotalExposure),
		notifier: n,
		log:      log,
		now:      time.Now,
	}
}

// PlaceOrderResult is what a successful placement returns: the order in
// its post-pipeline state, every trade it produced, and the funds
// reserved at placement.
type PlaceOrderResult struct {
	Order       *model.Order    `json:"order"`
	Trades      []*model.Trade  `json:"trades"`
	LockedFunds decimal.Decimal `json:"locked_funds"`
}

// PlaceOrder runs the full placement pipeline in one transaction:
// validate, check the event window, reserve funds, match against the
// book in price-time priority, fall through to the AMM pool, then apply
// the time-in-force policy to any remainder. Any failure rolls the
// whole transaction back; no partial state is ever visible.
func (e *Engine) PlaceOrder(ctx context.Context, data OrderData) (*PlaceOrderResult, error) {
	start := e.now()
	res, err := e.placeOrder(ctx, data)
	metrics.PlacementLatency.Observe(e.now().Sub(start).Seconds())
	if err != nil {
		code, ok := DomainCode(err)
		if !ok {
			code = CodeInternal
		}
		metrics.OrdersRejected.WithLabelValues(code).Inc()
		e.log.Warn("order rejected",
			"user_id", data.UserID,
			"event_id", data.EventID,
			"code", code,
			"error", err)
		return nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(string(res.Order.Type), string(res.Order.Side)).Inc()
	for _, t := range res.Trades {
		metrics.TradesTotal.WithLabelValues(string(t.Type), string(t.Side)).Inc()
		metrics.TradeVolume.WithLabelValues(t.EventID, string(t.Side)).Add(t.Quantity.InexactFloat64())
	}

	e.notifier.OrderPlaced(ctx, res.Order)
	for _, t := range res.Trades {
		e.notifier.TradeExecuted(ctx, t)
	}

	e.log.Info("order placed",
		"order_id", res.Order.ID,
		"user_id", res.Order.UserID,
		"event_id", res.Order.EventID,
		"type", res.Order.Type,
		"side", res.Order.Side,
		"action", res.Order.Action,
		"status", res.Order.Status,
		"filled", res.Order.FilledQuantity,
		"remaining", res.Order.RemainingQuantity,
		"trades", len(res.Trades))
	return res, nil
}

func (e *Engine) placeOrder(ctx context.Context, data OrderData) (*PlaceOrderResult, error) {
	if err := validateOrderData(data); err != nil {
		return nil, err
	}

	var res *PlaceOrderResult
	err := e.store.InTx(ctx, func(tx store.Ledger) error {
		now := e.now()

		event, err := tx.GetEvent(ctx, data.EventID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return Validation("event %s not found", data.EventID)
			}
			return Internal(err)
		}
		if !event.Tradable(now) {
			return ErrEventNotTradable
		}

		wallet, err := tx.GetWallet(ctx, data.UserID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrWalletNotFound
			}
			return Internal(err)
		}

		// Worst-case position check: the full quantity, as if it fills.
		delta := model.RoundQty(data.Quantity)
		if data.Action == model.ActionSell {
			delta = delta.Neg()
		}
		positions, err := tx.ListPositionsByUser(ctx, data.UserID)
		if err != nil {
			return Internal(err)
		}
		if err := e.limiter.Check(data.EventID, data.Side, delta, positions); err != nil {
			return &Error{Code: CodePositionLimit, Message: err.Error(), cause: err}
		}

		reserved, err := e.requiredReservation(data, event)
		if err != nil {
			return err
		}

		order := e.buildOrder(data, event, reserved, now)
		if err := tx.InsertOrder(ctx, order); err != nil {
			return Internal(err)
		}
		if err := e.lockFunds(ctx, tx, wallet, order.ID, reserved, now); err != nil {
			return err
		}

		trades, err := e.matchOrder(ctx, tx, event, order, now)
		if err != nil {
			return err
		}
		if order.RemainingQuantity.IsPositive() {
			poolTrade, err := e.fillFromPool(ctx, tx, event, order, now)
			if err != nil {
				return err
			}
			if poolTrade != nil {
				trades = append(trades, poolTrade)
			}
		}

		if order.RemainingQuantity.IsPositive() {
			switch order.TimeInForce {
			case model.TimeInForceFOK:
				return ErrFillOrKill
			case model.TimeInForceIOC:
				transition(order, model.OrderStatusCancelled, now)
				if err := e.releaseReservation(ctx, tx, order, now); err != nil {
					return err
				}
				if err := tx.UpdateOrder(ctx, order); err != nil {
					return Internal(err)
				}
			}
			// GTC remainder rests on the book as pending or partial.
		}

		res = &PlaceOrderResult{Order: order, Trades: trades, LockedFunds: reserved}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CancelOrder cancels the remainder of an open order owned by userID
// and returns its unused reservation to the spendable balance.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	var cancelled *model.Order
	err := e.store.InTx(ctx, func(tx store.Ledger) error {
		now := e.now()

		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrOrderNotFound
			}
			return Internal(err)
		}
		// Ownership failures look identical to missing orders so order
		// IDs cannot be probed.
		if order.UserID != userID {
			return ErrOrderNotFound
		}
		if order.Status.Terminal() {
			return Validation("order %s is already %s", orderID, order.Status)
		}

		transition(order, model.OrderStatusCancelled, now)
		if err := e.releaseReservation(ctx, tx, order, now); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return Internal(err)
		}
		cancelled = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notifier.OrderUpdated(ctx, cancelled)
	e.log.Info("order cancelled", "order_id", cancelled.ID, "user_id", userID)
	return cancelled, nil
}

// ExpireOrders transitions every open order past its expiry on one
// event to expired and releases the reservations. Meant to run from a
// periodic sweep once an event closes.
func (e *Engine) ExpireOrders(ctx context.Context, eventID string) (int, error) {
	expired := 0
	err := e.store.InTx(ctx, func(tx store.Ledger) error {
		now := e.now()

		open, err := tx.ListOpenOrders(ctx, eventID)
		if err != nil {
			return Internal(err)
		}
		for i := range open {
			order := &open[i]
			if now.Before(order.ExpiresAt) {
				continue
			}
			transition(order, model.OrderStatusExpired, now)
			if err := e.releaseReservation(ctx, tx, order, now); err != nil {
				return err
			}
			if err := tx.UpdateOrder(ctx, order); err != nil {
				return Internal(err)
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		e.log.Info("orders expired", "event_id", eventID, "count", expired)
	}
	return expired, nil
}

// GetOrder returns one order owned by userID.
func (e *Engine) GetOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, Internal(err)
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}
