package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/lmsr"
	"github.com/predyx/exchange-core/internal/metrics"
	"github.com/predyx/exchange-core/internal/model"
	"github.com/predyx/exchange-core/internal/store"
)

var ten = decimal.NewFromInt(10)

// fillFromPool fills the taker's remaining quantity against the LMSR
// liquidity pool. The AMM quote is all-or-nothing: limit orders whose
// limit price the average execution price would breach get no pool fill
// at all, and their remainder is left for the time-in-force policy.
// Market orders always fill completely. Returns the trade, or nil when
// the pool declined.
func (e *Engine) fillFromPool(ctx context.Context, tx store.Ledger, event *model.Event, taker *model.Order, now time.Time) (*model.Trade, error) {
	if !taker.RemainingQuantity.IsPositive() {
		return nil, nil
	}

	pool, err := e.loadPool(ctx, tx, event, now)
	if err != nil {
		return nil, err
	}
	curve, err := lmsr.NewCurve(pool.B)
	if err != nil {
		return nil, Internal(err)
	}

	qty := taker.RemainingQuantity
	delta := qty
	if taker.Action == model.ActionSell {
		delta = qty.Neg()
	}

	// LMSR cost is on the 0-1 probability scale; cash amounts live on
	// the 0-10 price scale.
	var raw decimal.Decimal
	if taker.Side == model.SideYes {
		raw = curve.TradeCost(pool.QYes, pool.QNo, delta)
	} else {
		raw = curve.TradeCostNo(pool.QYes, pool.QNo, delta)
	}
	avgPrice := model.RoundQty(raw.Abs().Mul(ten).Div(qty))

	if taker.Type == model.OrderTypeLimit {
		breach := taker.Action == model.ActionBuy && avgPrice.GreaterThan(taker.LimitPrice) ||
			taker.Action == model.ActionSell && avgPrice.LessThan(taker.LimitPrice)
		if breach {
			metrics.AMMRejections.Inc()
			return nil, nil
		}
	}

	trade, err := e.settleFill(ctx, tx, execution{
		event:     event,
		taker:     taker,
		quantity:  qty,
		price:     avgPrice,
		tradeType: model.TradeTypeAMMPool,
	}, now)
	if err != nil {
		return nil, err
	}

	if taker.Side == model.SideYes {
		pool.QYes = pool.QYes.Add(delta)
	} else {
		pool.QNo = pool.QNo.Add(delta)
	}
	pool.UpdatedAt = now
	if err := tx.UpsertPool(ctx, pool); err != nil {
		return nil, Internal(err)
	}

	// Reprice the event off the moved pool so the next market order
	// reserves against a current quote.
	yes, no := curve.Prices(pool.QYes, pool.QNo)
	if err := tx.UpdateEventPrices(ctx, event.ID, yes, no); err != nil {
		return nil, Internal(err)
	}
	event.LastYesPrice = yes
	event.LastNoPrice = no

	return trade, nil
}

// loadPool fetches the event's pool, lazily creating one with the
// configured liquidity parameter on first trade. A new pool is seeded
// so its quote matches the event's current reference prices instead of
// resetting the market to even odds.
func (e *Engine) loadPool(ctx context.Context, tx store.Ledger, event *model.Event, now time.Time) (*model.Pool, error) {
	pool, err := tx.GetPool(ctx, event.ID)
	if err == nil {
		return pool, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, Internal(err)
	}
	curve, err := lmsr.NewCurve(e.cfg.PoolLiquidity)
	if err != nil {
		return nil, Internal(err)
	}
	qYes, qNo := curve.Seed(event.LastYesPrice)
	pool = &model.Pool{
		EventID:   event.ID,
		QYes:      model.RoundQty(qYes),
		QNo:       model.RoundQty(qNo),
		B:         e.cfg.PoolLiquidity,
		UpdatedAt: now,
	}
	if err := tx.UpsertPool(ctx, pool); err != nil {
		return nil, Internal(err)
	}
	return pool, nil
}
