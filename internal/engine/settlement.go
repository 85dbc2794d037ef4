package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/model"
	"github.com/predyx/exchange-core/internal/store"
)

// reservationEpsilon tolerates the per-fill rounding drift between a
// fill's cost and the order's remaining reservation.
var reservationEpsilon = decimal.New(1, -model.MoneyScale)

// execution describes one fill about to settle. maker is nil when the
// counterparty is the AMM pool.
type execution struct {
	event     *model.Event
	taker     *model.Order
	maker     *model.Order
	quantity  decimal.Decimal
	price     decimal.Decimal
	tradeType model.TradeType
}

// settleFill writes one trade and settles both legs atomically within
// the enclosing transaction: wallet movements, position updates, order
// bookkeeping, and the audit trail. The maker pays the lower fee rate;
// AMM fills have no maker leg and charge the taker rate only.
func (e *Engine) settleFill(ctx context.Context, tx store.Ledger, x execution, now time.Time) (*model.Trade, error) {
	qty := model.RoundQty(x.quantity)
	price := model.RoundQty(x.price)
	amount := model.RoundMoney(qty.Mul(price))
	takerFee := model.RoundMoney(amount.Mul(e.cfg.TakerFeeRate))

	makerFee := decimal.Zero
	if x.maker != nil {
		makerFee = model.RoundMoney(amount.Mul(e.cfg.MakerFeeRate))
	}

	trade := &model.Trade{
		ID:           uuid.New().String(),
		EventID:      x.event.ID,
		TakerOrderID: x.taker.ID,
		TakerUserID:  x.taker.UserID,
		Side:         x.taker.Side,
		Quantity:     qty,
		Price:        price,
		Amount:       amount,
		MakerFee:     makerFee,
		TakerFee:     takerFee,
		TotalFees:    makerFee.Add(takerFee),
		Type:         x.tradeType,
		ExecutedAt:   now,
	}
	if x.maker != nil {
		trade.MakerOrderID = &x.maker.ID
		trade.MakerUserID = &x.maker.UserID
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, Internal(err)
	}

	if err := e.settleLeg(ctx, tx, x.taker, qty, price, amount, takerFee, trade.ID, now); err != nil {
		return nil, err
	}
	if x.maker != nil {
		if err := e.settleLeg(ctx, tx, x.maker, qty, price, amount, makerFee, trade.ID, now); err != nil {
			return nil, err
		}
	}
	return trade, nil
}

// settleLeg applies one fill to one participant: position delta with
// realized PnL, wallet settlement, and order bookkeeping. Buyers pay
// amount+fee from their locked reservation; sellers receive amount-fee
// into spendable balance and get the matching slice of their collateral
// reservation released.
func (e *Engine) settleLeg(ctx context.Context, tx store.Ledger, o *model.Order, qty, price, amount, fee decimal.Decimal, tradeID string, now time.Time) error {
	w, err := tx.GetWallet(ctx, o.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrWalletNotFound
		}
		return Internal(err)
	}

	pnl, err := e.applyPositionFill(ctx, tx, o, qty, price, amount, now)
	if err != nil {
		return err
	}

	if o.Action == model.ActionBuy {
		cost := amount.Add(fee)
		// A fill spends only its own order's reservation, never the
		// collateral other orders hold in the locked balance. A cent of
		// headroom absorbs per-fill rounding.
		if cost.GreaterThan(o.ReservedRemaining.Add(reservationEpsilon)) {
			return ErrInsufficientFunds
		}
		if err := e.debitLocked(ctx, tx, w, o.ID, &tradeID, cost, now); err != nil {
			return err
		}
		o.ReservedRemaining = decimal.Max(decimal.Zero, o.ReservedRemaining.Sub(cost))
	} else {
		slice := e.reservationSlice(o, qty)
		if slice.IsPositive() {
			unlock := decimal.Min(slice, w.LockedBalance)
			before := *w
			w.LockedBalance = w.LockedBalance.Sub(unlock)
			w.Balance = w.Balance.Add(unlock)
			if err := tx.UpdateWallet(ctx, w); err != nil {
				return Internal(err)
			}
			if err := e.audit(ctx, tx, &before, w, o.ID, &tradeID, model.TxnKindUnlock, unlock, now); err != nil {
				return err
			}
			o.ReservedRemaining = o.ReservedRemaining.Sub(slice)
		}
		proceeds := amount.Sub(fee)
		if err := e.creditBalance(ctx, tx, w, o.ID, &tradeID, proceeds, pnl, now); err != nil {
			return err
		}
	}

	return e.applyOrderFill(ctx, tx, o, qty, amount, fee, now)
}

// reservationSlice returns the portion of a sell order's collateral
// reservation covered by this fill, pro-rated by quantity. The last
// fill takes whatever is left so rounding never strands locked funds.
func (e *Engine) reservationSlice(o *model.Order, qty decimal.Decimal) decimal.Decimal {
	if !o.ReservedRemaining.IsPositive() {
		return decimal.Zero
	}
	if o.RemainingQuantity.Sub(qty).IsZero() {
		return o.ReservedRemaining
	}
	slice := model.RoundMoney(o.TotalAmount.Mul(qty).Div(o.OriginalQuantity))
	return decimal.Min(slice, o.ReservedRemaining)
}

// applyOrderFill advances the order's fill bookkeeping and transitions
// it to partial or filled. A newly filled order has any residual
// reservation returned immediately.
func (e *Engine) applyOrderFill(ctx context.Context, tx store.Ledger, o *model.Order, qty, amount, fee decimal.Decimal, now time.Time) error {
	notional := o.AverageFillPrice.Mul(o.FilledQuantity).Add(amount)
	o.FilledQuantity = model.RoundQty(o.FilledQuantity.Add(qty))
	o.RemainingQuantity = model.RoundQty(o.OriginalQuantity.Sub(o.FilledQuantity))
	o.AverageFillPrice = model.RoundQty(notional.Div(o.FilledQuantity))
	o.Fees = o.Fees.Add(fee)

	if o.RemainingQuantity.IsPositive() {
		transition(o, model.OrderStatusPartial, now)
	} else {
		transition(o, model.OrderStatusFilled, now)
		if err := e.releaseReservation(ctx, tx, o, now); err != nil {
			return err
		}
	}
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return Internal(err)
	}
	return nil
}

// applyPositionFill folds one fill into the participant's (event, side)
// position using signed average-cost accounting. Buys add positive
// share deltas, sells negative; reducing or flipping an existing
// position realizes PnL against the average entry price. Returns the
// realized PnL of this fill.
func (e *Engine) applyPositionFill(ctx context.Context, tx store.Ledger, o *model.Order, qty, price, amount decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	pos, err := tx.GetPosition(ctx, o.UserID, o.EventID, o.Side)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, Internal(err)
		}
		pos = &model.Position{
			UserID:  o.UserID,
			EventID: o.EventID,
			Side:    o.Side,
		}
	}

	delta := qty
	if o.Action == model.ActionSell {
		delta = qty.Neg()
	}

	pnl := decimal.Zero
	prior := pos.Shares

	switch {
	case prior.IsZero() || prior.Sign() == delta.Sign():
		// Extending in the same direction: shorts carry negative
		// invested amounts, so proceeds net out of the cost basis.
		pos.TotalInvested = pos.TotalInvested.Add(delta.Mul(price))
	default:
		reduce := decimal.Min(qty, prior.Abs())
		if prior.Sign() > 0 {
			// Closing a long: proceeds minus cost basis.
			pnl = model.RoundMoney(reduce.Mul(price.Sub(pos.AveragePrice)))
		} else {
			// Covering a short: entry price minus cover price.
			pnl = model.RoundMoney(reduce.Mul(pos.AveragePrice.Sub(price)))
		}
		basis := reduce.Mul(pos.AveragePrice)
		if prior.Sign() > 0 {
			pos.TotalInvested = pos.TotalInvested.Sub(basis)
		} else {
			pos.TotalInvested = pos.TotalInvested.Add(basis)
		}
		// Any remainder past flat flips into a new position at the
		// fill price.
		if flip := qty.Sub(reduce); flip.IsPositive() {
			signed := flip
			if delta.Sign() < 0 {
				signed = flip.Neg()
			}
			pos.TotalInvested = pos.TotalInvested.Add(signed.Mul(price))
		}
		pos.RealizedPnl = pos.RealizedPnl.Add(pnl)
	}

	pos.Shares = model.RoundQty(prior.Add(delta))
	pos.TotalInvested = model.RoundMoney(pos.TotalInvested)
	if pos.Shares.IsZero() {
		pos.TotalInvested = decimal.Zero
		pos.AveragePrice = decimal.Zero
	} else {
		pos.AveragePrice = model.RoundQty(pos.TotalInvested.Div(pos.Shares).Abs())
	}
	pos.UpdatedAt = now

	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return decimal.Zero, Internal(err)
	}
	return pnl, nil
}
