package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/model"
	"github.com/predyx/exchange-core/internal/store"
)

var one = decimal.NewFromInt(1)

// requiredReservation computes the funds to reserve for a new order.
// Limit orders reserve quantity*limitPrice*(1+takerFeeRate). Market
// orders have no price bound, so they reserve against the reference
// price padded by the slippage tolerance.
func (e *Engine) requiredReservation(data OrderData, event *model.Event) (decimal.Decimal, error) {
	feeMul := one.Add(e.cfg.TakerFeeRate)

	if data.Type == model.OrderTypeLimit {
		return model.RoundMoney(data.Quantity.Mul(data.LimitPrice).Mul(feeMul)), nil
	}

	ref := data.Price
	if !ref.IsPositive() {
		ref = event.ReferencePrice(data.Side)
	}
	if !ref.IsPositive() {
		return decimal.Zero, Validation("no reference price available for market order")
	}
	slipMul := one.Add(e.cfg.SlippageTolerance)
	return model.RoundMoney(data.Quantity.Mul(ref).Mul(slipMul).Mul(feeMul)), nil
}

// lockFunds atomically moves amount from balance to locked balance. It
// runs after order persistence and before matching, inside the same
// transaction, so no concurrent order can reserve the same funds twice.
func (e *Engine) lockFunds(ctx context.Context, tx store.Ledger, w *model.Wallet, orderID string, amount decimal.Decimal, now time.Time) error {
	if w.Balance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	before := *w
	w.Balance = w.Balance.Sub(amount)
	w.LockedBalance = w.LockedBalance.Add(amount)
	if err := tx.UpdateWallet(ctx, w); err != nil {
		return Internal(err)
	}
	return e.audit(ctx, tx, &before, w, orderID, nil, model.TxnKindLock, amount, now)
}

// debitLocked removes settled funds from the locked balance: money
// leaving the wallet for a fill.
func (e *Engine) debitLocked(ctx context.Context, tx store.Ledger, w *model.Wallet, orderID string, tradeID *string, amount decimal.Decimal, now time.Time) error {
	if w.LockedBalance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	before := *w
	w.LockedBalance = w.LockedBalance.Sub(amount)
	if err := tx.UpdateWallet(ctx, w); err != nil {
		return Internal(err)
	}
	return e.audit(ctx, tx, &before, w, orderID, tradeID, model.TxnKindDebit, amount, now)
}

// creditBalance adds settlement proceeds to the spendable balance.
func (e *Engine) creditBalance(ctx context.Context, tx store.Ledger, w *model.Wallet, orderID string, tradeID *string, amount, realizedPnl decimal.Decimal, now time.Time) error {
	before := *w
	w.Balance = w.Balance.Add(amount)
	w.TotalPnl = w.TotalPnl.Add(realizedPnl)
	if err := tx.UpdateWallet(ctx, w); err != nil {
		return Internal(err)
	}
	return e.audit(ctx, tx, &before, w, orderID, tradeID, model.TxnKindCredit, amount, now)
}

// releaseReservation returns an order's unused reservation from locked
// balance to spendable balance. Called exactly once, when the order
// reaches a terminal state.
func (e *Engine) releaseReservation(ctx context.Context, tx store.Ledger, o *model.Order, now time.Time) error {
	if !o.ReservedRemaining.IsPositive() {
		return nil
	}
	w, err := tx.GetWallet(ctx, o.UserID)
	if err != nil {
		return Internal(err)
	}
	unlock := decimal.Min(o.ReservedRemaining, w.LockedBalance)
	before := *w
	w.LockedBalance = w.LockedBalance.Sub(unlock)
	w.Balance = w.Balance.Add(unlock)
	if err := tx.UpdateWallet(ctx, w); err != nil {
		return Internal(err)
	}
	o.ReservedRemaining = decimal.Zero
	return e.audit(ctx, tx, &before, w, o.ID, nil, model.TxnKindUnlock, unlock, now)
}

// audit appends one append-only wallet movement row with before/after
// snapshots of both balance components.
func (e *Engine) audit(ctx context.Context, tx store.Ledger, before, after *model.Wallet, orderID string, tradeID *string, kind string, amount decimal.Decimal, now time.Time) error {
	err := tx.AppendTransaction(ctx, &model.Transaction{
		ID:            uuid.New().String(),
		UserID:        after.UserID,
		OrderID:       orderID,
		TradeID:       tradeID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: before.Balance,
		BalanceAfter:  after.Balance,
		LockedBefore:  before.LockedBalance,
		LockedAfter:   after.LockedBalance,
		CreatedAt:     now,
	})
	if err != nil {
		return Internal(err)
	}
	return nil
}
