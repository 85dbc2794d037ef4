package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/engine"
	"github.com/predyx/exchange-core/internal/model"
	"github.com/predyx/exchange-core/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEngine creates an engine over an in-memory ledger with the
// default configuration: 2% taker fee, 1% maker fee, 10% slippage.
func newTestEngine(t *testing.T) (*engine.Engine, *store.MemoryLedger) {
	t.Helper()
	ml := store.NewMemoryLedger()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return engine.New(ml, engine.DefaultConfig(), logger, nil), ml
}

func seedEvent(t *testing.T, ml *store.MemoryLedger, id string, yesPrice float64) model.Event {
	t.Helper()
	e := model.Event{
		ID:           id,
		Status:       model.EventStatusActive,
		EndTime:      time.Now().Add(24 * time.Hour),
		LastYesPrice: d(yesPrice),
		LastNoPrice:  d(10).Sub(d(yesPrice)),
	}
	ml.PutEvent(e)
	return e
}

func seedWallet(t *testing.T, ml *store.MemoryLedger, userID string, balance float64) {
	t.Helper()
	ml.PutWallet(model.Wallet{
		UserID:         userID,
		Balance:        d(balance),
		TotalDeposited: d(balance),
	})
}

func place(t *testing.T, eng *engine.Engine, data engine.OrderData) *engine.PlaceOrderResult {
	t.Helper()
	res, err := eng.PlaceOrder(context.Background(), data)
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	return res
}

func wallet(t *testing.T, ml *store.MemoryLedger, userID string) *model.Wallet {
	t.Helper()
	w, err := ml.GetWallet(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetWallet(%s) failed: %v", userID, err)
	}
	return w
}

func limitSell(user, event string, qty, price float64) engine.OrderData {
	return engine.OrderData{
		UserID: user, EventID: event,
		Side: model.SideYes, Action: model.ActionSell,
		Type: model.OrderTypeLimit, Quantity: d(qty), LimitPrice: d(price),
	}
}

func limitBuy(user, event string, qty, price float64) engine.OrderData {
	return engine.OrderData{
		UserID: user, EventID: event,
		Side: model.SideYes, Action: model.ActionBuy,
		Type: model.OrderTypeLimit, Quantity: d(qty), LimitPrice: d(price),
	}
}

func marketBuy(user, event string, qty float64) engine.OrderData {
	return engine.OrderData{
		UserID: user, EventID: event,
		Side: model.SideYes, Action: model.ActionBuy,
		Type: model.OrderTypeMarket, Quantity: d(qty),
	}
}

// --- Book matching ---

func TestPlaceOrder_MarketBuyFillsRestingSell(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 6.0)
	seedWallet(t, ml, "seller", 100)
	seedWallet(t, ml, "buyer", 100)

	sellRes := place(t, eng, limitSell("seller", "ev1", 10, 6.0))
	if sellRes.Order.Status != model.OrderStatusPending {
		t.Fatalf("resting sell should be pending, got %s", sellRes.Order.Status)
	}
	if len(sellRes.Trades) != 0 {
		t.Fatalf("resting sell should produce no trades, got %d", len(sellRes.Trades))
	}

	buyRes := place(t, eng, marketBuy("buyer", "ev1", 10))

	if len(buyRes.Trades) != 1 {
		t.Fatalf("expected exactly 1 trade, got %d", len(buyRes.Trades))
	}
	trade := buyRes.Trades[0]
	if trade.Type != model.TradeTypeOrderBook {
		t.Errorf("expected ORDER_BOOK trade, got %s", trade.Type)
	}
	if !trade.Price.Equal(d(6.0)) {
		t.Errorf("execution should happen at the maker's price 6.0, got %s", trade.Price)
	}
	if !trade.Quantity.Equal(d(10)) {
		t.Errorf("expected quantity 10, got %s", trade.Quantity)
	}
	if !trade.Amount.Equal(d(60)) {
		t.Errorf("expected amount 60, got %s", trade.Amount)
	}
	if !trade.TakerFee.Equal(d(1.2)) || !trade.MakerFee.Equal(d(0.6)) {
		t.Errorf("expected fees taker=1.2 maker=0.6, got taker=%s maker=%s", trade.TakerFee, trade.MakerFee)
	}
	if !trade.TotalFees.Equal(trade.MakerFee.Add(trade.TakerFee)) {
		t.Errorf("total fees %s != maker %s + taker %s", trade.TotalFees, trade.MakerFee, trade.TakerFee)
	}

	if buyRes.Order.Status != model.OrderStatusFilled {
		t.Errorf("taker should be filled, got %s", buyRes.Order.Status)
	}
	maker, _ := ml.GetOrder(context.Background(), sellRes.Order.ID)
	if maker.Status != model.OrderStatusFilled {
		t.Errorf("maker should be filled, got %s", maker.Status)
	}

	// Buyer pays 60 + 1.2 taker fee; seller receives 60 - 0.6 maker fee.
	bw := wallet(t, ml, "buyer")
	if !bw.Balance.Equal(d(38.8)) {
		t.Errorf("buyer balance: want 38.8, got %s", bw.Balance)
	}
	if !bw.LockedBalance.IsZero() {
		t.Errorf("buyer locked balance should be released, got %s", bw.LockedBalance)
	}
	sw := wallet(t, ml, "seller")
	if !sw.Balance.Equal(d(159.4)) {
		t.Errorf("seller balance: want 159.4, got %s", sw.Balance)
	}
	if !sw.LockedBalance.IsZero() {
		t.Errorf("seller locked balance should be released, got %s", sw.LockedBalance)
	}
}

func TestPlaceOrder_LimitBuyRestsWhenPoolTooExpensive(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 5.0)
	seedWallet(t, ml, "u1", 100)

	// Empty book and a pool quoting ~5.0: a NO buy limited to 4.0 gets
	// nothing and rests.
	res := place(t, eng, engine.OrderData{
		UserID: "u1", EventID: "ev1",
		Side: model.SideNo, Action: model.ActionBuy,
		Type: model.OrderTypeLimit, Quantity: d(5), LimitPrice: d(4.0),
	})

	if len(res.Trades) != 0 {
		t.Fatalf("expected no trades, got %d", len(res.Trades))
	}
	if res.Order.Status != model.OrderStatusPending {
		t.Errorf("order should rest as pending, got %s", res.Order.Status)
	}
	if !res.Order.RemainingQuantity.Equal(d(5)) {
		t.Errorf("remaining should stay 5, got %s", res.Order.RemainingQuantity)
	}

	// The reservation stays held while the order rests.
	w := wallet(t, ml, "u1")
	reserved := model.RoundMoney(d(5).Mul(d(4.0)).Mul(d(1.02)))
	if !w.LockedBalance.Equal(reserved) {
		t.Errorf("locked balance: want %s, got %s", reserved, w.LockedBalance)
	}
}

func TestPlaceOrder_ConcurrentTakersNeverOverfill(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 6.0)
	seedWallet(t, ml, "maker", 100)
	takers := []string{"t1", "t2", "t3", "t4", "t5"}
	for _, u := range takers {
		seedWallet(t, ml, u, 100)
	}

	makerRes := place(t, eng, limitSell("maker", "ev1", 3, 6.0))

	var wg sync.WaitGroup
	for _, u := range takers {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			// Market buys fall through to the pool once the maker is
			// exhausted; none may fail.
			if _, err := eng.PlaceOrder(context.Background(), marketBuy(user, "ev1", 1)); err != nil {
				t.Errorf("concurrent PlaceOrder(%s) failed: %v", user, err)
			}
		}(u)
	}
	wg.Wait()

	maker, _ := ml.GetOrder(context.Background(), makerRes.Order.ID)
	if !maker.FilledQuantity.Equal(d(3)) {
		t.Errorf("maker filled: want exactly 3, got %s", maker.FilledQuantity)
	}
	if maker.RemainingQuantity.Sign() < 0 {
		t.Errorf("maker remaining went negative: %s", maker.RemainingQuantity)
	}
	if maker.Status != model.OrderStatusFilled {
		t.Errorf("maker should be filled, got %s", maker.Status)
	}

	trades, _ := ml.ListTradesByEvent(context.Background(), "ev1")
	bookQty := decimal.Zero
	for _, tr := range trades {
		if tr.Type == model.TradeTypeOrderBook {
			bookQty = bookQty.Add(tr.Quantity)
		}
	}
	if !bookQty.Equal(d(3)) {
		t.Errorf("book volume against the maker: want 3, got %s", bookQty)
	}
}

func TestPlaceOrder_PriceTimePriority(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 6.0)
	for _, u := range []string{"s1", "s2", "s3", "buyer"} {
		seedWallet(t, ml, u, 100)
	}

	// s1 rests first but at a worse price; s2 and s3 share the best
	// price, s2 first.
	worse := place(t, eng, limitSell("s1", "ev1", 5, 6.5))
	first := place(t, eng, limitSell("s2", "ev1", 5, 6.0))
	second := place(t, eng, limitSell("s3", "ev1", 5, 6.0))

	res := place(t, eng, marketBuy("buyer", "ev1", 8))

	if len(res.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(res.Trades))
	}
	if *res.Trades[0].MakerOrderID != first.Order.ID {
		t.Errorf("first fill should hit the oldest best-priced maker")
	}
	if !res.Trades[0].Quantity.Equal(d(5)) {
		t.Errorf("first fill quantity: want 5, got %s", res.Trades[0].Quantity)
	}
	if *res.Trades[1].MakerOrderID != second.Order.ID {
		t.Errorf("second fill should hit the next maker at the same price")
	}
	if !res.Trades[1].Quantity.Equal(d(3)) {
		t.Errorf("second fill quantity: want 3, got %s", res.Trades[1].Quantity)
	}

	untouched, _ := ml.GetOrder(context.Background(), worse.Order.ID)
	if !untouched.RemainingQuantity.Equal(d(5)) {
		t.Errorf("worse-priced maker should be untouched, remaining %s", untouched.RemainingQuantity)
	}
}

func TestPlaceOrder_ExecutesAtMakerPrice(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 6.0)
	seedWallet(t, ml, "seller", 100)
	seedWallet(t, ml, "buyer", 100)

	place(t, eng, limitSell("seller", "ev1", 4, 6.0))
	res := place(t, eng, limitBuy("buyer", "ev1", 4, 7.0))

	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	if !res.Trades[0].Price.Equal(d(6.0)) {
		t.Errorf("execution price should be the maker's 6.0, not the taker's 7.0, got %s", res.Trades[0].Price)
	}
}

func TestPlaceOrder_NoSelfTrade(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 5.0)
	seedWallet(t, ml, "u1", 1000)

	rest := place(t, eng, limitSell("u1", "ev1", 5, 6.0))
	res := place(t, eng, limitBuy("u1", "ev1", 5, 6.0))

	for _, tr := range res.Trades {
		if tr.MakerOrderID != nil && *tr.MakerOrderID == rest.Order.ID {
			t.Fatalf("order matched against the same user's resting order")
		}
	}
}

// --- Order lifecycle invariants ---

func TestPlaceOrder_QuantityInvariant(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 2.5)
	seedWallet(t, ml, "seller", 100)
	seedWallet(t, ml, "buyer", 100)

	// The ask rests above the ~2.5 pool quote. By the time the buyer
	// arrives the pool has repriced above the buyer's 3.5 limit, so
	// only the book leg fills and the remainder rests.
	place(t, eng, limitSell("seller", "ev1", 4, 3.0))
	ml.UpsertPool(context.Background(), &model.Pool{EventID: "ev1", QYes: decimal.Zero, QNo: d(400), B: d(1000)})
	res := place(t, eng, limitBuy("buyer", "ev1", 10, 3.5))

	o := res.Order
	if !o.RemainingQuantity.Add(o.FilledQuantity).Equal(o.OriginalQuantity) {
		t.Errorf("remaining %s + filled %s != original %s",
			o.RemainingQuantity, o.FilledQuantity, o.OriginalQuantity)
	}
	if o.Status != model.OrderStatusPartial {
		t.Errorf("partially filled order should be partial, got %s", o.Status)
	}
	if !o.FilledQuantity.Equal(d(4)) {
		t.Errorf("filled: want 4, got %s", o.FilledQuantity)
	}
}

func TestPlaceOrder_FundsConservation(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 6.0)
	users := []string{"a", "b", "c"}
	for _, u := range users {
		seedWallet(t, ml, u, 500)
	}

	place(t, eng, limitSell("a", "ev1", 10, 6.0))
	place(t, eng, limitBuy("b", "ev1", 6, 6.5))
	place(t, eng, marketBuy("c", "ev1", 8))

	ctx := context.Background()
	total := decimal.Zero
	for _, u := range users {
		w := wallet(t, ml, u)
		if w.Balance.Sign() < 0 || w.LockedBalance.Sign() < 0 {
			t.Errorf("wallet %s has a negative bucket: balance=%s locked=%s", u, w.Balance, w.LockedBalance)
		}
		total = total.Add(w.Balance).Add(w.LockedBalance)
	}

	fees := decimal.Zero
	trades, _ := ml.ListTradesByEvent(ctx, "ev1")
	for _, tr := range trades {
		fees = fees.Add(tr.TotalFees)
		if !tr.Amount.Equal(model.RoundMoney(tr.Quantity.Mul(tr.Price))) {
			t.Errorf("trade %s amount %s != round(qty*price)", tr.ID, tr.Amount)
		}
	}

	// AMM fills move cash between traders and the pool, so book-only
	// flow must conserve: initial = remaining + collected fees + net
	// paid to the pool. Here every fill is book or pool-buy, so wallet
	// totals can only shrink by fees plus pool inflow.
	if total.GreaterThan(d(1500)) {
		t.Errorf("wallet totals grew out of nowhere: %s > 1500", total)
	}
	if fees.Sign() <= 0 {
		t.Errorf("expected positive collected fees, got %s", fees)
	}
}

// --- Rejections ---

func TestPlaceOrder_InsufficientFunds(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 5.0)
	seedWallet(t, ml, "poor", 10)

	_, err := eng.PlaceOrder(context.Background(), limitBuy("poor", "ev1", 10, 6.0))
	if code, _ := engine.DomainCode(err); code != engine.CodeInsufficientFunds {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %v", err)
	}

	// Nothing persists: the rejected order rolled back.
	orders, _ := ml.ListOrdersByUser(context.Background(), "poor")
	if len(orders) != 0 {
		t.Errorf("rejected order leaked into the store: %d orders", len(orders))
	}
	w := wallet(t, ml, "poor")
	if !w.Balance.Equal(d(10)) || !w.LockedBalance.IsZero() {
		t.Errorf("wallet mutated by rejected order: balance=%s locked=%s", w.Balance, w.LockedBalance)
	}
}

func TestPlaceOrder_EventNotTradable(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedWallet(t, ml, "u1", 100)

	ml.PutEvent(model.Event{
		ID:           "closed",
		Status:       "resolved",
		EndTime:      time.Now().Add(time.Hour),
		LastYesPrice: d(5), LastNoPrice: d(5),
	})
	_, err := eng.PlaceOrder(context.Background(), limitBuy("u1", "closed", 1, 5.0))
	if code, _ := engine.DomainCode(err); code != engine.CodeEventNotTradable {
		t.Fatalf("resolved event: expected EVENT_NOT_TRADABLE, got %v", err)
	}

	ml.PutEvent(model.Event{
		ID:           "ended",
		Status:       model.EventStatusActive,
		EndTime:      time.Now().Add(-time.Minute),
		LastYesPrice: d(5), LastNoPrice: d(5),
	})
	_, err = eng.PlaceOrder(context.Background(), limitBuy("u1", "ended", 1, 5.0))
	if code, _ := engine.DomainCode(err); code != engine.CodeEventNotTradable {
		t.Fatalf("ended event: expected EVENT_NOT_TRADABLE, got %v", err)
	}
}

func TestPlaceOrder_WalletNotFound(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 5.0)

	_, err := eng.PlaceOrder(context.Background(), limitBuy("ghost", "ev1", 1, 5.0))
	if code, _ := engine.DomainCode(err); code != engine.CodeWalletNotFound {
		t.Fatalf("expected WALLET_NOT_FOUND, got %v", err)
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 5.0)
	seedWallet(t, ml, "u1", 100)

	cases := []struct {
		name string
		data engine.OrderData
		code string
	}{
		{"missing user", engine.OrderData{EventID: "ev1", Side: model.SideYes, Action: model.ActionBuy, Type: model.OrderTypeLimit, Quantity: d(1), LimitPrice: d(5)}, engine.CodeValidation},
		{"bad side", engine.OrderData{UserID: "u1", EventID: "ev1", Side: "maybe", Action: model.ActionBuy, Type: model.OrderTypeLimit, Quantity: d(1), LimitPrice: d(5)}, engine.CodeValidation},
		{"bad type", engine.OrderData{UserID: "u1", EventID: "ev1", Side: model.SideYes, Action: model.ActionBuy, Type: "stop", Quantity: d(1)}, engine.CodeInvalidOrderType},
		{"zero quantity", limitBuy("u1", "ev1", 0, 5.0), engine.CodeValidation},
		{"negative quantity", limitBuy("u1", "ev1", -3, 5.0), engine.CodeValidation},
		{"limit price too low", limitBuy("u1", "ev1", 1, 0.4), engine.CodeValidation},
		{"limit price too high", limitBuy("u1", "ev1", 1, 9.6), engine.CodeValidation},
		{"market with limit price", engine.OrderData{UserID: "u1", EventID: "ev1", Side: model.SideYes, Action: model.ActionBuy, Type: model.OrderTypeMarket, Quantity: d(1), LimitPrice: d(5)}, engine.CodeInvalidOrderType},
		{"limit without limit price", engine.OrderData{UserID: "u1", EventID: "ev1", Side: model.SideYes, Action: model.ActionBuy, Type: model.OrderTypeLimit, Quantity: d(1)}, engine.CodeInvalidOrderType},
		{"unknown event", limitBuy("u1", "nope", 1, 5.0), engine.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.PlaceOrder(context.Background(), tc.data)
			if code, _ := engine.DomainCode(err); code != tc.code {
				t.Errorf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestPlaceOrder_PositionLimit(t *testing.T) {
	ml := store.NewMemoryLedger()
	cfg := engine.DefaultConfig()
	cfg.MaxPositionPerEvent = d(8)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(ml, cfg, logger, nil)

	seedEvent(t, ml, "ev1", 5.0)
	seedWallet(t, ml, "u1", 1000)

	place(t, eng, marketBuy("u1", "ev1", 5))

	// 5 held + 5 more would breach the 8-share cap.
	_, err := eng.PlaceOrder(context.Background(), marketBuy("u1", "ev1", 5))
	if code, _ := engine.DomainCode(err); code != engine.CodePositionLimit {
		t.Fatalf("expected POSITION_LIMIT_EXCEEDED, got %v", err)
	}

	// Selling back down always passes.
	if _, err := eng.PlaceOrder(context.Background(), engine.OrderData{
		UserID: "u1", EventID: "ev1",
		Side: model.SideYes, Action: model.ActionSell,
		Type: model.OrderTypeMarket, Quantity: d(5),
	}); err != nil {
		t.Fatalf("reducing the position should pass: %v", err)
	}
}

// Boundary limit prices are accepted.
func TestPlaceOrder_LimitPriceBounds(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 5.0)
	seedWallet(t, ml, "u1", 1000)

	for _, p := range []float64{0.5, 9.5} {
		if _, err := eng.PlaceOrder(context.Background(), limitSell("u1", "ev1", 1, p)); err != nil {
			t.Errorf("limit price %v should be accepted: %v", p, err)
		}
	}
}

// --- Time in force ---

func TestPlaceOrder_FOKRollsBackPartialFill(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 3.5)
	seedWallet(t, ml, "seller", 100)
	seedWallet(t, ml, "buyer", 200)

	rest := place(t, eng, limitSell("seller", "ev1", 5, 4.0))

	// The pool reprices to ~5.5, above the buyer's limit: the book
	// covers 5 of 10, the pool refuses the rest, and nothing may
	// persist.
	ml.UpsertPool(context.Background(), &model.Pool{EventID: "ev1", QYes: d(200), QNo: decimal.Zero, B: d(1000)})

	data := limitBuy("buyer", "ev1", 10, 4.5)
	data.TimeInForce = model.TimeInForceFOK
	_, err := eng.PlaceOrder(context.Background(), data)
	if code, _ := engine.DomainCode(err); code != engine.CodeFillOrKill {
		t.Fatalf("expected FILL_OR_KILL_FAILED, got %v", err)
	}

	maker, _ := ml.GetOrder(context.Background(), rest.Order.ID)
	if !maker.RemainingQuantity.Equal(d(5)) {
		t.Errorf("maker should be untouched after rollback, remaining %s", maker.RemainingQuantity)
	}
	bw := wallet(t, ml, "buyer")
	if !bw.Balance.Equal(d(200)) || !bw.LockedBalance.IsZero() {
		t.Errorf("buyer wallet mutated after rollback: balance=%s locked=%s", bw.Balance, bw.LockedBalance)
	}
}

func TestPlaceOrder_IOCCancelsRemainder(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 3.5)
	seedWallet(t, ml, "seller", 100)
	seedWallet(t, ml, "buyer", 200)

	place(t, eng, limitSell("seller", "ev1", 4, 4.0))

	// Pool repriced above the buyer's limit: only the book leg fills.
	ml.UpsertPool(context.Background(), &model.Pool{EventID: "ev1", QYes: d(200), QNo: decimal.Zero, B: d(1000)})

	data := limitBuy("buyer", "ev1", 10, 4.5)
	data.TimeInForce = model.TimeInForceIOC
	res := place(t, eng, data)

	if res.Order.Status != model.OrderStatusCancelled {
		t.Errorf("IOC remainder should cancel the order, got %s", res.Order.Status)
	}
	if !res.Order.FilledQuantity.Equal(d(4)) {
		t.Errorf("IOC should keep its fills: want 4, got %s", res.Order.FilledQuantity)
	}
	bw := wallet(t, ml, "buyer")
	if !bw.LockedBalance.IsZero() {
		t.Errorf("IOC cancel should release the remaining reservation, locked %s", bw.LockedBalance)
	}
}

// --- AMM pool ---

func TestPlaceOrder_MarketOrderFillsFromPool(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 5.0)
	seedWallet(t, ml, "u1", 100)

	res := place(t, eng, marketBuy("u1", "ev1", 10))

	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 pool trade, got %d", len(res.Trades))
	}
	trade := res.Trades[0]
	if trade.Type != model.TradeTypeAMMPool {
		t.Errorf("expected AMM_POOL trade, got %s", trade.Type)
	}
	if trade.MakerOrderID != nil || trade.MakerUserID != nil {
		t.Errorf("pool trades have no maker")
	}
	if trade.Price.LessThanOrEqual(decimal.Zero) || trade.Price.GreaterThanOrEqual(d(10)) {
		t.Errorf("pool price out of range: %s", trade.Price)
	}
	if res.Order.Status != model.OrderStatusFilled {
		t.Errorf("market order should fill completely, got %s", res.Order.Status)
	}

	// The pool moved, so the reference price must move with it.
	ev, _ := ml.GetEvent(context.Background(), "ev1")
	if !ev.LastYesPrice.GreaterThan(d(5.0)) {
		t.Errorf("buying yes should raise the yes price above 5.0, got %s", ev.LastYesPrice)
	}
	if !ev.LastYesPrice.Add(ev.LastNoPrice).Equal(d(10)) {
		t.Errorf("prices should stay complementary: yes %s + no %s", ev.LastYesPrice, ev.LastNoPrice)
	}

	pool, err := ml.GetPool(context.Background(), "ev1")
	if err != nil {
		t.Fatalf("pool should be created lazily: %v", err)
	}
	if !pool.QYes.Equal(d(10)) || !pool.QNo.IsZero() {
		t.Errorf("pool quantities: want qYes=10 qNo=0, got qYes=%s qNo=%s", pool.QYes, pool.QNo)
	}
}

func TestPlaceOrder_PoolIsAllOrNothing(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 5.0)
	seedWallet(t, ml, "u1", 2000)

	// A yes buy limited just above the resting quote gets either its
	// whole remainder from the pool or none of it; a large order whose
	// average cost crosses the limit rests untouched.
	res := place(t, eng, limitBuy("u1", "ev1", 200, 5.1))

	if len(res.Trades) != 0 {
		t.Fatalf("expected pool to refuse a partial fill, got %d trades", len(res.Trades))
	}
	if !res.Order.RemainingQuantity.Equal(d(200)) {
		t.Errorf("order should rest whole, remaining %s", res.Order.RemainingQuantity)
	}

	// A small order at the same limit clears in full.
	res = place(t, eng, limitBuy("u1", "ev1", 5, 5.1))
	if len(res.Trades) != 1 || res.Order.Status != model.OrderStatusFilled {
		t.Fatalf("small order should fill in full from the pool, trades=%d status=%s",
			len(res.Trades), res.Order.Status)
	}
	if res.Trades[0].Price.GreaterThan(d(5.1)) {
		t.Errorf("pool fill breached the limit price: %s", res.Trades[0].Price)
	}
}

func TestPlaceOrder_PoolSellPaysOut(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 5.0)
	seedWallet(t, ml, "u1", 1000)

	// Buy from the pool, then sell back; the seller receives proceeds
	// minus the taker fee and ends flat.
	place(t, eng, marketBuy("u1", "ev1", 10))
	balanceAfterBuy := wallet(t, ml, "u1").Balance

	res := place(t, eng, engine.OrderData{
		UserID: "u1", EventID: "ev1",
		Side: model.SideYes, Action: model.ActionSell,
		Type: model.OrderTypeMarket, Quantity: d(10),
	})
	if len(res.Trades) != 1 || res.Trades[0].Type != model.TradeTypeAMMPool {
		t.Fatalf("expected one pool trade, got %+v", res.Trades)
	}

	w := wallet(t, ml, "u1")
	if !w.Balance.GreaterThan(balanceAfterBuy) {
		t.Errorf("selling back should pay out: %s -> %s", balanceAfterBuy, w.Balance)
	}
	if !w.LockedBalance.IsZero() {
		t.Errorf("no reservation should remain, locked %s", w.LockedBalance)
	}

	pos, err := ml.GetPosition(context.Background(), "u1", "ev1", model.SideYes)
	if err != nil {
		t.Fatalf("position should exist: %v", err)
	}
	if !pos.Shares.IsZero() {
		t.Errorf("round trip should leave a flat position, shares %s", pos.Shares)
	}
}

func TestPlaceOrder_PoolQuotesReferencePrice(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 7.0)
	seedWallet(t, ml, "u1", 100)

	// Empty book: the lazily created pool must quote the event's
	// reference price, not even odds.
	res := place(t, eng, marketBuy("u1", "ev1", 1))
	if len(res.Trades) != 1 || res.Trades[0].Type != model.TradeTypeAMMPool {
		t.Fatalf("expected one pool trade, got %+v", res.Trades)
	}
	price := res.Trades[0].Price
	if price.Sub(d(7.0)).Abs().GreaterThan(d(0.05)) {
		t.Errorf("pool quote should track the 7.0 reference price, got %s", price)
	}
}

func TestPlaceOrder_PoolFillsNoSideBelowLimit(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 7.0) // no side quotes ~3.0
	seedWallet(t, ml, "u1", 100)

	res := place(t, eng, engine.OrderData{
		UserID: "u1", EventID: "ev1",
		Side: model.SideNo, Action: model.ActionBuy,
		Type: model.OrderTypeLimit, Quantity: d(5), LimitPrice: d(4.0),
	})
	if len(res.Trades) != 1 || res.Order.Status != model.OrderStatusFilled {
		t.Fatalf("a 4.0 limit should clear against the ~3.0 quote, trades=%d status=%s",
			len(res.Trades), res.Order.Status)
	}
	if res.Trades[0].Price.GreaterThan(d(4.0)) {
		t.Errorf("pool fill breached the limit price: %s", res.Trades[0].Price)
	}
}

func TestPlaceOrder_MarketOrderCappedByItsReservation(t *testing.T) {
	ml := store.NewMemoryLedger()
	cfg := engine.DefaultConfig()
	cfg.PoolLiquidity = d(10) // shallow pool: large fills move the price hard
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(ml, cfg, logger, nil)

	seedEvent(t, ml, "ev1", 5.0)
	seedWallet(t, ml, "u1", 1000)

	// The order reserves 10*5.0*1.1*1.02 = 56.10 but the shallow pool
	// charges ~63 for 10 shares. The fill must not dip into locked
	// funds the order never reserved.
	_, err := eng.PlaceOrder(context.Background(), marketBuy("u1", "ev1", 10))
	if code, _ := engine.DomainCode(err); code != engine.CodeInsufficientFunds {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %v", err)
	}

	w := wallet(t, ml, "u1")
	if !w.Balance.Equal(d(1000)) || !w.LockedBalance.IsZero() {
		t.Errorf("rejected order mutated the wallet: balance=%s locked=%s", w.Balance, w.LockedBalance)
	}
	orders, _ := ml.ListOrdersByUser(context.Background(), "u1")
	if len(orders) != 0 {
		t.Errorf("rejected order leaked into the store: %d orders", len(orders))
	}
}

// --- Positions ---

func TestPositions_RealizedPnlOnClose(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 5.0)
	for _, u := range []string{"long", "counter", "bidder"} {
		seedWallet(t, ml, u, 500)
	}
	ctx := context.Background()

	// long buys 10 @ 6.0 from counter's ask, which rests above the
	// ~5.0 pool quote.
	place(t, eng, limitSell("counter", "ev1", 10, 6.0))
	place(t, eng, limitBuy("long", "ev1", 10, 6.0))

	pos, _ := ml.GetPosition(ctx, "long", "ev1", model.SideYes)
	if !pos.Shares.Equal(d(10)) || !pos.AveragePrice.Equal(d(6)) {
		t.Fatalf("after buy: want 10 shares @ 6, got %s @ %s", pos.Shares, pos.AveragePrice)
	}

	// The pool reprices to ~7.1 so bidder's 7.0 bid rests; long sells
	// into it and realizes 10 * (7 - 6) = 10.
	ml.UpsertPool(ctx, &model.Pool{EventID: "ev1", QYes: d(900), QNo: decimal.Zero, B: d(1000)})
	place(t, eng, limitBuy("bidder", "ev1", 10, 7.0))
	place(t, eng, engine.OrderData{
		UserID: "long", EventID: "ev1",
		Side: model.SideYes, Action: model.ActionSell,
		Type: model.OrderTypeLimit, Quantity: d(10), LimitPrice: d(7.0),
	})

	pos, _ = ml.GetPosition(ctx, "long", "ev1", model.SideYes)
	if !pos.Shares.IsZero() {
		t.Errorf("position should be flat, shares %s", pos.Shares)
	}
	if !pos.RealizedPnl.Equal(d(10)) {
		t.Errorf("realized pnl: want 10, got %s", pos.RealizedPnl)
	}
	if !wallet(t, ml, "long").TotalPnl.Equal(d(10)) {
		t.Errorf("wallet pnl: want 10, got %s", wallet(t, ml, "long").TotalPnl)
	}
}

func TestPositions_ShortThenCover(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 7.1)
	seedWallet(t, ml, "short", 500)
	seedWallet(t, ml, "other", 500)
	ctx := context.Background()

	// Pool quotes ~7.1, so other's 6.0 bid rests instead of hitting it.
	ml.UpsertPool(ctx, &model.Pool{EventID: "ev1", QYes: d(900), QNo: decimal.Zero, B: d(1000)})

	// short sells 5 @ 6.0 into other's bid without holding shares.
	place(t, eng, limitBuy("other", "ev1", 5, 6.0))
	place(t, eng, engine.OrderData{
		UserID: "short", EventID: "ev1",
		Side: model.SideYes, Action: model.ActionSell,
		Type: model.OrderTypeLimit, Quantity: d(5), LimitPrice: d(6.0),
	})

	pos, _ := ml.GetPosition(ctx, "short", "ev1", model.SideYes)
	if !pos.Shares.Equal(d(-5)) {
		t.Fatalf("want -5 shares, got %s", pos.Shares)
	}
	if !pos.AveragePrice.Equal(d(6)) {
		t.Errorf("short entry price: want 6, got %s", pos.AveragePrice)
	}

	// Covering via the pool at ~7.1, above the 6.0 entry, realizes a
	// loss.
	place(t, eng, marketBuy("short", "ev1", 5))
	pos, _ = ml.GetPosition(ctx, "short", "ev1", model.SideYes)
	if !pos.Shares.IsZero() {
		t.Errorf("cover should flatten the position, shares %s", pos.Shares)
	}
	if pos.RealizedPnl.Sign() >= 0 {
		t.Errorf("covering above the 6.0 entry should realize a loss, got %s", pos.RealizedPnl)
	}
}

// --- Cancel and expiry ---

func TestCancelOrder(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 5.0)
	seedWallet(t, ml, "u1", 100)
	ctx := context.Background()

	res := place(t, eng, limitBuy("u1", "ev1", 5, 4.0))
	if wallet(t, ml, "u1").LockedBalance.IsZero() {
		t.Fatalf("resting order should hold a reservation")
	}

	cancelled, err := eng.CancelOrder(ctx, "u1", res.Order.ID)
	if err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if cancelled.Status != model.OrderStatusCancelled {
		t.Errorf("want cancelled, got %s", cancelled.Status)
	}

	w := wallet(t, ml, "u1")
	if !w.Balance.Equal(d(100)) || !w.LockedBalance.IsZero() {
		t.Errorf("cancel should restore the wallet: balance=%s locked=%s", w.Balance, w.LockedBalance)
	}

	// Cancelling again is rejected.
	if _, err := eng.CancelOrder(ctx, "u1", res.Order.ID); err == nil {
		t.Errorf("double cancel should fail")
	}
	// Another user cannot cancel it either.
	if _, err := eng.CancelOrder(ctx, "u2", res.Order.ID); !errors.Is(err, engine.ErrOrderNotFound) {
		t.Errorf("foreign cancel should look like a missing order, got %v", err)
	}
}

func TestCancelOrder_NotFound(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.CancelOrder(context.Background(), "u1", "nope")
	if !errors.Is(err, engine.ErrOrderNotFound) {
		t.Fatalf("expected ORDER_NOT_FOUND, got %v", err)
	}
}

func TestExpireOrders(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedWallet(t, ml, "u1", 100)
	ctx := context.Background()

	// Event ends shortly: the order rests, then expires with the event.
	ml.PutEvent(model.Event{
		ID:           "ev1",
		Status:       model.EventStatusActive,
		EndTime:      time.Now().Add(30 * time.Millisecond),
		LastYesPrice: d(5), LastNoPrice: d(5),
	})
	res := place(t, eng, limitBuy("u1", "ev1", 5, 4.0))

	time.Sleep(50 * time.Millisecond)
	n, err := eng.ExpireOrders(ctx, "ev1")
	if err != nil {
		t.Fatalf("ExpireOrders failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 expired order, got %d", n)
	}

	o, _ := ml.GetOrder(ctx, res.Order.ID)
	if o.Status != model.OrderStatusExpired {
		t.Errorf("want expired, got %s", o.Status)
	}
	w := wallet(t, ml, "u1")
	if !w.Balance.Equal(d(100)) || !w.LockedBalance.IsZero() {
		t.Errorf("expiry should release the reservation: balance=%s locked=%s", w.Balance, w.LockedBalance)
	}
}

// --- Audit trail ---

func TestAuditTrailSnapshotsAreContiguous(t *testing.T) {
	eng, ml := newTestEngine(t)
	seedEvent(t, ml, "ev1", 6.0)
	seedWallet(t, ml, "seller", 100)
	seedWallet(t, ml, "buyer", 100)

	place(t, eng, limitSell("seller", "ev1", 10, 6.0))
	place(t, eng, marketBuy("buyer", "ev1", 10))

	perUser := map[string][]model.Transaction{}
	for _, txn := range ml.Transactions() {
		perUser[txn.UserID] = append(perUser[txn.UserID], txn)
	}
	for user, txns := range perUser {
		for i := 1; i < len(txns); i++ {
			if !txns[i].BalanceBefore.Equal(txns[i-1].BalanceAfter) ||
				!txns[i].LockedBefore.Equal(txns[i-1].LockedAfter) {
				t.Errorf("%s audit row %d does not continue from row %d", user, i, i-1)
			}
		}
		// The final snapshot matches the live wallet.
		last := txns[len(txns)-1]
		w := wallet(t, ml, user)
		if !last.BalanceAfter.Equal(w.Balance) || !last.LockedAfter.Equal(w.LockedBalance) {
			t.Errorf("%s final audit snapshot diverges from the wallet", user)
		}
	}
}
