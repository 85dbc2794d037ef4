package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/model"
	"github.com/predyx/exchange-core/internal/store"
)

// matchOrder walks the book for the taker's event and side, filling
// against resting orders of the opposite action in price-time priority.
// Execution happens at the maker's limit price. Returns the trades
// produced; the taker order is mutated in place.
func (e *Engine) matchOrder(ctx context.Context, tx store.Ledger, event *model.Event, taker *model.Order, now time.Time) ([]*model.Trade, error) {
	q := store.CandidateQuery{
		EventID: event.ID,
		Side:    taker.Side,
		Action:  taker.Action.Opposite(),
		Now:     now,
		Limit:   e.cfg.MaxCandidates,
	}
	// Takers buying want the cheapest asks; takers selling want the
	// highest bids. Limit orders additionally bound the acceptable
	// maker price.
	q.BestAscending = taker.Action == model.ActionBuy
	if taker.Type == model.OrderTypeLimit {
		p := taker.LimitPrice
		q.PriceLimit = &p
	}

	candidates, err := tx.SelectCandidates(ctx, q)
	if err != nil {
		return nil, Internal(err)
	}

	var trades []*model.Trade
	for _, maker := range candidates {
		if !taker.RemainingQuantity.IsPositive() {
			break
		}
		if maker.UserID == taker.UserID {
			continue // no self-trading
		}

		fillQty := decimal.Min(taker.RemainingQuantity, maker.RemainingQuantity)
		trade, err := e.settleFill(ctx, tx, execution{
			event:     event,
			taker:     taker,
			maker:     maker,
			quantity:  fillQty,
			price:     maker.LimitPrice,
			tradeType: model.TradeTypeOrderBook,
		}, now)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, nil
}
