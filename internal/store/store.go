// Package store defines the transactional persistence boundary for the
// exchange core. Implementations include PostgreSQL (source of truth),
// an in-memory ledger (for testing and development), and a Redis
// read-through cache for hot event metadata.
//
// The Ledger interface exposes exactly the operations the engine needs,
// nothing more, so an in-memory fake can stand in for PostgreSQL in
// tests. Inside InTx every Get* on a mutable row (wallet, order, pool,
// position) acquires a row-level lock: two transactions racing for the
// same resting order or the same wallet serialize instead of both
// consuming the same remaining quantity or the same funds.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// CandidateQuery selects resting orders eligible to match an incoming
// order: same event and side, the given (opposite) action, non-terminal
// status with remaining quantity, not expired, and price-compatible.
type CandidateQuery struct {
	EventID string
	Side    model.Side
	Action  model.Action // action of the resting orders wanted

	// PriceLimit bounds candidate limit prices; nil means any price
	// (market taker). With BestAscending it is an upper bound (cheapest
	// sells first for an incoming buy), otherwise a lower bound.
	PriceLimit    *decimal.Decimal
	BestAscending bool

	Now   time.Time // candidates whose event window passed are excluded
	Limit int       // cap per pass so pathological books cannot stall a call
}

// Ledger is the narrow persistence surface of the matching and
// settlement core.
type Ledger interface {
	// Event metadata: read-only except the AMM reference-price update.
	GetEvent(ctx context.Context, eventID string) (*model.Event, error)
	UpdateEventPrices(ctx context.Context, eventID string, yes, no decimal.Decimal) error

	// Wallets.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	UpdateWallet(ctx context.Context, w *model.Wallet) error

	// Orders.
	InsertOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	UpdateOrder(ctx context.Context, o *model.Order) error
	SelectCandidates(ctx context.Context, q CandidateQuery) ([]*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)
	ListOpenOrders(ctx context.Context, eventID string) ([]model.Order, error)

	// Immutable trades.
	InsertTrade(ctx context.Context, t *model.Trade) error
	ListTradesByEvent(ctx context.Context, eventID string) ([]model.Trade, error)

	// Positions, one row per (user, event, side).
	GetPosition(ctx context.Context, userID, eventID string, side model.Side) (*model.Position, error)
	UpsertPosition(ctx context.Context, p *model.Position) error
	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// Append-only wallet audit rows.
	AppendTransaction(ctx context.Context, t *model.Transaction) error

	// AMM pool state, one row per event.
	GetPool(ctx context.Context, eventID string) (*model.Pool, error)
	UpsertPool(ctx context.Context, p *model.Pool) error
}

// Store serves autocommit reads through the embedded Ledger and opens
// atomic units of work with InTx. The callback's Ledger is scoped to one
// transaction; any error rolls the whole transaction back.
type Store interface {
	Ledger
	InTx(ctx context.Context, fn func(tx Ledger) error) error
}
