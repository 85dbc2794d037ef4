// Package model defines the core domain types shared across the exchange core.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Persisted decimal scales. Quantities and prices carry 5 fractional
// digits; currency amounts carry 2. Every computed boundary rounds to
// these scales so quantity, price, and currency fields never drift.
const (
	QtyScale   int32 = 5
	MoneyScale int32 = 2
)

// RoundQty rounds a quantity or price to its persisted scale.
// decimal.Round rounds half away from zero, which is round-half-up for
// the non-negative values used here.
func RoundQty(d decimal.Decimal) decimal.Decimal { return d.Round(QtyScale) }

// RoundMoney rounds a currency amount to its persisted scale.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyScale) }

// Side is the binary outcome an order trades: yes or no. Outcomes never
// cross — yes orders only ever match other yes orders.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Action is the direction of an order: buy or sell.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool { return a == ActionBuy || a == ActionSell }

// Opposite returns the matching counterside: buys match resting sells
// and vice versa.
func (a Action) Opposite() Action {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// OrderType distinguishes market orders from limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool { return t == OrderTypeMarket || t == OrderTypeLimit }

// OrderStatus tracks the order lifecycle. filled, cancelled, and expired
// are terminal.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
)

// Terminal reports whether the status admits no further fills.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusExpired
}

// TimeInForce controls what happens to unfilled remainder after the
// placement pipeline runs.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // rest on the book
	TimeInForceIOC TimeInForce = "IOC" // cancel the remainder
	TimeInForceFOK TimeInForce = "FOK" // all-or-nothing, else reject
)

// Valid reports whether t is a known time-in-force.
func (t TimeInForce) Valid() bool {
	return t == TimeInForceGTC || t == TimeInForceIOC || t == TimeInForceFOK
}

// TradeType records which liquidity source produced a fill.
type TradeType string

const (
	TradeTypeOrderBook TradeType = "ORDER_BOOK"
	TradeTypeAMMPool   TradeType = "AMM_POOL"
)

// Prices live on a 0–10 probability scale; limit prices must stay inside
// [0.5, 9.5] so neither outcome is ever quoted as free or certain.
var (
	LimitPriceMin = decimal.NewFromFloat(0.5)
	LimitPriceMax = decimal.NewFromFloat(9.5)
	PriceScaleMax = decimal.NewFromInt(10)
)

// Order is a request to buy or sell outcome shares on one event.
// Invariant at every observed state:
//
//	RemainingQuantity + FilledQuantity == OriginalQuantity
//	RemainingQuantity >= 0
type Order struct {
	ID                string          `json:"id" db:"id"`
	UserID            string          `json:"user_id" db:"user_id"`
	EventID           string          `json:"event_id" db:"event_id"`
	Side              Side            `json:"side" db:"side"`
	Action            Action          `json:"action" db:"action"`
	Type              OrderType       `json:"type" db:"type"`
	OriginalQuantity  decimal.Decimal `json:"original_quantity" db:"original_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity" db:"remaining_quantity"`
	FilledQuantity    decimal.Decimal `json:"filled_quantity" db:"filled_quantity"`
	LimitPrice        decimal.Decimal `json:"limit_price" db:"limit_price"` // zero unless Type == limit
	AverageFillPrice  decimal.Decimal `json:"average_fill_price" db:"average_fill_price"`
	Status            OrderStatus     `json:"status" db:"status"`
	TimeInForce       TimeInForce     `json:"time_in_force" db:"time_in_force"`
	TotalAmount       decimal.Decimal `json:"total_amount" db:"total_amount"`             // funds reserved at placement
	ReservedRemaining decimal.Decimal `json:"reserved_remaining" db:"reserved_remaining"` // reservation still held in locked balance
	Fees              decimal.Decimal `json:"fees" db:"fees"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at" db:"expires_at"` // the owning event's end time
	FilledAt          *time.Time      `json:"filled_at,omitempty" db:"filled_at"`
}

// Trade is an immutable record of one fill. Maker fields are nil for
// AMM fills, where the counterparty is the synthetic liquidity pool.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	EventID      string          `json:"event_id" db:"event_id"`
	MakerOrderID *string         `json:"maker_order_id,omitempty" db:"maker_order_id"`
	TakerOrderID string          `json:"taker_order_id" db:"taker_order_id"`
	MakerUserID  *string         `json:"maker_user_id,omitempty" db:"maker_user_id"`
	TakerUserID  string          `json:"taker_user_id" db:"taker_user_id"`
	Side         Side            `json:"side" db:"side"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Amount       decimal.Decimal `json:"amount" db:"amount"` // RoundMoney(Quantity * Price)
	MakerFee     decimal.Decimal `json:"maker_fee" db:"maker_fee"`
	TakerFee     decimal.Decimal `json:"taker_fee" db:"taker_fee"`
	TotalFees    decimal.Decimal `json:"total_fees" db:"total_fees"`
	Type         TradeType       `json:"type" db:"type"`
	ExecutedAt   time.Time       `json:"executed_at" db:"executed_at"`
}

// Position is a trader's aggregate holding in one (event, side).
// Shares go negative when a user sells short against cash collateral.
// AveragePrice == TotalInvested / Shares whenever Shares > 0.
type Position struct {
	UserID        string          `json:"user_id" db:"user_id"`
	EventID       string          `json:"event_id" db:"event_id"`
	Side          Side            `json:"side" db:"side"`
	Shares        decimal.Decimal `json:"shares" db:"shares"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	AveragePrice  decimal.Decimal `json:"average_price" db:"average_price"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"` // mark-to-market, computed on read
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Wallet holds a user's funds in two buckets: spendable Balance and
// LockedBalance reserved against open orders. Reserving moves funds
// between the buckets; neither ever goes negative, and their sum
// changes only via deposit, withdrawal, or trade settlement.
type Wallet struct {
	UserID         string          `json:"user_id" db:"user_id"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	LockedBalance  decimal.Decimal `json:"locked_balance" db:"locked_balance"`
	TotalDeposited decimal.Decimal `json:"total_deposited" db:"total_deposited"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn" db:"total_withdrawn"`
	TotalPnl       decimal.Decimal `json:"total_pnl" db:"total_pnl"`
}

// EventStatusActive is the only status that accepts orders.
const EventStatusActive = "active"

// Event is market metadata owned by an external collaborator. The core
// reads it and writes back only the AMM reference prices.
type Event struct {
	ID           string          `json:"id" db:"id"`
	Status       string          `json:"status" db:"status"`
	EndTime      time.Time       `json:"end_time" db:"end_time"`
	LastYesPrice decimal.Decimal `json:"last_yes_price" db:"last_yes_price"`
	LastNoPrice  decimal.Decimal `json:"last_no_price" db:"last_no_price"`
}

// Tradable reports whether the event accepts orders at the given instant.
func (e *Event) Tradable(now time.Time) bool {
	return e.Status == EventStatusActive && now.Before(e.EndTime)
}

// ReferencePrice returns the AMM quote for one side on the 0–10 scale.
func (e *Event) ReferencePrice(side Side) decimal.Decimal {
	if side == SideYes {
		return e.LastYesPrice
	}
	return e.LastNoPrice
}

// Pool is the AMM liquidity state for one event: cumulative outstanding
// share quantities per outcome and the LMSR liquidity parameter b.
type Pool struct {
	EventID   string          `json:"event_id" db:"event_id"`
	QYes      decimal.Decimal `json:"q_yes" db:"q_yes"`
	QNo       decimal.Decimal `json:"q_no" db:"q_no"`
	B         decimal.Decimal `json:"b" db:"b"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction kinds for the audit ledger.
const (
	TxnKindLock   = "lock"   // balance → locked reservation
	TxnKindUnlock = "unlock" // unused reservation back to balance
	TxnKindDebit  = "debit"  // settlement debit from locked balance
	TxnKindCredit = "credit" // settlement proceeds to balance
)

// Transaction is an append-only audit row recording one wallet movement
// with before/after snapshots of both balance components.
type Transaction struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	OrderID       string          `json:"order_id" db:"order_id"`
	TradeID       *string         `json:"trade_id,omitempty" db:"trade_id"`
	Kind          string          `json:"kind" db:"kind"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	LockedBefore  decimal.Decimal `json:"locked_before" db:"locked_before"`
	LockedAfter   decimal.Decimal `json:"locked_after" db:"locked_after"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}
