// Package risk enforces position limits at order placement time.
//
// Binary outcome events settle all-or-nothing, so a user accumulating a
// large net position in one event, or across many events at once,
// carries concentrated risk the wallet's cash reservation does not
// capture. This package caps both.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/model"
)

var (
	// ErrPerEventLimitExceeded is returned when an order would push the
	// net position on a single (event, side) beyond the per-event
	// maximum.
	ErrPerEventLimitExceeded = errors.New("risk: per-event position limit exceeded")

	// ErrTotalExposureExceeded is returned when an order would push the
	// aggregate absolute exposure across all of a user's positions
	// beyond the total maximum.
	ErrTotalExposureExceeded = errors.New("risk: total exposure limit exceeded")
)

// PositionLimiter enforces position limits. Checks run against the
// worst case: the order's full quantity, as if it fills completely.
type PositionLimiter struct {
	// MaxPerEvent is the maximum absolute net position on any single
	// (event, side).
	MaxPerEvent decimal.Decimal

	// MaxTotal is the maximum aggregate absolute exposure across all
	// positions. Zero disables the aggregate check.
	MaxTotal decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-event and
// aggregate exposure limits.
func NewPositionLimiter(maxPerEvent, maxTotal decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{MaxPerEvent: maxPerEvent, MaxTotal: maxTotal}
}

// Check validates whether an order respects the position limits.
// delta is the signed share change: positive for buys, negative for
// sells. positions is the user's current book of positions.
func (l *PositionLimiter) Check(eventID string, side model.Side, delta decimal.Decimal, positions []model.Position) error {
	current := decimal.Zero
	total := decimal.Zero
	for _, p := range positions {
		if p.EventID == eventID && p.Side == side {
			current = p.Shares
			continue // counted below at its projected size
		}
		total = total.Add(p.Shares.Abs())
	}

	projected := current.Add(delta)
	if l.MaxPerEvent.IsPositive() && projected.Abs().GreaterThan(l.MaxPerEvent) {
		return ErrPerEventLimitExceeded
	}

	if l.MaxTotal.IsPositive() && total.Add(projected.Abs()).GreaterThan(l.MaxTotal) {
		return ErrTotalExposureExceeded
	}

	return nil
}
