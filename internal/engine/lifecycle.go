package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/model"
)

// OrderData is the caller-facing order request. Price is optional and
// only consulted for market orders, as the reference price for the
// funds reservation estimate.
type OrderData struct {
	UserID      string            `json:"user_id"`
	EventID     string            `json:"event_id"`
	Side        model.Side        `json:"side"`
	Action      model.Action      `json:"action"`
	Type        model.OrderType   `json:"type"`
	Quantity    decimal.Decimal   `json:"quantity"`
	LimitPrice  decimal.Decimal   `json:"limit_price,omitempty"`
	Price       decimal.Decimal   `json:"price,omitempty"`
	TimeInForce model.TimeInForce `json:"time_in_force,omitempty"`
}

// validateOrderData rejects malformed requests before any state is
// touched. Limit prices must stay inside the open band so no outcome
// is ever quoted as free or certain.
func validateOrderData(data OrderData) error {
	if data.UserID == "" {
		return Validation("user_id is required")
	}
	if data.EventID == "" {
		return Validation("event_id is required")
	}
	if !data.Side.Valid() {
		return Validation("side must be yes or no, got %q", data.Side)
	}
	if !data.Action.Valid() {
		return Validation("action must be buy or sell, got %q", data.Action)
	}
	if !data.Type.Valid() {
		return ErrInvalidOrderType
	}
	if !data.Quantity.IsPositive() {
		return Validation("quantity must be positive, got %s", data.Quantity)
	}
	if data.TimeInForce != "" && !data.TimeInForce.Valid() {
		return Validation("time_in_force must be GTC, IOC, or FOK, got %q", data.TimeInForce)
	}
	switch data.Type {
	case model.OrderTypeLimit:
		if data.LimitPrice.IsZero() {
			return ErrInvalidOrderType
		}
		if data.LimitPrice.LessThan(model.LimitPriceMin) || data.LimitPrice.GreaterThan(model.LimitPriceMax) {
			return Validation("limit_price must be within [%s, %s], got %s",
				model.LimitPriceMin, model.LimitPriceMax, data.LimitPrice)
		}
	case model.OrderTypeMarket:
		if !data.LimitPrice.IsZero() {
			return ErrInvalidOrderType
		}
	}
	return nil
}

// buildOrder materializes a validated request into a pending order with
// the funds reservation already computed.
func (e *Engine) buildOrder(data OrderData, event *model.Event, reserved decimal.Decimal, now time.Time) *model.Order {
	tif := data.TimeInForce
	if tif == "" {
		tif = model.TimeInForceGTC
	}
	qty := model.RoundQty(data.Quantity)
	return &model.Order{
		ID:                uuid.New().String(),
		UserID:            data.UserID,
		EventID:           data.EventID,
		Side:              data.Side,
		Action:            data.Action,
		Type:              data.Type,
		OriginalQuantity:  qty,
		RemainingQuantity: qty,
		FilledQuantity:    decimal.Zero,
		LimitPrice:        model.RoundQty(data.LimitPrice),
		AverageFillPrice:  decimal.Zero,
		Status:            model.OrderStatusPending,
		TimeInForce:       tif,
		TotalAmount:       reserved,
		ReservedRemaining: reserved,
		Fees:              decimal.Zero,
		CreatedAt:         now,
		ExpiresAt:         event.EndTime,
	}
}

// transition moves an order to a new status, stamping FilledAt when it
// fills completely.
func transition(o *model.Order, status model.OrderStatus, now time.Time) {
	o.Status = status
	if status == model.OrderStatusFilled && o.FilledAt == nil {
		t := now
		o.FilledAt = &t
	}
}
