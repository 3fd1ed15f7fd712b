package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

// Status is the lifecycle state of an order. It is derived from the
// remaining amount, except CANCELLED which is an explicit terminal move.
type Status string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"

	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
)

// Order is the atomic unit of the book. Identity, price, side, client and
// creation time are immutable after construction; Amount (the remaining
// quantity) and Status are mutated by fills and cancellation.
type Order struct {
	ID             string
	Side           Side
	Price          decimal.Decimal
	Amount         decimal.Decimal // remaining quantity
	ClientID       string
	OriginalAmount decimal.Decimal
	CreatedAt      time.Time
	Status         Status
}

// OrderParams carries the full field set for reconstructing an order.
// Zero values for ID, OriginalAmount, CreatedAt and Status fall back to a
// fresh uuid, Amount, the current time and OPEN respectively.
type OrderParams struct {
	ID             string
	Side           Side
	Price          decimal.Decimal
	Amount         decimal.Decimal
	ClientID       string
	OriginalAmount decimal.Decimal
	CreatedAt      time.Time
	Status         Status
}

// NewOrder creates a fresh order in OPEN status.
func NewOrder(side Side, price, amount decimal.Decimal, clientID string) (*Order, error) {
	return RestoreOrder(OrderParams{
		Side:     side,
		Price:    price,
		Amount:   amount,
		ClientID: clientID,
	})
}

// RestoreOrder reconstructs an order from an explicit field set, applying
// defaults for the optional fields and validating the result.
func RestoreOrder(p OrderParams) (*Order, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = StatusOpen
	}
	if p.OriginalAmount.IsZero() {
		p.OriginalAmount = p.Amount
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	if p.Side != SideBuy && p.Side != SideSell {
		return nil, NewError(ErrInvalidSide, "order type must be %s or %s, got %q", SideBuy, SideSell, p.Side)
	}
	if !validStatus(p.Status) {
		return nil, NewError(ErrInvalidStatus, "unknown order status %q", p.Status)
	}
	if !p.Price.IsPositive() {
		return nil, NewError(ErrInvalidPrice, "price must be positive, got %s", p.Price)
	}
	if strings.TrimSpace(p.ClientID) == "" {
		return nil, NewError(ErrInvalidClientID, "client id must not be empty")
	}
	if p.Amount.IsNegative() {
		return nil, NewError(ErrInvalidAmount, "amount must not be negative, got %s", p.Amount)
	}
	if p.Amount.IsZero() && p.Status != StatusFilled {
		return nil, NewError(ErrInvalidAmount, "amount must be positive for %s order", p.Status)
	}
	if p.Status == StatusFilled {
		if !p.Amount.IsZero() {
			return nil, NewError(ErrInvalidAmount, "filled order must have zero remaining amount, got %s", p.Amount)
		}
		if !p.OriginalAmount.IsPositive() {
			return nil, NewError(ErrInvalidAmount, "filled order requires a positive original amount")
		}
	}
	if p.Amount.GreaterThan(p.OriginalAmount) {
		return nil, NewError(ErrInvalidAmount, "remaining amount %s exceeds original amount %s", p.Amount, p.OriginalAmount)
	}

	return &Order{
		ID:             p.ID,
		Side:           p.Side,
		Price:          p.Price,
		Amount:         p.Amount,
		ClientID:       p.ClientID,
		OriginalAmount: p.OriginalAmount,
		CreatedAt:      p.CreatedAt,
		Status:         p.Status,
	}, nil
}

func validStatus(s Status) bool {
	switch s {
	case StatusOpen, StatusPartiallyFilled, StatusFilled, StatusCancelled:
		return true
	}
	return false
}

// ApplyFill reduces the remaining amount and recomputes the status.
func (o *Order) ApplyFill(filled decimal.Decimal) error {
	if !filled.IsPositive() {
		return NewError(ErrInvalidFilledAmount, "filled amount must be positive, got %s", filled)
	}
	if filled.GreaterThan(o.Amount) {
		return NewError(ErrFillExceedsAvailable, "filled amount %s exceeds available %s", filled, o.Amount)
	}

	o.Amount = o.Amount.Sub(filled)
	switch {
	case o.Amount.IsZero():
		o.Status = StatusFilled
	case o.Amount.LessThan(o.OriginalAmount):
		o.Status = StatusPartiallyFilled
	}
	return nil
}

// Cancel moves the order to CANCELLED. Cancelling an already cancelled
// order is a no-op; cancelling a filled order fails.
func (o *Order) Cancel() error {
	if o.Status == StatusFilled {
		return NewError(ErrOrderFilled, "order %s is already filled", o.ID)
	}
	o.Status = StatusCancelled
	return nil
}

// IsActive reports whether the order can still participate in matching.
func (o *Order) IsActive() bool {
	return o.Status == StatusOpen || o.Status == StatusPartiallyFilled
}

// CanMatchWith reports whether this order and other are on opposite sides,
// both active, and price-compatible (buy price >= sell price).
func (o *Order) CanMatchWith(other *Order) bool {
	if other == nil || o.Side == other.Side {
		return false
	}
	if !o.IsActive() || !other.IsActive() {
		return false
	}
	if o.Side == SideBuy {
		return o.Price.GreaterThanOrEqual(other.Price)
	}
	return other.Price.GreaterThanOrEqual(o.Price)
}

// Snapshot returns an independent copy of the order.
func (o *Order) Snapshot() *Order {
	cp := *o
	return &cp
}
