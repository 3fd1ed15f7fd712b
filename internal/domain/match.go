package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderMatch is an immutable record of one matching event. The buy and sell
// orders are copies taken at match time, not live references into the book.
type OrderMatch struct {
	ID            string
	BuyOrder      Order
	SellOrder     Order
	MatchedAmount decimal.Decimal
	Price         decimal.Decimal // the resting order's price
	CreatedAt     time.Time
}

// NewOrderMatch builds a match record and verifies its invariants: opposite
// sides, crossed prices, and a positive matched amount covered by both
// participants' remaining amounts at the moment of the match.
func NewOrderMatch(buy, sell Order, matched, price decimal.Decimal) (*OrderMatch, error) {
	if buy.Side != SideBuy {
		return nil, NewError(ErrInvalidMatch, "buy side of match has type %s", buy.Side)
	}
	if sell.Side != SideSell {
		return nil, NewError(ErrInvalidMatch, "sell side of match has type %s", sell.Side)
	}
	if !matched.IsPositive() {
		return nil, NewError(ErrInvalidMatch, "matched amount must be positive, got %s", matched)
	}
	if !price.IsPositive() {
		return nil, NewError(ErrInvalidMatch, "match price must be positive, got %s", price)
	}
	if sell.Price.GreaterThan(buy.Price) {
		return nil, NewError(ErrInvalidMatch, "sell price %s exceeds buy price %s", sell.Price, buy.Price)
	}
	if matched.GreaterThan(buy.Amount) || matched.GreaterThan(sell.Amount) {
		return nil, NewError(ErrInvalidMatch, "matched amount %s exceeds a participant's remaining amount", matched)
	}

	return &OrderMatch{
		ID:            uuid.NewString(),
		BuyOrder:      buy,
		SellOrder:     sell,
		MatchedAmount: matched,
		Price:         price,
		CreatedAt:     time.Now(),
	}, nil
}

// Snapshot returns an independent copy of the match record.
func (m *OrderMatch) Snapshot() *OrderMatch {
	cp := *m
	return &cp
}
