package domain

import (
	"time"
)

// Match origin markers for persisted records.
const (
	MatchOriginLocal = "local" // executed by this node's matching engine
	MatchOriginPeer  = "peer"  // announced by another node
)

// MatchRecord is the persisted form of an executed match.
type MatchRecord struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	BuyOrderID    string    `gorm:"index" json:"buy_order_id"`
	SellOrderID   string    `gorm:"index" json:"sell_order_id"`
	BuyClientID   string    `json:"buy_client_id"`
	SellClientID  string    `json:"sell_client_id"`
	Price         string    `json:"price"`
	MatchedAmount string    `json:"matched_amount"`
	Origin        string    `gorm:"index" json:"origin"` // "local" or "peer"
	MatchedAt     time.Time `json:"matched_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewMatchRecord converts a match into its persisted form.
func NewMatchRecord(m *OrderMatch, origin string) *MatchRecord {
	return &MatchRecord{
		ID:            m.ID,
		BuyOrderID:    m.BuyOrder.ID,
		SellOrderID:   m.SellOrder.ID,
		BuyClientID:   m.BuyOrder.ClientID,
		SellClientID:  m.SellOrder.ClientID,
		Price:         m.Price.String(),
		MatchedAmount: m.MatchedAmount.String(),
		Origin:        origin,
		MatchedAt:     m.CreatedAt,
	}
}
