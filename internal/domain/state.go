package domain

// OrderBookState is a snapshot of an order book: both open sides in their
// canonical priority order plus the full match history. Snapshots handed out
// by the book are deep copies and never alias its live collections.
type OrderBookState struct {
	BuyOrders  []*Order
	SellOrders []*Order
	Matches    []*OrderMatch
}

// Clone returns a deep copy of the state.
func (s *OrderBookState) Clone() *OrderBookState {
	cp := &OrderBookState{
		BuyOrders:  make([]*Order, 0, len(s.BuyOrders)),
		SellOrders: make([]*Order, 0, len(s.SellOrders)),
		Matches:    make([]*OrderMatch, 0, len(s.Matches)),
	}
	for _, o := range s.BuyOrders {
		cp.BuyOrders = append(cp.BuyOrders, o.Snapshot())
	}
	for _, o := range s.SellOrders {
		cp.SellOrders = append(cp.SellOrders, o.Snapshot())
	}
	for _, m := range s.Matches {
		cp.Matches = append(cp.Matches, m.Snapshot())
	}
	return cp
}
