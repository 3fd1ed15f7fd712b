package book

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/domain"
	"github.com/shopspring/decimal"
)

// OrderBook is the local matching engine: two priority-ordered collections
// of open orders and an append-only match history. Every public operation
// is individually atomic; submission-level serialization is the caller's
// concern.
type OrderBook struct {
	mu      sync.Mutex
	buys    []*domain.Order
	sells   []*domain.Order
	matches []*domain.OrderMatch

	log *slog.Logger
}

// MatchResult is the outcome of one submission.
type MatchResult struct {
	Order     *domain.Order        // the submitted order, post-match state
	Matches   []*domain.OrderMatch // matches produced, possibly empty
	Remaining *domain.Order        // nil if the order was fully filled
}

// NewOrderBook creates an empty order book.
func NewOrderBook(log *slog.Logger) *OrderBook {
	if log == nil {
		log = slog.Default()
	}
	return &OrderBook{log: log}
}

// AddOrder runs the incoming order through the matching engine and, if any
// amount remains open, inserts it into its side of the book. Matching is
// price-time priority: best price first, then the oldest resting order, then
// lexicographic order id as the final deterministic tie-break. Matches
// execute at the resting order's price.
func (b *OrderBook) AddOrder(o *domain.Order) (*MatchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o == nil {
		return nil, domain.NewError(domain.ErrNilOrder, "order must not be nil")
	}
	if !o.IsActive() {
		return nil, domain.NewError(domain.ErrInactiveOrder, "order %s has status %s and cannot be added", o.ID, o.Status)
	}
	if b.findLocked(o.ID) != nil {
		return nil, domain.NewError(domain.ErrDuplicateOrderID, "order id %s already exists in the book", o.ID)
	}

	candidates := b.matchCandidates(o)
	matches := make([]*domain.OrderMatch, 0)

	for _, cand := range candidates {
		if !o.IsActive() {
			break
		}
		// A candidate can have been consumed by an earlier pairing in
		// this loop; tolerate it without failing the submission.
		if !cand.IsActive() || !cand.CanMatchWith(o) {
			continue
		}

		matched := decimal.Min(o.Amount, cand.Amount)
		buy, sell := o, cand
		if o.Side == domain.SideSell {
			buy, sell = cand, o
		}

		m, err := domain.NewOrderMatch(*buy.Snapshot(), *sell.Snapshot(), matched, cand.Price)
		if err != nil {
			b.log.Warn("skipping invalid match pairing",
				slog.String("incoming", o.ID),
				slog.String("resting", cand.ID),
				slog.Any("error", err))
			continue
		}

		b.matches = append(b.matches, m)
		matches = append(matches, m)

		if err := cand.ApplyFill(matched); err != nil {
			b.log.Error("fill failed on resting order", slog.String("order", cand.ID), slog.Any("error", err))
		}
		if cand.Status == domain.StatusFilled {
			b.removeLocked(cand.ID)
		}
		if err := o.ApplyFill(matched); err != nil {
			b.log.Error("fill failed on incoming order", slog.String("order", o.ID), slog.Any("error", err))
		}
	}

	var remaining *domain.Order
	if o.IsActive() && o.Amount.IsPositive() {
		if o.Side == domain.SideBuy {
			b.buys = append(b.buys, o)
		} else {
			b.sells = append(b.sells, o)
		}
		remaining = o
	}
	b.sortLocked()

	return &MatchResult{Order: o, Matches: matches, Remaining: remaining}, nil
}

// matchCandidates returns opposite-side orders that can match the incoming
// order, sorted best price first, then oldest, then by id.
func (b *OrderBook) matchCandidates(o *domain.Order) []*domain.Order {
	source := b.sells
	if o.Side == domain.SideSell {
		source = b.buys
	}

	candidates := make([]*domain.Order, 0, len(source))
	for _, cand := range source {
		if cand.CanMatchWith(o) {
			candidates = append(candidates, cand)
		}
	}

	incomingBuy := o.Side == domain.SideBuy
	sort.SliceStable(candidates, func(i, j int) bool {
		cmp := candidates[i].Price.Cmp(candidates[j].Price)
		if cmp != 0 {
			if incomingBuy {
				return cmp < 0 // cheapest sell first
			}
			return cmp > 0 // highest buy first
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return strings.Compare(candidates[i].ID, candidates[j].ID) < 0
	})
	return candidates
}

// CancelOrder removes the order from the book and cancels it. An unknown id
// is a silent no-op returning (nil, nil); the retry path depends on that.
func (b *OrderBook) CancelOrder(orderID string) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if strings.TrimSpace(orderID) == "" {
		return nil, domain.NewError(domain.ErrMissingOrderID, "order id must not be empty")
	}

	o := b.findLocked(orderID)
	if o == nil {
		return nil, nil
	}
	if err := o.Cancel(); err != nil {
		// A fill raced the cancel request.
		return nil, domain.WrapError(domain.ErrCancelFailed, err, "cannot cancel order %s", orderID)
	}
	b.removeLocked(orderID)
	return o, nil
}

// FindOrderByID returns the live order with the given id, or nil.
func (b *OrderBook) FindOrderByID(orderID string) *domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.findLocked(orderID)
}

// State returns a deep-copy snapshot of both collections and the match
// history.
func (b *OrderBook) State() *domain.OrderBookState {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := &domain.OrderBookState{
		BuyOrders:  b.buys,
		SellOrders: b.sells,
		Matches:    b.matches,
	}
	return st.Clone()
}

// SetState wholesale replaces both collections and the match history with
// the given snapshot, then re-sorts. This is an overwrite, not a merge. On
// validation failure the current state is left untouched.
func (b *OrderBook) SetState(st *domain.OrderBookState) error {
	if st == nil || st.BuyOrders == nil || st.SellOrders == nil || st.Matches == nil {
		return domain.NewError(domain.ErrInvalidState, "state must carry buy orders, sell orders and matches")
	}
	for _, o := range st.BuyOrders {
		if o == nil {
			return domain.NewError(domain.ErrInvalidState, "nil entry in buy orders")
		}
	}
	for _, o := range st.SellOrders {
		if o == nil {
			return domain.NewError(domain.ErrInvalidState, "nil entry in sell orders")
		}
	}
	for _, m := range st.Matches {
		if m == nil {
			return domain.NewError(domain.ErrInvalidState, "nil entry in matches")
		}
	}

	cp := st.Clone()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.buys = cp.BuyOrders
	b.sells = cp.SellOrders
	b.matches = cp.Matches
	b.sortLocked()
	return nil
}

// Depth returns the number of open buy and sell orders.
func (b *OrderBook) Depth() (buys, sells int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buys), len(b.sells)
}

func (b *OrderBook) findLocked(orderID string) *domain.Order {
	for _, o := range b.buys {
		if o.ID == orderID {
			return o
		}
	}
	for _, o := range b.sells {
		if o.ID == orderID {
			return o
		}
	}
	return nil
}

func (b *OrderBook) removeLocked(orderID string) {
	for i, o := range b.buys {
		if o.ID == orderID {
			b.buys = append(b.buys[:i], b.buys[i+1:]...)
			return
		}
	}
	for i, o := range b.sells {
		if o.ID == orderID {
			b.sells = append(b.sells[:i], b.sells[i+1:]...)
			return
		}
	}
}

// sortLocked restores the canonical ordering: buys by descending price,
// sells by ascending price, ties broken by ascending creation time then id.
// This ordering is both the matching priority and the snapshot order.
func (b *OrderBook) sortLocked() {
	sort.SliceStable(b.buys, func(i, j int) bool {
		return lessByPriority(b.buys[i], b.buys[j], true)
	})
	sort.SliceStable(b.sells, func(i, j int) bool {
		return lessByPriority(b.sells[i], b.sells[j], false)
	})
}

func lessByPriority(a, z *domain.Order, descendingPrice bool) bool {
	cmp := a.Price.Cmp(z.Price)
	if cmp != 0 {
		if descendingPrice {
			return cmp > 0
		}
		return cmp < 0
	}
	if !a.CreatedAt.Equal(z.CreatedAt) {
		return a.CreatedAt.Before(z.CreatedAt)
	}
	return strings.Compare(a.ID, z.ID) < 0
}
