package domain

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Actions recognized inside a request envelope.
const (
	ActionSubmitOrder   = "SUBMIT_ORDER"
	ActionSyncOrderbook = "SYNC_ORDERBOOK"
	ActionGetOrderbook  = "GET_ORDERBOOK"
	ActionAnnounceMatch = "ANNOUNCE_MATCH"
	ActionCancelOrder   = "CANCEL_ORDER"
)

// ValidAction reports whether the action string is one of the recognized
// envelope actions.
func ValidAction(action string) bool {
	switch action {
	case ActionSubmitOrder, ActionSyncOrderbook, ActionGetOrderbook,
		ActionAnnounceMatch, ActionCancelOrder:
		return true
	}
	return false
}

// Envelope is the wire frame for every peer request.
type Envelope struct {
	ClientID string          `json:"clientId"`
	Action   string          `json:"action"`
	Data     json.RawMessage `json:"data"`
}

// ParseEnvelope validates the outer request shape: clientId present, a
// recognized action, and a data payload.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewError(ErrInvalidOrderData, "invalid request envelope: %v", err)
	}
	if strings.TrimSpace(env.ClientID) == "" {
		return nil, NewError(ErrInvalidOrderData, "invalid request envelope: missing clientId")
	}
	if !ValidAction(env.Action) {
		return nil, NewError(ErrInvalidOrderData, "invalid request envelope: unknown action %q", env.Action)
	}
	if len(env.Data) == 0 {
		return nil, NewError(ErrInvalidOrderData, "invalid request envelope: missing data")
	}
	return &env, nil
}

// WireOrder is the JSON representation of an order. The four required
// fields use pointers so that absence is distinguishable from a zero value.
type WireOrder struct {
	ID             string           `json:"id,omitempty"`
	Type           *string          `json:"type"`
	Price          *decimal.Decimal `json:"price"`
	Amount         *decimal.Decimal `json:"amount"`
	ClientID       *string          `json:"clientId"`
	OriginalAmount *decimal.Decimal `json:"originalAmount,omitempty"`
	Timestamp      int64            `json:"timestamp,omitempty"` // ms epoch
	Status         string           `json:"status,omitempty"`
	Version        int              `json:"version,omitempty"`
}

// WireMatch is the JSON representation of a match record.
type WireMatch struct {
	ID            string           `json:"id,omitempty"`
	BuyOrder      json.RawMessage  `json:"buyOrder"`
	SellOrder     json.RawMessage  `json:"sellOrder"`
	MatchedAmount *decimal.Decimal `json:"matchedAmount"`
	Price         *decimal.Decimal `json:"price"`
	Timestamp     int64            `json:"timestamp,omitempty"`
}

// WireState is the JSON representation of a full order book snapshot.
// Entries stay raw so callers can parse them individually and drop the
// malformed ones without failing the whole snapshot.
type WireState struct {
	BuyOrders  []json.RawMessage `json:"buyOrders"`
	SellOrders []json.RawMessage `json:"sellOrders"`
	Matches    []json.RawMessage `json:"matches"`
}

// OrderToWire converts a domain order to its wire form.
func OrderToWire(o *Order) *WireOrder {
	typ := strings.ToLower(string(o.Side))
	price := o.Price
	amount := o.Amount
	orig := o.OriginalAmount
	clientID := o.ClientID
	return &WireOrder{
		ID:             o.ID,
		Type:           &typ,
		Price:          &price,
		Amount:         &amount,
		ClientID:       &clientID,
		OriginalAmount: &orig,
		Timestamp:      o.CreatedAt.UnixMilli(),
		Status:         string(o.Status),
		Version:        1,
	}
}

// MatchToWire converts a domain match to its wire form.
func MatchToWire(m *OrderMatch) *WireMatch {
	buy, _ := json.Marshal(OrderToWire(&m.BuyOrder))
	sell, _ := json.Marshal(OrderToWire(&m.SellOrder))
	matched := m.MatchedAmount
	price := m.Price
	return &WireMatch{
		ID:            m.ID,
		BuyOrder:      buy,
		SellOrder:     sell,
		MatchedAmount: &matched,
		Price:         &price,
		Timestamp:     m.CreatedAt.UnixMilli(),
	}
}

// StateToWire converts a book snapshot to its wire form.
func StateToWire(st *OrderBookState) *WireState {
	ws := &WireState{
		BuyOrders:  make([]json.RawMessage, 0, len(st.BuyOrders)),
		SellOrders: make([]json.RawMessage, 0, len(st.SellOrders)),
		Matches:    make([]json.RawMessage, 0, len(st.Matches)),
	}
	for _, o := range st.BuyOrders {
		raw, _ := json.Marshal(OrderToWire(o))
		ws.BuyOrders = append(ws.BuyOrders, raw)
	}
	for _, o := range st.SellOrders {
		raw, _ := json.Marshal(OrderToWire(o))
		ws.SellOrders = append(ws.SellOrders, raw)
	}
	for _, m := range st.Matches {
		raw, _ := json.Marshal(MatchToWire(m))
		ws.Matches = append(ws.Matches, raw)
	}
	return ws
}

// ParseWireOrder strictly reconstructs an order from untrusted wire data.
// Any violation of the field rules fails with INVALID_ORDER_DATA; this path
// never surfaces another error kind.
func ParseWireOrder(raw []byte) (*Order, error) {
	var wo WireOrder
	if err := json.Unmarshal(raw, &wo); err != nil {
		return nil, NewError(ErrInvalidOrderData, "invalid order data: %v", err)
	}
	if wo.Type == nil || wo.ClientID == nil || wo.Amount == nil || wo.Price == nil {
		return nil, NewError(ErrInvalidOrderData, "invalid order data: missing required field")
	}

	side, ok := sideFromWire(*wo.Type)
	if !ok {
		return nil, NewError(ErrInvalidOrderData, "invalid order data: unknown type %q", *wo.Type)
	}
	if !wo.Price.IsPositive() {
		return nil, NewError(ErrInvalidOrderData, "invalid order data: price must be positive")
	}

	status := Status(wo.Status)
	if wo.Status != "" && !validStatus(status) {
		return nil, NewError(ErrInvalidOrderData, "invalid order data: unknown status %q", wo.Status)
	}
	if status == StatusFilled {
		if wo.Amount.IsNegative() {
			return nil, NewError(ErrInvalidOrderData, "invalid order data: negative amount on filled order")
		}
		if wo.OriginalAmount == nil || !wo.OriginalAmount.IsPositive() {
			return nil, NewError(ErrInvalidOrderData, "invalid order data: filled order requires a positive originalAmount")
		}
	} else if !wo.Amount.IsPositive() {
		return nil, NewError(ErrInvalidOrderData, "invalid order data: amount must be positive")
	}

	p := OrderParams{
		ID:       wo.ID,
		Side:     side,
		Price:    *wo.Price,
		Amount:   *wo.Amount,
		ClientID: *wo.ClientID,
		Status:   status,
	}
	if wo.OriginalAmount != nil {
		p.OriginalAmount = *wo.OriginalAmount
	}
	if wo.Timestamp > 0 {
		p.CreatedAt = time.UnixMilli(wo.Timestamp)
	}

	o, err := RestoreOrder(p)
	if err != nil {
		return nil, WrapError(ErrInvalidOrderData, err, "invalid order data")
	}
	return o, nil
}

func sideFromWire(t string) (Side, bool) {
	switch strings.ToUpper(t) {
	case string(SideBuy):
		return SideBuy, true
	case string(SideSell):
		return SideSell, true
	}
	return "", false
}

// ParseWireMatch strictly reconstructs a match record from untrusted wire
// data. Failures carry INVALID_ORDER_DATA like the order parse path.
func ParseWireMatch(raw []byte) (*OrderMatch, error) {
	var wm WireMatch
	if err := json.Unmarshal(raw, &wm); err != nil {
		return nil, NewError(ErrInvalidOrderData, "invalid match data: %v", err)
	}
	if len(wm.BuyOrder) == 0 || len(wm.SellOrder) == 0 || wm.MatchedAmount == nil || wm.Price == nil {
		return nil, NewError(ErrInvalidOrderData, "invalid match data: missing required field")
	}

	buy, err := ParseWireOrder(wm.BuyOrder)
	if err != nil {
		return nil, WrapError(ErrInvalidOrderData, err, "invalid match data: bad buy order")
	}
	sell, err := ParseWireOrder(wm.SellOrder)
	if err != nil {
		return nil, WrapError(ErrInvalidOrderData, err, "invalid match data: bad sell order")
	}

	m, err := NewOrderMatch(*buy, *sell, *wm.MatchedAmount, *wm.Price)
	if err != nil {
		return nil, WrapError(ErrInvalidOrderData, err, "invalid match data")
	}
	if wm.ID != "" {
		m.ID = wm.ID
	}
	if wm.Timestamp > 0 {
		m.CreatedAt = time.UnixMilli(wm.Timestamp)
	}
	return m, nil
}

// ParseWireState validates the top-level snapshot shape: three array-shaped
// fields whose elements are all JSON objects. Entry contents are not
// inspected here; callers parse entries individually and may drop bad ones.
func ParseWireState(raw []byte) (*WireState, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, NewError(ErrInvalidState, "invalid state: %v", err)
	}

	st := &WireState{}
	for name, dst := range map[string]*[]json.RawMessage{
		"buyOrders":  &st.BuyOrders,
		"sellOrders": &st.SellOrders,
		"matches":    &st.Matches,
	} {
		field, ok := fields[name]
		if !ok {
			return nil, NewError(ErrInvalidState, "invalid state: missing %s", name)
		}
		trimmed := bytes.TrimLeft(field, " \t\r\n")
		if len(trimmed) == 0 || trimmed[0] != '[' {
			return nil, NewError(ErrInvalidState, "invalid state: %s is not an array", name)
		}
		if err := json.Unmarshal(field, dst); err != nil {
			return nil, NewError(ErrInvalidState, "invalid state: %s is not an array", name)
		}
		for _, entry := range *dst {
			if !isJSONObject(entry) {
				return nil, NewError(ErrInvalidState, "invalid state: %s contains a non-record entry", name)
			}
		}
	}
	return st, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}
