package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/book"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/domain"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/infra"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/peer"
)

// fakeLink records outbound requests and replies with a canned response or
// a scripted function.
type fakeLink struct {
	mu       sync.Mutex
	requests []domain.Envelope
	reply    []byte
	err      error
	replyFn  func(env domain.Envelope) ([]byte, error)
}

func (f *fakeLink) Start(ctx context.Context) error { return nil }
func (f *fakeLink) Stop() error                     { return nil }
func (f *fakeLink) Announce(ctx context.Context, service string, port int) error {
	return nil
}
func (f *fakeLink) Listen(port int, h peer.Handler) error {
	return nil
}

func (f *fakeLink) Request(ctx context.Context, service string, payload []byte, timeout time.Duration) ([]byte, error) {
	var env domain.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.requests = append(f.requests, env)
	f.mu.Unlock()

	if f.replyFn != nil {
		return f.replyFn(env)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.reply != nil {
		return f.reply, nil
	}
	return []byte(`{"status":"ok"}`), nil
}

func (f *fakeLink) sent() []domain.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Envelope, len(f.requests))
	copy(out, f.requests)
	return out
}

func newTestService(t *testing.T, role Role, link *fakeLink) *SyncService {
	t.Helper()
	return NewSyncService(Config{
		ClientID:         "node-a",
		ServiceName:      "exchange_orderbook",
		Port:             1337,
		Role:             role,
		SettleDelay:      time.Millisecond,
		AnnounceInterval: time.Second,
		SyncInterval:     time.Second,
		RequestTimeout:   50 * time.Millisecond,
	}, book.NewOrderBook(nil), link, nil, infra.NewMetrics(), nil)
}

func newOrder(t *testing.T, side domain.Side, price, amount int64, clientID string) *domain.Order {
	t.Helper()
	o, err := domain.NewOrder(side, decimal.NewFromInt(price), decimal.NewFromInt(amount), clientID)
	require.NoError(t, err)
	return o
}

func TestSubmitOrder_BroadcastsSubmission(t *testing.T) {
	link := &fakeLink{}
	s := newTestService(t, RoleClient, link)

	res, err := s.SubmitOrder(context.Background(), newOrder(t, domain.SideBuy, 100, 10, "node-a"))
	require.NoError(t, err)
	require.NotNil(t, res.Remaining)

	sent := link.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.ActionSubmitOrder, sent[0].Action)
	assert.Equal(t, "node-a", sent[0].ClientID)

	o, err := domain.ParseWireOrder(sent[0].Data)
	require.NoError(t, err)
	assert.Equal(t, res.Order.ID, o.ID)
	assert.True(t, o.Amount.Equal(decimal.NewFromInt(10)), "the submitted shape goes on the wire, not the post-match state")
}

func TestSubmitOrder_BroadcastFailureIsSwallowed(t *testing.T) {
	// A validation-class failure aborts retries immediately, so the test
	// also proves no retry storm happens for client-side-caused errors.
	link := &fakeLink{err: domain.NewFatalNetworkError("request", errors.New("invalid payload shape"))}
	s := newTestService(t, RoleClient, link)

	res, err := s.SubmitOrder(context.Background(), newOrder(t, domain.SideBuy, 100, 10, "node-a"))
	require.NoError(t, err, "local result is authoritative; broadcast failure must not surface")
	require.NotNil(t, res.Remaining)

	buys, _ := s.Book().Depth()
	assert.Equal(t, 1, buys, "local book keeps the order despite broadcast failure")
	assert.Len(t, link.sent(), 1, "validation-class failures must not be retried")
}

func TestSubmitOrder_LocalErrorSurfacesAndSkipsBroadcast(t *testing.T) {
	link := &fakeLink{}
	s := newTestService(t, RoleClient, link)

	o := newOrder(t, domain.SideBuy, 100, 10, "node-a")
	_, err := s.SubmitOrder(context.Background(), o)
	require.NoError(t, err)

	dup, err := domain.RestoreOrder(domain.OrderParams{
		ID: o.ID, Side: domain.SideBuy,
		Price: decimal.NewFromInt(100), Amount: decimal.NewFromInt(1), ClientID: "node-a",
	})
	require.NoError(t, err)

	_, err = s.SubmitOrder(context.Background(), dup)
	assert.Equal(t, domain.ErrDuplicateOrderID, domain.CodeOf(err))
	assert.Len(t, link.sent(), 1, "a rejected submission must not be broadcast")
}

func TestSubmitOrder_AnnouncesMatches(t *testing.T) {
	link := &fakeLink{}
	s := newTestService(t, RoleClient, link)

	_, err := s.SubmitOrder(context.Background(), newOrder(t, domain.SideSell, 100, 5, "node-a"))
	require.NoError(t, err)

	res, err := s.SubmitOrder(context.Background(), newOrder(t, domain.SideBuy, 100, 5, "node-a"))
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)

	var actions []string
	for _, env := range link.sent() {
		actions = append(actions, env.Action)
	}
	assert.Equal(t, []string{
		domain.ActionSubmitOrder,
		domain.ActionSubmitOrder,
		domain.ActionAnnounceMatch,
	}, actions)
}

func TestCancelOrder_BroadcastFailureIsSurfaced(t *testing.T) {
	link := &fakeLink{}
	s := newTestService(t, RoleClient, link)

	o := newOrder(t, domain.SideBuy, 100, 10, "node-a")
	_, err := s.SubmitOrder(context.Background(), o)
	require.NoError(t, err)

	link.mu.Lock()
	link.err = domain.NewFatalNetworkError("request", errors.New("invalid envelope"))
	link.mu.Unlock()

	cancelled, err := s.CancelOrder(context.Background(), o.ID)
	assert.Equal(t, domain.ErrCancelBroadcast, domain.CodeOf(err))
	require.NotNil(t, cancelled, "the locally cancelled order is returned with the error")
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.Nil(t, s.Book().FindOrderByID(o.ID), "local cancellation is committed regardless")
}

func TestCancelOrder_UnknownIDIsSilentNoOp(t *testing.T) {
	link := &fakeLink{}
	s := newTestService(t, RoleClient, link)

	cancelled, err := s.CancelOrder(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, cancelled)
	assert.Empty(t, link.sent(), "nothing to broadcast for a no-op cancel")
}

func stateReply(t *testing.T, st *domain.OrderBookState) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"status": "ok", "state": domain.StateToWire(st)})
	require.NoError(t, err)
	return raw
}

func TestSyncOrderbook_ReplacesLocalState(t *testing.T) {
	remoteBuy := newOrder(t, domain.SideBuy, 120, 3, "node-b")
	remoteSell := newOrder(t, domain.SideSell, 130, 4, "node-b")

	link := &fakeLink{}
	s := newTestService(t, RoleClient, link)
	link.reply = stateReply(t, &domain.OrderBookState{
		BuyOrders:  []*domain.Order{remoteBuy},
		SellOrders: []*domain.Order{remoteSell},
		Matches:    []*domain.OrderMatch{},
	})

	// Local progress that the snapshot replacement will discard.
	_, err := s.SubmitOrder(context.Background(), newOrder(t, domain.SideBuy, 100, 10, "node-a"))
	require.NoError(t, err)

	require.NoError(t, s.SyncOrderbook(context.Background()))

	assert.NotNil(t, s.Book().FindOrderByID(remoteBuy.ID))
	assert.NotNil(t, s.Book().FindOrderByID(remoteSell.ID))
	buys, sells := s.Book().Depth()
	assert.Equal(t, 1, buys)
	assert.Equal(t, 1, sells)
}

func TestSyncOrderbook_DropsMalformedEntries(t *testing.T) {
	good := newOrder(t, domain.SideBuy, 120, 3, "node-b")
	goodRaw, err := json.Marshal(domain.OrderToWire(good))
	require.NoError(t, err)

	state := map[string]any{
		"buyOrders": []json.RawMessage{
			goodRaw,
			json.RawMessage(`{"type":"buy","price":0,"amount":1,"clientId":"bad"}`),
		},
		"sellOrders": []json.RawMessage{},
		"matches":    []json.RawMessage{},
	}
	reply, err := json.Marshal(map[string]any{"status": "ok", "state": state})
	require.NoError(t, err)

	link := &fakeLink{reply: reply}
	s := newTestService(t, RoleClient, link)

	require.NoError(t, s.SyncOrderbook(context.Background()))

	buys, _ := s.Book().Depth()
	assert.Equal(t, 1, buys, "the malformed entry is dropped, the good one applied")
	assert.NotNil(t, s.Book().FindOrderByID(good.ID))
}

func TestSyncOrderbook_MalformedTopLevelAborts(t *testing.T) {
	link := &fakeLink{reply: []byte(`{"status":"ok"}`)} // missing state
	s := newTestService(t, RoleClient, link)

	_, err := s.SubmitOrder(context.Background(), newOrder(t, domain.SideBuy, 100, 10, "node-a"))
	require.NoError(t, err)

	err = s.SyncOrderbook(context.Background())
	assert.Equal(t, domain.ErrInvalidState, domain.CodeOf(err))

	buys, _ := s.Book().Depth()
	assert.Equal(t, 1, buys, "a failed sync must not mutate local state")
}

func TestHandleRequest_SkipsOwnRequests(t *testing.T) {
	s := newTestService(t, RoleServer, &fakeLink{})

	payload, err := json.Marshal(domain.Envelope{
		ClientID: "node-a",
		Action:   domain.ActionGetOrderbook,
		Data:     json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	reply, err := s.handleRequest(context.Background(), payload)
	require.NoError(t, err)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(reply, &resp))
	assert.Equal(t, "skipped", resp["status"])
	assert.Equal(t, "own request", resp["reason"])
}

func TestHandleRequest_AppliesPeerSubmission(t *testing.T) {
	s := newTestService(t, RoleServer, &fakeLink{})

	o := newOrder(t, domain.SideBuy, 100, 10, "node-b")
	data, err := json.Marshal(domain.OrderToWire(o))
	require.NoError(t, err)
	payload, err := json.Marshal(domain.Envelope{
		ClientID: "node-b",
		Action:   domain.ActionSubmitOrder,
		Data:     data,
	})
	require.NoError(t, err)

	_, err = s.handleRequest(context.Background(), payload)
	require.NoError(t, err)
	assert.NotNil(t, s.Book().FindOrderByID(o.ID))
}

func TestHandleRequest_ServesOrderbook(t *testing.T) {
	s := newTestService(t, RoleServer, &fakeLink{})
	o := newOrder(t, domain.SideSell, 100, 2, "node-a")
	_, err := s.Book().AddOrder(o)
	require.NoError(t, err)

	payload, err := json.Marshal(domain.Envelope{
		ClientID: "node-b",
		Action:   domain.ActionGetOrderbook,
		Data:     json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	reply, err := s.handleRequest(context.Background(), payload)
	require.NoError(t, err)

	var top syncReply
	require.NoError(t, json.Unmarshal(reply, &top))
	assert.Equal(t, "ok", top.Status)

	ws, err := domain.ParseWireState(top.State)
	require.NoError(t, err)
	assert.Len(t, ws.SellOrders, 1)
}

func TestHandleRequest_RejectsMalformedEnvelope(t *testing.T) {
	s := newTestService(t, RoleServer, &fakeLink{})

	_, err := s.handleRequest(context.Background(), []byte(`{"action":"SUBMIT_ORDER"}`))
	assert.Equal(t, domain.ErrInvalidOrderData, domain.CodeOf(err))

	_, err = s.handleRequest(context.Background(), []byte(`{"clientId":"x","action":"NOPE","data":{}}`))
	assert.Equal(t, domain.ErrInvalidOrderData, domain.CodeOf(err))
}

func TestRetryableClassification(t *testing.T) {
	assert.False(t, retryable(errors.New("Invalid order data")),
		"validation-class errors are recognized by message, case-insensitive")
	assert.False(t, retryable(domain.NewFatalNetworkError("request", errors.New("refused"))))
	assert.True(t, retryable(domain.NewNetworkError("request", errors.New("connection reset"))))
	assert.True(t, retryable(errors.New("boom")))
}
