package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/book"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/domain"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/infra"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/peer"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/service"
)

// stubLink satisfies peer.Link with a canned reply so handlers can be tested
// without a network.
type stubLink struct {
	reply []byte
	err   error
}

func (l *stubLink) Start(ctx context.Context) error { return nil }
func (l *stubLink) Stop() error                     { return nil }
func (l *stubLink) Announce(ctx context.Context, service string, port int) error {
	return nil
}
func (l *stubLink) Listen(port int, h peer.Handler) error { return nil }
func (l *stubLink) Request(ctx context.Context, service string, payload []byte, timeout time.Duration) ([]byte, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.reply, nil
}

func newTestHandler(t *testing.T, role service.Role, link peer.Link) *Handler {
	t.Helper()
	if link == nil {
		link = &stubLink{reply: []byte(`{"status":"ok"}`)}
	}
	cfg := service.Config{
		ClientID:       "node-under-test",
		ServiceName:    "exchange_orderbook",
		Role:           role,
		RequestTimeout: 50 * time.Millisecond,
	}
	svc := service.NewSyncService(cfg, book.NewOrderBook(nil), link, nil, infra.NewMetrics(), nil)
	return NewHandler(svc, nil, infra.NewMetrics(), nil)
}

func doRequest(h *Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func TestPlaceOrder(t *testing.T) {
	h := newTestHandler(t, service.RoleServer, nil)

	rec := doRequest(h, http.MethodPost, "/orders", `{"type":"buy","price":100,"amount":10}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Order   domain.WireOrder `json:"order"`
		Matches int              `json:"matches"`
		Filled  bool             `json:"filled"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Order.ClientID)
	assert.Equal(t, "node-under-test", *resp.Order.ClientID)
	assert.Equal(t, 0, resp.Matches)
	assert.False(t, resp.Filled)

	buys, _ := h.Service.Book().Depth()
	assert.Equal(t, 1, buys)
}

func TestPlaceOrder_Validation(t *testing.T) {
	h := newTestHandler(t, service.RoleServer, nil)

	cases := map[string]string{
		"unknown type":   `{"type":"hold","price":100,"amount":10}`,
		"zero price":     `{"type":"buy","price":0,"amount":10}`,
		"zero amount":    `{"type":"buy","price":100,"amount":0}`,
		"negative price": `{"type":"sell","price":-5,"amount":10}`,
		"not json":       `nope`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := doRequest(h, http.MethodPost, "/orders", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	buys, sells := h.Service.Book().Depth()
	assert.Equal(t, 0, buys+sells)
}

func TestPlaceOrder_MatchingReported(t *testing.T) {
	h := newTestHandler(t, service.RoleServer, nil)

	rec := doRequest(h, http.MethodPost, "/orders", `{"type":"sell","price":95,"amount":10}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(h, http.MethodPost, "/orders", `{"type":"buy","price":100,"amount":10}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Matches int  `json:"matches"`
		Filled  bool `json:"filled"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Matches)
	assert.True(t, resp.Filled)
}

func TestCancelOrder(t *testing.T) {
	h := newTestHandler(t, service.RoleServer, nil)

	rec := doRequest(h, http.MethodPost, "/orders", `{"type":"buy","price":100,"amount":10}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Order domain.WireOrder `json:"order"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doRequest(h, http.MethodDelete, "/orders/"+created.Order.ID, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "order cancelled")
	buys, _ := h.Service.Book().Depth()
	assert.Equal(t, 0, buys)
}

func TestCancelOrder_UnknownIDIsNoOp(t *testing.T) {
	h := newTestHandler(t, service.RoleServer, nil)

	rec := doRequest(h, http.MethodDelete, "/orders/never-existed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "no such order")
}

func TestCancelOrder_BroadcastFailureReturns502(t *testing.T) {
	// A fatal transport error keeps the request primitive from retrying.
	link := &stubLink{err: domain.NewFatalNetworkError("request", assert.AnError)}
	h := newTestHandler(t, service.RoleClient, link)

	price := decimal.NewFromInt(100)
	amount := decimal.NewFromInt(10)
	o, err := domain.NewOrder(domain.SideBuy, price, amount, "node-under-test")
	require.NoError(t, err)
	_, err = h.Service.Book().AddOrder(o)
	require.NoError(t, err)

	rec := doRequest(h, http.MethodDelete, "/orders/"+o.ID, "")
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())

	var resp struct {
		Error string           `json:"error"`
		Order domain.WireOrder `json:"order"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "applied locally but not broadcast")
	assert.Equal(t, o.ID, resp.Order.ID)

	// The local cancellation stuck despite the failed broadcast.
	buys, _ := h.Service.Book().Depth()
	assert.Equal(t, 0, buys)
}

func TestGetOrderBook(t *testing.T) {
	h := newTestHandler(t, service.RoleServer, nil)

	rec := doRequest(h, http.MethodPost, "/orders", `{"type":"sell","price":120,"amount":3}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(h, http.MethodGet, "/orderbook", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		BuyOrders  []json.RawMessage `json:"buyOrders"`
		SellOrders []json.RawMessage `json:"sellOrders"`
		Matches    []json.RawMessage `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.BuyOrders)
	assert.Len(t, resp.SellOrders, 1)
	assert.NotNil(t, resp.Matches)
}

func TestGetMatches_WithoutStore(t *testing.T) {
	h := newTestHandler(t, service.RoleServer, nil)

	rec := doRequest(h, http.MethodGet, "/matches", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStats(t *testing.T) {
	h := newTestHandler(t, service.RoleServer, nil)

	rec := doRequest(h, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]uint64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Contains(t, stats, "orders_submitted")
}
