package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/domain"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/infra"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/infra/storage"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/service"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Service *service.SyncService
	Store   *storage.Storage // optional
	Metrics *infra.Metrics
	Log     *slog.Logger
}

// NewHandler creates a new handler
func NewHandler(svc *service.SyncService, store *storage.Storage, metrics *infra.Metrics, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{Service: svc, Store: store, Metrics: metrics, Log: log}
}

// Router builds the operator API routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/orders", h.PlaceOrder)
	r.Delete("/orders/{id}", h.CancelOrder)
	r.Get("/orderbook", h.GetOrderBook)
	r.Get("/matches", h.GetMatches)
	r.Get("/stats", h.GetStats)
	return r
}

// PlaceOrder handles local order submission and matching
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type   string          `json:"type"`
		Price  decimal.Decimal `json:"price"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var side domain.Side
	switch strings.ToLower(req.Type) {
	case "buy":
		side = domain.SideBuy
	case "sell":
		side = domain.SideSell
	default:
		writeError(w, http.StatusBadRequest, "type must be 'buy' or 'sell'")
		return
	}

	order, err := domain.NewOrder(side, req.Price, req.Amount, h.Service.ClientID())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	res, err := h.Service.SubmitOrder(r.Context(), order)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"order":   domain.OrderToWire(res.Order),
		"matches": len(res.Matches),
		"filled":  res.Remaining == nil,
	})
}

// CancelOrder cancels an open order. The local cancellation is committed
// even when the cancellation broadcast fails; that case returns 502 with
// the cancelled order attached.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	order, err := h.Service.CancelOrder(r.Context(), orderID)
	if err != nil {
		if domain.IsCode(err, domain.ErrCancelBroadcast) {
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]any{
				"error": err.Error(),
				"order": domain.OrderToWire(order),
			})
			return
		}
		writeDomainError(w, err)
		return
	}
	if order == nil {
		// Unknown id is a silent no-op in the book; report it as such.
		json.NewEncoder(w).Encode(map[string]string{"message": "no such order"})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"message": "order cancelled",
		"order":   domain.OrderToWire(order),
	})
}

// GetOrderBook retrieves the current order book
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	st := h.Service.Book().State()
	json.NewEncoder(w).Encode(domain.StateToWire(st))
}

// GetMatches retrieves persisted match history, newest first.
func (h *Handler) GetMatches(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusNotFound, "match history persistence is disabled")
		return
	}

	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := h.Store.RecentMatches(limit)
	if err != nil {
		h.Log.Error("failed to load matches", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve matches")
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"matches": recs})
}

// GetStats returns the node's counters.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(h.Metrics.Snapshot())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeDomainError maps domain error codes to HTTP statuses: validation and
// domain failures are the caller's fault, everything else is ours.
func writeDomainError(w http.ResponseWriter, err error) {
	switch domain.CodeOf(err) {
	case domain.ErrInvalidPrice, domain.ErrInvalidAmount, domain.ErrInvalidClientID,
		domain.ErrInvalidSide, domain.ErrInvalidStatus, domain.ErrInvalidOrderData,
		domain.ErrMissingOrderID, domain.ErrDuplicateOrderID, domain.ErrInactiveOrder,
		domain.ErrNilOrder:
		writeError(w, http.StatusBadRequest, err.Error())
	case domain.ErrCancelFailed, domain.ErrOrderFilled:
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
