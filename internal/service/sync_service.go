package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/book"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/domain"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/infra"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/infra/storage"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/peer"
)

// Role selects the node's network behavior.
type Role string

const (
	RoleServer Role = "server" // serves inbound requests, re-announces presence
	RoleClient Role = "client" // pulls state from peers on a timer
)

const (
	maxRequestRetries  = 5
	requestRetryBase   = 1000 * time.Millisecond
	requestRetryFactor = 1.5

	maxInitialSyncAttempts = 5
	initialSyncRetryBase   = 2000 * time.Millisecond
	initialSyncRetryFactor = 1.5
)

// Config carries the node identity and timing knobs for the service.
type Config struct {
	ClientID    string
	ServiceName string
	Port        int
	Role        Role

	SettleDelay      time.Duration
	AnnounceInterval time.Duration
	SyncInterval     time.Duration
	RequestTimeout   time.Duration
}

// SyncService wraps the order book with networked behavior: serialized
// local submission with best-effort broadcast, pull-based full-state sync,
// and inbound request handling with self-origin de-duplication.
type SyncService struct {
	cfg     Config
	book    *book.OrderBook
	link    peer.Link
	store   *storage.Storage // optional
	metrics *infra.Metrics
	log     *slog.Logger

	// submitMu is the exclusive section: at most one submission is being
	// matched-and-broadcast at a time on this node. Cancellation and the
	// periodic sync are deliberately outside it.
	submitMu  sync.Mutex
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// NewSyncService wires the service. store may be nil to disable match
// persistence.
func NewSyncService(cfg Config, b *book.OrderBook, link peer.Link, store *storage.Storage, metrics *infra.Metrics, log *slog.Logger) *SyncService {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = infra.NewMetrics()
	}
	return &SyncService{
		cfg:     cfg,
		book:    b,
		link:    link,
		store:   store,
		metrics: metrics,
		log:     log,
	}
}

// Book exposes the wrapped order book for local inspection.
func (s *SyncService) Book() *book.OrderBook {
	return s.book
}

// ClientID returns this node's identity on the wire.
func (s *SyncService) ClientID() string {
	return s.cfg.ClientID
}

// Start brings up the transport link and the role-specific background
// tasks: server nodes listen and re-announce presence, client nodes settle,
// perform initial sync with bounded retries, then sync periodically.
func (s *SyncService) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	if err := s.link.Start(runCtx); err != nil {
		cancel()
		return err
	}

	switch s.cfg.Role {
	case RoleServer:
		if err := s.link.Listen(s.cfg.Port, s.handleRequest); err != nil {
			cancel()
			return err
		}
		s.wg.Add(1)
		go s.announceLoop(runCtx)
		s.log.Info("node serving",
			slog.String("clientId", s.cfg.ClientID),
			slog.String("service", s.cfg.ServiceName),
			slog.Int("port", s.cfg.Port))
	case RoleClient:
		s.wg.Add(1)
		go s.syncLoop(runCtx)
		s.log.Info("node syncing",
			slog.String("clientId", s.cfg.ClientID),
			slog.String("service", s.cfg.ServiceName))
	default:
		cancel()
		return domain.NewError(domain.ErrInvalidStatus, "unknown role %q", s.cfg.Role)
	}
	return nil
}

// Stop cancels the background timers, waits for them, and releases the
// transport link. Nothing is left outstanding.
func (s *SyncService) Stop() error {
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.wg.Wait()
	return s.link.Stop()
}

func (s *SyncService) announceLoop(ctx context.Context) {
	defer s.wg.Done()

	announce := func() {
		if err := s.link.Announce(ctx, s.cfg.ServiceName, s.cfg.Port); err != nil {
			s.log.Warn("announce failed", slog.Any("error", err))
		}
	}

	announce()
	ticker := time.NewTicker(s.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			announce()
		}
	}
}

func (s *SyncService) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.SettleDelay):
	}

	// Initial sync: bounded retries, total failure tolerated. Starting
	// with an empty book beats refusing to start.
	for attempt := 1; attempt <= maxInitialSyncAttempts; attempt++ {
		err := s.SyncOrderbook(ctx)
		if err == nil {
			break
		}
		s.log.Warn("initial sync attempt failed",
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if attempt == maxInitialSyncAttempts {
			s.log.Warn("initial sync exhausted, starting with local book state")
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(infra.CalculateBackoff(initialSyncRetryBase, initialSyncRetryFactor, attempt-1)):
		}
	}

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncOrderbook(ctx); err != nil {
				s.log.Warn("periodic sync failed", slog.Any("error", err))
			}
		}
	}
}

// SubmitOrder applies the order to the local matching engine and then makes
// a best-effort broadcast of the submission. The local result is
// authoritative: broadcast failures are logged and swallowed.
func (s *SyncService) SubmitOrder(ctx context.Context, o *domain.Order) (*book.MatchResult, error) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	var wire *domain.WireOrder
	if o != nil {
		// Broadcast the order as submitted, not its post-match state.
		wire = domain.OrderToWire(o.Snapshot())
	}

	res, err := s.book.AddOrder(o)
	if err != nil {
		s.metrics.RecordOrderRejected()
		return nil, err
	}
	s.metrics.RecordOrderSubmitted()
	s.metrics.RecordMatches(len(res.Matches))
	s.persistMatches(res.Matches, domain.MatchOriginLocal)

	if err := s.broadcast(ctx, domain.ActionSubmitOrder, wire); err != nil {
		s.metrics.RecordBroadcastFailure()
		s.log.Warn("order broadcast failed, local result stands",
			slog.String("orderId", res.Order.ID),
			slog.Any("error", err))
	}
	for _, m := range res.Matches {
		if err := s.broadcast(ctx, domain.ActionAnnounceMatch, domain.MatchToWire(m)); err != nil {
			s.metrics.RecordBroadcastFailure()
			s.log.Warn("match announcement failed",
				slog.String("matchId", m.ID),
				slog.Any("error", err))
		}
	}
	return res, nil
}

type cancelPayload struct {
	OrderID string `json:"orderId"`
}

// CancelOrder cancels locally first; that effect is unconditional. Client
// nodes then broadcast the cancellation, and a broadcast failure is
// surfaced as CANCEL_BROADCAST_FAILED even though the local cancellation
// has already been committed. An unknown id is a silent no-op.
func (s *SyncService) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := s.book.CancelOrder(orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, nil
	}
	s.metrics.RecordCancel()

	if s.cfg.Role == RoleClient {
		if _, err := s.request(ctx, domain.ActionCancelOrder, cancelPayload{OrderID: orderID}); err != nil {
			s.metrics.RecordBroadcastFailure()
			return o, domain.WrapError(domain.ErrCancelBroadcast, err,
				"cancellation of %s applied locally but not broadcast", orderID)
		}
	}
	return o, nil
}

type syncReply struct {
	Status string          `json:"status"`
	State  json.RawMessage `json:"state"`
}

// SyncOrderbook pulls a full snapshot from a peer and wholesale replaces
// the local book. A malformed top-level reply aborts the cycle without
// touching local state; individual malformed entries are dropped.
func (s *SyncService) SyncOrderbook(ctx context.Context) error {
	reply, err := s.request(ctx, domain.ActionGetOrderbook, struct{}{})
	if err != nil {
		s.metrics.RecordSync(false)
		return err
	}

	var top syncReply
	if err := json.Unmarshal(reply, &top); err != nil {
		s.metrics.RecordSync(false)
		return domain.NewError(domain.ErrInvalidState, "invalid sync reply: %v", err)
	}
	if top.Status == "skipped" {
		s.metrics.RecordSync(false)
		return domain.NewNetworkError("sync", errors.New("request answered by this node itself"))
	}
	if len(top.State) == 0 {
		s.metrics.RecordSync(false)
		return domain.NewError(domain.ErrInvalidState, "invalid sync reply: missing state")
	}

	ws, err := domain.ParseWireState(top.State)
	if err != nil {
		s.metrics.RecordSync(false)
		return err
	}

	st := s.parseStateEntries(ws)
	if err := s.book.SetState(st); err != nil {
		s.metrics.RecordSync(false)
		return err
	}

	s.metrics.RecordSync(true)
	s.log.Debug("order book synced",
		slog.Int("buys", len(st.BuyOrders)),
		slog.Int("sells", len(st.SellOrders)),
		slog.Int("matches", len(st.Matches)))
	return nil
}

// parseStateEntries parses every snapshot entry independently, dropping the
// ones that fail reconstruction instead of failing the whole sync.
func (s *SyncService) parseStateEntries(ws *domain.WireState) *domain.OrderBookState {
	st := &domain.OrderBookState{
		BuyOrders:  make([]*domain.Order, 0, len(ws.BuyOrders)),
		SellOrders: make([]*domain.Order, 0, len(ws.SellOrders)),
		Matches:    make([]*domain.OrderMatch, 0, len(ws.Matches)),
	}
	for _, raw := range ws.BuyOrders {
		o, err := domain.ParseWireOrder(raw)
		if err != nil || o.Side != domain.SideBuy {
			s.log.Debug("dropping malformed buy order entry", slog.Any("error", err))
			continue
		}
		st.BuyOrders = append(st.BuyOrders, o)
	}
	for _, raw := range ws.SellOrders {
		o, err := domain.ParseWireOrder(raw)
		if err != nil || o.Side != domain.SideSell {
			s.log.Debug("dropping malformed sell order entry", slog.Any("error", err))
			continue
		}
		st.SellOrders = append(st.SellOrders, o)
	}
	for _, raw := range ws.Matches {
		m, err := domain.ParseWireMatch(raw)
		if err != nil {
			s.log.Debug("dropping malformed match entry", slog.Any("error", err))
			continue
		}
		st.Matches = append(st.Matches, m)
	}
	return st
}

// handleRequest serves one inbound peer request.
func (s *SyncService) handleRequest(ctx context.Context, payload []byte) ([]byte, error) {
	env, err := domain.ParseEnvelope(payload)
	if err != nil {
		return nil, err
	}

	// Self-delivery de-duplication: in a broadcast topology our own
	// request can be routed back to us.
	if env.ClientID == s.cfg.ClientID {
		s.metrics.RecordRequestSkipped()
		return json.Marshal(map[string]string{"status": "skipped", "reason": "own request"})
	}
	s.metrics.RecordRequestServed()

	switch env.Action {
	case domain.ActionSubmitOrder:
		return s.handleSubmit(env)
	case domain.ActionCancelOrder:
		return s.handleCancel(env)
	case domain.ActionGetOrderbook:
		return s.handleGetOrderbook()
	case domain.ActionSyncOrderbook:
		return s.handleSyncPush(env)
	case domain.ActionAnnounceMatch:
		return s.handleAnnounceMatch(env)
	}
	return nil, domain.NewError(domain.ErrInvalidOrderData, "invalid request envelope: unknown action %q", env.Action)
}

func (s *SyncService) handleSubmit(env *domain.Envelope) ([]byte, error) {
	o, err := domain.ParseWireOrder(env.Data)
	if err != nil {
		return nil, err
	}
	res, err := s.book.AddOrder(o)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordMatches(len(res.Matches))
	s.persistMatches(res.Matches, domain.MatchOriginLocal)
	s.log.Info("applied peer order",
		slog.String("orderId", o.ID),
		slog.String("from", env.ClientID),
		slog.Int("matches", len(res.Matches)))
	return json.Marshal(map[string]any{"status": "ok", "matches": len(res.Matches)})
}

func (s *SyncService) handleCancel(env *domain.Envelope) ([]byte, error) {
	var p cancelPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, domain.NewError(domain.ErrInvalidOrderData, "invalid cancellation data: %v", err)
	}
	o, err := s.book.CancelOrder(p.OrderID)
	if err != nil {
		return nil, err
	}
	if o != nil {
		s.metrics.RecordCancel()
		s.log.Info("applied peer cancellation",
			slog.String("orderId", p.OrderID),
			slog.String("from", env.ClientID))
	}
	return json.Marshal(map[string]any{"status": "ok", "cancelled": o != nil})
}

func (s *SyncService) handleGetOrderbook() ([]byte, error) {
	st := s.book.State()
	return json.Marshal(map[string]any{"status": "ok", "state": domain.StateToWire(st)})
}

func (s *SyncService) handleSyncPush(env *domain.Envelope) ([]byte, error) {
	ws, err := domain.ParseWireState(env.Data)
	if err != nil {
		return nil, err
	}
	st := s.parseStateEntries(ws)
	if err := s.book.SetState(st); err != nil {
		return nil, err
	}
	s.log.Info("order book replaced from peer push", slog.String("from", env.ClientID))
	return json.Marshal(map[string]string{"status": "ok"})
}

func (s *SyncService) handleAnnounceMatch(env *domain.Envelope) ([]byte, error) {
	m, err := domain.ParseWireMatch(env.Data)
	if err != nil {
		return nil, err
	}
	s.persistMatches([]*domain.OrderMatch{m}, domain.MatchOriginPeer)
	s.log.Info("recorded announced match",
		slog.String("matchId", m.ID),
		slog.String("from", env.ClientID))
	return json.Marshal(map[string]string{"status": "ok"})
}

// broadcast sends an envelope and swallows nothing: the caller decides what
// a failure means.
func (s *SyncService) broadcast(ctx context.Context, action string, data any) error {
	_, err := s.request(ctx, action, data)
	return err
}

// request is the single retry primitive used by every outbound call: one
// RPC attempt bounded by the configured timeout, retried with exponential
// backoff unless the failure is validation-class (client-side-caused errors
// are not transient). Exhausting retries surfaces the last observed error.
func (s *SyncService) request(ctx context.Context, action string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(domain.Envelope{
		ClientID: s.cfg.ClientID,
		Action:   action,
		Data:     raw,
	})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= maxRequestRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(infra.CalculateBackoff(requestRetryBase, requestRetryFactor, attempt-1)):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		reply, err := s.link.Request(attemptCtx, s.cfg.ServiceName, payload, s.cfg.RequestTimeout)
		cancel()
		if err == nil {
			return reply, nil
		}

		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.WrapError(domain.ErrRequestTimeout, err, "no reply within %s", s.cfg.RequestTimeout)
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		s.log.Debug("retrying request",
			slog.String("action", action),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}
	return nil, lastErr
}

// retryable classifies a request failure. Validation-class errors are
// recognized by message ("invalid", case-insensitive) or by a non-retriable
// network error; everything else is considered transient.
func retryable(err error) bool {
	if strings.Contains(strings.ToLower(err.Error()), "invalid") {
		return false
	}
	var ne *domain.NetworkError
	if errors.As(err, &ne) {
		return ne.Retriable
	}
	return true
}

func (s *SyncService) persistMatches(matches []*domain.OrderMatch, origin string) {
	if s.store == nil {
		return
	}
	for _, m := range matches {
		if err := s.store.SaveMatch(domain.NewMatchRecord(m, origin)); err != nil {
			s.log.Warn("failed to persist match",
				slog.String("matchId", m.ID),
				slog.Any("error", err))
		}
	}
}
