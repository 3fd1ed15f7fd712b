package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	lookupCacheTTL   = 1 * time.Second
	rpcPath          = "/rpc"
)

// GrapeLink implements Link against a grape discovery endpoint. Peers are
// announced and looked up over plain HTTP; the request/reply channel between
// peers is a short-lived websocket carrying one request frame and one reply
// frame.
type GrapeLink struct {
	grapeURL     string
	announceHost string
	log          *slog.Logger

	httpClient *http.Client
	upgrader   websocket.Upgrader

	mu        sync.Mutex
	started   bool
	server    *http.Server
	boundAddr string
	wg        sync.WaitGroup
	cache     map[string]lookupEntry
}

// BoundAddr returns the listener address once Listen has succeeded. Useful
// when listening on an ephemeral port.
func (l *GrapeLink) BoundAddr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.boundAddr
}

type lookupEntry struct {
	addresses []string
	expires   time.Time
}

type announceRequest struct {
	Service string `json:"service"`
	Address string `json:"address"`
}

type lookupRequest struct {
	Service string `json:"service"`
}

type lookupResponse struct {
	Addresses []string `json:"addresses"`
}

type rpcReply struct {
	Error    string          `json:"error,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// NewGrapeLink creates a link against the given grape endpoint.
func NewGrapeLink(grapeURL, announceHost string, log *slog.Logger) *GrapeLink {
	if log == nil {
		log = slog.Default()
	}
	return &GrapeLink{
		grapeURL:     grapeURL,
		announceHost: announceHost,
		log:          log,
		httpClient:   &http.Client{Timeout: handshakeTimeout},
		upgrader:     websocket.Upgrader{},
		cache:        make(map[string]lookupEntry),
	}
}

// Start brings up the discovery connection.
func (l *GrapeLink) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	l.started = true
	return nil
}

// Stop tears down the listener. It blocks until in-flight requests finish.
func (l *GrapeLink) Stop() error {
	l.mu.Lock()
	server := l.server
	l.server = nil
	l.started = false
	l.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return domain.NewFatalNetworkError("stop", err)
		}
	}
	l.wg.Wait()
	return nil
}

// Announce advertises this node as a provider of service on port.
func (l *GrapeLink) Announce(ctx context.Context, service string, port int) error {
	body := announceRequest{
		Service: service,
		Address: net.JoinHostPort(l.announceHost, fmt.Sprintf("%d", port)),
	}
	var resp struct{}
	if err := l.post(ctx, "/announce", body, &resp); err != nil {
		return domain.NewNetworkError("announce", err)
	}
	return nil
}

// Listen serves inbound peer requests on port.
func (l *GrapeLink) Listen(port int, h Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc(rpcPath, func(w http.ResponseWriter, r *http.Request) {
		l.serveRPC(w, r, h)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	l.mu.Lock()
	if l.server != nil {
		l.mu.Unlock()
		return domain.NewFatalNetworkError("listen", errors.New("already listening"))
	}
	l.server = server
	l.mu.Unlock()

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return domain.NewFatalNetworkError("listen", err)
	}
	l.mu.Lock()
	l.boundAddr = ln.Addr().String()
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error("peer listener stopped", slog.Any("error", err))
		}
	}()
	return nil
}

func (l *GrapeLink) serveRPC(w http.ResponseWriter, r *http.Request, h Handler) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_, payload, err := conn.ReadMessage()
	if err != nil {
		return
	}

	reply := rpcReply{}
	resp, err := h(r.Context(), payload)
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Response = resp
	}

	out, err := json.Marshal(reply)
	if err != nil {
		l.log.Error("failed to marshal rpc reply", slog.Any("error", err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
		l.log.Warn("failed to write rpc reply", slog.Any("error", err))
	}
}

// Request sends payload to one randomly chosen provider of service.
func (l *GrapeLink) Request(ctx context.Context, service string, payload []byte, timeout time.Duration) ([]byte, error) {
	addrs, err := l.lookup(ctx, service)
	if err != nil {
		return nil, err
	}
	addr := addrs[rand.Intn(len(addrs))]

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, "ws://"+addr+rpcPath, nil)
	if err != nil {
		return nil, asRequestError(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, asRequestError(err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, asRequestError(err)
	}

	var reply rpcReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, domain.NewNetworkError("request", fmt.Errorf("malformed reply: %w", err))
	}
	if reply.Error != "" {
		return nil, domain.NewNetworkError("request", errors.New(reply.Error))
	}
	return reply.Response, nil
}

// asRequestError maps timeouts to context.DeadlineExceeded so callers can
// classify them, and wraps everything else as a retriable network error.
func asRequestError(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.NewNetworkError("request", context.DeadlineExceeded)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewNetworkError("request", context.DeadlineExceeded)
	}
	return domain.NewNetworkError("request", err)
}

func (l *GrapeLink) lookup(ctx context.Context, service string) ([]string, error) {
	l.mu.Lock()
	entry, ok := l.cache[service]
	l.mu.Unlock()
	if ok && time.Now().Before(entry.expires) && len(entry.addresses) > 0 {
		return entry.addresses, nil
	}

	var resp lookupResponse
	if err := l.post(ctx, "/lookup", lookupRequest{Service: service}, &resp); err != nil {
		return nil, domain.NewNetworkError("lookup", err)
	}
	if len(resp.Addresses) == 0 {
		return nil, domain.NewNetworkError("lookup", fmt.Errorf("no peers available for service %s", service))
	}

	l.mu.Lock()
	l.cache[service] = lookupEntry{addresses: resp.Addresses, expires: time.Now().Add(lookupCacheTTL)}
	l.mu.Unlock()
	return resp.Addresses, nil
}

func (l *GrapeLink) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.grapeURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("grape returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
