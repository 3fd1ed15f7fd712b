package app

import (
	"log/slog"

	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/api"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/book"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/infra"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/infra/storage"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/peer"
	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/service"
)

// Bootstrap orchestrates the node startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Logger  *slog.Logger
	Metrics *infra.Metrics
	Storage *storage.Storage
	Book    *book.OrderBook
	Link    *peer.GrapeLink
	Service *service.SyncService
	API     *api.Handler
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization and wires every component
// with its dependencies.
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping exchange node...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)

	// 3. Metrics
	b.Metrics = infra.NewMetrics()

	// 4. Match history storage
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	// 5. Matching engine + transport + synchronization service
	b.Book = book.NewOrderBook(b.Logger)
	b.Link = peer.NewGrapeLink(cfg.Grape.URL, cfg.Grape.AnnounceHost, b.Logger)
	b.Service = service.NewSyncService(service.Config{
		ClientID:         cfg.Node.ClientID,
		ServiceName:      cfg.Node.ServiceName,
		Port:             cfg.Peer.Port,
		Role:             service.Role(cfg.Node.Role),
		SettleDelay:      cfg.SettleDelay(),
		AnnounceInterval: cfg.AnnounceInterval(),
		SyncInterval:     cfg.SyncInterval(),
		RequestTimeout:   cfg.RequestTimeout(),
	}, b.Book, b.Link, store, b.Metrics, b.Logger)

	// 6. Operator API
	b.API = api.NewHandler(b.Service, store, b.Metrics, b.Logger)

	slog.Info("✅ Node wired",
		slog.String("clientId", cfg.Node.ClientID),
		slog.String("role", cfg.Node.Role))
	return nil
}
