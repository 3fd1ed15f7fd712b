package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/app"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(*configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	// 2. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Synchronization service (announce/listen or settle/sync per role)
	if err := bootstrap.Service.Start(ctx); err != nil {
		slog.Error("❌ Failed to start synchronization service", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := bootstrap.Service.Stop(); err != nil {
			slog.Error("Service shutdown failed", slog.Any("error", err))
		}
	}()

	// 4. Operator API
	apiServer := &http.Server{
		Addr:    bootstrap.Config.API.Addr,
		Handler: bootstrap.API.Router(),
	}
	go func() {
		slog.Info("✅ Operator API listening", slog.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server failed", slog.Any("error", err))
		}
	}()

	slog.InfoContext(ctx, "✨ Exchange node fully operational. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()

	slog.InfoContext(ctx, "👋 Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("API shutdown failed", slog.Any("error", err))
	}
}
