// Package main is the entry point for the stock ledger API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stockledger/internal/app"
	"stockledger/internal/config"
	v1 "stockledger/internal/infrastructure/http/v1"
	"stockledger/internal/infrastructure/http/v1/handlers"
	"stockledger/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.App.LogLevel,
		Development: cfg.App.IsDevelopment(),
		Service:     "stockledger-api",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Infow("starting stockledger server", "env", cfg.App.Env, "driver", cfg.Storage.Driver)

	ledger, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to build ledger", "error", err)
	}
	defer ledger.Close()

	// Writes abandoned by a previous crash are discarded before serving.
	ledger.Recover(ctx)
	ledger.Start(ctx)

	checks := make(map[string]handlers.Check)
	for name, check := range ledger.HealthChecks() {
		checks[name] = check
	}
	router, err := v1.NewRouter(v1.RouterConfig{
		Coordinator: ledger.Coordinator,
		Checks:      checks,
		Driver:      ledger.Driver,
		Logger:      log,
		RateLimit:   cfg.HTTP.RateLimit,
	})
	if err != nil {
		log.Fatalw("failed to build router", "error", err)
	}

	// The memory driver has no worker process; sweep and drain in-process.
	if ledger.Pool == nil {
		go runMemoryHousekeeping(ctx, ledger, cfg.Worker.RecoveryInterval)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")
	cancel()

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}

func runMemoryHousekeeping(ctx context.Context, ledger *app.Ledger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ledger.DrainEvents(context.Background())
			return
		case <-ticker.C:
			ledger.Recover(ctx)
			ledger.DrainEvents(ctx)
		}
	}
}
