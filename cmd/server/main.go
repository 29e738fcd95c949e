package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prudhvinik1/auditrelay/internal/app"
	"github.com/prudhvinik1/auditrelay/internal/config"
	"github.com/prudhvinik1/auditrelay/internal/httpapi"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := app.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	// Initialize storage, queue and services
	relay, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize relay: %v", err)
	}
	defer relay.Close()

	if err := relay.RecoverQueue(ctx); err != nil {
		log.Fatalf("Failed to recover queue: %v", err)
	}

	var background sync.WaitGroup

	// Dispatcher workers
	workers := relay.Workers()
	background.Add(1)
	go func() {
		defer background.Done()
		if err := workers.Run(ctx); err != nil {
			logger.Error("worker pool stopped", "error", err)
		}
	}()

	// Scheduled reconciliation
	background.Add(1)
	go func() {
		defer background.Done()
		relay.Reconciler.RunEvery(ctx, cfg.Worker.SyncInterval, cfg.Worker.SyncOnBoot)
	}()

	// Initialize HTTP Server
	api := httpapi.NewServer(ctx, relay.Relay, relay.Reconciler, relay.Auth, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server", "port", cfg.ServerPort, "workers", cfg.Worker.Count, "sync_interval", cfg.Worker.SyncInterval)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	// Stop workers and the scheduler; unfinished events are picked up on the next boot.
	cancel()
	background.Wait()
	api.Wait()

	logger.Info("server stopped gracefully")
}
