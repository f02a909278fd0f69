// Command broker runs the inter-process message broker: a long-lived
// TCP server that lets several cooperating instances register under a
// short identifier and exchange point-to-point or broadcast messages.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/ipc-broker/internal/admin"
	brk "github.com/ashureev/ipc-broker/internal/broker"
	"github.com/ashureev/ipc-broker/internal/config"
	"github.com/ashureev/ipc-broker/internal/store"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting broker", "addr", cfg.ListenAddr(), "data_dir", cfg.Storage.DataDir)

	repo, err := store.NewSQLite(cfg.Storage.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	b := brk.New(cfg, repo, logger)

	if err := b.Recover(context.Background()); err != nil {
		slog.Error("Startup recovery failed", "error", err)
		os.Exit(1)
	}

	srv, err := brk.NewServer(b, cfg.ListenAddr(), cfg.Network.AcceptPoll, cfg.Network.ReadTimeout, cfg.Network.WriteTimeout, logger)
	if err != nil {
		slog.Error("Failed to bind listener", "addr", cfg.ListenAddr(), "error", err)
		os.Exit(1)
	}
	slog.Info("Listening for wire protocol connections", "addr", srv.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go srv.Serve(ctx)

	ticker := time.NewTicker(cfg.Timing.TTLSweepInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Sweep(ctx)
			}
		}
	}()

	var adminSrv *http.Server
	if addr := cfg.AdminAddr(); addr != "" {
		handler := admin.NewHandler(b, logger)
		adminSrv = &http.Server{
			Addr:         addr,
			Handler:      handler.Router(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("Admin surface listening", "addr", addr)
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Admin server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	if err := srv.Close(); err != nil {
		slog.Error("Failed to close listener", "error", err)
	}

	if adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Admin server forced to shutdown", "error", err)
		}
	}

	slog.Info("Broker stopped successfully")
}
