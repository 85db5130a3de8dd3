package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtrntr/brokerage/internal/api"
	"github.com/xtrntr/brokerage/internal/auth"
	"github.com/xtrntr/brokerage/internal/config"
	"github.com/xtrntr/brokerage/internal/db"
	"github.com/xtrntr/brokerage/internal/exchange"
	"github.com/xtrntr/brokerage/internal/logger"
	"github.com/xtrntr/brokerage/internal/service"
	"go.uber.org/zap"
)

// Main entry point: sets up database, matching engine and HTTP server
func main() {
	envPath := flag.String("env", "", "path to a .env file (default ./.env)")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()
	database.MaxRetries = cfg.MaxTxRetries

	if err := database.Migrate(ctx); err != nil {
		return err
	}

	engine := exchange.NewEngine(cfg.OrderFee, log.Named("engine"))
	orders := service.NewOrderService(database, engine, log.Named("orders"))
	authService := auth.NewAuthService(database, cfg.JWTSecret, cfg.TokenTTL)

	feed := api.NewFeed(cfg.AllowedOrigins, log.Named("feed"))
	defer feed.Close()

	handler := api.NewHandler(orders, database, authService, feed, log.Named("api"))
	router := api.NewRouter(handler, feed, cfg.AllowedOrigins, log.Named("http"))

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.Stringer("order_fee", cfg.OrderFee),
			zap.Int("max_tx_retries", cfg.MaxTxRetries),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
