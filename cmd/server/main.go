package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stocksim/sim-engine/internal/account"
	"github.com/stocksim/sim-engine/internal/api"
	"github.com/stocksim/sim-engine/internal/config"
	"github.com/stocksim/sim-engine/internal/database"
	"github.com/stocksim/sim-engine/internal/fx"
	"github.com/stocksim/sim-engine/internal/game"
	"github.com/stocksim/sim-engine/internal/ledger"
	"github.com/stocksim/sim-engine/internal/pricing"
	"github.com/stocksim/sim-engine/internal/store"
	"github.com/stocksim/sim-engine/internal/stream"
	"github.com/stocksim/sim-engine/internal/valuation"
)

func main() {
	if err := run(); err != nil {
		slog.Error("sim-engine failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL, database.RetryPolicy{
			Attempts:   cfg.DB.ConnectAttempts,
			BaseDelay:  cfg.DB.ConnectBaseDelay,
			Multiplier: cfg.DB.ConnectMultiplier,
		})
		if err != nil {
			return err
		}
		cleanup = append(cleanup, pool.Close)

		if cfg.MigrateOnStart {
			if err := database.Migrate(ctx, pool); err != nil {
				return err
			}
		}
		st = store.NewPostgresStore(pool, cfg.LockTimeout)

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.PriceCacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.PriceCacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- WebSocket hub ---
	hub := stream.NewHub()
	go hub.Run(ctx)

	// --- Components ---
	prices := pricing.NewResolver(st, st)
	conv := fx.NewConverter(st, fx.NewYahooSource(cfg.FX.QuoteURL, cfg.FX.RequestsPerSecond), cfg.FX.RefreshInterval)

	srv := api.NewServer(api.Deps{
		Accounts:  account.NewService(st),
		Ledger:    ledger.NewService(st, prices, conv, hub),
		Valuation: valuation.NewEngine(st, prices),
		Clock:     game.NewClock(st, conv, hub),
		Prices:    prices,
		FX:        conv,
		Hub:       hub,
	})

	// --- Server ---
	httpSrv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     srv.Router(cfg.RequestTimeout),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sim-engine listening", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down sim-engine...")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("sim-engine stopped")
	return nil
}
