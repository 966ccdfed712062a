// Command simctl is the operator CLI for the simulator database: schema
// migrations, exchange-rate refresh and offline valuation or clock moves.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/google/subcommands"

	"github.com/stocksim/sim-engine/internal/config"
	"github.com/stocksim/sim-engine/internal/database"
	"github.com/stocksim/sim-engine/internal/store"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(&migrateCmd{}, "database")
	commander.Register(&ratesCmd{}, "currencies")
	commander.Register(&valueCmd{}, "portfolios")
	commander.Register(&advanceCmd{}, "portfolios")

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	status := commander.Execute(ctx)
	stop()
	os.Exit(int(status))
}

// env is the opened configuration and store shared by every command.
type env struct {
	cfg   *config.Config
	store store.Store
	close func()
}

var errNoDatabase = errors.New("DATABASE_URL is not set")

// openEnv loads configuration and connects to PostgreSQL. migrate applies
// pending migrations first.
func openEnv(ctx context.Context, migrate bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	if cfg.DatabaseURL == "" {
		return nil, errNoDatabase
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL, database.RetryPolicy{
		Attempts:   cfg.DB.ConnectAttempts,
		BaseDelay:  cfg.DB.ConnectBaseDelay,
		Multiplier: cfg.DB.ConnectMultiplier,
	})
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := database.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &env{
		cfg:   cfg,
		store: store.NewPostgresStore(pool, cfg.LockTimeout),
		close: pool.Close,
	}, nil
}
