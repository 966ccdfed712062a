// Package database opens the PostgreSQL pool and applies schema migrations.
package database

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
)

//go:embed migrations/*.sql
var migrations embed.FS

// RetryPolicy bounds the initial connection attempts. The delay before
// attempt n+1 is BaseDelay * Multiplier^(n-1).
type RetryPolicy struct {
	Attempts   int
	BaseDelay  time.Duration
	Multiplier float64
}

// ConnectError is returned once every attempt has failed.
type ConnectError struct {
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("database unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Backoff returns the go-retry backoff for the policy.
func (p RetryPolicy) Backoff() retry.Backoff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	var n int
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		d := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(n)))
		n++
		return d, false
	})
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// Connect opens a pgx pool, retrying the initial ping per policy.
func Connect(ctx context.Context, dsn string, policy RetryPolicy) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	var (
		pool    *pgxpool.Pool
		attempt int
		lastErr error
	)
	err = retry.Do(ctx, policy.Backoff(), func(ctx context.Context) error {
		attempt++
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			err = p.Ping(ctx)
			if err != nil {
				p.Close()
			}
		}
		if err != nil {
			lastErr = err
			slog.Warn("database connect failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		pool = p
		return nil
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return nil, &ConnectError{Attempts: attempt, Err: lastErr}
	}

	slog.Info("connected to PostgreSQL", "attempts", attempt)
	return pool, nil
}

// Migrate applies all pending migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("migrations applied")
	return nil
}
