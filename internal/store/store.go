// Package store defines the persistence interface for the simulator.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for asset and price lookups), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/sim-engine/internal/date"
	"github.com/stocksim/sim-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("store: conflict")

	// ErrLockTimeout is returned when the portfolio row lock could not be
	// acquired before the context or the lock timeout expired.
	ErrLockTimeout = errors.New("store: portfolio lock not acquired")
)

// AssetStore reads the asset catalog.
type AssetStore interface {
	// GetAsset retrieves an asset by id.
	GetAsset(ctx context.Context, id int64) (*model.Asset, error)

	// GetAssetBySymbol retrieves an asset by its uppercase symbol.
	GetAssetBySymbol(ctx context.Context, symbol string) (*model.Asset, error)

	// ListAssets returns tradable assets (mutual funds excluded). When asOf
	// is non-zero only assets with at least one price on or before it are
	// returned.
	ListAssets(ctx context.Context, asOf date.Date) ([]model.Asset, error)

	// UpsertAsset inserts or updates an asset keyed by symbol and sets its ID.
	UpsertAsset(ctx context.Context, asset *model.Asset) error
}

// PriceStore reads daily prices. The core never writes prices; UpsertPrices
// exists for ingestion tooling and tests.
type PriceStore interface {
	// LatestPrice returns the price point on or before `on` with the greatest
	// date, or ErrNotFound.
	LatestPrice(ctx context.Context, assetID int64, on date.Date) (*model.PricePoint, error)

	// LatestPrices is the batched form of LatestPrice. Assets with no price on
	// or before `on` are absent from the result.
	LatestPrices(ctx context.Context, assetIDs []int64, on date.Date) (map[int64]model.PricePoint, error)

	// PriceHistory returns every price point on or before end, oldest
	// first. A zero end means no bound.
	PriceHistory(ctx context.Context, assetID int64, end date.Date) ([]model.PricePoint, error)

	// UpsertPrices writes price points, replacing existing (asset, date) rows.
	UpsertPrices(ctx context.Context, points []model.PricePoint) error
}

// RateStore persists the currency table and exchange rates.
type RateStore interface {
	// ListCurrencies returns the supported currencies ordered by code.
	ListCurrencies(ctx context.Context) ([]model.Currency, error)

	// GetRate returns the stored rate for a currency, or ErrNotFound.
	GetRate(ctx context.Context, code string) (*model.ExchangeRate, error)

	// OldestRateUpdate returns the oldest last_updated among non-USD rates.
	// ok is false when no non-USD rate is stored.
	OldestRateUpdate(ctx context.Context) (oldest time.Time, ok bool, err error)

	// UpsertRates stores rates (units per 1 USD) stamped with `at`.
	UpsertRates(ctx context.Context, rates map[string]decimal.Decimal, at time.Time) error
}

// AccountStore persists users and portfolios.
type AccountStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
	CreatePortfolio(ctx context.Context, p *model.Portfolio) error
	GetPortfolio(ctx context.Context, id int64) (*model.Portfolio, error)
	ListPortfolios(ctx context.Context, userID int64) ([]model.Portfolio, error)
}

// LedgerStore exposes the transaction log, game sessions, and the locked
// mutation scope every cash-changing operation goes through.
type LedgerStore interface {
	// Transactions returns the portfolio's transactions with date ≤ upTo in
	// replay order (date, id). A zero upTo means no bound.
	Transactions(ctx context.Context, portfolioID int64, upTo date.Date) ([]model.Transaction, error)

	// Snapshot reads the portfolio row and its transactions ≤ upTo from one
	// consistent snapshot, so a concurrent trade is seen entirely or not at all.
	Snapshot(ctx context.Context, portfolioID int64, upTo date.Date) (*model.Portfolio, []model.Transaction, error)

	// ActiveSession returns the portfolio's active game session, or ErrNotFound.
	ActiveSession(ctx context.Context, portfolioID int64) (*model.GameSession, error)

	// ListSessions returns all sessions of a user, newest first.
	ListSessions(ctx context.Context, userID int64) ([]model.GameSession, error)

	// WithPortfolioLock locks the portfolio row exclusively, runs fn, and
	// commits if fn returns nil. Any error, or a cancelled context, rolls
	// back every write made through tx. Returns ErrNotFound if the portfolio
	// does not exist and ErrLockTimeout if the lock was not acquired.
	WithPortfolioLock(ctx context.Context, portfolioID int64, fn func(tx PortfolioTx) error) error
}

// PortfolioTx is the write handle available while a portfolio row is locked.
type PortfolioTx interface {
	// Portfolio returns the locked row as read at lock time plus any
	// changes made through this tx.
	Portfolio() model.Portfolio

	SetCashBalance(ctx context.Context, usd decimal.Decimal) error
	SetCurrency(ctx context.Context, code string) error

	// AssetTransactions returns the portfolio's transactions in one asset,
	// ordered by (date, id), including ones inserted through this tx.
	AssetTransactions(ctx context.Context, assetID int64) ([]model.Transaction, error)

	// InsertTransaction appends a ledger row and sets its ID.
	InsertTransaction(ctx context.Context, t *model.Transaction) error

	ActiveSession(ctx context.Context) (*model.GameSession, error)
	DeactivateSessions(ctx context.Context) error
	InsertSession(ctx context.Context, s *model.GameSession) error
	SetSimDate(ctx context.Context, sessionID int64, d date.Date) error
}

// Store is the full persistence interface. PostgreSQL is the source of truth.
type Store interface {
	AssetStore
	PriceStore
	RateStore
	AccountStore
	LedgerStore
}
