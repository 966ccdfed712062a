package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stocksim/sim-engine/internal/date"
	"github.com/stocksim/sim-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Mutations run READ COMMITTED with the portfolio row held FOR UPDATE.
// Snapshot reads run REPEATABLE READ READ ONLY so valuation never sees a
// balance without the transaction row that produced it.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. lockTimeout bounds
// how long WithPortfolioLock waits for a contended row; 0 waits for the
// context only.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w: %s", what, ErrConflict, pgErr.Detail)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w: %s", what, ErrNotFound, pgErr.Detail)
		case "55P03": // lock_not_available
			return fmt.Errorf("%s: %w", what, ErrLockTimeout)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func parseDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// nullableDate maps the zero Date to SQL NULL.
func nullableDate(d date.Date) any {
	if d.IsZero() {
		return nil
	}
	return d.Time()
}

// --- Assets ---

const assetColumns = `id, symbol, name, type, currency`

func scanAsset(row pgx.Row) (*model.Asset, error) {
	var a model.Asset
	if err := row.Scan(&a.ID, &a.Symbol, &a.Name, &a.Type, &a.Currency); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetAsset(ctx context.Context, id int64) (*model.Asset, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("get asset %d", id))
	}
	return a, nil
}

func (s *PostgresStore) GetAssetBySymbol(ctx context.Context, symbol string) (*model.Asset, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE symbol = $1`, symbol))
	if err != nil {
		return nil, mapErr(err, "get asset "+symbol)
	}
	return a, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context, asOf date.Date) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assetColumns+`
		 FROM assets a
		 WHERE a.type <> 'mutualfunds'
		   AND ($1::DATE IS NULL OR EXISTS (
		        SELECT 1 FROM prices p WHERE p.asset_id = a.id AND p.date <= $1))
		 ORDER BY a.type, a.symbol`, nullableDate(asOf))
	if err != nil {
		return nil, mapErr(err, "list assets")
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) UpsertAsset(ctx context.Context, a *model.Asset) error {
	if a.Currency == "" {
		a.Currency = "USD"
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO assets (symbol, name, type, currency)
		 VALUES (UPPER($1), $2, $3, $4)
		 ON CONFLICT (symbol) DO UPDATE SET name = EXCLUDED.name, type = EXCLUDED.type
		 RETURNING id, symbol`,
		a.Symbol, a.Name, a.Type, a.Currency,
	).Scan(&a.ID, &a.Symbol)
	return mapErr(err, "upsert asset "+a.Symbol)
}

// --- Prices ---

func scanPricePoint(row pgx.Row) (*model.PricePoint, error) {
	var p model.PricePoint
	var on time.Time
	var closeS, adjS string
	if err := row.Scan(&p.AssetID, &on, &closeS, &adjS, &p.Volume); err != nil {
		return nil, err
	}
	p.Date = date.FromTime(on)
	p.Close = parseDecimal(closeS)
	p.AdjClose = parseDecimal(adjS)
	return &p, nil
}

const priceColumns = `asset_id, date, close::TEXT, adj_close::TEXT, volume`

func (s *PostgresStore) LatestPrice(ctx context.Context, assetID int64, on date.Date) (*model.PricePoint, error) {
	p, err := scanPricePoint(s.pool.QueryRow(ctx,
		`SELECT `+priceColumns+`
		 FROM prices
		 WHERE asset_id = $1 AND date <= $2
		 ORDER BY date DESC
		 LIMIT 1`, assetID, on.Time()))
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("price for asset %d on or before %s", assetID, on))
	}
	return p, nil
}

func (s *PostgresStore) LatestPrices(ctx context.Context, assetIDs []int64, on date.Date) (map[int64]model.PricePoint, error) {
	out := make(map[int64]model.PricePoint, len(assetIDs))
	if len(assetIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (asset_id) `+priceColumns+`
		 FROM prices
		 WHERE asset_id = ANY($1) AND date <= $2
		 ORDER BY asset_id, date DESC`, assetIDs, on.Time())
	if err != nil {
		return nil, mapErr(err, "latest prices")
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPricePoint(rows)
		if err != nil {
			return nil, err
		}
		out[p.AssetID] = *p
	}
	return out, rows.Err()
}

func (s *PostgresStore) PriceHistory(ctx context.Context, assetID int64, end date.Date) ([]model.PricePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+priceColumns+`
		 FROM prices
		 WHERE asset_id = $1 AND ($2::DATE IS NULL OR date <= $2)
		 ORDER BY date ASC`, assetID, nullableDate(end))
	if err != nil {
		return nil, mapErr(err, "price history")
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		p, err := scanPricePoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, *p)
	}
	return points, rows.Err()
}

func (s *PostgresStore) UpsertPrices(ctx context.Context, points []model.PricePoint) error {
	if len(points) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(
			`INSERT INTO prices (asset_id, date, close, adj_close, volume)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
			 ON CONFLICT (asset_id, date) DO UPDATE
			 SET close = EXCLUDED.close, adj_close = EXCLUDED.adj_close, volume = EXCLUDED.volume`,
			p.AssetID, p.Date.Time(), p.Close.String(), p.AdjClose.String(), p.Volume,
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	for range points {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return mapErr(err, "upsert prices")
		}
	}
	return br.Close()
}

// --- Currencies and rates ---

func (s *PostgresStore) ListCurrencies(ctx context.Context) ([]model.Currency, error) {
	rows, err := s.pool.Query(ctx, `SELECT code, name, symbol FROM currencies ORDER BY code`)
	if err != nil {
		return nil, mapErr(err, "list currencies")
	}
	defer rows.Close()

	var out []model.Currency
	for rows.Next() {
		var c model.Currency
		if err := rows.Scan(&c.Code, &c.Name, &c.Symbol); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetRate(ctx context.Context, code string) (*model.ExchangeRate, error) {
	var r model.ExchangeRate
	var rateS string
	err := s.pool.QueryRow(ctx,
		`SELECT currency_code, rate::TEXT, last_updated FROM exchange_rates WHERE currency_code = $1`, code).
		Scan(&r.CurrencyCode, &rateS, &r.LastUpdated)
	if err != nil {
		return nil, mapErr(err, "get rate "+code)
	}
	r.Rate = parseDecimal(rateS)
	return &r, nil
}

func (s *PostgresStore) OldestRateUpdate(ctx context.Context) (time.Time, bool, error) {
	var oldest *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MIN(last_updated) FROM exchange_rates WHERE currency_code <> 'USD'`).Scan(&oldest)
	if err != nil {
		return time.Time{}, false, mapErr(err, "oldest rate update")
	}
	if oldest == nil {
		return time.Time{}, false, nil
	}
	return *oldest, true, nil
}

func (s *PostgresStore) UpsertRates(ctx context.Context, rates map[string]decimal.Decimal, at time.Time) error {
	if len(rates) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for code, rate := range rates {
		batch.Queue(
			`INSERT INTO exchange_rates (currency_code, rate, last_updated)
			 VALUES ($1, $2::NUMERIC, $3)
			 ON CONFLICT (currency_code) DO UPDATE
			 SET rate = EXCLUDED.rate, last_updated = EXCLUDED.last_updated`,
			code, rate.String(), at,
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	for range rates {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return mapErr(err, "upsert rates")
		}
	}
	return br.Close()
}

// --- Accounts ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (username) VALUES ($1) RETURNING id, created_at`, u.Username).
		Scan(&u.ID, &u.CreatedAt)
	return mapErr(err, "create user "+u.Username)
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.CreatedAt)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("get user %d", id))
	}
	return &u, nil
}

const portfolioColumns = `id, user_id, name, cash_balance::TEXT, currency_code, created_at`

func scanPortfolio(row pgx.Row) (*model.Portfolio, error) {
	var p model.Portfolio
	var cashS string
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &cashS, &p.CurrencyCode, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.CashBalance = parseDecimal(cashS)
	return &p, nil
}

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO portfolios (user_id, name, cash_balance, currency_code)
		 VALUES ($1, $2, $3::NUMERIC, $4)
		 RETURNING id, created_at`,
		p.UserID, p.Name, p.CashBalance.String(), p.CurrencyCode,
	).Scan(&p.ID, &p.CreatedAt)
	return mapErr(err, "create portfolio")
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, id int64) (*model.Portfolio, error) {
	p, err := scanPortfolio(s.pool.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("portfolio %d", id))
	}
	return p, nil
}

func (s *PostgresStore) ListPortfolios(ctx context.Context, userID int64) ([]model.Portfolio, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, mapErr(err, "list portfolios")
	}
	defer rows.Close()

	var out []model.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// --- Ledger ---

func transactions(ctx context.Context, q querier, portfolioID int64, upTo date.Date) ([]model.Transaction, error) {
	rows, err := q.Query(ctx,
		`SELECT id, portfolio_id, asset_id, symbol, type,
		        quantity::TEXT, price_per_unit::TEXT, date
		 FROM transactions
		 WHERE portfolio_id = $1 AND ($2::DATE IS NULL OR date <= $2)
		 ORDER BY date, id`, portfolioID, nullableDate(upTo))
	if err != nil {
		return nil, mapErr(err, "transactions")
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) Transactions(ctx context.Context, portfolioID int64, upTo date.Date) ([]model.Transaction, error) {
	return transactions(ctx, s.pool, portfolioID, upTo)
}

func (s *PostgresStore) Snapshot(ctx context.Context, portfolioID int64, upTo date.Date) (*model.Portfolio, []model.Transaction, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, mapErr(err, "begin snapshot")
	}
	defer tx.Rollback(ctx)

	p, err := scanPortfolio(tx.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE id = $1`, portfolioID))
	if err != nil {
		return nil, nil, mapErr(err, fmt.Sprintf("portfolio %d", portfolioID))
	}
	txns, err := transactions(ctx, tx, portfolioID, upTo)
	if err != nil {
		return nil, nil, err
	}
	return p, txns, mapErr(tx.Commit(ctx), "commit snapshot")
}

const sessionColumns = `id, user_id, portfolio_id, start_date, sim_date,
	monthly_salary::TEXT, monthly_expenses::TEXT, is_active, created_at`

func scanSession(row pgx.Row) (*model.GameSession, error) {
	var gs model.GameSession
	var start, sim time.Time
	var salaryS, expensesS string
	if err := row.Scan(&gs.ID, &gs.UserID, &gs.PortfolioID, &start, &sim,
		&salaryS, &expensesS, &gs.IsActive, &gs.CreatedAt); err != nil {
		return nil, err
	}
	gs.StartDate = date.FromTime(start)
	gs.SimDate = date.FromTime(sim)
	gs.MonthlySalary = parseDecimal(salaryS)
	gs.MonthlyExpenses = parseDecimal(expensesS)
	return &gs, nil
}

func activeSession(ctx context.Context, q querier, portfolioID int64) (*model.GameSession, error) {
	gs, err := scanSession(q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM game_sessions
		 WHERE portfolio_id = $1 AND is_active`, portfolioID))
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("active session for portfolio %d", portfolioID))
	}
	return gs, nil
}

func (s *PostgresStore) ActiveSession(ctx context.Context, portfolioID int64) (*model.GameSession, error) {
	return activeSession(ctx, s.pool, portfolioID)
}

func (s *PostgresStore) ListSessions(ctx context.Context, userID int64) ([]model.GameSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM game_sessions
		 WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, mapErr(err, "list sessions")
	}
	defer rows.Close()

	var out []model.GameSession
	for rows.Next() {
		gs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *gs)
	}
	return out, rows.Err()
}

func (s *PostgresStore) WithPortfolioLock(ctx context.Context, portfolioID int64, fn func(tx PortfolioTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapErr(err, "begin")
	}
	// No-op after a successful commit.
	defer tx.Rollback(ctx)

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return mapErr(err, "set lock timeout")
		}
	}

	p, err := scanPortfolio(tx.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE id = $1 FOR UPDATE`, portfolioID))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("portfolio %d: %w: %v", portfolioID, ErrLockTimeout, err)
		}
		return mapErr(err, fmt.Sprintf("portfolio %d", portfolioID))
	}

	if err := fn(&pgTx{tx: tx, portfolio: *p}); err != nil {
		return err
	}
	return mapErr(tx.Commit(ctx), "commit")
}

// pgTx is the PortfolioTx backed by an open pgx transaction.
type pgTx struct {
	tx        pgx.Tx
	portfolio model.Portfolio
}

func (t *pgTx) Portfolio() model.Portfolio { return t.portfolio }

func (t *pgTx) SetCashBalance(ctx context.Context, usd decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE portfolios SET cash_balance = $2::NUMERIC WHERE id = $1`,
		t.portfolio.ID, usd.String())
	if err != nil {
		return mapErr(err, "update cash balance")
	}
	t.portfolio.CashBalance = usd
	return nil
}

func (t *pgTx) SetCurrency(ctx context.Context, code string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE portfolios SET currency_code = $2 WHERE id = $1`, t.portfolio.ID, code)
	if err != nil {
		return mapErr(err, "update currency")
	}
	t.portfolio.CurrencyCode = code
	return nil
}

func (t *pgTx) AssetTransactions(ctx context.Context, assetID int64) ([]model.Transaction, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, portfolio_id, asset_id, symbol, type,
		        quantity::TEXT, price_per_unit::TEXT, date
		 FROM transactions
		 WHERE portfolio_id = $1 AND asset_id = $2
		 ORDER BY date, id`, t.portfolio.ID, assetID)
	if err != nil {
		return nil, mapErr(err, "asset transactions")
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (t *pgTx) InsertTransaction(ctx context.Context, e *model.Transaction) error {
	e.PortfolioID = t.portfolio.ID
	err := t.tx.QueryRow(ctx,
		`INSERT INTO transactions (portfolio_id, asset_id, symbol, type, quantity, price_per_unit, date)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)
		 RETURNING id`,
		e.PortfolioID, e.AssetID, e.Symbol, e.Side,
		e.Quantity.String(), e.PricePerUnit.String(), e.Date.Time(),
	).Scan(&e.ID)
	return mapErr(err, "insert transaction")
}

func (t *pgTx) ActiveSession(ctx context.Context) (*model.GameSession, error) {
	return activeSession(ctx, t.tx, t.portfolio.ID)
}

func (t *pgTx) DeactivateSessions(ctx context.Context) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE game_sessions SET is_active = FALSE WHERE portfolio_id = $1 AND is_active`,
		t.portfolio.ID)
	return mapErr(err, "deactivate sessions")
}

func (t *pgTx) InsertSession(ctx context.Context, gs *model.GameSession) error {
	gs.PortfolioID = t.portfolio.ID
	err := t.tx.QueryRow(ctx,
		`INSERT INTO game_sessions
		   (user_id, portfolio_id, start_date, sim_date, monthly_salary, monthly_expenses, is_active)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)
		 RETURNING id, created_at`,
		gs.UserID, gs.PortfolioID, gs.StartDate.Time(), gs.SimDate.Time(),
		gs.MonthlySalary.String(), gs.MonthlyExpenses.String(), gs.IsActive,
	).Scan(&gs.ID, &gs.CreatedAt)
	return mapErr(err, "insert session")
}

func (t *pgTx) SetSimDate(ctx context.Context, sessionID int64, d date.Date) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE game_sessions SET sim_date = $2 WHERE id = $1`, sessionID, d.Time())
	return mapErr(err, "update sim date")
}

// pgxRows is the subset of pgx.Rows used by the scanners.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// scanTransactions reads pgx rows into Transaction slices.
func scanTransactions(rows pgxRows) ([]model.Transaction, error) {
	var txns []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var qtyS, priceS string
		var on time.Time

		if err := rows.Scan(&t.ID, &t.PortfolioID, &t.AssetID, &t.Symbol, &t.Side,
			&qtyS, &priceS, &on); err != nil {
			return nil, err
		}

		t.Quantity = parseDecimal(qtyS)
		t.PricePerUnit = parseDecimal(priceS)
		t.Date = date.FromTime(on)

		txns = append(txns, t)
	}
	return txns, rows.Err()
}
