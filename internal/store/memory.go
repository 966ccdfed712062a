package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/sim-engine/internal/date"
	"github.com/stocksim/sim-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Portfolio locks are per-portfolio semaphores, so operations on different
// portfolios never contend. Writes made inside WithPortfolioLock are buffered
// and applied under the store write lock at commit, which keeps readers from
// observing a half-applied trade.
type MemoryStore struct {
	mu         sync.RWMutex
	seq        int64
	users      map[int64]*model.User
	portfolios map[int64]*model.Portfolio
	assets     map[int64]*model.Asset
	prices     map[int64][]model.PricePoint // sorted by date
	ledger     []model.Transaction
	sessions   []model.GameSession
	currencies []model.Currency
	rates      map[string]model.ExchangeRate

	locksMu sync.Mutex
	locks   map[int64]chan struct{}
}

// DefaultCurrencies seeds the currency reference table.
var DefaultCurrencies = []model.Currency{
	{Code: "AUD", Name: "Australian Dollar", Symbol: "A$"},
	{Code: "CAD", Name: "Canadian Dollar", Symbol: "C$"},
	{Code: "EUR", Name: "Euro", Symbol: "€"},
	{Code: "GBP", Name: "British Pound", Symbol: "£"},
	{Code: "INR", Name: "Indian Rupee", Symbol: "₹"},
	{Code: "JPY", Name: "Japanese Yen", Symbol: "¥"},
	{Code: "USD", Name: "United States Dollar", Symbol: "$"},
}

// NewMemoryStore creates a new in-memory store seeded with DefaultCurrencies.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[int64]*model.User),
		portfolios: make(map[int64]*model.Portfolio),
		assets:     make(map[int64]*model.Asset),
		prices:     make(map[int64][]model.PricePoint),
		currencies: append([]model.Currency(nil), DefaultCurrencies...),
		rates:      make(map[string]model.ExchangeRate),
		locks:      make(map[int64]chan struct{}),
	}
}

// nextID must be called with mu held for writing.
func (s *MemoryStore) nextID() int64 {
	s.seq++
	return s.seq
}

// --- Assets ---

func (s *MemoryStore) GetAsset(_ context.Context, id int64) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %d: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetAssetBySymbol(_ context.Context, symbol string) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.assets {
		if a.Symbol == symbol {
			copy := *a
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("asset %s: %w", symbol, ErrNotFound)
}

func (s *MemoryStore) ListAssets(_ context.Context, asOf date.Date) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]model.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		if a.Type == model.AssetMutualFunds {
			continue
		}
		if !asOf.IsZero() {
			points := s.prices[a.ID]
			if len(points) == 0 || points[0].Date.After(asOf) {
				continue
			}
		}
		assets = append(assets, *a)
	}
	sort.Slice(assets, func(i, j int) bool {
		if assets[i].Type != assets[j].Type {
			return assets[i].Type < assets[j].Type
		}
		return assets[i].Symbol < assets[j].Symbol
	})
	return assets, nil
}

func (s *MemoryStore) UpsertAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.Symbol = strings.ToUpper(a.Symbol)
	if a.Currency == "" {
		a.Currency = "USD"
	}
	for id, existing := range s.assets {
		if existing.Symbol == a.Symbol {
			a.ID = id
			copy := *a
			s.assets[id] = &copy
			return nil
		}
	}
	a.ID = s.nextID()
	copy := *a
	s.assets[a.ID] = &copy
	return nil
}

// --- Prices ---

// latest must be called with mu held.
func (s *MemoryStore) latest(assetID int64, on date.Date) (model.PricePoint, bool) {
	points := s.prices[assetID]
	// first index with Date > on
	i := sort.Search(len(points), func(i int) bool { return points[i].Date.After(on) })
	if i == 0 {
		return model.PricePoint{}, false
	}
	return points[i-1], true
}

func (s *MemoryStore) LatestPrice(_ context.Context, assetID int64, on date.Date) (*model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.latest(assetID, on)
	if !ok {
		return nil, fmt.Errorf("price for asset %d on or before %s: %w", assetID, on, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) LatestPrices(_ context.Context, assetIDs []int64, on date.Date) (map[int64]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]model.PricePoint, len(assetIDs))
	for _, id := range assetIDs {
		if p, ok := s.latest(id, on); ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *MemoryStore) PriceHistory(_ context.Context, assetID int64, end date.Date) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PricePoint
	for _, p := range s.prices[assetID] {
		if !end.IsZero() && p.Date.After(end) {
			break
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) UpsertPrices(_ context.Context, points []model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range points {
		if _, ok := s.assets[p.AssetID]; !ok {
			return fmt.Errorf("asset %d: %w", p.AssetID, ErrNotFound)
		}
		series := s.prices[p.AssetID]
		i := sort.Search(len(series), func(i int) bool { return !series[i].Date.Before(p.Date) })
		switch {
		case i < len(series) && series[i].Date == p.Date:
			series[i] = p
		default:
			series = append(series, model.PricePoint{})
			copy(series[i+1:], series[i:])
			series[i] = p
		}
		s.prices[p.AssetID] = series
	}
	return nil
}

// --- Currencies and rates ---

func (s *MemoryStore) ListCurrencies(_ context.Context) ([]model.Currency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]model.Currency(nil), s.currencies...)
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *MemoryStore) GetRate(_ context.Context, code string) (*model.ExchangeRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rates[code]
	if !ok {
		return nil, fmt.Errorf("rate %s: %w", code, ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) OldestRateUpdate(_ context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest time.Time
	found := false
	for code, r := range s.rates {
		if code == "USD" {
			continue
		}
		if !found || r.LastUpdated.Before(oldest) {
			oldest = r.LastUpdated
			found = true
		}
	}
	return oldest, found, nil
}

func (s *MemoryStore) UpsertRates(_ context.Context, rates map[string]decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for code, rate := range rates {
		s.rates[code] = model.ExchangeRate{CurrencyCode: code, Rate: rate, LastUpdated: at}
	}
	return nil
}

// --- Accounts ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Username == u.Username {
			return fmt.Errorf("user %s already exists: %w", u.Username, ErrConflict)
		}
	}
	u.ID = s.nextID()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[p.UserID]; !ok {
		return fmt.Errorf("user %d: %w", p.UserID, ErrNotFound)
	}
	p.ID = s.nextID()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	copy := *p
	s.portfolios[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, id int64) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %d: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPortfolios(_ context.Context, userID int64) ([]model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Portfolio
	for _, p := range s.portfolios {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Ledger ---

// transactions must be called with mu held.
func (s *MemoryStore) transactions(portfolioID int64, upTo date.Date) []model.Transaction {
	var out []model.Transaction
	for _, t := range s.ledger {
		if t.PortfolioID != portfolioID {
			continue
		}
		if !upTo.IsZero() && t.Date.After(upTo) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (s *MemoryStore) Transactions(_ context.Context, portfolioID int64, upTo date.Date) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transactions(portfolioID, upTo), nil
}

func (s *MemoryStore) Snapshot(_ context.Context, portfolioID int64, upTo date.Date) (*model.Portfolio, []model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[portfolioID]
	if !ok {
		return nil, nil, fmt.Errorf("portfolio %d: %w", portfolioID, ErrNotFound)
	}
	copy := *p
	return &copy, s.transactions(portfolioID, upTo), nil
}

func (s *MemoryStore) ActiveSession(_ context.Context, portfolioID int64) (*model.GameSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, gs := range s.sessions {
		if gs.PortfolioID == portfolioID && gs.IsActive {
			copy := gs
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("active session for portfolio %d: %w", portfolioID, ErrNotFound)
}

func (s *MemoryStore) ListSessions(_ context.Context, userID int64) ([]model.GameSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.GameSession
	for i := len(s.sessions) - 1; i >= 0; i-- {
		if s.sessions[i].UserID == userID {
			out = append(out, s.sessions[i])
		}
	}
	return out, nil
}

// portfolioLock returns the semaphore guarding one portfolio.
func (s *MemoryStore) portfolioLock(id int64) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	sem, ok := s.locks[id]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[id] = sem
	}
	return sem
}

func (s *MemoryStore) WithPortfolioLock(ctx context.Context, portfolioID int64, fn func(tx PortfolioTx) error) error {
	sem := s.portfolioLock(portfolioID)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("portfolio %d: %w: %v", portfolioID, ErrLockTimeout, ctx.Err())
	}
	defer func() { <-sem }()

	p, err := s.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return err
	}

	tx := &memoryTx{store: s, portfolio: *p, simDates: make(map[int64]date.Date)}
	if err := fn(tx); err != nil {
		return err
	}
	// A caller that timed out mid-operation gets a full rollback.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memoryTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.portfolios[tx.portfolio.ID]
	p.CashBalance = tx.portfolio.CashBalance
	p.CurrencyCode = tx.portfolio.CurrencyCode

	s.ledger = append(s.ledger, tx.inserted...)

	for i := range s.sessions {
		gs := &s.sessions[i]
		if gs.PortfolioID != tx.portfolio.ID {
			continue
		}
		if tx.deactivated {
			gs.IsActive = false
		}
		if d, ok := tx.simDates[gs.ID]; ok {
			gs.SimDate = d
		}
	}
	for _, gs := range tx.sessions {
		if d, ok := tx.simDates[gs.ID]; ok {
			gs.SimDate = d
		}
		s.sessions = append(s.sessions, gs)
	}
}

// memoryTx buffers writes until commit.
type memoryTx struct {
	store       *MemoryStore
	portfolio   model.Portfolio
	inserted    []model.Transaction
	deactivated bool
	sessions    []model.GameSession
	simDates    map[int64]date.Date
}

func (tx *memoryTx) Portfolio() model.Portfolio { return tx.portfolio }

func (tx *memoryTx) SetCashBalance(_ context.Context, usd decimal.Decimal) error {
	tx.portfolio.CashBalance = usd
	return nil
}

func (tx *memoryTx) SetCurrency(_ context.Context, code string) error {
	tx.portfolio.CurrencyCode = code
	return nil
}

func (tx *memoryTx) AssetTransactions(_ context.Context, assetID int64) ([]model.Transaction, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	var out []model.Transaction
	for _, ts := range [][]model.Transaction{tx.store.ledger, tx.inserted} {
		for _, t := range ts {
			if t.PortfolioID == tx.portfolio.ID && t.AssetID == assetID {
				out = append(out, t)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

func (tx *memoryTx) InsertTransaction(_ context.Context, t *model.Transaction) error {
	tx.store.mu.Lock()
	t.ID = tx.store.nextID()
	tx.store.mu.Unlock()

	t.PortfolioID = tx.portfolio.ID
	tx.inserted = append(tx.inserted, *t)
	return nil
}

func (tx *memoryTx) ActiveSession(_ context.Context) (*model.GameSession, error) {
	for i := len(tx.sessions) - 1; i >= 0; i-- {
		if tx.sessions[i].IsActive {
			gs := tx.sessions[i]
			if d, ok := tx.simDates[gs.ID]; ok {
				gs.SimDate = d
			}
			return &gs, nil
		}
	}
	if !tx.deactivated {
		tx.store.mu.RLock()
		defer tx.store.mu.RUnlock()
		for _, gs := range tx.store.sessions {
			if gs.PortfolioID == tx.portfolio.ID && gs.IsActive {
				if d, ok := tx.simDates[gs.ID]; ok {
					gs.SimDate = d
				}
				return &gs, nil
			}
		}
	}
	return nil, fmt.Errorf("active session for portfolio %d: %w", tx.portfolio.ID, ErrNotFound)
}

func (tx *memoryTx) DeactivateSessions(_ context.Context) error {
	tx.deactivated = true
	for i := range tx.sessions {
		tx.sessions[i].IsActive = false
	}
	return nil
}

func (tx *memoryTx) InsertSession(_ context.Context, gs *model.GameSession) error {
	tx.store.mu.Lock()
	gs.ID = tx.store.nextID()
	tx.store.mu.Unlock()

	gs.PortfolioID = tx.portfolio.ID
	if gs.CreatedAt.IsZero() {
		gs.CreatedAt = time.Now().UTC()
	}
	tx.sessions = append(tx.sessions, *gs)
	return nil
}

func (tx *memoryTx) SetSimDate(_ context.Context, sessionID int64, d date.Date) error {
	tx.simDates[sessionID] = d
	return nil
}
