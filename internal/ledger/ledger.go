// Package ledger executes trades against a portfolio's cash balance and its
// append-only transaction log.
//
// Every trade runs under the portfolio row lock: funds and holdings are
// checked, cash is moved, and exactly one transaction row is appended, or
// nothing changes at all.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/sim-engine/internal/date"
	"github.com/stocksim/sim-engine/internal/fx"
	"github.com/stocksim/sim-engine/internal/metrics"
	"github.com/stocksim/sim-engine/internal/model"
	"github.com/stocksim/sim-engine/internal/pricing"
	"github.com/stocksim/sim-engine/internal/store"
	"github.com/stocksim/sim-engine/internal/stream"
)

var (
	ErrInvalidTransactionType = errors.New("ledger: transaction type must be BUY or SELL")
	ErrInvalidQuantity        = errors.New("ledger: quantity must be positive")
	ErrDateRequired           = errors.New("ledger: date is required when no simulation session is active")
	ErrAssetNotFound          = errors.New("ledger: asset not found")
	ErrPriceUnavailable       = errors.New("ledger: price unavailable")
	ErrPortfolioNotFound      = errors.New("ledger: portfolio not found")
	ErrInsufficientFunds      = errors.New("ledger: insufficient funds")
	ErrInsufficientHoldings   = errors.New("ledger: insufficient holdings")
)

// PriceResolver prices a symbol on a date.
type PriceResolver interface {
	Resolve(ctx context.Context, symbol string, on date.Date) (pricing.Quote, error)
}

// RateSource returns units of a currency per 1 USD.
type RateSource interface {
	Rate(ctx context.Context, code string) decimal.Decimal
}

// TradeRequest is one BUY or SELL. A zero Date means the active session's
// sim date.
type TradeRequest struct {
	PortfolioID int64
	Symbol      string
	Side        model.Side
	Quantity    decimal.Decimal
	Date        date.Date
}

// TradeResult is the filled transaction plus the resulting balance.
type TradeResult struct {
	Transaction       model.Transaction `json:"transaction"`
	PriceDate         date.Date         `json:"price_date"`
	TotalUSD          decimal.Decimal   `json:"total_usd"`
	TotalNative       decimal.Decimal   `json:"total_native"`
	Currency          string            `json:"currency"`
	Rate              decimal.Decimal   `json:"rate"`
	CashBalance       decimal.Decimal   `json:"cash_balance"`
	CashBalanceNative decimal.Decimal   `json:"cash_balance_native"`
}

// Holding is a current net position.
type Holding struct {
	AssetID  int64           `json:"asset_id"`
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Service executes trades.
type Service struct {
	store  store.Store
	prices PriceResolver
	rates  RateSource
	hub    *stream.Hub
}

// NewService creates a ledger service. hub may be nil.
func NewService(st store.Store, prices PriceResolver, rates RateSource, hub *stream.Hub) *Service {
	return &Service{store: st, prices: prices, rates: rates, hub: hub}
}

// Trade validates and executes req atomically.
func (s *Service) Trade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	start := time.Now()
	side := model.Side(strings.ToUpper(string(req.Side)))

	if !side.Valid() {
		return nil, s.reject(side, "invalid_input", fmt.Errorf("%w: %q", ErrInvalidTransactionType, req.Side))
	}
	if !req.Quantity.IsPositive() {
		return nil, s.reject(side, "invalid_input", fmt.Errorf("%w: %s", ErrInvalidQuantity, req.Quantity))
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))

	on := req.Date
	if on.IsZero() {
		gs, err := s.store.ActiveSession(ctx, req.PortfolioID)
		if errors.Is(err, store.ErrNotFound) {
			if _, perr := s.store.GetPortfolio(ctx, req.PortfolioID); errors.Is(perr, store.ErrNotFound) {
				return nil, s.reject(side, "portfolio_not_found", fmt.Errorf("%w: %d", ErrPortfolioNotFound, req.PortfolioID))
			}
			return nil, s.reject(side, "invalid_input", ErrDateRequired)
		}
		if err != nil {
			return nil, err
		}
		on = gs.SimDate
	}

	quote, err := s.prices.Resolve(ctx, symbol, on)
	switch {
	case errors.Is(err, pricing.ErrAssetNotFound):
		return nil, s.reject(side, "asset_not_found", fmt.Errorf("%w: %s", ErrAssetNotFound, symbol))
	case errors.Is(err, pricing.ErrPriceNotFound):
		return nil, s.reject(side, "price_unavailable", fmt.Errorf("%w: %s on %s", ErrPriceUnavailable, symbol, on))
	case err != nil:
		return nil, fmt.Errorf("resolve price: %w", err)
	}

	// Look the rate up before locking so a slow quote refresh never holds
	// the portfolio row.
	current, err := s.store.GetPortfolio(ctx, req.PortfolioID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, s.reject(side, "portfolio_not_found", fmt.Errorf("%w: %d", ErrPortfolioNotFound, req.PortfolioID))
	}
	if err != nil {
		return nil, err
	}
	currency := current.CurrencyCode
	rate := s.rates.Rate(ctx, currency)

	cost := req.Quantity.Mul(quote.Price)
	var result TradeResult

	err = s.store.WithPortfolioLock(ctx, req.PortfolioID, func(tx store.PortfolioTx) error {
		p := tx.Portfolio()
		if p.CurrencyCode != currency {
			currency = p.CurrencyCode
			rate = s.rates.Rate(ctx, currency)
		}

		cash := p.CashBalance
		switch side {
		case model.Buy:
			required := cost.Mul(rate)
			available := cash.Mul(rate)
			if available.LessThan(required) {
				return fmt.Errorf("%w: required %s, available %s", ErrInsufficientFunds,
					fx.Format(required, currency), fx.Format(available, currency))
			}
			cash = cash.Sub(cost)

		case model.Sell:
			txns, err := tx.AssetTransactions(ctx, quote.AssetID)
			if err != nil {
				return err
			}
			if held := sellable(txns, on); held.LessThan(req.Quantity) {
				return fmt.Errorf("%w: owned %s, requested %s", ErrInsufficientHoldings, held, req.Quantity)
			}
			cash = cash.Add(cost)
		}

		if err := tx.SetCashBalance(ctx, cash); err != nil {
			return err
		}

		txn := &model.Transaction{
			AssetID:      quote.AssetID,
			Symbol:       quote.Symbol,
			Side:         side,
			Quantity:     req.Quantity,
			PricePerUnit: quote.Price,
			Date:         on,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		result = TradeResult{
			Transaction:       *txn,
			PriceDate:         quote.Date,
			TotalUSD:          cost,
			TotalNative:       cost.Mul(rate),
			Currency:          currency,
			Rate:              rate,
			CashBalance:       cash,
			CashBalanceNative: cash.Mul(rate),
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return nil, s.reject(side, "insufficient_funds", err)
	case errors.Is(err, ErrInsufficientHoldings):
		return nil, s.reject(side, "insufficient_holdings", err)
	case errors.Is(err, store.ErrNotFound):
		return nil, s.reject(side, "portfolio_not_found", fmt.Errorf("%w: %d", ErrPortfolioNotFound, req.PortfolioID))
	case err != nil:
		metrics.TradeRejections.WithLabelValues(string(side), "infrastructure").Inc()
		slog.Error("trade rolled back", "portfolio", req.PortfolioID, "symbol", symbol, "err", err)
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())

	slog.Info("trade executed",
		"transaction_id", result.Transaction.ID,
		"portfolio", req.PortfolioID,
		"symbol", result.Transaction.Symbol,
		"side", side,
		"qty", req.Quantity.String(),
		"price_usd", quote.Price.String(),
		"date", on.String(),
		"cash_usd", result.CashBalance.String(),
	)

	s.hub.Publish(stream.NewEvent(stream.TradeExecuted, req.PortfolioID, result))

	return &result, nil
}

// sellable is the largest quantity that can be sold on `on` without the
// running position going negative on that date or any later one. txns must
// be ordered by (date, id); a new trade sorts after existing ones on its date.
func sellable(txns []model.Transaction, on date.Date) decimal.Decimal {
	held := decimal.Zero
	i := 0
	for ; i < len(txns) && !txns[i].Date.After(on); i++ {
		held = held.Add(signed(txns[i]))
	}
	low := held
	for ; i < len(txns); i++ {
		held = held.Add(signed(txns[i]))
		if held.LessThan(low) {
			low = held
		}
	}
	return low
}

func signed(t model.Transaction) decimal.Decimal {
	if t.Side == model.Sell {
		return t.Quantity.Neg()
	}
	return t.Quantity
}

// Holdings returns the portfolio's current open positions by replaying the
// whole ledger, ordered by symbol.
func (s *Service) Holdings(ctx context.Context, portfolioID int64) ([]Holding, error) {
	if _, err := s.store.GetPortfolio(ctx, portfolioID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrPortfolioNotFound, portfolioID)
		}
		return nil, err
	}
	txns, err := s.store.Transactions(ctx, portfolioID, date.Date{})
	if err != nil {
		return nil, err
	}

	byAsset := make(map[int64]*Holding)
	for _, t := range txns {
		h, ok := byAsset[t.AssetID]
		if !ok {
			h = &Holding{AssetID: t.AssetID, Symbol: t.Symbol}
			byAsset[t.AssetID] = h
		}
		h.Quantity = h.Quantity.Add(signed(t))
	}

	out := make([]Holding, 0, len(byAsset))
	for _, h := range byAsset {
		if h.Quantity.IsPositive() {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Service) reject(side model.Side, reason string, err error) error {
	label := string(side)
	if !side.Valid() {
		label = "unknown"
	}
	metrics.TradeRejections.WithLabelValues(label, reason).Inc()
	slog.Info("trade rejected", "side", label, "reason", reason, "err", err)
	return err
}
