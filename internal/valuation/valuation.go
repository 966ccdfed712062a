// Package valuation reconstructs a portfolio's holdings at a date by
// replaying its ledger and prices them with last-known closes.
//
// Cost basis uses weighted-average cost: a SELL removes
// (pool / held) × quantity from the asset's pool, with the average
// recomputed at every sale.
package valuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/stocksim/sim-engine/internal/date"
	"github.com/stocksim/sim-engine/internal/metrics"
	"github.com/stocksim/sim-engine/internal/model"
	"github.com/stocksim/sim-engine/internal/pricing"
	"github.com/stocksim/sim-engine/internal/store"
)

var (
	// ErrPortfolioNotFound is returned when the portfolio does not exist.
	ErrPortfolioNotFound = errors.New("valuation: portfolio not found")

	// ErrInvalidAmount is returned for non-positive what-if amounts.
	ErrInvalidAmount = errors.New("valuation: amount must be positive")

	// ErrInvalidRange is returned when the what-if sell date precedes the buy date.
	ErrInvalidRange = errors.New("valuation: sell date before buy date")
)

var hundred = decimal.NewFromInt(100)

// Prices is the subset of the price resolver valuation needs.
type Prices interface {
	Resolve(ctx context.Context, symbol string, on date.Date) (pricing.Quote, error)
	ResolveBatch(ctx context.Context, assetIDs []int64, on date.Date) (map[int64]pricing.Quote, error)
}

// Position is one asset's state after a replay.
type Position struct {
	AssetID  int64
	Symbol   string
	Quantity decimal.Decimal
	Invested decimal.Decimal // remaining cost basis, USD
}

// Replay folds transactions, which must already be in (date, id) order,
// into per-asset positions. Positions that were fully closed are included
// with zero quantity and zero cost basis.
func Replay(txns []model.Transaction) map[int64]*Position {
	positions := make(map[int64]*Position)
	for _, t := range txns {
		p, ok := positions[t.AssetID]
		if !ok {
			p = &Position{AssetID: t.AssetID, Symbol: t.Symbol}
			positions[t.AssetID] = p
		}
		switch t.Side {
		case model.Buy:
			p.Quantity = p.Quantity.Add(t.Quantity)
			p.Invested = p.Invested.Add(t.Quantity.Mul(t.PricePerUnit))
		case model.Sell:
			if p.Quantity.IsPositive() {
				avg := p.Invested.Div(p.Quantity)
				p.Invested = p.Invested.Sub(avg.Mul(t.Quantity))
			}
			p.Quantity = p.Quantity.Sub(t.Quantity)
			if !p.Quantity.IsPositive() {
				p.Invested = decimal.Zero
			}
		}
	}
	return positions
}

// Engine values portfolios.
type Engine struct {
	ledger store.LedgerStore
	prices Prices
}

// NewEngine creates a valuation engine.
func NewEngine(ledger store.LedgerStore, prices Prices) *Engine {
	return &Engine{ledger: ledger, prices: prices}
}

// Valuate returns the portfolio's value as of asOf. Cash is the current
// balance whatever asOf is; only holdings are reconstructed historically.
// A holding whose price cannot be resolved is valued at 0 and listed in
// MissingPrices instead of failing the valuation.
func (e *Engine) Valuate(ctx context.Context, portfolioID int64, asOf date.Date) (*model.Valuation, error) {
	p, txns, err := e.ledger.Snapshot(ctx, portfolioID, asOf)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrPortfolioNotFound, portfolioID)
	}
	if err != nil {
		return nil, err
	}

	positions := Replay(txns)
	open := make([]*Position, 0, len(positions))
	ids := make([]int64, 0, len(positions))
	for _, pos := range positions {
		if pos.Quantity.IsPositive() {
			open = append(open, pos)
			ids = append(ids, pos.AssetID)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Symbol < open[j].Symbol })

	quotes, err := e.prices.ResolveBatch(ctx, ids, asOf)
	if err != nil {
		slog.Warn("batch price lookup failed, valuing holdings at zero",
			"portfolio", portfolioID, "date", asOf.String(), "err", err)
		quotes = nil
	}

	v := &model.Valuation{
		PortfolioID:   portfolioID,
		Date:          asOf,
		CurrencyCode:  p.CurrencyCode,
		Cash:          p.CashBalance,
		Holdings:      make([]model.HoldingValue, 0, len(open)),
		MissingPrices: []string{},
	}

	for _, pos := range open {
		h := model.HoldingValue{
			AssetID:  pos.AssetID,
			Symbol:   pos.Symbol,
			Quantity: pos.Quantity,
			Invested: pos.Invested,
		}
		if q, ok := quotes[pos.AssetID]; ok {
			priceDate := q.Date
			h.Price = q.Price
			h.PriceDate = &priceDate
			h.Value = pos.Quantity.Mul(q.Price)
		} else {
			v.MissingPrices = append(v.MissingPrices, pos.Symbol)
			metrics.MissingPrices.Inc()
		}
		h.PnL = h.Value.Sub(h.Invested)
		if h.Invested.IsPositive() {
			h.PnLPercent = h.PnL.Div(h.Invested).Mul(hundred).Round(2)
		}

		v.AssetsValue = v.AssetsValue.Add(h.Value)
		v.InvestedValue = v.InvestedValue.Add(h.Invested)
		v.Holdings = append(v.Holdings, h)
	}
	v.TotalValue = v.Cash.Add(v.AssetsValue)

	metrics.ValuationsTotal.Inc()
	if len(v.MissingPrices) > 0 {
		slog.Info("valuation has missing prices",
			"portfolio", portfolioID, "date", asOf.String(), "symbols", v.MissingPrices)
	}
	return v, nil
}

// WhatIfResult is a lump-sum backtest.
type WhatIfResult struct {
	Symbol     string          `json:"symbol"`
	Amount     decimal.Decimal `json:"amount"`
	BuyDate    date.Date       `json:"buy_date"`
	BuyPrice   decimal.Decimal `json:"buy_price"`
	SellDate   date.Date       `json:"sell_date"`
	SellPrice  decimal.Decimal `json:"sell_price"`
	Units      decimal.Decimal `json:"units"`
	FinalValue decimal.Decimal `json:"final_value"`
	Profit     decimal.Decimal `json:"profit"`
	ReturnPct  decimal.Decimal `json:"return_pct"`
}

// WhatIf values `amount` USD invested in symbol at buy and sold at sell.
// Either price missing fails with pricing.ErrPriceNotFound.
func (e *Engine) WhatIf(ctx context.Context, amount decimal.Decimal, symbol string, buy, sell date.Date) (*WhatIfResult, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if sell.Before(buy) {
		return nil, fmt.Errorf("%w: %s < %s", ErrInvalidRange, sell, buy)
	}

	in, err := e.prices.Resolve(ctx, symbol, buy)
	if err != nil {
		return nil, err
	}
	out, err := e.prices.Resolve(ctx, symbol, sell)
	if err != nil {
		return nil, err
	}
	if !in.Price.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive price for %s on %s", pricing.ErrPriceNotFound, in.Symbol, in.Date)
	}

	units := amount.Div(in.Price)
	final := units.Mul(out.Price).Round(2)
	profit := final.Sub(amount)
	return &WhatIfResult{
		Symbol:     in.Symbol,
		Amount:     amount,
		BuyDate:    in.Date,
		BuyPrice:   in.Price,
		SellDate:   out.Date,
		SellPrice:  out.Price,
		Units:      units.Round(8),
		FinalValue: final,
		Profit:     profit,
		ReturnPct:  profit.Div(amount).Mul(hundred).Round(2),
	}, nil
}
