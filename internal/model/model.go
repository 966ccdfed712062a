// Package model defines the core domain types shared across the simulator.
// All monetary values use shopspring/decimal, never float64.
// Stored prices and cash balances are always in USD.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/sim-engine/internal/date"
)

// AssetType classifies a tradable asset.
type AssetType string

const (
	AssetStocks      AssetType = "stocks"
	AssetCrypto      AssetType = "crypto"
	AssetETFs        AssetType = "etfs"
	AssetCommodities AssetType = "commodities"
	AssetMutualFunds AssetType = "mutualfunds"
)

// Side is the direction of a trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Asset is a tradable instrument. Written by ingestion, read-only here.
type Asset struct {
	ID       int64     `json:"id" db:"id"`
	Symbol   string    `json:"symbol" db:"symbol"` // unique, uppercase
	Name     string    `json:"name" db:"name"`
	Type     AssetType `json:"type" db:"type"`
	Currency string    `json:"currency" db:"currency"` // always USD
}

// PricePoint is one daily bar. Unique per (AssetID, Date).
type PricePoint struct {
	AssetID  int64           `json:"asset_id" db:"asset_id"`
	Date     date.Date       `json:"date" db:"date"`
	Close    decimal.Decimal `json:"close" db:"close"`
	AdjClose decimal.Decimal `json:"adj_close" db:"adj_close"`
	Volume   int64           `json:"volume" db:"volume"`
}

// User owns portfolios and game sessions.
type User struct {
	ID        int64     `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Portfolio holds cash and, implicitly through its transactions, positions.
// CashBalance is the single source of truth for available funds.
type Portfolio struct {
	ID           int64           `json:"id" db:"id"`
	UserID       int64           `json:"user_id" db:"user_id"`
	Name         string          `json:"name" db:"name"`
	CashBalance  decimal.Decimal `json:"cash_balance" db:"cash_balance"`   // USD
	CurrencyCode string          `json:"currency_code" db:"currency_code"` // native display currency
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Transaction is an immutable ledger row. Replay order is (Date, ID).
type Transaction struct {
	ID           int64           `json:"id" db:"id"`
	PortfolioID  int64           `json:"portfolio_id" db:"portfolio_id"`
	AssetID      int64           `json:"asset_id" db:"asset_id"`
	Symbol       string          `json:"symbol" db:"symbol"` // denormalized at write time
	Side         Side            `json:"type" db:"type"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`             // always positive
	PricePerUnit decimal.Decimal `json:"price_per_unit" db:"price_per_unit"` // USD
	Date         date.Date       `json:"date" db:"date"`
}

// Less orders transactions for replay: date ascending, id as tie-break.
func (t Transaction) Less(o Transaction) bool {
	if t.Date != o.Date {
		return t.Date.Before(o.Date)
	}
	return t.ID < o.ID
}

// GameSession is a time-travel session bound to one portfolio. At most one
// session per portfolio is active; superseded sessions are kept as history.
type GameSession struct {
	ID              int64           `json:"id" db:"id"`
	UserID          int64           `json:"user_id" db:"user_id"`
	PortfolioID     int64           `json:"portfolio_id" db:"portfolio_id"`
	StartDate       date.Date       `json:"start_date" db:"start_date"`
	SimDate         date.Date       `json:"sim_date" db:"sim_date"`
	MonthlySalary   decimal.Decimal `json:"monthly_salary" db:"monthly_salary"`     // USD
	MonthlyExpenses decimal.Decimal `json:"monthly_expenses" db:"monthly_expenses"` // USD
	IsActive        bool            `json:"is_active" db:"is_active"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// NetMonthly is salary minus expenses.
func (s GameSession) NetMonthly() decimal.Decimal {
	return s.MonthlySalary.Sub(s.MonthlyExpenses)
}

// ExchangeRate is units of CurrencyCode per 1 USD.
type ExchangeRate struct {
	CurrencyCode string          `json:"currency_code" db:"currency_code"`
	Rate         decimal.Decimal `json:"rate" db:"rate"`
	LastUpdated  time.Time       `json:"last_updated" db:"last_updated"`
}

// Currency is a row of the supported-currency reference table.
type Currency struct {
	Code   string `json:"code" db:"code"`
	Name   string `json:"name" db:"name"`
	Symbol string `json:"symbol" db:"symbol"`
}

// CurrencyRate is a currency joined with its effective rate.
type CurrencyRate struct {
	Currency
	Rate decimal.Decimal `json:"rate"`
}

// HoldingValue is one position in a valuation.
type HoldingValue struct {
	AssetID    int64           `json:"asset_id"`
	Symbol     string          `json:"symbol"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`       // 0 when unresolved
	PriceDate  *date.Date      `json:"price_date"`  // trading day the price came from
	Value      decimal.Decimal `json:"value"`       // quantity × price
	Invested   decimal.Decimal `json:"invested"`    // remaining cost basis
	PnL        decimal.Decimal `json:"pnl"`         // value − invested
	PnLPercent decimal.Decimal `json:"pnl_percent"` // (value − invested) / invested × 100
}

// Valuation is a portfolio's value as of a date, in USD.
type Valuation struct {
	PortfolioID   int64           `json:"portfolio_id"`
	Date          date.Date       `json:"date"`
	CurrencyCode  string          `json:"currency_code"`
	Cash          decimal.Decimal `json:"cash"`
	AssetsValue   decimal.Decimal `json:"assets_value"`
	InvestedValue decimal.Decimal `json:"invested_value"`
	TotalValue    decimal.Decimal `json:"total_value"`
	Holdings      []HoldingValue  `json:"holdings"`
	MissingPrices []string        `json:"missing_prices"`
}
