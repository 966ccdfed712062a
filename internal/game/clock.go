// Package game implements time-travel sessions: a per-portfolio simulated
// date that only moves forward, crediting net monthly income as it goes.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/stocksim/sim-engine/internal/date"
	"github.com/stocksim/sim-engine/internal/metrics"
	"github.com/stocksim/sim-engine/internal/model"
	"github.com/stocksim/sim-engine/internal/store"
	"github.com/stocksim/sim-engine/internal/stream"
)

var (
	ErrNoActiveSession   = errors.New("game: no active session")
	ErrInvalidDate       = errors.New("game: invalid date")
	ErrCannotRewind      = errors.New("game: target date must be after the current sim date")
	ErrInvalidAmount     = errors.New("game: amounts must not be negative")
	ErrPortfolioNotFound = errors.New("game: portfolio not found")
)

// Converter turns native-currency amounts into USD.
type Converter interface {
	ToUSD(ctx context.Context, amount decimal.Decimal, code string) decimal.Decimal
}

// StartRequest opens a session. Amounts are in CurrencyCode, or in the
// portfolio's current currency when CurrencyCode is empty.
type StartRequest struct {
	UserID          int64
	PortfolioID     int64
	StartDate       string
	MonthlySalary   decimal.Decimal
	MonthlyExpenses decimal.Decimal
	InitialCash     decimal.Decimal
	CurrencyCode    string
}

// AdvanceResult reports one forward step of the clock. CashAdded is USD and
// negative when expenses exceed salary.
type AdvanceResult struct {
	PreviousDate date.Date       `json:"previous_date"`
	NewDate      date.Date       `json:"new_date"`
	MonthsPassed int             `json:"months_passed"`
	CashAdded    decimal.Decimal `json:"cash_added"`
	CashBalance  decimal.Decimal `json:"cash_balance"`
}

// Clock manages game sessions.
type Clock struct {
	store store.Store
	fx    Converter
	hub   *stream.Hub
}

// NewClock creates a simulation clock. hub may be nil.
func NewClock(st store.Store, fx Converter, hub *stream.Hub) *Clock {
	return &Clock{store: st, fx: fx, hub: hub}
}

// Start opens a new active session, superseding any active one, and resets
// the portfolio's cash to InitialCash. The reset is deliberate: a session
// starts from a known balance, and the previous balance is discarded.
func (c *Clock) Start(ctx context.Context, req StartRequest) (*model.GameSession, error) {
	start, err := date.Parse(req.StartDate)
	if err != nil {
		return nil, fmt.Errorf("%w: start_date %q", ErrInvalidDate, req.StartDate)
	}
	if req.MonthlySalary.IsNegative() || req.MonthlyExpenses.IsNegative() || req.InitialCash.IsNegative() {
		return nil, ErrInvalidAmount
	}

	p, err := c.store.GetPortfolio(ctx, req.PortfolioID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrPortfolioNotFound, req.PortfolioID)
	}
	if err != nil {
		return nil, err
	}
	if req.UserID != 0 && req.UserID != p.UserID {
		return nil, fmt.Errorf("%w: %d is not owned by user %d", ErrPortfolioNotFound, req.PortfolioID, req.UserID)
	}

	currency := strings.ToUpper(strings.TrimSpace(req.CurrencyCode))
	if currency == "" {
		currency = p.CurrencyCode
	}
	salary := c.fx.ToUSD(ctx, req.MonthlySalary, currency)
	expenses := c.fx.ToUSD(ctx, req.MonthlyExpenses, currency)
	cash := c.fx.ToUSD(ctx, req.InitialCash, currency)

	gs := &model.GameSession{
		UserID:          p.UserID,
		StartDate:       start,
		SimDate:         start,
		MonthlySalary:   salary,
		MonthlyExpenses: expenses,
		IsActive:        true,
	}

	err = c.store.WithPortfolioLock(ctx, req.PortfolioID, func(tx store.PortfolioTx) error {
		if err := tx.DeactivateSessions(ctx); err != nil {
			return err
		}
		if err := tx.InsertSession(ctx, gs); err != nil {
			return err
		}
		if err := tx.SetCashBalance(ctx, cash); err != nil {
			return err
		}
		if currency != tx.Portfolio().CurrencyCode {
			return tx.SetCurrency(ctx, currency)
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrPortfolioNotFound, req.PortfolioID)
	}
	if err != nil {
		return nil, err
	}

	metrics.SessionsStarted.Inc()
	slog.Info("session started",
		"session", gs.ID,
		"portfolio", req.PortfolioID,
		"start_date", start.String(),
		"cash_usd", cash.String(),
		"net_monthly_usd", gs.NetMonthly().String(),
	)
	c.hub.Publish(stream.NewEvent(stream.SessionStarted, req.PortfolioID, gs))
	return gs, nil
}

// Advance moves the portfolio's active session to target, which must be
// strictly after the current sim date, and credits
// (salary − expenses) × calendar months crossed.
func (c *Clock) Advance(ctx context.Context, portfolioID int64, target string) (*AdvanceResult, error) {
	to, err := date.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: target_date %q", ErrInvalidDate, target)
	}

	var res AdvanceResult
	err = c.store.WithPortfolioLock(ctx, portfolioID, func(tx store.PortfolioTx) error {
		gs, err := tx.ActiveSession(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: portfolio %d", ErrNoActiveSession, portfolioID)
		}
		if err != nil {
			return err
		}
		if !to.After(gs.SimDate) {
			return fmt.Errorf("%w: %s is not after %s", ErrCannotRewind, to, gs.SimDate)
		}

		months := date.MonthsBetween(gs.SimDate, to)
		added := gs.NetMonthly().Mul(decimal.NewFromInt(int64(months)))
		cash := tx.Portfolio().CashBalance.Add(added)

		if err := tx.SetCashBalance(ctx, cash); err != nil {
			return err
		}
		if err := tx.SetSimDate(ctx, gs.ID, to); err != nil {
			return err
		}

		res = AdvanceResult{
			PreviousDate: gs.SimDate,
			NewDate:      to,
			MonthsPassed: months,
			CashAdded:    added,
			CashBalance:  cash,
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrPortfolioNotFound, portfolioID)
	}
	if err != nil {
		return nil, err
	}

	metrics.SimAdvances.Inc()
	metrics.SimMonths.Add(float64(res.MonthsPassed))
	slog.Info("time advanced",
		"portfolio", portfolioID,
		"from", res.PreviousDate.String(),
		"to", res.NewDate.String(),
		"months", res.MonthsPassed,
		"cash_added_usd", res.CashAdded.String(),
	)
	c.hub.Publish(stream.NewEvent(stream.TimeAdvanced, portfolioID, res))
	return &res, nil
}

// Active returns the portfolio's active session.
func (c *Clock) Active(ctx context.Context, portfolioID int64) (*model.GameSession, error) {
	gs, err := c.store.ActiveSession(ctx, portfolioID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: portfolio %d", ErrNoActiveSession, portfolioID)
	}
	return gs, err
}

// History returns every session of a user, newest first, superseded ones
// included.
func (c *Clock) History(ctx context.Context, userID int64) ([]model.GameSession, error) {
	sessions, err := c.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []model.GameSession{}
	}
	return sessions, nil
}
