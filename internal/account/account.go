// Package account manages users, portfolios and the tradable asset list.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/stocksim/sim-engine/internal/date"
	"github.com/stocksim/sim-engine/internal/fx"
	"github.com/stocksim/sim-engine/internal/model"
	"github.com/stocksim/sim-engine/internal/store"
)

var (
	ErrInvalidUsername   = errors.New("account: username is required")
	ErrUsernameTaken     = errors.New("account: username already taken")
	ErrUserNotFound      = errors.New("account: user not found")
	ErrPortfolioNotFound = errors.New("account: portfolio not found")
)

// DefaultCash is the opening balance of a new portfolio, in USD.
var DefaultCash = decimal.NewFromInt(10000)

// Service wraps the account store with validation.
type Service struct {
	store store.Store
}

// NewService creates an account service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// CreateUser registers a new unique username.
func (s *Service) CreateUser(ctx context.Context, username string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrInvalidUsername
	}
	u := &model.User{Username: username}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
		}
		return nil, err
	}
	slog.Info("user created", "id", u.ID, "username", u.Username)
	return u, nil
}

// CreatePortfolio opens a portfolio for userID holding DefaultCash. An empty
// currency means USD.
func (s *Service) CreatePortfolio(ctx context.Context, userID int64, name, currency string) (*model.Portfolio, error) {
	if strings.TrimSpace(currency) == "" {
		currency = fx.USD
	}
	code, err := fx.ValidateCode(currency)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Portfolio"
	}

	p := &model.Portfolio{
		UserID:       userID,
		Name:         name,
		CashBalance:  DefaultCash,
		CurrencyCode: code,
	}
	if err := s.store.CreatePortfolio(ctx, p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
		}
		return nil, err
	}
	slog.Info("portfolio created", "id", p.ID, "user", userID, "currency", code)
	return p, nil
}

// GetPortfolio returns a portfolio by id.
func (s *Service) GetPortfolio(ctx context.Context, id int64) (*model.Portfolio, error) {
	p, err := s.store.GetPortfolio(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrPortfolioNotFound, id)
	}
	return p, err
}

// ListPortfolios returns a user's portfolios, oldest first.
func (s *Service) ListPortfolios(ctx context.Context, userID int64) ([]model.Portfolio, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
		}
		return nil, err
	}
	out, err := s.store.ListPortfolios(ctx, userID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Portfolio{}
	}
	return out, nil
}

// ListAssets returns tradable assets. A non-zero asOf keeps only assets
// that had a price on or before it.
func (s *Service) ListAssets(ctx context.Context, asOf date.Date) ([]model.Asset, error) {
	out, err := s.store.ListAssets(ctx, asOf)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Asset{}
	}
	return out, nil
}
