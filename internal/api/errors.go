package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stocksim/sim-engine/internal/account"
	"github.com/stocksim/sim-engine/internal/date"
	"github.com/stocksim/sim-engine/internal/fx"
	"github.com/stocksim/sim-engine/internal/game"
	"github.com/stocksim/sim-engine/internal/ledger"
	"github.com/stocksim/sim-engine/internal/pricing"
	"github.com/stocksim/sim-engine/internal/store"
	"github.com/stocksim/sim-engine/internal/valuation"
)

var errBadRequest = errors.New("invalid input")

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

type errorClass struct {
	status int
	code   string
	errs   []error
}

// Checked in order; the first match wins.
var errorClasses = []errorClass{
	{http.StatusUnprocessableEntity, "insufficient_funds", []error{ledger.ErrInsufficientFunds}},
	{http.StatusUnprocessableEntity, "insufficient_holdings", []error{ledger.ErrInsufficientHoldings}},
	{http.StatusUnprocessableEntity, "price_unavailable", []error{ledger.ErrPriceUnavailable}},
	{http.StatusConflict, "no_active_session", []error{game.ErrNoActiveSession}},
	{http.StatusConflict, "cannot_rewind", []error{game.ErrCannotRewind}},
	{http.StatusConflict, "conflict", []error{account.ErrUsernameTaken, store.ErrConflict}},
	{http.StatusBadRequest, "invalid_input", []error{
		errBadRequest,
		date.ErrInvalidDate,
		fx.ErrUnsupportedCurrency,
		ledger.ErrInvalidTransactionType,
		ledger.ErrInvalidQuantity,
		ledger.ErrDateRequired,
		game.ErrInvalidDate,
		game.ErrInvalidAmount,
		valuation.ErrInvalidAmount,
		valuation.ErrInvalidRange,
		account.ErrInvalidUsername,
	}},
	{http.StatusNotFound, "not_found", []error{
		ledger.ErrAssetNotFound,
		ledger.ErrPortfolioNotFound,
		valuation.ErrPortfolioNotFound,
		game.ErrPortfolioNotFound,
		account.ErrUserNotFound,
		account.ErrPortfolioNotFound,
		pricing.ErrAssetNotFound,
		pricing.ErrPriceNotFound,
		store.ErrNotFound,
	}},
}

// classify maps an error to its HTTP status and code. Anything unrecognised
// is treated as an infrastructure failure the client may retry.
func classify(err error) (int, string, bool) {
	for _, c := range errorClasses {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.status, c.code, false
			}
		}
	}
	if errors.Is(err, store.ErrLockTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, "busy", true
	}
	return http.StatusServiceUnavailable, "unavailable", true
}

func writeError(w http.ResponseWriter, err error) {
	status, code, retryable := classify(err)
	msg := err.Error()
	if retryable {
		slog.Error("request failed", "code", code, "err", err)
		msg = "service temporarily unavailable, please retry"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code, Retryable: retryable})
}
