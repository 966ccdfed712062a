// Package api exposes the simulator over HTTP and mounts the websocket and
// metrics endpoints.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/stocksim/sim-engine/internal/account"
	"github.com/stocksim/sim-engine/internal/date"
	"github.com/stocksim/sim-engine/internal/fx"
	"github.com/stocksim/sim-engine/internal/game"
	"github.com/stocksim/sim-engine/internal/ledger"
	"github.com/stocksim/sim-engine/internal/metrics"
	"github.com/stocksim/sim-engine/internal/model"
	"github.com/stocksim/sim-engine/internal/pricing"
	"github.com/stocksim/sim-engine/internal/stream"
	"github.com/stocksim/sim-engine/internal/valuation"
)

// Deps are the components the HTTP layer delegates to. Hub may be nil.
type Deps struct {
	Accounts  *account.Service
	Ledger    *ledger.Service
	Valuation *valuation.Engine
	Clock     *game.Clock
	Prices    *pricing.Resolver
	FX        *fx.Converter
	Hub       *stream.Hub
}

// Server holds the HTTP handlers.
type Server struct {
	accounts  *account.Service
	ledger    *ledger.Service
	valuation *valuation.Engine
	clock     *game.Clock
	prices    *pricing.Resolver
	fx        *fx.Converter
	hub       *stream.Hub
}

// NewServer creates the HTTP handlers.
func NewServer(d Deps) *Server {
	return &Server{
		accounts:  d.Accounts,
		ledger:    d.Ledger,
		valuation: d.Valuation,
		clock:     d.Clock,
		prices:    d.Prices,
		fx:        d.FX,
		hub:       d.Hub,
	}
}

// Router returns the full route tree with middleware. timeout bounds each
// request; 0 disables it.
func (s *Server) Router(timeout time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "sim-engine"})
	})
	r.Handle("/metrics", metrics.Handler())
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Group(func(r chi.Router) {
		if timeout > 0 {
			r.Use(middleware.Timeout(timeout))
		}
		s.Routes(r)
	})
	return r
}

// Routes mounts the API handlers on r.
func (s *Server) Routes(r chi.Router) {
	r.Post("/users", s.CreateUser)
	r.Get("/users/{userID}/portfolios", s.ListPortfolios)

	r.Post("/portfolio/create", s.CreatePortfolio)
	r.Post("/portfolio/buy", s.Buy)
	r.Post("/portfolio/sell", s.Sell)
	r.Get("/portfolio/{portfolioID}", s.GetPortfolio)
	r.Get("/portfolio/{portfolioID}/holdings", s.Holdings)
	r.Get("/portfolio/{portfolioID}/value", s.Value)

	r.Get("/assets", s.ListAssets)
	r.Get("/assets/{symbol}/price", s.AssetPrice)
	r.Get("/assets/{symbol}/history", s.AssetHistory)
	r.Get("/simulate", s.WhatIf)

	r.Post("/simulation/start", s.StartSession)
	r.Post("/simulation/forward", s.Advance)
	r.Get("/simulation/status", s.Status)
	r.Get("/simulation/sessions", s.Sessions)

	r.Get("/currencies", s.Currencies)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Request types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	Username string `json:"username"`
}

// CreatePortfolioRequest is the JSON body for POST /portfolio/create.
type CreatePortfolioRequest struct {
	UserID       int64  `json:"user_id"`
	Name         string `json:"name"`
	CurrencyCode string `json:"currency_code"`
}

// TradeRequest is the JSON body for POST /portfolio/buy and /portfolio/sell.
// Date is optional while a simulation session is active.
type TradeRequest struct {
	PortfolioID int64           `json:"portfolio_id"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	Date        date.Date       `json:"date"`
}

// StartSessionRequest is the JSON body for POST /simulation/start. Amounts
// are in CurrencyCode.
type StartSessionRequest struct {
	UserID          int64           `json:"user_id"`
	PortfolioID     int64           `json:"portfolio_id"`
	StartDate       string          `json:"start_date"`
	MonthlySalary   decimal.Decimal `json:"monthly_salary"`
	MonthlyExpenses decimal.Decimal `json:"monthly_expenses"`
	InitialCash     decimal.Decimal `json:"initial_cash"`
	CurrencyCode    string          `json:"currency_code"`
}

// AdvanceRequest is the JSON body for POST /simulation/forward.
type AdvanceRequest struct {
	PortfolioID int64  `json:"portfolio_id"`
	TargetDate  string `json:"target_date"`
}

// PortfolioResponse is a portfolio with its cash shown in its own currency.
type PortfolioResponse struct {
	model.Portfolio
	CashBalanceNative decimal.Decimal `json:"cash_balance_native"`
	CashFormatted     string          `json:"cash_formatted"`
}

// StatusResponse is the active session with its valuation at the sim date.
type StatusResponse struct {
	Session   *model.GameSession `json:"session"`
	Valuation *model.Valuation   `json:"valuation"`
}

// --- Accounts ---

// CreateUser handles POST /users.
func (s *Server) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := s.accounts.CreateUser(r.Context(), req.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// ListPortfolios handles GET /users/{userID}/portfolios.
func (s *Server) ListPortfolios(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	list, err := s.accounts.ListPortfolios(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// CreatePortfolio handles POST /portfolio/create.
func (s *Server) CreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req CreatePortfolioRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.accounts.CreatePortfolio(r.Context(), req.UserID, req.Name, req.CurrencyCode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.portfolioResponse(r, p))
}

// GetPortfolio handles GET /portfolio/{portfolioID}.
func (s *Server) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "portfolioID")
	if !ok {
		return
	}
	p, err := s.accounts.GetPortfolio(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.portfolioResponse(r, p))
}

func (s *Server) portfolioResponse(r *http.Request, p *model.Portfolio) PortfolioResponse {
	native := s.fx.FromUSD(r.Context(), p.CashBalance, p.CurrencyCode).Round(2)
	return PortfolioResponse{
		Portfolio:         *p,
		CashBalanceNative: native,
		CashFormatted:     fx.Format(native, p.CurrencyCode),
	}
}

// ListAssets handles GET /assets?date=.
func (s *Server) ListAssets(w http.ResponseWriter, r *http.Request) {
	asOf, ok := queryDate(w, r, "date", date.Date{})
	if !ok {
		return
	}
	assets, err := s.accounts.ListAssets(r.Context(), asOf)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

// --- Trading ---

// Buy handles POST /portfolio/buy.
func (s *Server) Buy(w http.ResponseWriter, r *http.Request) { s.trade(w, r, model.Buy) }

// Sell handles POST /portfolio/sell.
func (s *Server) Sell(w http.ResponseWriter, r *http.Request) { s.trade(w, r, model.Sell) }

func (s *Server) trade(w http.ResponseWriter, r *http.Request, side model.Side) {
	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.ledger.Trade(r.Context(), ledger.TradeRequest{
		PortfolioID: req.PortfolioID,
		Symbol:      req.Symbol,
		Side:        side,
		Quantity:    req.Quantity,
		Date:        req.Date,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Holdings handles GET /portfolio/{portfolioID}/holdings.
func (s *Server) Holdings(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "portfolioID")
	if !ok {
		return
	}
	holdings, err := s.ledger.Holdings(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holdings)
}

// --- Valuation ---

// Value handles GET /portfolio/{portfolioID}/value?date=. Without a date the
// active session's sim date is used, else today.
func (s *Server) Value(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "portfolioID")
	if !ok {
		return
	}
	asOf, ok := queryDate(w, r, "date", date.Date{})
	if !ok {
		return
	}
	if asOf.IsZero() {
		asOf = date.Today()
		if gs, err := s.clock.Active(r.Context(), id); err == nil {
			asOf = gs.SimDate
		}
	}
	v, err := s.valuation.Valuate(r.Context(), id, asOf)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// WhatIf handles GET /simulate?amount=&symbol=&buy=&sell=.
func (s *Server) WhatIf(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: amount", errBadRequest))
		return
	}
	buy, ok := queryDate(w, r, "buy", date.Date{})
	if !ok {
		return
	}
	sell, ok := queryDate(w, r, "sell", date.Today())
	if !ok {
		return
	}
	if buy.IsZero() {
		writeError(w, fmt.Errorf("%w: buy date is required", errBadRequest))
		return
	}
	res, err := s.valuation.WhatIf(r.Context(), amount, r.URL.Query().Get("symbol"), buy, sell)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Prices ---

// AssetPrice handles GET /assets/{symbol}/price?date=.
func (s *Server) AssetPrice(w http.ResponseWriter, r *http.Request) {
	on, ok := queryDate(w, r, "date", date.Today())
	if !ok {
		return
	}
	q, err := s.prices.Resolve(r.Context(), chi.URLParam(r, "symbol"), on)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// AssetHistory handles GET /assets/{symbol}/history?end=.
func (s *Server) AssetHistory(w http.ResponseWriter, r *http.Request) {
	end, ok := queryDate(w, r, "end", date.Date{})
	if !ok {
		return
	}
	history, err := s.prices.History(r.Context(), chi.URLParam(r, "symbol"), end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// Currencies handles GET /currencies.
func (s *Server) Currencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fx.Rates(r.Context()))
}

// --- Simulation ---

// StartSession handles POST /simulation/start.
func (s *Server) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if !decode(w, r, &req) {
		return
	}
	gs, err := s.clock.Start(r.Context(), game.StartRequest{
		UserID:          req.UserID,
		PortfolioID:     req.PortfolioID,
		StartDate:       req.StartDate,
		MonthlySalary:   req.MonthlySalary,
		MonthlyExpenses: req.MonthlyExpenses,
		InitialCash:     req.InitialCash,
		CurrencyCode:    req.CurrencyCode,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, gs)
}

// Advance handles POST /simulation/forward.
func (s *Server) Advance(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.clock.Advance(r.Context(), req.PortfolioID, req.TargetDate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Status handles GET /simulation/status?portfolio_id=.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := queryID(w, r, "portfolio_id")
	if !ok {
		return
	}
	gs, err := s.clock.Active(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.valuation.Valuate(r.Context(), id, gs.SimDate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Session: gs, Valuation: v})
}

// Sessions handles GET /simulation/sessions?user_id=.
func (s *Server) Sessions(w http.ResponseWriter, r *http.Request) {
	id, ok := queryID(w, r, "user_id")
	if !ok {
		return
	}
	sessions, err := s.clock.History(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, date.ErrInvalidDate) {
			writeError(w, err)
		} else {
			writeError(w, fmt.Errorf("%w: invalid request body", errBadRequest))
		}
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, fmt.Errorf("%w: invalid %s", errBadRequest, key))
		return 0, false
	}
	return id, true
}

func queryID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		writeError(w, fmt.Errorf("%w: %s is required", errBadRequest, key))
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, fmt.Errorf("%w: invalid %s", errBadRequest, key))
		return 0, false
	}
	return id, true
}

func queryDate(w http.ResponseWriter, r *http.Request, key string, def date.Date) (date.Date, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	d, err := date.Parse(raw)
	if err != nil {
		writeError(w, err)
		return date.Date{}, false
	}
	return d, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
