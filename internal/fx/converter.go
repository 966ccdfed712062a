// Package fx converts between USD and a portfolio's native currency.
//
// Rates are units of a currency per 1 USD. Lookups never fail: a fresh rate
// is preferred, then the last stored rate, then a static table, then 1.
package fx

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/stocksim/sim-engine/internal/metrics"
	"github.com/stocksim/sim-engine/internal/model"
	"github.com/stocksim/sim-engine/internal/store"
)

// USD is the base currency every stored amount is denominated in.
const USD = "USD"

// DefaultMaxAge is how old the oldest stored rate may get before a refresh.
const DefaultMaxAge = 24 * time.Hour

// failureCooldown spaces out refresh attempts while the quote source is down.
const failureCooldown = time.Minute

// FallbackRates is used when neither the quote source nor the rate store can
// answer.
var FallbackRates = map[string]decimal.Decimal{
	"USD": decimal.NewFromInt(1),
	"INR": decimal.RequireFromString("83.5"),
	"EUR": decimal.RequireFromString("0.92"),
	"GBP": decimal.RequireFromString("0.79"),
	"JPY": decimal.NewFromInt(155),
	"CAD": decimal.RequireFromString("1.37"),
	"AUD": decimal.RequireFromString("1.51"),
}

// QuoteSource fetches live rates (units per 1 USD) for the given codes.
// Codes it cannot quote are omitted from the result.
type QuoteSource interface {
	Quotes(ctx context.Context, codes []string) (map[string]decimal.Decimal, error)
}

// Converter answers rate lookups from the rate store, refreshing it from a
// QuoteSource at most once per maxAge.
type Converter struct {
	rates  store.RateStore
	source QuoteSource
	maxAge time.Duration
	now    func() time.Time

	group       singleflight.Group
	mu          sync.Mutex
	lastFailure time.Time
}

// NewConverter creates a converter. source may be nil, in which case stored
// and fallback rates are used without refreshing.
func NewConverter(rates store.RateStore, source QuoteSource, maxAge time.Duration) *Converter {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Converter{
		rates:  rates,
		source: source,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Rate returns units of code per 1 USD. USD (or an empty code) is always
// exactly 1 and never looked up.
func (c *Converter) Rate(ctx context.Context, code string) decimal.Decimal {
	code = normalize(code)
	if code == USD {
		metrics.FXLookups.WithLabelValues("pinned").Inc()
		return decimal.NewFromInt(1)
	}
	c.refreshIfStale(ctx)
	return c.lookup(ctx, code)
}

// Rates returns every supported currency joined with its effective rate.
func (c *Converter) Rates(ctx context.Context) []model.CurrencyRate {
	currencies, err := c.rates.ListCurrencies(ctx)
	if err != nil || len(currencies) == 0 {
		if err != nil {
			slog.Warn("currency table unavailable, using fallback list", "err", err)
		}
		currencies = fallbackCurrencies()
	}

	c.refreshIfStale(ctx)

	out := make([]model.CurrencyRate, 0, len(currencies))
	for _, cur := range currencies {
		rate := decimal.NewFromInt(1)
		if normalize(cur.Code) != USD {
			rate = c.lookup(ctx, cur.Code)
		}
		out = append(out, model.CurrencyRate{Currency: cur, Rate: rate})
	}
	return out
}

// ToUSD converts amount from code into USD.
func (c *Converter) ToUSD(ctx context.Context, amount decimal.Decimal, code string) decimal.Decimal {
	return amount.Div(c.Rate(ctx, code))
}

// FromUSD converts a USD amount into code.
func (c *Converter) FromUSD(ctx context.Context, amount decimal.Decimal, code string) decimal.Decimal {
	return amount.Mul(c.Rate(ctx, code))
}

// Refresh fetches live quotes for every supported non-USD currency and
// stores them. Concurrent callers share one fetch.
func (c *Converter) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	return err
}

func (c *Converter) refreshIfStale(ctx context.Context) {
	if c.source == nil {
		return
	}

	oldest, ok, err := c.rates.OldestRateUpdate(ctx)
	if err != nil {
		slog.Warn("rate store unavailable, skipping refresh", "err", err)
		return
	}
	now := c.now()
	if ok && now.Sub(oldest) < c.maxAge {
		return
	}

	c.mu.Lock()
	cooling := !c.lastFailure.IsZero() && now.Sub(c.lastFailure) < failureCooldown
	c.mu.Unlock()
	if cooling {
		return
	}

	if err := c.Refresh(ctx); err != nil {
		c.mu.Lock()
		c.lastFailure = now
		c.mu.Unlock()
		metrics.FXRefreshes.WithLabelValues("failed").Inc()
		slog.Warn("exchange rate refresh failed, using stored rates", "err", err)
		return
	}
	metrics.FXRefreshes.WithLabelValues("ok").Inc()
}

func (c *Converter) refresh(ctx context.Context) error {
	currencies, err := c.rates.ListCurrencies(ctx)
	if err != nil {
		return err
	}
	codes := make([]string, 0, len(currencies))
	for _, cur := range currencies {
		if code := normalize(cur.Code); code != USD {
			codes = append(codes, code)
		}
	}
	if len(codes) == 0 {
		return nil
	}

	quotes, err := c.source.Quotes(ctx, codes)
	if err != nil {
		return err
	}

	valid := make(map[string]decimal.Decimal, len(quotes))
	for code, rate := range quotes {
		code = normalize(code)
		if code == USD || !rate.IsPositive() {
			continue
		}
		valid[code] = rate
	}
	if len(valid) == 0 {
		return errNoQuotes
	}
	if err := c.rates.UpsertRates(ctx, valid, c.now().UTC()); err != nil {
		return err
	}
	slog.Info("exchange rates refreshed", "currencies", len(valid))
	return nil
}

// lookup answers from the store, then the fallback table, then 1.
func (c *Converter) lookup(ctx context.Context, code string) decimal.Decimal {
	code = normalize(code)
	r, err := c.rates.GetRate(ctx, code)
	if err == nil && r.Rate.IsPositive() {
		metrics.FXLookups.WithLabelValues("stored").Inc()
		return r.Rate
	}
	metrics.FXLookups.WithLabelValues("fallback").Inc()
	if rate, ok := FallbackRates[code]; ok {
		return rate
	}
	slog.Warn("unknown currency, using rate 1", "currency", code)
	return decimal.NewFromInt(1)
}

func normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return USD
	}
	return code
}

func fallbackCurrencies() []model.Currency {
	return append([]model.Currency(nil), store.DefaultCurrencies...)
}
