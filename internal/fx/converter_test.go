package fx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/sim-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeSource struct {
	calls  atomic.Int32
	quotes map[string]decimal.Decimal
	err    error
	delay  time.Duration
}

func (f *fakeSource) Quotes(ctx context.Context, codes []string) (map[string]decimal.Decimal, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]decimal.Decimal)
	for _, c := range codes {
		if q, ok := f.quotes[c]; ok {
			out[c] = q
		}
	}
	return out, nil
}

func TestRate_USDAlwaysOne(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	// corrupt and stale USD row
	st.UpsertRates(ctx, map[string]decimal.Decimal{"USD": d(-3)}, time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC))

	src := &fakeSource{err: errors.New("down")}
	c := NewConverter(st, src, time.Hour)
	for _, code := range []string{"USD", "usd", " USD ", ""} {
		if r := c.Rate(ctx, code); !r.Equal(decimal.NewFromInt(1)) {
			t.Errorf("Rate(%q) = %s, want 1", code, r)
		}
	}
	if src.calls.Load() != 0 {
		t.Errorf("USD must never trigger a lookup, source called %d times", src.calls.Load())
	}
}

func TestRate_RefreshesWhenStale(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	src := &fakeSource{quotes: map[string]decimal.Decimal{"EUR": d(0.9), "INR": d(84)}}
	c := NewConverter(st, src, 24*time.Hour)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if r := c.Rate(ctx, "eur"); !r.Equal(d(0.9)) {
		t.Errorf("expected 0.9, got %s", r)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("expected 1 refresh, got %d", src.calls.Load())
	}

	// still fresh
	now = now.Add(23 * time.Hour)
	c.Rate(ctx, "INR")
	if src.calls.Load() != 1 {
		t.Errorf("fresh rates must not refresh, calls=%d", src.calls.Load())
	}

	// stale
	now = now.Add(2 * time.Hour)
	src.quotes["EUR"] = d(0.95)
	if r := c.Rate(ctx, "EUR"); !r.Equal(d(0.95)) {
		t.Errorf("expected refreshed 0.95, got %s", r)
	}
	if src.calls.Load() != 2 {
		t.Errorf("expected second refresh, calls=%d", src.calls.Load())
	}
}

func TestRate_FallsBackToStoredRate(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	st.UpsertRates(ctx, map[string]decimal.Decimal{"GBP": d(0.8)}, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))

	src := &fakeSource{err: errors.New("network unreachable")}
	c := NewConverter(st, src, 24*time.Hour)

	if r := c.Rate(ctx, "GBP"); !r.Equal(d(0.8)) {
		t.Errorf("expected stale stored 0.8, got %s", r)
	}
	if src.calls.Load() != 1 {
		t.Errorf("expected one refresh attempt, got %d", src.calls.Load())
	}

	// the failure cooldown keeps a dead source from being hammered
	c.Rate(ctx, "GBP")
	if src.calls.Load() != 1 {
		t.Errorf("expected cooldown after failure, got %d calls", src.calls.Load())
	}
}

func TestRate_StaticFallback(t *testing.T) {
	st := store.NewMemoryStore()
	c := NewConverter(st, &fakeSource{err: errors.New("down")}, 24*time.Hour)
	ctx := context.Background()

	tests := []struct {
		code string
		want decimal.Decimal
	}{
		{"INR", decimal.RequireFromString("83.5")},
		{"EUR", decimal.RequireFromString("0.92")},
		{"JPY", decimal.NewFromInt(155)},
		{"XYZ", decimal.NewFromInt(1)},
	}
	for _, tt := range tests {
		if r := c.Rate(ctx, tt.code); !r.Equal(tt.want) {
			t.Errorf("Rate(%s) = %s, want %s", tt.code, r, tt.want)
		}
	}
}

func TestRate_NilSource(t *testing.T) {
	c := NewConverter(store.NewMemoryStore(), nil, 0)
	if r := c.Rate(context.Background(), "CAD"); !r.Equal(decimal.RequireFromString("1.37")) {
		t.Errorf("expected fallback 1.37, got %s", r)
	}
}

func TestRate_ConcurrentRefreshCollapses(t *testing.T) {
	st := store.NewMemoryStore()
	src := &fakeSource{quotes: map[string]decimal.Decimal{"EUR": d(0.9)}, delay: 50 * time.Millisecond}
	c := NewConverter(st, src, 24*time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Rate(context.Background(), "EUR")
		}()
	}
	wg.Wait()

	if n := src.calls.Load(); n != 1 {
		t.Errorf("expected a single refresh, got %d", n)
	}
}

func TestConversions(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	st.UpsertRates(ctx, map[string]decimal.Decimal{"INR": d(80)}, time.Now())
	c := NewConverter(st, nil, 0)

	if got := c.ToUSD(ctx, d(8000), "INR"); !got.Equal(d(100)) {
		t.Errorf("ToUSD: expected 100, got %s", got)
	}
	if got := c.FromUSD(ctx, d(100), "INR"); !got.Equal(d(8000)) {
		t.Errorf("FromUSD: expected 8000, got %s", got)
	}
}

func TestRates_JoinsCurrencyTable(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	st.UpsertRates(ctx, map[string]decimal.Decimal{"EUR": d(0.5), "USD": d(7)}, time.Now())
	c := NewConverter(st, nil, 0)

	rates := c.Rates(ctx)
	if len(rates) != len(store.DefaultCurrencies) {
		t.Fatalf("expected %d currencies, got %d", len(store.DefaultCurrencies), len(rates))
	}
	for _, r := range rates {
		switch r.Code {
		case "USD":
			if !r.Rate.Equal(decimal.NewFromInt(1)) {
				t.Errorf("USD must be pinned to 1, got %s", r.Rate)
			}
		case "EUR":
			if !r.Rate.Equal(d(0.5)) {
				t.Errorf("EUR expected stored 0.5, got %s", r.Rate)
			}
		case "GBP":
			if !r.Rate.Equal(decimal.RequireFromString("0.79")) {
				t.Errorf("GBP expected fallback 0.79, got %s", r.Rate)
			}
		}
	}
}

func TestFormatAndValidate(t *testing.T) {
	if got := Format(d(1234.5), "USD"); got != "$1,234.50" {
		t.Errorf("Format USD = %q", got)
	}
	if code, err := ValidateCode(" eur "); err != nil || code != "EUR" {
		t.Errorf("ValidateCode(eur) = %q, %v", code, err)
	}
	if _, err := ValidateCode("ZZZ"); !errors.Is(err, ErrUnsupportedCurrency) {
		t.Errorf("expected ErrUnsupportedCurrency, got %v", err)
	}
	if Symbol("GBP") != "£" {
		t.Errorf("expected £, got %s", Symbol("GBP"))
	}
}

func TestYahooSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/EUR=X":
			fmt.Fprint(w, `{"chart":{"result":[{"meta":{"symbol":"EUR=X","regularMarketPrice":0.9213}}]}}`)
		case "/JPY=X":
			fmt.Fprint(w, `{"chart":{"result":[{"meta":{"symbol":"JPY=X","regularMarketPrice":151.2}}]}}`)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	src := NewYahooSource(srv.URL, 100)
	quotes, err := src.Quotes(context.Background(), []string{"EUR", "JPY", "GBP"})
	if err != nil {
		t.Fatal(err)
	}
	if len(quotes) != 2 {
		t.Fatalf("expected 2 quotes, got %v", quotes)
	}
	if !quotes["EUR"].Equal(decimal.RequireFromString("0.9213")) {
		t.Errorf("EUR = %s", quotes["EUR"])
	}

	if _, err := src.Quotes(context.Background(), []string{"GBP"}); err == nil {
		t.Error("expected error when nothing could be fetched")
	}
}
