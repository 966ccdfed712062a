package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// DefaultQuoteURL is Yahoo's chart endpoint; the ticker is appended as a
// path segment.
const DefaultQuoteURL = "https://query2.finance.yahoo.com/v8/finance/chart"

// YahooSource quotes USD crosses from a Yahoo-style chart API. Ticker
// "EUR=X" returns euros per 1 USD.
type YahooSource struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewYahooSource creates a source that issues at most requestsPerSecond
// requests against baseURL.
func NewYahooSource(baseURL string, requestsPerSecond float64) *YahooSource {
	if baseURL == "" {
		baseURL = DefaultQuoteURL
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 2
	}
	return &YahooSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// Quotes fetches each code's rate. Individual failures are logged and
// skipped; an error is returned only when nothing could be fetched.
func (y *YahooSource) Quotes(ctx context.Context, codes []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(codes))
	var lastErr error
	for _, code := range codes {
		if err := y.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		r, err := y.quote(ctx, code)
		if err != nil {
			slog.Warn("fx quote failed", "currency", code, "err", err)
			lastErr = err
			continue
		}
		out[code] = r
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (y *YahooSource) quote(ctx context.Context, code string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/%s?interval=1d&range=1d", y.baseURL, url.PathEscape(code+"=X"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create quote request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	resp, err := y.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch %s quote: %w", code, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("quote status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Chart struct {
			Result []struct {
				Meta struct {
					Symbol             string          `json:"symbol"`
					RegularMarketPrice decimal.Decimal `json:"regularMarketPrice"`
				} `json:"meta"`
			} `json:"result"`
		} `json:"chart"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode %s quote: %w", code, err)
	}
	if len(payload.Chart.Result) == 0 {
		return decimal.Zero, fmt.Errorf("no quote for %s", code)
	}
	price := payload.Chart.Result[0].Meta.RegularMarketPrice
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive quote for %s: %s", code, price)
	}
	return price, nil
}
