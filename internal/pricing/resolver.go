// Package pricing resolves an asset's price on an arbitrary calendar date.
//
// The policy is last known close: an exact (asset, date) row wins, otherwise
// the most recent earlier trading day's adjusted close is used. Dates before
// an asset's first price resolve to ErrPriceNotFound.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/stocksim/sim-engine/internal/date"
	"github.com/stocksim/sim-engine/internal/model"
	"github.com/stocksim/sim-engine/internal/store"
)

var (
	// ErrAssetNotFound is returned when the symbol or id is not in the catalog.
	ErrAssetNotFound = errors.New("pricing: asset not found")

	// ErrPriceNotFound is returned when no price exists on or before the date.
	ErrPriceNotFound = errors.New("pricing: no price on or before date")
)

// Quote is a resolved price. Date is the trading day the price came from,
// which is earlier than the requested date when the fallback applied.
type Quote struct {
	AssetID int64           `json:"asset_id"`
	Symbol  string          `json:"symbol"`
	Date    date.Date       `json:"date"`
	Price   decimal.Decimal `json:"price"`
}

// Resolver maps (symbol | asset id, date) to a USD price.
type Resolver struct {
	assets store.AssetStore
	prices store.PriceStore
}

// NewResolver creates a resolver over the given catalog and price stores.
func NewResolver(assets store.AssetStore, prices store.PriceStore) *Resolver {
	return &Resolver{assets: assets, prices: prices}
}

// Asset looks up a catalog entry by symbol (case-insensitive).
func (r *Resolver) Asset(ctx context.Context, symbol string) (*model.Asset, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", ErrAssetNotFound)
	}
	a, err := r.assets.GetAssetBySymbol(ctx, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, symbol)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Resolve returns the price of symbol on `on`.
func (r *Resolver) Resolve(ctx context.Context, symbol string, on date.Date) (Quote, error) {
	a, err := r.Asset(ctx, symbol)
	if err != nil {
		return Quote{}, err
	}
	return r.resolve(ctx, a, on)
}

// ResolveAsset returns the price of the asset with the given id on `on`.
func (r *Resolver) ResolveAsset(ctx context.Context, assetID int64, on date.Date) (Quote, error) {
	a, err := r.assets.GetAsset(ctx, assetID)
	if errors.Is(err, store.ErrNotFound) {
		return Quote{}, fmt.Errorf("%w: id %d", ErrAssetNotFound, assetID)
	}
	if err != nil {
		return Quote{}, err
	}
	return r.resolve(ctx, a, on)
}

func (r *Resolver) resolve(ctx context.Context, a *model.Asset, on date.Date) (Quote, error) {
	p, err := r.prices.LatestPrice(ctx, a.ID, on)
	if errors.Is(err, store.ErrNotFound) {
		return Quote{}, fmt.Errorf("%w: %s on %s", ErrPriceNotFound, a.Symbol, on)
	}
	if err != nil {
		return Quote{}, err
	}
	return Quote{AssetID: a.ID, Symbol: a.Symbol, Date: p.Date, Price: closeOf(*p)}, nil
}

// ResolveBatch prices every id on `on` with one store round trip. Ids with
// no price on or before `on` are absent from the result. Symbol is left
// empty; callers already know it.
func (r *Resolver) ResolveBatch(ctx context.Context, assetIDs []int64, on date.Date) (map[int64]Quote, error) {
	out := make(map[int64]Quote, len(assetIDs))
	if len(assetIDs) == 0 {
		return out, nil
	}
	points, err := r.prices.LatestPrices(ctx, assetIDs, on)
	if err != nil {
		return nil, err
	}
	for id, p := range points {
		out[id] = Quote{AssetID: id, Date: p.Date, Price: closeOf(p)}
	}
	return out, nil
}

// History returns the adjusted closes of symbol up to and including end. A
// zero end returns the full history.
func (r *Resolver) History(ctx context.Context, symbol string, end date.Date) ([]Quote, error) {
	a, err := r.Asset(ctx, symbol)
	if err != nil {
		return nil, err
	}
	points, err := r.prices.PriceHistory(ctx, a.ID, end)
	if err != nil {
		return nil, err
	}
	out := make([]Quote, len(points))
	for i, p := range points {
		out[i] = Quote{AssetID: a.ID, Symbol: a.Symbol, Date: p.Date, Price: closeOf(p)}
	}
	return out, nil
}

// closeOf prefers the adjusted close and falls back to the raw close for
// rows ingested without one.
func closeOf(p model.PricePoint) decimal.Decimal {
	if p.AdjClose.IsZero() {
		return p.Close
	}
	return p.AdjClose
}
