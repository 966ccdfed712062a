package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stocksim/sim-engine/internal/date"
	"github.com/stocksim/sim-engine/internal/model"
)

const cacheTTL = time.Minute

func newCachedStore(t *testing.T) (*CachedStore, *MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	primary := NewMemoryStore()
	return NewCachedStore(primary, rdb, cacheTTL), primary, mr
}

func seedAsset(t *testing.T, s Store, symbol string, closes map[string]float64) *model.Asset {
	t.Helper()
	ctx := context.Background()
	a := &model.Asset{Symbol: symbol, Name: symbol, Type: model.AssetStocks}
	if err := s.UpsertAsset(ctx, a); err != nil {
		t.Fatal(err)
	}
	var points []model.PricePoint
	for on, c := range closes {
		points = append(points, model.PricePoint{AssetID: a.ID, Date: date.MustParse(on), Close: d(c), AdjClose: d(c)})
	}
	if err := s.UpsertPrices(ctx, points); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestCachedStore_LatestPriceReadThrough(t *testing.T) {
	cs, primary, mr := newCachedStore(t)
	ctx := context.Background()
	a := seedAsset(t, primary, "AAPL", map[string]float64{"2020-01-02": 100})
	on := date.MustParse("2020-01-03")

	p, err := cs.LatestPrice(ctx, a.ID, on)
	if err != nil {
		t.Fatal(err)
	}
	if !p.AdjClose.Equal(d(100)) {
		t.Fatalf("expected 100, got %s", p.AdjClose)
	}
	if !mr.Exists(priceKey(a.ID, on)) {
		t.Fatal("lookup should be cached after a hit")
	}
	if ttl := mr.TTL(priceKey(a.ID, on)); ttl != cacheTTL {
		t.Errorf("expected ttl %s, got %s", cacheTTL, ttl)
	}

	// Ingested behind the cache's back: stale until the entry expires.
	primary.UpsertPrices(ctx, []model.PricePoint{{AssetID: a.ID, Date: on, Close: d(105), AdjClose: d(105)}})
	p, _ = cs.LatestPrice(ctx, a.ID, on)
	if !p.AdjClose.Equal(d(100)) {
		t.Errorf("expected cached 100 before expiry, got %s", p.AdjClose)
	}

	mr.FastForward(cacheTTL)
	p, err = cs.LatestPrice(ctx, a.ID, on)
	if err != nil {
		t.Fatal(err)
	}
	if !p.AdjClose.Equal(d(105)) || p.Date != on {
		t.Errorf("expected 105 on %s after expiry, got %s on %s", on, p.AdjClose, p.Date)
	}
}

func TestCachedStore_UpsertPricesBustsLookups(t *testing.T) {
	cs, primary, mr := newCachedStore(t)
	ctx := context.Background()
	a := seedAsset(t, primary, "AAPL", map[string]float64{"2020-01-02": 100})
	b := seedAsset(t, primary, "MSFT", map[string]float64{"2020-01-02": 200})
	d3, d6 := date.MustParse("2020-01-03"), date.MustParse("2020-01-06")

	for _, on := range []date.Date{d3, d6} {
		if _, err := cs.LatestPrice(ctx, a.ID, on); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := cs.LatestPrice(ctx, b.ID, d3); err != nil {
		t.Fatal(err)
	}

	err := cs.UpsertPrices(ctx, []model.PricePoint{{AssetID: a.ID, Date: d3, Close: d(110), AdjClose: d(110)}})
	if err != nil {
		t.Fatal(err)
	}
	if mr.Exists(priceKey(a.ID, d3)) || mr.Exists(priceKey(a.ID, d6)) {
		t.Error("every cached date of the touched asset should be dropped")
	}
	if !mr.Exists(priceKey(b.ID, d3)) {
		t.Error("other assets should stay cached")
	}

	p, err := cs.LatestPrice(ctx, a.ID, d6)
	if err != nil {
		t.Fatal(err)
	}
	if !p.AdjClose.Equal(d(110)) {
		t.Errorf("expected 110 right after upsert, got %s", p.AdjClose)
	}
}

func TestCachedStore_MissesAreNotCached(t *testing.T) {
	cs, primary, mr := newCachedStore(t)
	ctx := context.Background()
	a := seedAsset(t, primary, "AAPL", map[string]float64{"2020-01-02": 100})
	before := date.MustParse("2019-12-31")

	if _, err := cs.LatestPrice(ctx, a.ID, before); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before history, got %v", err)
	}
	if mr.Exists(priceKey(a.ID, before)) {
		t.Error("a miss should not be cached")
	}

	primary.UpsertPrices(ctx, []model.PricePoint{{AssetID: a.ID, Date: before, Close: d(99), AdjClose: d(99)}})
	p, err := cs.LatestPrice(ctx, a.ID, before)
	if err != nil {
		t.Fatalf("backfilled price should be visible at once, got %v", err)
	}
	if !p.AdjClose.Equal(d(99)) {
		t.Errorf("expected 99, got %s", p.AdjClose)
	}
}

func TestCachedStore_LatestPricesMixesHitsAndMisses(t *testing.T) {
	cs, primary, mr := newCachedStore(t)
	ctx := context.Background()
	a := seedAsset(t, primary, "AAPL", map[string]float64{"2020-01-02": 100})
	b := seedAsset(t, primary, "MSFT", map[string]float64{"2020-01-02": 200})
	c := seedAsset(t, primary, "NEW", map[string]float64{"2020-02-03": 5})
	on := date.MustParse("2020-01-03")

	if _, err := cs.LatestPrice(ctx, a.ID, on); err != nil {
		t.Fatal(err)
	}
	// Changed in the primary only; the cached value must still win.
	primary.UpsertPrices(ctx, []model.PricePoint{{AssetID: a.ID, Date: on, Close: d(150), AdjClose: d(150)}})

	got, err := cs.LatestPrices(ctx, []int64{a.ID, b.ID, c.ID}, on)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected prices for 2 assets, got %+v", got)
	}
	if !got[a.ID].AdjClose.Equal(d(100)) {
		t.Errorf("expected cached 100 for AAPL, got %s", got[a.ID].AdjClose)
	}
	if !got[b.ID].AdjClose.Equal(d(200)) {
		t.Errorf("expected 200 for MSFT, got %s", got[b.ID].AdjClose)
	}
	if !mr.Exists(priceKey(b.ID, on)) {
		t.Error("fetched misses should be cached")
	}
	if mr.Exists(priceKey(c.ID, on)) {
		t.Error("an asset without history should not be cached")
	}

	empty, err := cs.LatestPrices(ctx, nil, on)
	if err != nil || len(empty) != 0 {
		t.Errorf("expected empty result for no ids, got %+v, %v", empty, err)
	}
}

func TestCachedStore_AssetLookups(t *testing.T) {
	cs, primary, mr := newCachedStore(t)
	ctx := context.Background()
	a := seedAsset(t, primary, "AAPL", nil)

	got, err := cs.GetAssetBySymbol(ctx, "aapl")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != a.ID {
		t.Errorf("expected id %d, got %d", a.ID, got.ID)
	}
	if !mr.Exists(assetIDKey(a.ID)) || !mr.Exists(assetSymbolKey("AAPL")) {
		t.Fatal("both asset keys should be cached after a lookup")
	}

	// Renamed through the cache: both keys are dropped.
	if err := cs.UpsertAsset(ctx, &model.Asset{Symbol: "AAPL", Name: "Apple Inc.", Type: model.AssetStocks}); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(assetIDKey(a.ID)) || mr.Exists(assetSymbolKey("AAPL")) {
		t.Error("upsert should drop the cached asset")
	}
	got, err = cs.GetAsset(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Apple Inc." {
		t.Errorf("expected the new name, got %q", got.Name)
	}

	if _, err := cs.GetAsset(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
