package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stocksim/sim-engine/internal/date"
	"github.com/stocksim/sim-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the catalog and last-known-close lookups. Ledger, session and
// rate operations pass straight through.
//
// Staleness is bounded: every entry expires after ttl, and UpsertPrices
// through this store deletes the cached lookups of the touched assets, so a
// price ingested elsewhere is visible after at most one ttl.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertAsset(ctx context.Context, a *model.Asset) error {
	if err := s.Store.UpsertAsset(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, assetIDKey(a.ID), assetSymbolKey(a.Symbol))
	return nil
}

func (s *CachedStore) UpsertPrices(ctx context.Context, points []model.PricePoint) error {
	if err := s.Store.UpsertPrices(ctx, points); err != nil {
		return err
	}
	seen := make(map[int64]bool)
	for _, p := range points {
		if seen[p.AssetID] {
			continue
		}
		seen[p.AssetID] = true
		s.bustPrices(ctx, p.AssetID)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAsset(ctx context.Context, id int64) (*model.Asset, error) {
	if a, ok := s.cachedAsset(ctx, assetIDKey(id)); ok {
		return a, nil
	}
	a, err := s.Store.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheAsset(ctx, a)
	return a, nil
}

func (s *CachedStore) GetAssetBySymbol(ctx context.Context, symbol string) (*model.Asset, error) {
	if a, ok := s.cachedAsset(ctx, assetSymbolKey(symbol)); ok {
		return a, nil
	}
	a, err := s.Store.GetAssetBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.cacheAsset(ctx, a)
	return a, nil
}

func (s *CachedStore) LatestPrice(ctx context.Context, assetID int64, on date.Date) (*model.PricePoint, error) {
	data, err := s.rdb.Get(ctx, priceKey(assetID, on)).Bytes()
	if err == nil {
		var p model.PricePoint
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss. Misses are not cached so a freshly ingested price shows up
	// on the next call.
	p, err := s.Store.LatestPrice(ctx, assetID, on)
	if err != nil {
		return nil, err
	}
	s.cachePrice(ctx, on, p)
	return p, nil
}

func (s *CachedStore) LatestPrices(ctx context.Context, assetIDs []int64, on date.Date) (map[int64]model.PricePoint, error) {
	out := make(map[int64]model.PricePoint, len(assetIDs))
	if len(assetIDs) == 0 {
		return out, nil
	}

	keys := make([]string, len(assetIDs))
	for i, id := range assetIDs {
		keys[i] = priceKey(id, on)
	}

	var misses []int64
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		misses = assetIDs
	} else {
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				misses = append(misses, assetIDs[i])
				continue
			}
			var p model.PricePoint
			if json.Unmarshal([]byte(str), &p) != nil {
				misses = append(misses, assetIDs[i])
				continue
			}
			out[assetIDs[i]] = p
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := s.Store.LatestPrices(ctx, misses, on)
	if err != nil {
		return nil, err
	}
	for id, p := range fetched {
		out[id] = p
		s.cachePrice(ctx, on, &p)
	}
	return out, nil
}

// --- Cache helpers ---

func (s *CachedStore) cachedAsset(ctx context.Context, key string) (*model.Asset, bool) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var a model.Asset
	if json.Unmarshal(data, &a) != nil {
		return nil, false
	}
	return &a, true
}

func (s *CachedStore) cacheAsset(ctx context.Context, a *model.Asset) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, assetIDKey(a.ID), data, s.ttl)
		s.rdb.Set(ctx, assetSymbolKey(a.Symbol), data, s.ttl)
	}
}

func (s *CachedStore) cachePrice(ctx context.Context, on date.Date, p *model.PricePoint) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, priceKey(p.AssetID, on), data, s.ttl)
	}
}

func (s *CachedStore) bustPrices(ctx context.Context, assetID int64) {
	iter := s.rdb.Scan(ctx, 0, fmt.Sprintf("price:%d:*", assetID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		slog.Warn("price cache bust failed", "asset_id", assetID, "err", err)
		return
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
}

func assetIDKey(id int64) string             { return fmt.Sprintf("asset:id:%d", id) }
func assetSymbolKey(symbol string) string    { return "asset:symbol:" + strings.ToUpper(symbol) }
func priceKey(id int64, on date.Date) string { return fmt.Sprintf("price:%d:%s", id, on) }
