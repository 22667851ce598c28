package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/veridex/pnl-engine/internal/model"
)

// CachedSource wraps the settlement-input sources with a Redis read-through
// cache. Entries expire on the TTL, so synthetic-resolution decisions never
// act on an indefinitely stale price. Absence is not cached: a market with
// no resolution today may resolve tomorrow.
type CachedSource struct {
	resolutions ResolutionSource
	prices      PriceSource
	rdb         *redis.Client
	ttl         time.Duration
}

// NewCachedSource creates a cached wrapper around the primary sources.
func NewCachedSource(resolutions ResolutionSource, prices PriceSource, rdb *redis.Client, ttl time.Duration) *CachedSource {
	return &CachedSource{
		resolutions: resolutions,
		prices:      prices,
		rdb:         rdb,
		ttl:         ttl,
	}
}

func (s *CachedSource) FetchResolutions(ctx context.Context, marketIDs []string) (map[string]model.Resolution, error) {
	out := make(map[string]model.Resolution)
	var misses []string

	for _, id := range marketIDs {
		data, err := s.rdb.Get(ctx, resolutionKey(id)).Bytes()
		if err == nil {
			var res model.Resolution
			if json.Unmarshal(data, &res) == nil {
				out[id] = res
				continue
			}
		}
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return out, nil
	}

	// Cache miss: read from primary and re-populate.
	fetched, err := s.resolutions.FetchResolutions(ctx, misses)
	if err != nil {
		return nil, err
	}
	for id, res := range fetched {
		out[id] = res
		if data, err := json.Marshal(res); err == nil {
			s.rdb.Set(ctx, resolutionKey(id), data, s.ttl)
		}
	}
	return out, nil
}

func (s *CachedSource) FetchMarkPrices(ctx context.Context, refs []model.OutcomeRef) (map[model.OutcomeRef]decimal.Decimal, error) {
	out := make(map[model.OutcomeRef]decimal.Decimal)
	var misses []model.OutcomeRef

	for _, ref := range refs {
		str, err := s.rdb.Get(ctx, markKey(ref)).Result()
		if err == nil {
			if price, perr := decimal.NewFromString(str); perr == nil {
				out[ref] = price
				continue
			}
		}
		misses = append(misses, ref)
	}
	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := s.prices.FetchMarkPrices(ctx, misses)
	if err != nil {
		return nil, err
	}
	for ref, price := range fetched {
		out[ref] = price
		s.rdb.Set(ctx, markKey(ref), price.String(), s.ttl)
	}
	return out, nil
}

// --- Cache keys ---

func resolutionKey(marketID string) string { return fmt.Sprintf("resolution:%s", marketID) }
func markKey(ref model.OutcomeRef) string {
	return fmt.Sprintf("mark:%s:%d", ref.MarketID, ref.OutcomeIndex)
}
