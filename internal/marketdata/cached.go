package marketdata

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanwei/tradeforge/internal/domain"
)

// CachedSource decorates a Source with a price cache. Snapshot results are
// written through to the cache; when the underlying source fails or returns a
// partial snapshot, last-known cached prices backfill the missing symbols so a
// transient exchange outage degrades to slightly stale data instead of an
// aborted cycle.
type CachedSource struct {
	inner  Source
	cache  domain.PriceCache
	logger *slog.Logger
}

// NewCachedSource wraps inner with the given price cache.
func NewCachedSource(inner Source, cache domain.PriceCache, logger *slog.Logger) *CachedSource {
	return &CachedSource{
		inner:  inner,
		cache:  cache,
		logger: logger.With(slog.String("component", "marketdata.cache")),
	}
}

// RecentCandles delegates to the underlying source. Candle history is not
// cached; only last prices are.
func (s *CachedSource) RecentCandles(ctx context.Context, symbols []string, interval string, lookback int) ([]domain.Candle, error) {
	return s.inner.RecentCandles(ctx, symbols, interval, lookback)
}

// Snapshot fetches from the underlying source, writes fresh prices through to
// the cache, and backfills missing symbols from the cache.
func (s *CachedSource) Snapshot(ctx context.Context, symbols []string) (domain.MarketSnapshot, error) {
	snapshot, err := s.inner.Snapshot(ctx, symbols)
	if err != nil {
		s.logger.WarnContext(ctx, "snapshot fetch failed, serving cached prices",
			slog.String("error", err.Error()),
		)
		snapshot = domain.MarketSnapshot{}
	}

	for symbol, entry := range snapshot {
		if entry.Last <= 0 {
			continue
		}
		if err := s.cache.SetPrice(ctx, symbol, entry.Last, time.UnixMilli(entry.Ts)); err != nil {
			s.logger.DebugContext(ctx, "price cache write failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	var missing []string
	for _, symbol := range symbols {
		if _, ok := snapshot[symbol]; !ok {
			missing = append(missing, symbol)
		}
	}
	if len(missing) > 0 {
		cached, err := s.cache.GetPrices(ctx, missing)
		if err != nil {
			s.logger.DebugContext(ctx, "price cache read failed",
				slog.String("error", err.Error()),
			)
			return snapshot, nil
		}
		now := time.Now().UnixMilli()
		for symbol, price := range cached {
			snapshot[symbol] = domain.SnapshotEntry{Last: price, Ts: now}
		}
	}

	return snapshot, nil
}

// Compile-time interface check.
var _ Source = (*CachedSource)(nil)
