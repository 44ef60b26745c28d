// Package marketdata provides market data access for the feature pipeline:
// a REST exchange client, a synthetic source for paper trading, a Redis-backed
// caching decorator, and a websocket ticker stream that keeps the cache warm.
package marketdata

import (
	"context"
	"strings"

	"github.com/alanwei/tradeforge/internal/domain"
)

// Source is the market data access used by feature computation. Implementations
// fetch recent candles and point-in-time snapshots for the requested symbols;
// caching and batching policies are left to the concrete types.
type Source interface {
	// RecentCandles returns up to lookback recent OHLCV bars per symbol for the
	// given interval (e.g. "1s", "1m").
	RecentCandles(ctx context.Context, symbols []string, interval string, lookback int) ([]domain.Candle, error)
	// Snapshot returns the latest market state per symbol. Symbols that fail to
	// resolve are omitted rather than failing the whole call.
	Snapshot(ctx context.Context, symbols []string) (domain.MarketSnapshot, error)
}

// NormalizeSymbol converts a dash-separated symbol ("BTC-USDT") into the
// exchange wire format ("BTCUSDT").
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.NewReplacer("-", "", "/", "").Replace(symbol))
}
