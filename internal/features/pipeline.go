package features

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanwei/tradeforge/internal/domain"
	"github.com/alanwei/tradeforge/internal/marketdata"
)

// Pipeline produces the feature set for one decision cycle. Build must
// complete before context assembly; a failure aborts the cycle (not the
// strategy).
type Pipeline interface {
	Build(ctx context.Context) (domain.FeaturesResult, error)
}

// Default lookback windows: 180 one-second bars for the realtime signal and
// 240 one-minute bars for structural trends.
const (
	microInterval  = "1s"
	microLookback  = 180
	mediumInterval = "1m"
	mediumLookback = 240
)

// DefaultPipeline runs the candle computer over a micro and a medium window
// and appends point-in-time snapshot features, merging everything into one
// feature list.
type DefaultPipeline struct {
	source   marketdata.Source
	candles  *CandleComputer
	snapshot *SnapshotComputer
	symbols  []string
	logger   *slog.Logger
}

// NewDefaultPipeline wires the default computers for the request's symbols.
// Feature key collisions across computers are a configuration error and are
// reported here, at startup, not per-cycle.
func NewDefaultPipeline(request domain.UserRequest, source marketdata.Source, logger *slog.Logger) (*DefaultPipeline, error) {
	candles := NewCandleComputer()
	snapshot := NewSnapshotComputer(request.ExchangeConfig.ExchangeID)

	if err := checkKeyCollisions(candles.Keys(), snapshot.Keys()); err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}

	// De-duplicate symbols, preserving order.
	seen := make(map[string]bool, len(request.TradingConfig.Symbols))
	var symbols []string
	for _, sym := range request.TradingConfig.Symbols {
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}

	return &DefaultPipeline{
		source:   source,
		candles:  candles,
		snapshot: snapshot,
		symbols:  symbols,
		logger:   logger.With(slog.String("component", "features")),
	}, nil
}

// Build fetches candles for both windows, computes indicator features, and
// appends market snapshot features. Candle fetch errors abort the build;
// snapshot errors do too, since the composer cannot price instructions
// without a market section.
func (p *DefaultPipeline) Build(ctx context.Context) (domain.FeaturesResult, error) {
	microCandles, err := p.source.RecentCandles(ctx, p.symbols, microInterval, microLookback)
	if err != nil {
		return domain.FeaturesResult{}, fmt.Errorf("features: fetch %s candles: %w", microInterval, err)
	}
	mediumCandles, err := p.source.RecentCandles(ctx, p.symbols, mediumInterval, mediumLookback)
	if err != nil {
		return domain.FeaturesResult{}, fmt.Errorf("features: fetch %s candles: %w", mediumInterval, err)
	}

	var features []domain.FeatureVector
	features = append(features, p.candles.Compute(mediumCandles)...)
	features = append(features, p.candles.Compute(microCandles)...)

	snapshot, err := p.source.Snapshot(ctx, p.symbols)
	if err != nil {
		return domain.FeaturesResult{}, fmt.Errorf("features: fetch market snapshot: %w", err)
	}
	marketFeatures := p.snapshot.Build(snapshot)
	features = append(features, marketFeatures...)

	p.logger.DebugContext(ctx, "features built",
		slog.Int("total", len(features)),
		slog.Int("market", len(marketFeatures)),
	)
	return domain.FeaturesResult{Features: features}, nil
}

// checkKeyCollisions verifies that computers merged into the same feature list
// emit disjoint key sets.
func checkKeyCollisions(keySets ...[]string) error {
	seen := make(map[string]bool)
	for _, keys := range keySets {
		for _, key := range keys {
			if seen[key] {
				return fmt.Errorf("feature key %q emitted by multiple computers", key)
			}
			seen[key] = true
		}
	}
	return nil
}

// Compile-time interface check.
var _ Pipeline = (*DefaultPipeline)(nil)
