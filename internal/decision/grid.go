package decision

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanwei/tradeforge/internal/domain"
	"github.com/alanwei/tradeforge/internal/features"
)

// Grid policy defaults.
const (
	defaultGridStepPct      = 0.005
	defaultGridMaxSteps     = 3
	defaultGridBaseFraction = 0.08
)

// GridComposer is the deterministic mean-reversion grid policy. It needs no
// model access: falling one grid step adds exposure, rising one step reduces
// it, and flat books open in the direction opposing the latest short-term
// move. All emitted items pass through the shared guardrail normalizer.
type GridComposer struct {
	request      domain.UserRequest
	normalizer   *normalizer
	stepPct      float64
	maxSteps     int
	baseFraction float64
	logger       *slog.Logger
}

// NewGridComposer creates a grid composer with the default grid geometry.
func NewGridComposer(request domain.UserRequest, logger *slog.Logger) *GridComposer {
	return &GridComposer{
		request:      request,
		normalizer:   newNormalizer(request, logger),
		stepPct:      defaultGridStepPct,
		maxSteps:     defaultGridMaxSteps,
		baseFraction: defaultGridBaseFraction,
		logger:       logger.With(slog.String("component", "grid_composer")),
	}
}

// Compose evaluates the grid rules per symbol and normalizes the resulting
// plan. A cycle with no triggered steps returns zero instructions with a
// no-op rationale.
func (c *GridComposer) Compose(ctx context.Context, cc domain.ComposeContext) (domain.ComposeResult, error) {
	rc := c.normalizer.riskContext(cc)
	isSpot := c.request.ExchangeConfig.MarketType == domain.MarketTypeSpot

	var items []domain.TradeDecisionItem
	for _, symbol := range dedupe(c.request.TradingConfig.Symbols) {
		price := rc.priceMap[symbol]
		if price <= 0 {
			c.logger.DebugContext(ctx, "skipping symbol without price", slog.String("symbol", symbol))
			continue
		}

		pos := cc.Portfolio.Positions[symbol]
		qty := pos.Quantity
		avgPx := pos.AvgPrice

		baseQty := math.Max(0, rc.equity*c.baseFraction/price)
		if baseQty <= 0 {
			continue
		}

		if math.Abs(qty) <= quantityPrecision {
			if item, ok := c.openItem(symbol, cc, rc, baseQty, isSpot); ok {
				items = append(items, item)
			}
			continue
		}

		k := c.stepsFromAvg(price, avgPx)
		if k <= 0 {
			continue
		}
		if item, ok := c.adjustItem(symbol, qty, price, avgPx, baseQty, k, rc, isSpot); ok {
			items = append(items, item)
		}
	}

	if len(items) == 0 {
		return domain.ComposeResult{Rationale: "Grid NOOP"}, nil
	}

	plan := domain.TradePlanProposal{
		Ts:        cc.Ts,
		Items:     items,
		Rationale: fmt.Sprintf("Grid step=%.4f, base_fraction=%.3f", c.stepPct, c.baseFraction),
	}
	return domain.ComposeResult{
		Instructions: c.normalizer.NormalizePlan(cc, plan),
		Rationale:    plan.Rationale,
	}, nil
}

// openItem decides whether a flat symbol opens, using the freshest change_pct
// feature. A short-term drop of one step opens long; a rise opens short on
// perpetual markets only.
func (c *GridComposer) openItem(symbol string, cc domain.ComposeContext, rc riskContext, baseQty float64, isSpot bool) (domain.TradeDecisionItem, bool) {
	chg, ok := features.LatestChangePct(cc.Features, symbol)
	if !ok {
		return domain.TradeDecisionItem{}, false
	}

	confidence := math.Min(1, math.Abs(chg)/(2*c.stepPct))
	instrument := domain.InstrumentRef{Symbol: symbol, ExchangeID: c.request.ExchangeConfig.ExchangeID}

	switch {
	case chg <= -c.stepPct:
		return domain.TradeDecisionItem{
			Instrument: instrument,
			Action:     domain.ActionOpenLong,
			TargetQty:  baseQty,
			Leverage:   c.openLeverage(rc, isSpot),
			Confidence: confidence,
			Rationale:  fmt.Sprintf("Grid open-long: change_pct=%.4f <= -step=%.4f", chg, c.stepPct),
		}, true
	case !isSpot && chg >= c.stepPct:
		return domain.TradeDecisionItem{
			Instrument: instrument,
			Action:     domain.ActionOpenShort,
			TargetQty:  baseQty,
			Leverage:   c.openLeverage(rc, false),
			Confidence: confidence,
			Rationale:  fmt.Sprintf("Grid open-short: change_pct=%.4f >= step=%.4f", chg, c.stepPct),
		}, true
	}
	return domain.TradeDecisionItem{}, false
}

// adjustItem scales an existing position around its average entry price: add
// on adverse moves, reduce on favorable ones, sized by the number of grid
// steps crossed.
func (c *GridComposer) adjustItem(symbol string, qty, price, avgPx, baseQty float64, k int, rc riskContext, isSpot bool) (domain.TradeDecisionItem, bool) {
	instrument := domain.InstrumentRef{Symbol: symbol, ExchangeID: c.request.ExchangeConfig.ExchangeID}
	confidence := math.Min(1, float64(k)/float64(c.maxSteps))
	down := avgPx > 0 && price <= avgPx*(1-c.stepPct)
	up := avgPx > 0 && price >= avgPx*(1+c.stepPct)

	if qty > 0 {
		switch {
		case down:
			return domain.TradeDecisionItem{
				Instrument: instrument,
				Action:     domain.ActionOpenLong,
				TargetQty:  baseQty * float64(k),
				Leverage:   c.openLeverage(rc, isSpot),
				Confidence: confidence,
				Rationale:  fmt.Sprintf("Grid long add: price %.4f <= avg %.4f by %d steps", price, avgPx, k),
			}, true
		case up:
			return domain.TradeDecisionItem{
				Instrument: instrument,
				Action:     domain.ActionCloseLong,
				TargetQty:  math.Min(math.Abs(qty), baseQty*float64(k)),
				Leverage:   1,
				Confidence: confidence,
				Rationale:  fmt.Sprintf("Grid long reduce: price %.4f >= avg %.4f by %d steps", price, avgPx, k),
			}, true
		}
		return domain.TradeDecisionItem{}, false
	}

	switch {
	case up && !isSpot:
		return domain.TradeDecisionItem{
			Instrument: instrument,
			Action:     domain.ActionOpenShort,
			TargetQty:  baseQty * float64(k),
			Leverage:   c.openLeverage(rc, false),
			Confidence: confidence,
			Rationale:  fmt.Sprintf("Grid short add: price %.4f >= avg %.4f by %d steps", price, avgPx, k),
		}, true
	case down:
		return domain.TradeDecisionItem{
			Instrument: instrument,
			Action:     domain.ActionCloseShort,
			TargetQty:  math.Min(math.Abs(qty), baseQty*float64(k)),
			Leverage:   1,
			Confidence: confidence,
			Rationale:  fmt.Sprintf("Grid short cover: price %.4f <= avg %.4f by %d steps", price, avgPx, k),
		}, true
	}
	return domain.TradeDecisionItem{}, false
}

// stepsFromAvg counts full grid steps between the mark price and the average
// entry, capped at maxSteps. An unknown average counts as one step.
func (c *GridComposer) stepsFromAvg(price, avg float64) int {
	if avg <= 0 {
		return 1
	}
	movePct := math.Abs(price/avg - 1)
	k := int(math.Floor(movePct / math.Max(c.stepPct, 1e-9)))
	return max(0, min(k, c.maxSteps))
}

func (c *GridComposer) openLeverage(rc riskContext, isSpot bool) float64 {
	if isSpot {
		return 1
	}
	lev := c.request.TradingConfig.MaxLeverage
	if lev <= 0 {
		lev = 1
	}
	if rc.constraints.MaxLeverage > 0 {
		lev = math.Min(lev, rc.constraints.MaxLeverage)
	}
	return lev
}

func dedupe(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	var out []string
	for _, sym := range symbols {
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out
}

// Compile-time interface check.
var _ Composer = (*GridComposer)(nil)
