package decision

import (
	"context"
	"log/slog"
	"math"

	"github.com/alanwei/tradeforge/internal/domain"
)

// RiskFilteredComposer wraps another composer and re-checks every emitted
// instruction against the hard limits of the request: quantity bounds, the
// leverage ceiling, and the open-position cap. The guardrail normalizer sizes
// plans before they become instructions; this layer is the backstop for
// composers that assemble instructions directly, so no instruction can reach
// the gateway without passing both.
type RiskFilteredComposer struct {
	inner   Composer
	request domain.UserRequest
	logger  *slog.Logger
}

// NewRiskFilteredComposer wraps the given composer.
func NewRiskFilteredComposer(inner Composer, request domain.UserRequest, logger *slog.Logger) *RiskFilteredComposer {
	return &RiskFilteredComposer{
		inner:   inner,
		request: request,
		logger:  logger.With(slog.String("component", "risk_filter")),
	}
}

// Compose delegates to the wrapped composer and filters its output. Limit
// violations clamp where possible (leverage, max order size) and drop the
// instruction otherwise; dropping never fails the cycle.
func (c *RiskFilteredComposer) Compose(ctx context.Context, cc domain.ComposeContext) (domain.ComposeResult, error) {
	result, err := c.inner.Compose(ctx, cc)
	if err != nil || len(result.Instructions) == 0 {
		return result, err
	}

	constraints := cc.Portfolio.Constraints
	if constraints.MaxPositions == 0 && constraints.MaxLeverage == 0 {
		constraints = c.request.BaseConstraints()
	}
	isSpot := c.request.ExchangeConfig.MarketType == domain.MarketTypeSpot

	active := 0
	held := make(map[string]bool, len(cc.Portfolio.Positions))
	for symbol, pos := range cc.Portfolio.Positions {
		if math.Abs(pos.Quantity) > quantityPrecision {
			active++
			held[symbol] = true
		}
	}

	kept := result.Instructions[:0]
	for _, inst := range result.Instructions {
		if inst.Quantity <= quantityPrecision {
			c.logger.Warn("dropping non-positive order quantity",
				slog.String("symbol", inst.Instrument.Symbol),
				slog.Float64("quantity", inst.Quantity),
			)
			continue
		}
		if constraints.MaxOrderQty > 0 && inst.Quantity > constraints.MaxOrderQty {
			inst.Quantity = constraints.MaxOrderQty
		}
		if inst.Quantity < constraints.MinTradeQty {
			c.logger.Warn("dropping order below min trade quantity",
				slog.String("symbol", inst.Instrument.Symbol),
				slog.Float64("quantity", inst.Quantity),
				slog.Float64("min_trade_qty", constraints.MinTradeQty),
			)
			continue
		}

		if isSpot {
			inst.Leverage = 1
		} else {
			if inst.Leverage <= 0 {
				inst.Leverage = 1
			}
			if constraints.MaxLeverage > 0 && inst.Leverage > constraints.MaxLeverage {
				c.logger.Warn("clamping leverage to ceiling",
					slog.String("symbol", inst.Instrument.Symbol),
					slog.Float64("requested", inst.Leverage),
					slog.Float64("max", constraints.MaxLeverage),
				)
				inst.Leverage = constraints.MaxLeverage
			}
		}

		opensNew := !held[inst.Instrument.Symbol] &&
			(inst.Action == domain.ActionOpenLong || inst.Action == domain.ActionOpenShort)
		if opensNew && constraints.MaxPositions > 0 && active >= constraints.MaxPositions {
			c.logger.Warn("dropping open beyond position cap",
				slog.String("symbol", inst.Instrument.Symbol),
				slog.Int("active", active),
				slog.Int("max", constraints.MaxPositions),
			)
			continue
		}
		if opensNew {
			active++
			held[inst.Instrument.Symbol] = true
		}

		kept = append(kept, inst)
	}

	result.Instructions = kept
	return result, nil
}

// Compile-time interface check.
var _ Composer = (*RiskFilteredComposer)(nil)
