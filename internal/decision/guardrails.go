package decision

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/alanwei/tradeforge/internal/domain"
	"github.com/alanwei/tradeforge/internal/features"
)

// quantityPrecision is the epsilon below which quantities are treated as zero.
const quantityPrecision = 1e-9

// Instruction meta keys written by the normalizer.
const (
	MetaAction             = "action"
	MetaRequestedTargetQty = "requested_target_qty"
	MetaCurrentQty         = "current_qty"
	MetaFinalTargetQty     = "final_target_qty"
	MetaConfidence         = "confidence"
	MetaRationale          = "rationale"
	MetaReduceOnly         = "reduce_only"
)

// normalizer converts plan proposals into executable instructions, enforcing
// quantity filters, position and leverage caps, and buying power. Every
// composer shares this layer so no instruction can bypass it.
type normalizer struct {
	request     domain.UserRequest
	slippageBps float64
	logger      *slog.Logger
}

func newNormalizer(request domain.UserRequest, logger *slog.Logger) *normalizer {
	return &normalizer{
		request:     request,
		slippageBps: domain.DefaultSlippageBps,
		logger:      logger.With(slog.String("component", "guardrails")),
	}
}

// riskContext is the sizing state threaded through a single normalization run.
type riskContext struct {
	equity         float64
	allowedLev     float64
	constraints    domain.Constraints
	projectedGross float64
	priceMap       map[string]float64
}

// riskContext derives equity, the leverage ceiling, and projected gross
// exposure from the portfolio view. Spot equity is cash only and leverage is
// pinned to 1x.
func (n *normalizer) riskContext(cc domain.ComposeContext) riskContext {
	constraints := cc.Portfolio.Constraints
	if constraints.MaxPositions == 0 && constraints.MaxLeverage == 0 {
		constraints = n.request.BaseConstraints()
	}

	var equity float64
	if n.request.ExchangeConfig.MarketType == domain.MarketTypeSpot {
		equity = cc.Portfolio.AccountBalance
	} else {
		equity = cc.Portfolio.TotalValue
	}

	allowedLev := 1.0
	if n.request.ExchangeConfig.MarketType != domain.MarketTypeSpot && constraints.MaxLeverage > 0 {
		allowedLev = constraints.MaxLeverage
	}

	return riskContext{
		equity:         equity,
		allowedLev:     allowedLev,
		constraints:    constraints,
		projectedGross: cc.Portfolio.GrossExposure,
		priceMap:       features.PriceMap(cc.Features),
	}
}

// NormalizePlan converts a plan proposal into executable instructions. Items
// that flip position direction split into a flatten step followed by an open
// step; every emitted quantity has passed the filters, the cap, and the
// buying-power clamp against the projected (not just current) book.
func (n *normalizer) NormalizePlan(cc domain.ComposeContext, plan domain.TradePlanProposal) []domain.TradeInstruction {
	rc := n.riskContext(cc)
	isSpot := n.request.ExchangeConfig.MarketType == domain.MarketTypeSpot

	projected := make(map[string]float64, len(cc.Portfolio.Positions))
	for symbol, snap := range cc.Portfolio.Positions {
		projected[symbol] = snap.Quantity
	}
	activePositions := 0
	for _, qty := range projected {
		if math.Abs(qty) > quantityPrecision {
			activePositions++
		}
	}

	var instructions []domain.TradeInstruction

	for idx, item := range plan.Items {
		symbol := item.Instrument.Symbol
		currentQty := projected[symbol]

		targetQty := resolveTargetQuantity(item, currentQty)
		if isSpot && targetQty < 0 {
			targetQty = 0
		}

		// A direction flip never executes as one order: flatten first, then
		// open the opposite side.
		subTargets := []float64{targetQty}
		if currentQty*targetQty < 0 {
			subTargets = []float64{0, targetQty}
		}

		localCurrent := currentQty
		for subIdx, subTarget := range subTargets {
			delta := subTarget - localCurrent
			if math.Abs(delta) <= quantityPrecision {
				continue
			}

			isNewPosition := math.Abs(localCurrent) <= quantityPrecision && math.Abs(subTarget) > quantityPrecision
			if isNewPosition && rc.constraints.MaxPositions > 0 && activePositions >= rc.constraints.MaxPositions {
				n.logger.Warn("skipping open, max positions reached",
					slog.String("symbol", symbol),
					slog.Int("active", activePositions),
					slog.Int("max", rc.constraints.MaxPositions),
				)
				continue
			}

			side := domain.SideBuy
			if delta < 0 {
				side = domain.SideSell
			}

			finalLeverage := 1.0
			if !isSpot {
				requestedLev := item.Leverage
				if requestedLev <= 0 {
					requestedLev = 1
				}
				allowedLevItem := requestedLev
				if rc.constraints.MaxLeverage > 0 {
					allowedLevItem = rc.constraints.MaxLeverage
				}
				finalLeverage = math.Max(1, math.Min(requestedLev, allowedLevItem))
			}

			quantity, consumedBP := n.normalizeQuantity(symbol, math.Abs(delta), side, localCurrent, rc)
			if quantity <= quantityPrecision {
				continue
			}

			signedDelta := quantity
			if side == domain.SideSell {
				signedDelta = -quantity
			}
			projected[symbol] = localCurrent + signedDelta
			rc.projectedGross += consumedBP

			if isNewPosition {
				activePositions++
			}
			if math.Abs(projected[symbol]) <= quantityPrecision {
				activePositions = max(activePositions-1, 0)
			}

			instructions = append(instructions, n.buildInstruction(
				cc, idx*10+subIdx, item, side, quantity, finalLeverage, localCurrent, subTarget,
			))

			localCurrent = projected[symbol]
		}
	}

	return instructions
}

// resolveTargetQuantity maps a plan action plus operation magnitude onto the
// intended final position. Close actions never overshoot zero; closing an
// absent position keeps the current quantity.
func resolveTargetQuantity(item domain.TradeDecisionItem, currentQty float64) float64 {
	if item.Action == domain.ActionNoop {
		return currentQty
	}

	mag := math.Abs(item.TargetQty)
	switch item.Action {
	case domain.ActionOpenLong:
		base := 0.0
		if currentQty > 0 {
			base = currentQty
		}
		return base + mag
	case domain.ActionOpenShort:
		base := 0.0
		if currentQty < 0 {
			base = currentQty
		}
		return base - mag
	case domain.ActionCloseLong:
		if currentQty > 0 {
			return math.Max(currentQty-mag, 0)
		}
		return currentQty
	case domain.ActionCloseShort:
		if currentQty < 0 {
			return math.Min(currentQty+mag, 0)
		}
		return currentQty
	}
	return currentQty
}

// normalizeQuantity runs one order quantity through the guardrail chain and
// returns the final quantity plus the buying power it consumes. Returns zero
// when the order is filtered out entirely.
func (n *normalizer) normalizeQuantity(symbol string, quantity float64, side domain.Side, currentQty float64, rc riskContext) (float64, float64) {
	qty := n.applyQuantityFilters(symbol, quantity, rc.constraints, rc.priceMap)
	if qty <= quantityPrecision {
		return 0, 0
	}

	// Notional cap: final absolute position must not exceed the lesser of the
	// cap-factor notional and the leverage-backed notional.
	price, hasPrice := rc.priceMap[symbol]
	hasPrice = hasPrice && price > 0
	if hasPrice {
		capFactor := n.request.TradingConfig.CapFactor
		if capFactor <= 0 {
			capFactor = domain.DefaultCapFactor
		}
		maxAbsByFactor := capFactor * rc.equity / price
		maxAbsByLev := rc.allowedLev * rc.equity / price
		maxAbsFinal := math.Min(maxAbsByFactor, maxAbsByLev)

		desiredFinal := currentQty + qty
		if side == domain.SideSell {
			desiredFinal = currentQty - qty
		}
		if math.Abs(desiredFinal) > maxAbsFinal {
			newQty := math.Max(0, maxAbsFinal-math.Abs(currentQty))
			if newQty < qty {
				qty = newQty
			}
		}
	}
	if qty <= quantityPrecision {
		return 0, 0
	}

	var finalQty float64
	if !hasPrice {
		// No price reference: allow only de-risking orders, clamped so they
		// cannot overshoot zero.
		isReduction := (side == domain.SideBuy && currentQty < 0) || (side == domain.SideSell && currentQty > 0)
		if !isReduction {
			n.logger.Warn("blocking exposure-increasing order without price reference",
				slog.String("symbol", symbol),
				slog.String("side", string(side)),
			)
			return 0, 0
		}
		finalQty = math.Min(qty, math.Abs(currentQty))
	} else {
		var availBP float64
		if n.request.ExchangeConfig.MarketType == domain.MarketTypeSpot {
			availBP = math.Max(0, rc.equity)
		} else {
			availBP = math.Max(0, rc.equity*rc.allowedLev-rc.projectedGross)
		}

		// Price the clamp with a slippage buffer so a planned increase still
		// fits after adverse execution.
		effectivePx := price * (1 + n.slippageBps/10_000)
		apUnits := 0.0
		if availBP > 0 {
			apUnits = availBP / effectivePx
		}

		// Reductions up to twice the current absolute position consume no
		// buying power (reduce, or reduce-then-reopen within the same gross).
		a := math.Abs(currentQty)
		var allowed float64
		reducing := (side == domain.SideBuy && currentQty < 0) || (side == domain.SideSell && currentQty > 0)
		if reducing {
			if qty <= 2*a {
				allowed = qty
			} else {
				allowed = 2*a + apUnits
			}
		} else {
			allowed = apUnits
		}

		finalQty = math.Max(0, math.Min(qty, allowed))
	}

	if finalQty <= quantityPrecision {
		return 0, 0
	}

	var consumedBP float64
	if hasPrice {
		absBefore := math.Abs(currentQty)
		absAfter := math.Abs(currentQty + finalQty)
		if side == domain.SideSell {
			absAfter = math.Abs(currentQty - finalQty)
		}
		if deltaAbs := absAfter - absBefore; deltaAbs > 0 {
			consumedBP = deltaAbs * price * (1 + n.slippageBps/10_000)
		}
	}
	return finalQty, consumedBP
}

// applyQuantityFilters enforces per-order exchange filters: max order size,
// step-size flooring, minimum trade quantity, and minimum notional.
func (n *normalizer) applyQuantityFilters(symbol string, quantity float64, constraints domain.Constraints, priceMap map[string]float64) float64 {
	qty := quantity

	if constraints.MaxOrderQty > 0 {
		qty = math.Min(qty, constraints.MaxOrderQty)
	}
	if constraints.QuantityStep > 0 {
		qty = math.Floor(qty/constraints.QuantityStep) * constraints.QuantityStep
	}
	if qty <= 0 {
		return 0
	}
	if qty < constraints.MinTradeQty {
		n.logger.Warn("order below min trade quantity",
			slog.String("symbol", symbol),
			slog.Float64("qty", qty),
			slog.Float64("min_trade_qty", constraints.MinTradeQty),
		)
		return 0
	}
	if constraints.MinNotional > 0 {
		price, ok := priceMap[symbol]
		if !ok || price <= 0 {
			n.logger.Warn("no price reference for min notional check", slog.String("symbol", symbol))
			return 0
		}
		if qty*price < constraints.MinNotional {
			return 0
		}
	}
	return qty
}

func (n *normalizer) buildInstruction(cc domain.ComposeContext, idx int, item domain.TradeDecisionItem, side domain.Side, quantity, leverage, currentQty, targetQty float64) domain.TradeInstruction {
	finalTarget := currentQty + quantity
	if side == domain.SideSell {
		finalTarget = currentQty - quantity
	}

	meta := map[string]string{
		MetaAction:             string(item.Action),
		MetaRequestedTargetQty: formatQty(targetQty),
		MetaCurrentQty:         formatQty(currentQty),
		MetaFinalTargetQty:     formatQty(finalTarget),
	}
	if item.Confidence > 0 {
		meta[MetaConfidence] = formatQty(item.Confidence)
	}
	if item.Rationale != "" {
		meta[MetaRationale] = item.Rationale
	}
	// Mark exposure-reducing derivative orders so the gateway cannot flip the
	// position on a stale book.
	if n.request.ExchangeConfig.MarketType != domain.MarketTypeSpot && math.Abs(finalTarget) < math.Abs(currentQty) {
		meta[MetaReduceOnly] = "true"
	}

	return domain.TradeInstruction{
		InstructionID:  fmt.Sprintf("%s:%s:%d", cc.ComposeID, item.Instrument.Symbol, idx),
		ComposeID:      cc.ComposeID,
		Instrument:     item.Instrument,
		Action:         item.Action,
		Side:           side,
		Quantity:       quantity,
		Leverage:       leverage,
		MaxSlippageBps: n.slippageBps,
		Meta:           meta,
	}
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
