package decision

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/alanwei/tradeforge/internal/domain"
	"github.com/alanwei/tradeforge/internal/features"
)

// systemPrompt captures the planner's role, IO contract, and constraint
// handling. Trading style belongs to the per-strategy prompt text.
const systemPrompt = `ROLE & IDENTITY
You are an autonomous trading planner that outputs a structured plan for a crypto strategy executor. Your objective is to maximize risk-adjusted returns while preserving capital. You are stateless across cycles.

ACTION SEMANTICS
- action must be one of: open_long, open_short, close_long, close_short, noop.
- target_qty is the OPERATION SIZE (units) for this action, not the final position. It is a positive magnitude; the executor computes target position from the action and current_qty, then derives delta and orders.
- For derivatives (one-way positions): opening on the opposite side implies first flattening to 0 then opening the requested side; the executor handles this split.
- For spot: only open_long/close_long are valid; open_short/close_short will be treated as reducing toward 0 or ignored.
- One item per symbol at most. No hedging (never propose both long and short exposure on the same symbol).

CONSTRAINTS & VALIDATION
- Respect max_positions, max_leverage, quantity_step, min_trade_qty, max_order_qty, min_notional, and available buying power.
- Keep leverage positive if provided. Confidence must be in [0,1].
- If arrays appear in Context, they are ordered: OLDEST -> NEWEST (last is the most recent).
- When estimating quantity, account for estimated fees and potential market movement; reserve a small buffer so executed size does not exceed intended risk after fees/slippage.

DECISION FRAMEWORK
- Manage current positions first (reduce risk, close invalidated trades).
- Only propose new exposure when constraints and buying power allow.
- Prefer fewer, higher-quality actions; choose noop when edge is weak.
- Use each position's entry_ts as a churn deterrent: avoid re-entering or flipping an instrument shortly after entry unless the new signal is strong and constraints allow it.

MARKET FEATURES
Context.features.market_snapshot holds per-symbol references from the latest exchange snapshot: price.last/open/high/low/bid/ask, price.change_pct, price.volume, open_interest, funding.rate, funding.mark_price. Treat these as authoritative for the current decision loop. When a datum is missing, assume it is unavailable; do not infer.

CONTEXT SUMMARY
summary.active_positions is the count of non-zero positions. summary.total_value is current equity. summary.account_balance is post-financing cash and may be negative under borrowing. summary.free_cash is the primary sizing budget for new exposure; do not exceed it. If summary.unrealized_pnl is materially negative, prefer de-risking or noop.

PERFORMANCE FEEDBACK
summary.sharpe_ratio is the risk-adjusted performance of recent cycles.
- Sharpe < -0.5: stop trading; choose noop for several cycles and wait for stronger signals.
- Sharpe -0.5 to 0: tighten entry criteria, reduce frequency, hold positions longer.
- Sharpe 0 to 0.7: maintain current discipline; do not overtrade.
- Sharpe > 0.7: the strategy is working; maintain discipline, modest size increases allowed within constraints.
The Sharpe ratio naturally penalizes overtrading and premature exits; patience and selectivity are rewarded.`

// promptInstructions is the fixed preamble prepended to the JSON context.
const promptInstructions = "Read Context and decide. " +
	"features.1m = structural trends (240 periods), features.1s = realtime signals (180 periods). " +
	"market.funding_rate: positive = longs pay shorts. " +
	"Respect constraints. Prefer NOOP when edge unclear. " +
	"Output JSON with items array."

type promptSummary struct {
	ActivePositions int      `json:"active_positions"`
	TotalValue      float64  `json:"total_value"`
	AccountBalance  float64  `json:"account_balance"`
	FreeCash        float64  `json:"free_cash"`
	UnrealizedPnL   float64  `json:"unrealized_pnl"`
	SharpeRatio     *float64 `json:"sharpe_ratio,omitempty"`
}

type promptPosition struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	EntryTs       int64   `json:"entry_ts,omitempty"`
}

type promptPayload struct {
	StrategyPrompt string                            `json:"strategy_prompt"`
	Summary        promptSummary                     `json:"summary"`
	Market         map[string]map[string]float64     `json:"market"`
	Features       map[string][]domain.FeatureVector `json:"features"`
	Positions      []promptPosition                  `json:"positions"`
	Constraints    domain.Constraints                `json:"constraints"`
}

// strategyPromptText fuses the custom prompt and prompt text, falling back to
// a generated symbol mention.
func strategyPromptText(cfg domain.TradingConfig) string {
	switch {
	case cfg.CustomPrompt != "" && cfg.PromptText != "":
		return cfg.CustomPrompt + "\n\n" + cfg.PromptText
	case cfg.CustomPrompt != "":
		return cfg.CustomPrompt
	case cfg.PromptText != "":
		return cfg.PromptText
	}
	return fmt.Sprintf("Compose trading instructions for symbols: %s.", strings.Join(cfg.Symbols, ", "))
}

// buildPrompt serializes the compose context into the model's user message:
// a fixed instruction line plus a compact JSON context with summary, market
// snapshot, grouped features, open positions, and constraints.
func buildPrompt(request domain.UserRequest, cc domain.ComposeContext) (string, error) {
	pv := cc.Portfolio
	grouped := features.GroupFeatures(cc.Features)

	market := make(map[string]map[string]float64)
	for _, fv := range grouped[domain.GroupMarketSnapshot] {
		market[fv.Instrument.Symbol] = fv.Values
	}

	var positions []promptPosition
	for symbol, snap := range pv.Positions {
		if math.Abs(snap.Quantity) <= 0 {
			continue
		}
		positions = append(positions, promptPosition{
			Symbol:        symbol,
			Qty:           snap.Quantity,
			UnrealizedPnL: snap.UnrealizedPnL,
			EntryTs:       snap.EntryTs,
		})
	}

	payload := promptPayload{
		StrategyPrompt: strategyPromptText(request.TradingConfig),
		Summary: promptSummary{
			ActivePositions: pv.OpenPositionCount(),
			TotalValue:      pv.TotalValue,
			AccountBalance:  pv.AccountBalance,
			FreeCash:        pv.FreeCash,
			UnrealizedPnL:   pv.TotalUnrealizedPnL,
			SharpeRatio:     cc.Digest.SharpeRatio,
		},
		Market:      market,
		Features:    grouped,
		Positions:   positions,
		Constraints: pv.Constraints,
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("decision: marshal prompt context: %w", err)
	}
	return promptInstructions + "\n\nContext:\n" + string(encoded), nil
}
