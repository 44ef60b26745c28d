package domain

import "context"

// StrategySummary is the compact status emitted with every cycle result.
type StrategySummary struct {
	StrategyID    string         `json:"strategy_id,omitempty"`
	Name          string         `json:"name,omitempty"`
	ModelProvider string         `json:"model_provider,omitempty"`
	ModelID       string         `json:"model_id,omitempty"`
	ExchangeID    string         `json:"exchange_id,omitempty"`
	Mode          TradingMode    `json:"mode,omitempty"`
	Status        StrategyStatus `json:"status,omitempty"`
	RealizedPnL   float64        `json:"realized_pnl"`
	PnLPct        float64        `json:"pnl_pct"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	TotalValue    float64        `json:"total_value"`
	LastUpdatedTs int64          `json:"last_updated_ts,omitempty"`
}

// DecisionCycleResult is the outcome of a single decision cycle, emitted
// through the cycle sink after every cycle (including failed ones).
type DecisionCycleResult struct {
	ComposeID      string              `json:"compose_id"`
	TimestampMs    int64               `json:"timestamp_ms"`
	CycleIndex     int64               `json:"cycle_index"`
	Rationale      string              `json:"rationale,omitempty"`
	Summary        StrategySummary     `json:"strategy_summary"`
	Instructions   []TradeInstruction  `json:"instructions"`
	Trades         []TradeHistoryEntry `json:"trades"`
	HistoryRecords []HistoryRecord     `json:"history_records"`
	Digest         TradeDigest         `json:"digest"`
	Portfolio      PortfolioView       `json:"portfolio_view"`
	Err            string              `json:"error,omitempty"`
}

// Failed reports whether the cycle terminated in an error state.
func (r DecisionCycleResult) Failed() bool {
	return r.Err != ""
}

// CycleSink receives structured cycle results from a strategy runtime. The
// engine knows nothing about transports or storage schemas beyond this
// interface.
type CycleSink interface {
	// Publish delivers one cycle result. Implementations must not block the
	// cycle loop for longer than their own timeouts.
	Publish(ctx context.Context, result DecisionCycleResult) error
	// PublishStop delivers the terminal status for a stopped strategy.
	PublishStop(ctx context.Context, strategyID string, reason StopReason, detail string) error
}
