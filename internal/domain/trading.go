package domain

// TradingMode selects between simulated and real order execution.
type TradingMode string

const (
	TradingModePaper TradingMode = "paper"
	TradingModeLive  TradingMode = "live"
)

// MarketType distinguishes spot markets from perpetual swaps.
type MarketType string

const (
	MarketTypeSpot MarketType = "spot"
	MarketTypePerp MarketType = "perp"
)

// MarginMode selects isolated vs cross margin for derivative positions.
type MarginMode string

const (
	MarginModeIsolated MarginMode = "isolated"
	MarginModeCross    MarginMode = "cross"
)

// Side is the execution direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionType is the semantic direction of a position lineage.
type PositionType string

const (
	PositionLong  PositionType = "long"
	PositionShort PositionType = "short"
)

// StrategyStatus is the high-level runtime status of a strategy instance.
type StrategyStatus string

const (
	StrategyRunning StrategyStatus = "running"
	StrategyStopped StrategyStatus = "stopped"
)

// StopReason records why a strategy runtime terminated.
type StopReason string

const (
	StopNormalExit            StopReason = "normal_exit"
	StopCancelled             StopReason = "cancelled"
	StopError                 StopReason = "error"
	StopErrorClosingPositions StopReason = "error_closing_positions"
)

// PolicyName selects a decision composer implementation.
type PolicyName string

const (
	PolicyLLM  PolicyName = "llm"
	PolicyGrid PolicyName = "grid"
)
