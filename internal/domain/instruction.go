package domain

// TradeDecisionAction is the position-oriented intent produced by a composer
// before normalization.
//
//   - OPEN_LONG: open/increase long; if currently short, flatten then open long
//   - OPEN_SHORT: open/increase short; if currently long, flatten then open short
//   - CLOSE_LONG: reduce/close long toward 0
//   - CLOSE_SHORT: reduce/close short toward 0
//   - NOOP: no operation
type TradeDecisionAction string

const (
	ActionOpenLong   TradeDecisionAction = "open_long"
	ActionOpenShort  TradeDecisionAction = "open_short"
	ActionCloseLong  TradeDecisionAction = "close_long"
	ActionCloseShort TradeDecisionAction = "close_short"
	ActionNoop       TradeDecisionAction = "noop"
)

// SideForAction derives the execution side for an action. The second return is
// false for NOOP and unknown actions, which have no executable side.
func SideForAction(action TradeDecisionAction) (Side, bool) {
	switch action {
	case ActionOpenLong, ActionCloseShort:
		return SideBuy, true
	case ActionOpenShort, ActionCloseLong:
		return SideSell, true
	default:
		return "", false
	}
}

// TradeDecisionItem is one plan item. TargetQty is the operation size
// (magnitude, same unit as position quantity), not a final target position.
type TradeDecisionItem struct {
	Instrument InstrumentRef       `json:"instrument"`
	Action     TradeDecisionAction `json:"action"`
	TargetQty  float64             `json:"target_qty"`
	Leverage   float64             `json:"leverage,omitempty"`
	Confidence float64             `json:"confidence,omitempty"`
	Rationale  string              `json:"rationale,omitempty"`
}

// TradePlanProposal is a composer's structured output before guardrail
// normalization.
type TradePlanProposal struct {
	Ts        int64               `json:"ts,omitempty"`
	Items     []TradeDecisionItem `json:"items"`
	Rationale string              `json:"rationale,omitempty"`
}

// TradeInstruction is an executable order emitted by a composer after
// normalization. Immutable; consumed exactly once by the execution gateway.
type TradeInstruction struct {
	InstructionID  string              `json:"instruction_id"`
	ComposeID      string              `json:"compose_id"`
	Instrument     InstrumentRef       `json:"instrument"`
	Action         TradeDecisionAction `json:"action,omitempty"`
	Side           Side                `json:"side"`
	Quantity       float64             `json:"quantity"`
	Leverage       float64             `json:"leverage,omitempty"`
	MaxSlippageBps float64             `json:"max_slippage_bps,omitempty"`
	Meta           map[string]string   `json:"meta,omitempty"`
}

// TxStatus is the execution status of a submitted instruction.
type TxStatus string

const (
	TxFilled   TxStatus = "filled"
	TxPartial  TxStatus = "partial"
	TxRejected TxStatus = "rejected"
	TxError    TxStatus = "error"
)

// Succeeded reports whether the result carries an applied fill.
func (s TxStatus) Succeeded() bool {
	return s == TxFilled || s == TxPartial
}

// TxResult is the outcome of executing one TradeInstruction. Exactly one
// result is produced per instruction; REJECTED/ERROR results carry a reason
// and are no-ops on the ledger.
type TxResult struct {
	InstructionID string            `json:"instruction_id"`
	Instrument    InstrumentRef     `json:"instrument"`
	Side          Side              `json:"side"`
	RequestedQty  float64           `json:"requested_qty"`
	FilledQty     float64           `json:"filled_qty"`
	AvgExecPrice  float64           `json:"avg_exec_price,omitempty"`
	SlippageBps   float64           `json:"slippage_bps,omitempty"`
	FeeCost       float64           `json:"fee_cost,omitempty"`
	Leverage      float64           `json:"leverage,omitempty"`
	Status        TxStatus          `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// ComposeContext is the full input bundle for one decision cycle. ComposeID is
// fresh per cycle and correlates instructions, trades, and history entries.
type ComposeContext struct {
	Ts         int64           `json:"ts"`
	ComposeID  string          `json:"compose_id"`
	StrategyID string          `json:"strategy_id,omitempty"`
	Features   []FeatureVector `json:"features"`
	Portfolio  PortfolioView   `json:"portfolio"`
	Digest     TradeDigest     `json:"digest"`
}

// ComposeResult is the output of one compose operation.
type ComposeResult struct {
	Instructions []TradeInstruction `json:"instructions"`
	Rationale    string             `json:"rationale,omitempty"`
}
