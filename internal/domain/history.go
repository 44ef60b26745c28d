package domain

// HistoryRecord kinds written by the coordinator each cycle.
const (
	RecordFeatures     = "features"
	RecordCompose      = "compose"
	RecordInstructions = "instructions"
	RecordExecution    = "execution"
)

// HistoryRecord is a generic persisted record for post-hoc analysis and digest
// building. ReferenceID is the correlation id (compose_id).
type HistoryRecord struct {
	Ts          int64          `json:"ts"`
	Kind        string         `json:"kind"`
	ReferenceID string         `json:"reference_id"`
	Payload     map[string]any `json:"payload"`
}

// TradeHistoryEntry is the durable record of an executed trade. Entries open
// with exit fields zero and are closed exactly once per lineage by populating
// exit price/ts, realized PnL, and holding time.
type TradeHistoryEntry struct {
	TradeID       string        `json:"trade_id"`
	ComposeID     string        `json:"compose_id,omitempty"`
	InstructionID string        `json:"instruction_id,omitempty"`
	StrategyID    string        `json:"strategy_id,omitempty"`
	Instrument    InstrumentRef `json:"instrument"`
	Side          Side          `json:"side"`
	Type          PositionType  `json:"type"`
	Quantity      float64       `json:"quantity"`
	EntryPrice    float64       `json:"entry_price,omitempty"`
	ExitPrice     float64       `json:"exit_price,omitempty"`
	AvgExecPrice  float64       `json:"avg_exec_price,omitempty"`
	EntryTs       int64         `json:"entry_ts,omitempty"`
	ExitTs        int64         `json:"exit_ts,omitempty"`
	TradeTs       int64         `json:"trade_ts,omitempty"`
	HoldingMs     int64         `json:"holding_ms,omitempty"`
	RealizedPnL   float64       `json:"realized_pnl,omitempty"`
	FeeCost       float64       `json:"fee_cost,omitempty"`
	Leverage      float64       `json:"leverage,omitempty"`
	Closed        bool          `json:"closed"`
	Note          string        `json:"note,omitempty"`
}

// TradeDigestEntry holds per-instrument digest stats used as historical
// guidance by composers. WinRate and AvgHoldingMs are computed over closed
// trades only; nil when no closed trades exist.
type TradeDigestEntry struct {
	Instrument   InstrumentRef `json:"instrument"`
	TradeCount   int           `json:"trade_count"`
	RealizedPnL  float64       `json:"realized_pnl"`
	WinRate      *float64      `json:"win_rate,omitempty"`
	AvgHoldingMs *int64        `json:"avg_holding_ms,omitempty"`
	LastTradeTs  int64         `json:"last_trade_ts,omitempty"`
}

// TradeDigest is the compact rolling performance summary fed into the next
// cycle's compose context. SharpeRatio is nil when the equity curve has fewer
// than two returns or zero variance.
type TradeDigest struct {
	Ts           int64                       `json:"ts"`
	ByInstrument map[string]TradeDigestEntry `json:"by_instrument"`
	SharpeRatio  *float64                    `json:"sharpe_ratio,omitempty"`
}
