package domain

// Constraints are the hard guardrails enforced between decision and execution.
// Zero values mean "no limit" for the optional quantity filters.
type Constraints struct {
	MaxPositions int     `json:"max_positions,omitempty"`
	MaxLeverage  float64 `json:"max_leverage,omitempty"`
	QuantityStep float64 `json:"quantity_step,omitempty"`
	MinTradeQty  float64 `json:"min_trade_qty,omitempty"`
	MaxOrderQty  float64 `json:"max_order_qty,omitempty"`
	MinNotional  float64 `json:"min_notional,omitempty"`
}

// PositionSnapshot is the current position state for one instrument. Owned
// exclusively by the portfolio service; quantity is signed (+long, -short).
// A fully closed position leaves a tombstone with Quantity == 0 and ClosedTs
// set so one subsequent view can report the close.
type PositionSnapshot struct {
	Instrument    InstrumentRef `json:"instrument"`
	Quantity      float64       `json:"quantity"`
	AvgPrice      float64       `json:"avg_price,omitempty"`
	MarkPrice     float64       `json:"mark_price,omitempty"`
	UnrealizedPnL float64       `json:"unrealized_pnl,omitempty"`
	Notional      float64       `json:"notional,omitempty"`
	Leverage      float64       `json:"leverage,omitempty"`
	EntryTs       int64         `json:"entry_ts,omitempty"`
	ClosedTs      int64         `json:"closed_ts,omitempty"`
	TradeType     PositionType  `json:"trade_type,omitempty"`
}

// PortfolioView is a point-in-time, read-only snapshot of portfolio state.
// Views are copy-on-read: mutating a view never affects the ledger.
type PortfolioView struct {
	StrategyID         string                      `json:"strategy_id,omitempty"`
	Ts                 int64                       `json:"ts"`
	AccountBalance     float64                     `json:"account_balance"`
	Positions          map[string]PositionSnapshot `json:"positions"`
	GrossExposure      float64                     `json:"gross_exposure"`
	NetExposure        float64                     `json:"net_exposure"`
	Constraints        Constraints                 `json:"constraints"`
	TotalValue         float64                     `json:"total_value"`
	TotalUnrealizedPnL float64                     `json:"total_unrealized_pnl"`
	TotalRealizedPnL   float64                     `json:"total_realized_pnl"`
	BuyingPower        float64                     `json:"buying_power"`
	FreeCash           float64                     `json:"free_cash"`
}

// OpenPositionCount returns the number of positions with non-zero quantity.
func (pv PortfolioView) OpenPositionCount() int {
	n := 0
	for _, snap := range pv.Positions {
		if snap.Quantity != 0 {
			n++
		}
	}
	return n
}
