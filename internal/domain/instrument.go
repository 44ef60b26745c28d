// Package domain defines the core data model for the trading engine: market
// data, features, portfolio state, trade instructions, execution results, and
// the interfaces implemented by storage and cache backends.
package domain

// InstrumentRef identifies a tradable instrument. Immutable value, compared by
// equality.
type InstrumentRef struct {
	Symbol     string `json:"symbol"`
	ExchangeID string `json:"exchange_id,omitempty"`
}

// Candle is an aggregated OHLCV bar for a fixed interval. Ts is the candle end
// timestamp in milliseconds.
type Candle struct {
	Ts         int64         `json:"ts"`
	Instrument InstrumentRef `json:"instrument"`
	Open       float64       `json:"open"`
	High       float64       `json:"high"`
	Low        float64       `json:"low"`
	Close      float64       `json:"close"`
	Volume     float64       `json:"volume"`
	Interval   string        `json:"interval"`
}

// SnapshotEntry is the point-in-time market state for one instrument as
// returned by a market data source.
type SnapshotEntry struct {
	Last         float64  `json:"last"`
	Open         float64  `json:"open,omitempty"`
	High         float64  `json:"high,omitempty"`
	Low          float64  `json:"low,omitempty"`
	Bid          float64  `json:"bid,omitempty"`
	Ask          float64  `json:"ask,omitempty"`
	Volume       float64  `json:"volume,omitempty"`
	ChangePct    float64  `json:"change_pct,omitempty"`
	OpenInterest *float64 `json:"open_interest,omitempty"`
	FundingRate  *float64 `json:"funding_rate,omitempty"`
	MarkPrice    *float64 `json:"mark_price,omitempty"`
	Ts           int64    `json:"ts"`
}

// MarketSnapshot maps symbol -> point-in-time market state.
type MarketSnapshot map[string]SnapshotEntry
