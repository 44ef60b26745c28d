package history

import (
	"math"
	"time"

	"github.com/alanwei/tradeforge/internal/domain"
)

// Annualized risk-free rate used in the Sharpe ratio.
const riskFreeRate = 0.03

const secondsPerYear = 365 * 24 * 3600

// Payload keys the coordinator writes into history records. The digest
// builder reads them back with type assertions.
const (
	PayloadTrades  = "trades"
	PayloadSummary = "summary"
)

// DigestBuilder condenses recent history records into a trade digest.
type DigestBuilder interface {
	Build(records []domain.HistoryRecord) domain.TradeDigest
}

// RollingDigestBuilder aggregates per-instrument trade stats over the most
// recent window of records and derives a Sharpe ratio from the equity curve
// carried by compose records.
type RollingDigestBuilder struct {
	window int
	now    func() time.Time
}

// NewRollingDigestBuilder creates a builder over the given record window.
func NewRollingDigestBuilder(window int) *RollingDigestBuilder {
	if window < 1 {
		window = 1
	}
	return &RollingDigestBuilder{window: window, now: time.Now}
}

type instrumentStats struct {
	wins           int
	losses         int
	holdingMsSum   int64
	holdingMsCount int64
}

// Build walks execution records in the window and accumulates trade count,
// realized PnL, win rate over closed trades, and average holding time per
// instrument. Open fills carry fee-only realized PnL and are excluded from
// win/loss counting.
func (b *RollingDigestBuilder) Build(records []domain.HistoryRecord) domain.TradeDigest {
	recent := records
	if len(recent) > b.window {
		recent = recent[len(recent)-b.window:]
	}

	byInstrument := make(map[string]domain.TradeDigestEntry)
	stats := make(map[string]*instrumentStats)

	for _, record := range recent {
		if record.Kind != domain.RecordExecution {
			continue
		}
		trades, ok := record.Payload[PayloadTrades].([]domain.TradeHistoryEntry)
		if !ok {
			continue
		}
		for _, trade := range trades {
			symbol := trade.Instrument.Symbol
			if symbol == "" {
				continue
			}
			entry, ok := byInstrument[symbol]
			if !ok {
				entry = domain.TradeDigestEntry{Instrument: trade.Instrument}
				stats[symbol] = &instrumentStats{}
			}
			entry.TradeCount++
			entry.RealizedPnL += trade.RealizedPnL
			if trade.TradeTs != 0 {
				entry.LastTradeTs = trade.TradeTs
			}
			byInstrument[symbol] = entry

			st := stats[symbol]
			if outcome, ok := outcomePnL(trade); ok {
				if outcome > 0 {
					st.wins++
				} else if outcome < 0 {
					st.losses++
				}
			}
			if trade.HoldingMs > 0 {
				st.holdingMsSum += trade.HoldingMs
				st.holdingMsCount++
			}
		}
	}

	for symbol, entry := range byInstrument {
		st := stats[symbol]
		if denom := st.wins + st.losses; denom > 0 {
			rate := float64(st.wins) / float64(denom)
			entry.WinRate = &rate
		}
		if st.holdingMsCount > 0 {
			avg := st.holdingMsSum / st.holdingMsCount
			entry.AvgHoldingMs = &avg
		}
		byInstrument[symbol] = entry
	}

	ts := b.now().UnixMilli()
	if len(recent) > 0 {
		ts = recent[len(recent)-1].Ts
	}

	return domain.TradeDigest{
		Ts:           ts,
		ByInstrument: byInstrument,
		SharpeRatio:  sharpeRatio(recent),
	}
}

// outcomePnL derives the win/loss sign for a trade. Closed trades score by the
// entry/exit spread when both prices are known, falling back to the recorded
// realized PnL. Pure opens have no outcome.
func outcomePnL(trade domain.TradeHistoryEntry) (float64, bool) {
	hasExit := trade.ExitTs != 0 || trade.ExitPrice != 0
	if !hasExit {
		return 0, false
	}
	if trade.EntryPrice > 0 && trade.ExitPrice > 0 && trade.Quantity > 0 {
		switch trade.Type {
		case domain.PositionLong:
			return (trade.ExitPrice - trade.EntryPrice) * trade.Quantity, true
		case domain.PositionShort:
			return (trade.EntryPrice - trade.ExitPrice) * trade.Quantity, true
		}
	}
	return trade.RealizedPnL, true
}

// sharpeRatio computes an annualization-adjusted Sharpe ratio from the equity
// curve in compose records. Returns nil with fewer than two usable returns or
// zero return variance.
func sharpeRatio(records []domain.HistoryRecord) *float64 {
	if len(records) < 2 {
		return nil
	}

	var equities []float64
	var timestamps []int64
	for _, record := range records {
		if record.Kind != domain.RecordCompose {
			continue
		}
		summary, ok := record.Payload[PayloadSummary].(domain.StrategySummary)
		if !ok {
			continue
		}
		if summary.TotalValue > 0 {
			equities = append(equities, summary.TotalValue)
			timestamps = append(timestamps, record.Ts)
		}
	}
	if len(equities) < 2 {
		return nil
	}

	var intervalSum float64
	var intervalCount int
	for i := 1; i < len(timestamps); i++ {
		interval := float64(timestamps[i]-timestamps[i-1]) / 1000.0
		if interval > 0 {
			intervalSum += interval
			intervalCount++
		}
	}
	if intervalCount == 0 {
		return nil
	}
	avgPeriodSeconds := intervalSum / float64(intervalCount)
	periodsPerYear := secondsPerYear / avgPeriodSeconds

	var returns []float64
	for i := 1; i < len(equities); i++ {
		if equities[i-1] > 0 {
			returns = append(returns, (equities[i]-equities[i-1])/equities[i-1])
		}
	}
	if len(returns) < 2 {
		return nil
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)

	if std <= 0 {
		return nil
	}
	periodRF := riskFreeRate / periodsPerYear
	sharpe := (mean - periodRF) / std
	return &sharpe
}

// Compile-time interface check.
var _ DigestBuilder = (*RollingDigestBuilder)(nil)
