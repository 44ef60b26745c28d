// Package features transforms raw market data into named numeric feature
// vectors per instrument per cycle.
package features

import (
	"math"
	"sort"

	"github.com/alanwei/tradeforge/internal/domain"
)

// CandleComputer derives momentum and volume indicators from the most recent
// N candles per instrument: EMA(12/26/50), MACD with signal and histogram,
// RSI(14), and Bollinger bands (20, 2 std). Indicators whose window exceeds
// the available history are omitted from the output values.
type CandleComputer struct{}

// NewCandleComputer creates a CandleComputer.
func NewCandleComputer() *CandleComputer {
	return &CandleComputer{}
}

// Keys lists every feature name this computer can emit.
func (c *CandleComputer) Keys() []string {
	return []string{
		"close", "volume", "change_pct",
		"ema_12", "ema_26", "ema_50",
		"macd", "macd_signal", "macd_histogram",
		"rsi",
		"bb_upper", "bb_middle", "bb_lower",
	}
}

// Compute groups candles by symbol and emits one feature vector per symbol,
// stamped with the latest candle's timestamp and grouped by interval.
func (c *CandleComputer) Compute(candles []domain.Candle) []domain.FeatureVector {
	if len(candles) == 0 {
		return nil
	}

	grouped := make(map[string][]domain.Candle)
	var order []string
	for _, candle := range candles {
		sym := candle.Instrument.Symbol
		if _, ok := grouped[sym]; !ok {
			order = append(order, sym)
		}
		grouped[sym] = append(grouped[sym], candle)
	}

	features := make([]domain.FeatureVector, 0, len(grouped))
	for _, sym := range order {
		series := grouped[sym]
		sort.Slice(series, func(i, j int) bool { return series[i].Ts < series[j].Ts })

		closes := make([]float64, len(series))
		for i, candle := range series {
			closes[i] = candle.Close
		}
		last := series[len(series)-1]

		values := map[string]float64{
			"close":  last.Close,
			"volume": last.Volume,
		}
		if len(series) > 1 && series[len(series)-2].Close != 0 {
			prev := series[len(series)-2].Close
			values["change_pct"] = (last.Close - prev) / prev
		} else {
			values["change_pct"] = 0
		}

		ema12 := ema(closes, 12)
		ema26 := ema(closes, 26)
		values["ema_12"] = lastOf(ema12)
		values["ema_26"] = lastOf(ema26)
		values["ema_50"] = lastOf(ema(closes, 50))

		macd := make([]float64, len(closes))
		for i := range closes {
			macd[i] = ema12[i] - ema26[i]
		}
		signal := ema(macd, 9)
		values["macd"] = lastOf(macd)
		values["macd_signal"] = lastOf(signal)
		values["macd_histogram"] = lastOf(macd) - lastOf(signal)

		if rsi, ok := rsi14(closes); ok {
			values["rsi"] = rsi
		}
		if mid, upper, lower, ok := bollinger(closes, 20, 2); ok {
			values["bb_middle"] = mid
			values["bb_upper"] = upper
			values["bb_lower"] = lower
		}

		features = append(features, domain.FeatureVector{
			Ts:         last.Ts,
			Instrument: last.Instrument,
			Values:     values,
			Meta: map[string]string{
				domain.MetaGroupByKey: "interval_" + last.Interval,
				domain.MetaInterval:   last.Interval,
			},
		})
	}
	return features
}

// ema computes an exponential moving average with alpha = 2/(span+1), seeded
// with the first value.
func ema(series []float64, span int) []float64 {
	out := make([]float64, len(series))
	if len(series) == 0 {
		return out
	}
	alpha := 2.0 / (float64(span) + 1.0)
	out[0] = series[0]
	for i := 1; i < len(series); i++ {
		out[i] = alpha*series[i] + (1-alpha)*out[i-1]
	}
	return out
}

func lastOf(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// rsi14 computes the 14-period RSI over simple rolling means of gains and
// losses. Returns false when fewer than 15 closes are available.
func rsi14(closes []float64) (float64, bool) {
	const window = 14
	if len(closes) < window+1 {
		return 0, false
	}
	var gain, loss float64
	for i := len(closes) - window; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}
	gain /= window
	loss /= window
	if loss == 0 {
		return 100, true
	}
	rs := gain / loss
	return 100 - 100/(1+rs), true
}

// bollinger computes the middle/upper/lower bands over the trailing window
// using the sample standard deviation. Returns false when the window exceeds
// the available history.
func bollinger(closes []float64, window int, width float64) (mid, upper, lower float64, ok bool) {
	if len(closes) < window {
		return 0, 0, 0, false
	}
	tail := closes[len(closes)-window:]
	var sum float64
	for _, v := range tail {
		sum += v
	}
	mean := sum / float64(window)

	var sq float64
	for _, v := range tail {
		sq += (v - mean) * (v - mean)
	}
	std := math.Sqrt(sq / float64(window-1))

	return mean, mean + width*std, mean - width*std, true
}
