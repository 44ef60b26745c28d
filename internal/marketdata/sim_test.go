package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestSimSourceSameSeedSameSeries(t *testing.T) {
	a := NewSimSource(42)
	b := NewSimSource(42)
	a.now = fixedClock()
	b.now = fixedClock()

	symbols := []string{"BTC-USDT", "ETH-USDT"}
	candlesA, err := a.RecentCandles(context.Background(), symbols, "1m", 30)
	require.NoError(t, err)
	candlesB, err := b.RecentCandles(context.Background(), symbols, "1m", 30)
	require.NoError(t, err)

	require.Equal(t, candlesA, candlesB)

	snapA, err := a.Snapshot(context.Background(), symbols)
	require.NoError(t, err)
	snapB, err := b.Snapshot(context.Background(), symbols)
	require.NoError(t, err)
	assert.Equal(t, snapA, snapB)
}

func TestSimSourceCandleShape(t *testing.T) {
	src := NewSimSource(7)
	src.now = fixedClock()

	candles, err := src.RecentCandles(context.Background(), []string{"BTC-USDT"}, "1m", 10)
	require.NoError(t, err)
	require.Len(t, candles, 10)

	end := fixedClock()().UnixMilli()
	for i, c := range candles {
		assert.Equal(t, "BTC-USDT", c.Instrument.Symbol)
		assert.Equal(t, "sim", c.Instrument.ExchangeID)
		assert.Equal(t, "1m", c.Interval)
		assert.Positive(t, c.Close)
		assert.GreaterOrEqual(t, c.High, c.Close)
		assert.LessOrEqual(t, c.Low, c.Close)
		assert.GreaterOrEqual(t, c.High, c.Open)
		assert.LessOrEqual(t, c.Low, c.Open)
		if i > 0 {
			assert.Equal(t, int64(60_000), c.Ts-candles[i-1].Ts, "bars are spaced by the interval")
			// The walk is continuous: each bar opens at the prior close.
			assert.Equal(t, candles[i-1].Close, c.Open)
		}
	}
	assert.Equal(t, end, candles[len(candles)-1].Ts)
}

func TestSimSourceCandleCountPerSymbol(t *testing.T) {
	src := NewSimSource(1)
	candles, err := src.RecentCandles(context.Background(), []string{"A", "B", "C"}, "1s", 5)
	require.NoError(t, err)
	assert.Len(t, candles, 15)
}

func TestSimSourceSnapshotSpread(t *testing.T) {
	src := NewSimSource(9)
	src.now = fixedClock()

	snap, err := src.Snapshot(context.Background(), []string{"BTC-USDT"})
	require.NoError(t, err)
	entry, ok := snap["BTC-USDT"]
	require.True(t, ok)

	assert.Positive(t, entry.Last)
	assert.Less(t, entry.Bid, entry.Last)
	assert.Greater(t, entry.Ask, entry.Last)
	assert.Equal(t, fixedClock()().UnixMilli(), entry.Ts)
}

func TestBasePriceIsStablePerSymbol(t *testing.T) {
	assert.Equal(t, basePrice("BTC-USDT"), basePrice("BTC-USDT"))
	assert.NotEqual(t, basePrice("BTC-USDT"), basePrice("ETH-USDT"))
	assert.GreaterOrEqual(t, basePrice("BTC-USDT"), 100.0)
}
