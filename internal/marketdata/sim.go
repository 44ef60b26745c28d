package marketdata

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/alanwei/tradeforge/internal/domain"
)

// SimExchangeID selects the simulated source when used as a strategy's
// exchange_id.
const SimExchangeID = "sim"

// SimSource generates synthetic random-walk candles and snapshots so paper
// strategies work offline and tests stay deterministic. Each symbol walks from
// a base price derived from its name hash; the walk is seeded, so two sources
// with the same seed produce identical series.
type SimSource struct {
	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
	now    func() time.Time
}

// NewSimSource creates a SimSource with the given seed.
func NewSimSource(seed int64) *SimSource {
	return &SimSource{
		rng:    rand.New(rand.NewSource(seed)),
		prices: make(map[string]float64),
		now:    time.Now,
	}
}

// basePrice derives a stable starting price from the symbol name.
func basePrice(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return 100 + float64(h.Sum32()%100_000)/10
}

func (s *SimSource) lastPrice(symbol string) float64 {
	p, ok := s.prices[symbol]
	if !ok {
		p = basePrice(symbol)
		s.prices[symbol] = p
	}
	return p
}

// step advances the symbol's random walk by one tick (~±0.2%).
func (s *SimSource) step(symbol string) float64 {
	p := s.lastPrice(symbol)
	p *= 1 + (s.rng.Float64()-0.5)*0.004
	p = math.Max(p, 0.0001)
	s.prices[symbol] = p
	return p
}

// RecentCandles synthesizes lookback bars per symbol ending at the current
// wall clock, spaced by the requested interval.
func (s *SimSource) RecentCandles(ctx context.Context, symbols []string, interval string, lookback int) ([]domain.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, err := time.ParseDuration(interval)
	if err != nil {
		step = time.Minute
	}
	end := s.now().UnixMilli()

	candles := make([]domain.Candle, 0, len(symbols)*lookback)
	for _, symbol := range symbols {
		inst := domain.InstrumentRef{Symbol: symbol, ExchangeID: SimExchangeID}
		for i := lookback - 1; i >= 0; i-- {
			open := s.lastPrice(symbol)
			close := s.step(symbol)
			high := math.Max(open, close) * (1 + s.rng.Float64()*0.001)
			low := math.Min(open, close) * (1 - s.rng.Float64()*0.001)
			candles = append(candles, domain.Candle{
				Ts:         end - int64(i)*step.Milliseconds(),
				Instrument: inst,
				Open:       open,
				High:       high,
				Low:        low,
				Close:      close,
				Volume:     10 + s.rng.Float64()*1000,
				Interval:   interval,
			})
		}
	}
	return candles, nil
}

// Snapshot returns the current walk position per symbol.
func (s *SimSource) Snapshot(ctx context.Context, symbols []string) (domain.MarketSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UnixMilli()
	snapshot := make(domain.MarketSnapshot, len(symbols))
	for _, symbol := range symbols {
		last := s.lastPrice(symbol)
		snapshot[symbol] = domain.SnapshotEntry{
			Last:   last,
			Open:   last,
			High:   last * 1.001,
			Low:    last * 0.999,
			Bid:    last * 0.9995,
			Ask:    last * 1.0005,
			Volume: 1000,
			Ts:     ts,
		}
	}
	return snapshot, nil
}

// Compile-time interface check.
var _ Source = (*SimSource)(nil)
