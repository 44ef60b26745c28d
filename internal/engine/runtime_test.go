package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanwei/tradeforge/internal/domain"
	"github.com/alanwei/tradeforge/internal/marketdata"
)

// captureSink records everything published through it.
type captureSink struct {
	mu      sync.Mutex
	results []domain.DecisionCycleResult
	stops   []domain.StopReason
}

func (s *captureSink) Publish(ctx context.Context, result domain.DecisionCycleResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *captureSink) PublishStop(ctx context.Context, strategyID string, reason domain.StopReason, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops = append(s.stops, reason)
	return nil
}

func (s *captureSink) published() []domain.DecisionCycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DecisionCycleResult, len(s.results))
	copy(out, s.results)
	return out
}

func (s *captureSink) stopReasons() []domain.StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StopReason, len(s.stops))
	copy(out, s.stops)
	return out
}

func noopComposer() composerFunc {
	return func(ctx context.Context, cc domain.ComposeContext) (domain.ComposeResult, error) {
		return domain.ComposeResult{Rationale: "noop"}, nil
	}
}

func TestRuntimeStopAfterFirstCycle(t *testing.T) {
	request := testRequest()
	coordinator := newTestCoordinator(t, noopComposer(), &stubGateway{}, 100)
	sink := &captureSink{}

	var rt *Runtime
	hooks := Hooks{
		OnCycle: func(ctx context.Context, result domain.DecisionCycleResult) error {
			rt.Stop()
			// Hook panics must never take down the strategy.
			panic("hook exploded")
		},
	}
	rt = NewRuntime(request, "strat-1", coordinator, sink, hooks, testLogger())

	err := rt.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, sink.published())
	assert.False(t, sink.published()[0].Failed())
	require.Equal(t, []domain.StopReason{domain.StopNormalExit}, sink.stopReasons())
}

func TestRuntimeCancellationKeepsTheBook(t *testing.T) {
	request := testRequest()
	coordinator := newTestCoordinator(t, noopComposer(), &stubGateway{}, 100)
	sink := &captureSink{}
	rt := NewRuntime(request, "strat-1", coordinator, sink, Hooks{}, testLogger())

	// Seed a position; cancellation must not flatten it.
	coordinator.portfolio.ApplyTrades([]domain.TxResult{{
		Instrument:   domain.InstrumentRef{Symbol: "BTC-USDT"},
		Side:         domain.SideBuy,
		FilledQty:    1,
		AvgExecPrice: 100,
		Status:       domain.TxFilled,
	}}, []domain.FeatureVector{marketVector("BTC-USDT", 100)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rt.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []domain.StopReason{domain.StopCancelled}, sink.stopReasons())
	assert.Equal(t, 1, coordinator.View().OpenPositionCount())
}

func TestRuntimeStopFlattensPositions(t *testing.T) {
	request := testRequest()
	gateway := &stubGateway{prices: map[string]float64{"BTC-USDT": 100}}
	coordinator := newTestCoordinator(t, noopComposer(), gateway, 100)
	sink := &captureSink{}
	rt := NewRuntime(request, "strat-1", coordinator, sink, Hooks{}, testLogger())

	coordinator.portfolio.ApplyTrades([]domain.TxResult{{
		Instrument:   domain.InstrumentRef{Symbol: "BTC-USDT"},
		Side:         domain.SideBuy,
		FilledQty:    1,
		AvgExecPrice: 100,
		Status:       domain.TxFilled,
	}}, []domain.FeatureVector{marketVector("BTC-USDT", 100)})

	rt.Stop()
	err := rt.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []domain.StopReason{domain.StopNormalExit}, sink.stopReasons())
	assert.Equal(t, 0, coordinator.View().OpenPositionCount())
}

func TestRuntimeContinuesAfterFailedCycle(t *testing.T) {
	request := testRequest()
	var calls int
	composer := composerFunc(func(ctx context.Context, cc domain.ComposeContext) (domain.ComposeResult, error) {
		calls++
		if calls == 1 {
			return domain.ComposeResult{}, assert.AnError
		}
		return domain.ComposeResult{Rationale: "recovered"}, nil
	})
	coordinator := newTestCoordinator(t, composer, &stubGateway{}, 100)
	sink := &captureSink{}

	var rt *Runtime
	hooks := Hooks{
		OnCycle: func(ctx context.Context, result domain.DecisionCycleResult) error {
			if !result.Failed() {
				rt.Stop()
			}
			return nil
		},
	}
	rt = NewRuntime(request, "strat-1", coordinator, sink, hooks, testLogger())

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}

	results := sink.published()
	require.GreaterOrEqual(t, len(results), 2)
	assert.True(t, results[0].Failed(), "the failed cycle is still published")
	assert.False(t, results[1].Failed())
}

func TestNewRuntimeFromRequestRequiresSink(t *testing.T) {
	request := testRequest()
	_, err := NewRuntimeFromRequest(context.Background(), request, Options{
		Source: marketdata.NewSimSource(1),
	}, testLogger())
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestNewRuntimeFromRequestRejectsInvalidRequest(t *testing.T) {
	request := testRequest()
	request.TradingConfig.Symbols = nil
	_, err := NewRuntimeFromRequest(context.Background(), request, Options{
		Sink:   &captureSink{},
		Source: marketdata.NewSimSource(1),
	}, testLogger())
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestNewRuntimeFromRequestAssemblesGridStrategy(t *testing.T) {
	request := testRequest()
	rt, err := NewRuntimeFromRequest(context.Background(), request, Options{
		Sink:   &captureSink{},
		Source: marketdata.NewSimSource(1),
	}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "strat-1", rt.StrategyID())
	assert.NotNil(t, rt.Coordinator())
}

func TestNewRuntimeFromRequestSimExchangeRunsOffline(t *testing.T) {
	request := testRequest()
	request.ExchangeConfig.ExchangeID = marketdata.SimExchangeID

	// No Source override: the sim exchange id alone must select the simulated
	// feed, so a cycle completes without any network access.
	rt, err := NewRuntimeFromRequest(context.Background(), request, Options{
		Sink: &captureSink{},
	}, testLogger())
	require.NoError(t, err)

	result, err := rt.Coordinator().RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Failed())
	assert.NotEmpty(t, result.ComposeID)
}
