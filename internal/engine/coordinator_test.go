package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanwei/tradeforge/internal/decision"
	"github.com/alanwei/tradeforge/internal/domain"
	"github.com/alanwei/tradeforge/internal/execution"
	"github.com/alanwei/tradeforge/internal/history"
	"github.com/alanwei/tradeforge/internal/portfolio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubPipeline struct {
	result domain.FeaturesResult
	err    error
}

func (p *stubPipeline) Build(ctx context.Context) (domain.FeaturesResult, error) {
	return p.result, p.err
}

type composerFunc func(ctx context.Context, cc domain.ComposeContext) (domain.ComposeResult, error)

func (f composerFunc) Compose(ctx context.Context, cc domain.ComposeContext) (domain.ComposeResult, error) {
	return f(ctx, cc)
}

// stubGateway fills every instruction at a fixed per-symbol price, optionally
// failing specific instruction ids.
type stubGateway struct {
	prices map[string]float64
	reject map[string]string
}

func (g *stubGateway) Execute(ctx context.Context, instructions []domain.TradeInstruction, marketFeatures []domain.FeatureVector) ([]domain.TxResult, error) {
	results := make([]domain.TxResult, 0, len(instructions))
	for _, inst := range instructions {
		if reason, ok := g.reject[inst.InstructionID]; ok {
			results = append(results, domain.TxResult{
				InstructionID: inst.InstructionID,
				Instrument:    inst.Instrument,
				Side:          inst.Side,
				RequestedQty:  inst.Quantity,
				Status:        domain.TxRejected,
				Reason:        reason,
				Meta:          inst.Meta,
			})
			continue
		}
		results = append(results, domain.TxResult{
			InstructionID: inst.InstructionID,
			Instrument:    inst.Instrument,
			Side:          inst.Side,
			RequestedQty:  inst.Quantity,
			FilledQty:     inst.Quantity,
			AvgExecPrice:  g.prices[inst.Instrument.Symbol],
			Leverage:      inst.Leverage,
			Status:        domain.TxFilled,
			Meta:          inst.Meta,
		})
	}
	return results, nil
}

func (g *stubGateway) Close() error { return nil }

func testRequest() domain.UserRequest {
	r := domain.UserRequest{
		ExchangeConfig: domain.ExchangeConfig{
			ExchangeID:  "binance",
			TradingMode: domain.TradingModePaper,
			MarketType:  domain.MarketTypePerp,
			FeeBps:      10,
		},
		TradingConfig: domain.TradingConfig{
			StrategyName:   "test",
			StrategyType:   domain.PolicyGrid,
			StrategyID:     "strat-1",
			InitialCapital: 100_000,
			MaxLeverage:    5,
			MaxPositions:   5,
			CapFactor:      1.5,
			DecideInterval: 1,
			Symbols:        []string{"BTC-USDT"},
		},
	}
	return r
}

func marketVector(symbol string, price float64) domain.FeatureVector {
	return domain.FeatureVector{
		Instrument: domain.InstrumentRef{Symbol: symbol},
		Values:     map[string]float64{"price.last": price},
		Meta:       map[string]string{domain.MetaGroupByKey: domain.GroupMarketSnapshot},
	}
}

func buyInstruction(id, symbol string, qty float64) domain.TradeInstruction {
	return domain.TradeInstruction{
		InstructionID: id,
		Instrument:    domain.InstrumentRef{Symbol: symbol, ExchangeID: "binance"},
		Action:        domain.ActionOpenLong,
		Side:          domain.SideBuy,
		Quantity:      qty,
		Leverage:      2,
		Meta:          map[string]string{decision.MetaRationale: "test open"},
	}
}

func sellInstruction(id, symbol string, qty float64) domain.TradeInstruction {
	return domain.TradeInstruction{
		InstructionID: id,
		Instrument:    domain.InstrumentRef{Symbol: symbol, ExchangeID: "binance"},
		Action:        domain.ActionCloseLong,
		Side:          domain.SideSell,
		Quantity:      qty,
		Meta:          map[string]string{decision.MetaRationale: "test close"},
	}
}

func newTestCoordinator(t *testing.T, composer decision.Composer, gateway execution.Gateway, price float64) *Coordinator {
	t.Helper()
	request := testRequest()
	svc := portfolio.NewInMemoryService(
		request.TradingConfig.InitialCapital,
		request.ExchangeConfig.MarketType,
		request.BaseConstraints(),
		"strat-1",
	)
	pipeline := &stubPipeline{result: domain.FeaturesResult{
		Features: []domain.FeatureVector{marketVector("BTC-USDT", price)},
	}}
	return NewCoordinator(
		request, "strat-1",
		svc, pipeline, composer, gateway,
		history.NewInMemoryRecorder(history.DefaultHistoryLimit),
		history.NewRollingDigestBuilder(50),
		testLogger(),
	)
}

func TestRunOnceHappyPath(t *testing.T) {
	composer := composerFunc(func(ctx context.Context, cc domain.ComposeContext) (domain.ComposeResult, error) {
		return domain.ComposeResult{
			Instructions: []domain.TradeInstruction{buyInstruction(cc.ComposeID+":BTC-USDT:0", "BTC-USDT", 2)},
			Rationale:    "open a starter position",
		}, nil
	})
	gateway := &stubGateway{prices: map[string]float64{"BTC-USDT": 100}}
	coordinator := newTestCoordinator(t, composer, gateway, 100)

	result, err := coordinator.RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(result.ComposeID, "compose_"))
	assert.Equal(t, int64(1), result.CycleIndex)
	assert.Equal(t, "open a starter position", result.Rationale)
	assert.False(t, result.Failed())

	require.Len(t, result.HistoryRecords, 4)
	kinds := []string{
		result.HistoryRecords[0].Kind,
		result.HistoryRecords[1].Kind,
		result.HistoryRecords[2].Kind,
		result.HistoryRecords[3].Kind,
	}
	assert.Equal(t, []string{domain.RecordFeatures, domain.RecordCompose, domain.RecordInstructions, domain.RecordExecution}, kinds)
	for _, record := range result.HistoryRecords {
		assert.Equal(t, result.ComposeID, record.ReferenceID)
	}

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.False(t, trade.Closed)
	assert.Equal(t, domain.PositionLong, trade.Type)
	assert.InDelta(t, 100, trade.EntryPrice, 1e-9)
	assert.Equal(t, "test open", trade.Note)
	assert.Equal(t, "strat-1", trade.StrategyID)

	pos := result.Portfolio.Positions["BTC-USDT"]
	assert.InDelta(t, 2, pos.Quantity, 1e-9)

	assert.Equal(t, domain.StrategyRunning, result.Summary.Status)
	assert.Equal(t, "strat-1", result.Summary.StrategyID)
	assert.Contains(t, result.Digest.ByInstrument, "BTC-USDT")

	// A second cycle advances the index.
	result, err = coordinator.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.CycleIndex)
}

func TestRunOnceComposeFailure(t *testing.T) {
	composer := composerFunc(func(ctx context.Context, cc domain.ComposeContext) (domain.ComposeResult, error) {
		return domain.ComposeResult{}, errors.New("prompt too large")
	})
	coordinator := newTestCoordinator(t, composer, &stubGateway{}, 100)

	result, err := coordinator.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCycleFailed)
	assert.True(t, result.Failed())
	assert.Contains(t, result.Err, "prompt too large")
	assert.Empty(t, result.HistoryRecords)
	assert.Equal(t, int64(0), result.CycleIndex, "failed cycles do not advance the index")
}

func TestRunOncePipelineFailure(t *testing.T) {
	request := testRequest()
	svc := portfolio.NewInMemoryService(100_000, domain.MarketTypePerp, request.BaseConstraints(), "strat-1")
	pipeline := &stubPipeline{err: errors.New("exchange unreachable")}
	composer := composerFunc(func(ctx context.Context, cc domain.ComposeContext) (domain.ComposeResult, error) {
		t.Fatal("composer must not run when the pipeline fails")
		return domain.ComposeResult{}, nil
	})
	coordinator := NewCoordinator(
		request, "strat-1", svc, pipeline, composer, &stubGateway{},
		history.NewInMemoryRecorder(10), history.NewRollingDigestBuilder(10), testLogger(),
	)

	result, err := coordinator.RunOnce(context.Background())
	require.ErrorIs(t, err, domain.ErrCycleFailed)
	assert.True(t, result.Failed())
}

func TestRunOnceDropsRejectedInstructions(t *testing.T) {
	composer := composerFunc(func(ctx context.Context, cc domain.ComposeContext) (domain.ComposeResult, error) {
		return domain.ComposeResult{
			Instructions: []domain.TradeInstruction{
				buyInstruction("keep", "BTC-USDT", 1),
				buyInstruction("drop", "BTC-USDT", 50),
			},
			Rationale: "two orders",
		}, nil
	})
	gateway := &stubGateway{
		prices: map[string]float64{"BTC-USDT": 100},
		reject: map[string]string{"drop": "insufficient margin"},
	}
	coordinator := newTestCoordinator(t, composer, gateway, 100)

	result, err := coordinator.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Instructions, 1)
	assert.Equal(t, "keep", result.Instructions[0].InstructionID)
	assert.Contains(t, result.Rationale, "Execution warnings")
	assert.Contains(t, result.Rationale, "insufficient margin")
	require.Len(t, result.Trades, 1, "rejected fills produce no trades")
}

func TestRunOnceFullCloseDerivesClosedTrade(t *testing.T) {
	composer := composerFunc(func(ctx context.Context, cc domain.ComposeContext) (domain.ComposeResult, error) {
		return domain.ComposeResult{
			Instructions: []domain.TradeInstruction{sellInstruction(cc.ComposeID+":BTC-USDT:0", "BTC-USDT", 5)},
		}, nil
	})
	gateway := &stubGateway{prices: map[string]float64{"BTC-USDT": 110}}
	coordinator := newTestCoordinator(t, composer, gateway, 110)

	// Seed an open long at 100 directly through the ledger.
	coordinator.portfolio.ApplyTrades([]domain.TxResult{{
		InstructionID: "seed",
		Instrument:    domain.InstrumentRef{Symbol: "BTC-USDT"},
		Side:          domain.SideBuy,
		FilledQty:     5,
		AvgExecPrice:  100,
		Leverage:      2,
		Status:        domain.TxFilled,
	}}, []domain.FeatureVector{marketVector("BTC-USDT", 100)})

	result, err := coordinator.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Trades, 1)
	trade := result.Trades[0]
	assert.True(t, trade.Closed)
	assert.Equal(t, domain.PositionLong, trade.Type)
	assert.InDelta(t, 100, trade.EntryPrice, 1e-9)
	assert.InDelta(t, 110, trade.ExitPrice, 1e-9)
	assert.InDelta(t, 50, trade.RealizedPnL, 1e-9)
	assert.InDelta(t, 2, trade.Leverage, 1e-9, "closed trades carry the position leverage")
	assert.GreaterOrEqual(t, trade.HoldingMs, int64(0))
	assert.NotZero(t, trade.ExitTs)

	assert.Equal(t, 0, result.Portfolio.OpenPositionCount())
}

func TestCloseAllPositionsPaperFillsAtMarkPrice(t *testing.T) {
	composer := composerFunc(func(ctx context.Context, cc domain.ComposeContext) (domain.ComposeResult, error) {
		return domain.ComposeResult{Rationale: "noop"}, nil
	})
	coordinator := newTestCoordinator(t, composer, execution.NewPaperGateway(0), 50_000)

	coordinator.portfolio.ApplyTrades([]domain.TxResult{{
		Instrument:   domain.InstrumentRef{Symbol: "BTC-USDT"},
		Side:         domain.SideBuy,
		FilledQty:    1,
		AvgExecPrice: 50_000,
		Status:       domain.TxFilled,
	}}, []domain.FeatureVector{marketVector("BTC-USDT", 50_000)})

	// The stop path builds no features; the paper fill must price off the
	// ledger's mark, not zero.
	trades, err := coordinator.CloseAllPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Closed)
	assert.InDelta(t, 50_000, trades[0].ExitPrice, 1e-6)
	assert.InDelta(t, 0, trades[0].RealizedPnL, 1e-6)

	view := coordinator.View()
	assert.Equal(t, 0, view.OpenPositionCount())
	assert.InDelta(t, 100_000, view.AccountBalance, 1e-6, "flattening at the mark conserves equity")
}

func TestRunOncePartialCloseRepublishesPairedOpen(t *testing.T) {
	var cycle int
	composer := composerFunc(func(ctx context.Context, cc domain.ComposeContext) (domain.ComposeResult, error) {
		cycle++
		if cycle == 1 {
			return domain.ComposeResult{
				Instructions: []domain.TradeInstruction{buyInstruction(cc.ComposeID+":BTC-USDT:0", "BTC-USDT", 5)},
			}, nil
		}
		return domain.ComposeResult{
			Instructions: []domain.TradeInstruction{sellInstruction(cc.ComposeID+":BTC-USDT:0", "BTC-USDT", 2)},
		}, nil
	})
	gateway := &stubGateway{prices: map[string]float64{"BTC-USDT": 100}}
	coordinator := newTestCoordinator(t, composer, gateway, 100)

	first, err := coordinator.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Trades, 1)
	openID := first.Trades[0].TradeID

	gateway.prices["BTC-USDT"] = 110
	second, err := coordinator.RunOnce(context.Background())
	require.NoError(t, err)

	// The reduction trade plus the annotated open it pairs with, so sinks
	// upsert the open's exit fields.
	require.Len(t, second.Trades, 2)
	reduction := second.Trades[0]
	assert.False(t, reduction.Closed)
	assert.Contains(t, reduction.Note, "paired_exit_of:"+openID)

	paired := second.Trades[1]
	assert.Equal(t, openID, paired.TradeID)
	assert.True(t, paired.Closed)
	assert.InDelta(t, 110, paired.ExitPrice, 1e-9)
	assert.NotZero(t, paired.ExitTs)
	assert.Equal(t, paired.ExitTs-paired.EntryTs, paired.HoldingMs)
}

func TestCloseAllPositionsFlattensTheBook(t *testing.T) {
	composer := composerFunc(func(ctx context.Context, cc domain.ComposeContext) (domain.ComposeResult, error) {
		return domain.ComposeResult{Rationale: "noop"}, nil
	})
	gateway := &stubGateway{prices: map[string]float64{"BTC-USDT": 100, "ETH-USDT": 50}}
	coordinator := newTestCoordinator(t, composer, gateway, 100)

	marks := []domain.FeatureVector{marketVector("BTC-USDT", 100), marketVector("ETH-USDT", 50)}
	coordinator.portfolio.ApplyTrades([]domain.TxResult{
		{Instrument: domain.InstrumentRef{Symbol: "BTC-USDT"}, Side: domain.SideBuy, FilledQty: 2, AvgExecPrice: 100, Status: domain.TxFilled},
		{Instrument: domain.InstrumentRef{Symbol: "ETH-USDT"}, Side: domain.SideSell, FilledQty: 4, AvgExecPrice: 50, Status: domain.TxFilled},
	}, marks)

	trades, err := coordinator.CloseAllPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 2)
	for _, trade := range trades {
		assert.True(t, trade.Closed)
	}
	assert.Equal(t, 0, coordinator.View().OpenPositionCount())

	// Nothing left to close: the second call is a no-op.
	trades, err = coordinator.CloseAllPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, trades)
}
