package portfolio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanwei/tradeforge/internal/domain"
)

func markFeatures(prices map[string]float64) []domain.FeatureVector {
	out := make([]domain.FeatureVector, 0, len(prices))
	for sym, px := range prices {
		out = append(out, domain.FeatureVector{
			Instrument: domain.InstrumentRef{Symbol: sym},
			Values:     map[string]float64{"price.last": px},
			Meta:       map[string]string{domain.MetaGroupByKey: domain.GroupMarketSnapshot},
		})
	}
	return out
}

func fill(symbol string, side domain.Side, qty, price, fee, leverage float64) domain.TxResult {
	return domain.TxResult{
		InstructionID: "inst",
		Instrument:    domain.InstrumentRef{Symbol: symbol},
		Side:          side,
		RequestedQty:  qty,
		FilledQty:     qty,
		AvgExecPrice:  price,
		FeeCost:       fee,
		Leverage:      leverage,
		Status:        domain.TxFilled,
	}
}

func TestSpotRoundTripMovesFullNotional(t *testing.T) {
	svc := NewInMemoryService(10_000, domain.MarketTypeSpot, domain.Constraints{}, "s1")

	svc.ApplyTrades([]domain.TxResult{fill("BTC-USDT", domain.SideBuy, 10, 100, 1, 0)},
		markFeatures(map[string]float64{"BTC-USDT": 100}))

	view := svc.View()
	assert.InDelta(t, 8999, view.AccountBalance, 1e-9)
	pos := view.Positions["BTC-USDT"]
	assert.InDelta(t, 10, pos.Quantity, 1e-9)
	assert.InDelta(t, 100, pos.AvgPrice, 1e-9)
	// Spot equity is cash plus net exposure.
	assert.InDelta(t, 9999, view.TotalValue, 1e-9)

	svc.ApplyTrades([]domain.TxResult{fill("BTC-USDT", domain.SideSell, 10, 110, 1, 0)},
		markFeatures(map[string]float64{"BTC-USDT": 110}))

	view = svc.View()
	assert.InDelta(t, 10_098, view.AccountBalance, 1e-9)
	assert.InDelta(t, 10_098, view.TotalValue, 1e-9)
	assert.InDelta(t, 99, view.TotalRealizedPnL, 1e-9)

	pos = view.Positions["BTC-USDT"]
	assert.Zero(t, pos.Quantity)
	assert.NotZero(t, pos.ClosedTs, "full close leaves a tombstone")
	assert.Equal(t, 0, view.OpenPositionCount())
}

func TestIncreaseUsesWeightedAveragePrice(t *testing.T) {
	svc := NewInMemoryService(100_000, domain.MarketTypePerp, domain.Constraints{MaxLeverage: 5}, "s1")
	marks := markFeatures(map[string]float64{"ETH-USDT": 110})

	svc.ApplyTrades([]domain.TxResult{fill("ETH-USDT", domain.SideBuy, 10, 100, 0, 2)}, marks)
	svc.ApplyTrades([]domain.TxResult{fill("ETH-USDT", domain.SideBuy, 10, 110, 0, 4)}, marks)

	pos := svc.View().Positions["ETH-USDT"]
	assert.InDelta(t, 20, pos.Quantity, 1e-9)
	assert.InDelta(t, 105, pos.AvgPrice, 1e-9)
	assert.InDelta(t, 3, pos.Leverage, 1e-9, "leverage averages by size")
}

func TestDerivativeSettlementMovesOnlyRealizedPnL(t *testing.T) {
	svc := NewInMemoryService(10_000, domain.MarketTypePerp, domain.Constraints{MaxLeverage: 5}, "s1")

	svc.ApplyTrades([]domain.TxResult{fill("BTC-USDT", domain.SideBuy, 2, 100, 0.2, 5)},
		markFeatures(map[string]float64{"BTC-USDT": 100}))

	view := svc.View()
	// Wallet balance moves by fees only on an open.
	assert.InDelta(t, 9999.8, view.AccountBalance, 1e-9)

	// Mark moves up: unrealized PnL flows into equity, not cash.
	svc.ApplyTrades(nil, markFeatures(map[string]float64{"BTC-USDT": 105}))
	view = svc.View()
	assert.InDelta(t, 9999.8, view.AccountBalance, 1e-9)
	assert.InDelta(t, 10, view.TotalUnrealizedPnL, 1e-9)
	assert.InDelta(t, 10_009.8, view.TotalValue, 1e-9)
	assert.InDelta(t, 210, view.GrossExposure, 1e-9)
	assert.InDelta(t, 10_009.8*5-210, view.BuyingPower, 1e-6)
	assert.InDelta(t, 10_009.8-210.0/5, view.FreeCash, 1e-6)
}

func TestZeroPriceFillFallsBackToEntryPrice(t *testing.T) {
	svc := NewInMemoryService(10_000, domain.MarketTypePerp, domain.Constraints{MaxLeverage: 5}, "s1")

	svc.ApplyTrades([]domain.TxResult{fill("BTC-USDT", domain.SideBuy, 1, 50_000, 0, 1)},
		markFeatures(map[string]float64{"BTC-USDT": 50_000}))

	// A close with no execution price and no fresh marks settles at the entry
	// price instead of realizing the whole notional as loss.
	svc.ApplyTrades([]domain.TxResult{fill("BTC-USDT", domain.SideSell, 1, 0, 0, 1)}, nil)

	view := svc.View()
	assert.InDelta(t, 0, view.TotalRealizedPnL, 1e-9)
	assert.InDelta(t, 10_000, view.AccountBalance, 1e-9)
	assert.Equal(t, 0, view.OpenPositionCount())
}

func TestFailedResultsAreNoOps(t *testing.T) {
	svc := NewInMemoryService(10_000, domain.MarketTypeSpot, domain.Constraints{}, "s1")

	rejected := fill("BTC-USDT", domain.SideBuy, 5, 100, 0, 0)
	rejected.Status = domain.TxRejected
	failed := fill("BTC-USDT", domain.SideBuy, 5, 100, 0, 0)
	failed.Status = domain.TxError

	svc.ApplyTrades([]domain.TxResult{rejected, failed}, nil)

	view := svc.View()
	assert.InDelta(t, 10_000, view.AccountBalance, 1e-9)
	assert.Empty(t, view.Positions)
}

func TestZeroCrossResetsPositionLineage(t *testing.T) {
	svc := NewInMemoryService(10_000, domain.MarketTypePerp, domain.Constraints{MaxLeverage: 5}, "s1")
	marks := markFeatures(map[string]float64{"SOL-USDT": 90})

	svc.ApplyTrades([]domain.TxResult{fill("SOL-USDT", domain.SideBuy, 5, 100, 0, 3)}, marks)
	svc.ApplyTrades([]domain.TxResult{fill("SOL-USDT", domain.SideSell, 8, 90, 0, 3)}, marks)

	view := svc.View()
	pos := view.Positions["SOL-USDT"]
	assert.InDelta(t, -3, pos.Quantity, 1e-9)
	assert.InDelta(t, 90, pos.AvgPrice, 1e-9, "avg price resets at the flip fill")
	assert.Equal(t, domain.PositionShort, pos.TradeType)
	// Only the reducing portion realizes against the old average.
	assert.InDelta(t, -50, view.TotalRealizedPnL, 1e-9)
}

func TestRealizedDeltaAllocatesFeesToReducingPortion(t *testing.T) {
	svc := NewInMemoryService(10_000, domain.MarketTypePerp, domain.Constraints{MaxLeverage: 5}, "s1")
	marks := markFeatures(map[string]float64{"SOL-USDT": 90})

	svc.ApplyTrades([]domain.TxResult{fill("SOL-USDT", domain.SideBuy, 5, 100, 0, 1)}, marks)
	svc.ApplyTrades([]domain.TxResult{fill("SOL-USDT", domain.SideSell, 8, 90, 1.6, 1)}, marks)

	view := svc.View()
	// realized = (90-100)*5 - 1.6*(5/8)
	assert.InDelta(t, -51, view.TotalRealizedPnL, 1e-9)
}

func TestViewIsCopyOnRead(t *testing.T) {
	svc := NewInMemoryService(10_000, domain.MarketTypeSpot, domain.Constraints{}, "s1")
	svc.ApplyTrades([]domain.TxResult{fill("BTC-USDT", domain.SideBuy, 1, 100, 0, 0)},
		markFeatures(map[string]float64{"BTC-USDT": 100}))

	view := svc.View()
	mutated := view.Positions["BTC-USDT"]
	mutated.Quantity = 999
	view.Positions["BTC-USDT"] = mutated
	delete(view.Positions, "missing")

	fresh := svc.View()
	require.Contains(t, fresh.Positions, "BTC-USDT")
	assert.InDelta(t, 1, fresh.Positions["BTC-USDT"].Quantity, 1e-9)
}

func TestSetInitialCapitalResetsAggregates(t *testing.T) {
	svc := NewInMemoryService(1, domain.MarketTypeSpot, domain.Constraints{}, "s1")
	svc.SetInitialCapital(5000)

	view := svc.View()
	assert.InDelta(t, 5000, view.AccountBalance, 1e-9)
	assert.InDelta(t, 5000, view.TotalValue, 1e-9)
	assert.InDelta(t, 5000, view.BuyingPower, 1e-9)
	assert.InDelta(t, 5000, view.FreeCash, 1e-9)
}
