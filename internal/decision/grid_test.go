package decision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanwei/tradeforge/internal/domain"
)

func changeFeature(symbol string, changePct float64) domain.FeatureVector {
	return domain.FeatureVector{
		Instrument: domain.InstrumentRef{Symbol: symbol},
		Values:     map[string]float64{"change_pct": changePct},
		Meta: map[string]string{
			domain.MetaGroupByKey: "interval_1s",
			domain.MetaInterval:   "1s",
		},
	}
}

func TestGridOpensLongOnDrop(t *testing.T) {
	request := perpRequest()
	composer := NewGridComposer(request, testLogger())
	cc := composeContext(request, 100_000, map[string]float64{"BTC-USDT": 100}, nil)
	cc.Features = append(cc.Features, changeFeature("BTC-USDT", -0.006))

	result, err := composer.Compose(context.Background(), cc)
	require.NoError(t, err)
	require.Len(t, result.Instructions, 1)

	inst := result.Instructions[0]
	assert.Equal(t, domain.SideBuy, inst.Side)
	assert.Equal(t, domain.ActionOpenLong, inst.Action)
	// base fraction 0.08 of equity at the reference price.
	assert.InDelta(t, 100_000*0.08/100, inst.Quantity, 1e-9)
	assert.Contains(t, result.Rationale, "Grid step")
}

func TestGridOpensShortOnRiseForPerpOnly(t *testing.T) {
	perp := perpRequest()
	composer := NewGridComposer(perp, testLogger())
	cc := composeContext(perp, 100_000, map[string]float64{"BTC-USDT": 100}, nil)
	cc.Features = append(cc.Features, changeFeature("BTC-USDT", 0.006))

	result, err := composer.Compose(context.Background(), cc)
	require.NoError(t, err)
	require.Len(t, result.Instructions, 1)
	assert.Equal(t, domain.SideSell, result.Instructions[0].Side)
	assert.Equal(t, domain.ActionOpenShort, result.Instructions[0].Action)

	spot := spotRequest()
	composer = NewGridComposer(spot, testLogger())
	cc = composeContext(spot, 100_000, map[string]float64{"BTC-USDT": 100}, nil)
	cc.Features = append(cc.Features, changeFeature("BTC-USDT", 0.006))

	result, err = composer.Compose(context.Background(), cc)
	require.NoError(t, err)
	assert.Empty(t, result.Instructions)
	assert.Equal(t, "Grid NOOP", result.Rationale)
}

func TestGridNoopInsideBand(t *testing.T) {
	request := perpRequest()
	composer := NewGridComposer(request, testLogger())
	cc := composeContext(request, 100_000, map[string]float64{"BTC-USDT": 100}, nil)
	cc.Features = append(cc.Features, changeFeature("BTC-USDT", 0.001))

	result, err := composer.Compose(context.Background(), cc)
	require.NoError(t, err)
	assert.Empty(t, result.Instructions)
	assert.Equal(t, "Grid NOOP", result.Rationale)
}

func TestGridAddsToLongOnAdverseMove(t *testing.T) {
	request := perpRequest()
	composer := NewGridComposer(request, testLogger())
	// Price two full steps below the average entry.
	cc := composeContext(request, 100_000,
		map[string]float64{"BTC-USDT": 99},
		map[string]domain.PositionSnapshot{"BTC-USDT": {
			Instrument: domain.InstrumentRef{Symbol: "BTC-USDT"},
			Quantity:   10,
			AvgPrice:   100,
		}},
	)

	result, err := composer.Compose(context.Background(), cc)
	require.NoError(t, err)
	require.Len(t, result.Instructions, 1)

	inst := result.Instructions[0]
	assert.Equal(t, domain.SideBuy, inst.Side)
	// Two steps crossed: the add is sized at 2x the base quantity.
	assert.InDelta(t, 2*100_000*0.08/99, inst.Quantity, 1e-9)
}

func TestGridReducesLongOnFavorableMove(t *testing.T) {
	request := perpRequest()
	composer := NewGridComposer(request, testLogger())
	cc := composeContext(request, 100_000,
		map[string]float64{"BTC-USDT": 101},
		map[string]domain.PositionSnapshot{"BTC-USDT": {
			Instrument: domain.InstrumentRef{Symbol: "BTC-USDT"},
			Quantity:   10,
			AvgPrice:   100,
		}},
	)

	result, err := composer.Compose(context.Background(), cc)
	require.NoError(t, err)
	require.Len(t, result.Instructions, 1)

	inst := result.Instructions[0]
	assert.Equal(t, domain.SideSell, inst.Side)
	assert.Equal(t, domain.ActionCloseLong, inst.Action)
	// Reduce is capped by the open position size.
	assert.InDelta(t, 10, inst.Quantity, 1e-9)
	assert.Equal(t, "true", inst.Meta[MetaReduceOnly])
}

func TestGridStepsFromAvgCapsAtMaxSteps(t *testing.T) {
	composer := NewGridComposer(perpRequest(), testLogger())

	assert.Equal(t, 0, composer.stepsFromAvg(100, 100.2))
	assert.Equal(t, 1, composer.stepsFromAvg(99.4, 100))
	assert.Equal(t, 3, composer.stepsFromAvg(80, 100), "capped at max steps")
	assert.Equal(t, 1, composer.stepsFromAvg(100, 0), "unknown average counts one step")
}

func TestGridSkipsSymbolsWithoutPrice(t *testing.T) {
	request := perpRequest()
	composer := NewGridComposer(request, testLogger())
	cc := composeContext(request, 100_000, nil, nil)
	cc.Features = append(cc.Features, changeFeature("BTC-USDT", -0.01))

	result, err := composer.Compose(context.Background(), cc)
	require.NoError(t, err)
	assert.Empty(t, result.Instructions)
}
