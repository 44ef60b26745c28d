package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanwei/tradeforge/internal/domain"
)

func snapshotFeature(symbol string, price float64) domain.FeatureVector {
	return domain.FeatureVector{
		Instrument: domain.InstrumentRef{Symbol: symbol},
		Values:     map[string]float64{"price.last": price},
		Meta:       map[string]string{domain.MetaGroupByKey: domain.GroupMarketSnapshot},
	}
}

func instruction(symbol string, side domain.Side, qty, slippageBps float64) domain.TradeInstruction {
	return domain.TradeInstruction{
		InstructionID:  "inst-" + symbol + "-" + string(side),
		ComposeID:      "compose",
		Instrument:     domain.InstrumentRef{Symbol: symbol},
		Side:           side,
		Quantity:       qty,
		Leverage:       2,
		MaxSlippageBps: slippageBps,
		Meta:           map[string]string{"rationale": "test"},
	}
}

func TestPaperGatewayFillsWithSlippageAndFees(t *testing.T) {
	gateway := NewPaperGateway(10)
	features := []domain.FeatureVector{snapshotFeature("BTC-USDT", 100)}

	results, err := gateway.Execute(context.Background(), []domain.TradeInstruction{
		instruction("BTC-USDT", domain.SideBuy, 2, 25),
		instruction("BTC-USDT", domain.SideSell, 2, 25),
	}, features)
	require.NoError(t, err)
	require.Len(t, results, 2)

	buy := results[0]
	assert.Equal(t, domain.TxFilled, buy.Status)
	assert.InDelta(t, 2, buy.FilledQty, 1e-9)
	// Buys fill above the reference by the slippage allowance.
	assert.InDelta(t, 100.25, buy.AvgExecPrice, 1e-9)
	assert.InDelta(t, 100.25*2*0.001, buy.FeeCost, 1e-9)
	assert.InDelta(t, 2, buy.Leverage, 1e-9)
	assert.Equal(t, "test", buy.Meta["rationale"])

	sell := results[1]
	assert.Equal(t, domain.TxFilled, sell.Status)
	assert.InDelta(t, 99.75, sell.AvgExecPrice, 1e-9)
	assert.InDelta(t, 99.75*2*0.001, sell.FeeCost, 1e-9)
}

func TestPaperGatewayRecordsExecutedInstructions(t *testing.T) {
	gateway := NewPaperGateway(0)
	features := []domain.FeatureVector{snapshotFeature("BTC-USDT", 100)}

	_, err := gateway.Execute(context.Background(), []domain.TradeInstruction{
		instruction("BTC-USDT", domain.SideBuy, 1, 0),
	}, features)
	require.NoError(t, err)

	executed := gateway.Executed()
	require.Len(t, executed, 1)
	assert.Equal(t, "inst-BTC-USDT-BUY", executed[0].InstructionID)
}

func TestPaperGatewayHonorsCancelledContext(t *testing.T) {
	gateway := NewPaperGateway(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gateway.Execute(ctx, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewSelectsGatewayByTradingMode(t *testing.T) {
	paper, err := New(domain.ExchangeConfig{TradingMode: domain.TradingModePaper, FeeBps: 10})
	require.NoError(t, err)
	assert.IsType(t, &PaperGateway{}, paper)

	live, err := New(domain.ExchangeConfig{
		TradingMode: domain.TradingModeLive,
		MarketType:  domain.MarketTypePerp,
		APIKey:      "k",
		SecretKey:   "s",
	})
	require.NoError(t, err)
	assert.IsType(t, &LiveGateway{}, live)
}
