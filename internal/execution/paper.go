package execution

import (
	"context"
	"sync"

	"github.com/alanwei/tradeforge/internal/domain"
	"github.com/alanwei/tradeforge/internal/features"
)

// PaperGateway simulates fills against snapshot reference prices. Buys fill
// at price * (1 + slippage), sells at price * (1 - slippage), and a flat fee
// rate applies to the executed notional. Every order fills in full.
type PaperGateway struct {
	feeBps float64

	mu       sync.Mutex
	executed []domain.TradeInstruction
}

// NewPaperGateway creates a paper gateway charging the given fee rate in
// basis points.
func NewPaperGateway(feeBps float64) *PaperGateway {
	return &PaperGateway{feeBps: feeBps}
}

// Execute simulates one fill per instruction.
func (g *PaperGateway) Execute(ctx context.Context, instructions []domain.TradeInstruction, marketFeatures []domain.FeatureVector) ([]domain.TxResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	priceMap := features.PriceMap(marketFeatures)
	results := make([]domain.TxResult, 0, len(instructions))

	g.mu.Lock()
	g.executed = append(g.executed, instructions...)
	g.mu.Unlock()

	for _, inst := range instructions {
		refPrice := priceMap[inst.Instrument.Symbol]
		slip := inst.MaxSlippageBps / 10_000

		execPrice := refPrice * (1 + slip)
		if inst.Side == domain.SideSell {
			execPrice = refPrice * (1 - slip)
		}

		notional := execPrice * inst.Quantity
		feeCost := 0.0
		if notional > 0 {
			feeCost = notional * g.feeBps / 10_000
		}

		results = append(results, domain.TxResult{
			InstructionID: inst.InstructionID,
			Instrument:    inst.Instrument,
			Side:          inst.Side,
			RequestedQty:  inst.Quantity,
			FilledQty:     inst.Quantity,
			AvgExecPrice:  execPrice,
			SlippageBps:   inst.MaxSlippageBps,
			FeeCost:       feeCost,
			Leverage:      inst.Leverage,
			Status:        domain.TxFilled,
			Meta:          inst.Meta,
		})
	}
	return results, nil
}

// Executed returns a copy of every instruction submitted so far.
func (g *PaperGateway) Executed() []domain.TradeInstruction {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]domain.TradeInstruction, len(g.executed))
	copy(out, g.executed)
	return out
}

// Close is a no-op for the paper gateway.
func (g *PaperGateway) Close() error { return nil }

// Compile-time interface check.
var _ Gateway = (*PaperGateway)(nil)
