// Package execution routes normalized trade instructions to a broker: a paper
// simulator or a live exchange. Gateways return exactly one TxResult per
// instruction; per-order failures surface as REJECTED or ERROR results, never
// as Go errors, so one bad order cannot abort a batch.
package execution

import (
	"context"
	"fmt"

	"github.com/alanwei/tradeforge/internal/domain"
)

// Gateway executes trade instructions against an exchange or simulator.
type Gateway interface {
	// Execute submits the instructions and returns one result per instruction,
	// in order. marketFeatures carries the market snapshot vectors used for
	// reference pricing.
	Execute(ctx context.Context, instructions []domain.TradeInstruction, marketFeatures []domain.FeatureVector) ([]domain.TxResult, error)
	// Close releases held resources. Safe to call more than once.
	Close() error
}

// BalanceProvider is implemented by gateways that can report exchange
// balances. Live runtimes seed initial capital from it.
type BalanceProvider interface {
	// FreeCash returns the free and total quote-currency balance aggregated
	// over the quote assets of the given symbols.
	FreeCash(ctx context.Context, symbols []string) (free, total float64, err error)
}

// PositionProvider is implemented by gateways that can report open exchange
// positions, used to reconcile the ledger in live mode.
type PositionProvider interface {
	Positions(ctx context.Context, symbols []string) ([]domain.PositionSnapshot, error)
}

// New creates the gateway for the configured trading mode. Live mode requires
// exchange credentials; the request validator guarantees them, this re-checks
// for direct construction.
func New(cfg domain.ExchangeConfig) (Gateway, error) {
	switch cfg.TradingMode {
	case domain.TradingModePaper:
		return NewPaperGateway(cfg.FeeBps), nil
	case domain.TradingModeLive:
		if cfg.APIKey == "" || cfg.SecretKey == "" {
			return nil, fmt.Errorf("execution: live trading requires api_key and secret_key: %w", domain.ErrInvalidRequest)
		}
		return NewLiveGateway(cfg), nil
	default:
		return nil, fmt.Errorf("execution: trading mode %q: %w", cfg.TradingMode, domain.ErrUnsupportedMode)
	}
}
