// Package portfolio is the authoritative in-process ledger of cash, positions,
// and derived metrics for one strategy. It is mutated only by applying
// executed trades; no other component may change position or cash state.
package portfolio

import "github.com/alanwei/tradeforge/internal/domain"

// Service is the portfolio contract consumed by the decision coordinator.
type Service interface {
	// View returns a point-in-time, copy-on-read snapshot. Two calls without an
	// intervening ApplyTrades return equal snapshots (modulo the view ts).
	View() domain.PortfolioView
	// ApplyTrades settles executed results against the ledger. REJECTED and
	// ERROR results are no-ops. Mark prices are refreshed from the market
	// features bundle.
	ApplyTrades(trades []domain.TxResult, marketFeatures []domain.FeatureVector)
	// SetInitialCapital replaces the ledger's cash before the first cycle, used
	// when live mode seeds capital from the exchange balance.
	SetInitialCapital(capital float64)
}
