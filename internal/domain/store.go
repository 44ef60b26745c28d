package domain

import (
	"context"
	"time"
)

// CycleStore persists decision cycle results and their trade history entries.
// Implemented by the postgres store; consumed by the persisting cycle sink.
type CycleStore interface {
	SaveCycle(ctx context.Context, result DecisionCycleResult) error
	SaveTrades(ctx context.Context, trades []TradeHistoryEntry) error
	ListTrades(ctx context.Context, strategyID string, limit int) ([]TradeHistoryEntry, error)
	SaveStopEvent(ctx context.Context, strategyID string, reason StopReason, detail string, ts time.Time) error
}

// PriceCache caches last-known instrument prices keyed by symbol.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// BlobWriter writes an object to blob storage under the given key.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}
