// Package stream delivers decision cycle results to their consumers: logs,
// durable storage, and any combination of both. Sinks are fire-and-forget
// from the runtime's perspective; a failing sink never stalls the loop.
package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanwei/tradeforge/internal/domain"
)

// LogSink writes a structured summary of each cycle to the logger. It is the
// default sink when no persistence backend is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log-backed cycle sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "cycle_sink"))}
}

// Publish logs the cycle outcome.
func (s *LogSink) Publish(ctx context.Context, result domain.DecisionCycleResult) error {
	if result.Failed() {
		s.logger.WarnContext(ctx, "cycle failed",
			slog.String("compose_id", result.ComposeID),
			slog.Int64("cycle_index", result.CycleIndex),
			slog.String("error", result.Err),
		)
		return nil
	}
	s.logger.InfoContext(ctx, "cycle result",
		slog.String("compose_id", result.ComposeID),
		slog.Int64("cycle_index", result.CycleIndex),
		slog.Int("instructions", len(result.Instructions)),
		slog.Int("trades", len(result.Trades)),
		slog.Float64("total_value", result.Summary.TotalValue),
		slog.Float64("realized_pnl", result.Summary.RealizedPnL),
		slog.Float64("unrealized_pnl", result.Summary.UnrealizedPnL),
	)
	return nil
}

// PublishStop logs the terminal status.
func (s *LogSink) PublishStop(ctx context.Context, strategyID string, reason domain.StopReason, detail string) error {
	s.logger.InfoContext(ctx, "strategy stopped",
		slog.String("strategy_id", strategyID),
		slog.String("reason", string(reason)),
		slog.String("detail", detail),
	)
	return nil
}

// StoreSink persists cycle results and trades through a CycleStore.
type StoreSink struct {
	store  domain.CycleStore
	logger *slog.Logger
}

// NewStoreSink creates a store-backed cycle sink.
func NewStoreSink(store domain.CycleStore, logger *slog.Logger) *StoreSink {
	return &StoreSink{store: store, logger: logger.With(slog.String("component", "store_sink"))}
}

// Publish saves the cycle and its trades. Trade persistence failures are
// reported but do not mask the cycle save.
func (s *StoreSink) Publish(ctx context.Context, result domain.DecisionCycleResult) error {
	if err := s.store.SaveCycle(ctx, result); err != nil {
		return err
	}
	if len(result.Trades) > 0 {
		if err := s.store.SaveTrades(ctx, result.Trades); err != nil {
			return err
		}
	}
	return nil
}

// PublishStop records the stop event.
func (s *StoreSink) PublishStop(ctx context.Context, strategyID string, reason domain.StopReason, detail string) error {
	return s.store.SaveStopEvent(ctx, strategyID, reason, detail, time.Now())
}

// MultiSink fans one result out to several sinks. Each sink is attempted even
// when an earlier one fails; the first error is returned.
type MultiSink struct {
	sinks []domain.CycleSink
}

// NewMultiSink combines the given sinks.
func NewMultiSink(sinks ...domain.CycleSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Publish delivers the result to every sink.
func (s *MultiSink) Publish(ctx context.Context, result domain.DecisionCycleResult) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, result); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishStop delivers the stop event to every sink.
func (s *MultiSink) PublishStop(ctx context.Context, strategyID string, reason domain.StopReason, detail string) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.PublishStop(ctx, strategyID, reason, detail); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Compile-time interface checks.
var (
	_ domain.CycleSink = (*LogSink)(nil)
	_ domain.CycleSink = (*StoreSink)(nil)
	_ domain.CycleSink = (*MultiSink)(nil)
)
