package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanwei/tradeforge/internal/domain"
)

// Hooks are optional lifecycle callbacks for strategy extensions. Hook errors
// and panics never stop the strategy; they are logged and swallowed.
type Hooks struct {
	OnStart func(ctx context.Context, rt *Runtime) error
	OnCycle func(ctx context.Context, result domain.DecisionCycleResult) error
	OnStop  func(ctx context.Context, reason domain.StopReason) error
}

// Runtime drives the decision loop for one strategy: run a cycle, publish the
// result, sleep for the decide interval, repeat. Stop() requests a graceful
// stop (positions are flattened); context cancellation stops without closing
// positions.
type Runtime struct {
	request     domain.UserRequest
	strategyID  string
	coordinator *Coordinator
	sink        domain.CycleSink
	hooks       Hooks
	interval    time.Duration
	logger      *slog.Logger
	stop        chan struct{}
}

// NewRuntime creates a runtime over a wired coordinator.
func NewRuntime(request domain.UserRequest, strategyID string, coordinator *Coordinator, sink domain.CycleSink, hooks Hooks, logger *slog.Logger) *Runtime {
	return &Runtime{
		request:     request,
		strategyID:  strategyID,
		coordinator: coordinator,
		sink:        sink,
		hooks:       hooks,
		interval:    time.Duration(request.TradingConfig.DecideInterval) * time.Second,
		logger:      logger.With(slog.String("component", "runtime"), slog.String("strategy_id", strategyID)),
		stop:        make(chan struct{}),
	}
}

// StrategyID returns the runtime's strategy id.
func (r *Runtime) StrategyID() string { return r.strategyID }

// Coordinator exposes the underlying coordinator for hooks and tests.
func (r *Runtime) Coordinator() *Coordinator { return r.coordinator }

// Stop requests a graceful stop after the current cycle. Open positions are
// closed before the runtime finalizes. Safe to call once.
func (r *Runtime) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// Run executes the decision loop until the context is cancelled or Stop is
// called. A failed cycle is published with its error and the loop continues;
// only cancellation or an explicit stop ends the strategy.
func (r *Runtime) Run(ctx context.Context) error {
	r.callHook(ctx, "on_start", func() error {
		if r.hooks.OnStart == nil {
			return nil
		}
		return r.hooks.OnStart(ctx, r)
	})

	r.logger.InfoContext(ctx, "starting decision loop",
		slog.Duration("interval", r.interval),
		slog.String("mode", string(r.request.ExchangeConfig.TradingMode)),
	)

	stopReason := r.loop(ctx)

	// Positions are flattened only on a deliberate stop; cancellation leaves
	// the book untouched for a resume.
	if stopReason == domain.StopNormalExit {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if _, err := r.coordinator.CloseAllPositions(closeCtx); err != nil {
			r.logger.Error("closing positions on stop failed", slog.String("error", err.Error()))
			stopReason = domain.StopErrorClosingPositions
		}
	}

	r.callHook(ctx, "on_stop", func() error {
		if r.hooks.OnStop == nil {
			return nil
		}
		return r.hooks.OnStop(ctx, stopReason)
	})

	r.publishStop(ctx, stopReason)

	if err := r.coordinator.Close(); err != nil {
		r.logger.Warn("coordinator close failed", slog.String("error", err.Error()))
	}

	r.logger.Info("strategy stopped", slog.String("reason", string(stopReason)))
	if stopReason == domain.StopCancelled {
		return context.Canceled
	}
	return nil
}

func (r *Runtime) loop(ctx context.Context) domain.StopReason {
	for {
		select {
		case <-ctx.Done():
			return domain.StopCancelled
		case <-r.stop:
			return domain.StopNormalExit
		default:
		}

		result, err := r.coordinator.RunOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return domain.StopCancelled
			}
			r.logger.ErrorContext(ctx, "cycle failed", slog.String("error", err.Error()))
		} else {
			r.logger.InfoContext(ctx, "cycle completed",
				slog.Int64("cycle_index", result.CycleIndex),
				slog.Int("instructions", len(result.Instructions)),
				slog.Int("trades", len(result.Trades)),
			)
		}

		if pubErr := r.sink.Publish(ctx, result); pubErr != nil {
			r.logger.WarnContext(ctx, "publish cycle result failed", slog.String("error", pubErr.Error()))
		}

		r.callHook(ctx, "on_cycle", func() error {
			if r.hooks.OnCycle == nil {
				return nil
			}
			return r.hooks.OnCycle(ctx, result)
		})

		select {
		case <-ctx.Done():
			return domain.StopCancelled
		case <-r.stop:
			return domain.StopNormalExit
		case <-time.After(r.interval):
		}
	}
}

// callHook runs a lifecycle hook, containing both errors and panics.
func (r *Runtime) callHook(ctx context.Context, name string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "hook panicked", slog.String("hook", name), slog.Any("panic", rec))
		}
	}()
	if err := fn(); err != nil {
		r.logger.ErrorContext(ctx, "hook failed", slog.String("hook", name), slog.String("error", err.Error()))
	}
}

func (r *Runtime) publishStop(ctx context.Context, reason domain.StopReason) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.sink.PublishStop(pubCtx, r.strategyID, reason, ""); err != nil {
		r.logger.Warn("publish stop failed", slog.String("error", err.Error()))
	}
}
