// Package app provides the top-level application lifecycle for the strategy
// engine. It wires infrastructure (store, cache, archive, notifications) from
// the configuration, builds one runtime per configured strategy, and
// supervises them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanwei/tradeforge/internal/config"
	"github.com/alanwei/tradeforge/internal/domain"
	"github.com/alanwei/tradeforge/internal/engine"
	"github.com/alanwei/tradeforge/internal/marketdata"
	"github.com/alanwei/tradeforge/internal/notify"
	"github.com/alanwei/tradeforge/internal/stream"
)

// strategyLockTTL bounds how long a crashed process keeps its strategy lock.
// Running strategies refresh it every cycle.
const strategyLockTTL = 5 * time.Minute

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run is the main entry point. It wires all dependencies, builds one runtime
// per configured strategy, and blocks until every runtime has stopped. A
// cancelled context is a clean shutdown, not an error.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.Int("strategies", len(a.cfg.Strategies)),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	sink := buildSink(deps, a.logger)
	planChannel := notify.NewPlanChannel(deps.Notifier)

	g, gctx := errgroup.WithContext(ctx)

	// With a price cache wired, a shared miniTicker stream keeps cached prices
	// fresh between the per-strategy REST polls.
	if deps.PriceCache != nil {
		symbols := exchangeSymbols(a.cfg.Strategies)
		if len(symbols) > 0 {
			ticker := marketdata.NewTickerStream("", symbols, deps.PriceCache, a.logger)
			a.closers = append(a.closers, ticker.Close)
			g.Go(func() error {
				err := ticker.Run(gctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		}
	}

	for _, sc := range a.cfg.Strategies {
		request := sc.Request(a.cfg.LLM)
		request.ApplyDefaults()

		opts := engine.Options{
			Sink:     sink,
			Notifier: planChannel,
			Hooks:    a.strategyHooks(deps),
		}
		if deps.PriceCache != nil && sc.Exchange.ExchangeID != marketdata.SimExchangeID {
			base := marketdata.NewBinanceSource("", request.ExchangeConfig.MarketType, a.logger)
			opts.Source = marketdata.NewCachedSource(base, deps.PriceCache, a.logger)
		}

		rt, err := engine.NewRuntimeFromRequest(ctx, request, opts, a.logger)
		if err != nil {
			return fmt.Errorf("app: strategy %s: %w", sc.Name, err)
		}

		if deps.StrategyLock != nil {
			unlock, err := deps.StrategyLock.Acquire(ctx, rt.StrategyID(), strategyLockTTL)
			if err != nil {
				return fmt.Errorf("app: strategy %s: %w", sc.Name, err)
			}
			a.closers = append(a.closers, unlock)
		}

		a.logger.InfoContext(ctx, "strategy wired",
			slog.String("name", sc.Name),
			slog.String("strategy_id", rt.StrategyID()),
			slog.Bool("close_on_stop", sc.CloseOnStop),
		)

		if sc.CloseOnStop {
			// Detach from cancellation so the runtime finishes its graceful
			// stop (flattening positions) after the signal arrives.
			runCtx := context.WithoutCancel(gctx)
			go func() {
				<-gctx.Done()
				rt.Stop()
			}()
			g.Go(func() error { return rt.Run(runCtx) })
		} else {
			g.Go(func() error { return rt.Run(gctx) })
		}
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// exchangeSymbols collects the deduplicated symbol set of every strategy that
// trades against a real exchange. Simulated strategies have no live ticks.
func exchangeSymbols(strategies []config.StrategyConfig) []string {
	seen := make(map[string]bool)
	var symbols []string
	for _, sc := range strategies {
		if sc.Exchange.ExchangeID == marketdata.SimExchangeID {
			continue
		}
		for _, symbol := range sc.Symbols {
			if symbol == "" || seen[symbol] {
				continue
			}
			seen[symbol] = true
			symbols = append(symbols, symbol)
		}
	}
	return symbols
}

// buildSink combines the configured cycle sinks. Logging is always on; store,
// bus, and archive sinks join when their backends are wired.
func buildSink(deps *Dependencies, logger *slog.Logger) domain.CycleSink {
	sinks := []domain.CycleSink{stream.NewLogSink(logger)}
	if deps.CycleStore != nil {
		sinks = append(sinks, stream.NewStoreSink(deps.CycleStore, logger))
	}
	if deps.CycleBus != nil {
		sinks = append(sinks, deps.CycleBus)
	}
	if deps.Archiver != nil {
		sinks = append(sinks, deps.Archiver)
	}
	if len(sinks) == 1 {
		return sinks[0]
	}
	return stream.NewMultiSink(sinks...)
}

// strategyHooks wires cross-cutting behavior into the runtime lifecycle:
// lock refresh and operator alerts for failed cycles and stops.
func (a *App) strategyHooks(deps *Dependencies) engine.Hooks {
	return engine.Hooks{
		OnCycle: func(ctx context.Context, result domain.DecisionCycleResult) error {
			if deps.StrategyLock != nil {
				if err := deps.StrategyLock.Refresh(ctx, result.Summary.StrategyID, strategyLockTTL); err != nil {
					a.logger.WarnContext(ctx, "strategy lock refresh failed",
						slog.String("strategy_id", result.Summary.StrategyID),
						slog.String("error", err.Error()),
					)
				}
			}
			if result.Failed() {
				return deps.Notifier.Notify(ctx, notify.EventCycleError,
					"Cycle failed: "+result.Summary.StrategyID, result.Err)
			}
			return nil
		},
		OnStop: func(ctx context.Context, reason domain.StopReason) error {
			return deps.Notifier.Notify(ctx, notify.EventStop, "Strategy stopped", string(reason))
		},
	}
}
