package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanwei/tradeforge/internal/decision"
	"github.com/alanwei/tradeforge/internal/domain"
	"github.com/alanwei/tradeforge/internal/execution"
	"github.com/alanwei/tradeforge/internal/features"
	"github.com/alanwei/tradeforge/internal/history"
	"github.com/alanwei/tradeforge/internal/marketdata"
	"github.com/alanwei/tradeforge/internal/portfolio"
)

// Options are the pluggable collaborators for runtime construction. Every
// field is optional; zero values select the defaults for the request.
type Options struct {
	// Source overrides the market data source (e.g. a cache-backed or
	// simulated source). Defaults to the exchange REST source.
	Source marketdata.Source
	// Composer overrides the decision policy. Defaults to the registry
	// builder for the request's strategy type.
	Composer decision.Composer
	// Notifier receives plan notifications from the LLM composer.
	Notifier decision.PlanNotifier
	// Sink receives cycle results. Required.
	Sink domain.CycleSink
	// Hooks are optional lifecycle callbacks.
	Hooks Hooks
}

// DefaultRegistry returns the composer registry with the built-in policies
// registered: the LLM planner and the rule-based grid.
func DefaultRegistry(notifier decision.PlanNotifier, logger *slog.Logger) *decision.Registry {
	registry := decision.NewRegistry()
	registry.Register(domain.PolicyLLM, func(request domain.UserRequest) (decision.Composer, error) {
		client := decision.NewOpenAIChatClient(request.LLMModelConfig, logger)
		return decision.NewLLMComposer(request, client, notifier, logger), nil
	})
	registry.Register(domain.PolicyGrid, func(request domain.UserRequest) (decision.Composer, error) {
		return decision.NewGridComposer(request, logger), nil
	})
	return registry
}

// NewRuntimeFromRequest validates the request and assembles a full strategy
// runtime: gateway, portfolio ledger, feature pipeline, composer, history,
// and the cycle loop. In live mode the initial capital is seeded from the
// exchange's free cash.
func NewRuntimeFromRequest(ctx context.Context, request domain.UserRequest, opts Options, logger *slog.Logger) (*Runtime, error) {
	request.ApplyDefaults()
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("engine: cycle sink is required: %w", domain.ErrInvalidRequest)
	}

	gateway, err := execution.New(request.ExchangeConfig)
	if err != nil {
		return nil, err
	}

	if request.ExchangeConfig.TradingMode == domain.TradingModeLive {
		if balances, ok := gateway.(execution.BalanceProvider); ok {
			free, _, err := balances.FreeCash(ctx, request.TradingConfig.Symbols)
			if err != nil {
				logger.Warn("seeding capital from exchange failed, using configured initial_capital",
					slog.String("error", err.Error()),
				)
			} else if free > 0 {
				request.TradingConfig.InitialCapital = free
			} else {
				logger.Warn("exchange reports zero free cash, strategy cannot open positions")
			}
		}
	}

	strategyID := request.TradingConfig.StrategyID
	if strategyID == "" {
		strategyID = newID("strategy")
	}

	portfolioSvc := portfolio.NewInMemoryService(
		request.TradingConfig.InitialCapital,
		request.ExchangeConfig.MarketType,
		request.BaseConstraints(),
		strategyID,
	)

	source := opts.Source
	if source == nil {
		if request.ExchangeConfig.ExchangeID == marketdata.SimExchangeID {
			source = marketdata.NewSimSource(time.Now().UnixNano())
		} else {
			source = marketdata.NewBinanceSource("", request.ExchangeConfig.MarketType, logger)
		}
	}
	pipeline, err := features.NewDefaultPipeline(request, source, logger)
	if err != nil {
		return nil, err
	}

	composer := opts.Composer
	if composer == nil {
		composer, err = DefaultRegistry(opts.Notifier, logger).Build(request)
		if err != nil {
			return nil, err
		}
	}
	// Every composer output re-passes the hard limits, including injected ones.
	composer = decision.NewRiskFilteredComposer(composer, request, logger)

	recorder := history.NewInMemoryRecorder(history.DefaultHistoryLimit)
	digests := history.NewRollingDigestBuilder(50)

	coordinator := NewCoordinator(
		request, strategyID,
		portfolioSvc, pipeline, composer, gateway, recorder, digests,
		logger,
	)
	return NewRuntime(request, strategyID, coordinator, opts.Sink, opts.Hooks, logger), nil
}
