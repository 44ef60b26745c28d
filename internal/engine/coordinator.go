// Package engine orchestrates the decision cycle: portfolio view, feature
// build, digest, compose, execute, settle, record. The coordinator owns one
// cycle; the runtime owns the loop and the strategy lifecycle around it.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanwei/tradeforge/internal/decision"
	"github.com/alanwei/tradeforge/internal/domain"
	"github.com/alanwei/tradeforge/internal/execution"
	"github.com/alanwei/tradeforge/internal/features"
	"github.com/alanwei/tradeforge/internal/history"
	"github.com/alanwei/tradeforge/internal/portfolio"
)

// Coordinator runs one decision cycle end to end. It is owned by a single
// runtime goroutine; its mutable state (PnL accumulators, cycle index) is not
// safe for concurrent use.
type Coordinator struct {
	request    domain.UserRequest
	strategyID string

	portfolio portfolio.Service
	pipeline  features.Pipeline
	composer  decision.Composer
	gateway   execution.Gateway
	recorder  history.Recorder
	digests   history.DigestBuilder
	logger    *slog.Logger
	now       func() time.Time

	realizedPnL   float64
	unrealizedPnL float64
	cycleIndex    int64
}

// NewCoordinator wires a coordinator over fully constructed collaborators.
func NewCoordinator(
	request domain.UserRequest,
	strategyID string,
	portfolioSvc portfolio.Service,
	pipeline features.Pipeline,
	composer decision.Composer,
	gateway execution.Gateway,
	recorder history.Recorder,
	digests history.DigestBuilder,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		request:    request,
		strategyID: strategyID,
		portfolio:  portfolioSvc,
		pipeline:   pipeline,
		composer:   composer,
		gateway:    gateway,
		recorder:   recorder,
		digests:    digests,
		logger:     logger.With(slog.String("component", "coordinator"), slog.String("strategy_id", strategyID)),
		now:        time.Now,
	}
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// RunOnce executes one decision cycle. A failure before execution aborts the
// cycle and returns a result with Err set; the strategy itself keeps running
// and retries next cycle.
func (c *Coordinator) RunOnce(ctx context.Context) (domain.DecisionCycleResult, error) {
	timestampMs := c.now().UnixMilli()
	composeID := newID("compose")

	view := c.portfolio.View()
	view = c.syncLiveState(ctx, view)

	pipelineResult, err := c.pipeline.Build(ctx)
	if err != nil {
		return c.failedCycle(composeID, timestampMs, err), fmt.Errorf("engine: build features: %w: %w", domain.ErrCycleFailed, err)
	}
	featureVectors := pipelineResult.Features
	marketFeatures := marketSnapshotFeatures(featureVectors)

	digest := c.digests.Build(c.recorder.Records())

	composeCtx := domain.ComposeContext{
		Ts:         timestampMs,
		ComposeID:  composeID,
		StrategyID: c.strategyID,
		Features:   featureVectors,
		Portfolio:  view,
		Digest:     digest,
	}

	composeResult, err := c.composer.Compose(ctx, composeCtx)
	if err != nil {
		return c.failedCycle(composeID, timestampMs, err), fmt.Errorf("engine: compose: %w: %w", domain.ErrCycleFailed, err)
	}
	instructions := composeResult.Instructions
	rationale := composeResult.Rationale

	txResults, err := c.gateway.Execute(ctx, instructions, marketFeatures)
	if err != nil {
		return c.failedCycle(composeID, timestampMs, err), fmt.Errorf("engine: execute: %w: %w", domain.ErrCycleFailed, err)
	}

	instructions, rationale = dropFailedInstructions(instructions, txResults, rationale)

	// Trade history entries need the pre-apply view to detect position closes,
	// so they are derived before the ledger settles the fills.
	trades, annotated := c.createTrades(txResults, composeID, timestampMs)
	c.portfolio.ApplyTrades(txResults, marketFeatures)
	summary := c.buildSummary(timestampMs, trades)

	records := c.createHistoryRecords(timestampMs, composeID, featureVectors, instructions, trades, summary)
	for _, record := range records {
		c.recorder.Record(record)
	}

	digest = c.digests.Build(c.recorder.Records())
	c.cycleIndex++

	// Annotated opens ride along in the published trades so the store's
	// upsert picks up their exit fields; they are not re-recorded in history
	// and do not re-enter the PnL accumulators.
	return domain.DecisionCycleResult{
		ComposeID:      composeID,
		TimestampMs:    timestampMs,
		CycleIndex:     c.cycleIndex,
		Rationale:      rationale,
		Summary:        summary,
		Instructions:   instructions,
		Trades:         append(trades, annotated...),
		HistoryRecords: records,
		Digest:         digest,
		Portfolio:      c.portfolio.View(),
	}, nil
}

func (c *Coordinator) failedCycle(composeID string, timestampMs int64, err error) domain.DecisionCycleResult {
	return domain.DecisionCycleResult{
		ComposeID:   composeID,
		TimestampMs: timestampMs,
		CycleIndex:  c.cycleIndex,
		Portfolio:   c.portfolio.View(),
		Err:         err.Error(),
	}
}

// syncLiveState refreshes cash and positions from the exchange in live mode.
// Sync failures fall back to the cached view; live trading must not stall on
// a flaky balance endpoint.
func (c *Coordinator) syncLiveState(ctx context.Context, view domain.PortfolioView) domain.PortfolioView {
	if c.request.ExchangeConfig.TradingMode != domain.TradingModeLive {
		if c.request.ExchangeConfig.MarketType == domain.MarketTypeSpot {
			view.BuyingPower = math.Max(0, view.AccountBalance)
		}
		return view
	}

	balances, ok := c.gateway.(execution.BalanceProvider)
	if !ok {
		return view
	}
	free, total, err := balances.FreeCash(ctx, c.request.TradingConfig.Symbols)
	if err != nil {
		c.logger.WarnContext(ctx, "balance sync failed, using cached view", slog.String("error", err.Error()))
		return view
	}
	if free == 0 && total == 0 {
		c.logger.WarnContext(ctx, "balance sync returned zero free and total cash")
	}

	if c.request.ExchangeConfig.MarketType == domain.MarketTypeSpot {
		view.AccountBalance = free
		view.BuyingPower = math.Max(0, free)
	} else {
		view.AccountBalance = total
		view.BuyingPower = free
		view.FreeCash = free
	}

	if positions, ok := c.gateway.(execution.PositionProvider); ok {
		synced, err := positions.Positions(ctx, c.request.TradingConfig.Symbols)
		if err != nil {
			c.logger.WarnContext(ctx, "position sync failed, using cached positions", slog.String("error", err.Error()))
			return view
		}
		view.Positions = make(map[string]domain.PositionSnapshot, len(synced))
		for _, pos := range synced {
			view.Positions[pos.Instrument.Symbol] = pos
		}
	}
	return view
}

// dropFailedInstructions removes instructions whose execution was rejected or
// errored, appending the reasons to the rationale so the failure is visible
// downstream.
func dropFailedInstructions(instructions []domain.TradeInstruction, txResults []domain.TxResult, rationale string) ([]domain.TradeInstruction, string) {
	failed := make(map[string]bool)
	var warnings []string
	for _, tx := range txResults {
		if tx.Status == domain.TxRejected || tx.Status == domain.TxError {
			failed[tx.InstructionID] = true
			reason := tx.Reason
			if reason == "" {
				reason = "unknown error"
			}
			warnings = append(warnings, fmt.Sprintf("- skipped %s %s qty=%g: %s", tx.Instrument.Symbol, tx.Side, tx.RequestedQty, reason))
		}
	}
	if len(failed) == 0 {
		return instructions, rationale
	}

	kept := instructions[:0]
	for _, inst := range instructions {
		if !failed[inst.InstructionID] {
			kept = append(kept, inst)
		}
	}
	return kept, rationale + "\n\nExecution warnings:\n" + strings.Join(warnings, "\n")
}

// createTrades derives trade history entries from execution results against
// the pre-apply portfolio view. A fill that flattens an existing position
// becomes a closed entry tied back to the original open (entry price and
// timestamp); a partial reduction annotates the paired open entry in history
// and returns the updated entry in the second slice so sinks can re-persist
// its exit fields.
func (c *Coordinator) createTrades(txResults []domain.TxResult, composeID string, timestampMs int64) (trades, annotated []domain.TradeHistoryEntry) {
	preView := c.portfolio.View()

	for _, tx := range txResults {
		if !tx.Status.Succeeded() || tx.FilledQty == 0 {
			continue
		}

		qty := tx.FilledQty
		price := tx.AvgExecPrice
		fee := tx.FeeCost

		prevPos, hasPrev := preView.Positions[tx.Instrument.Symbol]
		prevQty := 0.0
		if hasPrev {
			prevQty = prevPos.Quantity
		}
		if price <= 0 && hasPrev {
			// A fill without an execution price settles at the last mark,
			// falling back to the entry price so the close realizes ~0.
			if prevPos.MarkPrice > 0 {
				price = prevPos.MarkPrice
			} else {
				price = prevPos.AvgPrice
			}
		}

		const eps = 1e-12
		var closeUnits float64
		isFullClose := false
		var posType domain.PositionType
		switch {
		case hasPrev && prevQty > 0 && tx.Side == domain.SideSell:
			closeUnits = math.Min(qty, prevQty)
			isFullClose = closeUnits >= prevQty-eps
			posType = domain.PositionLong
		case hasPrev && prevQty < 0 && tx.Side == domain.SideBuy:
			closeUnits = math.Min(qty, -prevQty)
			isFullClose = closeUnits >= -prevQty-eps
			posType = domain.PositionShort
		}

		var trade domain.TradeHistoryEntry
		if isFullClose && prevPos.AvgPrice > 0 {
			entryPx := prevPos.AvgPrice
			corePnL := (price - entryPx) * closeUnits
			if posType == domain.PositionShort {
				corePnL = (entryPx - price) * closeUnits
			}
			leverage := tx.Leverage
			if prevPos.Leverage > 0 {
				leverage = prevPos.Leverage
			}
			entryTs := prevPos.EntryTs
			if entryTs == 0 {
				entryTs = timestampMs
			}
			var holdingMs int64
			if prevPos.EntryTs > 0 {
				holdingMs = timestampMs - prevPos.EntryTs
			}

			trade = domain.TradeHistoryEntry{
				TradeID:       newID("trade"),
				ComposeID:     composeID,
				InstructionID: tx.InstructionID,
				StrategyID:    c.strategyID,
				Instrument:    tx.Instrument,
				Side:          tx.Side,
				Type:          posType,
				Quantity:      closeUnits,
				EntryPrice:    entryPx,
				ExitPrice:     price,
				AvgExecPrice:  price,
				EntryTs:       entryTs,
				ExitTs:        timestampMs,
				TradeTs:       timestampMs,
				HoldingMs:     holdingMs,
				RealizedPnL:   corePnL - fee,
				FeeCost:       fee,
				Leverage:      leverage,
				Closed:        true,
				Note:          tx.Meta[decision.MetaRationale],
			}
		} else {
			posDir := domain.PositionLong
			if tx.Side == domain.SideSell {
				posDir = domain.PositionShort
			}
			realized := 0.0
			if price*qty > 0 {
				realized = -fee
			}
			trade = domain.TradeHistoryEntry{
				TradeID:       newID("trade"),
				ComposeID:     composeID,
				InstructionID: tx.InstructionID,
				StrategyID:    c.strategyID,
				Instrument:    tx.Instrument,
				Side:          tx.Side,
				Type:          posDir,
				Quantity:      qty,
				EntryPrice:    price,
				AvgExecPrice:  price,
				EntryTs:       timestampMs,
				TradeTs:       timestampMs,
				RealizedPnL:   realized,
				FeeCost:       fee,
				Leverage:      tx.Leverage,
				Note:          tx.Meta[decision.MetaRationale],
			}
		}

		isClosing := hasPrev && ((prevQty > 0 && tx.Side == domain.SideSell) || (prevQty < 0 && tx.Side == domain.SideBuy))
		if isClosing && !isFullClose {
			if paired, ok := c.annotatePairedOpen(tx.Instrument.Symbol, price, qty, timestampMs); ok {
				suffix := "paired_exit_of:" + paired.TradeID
				if trade.Note != "" {
					trade.Note += " " + suffix
				} else {
					trade.Note = suffix
				}
				annotated = append(annotated, paired)
			}
		}

		trades = append(trades, trade)
	}
	return trades, annotated
}

// annotatePairedOpen finds the most recent open trade entry for the symbol in
// recorded history and stamps its exit fields, returning the updated entry.
func (c *Coordinator) annotatePairedOpen(symbol string, exitPrice, exitQty float64, timestampMs int64) (domain.TradeHistoryEntry, bool) {
	records := c.recorder.Records()
	for i := len(records) - 1; i >= 0; i-- {
		record := records[i]
		if record.Kind != domain.RecordExecution {
			continue
		}
		trades, ok := record.Payload[history.PayloadTrades].([]domain.TradeHistoryEntry)
		if !ok {
			continue
		}
		for j := len(trades) - 1; j >= 0; j-- {
			t := &trades[j]
			if t.Instrument.Symbol != symbol || t.ExitTs != 0 || t.ExitPrice != 0 {
				continue
			}
			t.ExitPrice = exitPrice
			t.ExitTs = timestampMs
			if entryTs := t.EntryTs; entryTs > 0 {
				t.HoldingMs = timestampMs - entryTs
			}
			t.Closed = true
			return *t, true
		}
	}
	return domain.TradeHistoryEntry{}, false
}

// buildSummary updates the running PnL accumulators and emits the compact
// strategy summary for this cycle.
func (c *Coordinator) buildSummary(timestampMs int64, trades []domain.TradeHistoryEntry) domain.StrategySummary {
	for _, trade := range trades {
		c.realizedPnL += trade.RealizedPnL
	}

	view := c.portfolio.View()
	c.unrealizedPnL = view.TotalUnrealizedPnL
	equity := view.TotalValue

	var pnlPct float64
	if initial := c.request.TradingConfig.InitialCapital; initial > 0 {
		pnlPct = (c.realizedPnL + c.unrealizedPnL) / initial
	}

	name := c.request.TradingConfig.StrategyName
	if name == "" {
		name = c.strategyID
	}

	return domain.StrategySummary{
		StrategyID:    c.strategyID,
		Name:          name,
		ModelProvider: c.request.LLMModelConfig.Provider,
		ModelID:       c.request.LLMModelConfig.ModelID,
		ExchangeID:    c.request.ExchangeConfig.ExchangeID,
		Mode:          c.request.ExchangeConfig.TradingMode,
		Status:        domain.StrategyRunning,
		RealizedPnL:   c.realizedPnL,
		PnLPct:        pnlPct,
		UnrealizedPnL: c.unrealizedPnL,
		TotalValue:    equity,
		LastUpdatedTs: timestampMs,
	}
}

func (c *Coordinator) createHistoryRecords(
	timestampMs int64,
	composeID string,
	featureVectors []domain.FeatureVector,
	instructions []domain.TradeInstruction,
	trades []domain.TradeHistoryEntry,
	summary domain.StrategySummary,
) []domain.HistoryRecord {
	return []domain.HistoryRecord{
		{
			Ts:          timestampMs,
			Kind:        domain.RecordFeatures,
			ReferenceID: composeID,
			Payload:     map[string]any{"features": featureVectors},
		},
		{
			Ts:          timestampMs,
			Kind:        domain.RecordCompose,
			ReferenceID: composeID,
			Payload:     map[string]any{history.PayloadSummary: summary},
		},
		{
			Ts:          timestampMs,
			Kind:        domain.RecordInstructions,
			ReferenceID: composeID,
			Payload:     map[string]any{"instructions": instructions},
		},
		{
			Ts:          timestampMs,
			Kind:        domain.RecordExecution,
			ReferenceID: composeID,
			Payload:     map[string]any{history.PayloadTrades: trades},
		},
	}
}

// CloseAllPositions flattens every open position with reduce-only market
// orders, settles the fills, and records the resulting trades. Failures are
// returned so the runtime can escalate the stop reason.
func (c *Coordinator) CloseAllPositions(ctx context.Context) ([]domain.TradeHistoryEntry, error) {
	view := c.portfolio.View()
	if len(view.Positions) == 0 {
		return nil, nil
	}

	composeID := newID("close_all")
	timestampMs := c.now().UnixMilli()

	var instructions []domain.TradeInstruction
	for _, pos := range view.Positions {
		if pos.Quantity == 0 {
			continue
		}
		side := domain.SideSell
		action := domain.ActionCloseLong
		if pos.Quantity < 0 {
			side = domain.SideBuy
			action = domain.ActionCloseShort
		}
		instructions = append(instructions, domain.TradeInstruction{
			InstructionID: newID("inst"),
			ComposeID:     composeID,
			Instrument:    pos.Instrument,
			Action:        action,
			Side:          side,
			Quantity:      math.Abs(pos.Quantity),
			Meta: map[string]string{
				decision.MetaRationale:  "strategy stopped: closing all positions",
				decision.MetaReduceOnly: "true",
			},
		})
	}
	if len(instructions) == 0 {
		return nil, nil
	}

	c.logger.InfoContext(ctx, "closing all positions", slog.Int("instructions", len(instructions)))

	// The stop path has no fresh pipeline build; price the flatten orders off
	// the ledger's own marks so fills never settle at zero.
	marketFeatures := markPriceFeatures(view)
	txResults, err := c.gateway.Execute(ctx, instructions, marketFeatures)
	if err != nil {
		return nil, fmt.Errorf("engine: close all positions: %w", err)
	}

	trades, annotated := c.createTrades(txResults, composeID, timestampMs)
	c.portfolio.ApplyTrades(txResults, marketFeatures)

	if len(trades) > 0 {
		c.recorder.Record(domain.HistoryRecord{
			Ts:          timestampMs,
			Kind:        domain.RecordExecution,
			ReferenceID: composeID,
			Payload:     map[string]any{history.PayloadTrades: trades},
		})
	}
	return append(trades, annotated...), nil
}

// View exposes the current portfolio view for lifecycle reporting.
func (c *Coordinator) View() domain.PortfolioView {
	return c.portfolio.View()
}

// Summary builds a summary outside a cycle (initial and final reporting).
func (c *Coordinator) Summary() domain.StrategySummary {
	return c.buildSummary(c.now().UnixMilli(), nil)
}

// Close releases the execution gateway.
func (c *Coordinator) Close() error {
	return c.gateway.Close()
}

func marketSnapshotFeatures(featureVectors []domain.FeatureVector) []domain.FeatureVector {
	var out []domain.FeatureVector
	for _, fv := range featureVectors {
		if fv.Group() == domain.GroupMarketSnapshot {
			out = append(out, fv)
		}
	}
	return out
}

// markPriceFeatures synthesizes a snapshot bundle from the ledger's own mark
// prices, falling back to entry prices, so stop-path fills always carry a
// price reference.
func markPriceFeatures(view domain.PortfolioView) []domain.FeatureVector {
	var out []domain.FeatureVector
	for _, pos := range view.Positions {
		px := pos.MarkPrice
		if px <= 0 {
			px = pos.AvgPrice
		}
		if px <= 0 {
			continue
		}
		out = append(out, domain.FeatureVector{
			Ts:         view.Ts,
			Instrument: pos.Instrument,
			Values:     map[string]float64{"price.last": px},
			Meta:       map[string]string{domain.MetaGroupByKey: domain.GroupMarketSnapshot},
		})
	}
	return out
}
