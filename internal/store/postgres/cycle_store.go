package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanwei/tradeforge/internal/domain"
)

// CycleStore implements domain.CycleStore using PostgreSQL. Structured cycle
// payloads (summary, instructions, digest, portfolio) are stored as JSONB;
// trade history entries get their own rows so they can be queried per
// strategy without unpacking cycle documents.
type CycleStore struct {
	pool *pgxpool.Pool
}

// NewCycleStore creates a new CycleStore backed by the given connection pool.
func NewCycleStore(pool *pgxpool.Pool) *CycleStore {
	return &CycleStore{pool: pool}
}

// SaveCycle upserts one decision cycle result keyed by compose_id.
func (s *CycleStore) SaveCycle(ctx context.Context, result domain.DecisionCycleResult) error {
	summary, err := json.Marshal(result.Summary)
	if err != nil {
		return fmt.Errorf("postgres: marshal cycle summary: %w", err)
	}
	instructions, err := json.Marshal(result.Instructions)
	if err != nil {
		return fmt.Errorf("postgres: marshal cycle instructions: %w", err)
	}
	digest, err := json.Marshal(result.Digest)
	if err != nil {
		return fmt.Errorf("postgres: marshal cycle digest: %w", err)
	}
	portfolio, err := json.Marshal(result.Portfolio)
	if err != nil {
		return fmt.Errorf("postgres: marshal cycle portfolio: %w", err)
	}

	const query = `
		INSERT INTO decision_cycles (
			compose_id, strategy_id, cycle_index, ts_ms,
			rationale, summary, instructions, digest, portfolio, error
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9, $10
		) ON CONFLICT (compose_id) DO UPDATE SET
			rationale = EXCLUDED.rationale,
			summary = EXCLUDED.summary,
			instructions = EXCLUDED.instructions,
			digest = EXCLUDED.digest,
			portfolio = EXCLUDED.portfolio,
			error = EXCLUDED.error`

	if _, err := s.pool.Exec(ctx, query,
		result.ComposeID, result.Summary.StrategyID, result.CycleIndex, result.TimestampMs,
		result.Rationale, summary, instructions, digest, portfolio, result.Err,
	); err != nil {
		return fmt.Errorf("postgres: save cycle %s: %w", result.ComposeID, err)
	}
	return nil
}

// SaveTrades upserts trade history entries using pgx Batch. A trade id seen
// again (for example an open entry later annotated with its exit) overwrites
// the earlier row.
func (s *CycleStore) SaveTrades(ctx context.Context, trades []domain.TradeHistoryEntry) error {
	if len(trades) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO trade_history (
			trade_id, compose_id, instruction_id, strategy_id,
			symbol, exchange_id, side, position_type, quantity,
			entry_price, exit_price, avg_exec_price,
			entry_ts, exit_ts, trade_ts, holding_ms,
			realized_pnl, fee_cost, leverage, closed, note
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19, $20, $21
		) ON CONFLICT (trade_id) DO UPDATE SET
			exit_price = EXCLUDED.exit_price,
			exit_ts = EXCLUDED.exit_ts,
			holding_ms = EXCLUDED.holding_ms,
			realized_pnl = EXCLUDED.realized_pnl,
			closed = EXCLUDED.closed,
			note = EXCLUDED.note`

	for _, t := range trades {
		batch.Queue(query,
			t.TradeID, t.ComposeID, t.InstructionID, t.StrategyID,
			t.Instrument.Symbol, t.Instrument.ExchangeID, string(t.Side), string(t.Type), t.Quantity,
			t.EntryPrice, t.ExitPrice, t.AvgExecPrice,
			t.EntryTs, t.ExitTs, t.TradeTs, t.HoldingMs,
			t.RealizedPnL, t.FeeCost, t.Leverage, t.Closed, t.Note,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range trades {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: save trade batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListTrades returns the most recent trades for a strategy, newest first.
func (s *CycleStore) ListTrades(ctx context.Context, strategyID string, limit int) ([]domain.TradeHistoryEntry, error) {
	query := `
		SELECT trade_id, compose_id, instruction_id, strategy_id,
			symbol, exchange_id, side, position_type, quantity,
			entry_price, exit_price, avg_exec_price,
			entry_ts, exit_ts, trade_ts, holding_ms,
			realized_pnl, fee_cost, leverage, closed, note
		FROM trade_history
		WHERE strategy_id = $1
		ORDER BY trade_ts DESC`
	args := []any{strategyID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.TradeHistoryEntry
	for rows.Next() {
		var (
			t    domain.TradeHistoryEntry
			side string
			kind string
		)
		if err := rows.Scan(
			&t.TradeID, &t.ComposeID, &t.InstructionID, &t.StrategyID,
			&t.Instrument.Symbol, &t.Instrument.ExchangeID, &side, &kind, &t.Quantity,
			&t.EntryPrice, &t.ExitPrice, &t.AvgExecPrice,
			&t.EntryTs, &t.ExitTs, &t.TradeTs, &t.HoldingMs,
			&t.RealizedPnL, &t.FeeCost, &t.Leverage, &t.Closed, &t.Note,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		t.Side = domain.Side(side)
		t.Type = domain.PositionType(kind)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	return trades, nil
}

// SaveStopEvent records a strategy stop with its reason.
func (s *CycleStore) SaveStopEvent(ctx context.Context, strategyID string, reason domain.StopReason, detail string, ts time.Time) error {
	const query = `
		INSERT INTO strategy_stop_events (strategy_id, reason, detail, stopped_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, query, strategyID, string(reason), detail, ts); err != nil {
		return fmt.Errorf("postgres: save stop event: %w", err)
	}
	return nil
}

var _ domain.CycleStore = (*CycleStore)(nil)
