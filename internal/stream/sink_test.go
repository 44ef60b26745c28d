package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanwei/tradeforge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingStore struct {
	cycles     []domain.DecisionCycleResult
	trades     [][]domain.TradeHistoryEntry
	stops      []domain.StopReason
	cycleErr   error
	tradesErr  error
	stopEvtErr error
}

func (s *recordingStore) SaveCycle(ctx context.Context, result domain.DecisionCycleResult) error {
	s.cycles = append(s.cycles, result)
	return s.cycleErr
}

func (s *recordingStore) SaveTrades(ctx context.Context, trades []domain.TradeHistoryEntry) error {
	s.trades = append(s.trades, trades)
	return s.tradesErr
}

func (s *recordingStore) ListTrades(ctx context.Context, strategyID string, limit int) ([]domain.TradeHistoryEntry, error) {
	return nil, nil
}

func (s *recordingStore) SaveStopEvent(ctx context.Context, strategyID string, reason domain.StopReason, detail string, ts time.Time) error {
	s.stops = append(s.stops, reason)
	return s.stopEvtErr
}

type stubSink struct {
	published int
	stops     int
	err       error
}

func (s *stubSink) Publish(ctx context.Context, result domain.DecisionCycleResult) error {
	s.published++
	return s.err
}

func (s *stubSink) PublishStop(ctx context.Context, strategyID string, reason domain.StopReason, detail string) error {
	s.stops++
	return s.err
}

func cycleResult(trades int) domain.DecisionCycleResult {
	result := domain.DecisionCycleResult{
		ComposeID:  "compose_1",
		CycleIndex: 1,
		Summary:    domain.StrategySummary{StrategyID: "strat-1"},
	}
	for i := 0; i < trades; i++ {
		result.Trades = append(result.Trades, domain.TradeHistoryEntry{TradeID: "t1"})
	}
	return result
}

func TestStoreSinkSavesCycleAndTrades(t *testing.T) {
	store := &recordingStore{}
	sink := NewStoreSink(store, testLogger())

	require.NoError(t, sink.Publish(context.Background(), cycleResult(2)))
	require.Len(t, store.cycles, 1)
	require.Len(t, store.trades, 1)
	assert.Len(t, store.trades[0], 2)
}

func TestStoreSinkSkipsEmptyTradeBatch(t *testing.T) {
	store := &recordingStore{}
	sink := NewStoreSink(store, testLogger())

	require.NoError(t, sink.Publish(context.Background(), cycleResult(0)))
	assert.Len(t, store.cycles, 1)
	assert.Empty(t, store.trades)
}

func TestStoreSinkPropagatesCycleError(t *testing.T) {
	store := &recordingStore{cycleErr: errors.New("db down")}
	sink := NewStoreSink(store, testLogger())

	err := sink.Publish(context.Background(), cycleResult(1))
	require.Error(t, err)
	assert.Empty(t, store.trades, "trades are not written when the cycle save fails")
}

func TestStoreSinkPublishStop(t *testing.T) {
	store := &recordingStore{}
	sink := NewStoreSink(store, testLogger())

	require.NoError(t, sink.PublishStop(context.Background(), "strat-1", domain.StopNormalExit, "done"))
	assert.Equal(t, []domain.StopReason{domain.StopNormalExit}, store.stops)
}

func TestMultiSinkFansOutToEverySink(t *testing.T) {
	first := &stubSink{err: errors.New("first failed")}
	second := &stubSink{}
	multi := NewMultiSink(first, second)

	err := multi.Publish(context.Background(), cycleResult(0))
	require.Error(t, err)
	assert.Equal(t, "first failed", err.Error())
	assert.Equal(t, 1, first.published)
	assert.Equal(t, 1, second.published, "later sinks run even when an earlier one fails")

	err = multi.PublishStop(context.Background(), "strat-1", domain.StopCancelled, "")
	require.Error(t, err)
	assert.Equal(t, 1, second.stops)
}

func TestLogSinkNeverFails(t *testing.T) {
	sink := NewLogSink(testLogger())

	failed := cycleResult(0)
	failed.Err = "compose blew up"
	assert.NoError(t, sink.Publish(context.Background(), failed))
	assert.NoError(t, sink.Publish(context.Background(), cycleResult(1)))
	assert.NoError(t, sink.PublishStop(context.Background(), "strat-1", domain.StopCancelled, "ctx"))
}
