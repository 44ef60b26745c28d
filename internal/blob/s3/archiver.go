package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alanwei/tradeforge/internal/domain"
)

// multipartWriter is implemented by writers that can stream large payloads in
// parts.
type multipartWriter interface {
	PutMultipart(ctx context.Context, key string, data io.Reader, partSize int64) error
}

// multipartThreshold is the payload size above which archives upload in parts
// instead of a single PutObject. Cycle documents carrying long feature and
// trade histories can cross it.
const multipartThreshold = 8 * 1024 * 1024

// Archiver implements domain.CycleSink by uploading every cycle result as a
// JSON document to blob storage. Objects are partitioned per strategy and day:
//
//	strategies/{strategyID}/cycles/2026-08-29/{ts}_{composeID}.json
//	strategies/{strategyID}/stops/{ts}.json
//
// Archives are write-only from the strategy process; nothing here reads them
// back. Deleting or compacting old archives is an operator concern.
type Archiver struct {
	writer domain.BlobWriter
}

// NewArchiver creates an Archiver that uploads through the given writer.
func NewArchiver(writer domain.BlobWriter) *Archiver {
	return &Archiver{writer: writer}
}

// Publish uploads one cycle result.
func (a *Archiver) Publish(ctx context.Context, result domain.DecisionCycleResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("s3blob: marshal cycle %s: %w", result.ComposeID, err)
	}
	key := cycleKey(result.Summary.StrategyID, result.TimestampMs, result.ComposeID)
	if mw, ok := a.writer.(multipartWriter); ok && int64(len(data)) >= multipartThreshold {
		if err := mw.PutMultipart(ctx, key, bytes.NewReader(data), 0); err != nil {
			return fmt.Errorf("s3blob: archive cycle %s: %w", result.ComposeID, err)
		}
		return nil
	}
	if err := a.writer.Put(ctx, key, data, "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive cycle %s: %w", result.ComposeID, err)
	}
	return nil
}

// PublishStop uploads the terminal status document for a stopped strategy.
func (a *Archiver) PublishStop(ctx context.Context, strategyID string, reason domain.StopReason, detail string) error {
	ts := time.Now()
	data, err := json.Marshal(map[string]any{
		"strategy_id": strategyID,
		"reason":      string(reason),
		"detail":      detail,
		"stopped_at":  ts.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("s3blob: marshal stop event: %w", err)
	}
	key := fmt.Sprintf("strategies/%s/stops/%d.json", strategyID, ts.UnixMilli())
	if err := a.writer.Put(ctx, key, data, "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive stop event: %w", err)
	}
	return nil
}

// cycleKey builds the object key for a cycle archive, partitioned by the
// UTC day of the cycle timestamp.
func cycleKey(strategyID string, tsMs int64, composeID string) string {
	day := time.UnixMilli(tsMs).UTC().Format("2006-01-02")
	return fmt.Sprintf("strategies/%s/cycles/%s/%d_%s.json", strategyID, day, tsMs, composeID)
}

// Compile-time interface check.
var _ domain.CycleSink = (*Archiver)(nil)
