// Package history keeps the per-strategy record trail and condenses it into
// the rolling trade digest that feeds the next decision cycle.
package history

import (
	"sync"

	"github.com/alanwei/tradeforge/internal/domain"
)

// DefaultHistoryLimit bounds the in-memory record trail per strategy.
const DefaultHistoryLimit = 200

// Recorder stores decision-cycle history records.
type Recorder interface {
	Record(record domain.HistoryRecord)
	Records() []domain.HistoryRecord
}

// InMemoryRecorder keeps the most recent records in memory, dropping the
// oldest once the limit is exceeded.
type InMemoryRecorder struct {
	mu      sync.Mutex
	records []domain.HistoryRecord
	limit   int
}

// NewInMemoryRecorder creates a recorder bounded to limit records. A
// non-positive limit falls back to DefaultHistoryLimit.
func NewInMemoryRecorder(limit int) *InMemoryRecorder {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &InMemoryRecorder{limit: limit}
}

// Record appends one record, evicting the oldest beyond the limit.
func (r *InMemoryRecorder) Record(record domain.HistoryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, record)
	if len(r.records) > r.limit {
		r.records = r.records[len(r.records)-r.limit:]
	}
}

// Records returns a copy of the stored records in insertion order.
func (r *InMemoryRecorder) Records() []domain.HistoryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.HistoryRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Compile-time interface check.
var _ Recorder = (*InMemoryRecorder)(nil)
