package erpsync

import (
	"context"
	"sync"

	"github.com/mmdatafocus/erp_integration/config"
	"github.com/mmdatafocus/erp_integration/models"
	"github.com/sirupsen/logrus"
)

const DefaultHistoryLimit = 1000

// HistorySink persists entries next to the in-memory log.
type HistorySink interface {
	Append(ctx context.Context, entry models.SyncHistoryEntry) error
	Clear(ctx context.Context) error
}

// HistoryLog keeps the most recent sync entries, newest first.
type HistoryLog struct {
	mu      sync.RWMutex
	entries []models.SyncHistoryEntry
	limit   int
	sink    HistorySink
	logger  *logrus.Logger
}

func NewHistoryLog(limit int, sink HistorySink) *HistoryLog {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryLog{limit: limit, sink: sink, logger: config.GetLogger()}
}

// Append adds entry at the head and evicts the oldest entries beyond the limit.
// Persistence failures are logged and do not affect the in-memory log.
func (h *HistoryLog) Append(ctx context.Context, entry models.SyncHistoryEntry) {
	h.mu.Lock()
	h.entries = append(h.entries, models.SyncHistoryEntry{})
	copy(h.entries[1:], h.entries)
	h.entries[0] = entry
	if len(h.entries) > h.limit {
		h.entries = h.entries[:h.limit]
	}
	h.mu.Unlock()

	if h.sink != nil {
		if err := h.sink.Append(ctx, entry); err != nil {
			config.LogError(h.logger, "erpsync", "HistoryLog.Append", "persist history entry", entry.OrderId, err)
		}
	}
}

func (h *HistoryLog) Entries() []models.SyncHistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]models.SyncHistoryEntry(nil), h.entries...)
}

func (h *HistoryLog) ForOrder(orderId string) []models.SyncHistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []models.SyncHistoryEntry
	for _, e := range h.entries {
		if e.OrderId == orderId {
			out = append(out, e)
		}
	}
	return out
}

func (h *HistoryLog) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

func (h *HistoryLog) Clear(ctx context.Context) error {
	h.mu.Lock()
	h.entries = nil
	h.mu.Unlock()
	if h.sink != nil {
		return h.sink.Clear(ctx)
	}
	return nil
}
