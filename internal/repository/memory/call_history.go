// Package memory holds process-local stores used when CockroachDB is unreachable
// and in tests. Their contents do not survive a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"chatcall-backend/internal/domain"
	apperrors "chatcall-backend/pkg/errors"
)

// CallHistory keeps call records in memory
type CallHistory struct {
	mu      sync.RWMutex
	records map[uuid.UUID]domain.CallRecord
	byChat  map[uuid.UUID][]uuid.UUID
}

// NewCallHistory creates an empty store
func NewCallHistory() *CallHistory {
	return &CallHistory{
		records: make(map[uuid.UUID]domain.CallRecord),
		byChat:  make(map[uuid.UUID][]uuid.UUID),
	}
}

// Append stores record; a repeated id is ignored
func (h *CallHistory) Append(_ context.Context, record domain.CallRecord) error {
	if !record.Status.IsValid() || !record.Status.IsTerminal() {
		return fmt.Errorf("call %s: status %q is not a recordable outcome", record.ID, record.Status)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.records[record.ID]; exists {
		return nil
	}
	h.records[record.ID] = cloneRecord(record)
	h.byChat[record.ChatID] = append(h.byChat[record.ChatID], record.ID)
	return nil
}

// FetchHistory returns up to limit records of chatID, newest first, after cursor
func (h *CallHistory) FetchHistory(_ context.Context, chatID uuid.UUID, limit int, cursor *uuid.UUID) (domain.CallHistoryPage, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := h.byChat[chatID]
	recs := make([]domain.CallRecord, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, h.records[id])
	}
	sort.Slice(recs, func(i, j int) bool { return newerThan(recs[i], recs[j]) })

	start := 0
	if cursor != nil {
		anchor, ok := h.records[*cursor]
		if !ok || anchor.ChatID != chatID {
			return domain.CallHistoryPage{}, apperrors.InvalidInputError(fmt.Sprintf("unknown cursor %s", cursor))
		}
		start = sort.Search(len(recs), func(i int) bool { return newerThan(anchor, recs[i]) })
	}

	rest := recs[start:]
	page := domain.CallHistoryPage{Calls: make([]domain.CallRecord, 0, min(limit, len(rest)))}
	for i, rec := range rest {
		if i == limit {
			page.HasMore = true
			break
		}
		page.Calls = append(page.Calls, cloneRecord(rec))
	}
	return page, nil
}

// newerThan orders by created_at then id, both descending
func newerThan(a, b domain.CallRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID.String() > b.ID.String()
}

func cloneRecord(r domain.CallRecord) domain.CallRecord {
	if r.StartedAt != nil {
		t := *r.StartedAt
		r.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		r.EndedAt = &t
	}
	return r
}
