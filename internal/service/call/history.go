package call

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/pkg/constants"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/resilience"
)

// HistoryRepository is the durable store of terminal call outcomes
type HistoryRepository interface {
	Append(ctx context.Context, record domain.CallRecord) error
	// FetchHistory returns up to limit records of chatID, newest first, starting
	// after the call with id cursor when cursor is non-nil
	FetchHistory(ctx context.Context, chatID uuid.UUID, limit int, cursor *uuid.UUID) (domain.CallHistoryPage, error)
}

// HistoryRecorder appends call outcomes in the background. Failures are logged
// and never reach the caller.
type HistoryRecorder struct {
	repo    HistoryRepository
	breaker *resilience.Breaker
	wg      sync.WaitGroup
}

// NewHistoryRecorder creates a recorder writing to repo through breaker
func NewHistoryRecorder(repo HistoryRepository, breaker *resilience.Breaker) *HistoryRecorder {
	if breaker == nil {
		breaker = resilience.NewBreaker("call_history", resilience.DefaultOptions(), nil)
	}
	return &HistoryRecorder{repo: repo, breaker: breaker}
}

// Record schedules the append of a terminated session
func (h *HistoryRecorder) Record(session domain.CallSession) {
	record := session.Record()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), constants.HistoryWriteTimeout)
		defer cancel()

		err := h.breaker.Execute(ctx, "append", func(ctx context.Context) error {
			return h.repo.Append(ctx, record)
		})
		if err != nil {
			logger.Error("Failed to append call history",
				zap.String("chat_id", record.ChatID.String()),
				zap.String("call_id", record.ID.String()),
				zap.String("status", string(record.Status)),
				zap.Error(err))
			return
		}
		logger.Debug("Call history appended",
			zap.String("call_id", record.ID.String()),
			zap.String("status", string(record.Status)))
	}()
}

// Wait blocks until every scheduled append has finished
func (h *HistoryRecorder) Wait() {
	h.wg.Wait()
}

// Fetch reads a history page through the breaker. Errors come back as
// AppErrors safe to show to clients. An AppError from the repository (a bad
// cursor) is returned as is and does not count against the breaker.
func (h *HistoryRecorder) Fetch(ctx context.Context, chatID uuid.UUID, limit int, cursor *uuid.UUID) (domain.CallHistoryPage, error) {
	var page domain.CallHistoryPage
	var rejected error
	err := h.breaker.Execute(ctx, "fetch", func(ctx context.Context) error {
		p, err := h.repo.FetchHistory(ctx, chatID, limit, cursor)
		if apperrors.IsAppError(err) {
			rejected = err
			return nil
		}
		page = p
		return err
	})
	switch {
	case err == nil && rejected != nil:
		return domain.CallHistoryPage{}, rejected
	case err == nil:
		return page, nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		return domain.CallHistoryPage{}, apperrors.ServiceUnavailableError(err)
	default:
		return domain.CallHistoryPage{}, apperrors.DatabaseError(err)
	}
}
