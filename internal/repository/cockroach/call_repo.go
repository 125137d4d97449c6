package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatcall-backend/internal/domain"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/metrics"
)

// uniqueViolation is the SQLSTATE for a duplicate primary key
const uniqueViolation = "23505"

// querier is the subset of *pgxpool.Pool the call repository uses
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CallRepository stores terminal call outcomes in CockroachDB
type CallRepository struct {
	pool    querier
	metrics *metrics.Metrics
}

// NewCallRepository creates a new call repository. m may be nil.
func NewCallRepository(pool *pgxpool.Pool, m *metrics.Metrics) *CallRepository {
	return &CallRepository{pool: pool, metrics: m}
}

func (r *CallRepository) observe(operation string, start time.Time, err error) {
	if r.metrics != nil {
		r.metrics.RecordDBQuery(operation, "call_history", time.Since(start), err)
	}
}

// Append writes one call record. Appending the same call twice is not an error,
// so a retried write stays idempotent.
func (r *CallRepository) Append(ctx context.Context, record domain.CallRecord) (err error) {
	start := time.Now()
	defer func() { r.observe("insert", start, err) }()

	if !record.Status.IsValid() || !record.Status.IsTerminal() {
		return fmt.Errorf("call %s: status %q is not a recordable outcome", record.ID, record.Status)
	}

	query := `
		INSERT INTO call_history (
			call_id, chat_id, initiator_id, status, is_video_call,
			started_at, ended_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.pool.Exec(ctx, query,
		record.ID,
		record.ChatID,
		record.InitiatorID,
		string(record.Status),
		record.IsVideoCall,
		record.StartedAt,
		record.EndedAt,
		record.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil
		}
		return fmt.Errorf("failed to append call record: %w", err)
	}

	return nil
}

// FetchHistory returns one page of a chat's calls, newest first. cursor is the
// id of the last call of the previous page. A cursor that is not a call of
// chatID is rejected with INVALID_INPUT.
func (r *CallRepository) FetchHistory(ctx context.Context, chatID uuid.UUID, limit int, cursor *uuid.UUID) (page domain.CallHistoryPage, err error) {
	start := time.Now()
	defer func() { r.observe("select", start, err) }()

	var anchor *time.Time
	if cursor != nil {
		var createdAt time.Time
		err = r.pool.QueryRow(ctx,
			`SELECT created_at FROM call_history WHERE chat_id = $1 AND call_id = $2`,
			chatID, *cursor,
		).Scan(&createdAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CallHistoryPage{}, apperrors.InvalidInputError(fmt.Sprintf("unknown cursor %s", cursor))
		}
		if err != nil {
			return domain.CallHistoryPage{}, fmt.Errorf("failed to resolve history cursor: %w", err)
		}
		anchor = &createdAt
	}

	query := `
		SELECT call_id, chat_id, initiator_id, status, is_video_call,
		       started_at, ended_at, created_at
		FROM call_history
		WHERE chat_id = $1
		  AND ($2::UUID IS NULL OR (created_at, call_id) < ($3::TIMESTAMPTZ, $2::UUID))
		ORDER BY created_at DESC, call_id DESC
		LIMIT $4
	`

	// One extra row tells whether another page exists
	rows, err := r.pool.Query(ctx, query, chatID, cursor, anchor, limit+1)
	if err != nil {
		return domain.CallHistoryPage{}, fmt.Errorf("failed to fetch call history: %w", err)
	}
	defer rows.Close()

	calls := make([]domain.CallRecord, 0, limit)
	for rows.Next() {
		var rec domain.CallRecord
		var status string
		if err := rows.Scan(
			&rec.ID,
			&rec.ChatID,
			&rec.InitiatorID,
			&status,
			&rec.IsVideoCall,
			&rec.StartedAt,
			&rec.EndedAt,
			&rec.CreatedAt,
		); err != nil {
			return domain.CallHistoryPage{}, fmt.Errorf("failed to scan call record: %w", err)
		}
		rec.Status = domain.CallStatus(status)
		calls = append(calls, rec)
	}
	if err := rows.Err(); err != nil {
		return domain.CallHistoryPage{}, fmt.Errorf("failed to iterate call history: %w", err)
	}

	page = domain.CallHistoryPage{Calls: calls}
	if len(calls) > limit {
		page.Calls = calls[:limit]
		page.HasMore = true
	}
	return page, nil
}
