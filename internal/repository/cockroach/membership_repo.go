package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatcall-backend/internal/domain"
	"chatcall-backend/pkg/metrics"
)

// MembershipRepository reads chat membership owned by the chat service
type MembershipRepository struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewMembershipRepository creates a new membership repository. m may be nil.
func NewMembershipRepository(pool *pgxpool.Pool, m *metrics.Metrics) *MembershipRepository {
	return &MembershipRepository{pool: pool, metrics: m}
}

// GetChatMembers retrieves all members of a chat
func (r *MembershipRepository) GetChatMembers(ctx context.Context, chatID uuid.UUID) (members []domain.ChatMember, err error) {
	if r.metrics != nil {
		start := time.Now()
		defer func() { r.metrics.RecordDBQuery("select", "chat_members", time.Since(start), err) }()
	}

	query := `
		SELECT member_id, user_id FROM chat_members
		WHERE chat_id = $1 AND left_at IS NULL
	`

	rows, err := r.pool.Query(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chat members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m domain.ChatMember
		if err := rows.Scan(&m.MemberID, &m.UserID); err != nil {
			return nil, fmt.Errorf("failed to scan chat member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat members: %w", err)
	}

	return members, nil
}
