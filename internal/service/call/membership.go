package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/pkg/cache"
	"chatcall-backend/pkg/logger"
)

// MembershipRepository reads chat membership
type MembershipRepository interface {
	GetChatMembers(ctx context.Context, chatID uuid.UUID) ([]domain.ChatMember, error)
}

// CachedMembership serves chat members from a short-lived in-memory cache
type CachedMembership struct {
	repo  MembershipRepository
	cache *cache.MemoryCache
	ttl   time.Duration
}

// NewCachedMembership wraps repo with a cache; ttl <= 0 disables caching
func NewCachedMembership(repo MembershipRepository, ttl time.Duration) *CachedMembership {
	return &CachedMembership{
		repo:  repo,
		cache: cache.NewMemoryCache(ttl, 10000),
		ttl:   ttl,
	}
}

func membersKey(chatID uuid.UUID) string {
	return fmt.Sprintf("members:%s", chatID)
}

// GetChatMembers returns the members of chatID
func (m *CachedMembership) GetChatMembers(ctx context.Context, chatID uuid.UUID) ([]domain.ChatMember, error) {
	if m.ttl > 0 {
		if v, ok := m.cache.Get(membersKey(chatID)); ok {
			if members, ok := v.([]domain.ChatMember); ok {
				return members, nil
			}
		}
	}

	members, err := m.repo.GetChatMembers(ctx, chatID)
	if err != nil {
		return nil, err
	}

	if m.ttl > 0 {
		m.cache.Set(membersKey(chatID), members, m.ttl)
	}
	logger.Debug("Loaded chat members",
		zap.String("chat_id", chatID.String()),
		zap.Int("count", len(members)))
	return members, nil
}

// Invalidate drops the cached members of chatID
func (m *CachedMembership) Invalidate(chatID uuid.UUID) {
	m.cache.Delete(membersKey(chatID))
}

// StartCleanup periodically drops expired entries until the returned func is called
func (m *CachedMembership) StartCleanup(interval time.Duration) func() {
	return m.cache.StartCleanup(interval)
}

// FindMember returns the membership of userID among members
func FindMember(members []domain.ChatMember, userID uuid.UUID) (domain.ChatMember, bool) {
	for _, mb := range members {
		if mb.UserID == userID {
			return mb, true
		}
	}
	return domain.ChatMember{}, false
}

// MemberUserIDs returns the user ids of members, skipping except
func MemberUserIDs(members []domain.ChatMember, except ...uuid.UUID) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(members))
outer:
	for _, mb := range members {
		for _, e := range except {
			if mb.UserID == e {
				continue outer
			}
		}
		ids = append(ids, mb.UserID)
	}
	return ids
}
