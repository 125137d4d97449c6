package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"chatcall-backend/internal/domain"
)

// Membership is a static membership table
type Membership struct {
	mu    sync.RWMutex
	chats map[uuid.UUID][]domain.ChatMember
}

// NewMembership creates an empty table
func NewMembership() *Membership {
	return &Membership{chats: make(map[uuid.UUID][]domain.ChatMember)}
}

// SetMembers replaces the members of chatID
func (m *Membership) SetMembers(chatID uuid.UUID, members ...domain.ChatMember) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[chatID] = append([]domain.ChatMember(nil), members...)
}

// GetChatMembers returns the members of chatID; an unknown chat has none
func (m *Membership) GetChatMembers(_ context.Context, chatID uuid.UUID) ([]domain.ChatMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.ChatMember(nil), m.chats[chatID]...), nil
}
