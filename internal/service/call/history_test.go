package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/domain"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/resilience"
)

// MockHistoryRepository is a mock implementation of HistoryRepository
type MockHistoryRepository struct {
	mock.Mock
}

func (m *MockHistoryRepository) Append(ctx context.Context, record domain.CallRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockHistoryRepository) FetchHistory(ctx context.Context, chatID uuid.UUID, limit int, cursor *uuid.UUID) (domain.CallHistoryPage, error) {
	args := m.Called(ctx, chatID, limit, cursor)
	return args.Get(0).(domain.CallHistoryPage), args.Error(1)
}

// MockMembershipRepository is a mock implementation of MembershipRepository
type MockMembershipRepository struct {
	mock.Mock
}

func (m *MockMembershipRepository) GetChatMembers(ctx context.Context, chatID uuid.UUID) ([]domain.ChatMember, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ChatMember), args.Error(1)
}

func endedSession(status domain.CallStatus) domain.CallSession {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(time.Minute)
	return domain.CallSession{
		ID:          uuid.New(),
		ChatID:      uuid.New(),
		InitiatorID: uuid.New(),
		Status:      status,
		IsVideoCall: true,
		StartedAt:   &started,
		EndedAt:     &ended,
		CreatedAt:   started.Add(-5 * time.Second),
	}
}

func fastBreaker() *resilience.Breaker {
	return resilience.NewBreaker("test_history", resilience.Options{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}, nil)
}

func TestHistoryRecorder_AppendsRecord(t *testing.T) {
	repo := new(MockHistoryRepository)
	sess := endedSession(domain.CallStatusCompleted)
	repo.On("Append", mock.Anything, sess.Record()).Return(nil).Once()

	h := NewHistoryRecorder(repo, fastBreaker())
	h.Record(sess)
	h.Wait()

	repo.AssertExpectations(t)
}

func TestHistoryRecorder_RetriesThenGivesUp(t *testing.T) {
	repo := new(MockHistoryRepository)
	sess := endedSession(domain.CallStatusMissed)
	repo.On("Append", mock.Anything, mock.AnythingOfType("domain.CallRecord")).
		Return(errors.New("connection refused")).Times(3)

	h := NewHistoryRecorder(repo, fastBreaker())
	h.Record(sess)
	h.Wait()

	repo.AssertNumberOfCalls(t, "Append", 3)
}

func TestHistoryRecorder_RecoversAfterTransientFailure(t *testing.T) {
	repo := new(MockHistoryRepository)
	sess := endedSession(domain.CallStatusDeclined)
	repo.On("Append", mock.Anything, mock.Anything).Return(errors.New("timeout")).Once()
	repo.On("Append", mock.Anything, mock.Anything).Return(nil).Once()

	h := NewHistoryRecorder(repo, fastBreaker())
	h.Record(sess)
	h.Wait()

	repo.AssertNumberOfCalls(t, "Append", 2)
}

func TestHistoryRecorder_Fetch(t *testing.T) {
	chatID := uuid.New()

	t.Run("returns page", func(t *testing.T) {
		repo := new(MockHistoryRepository)
		page := domain.CallHistoryPage{Calls: []domain.CallRecord{{ID: uuid.New(), ChatID: chatID}}}
		repo.On("FetchHistory", mock.Anything, chatID, 20, (*uuid.UUID)(nil)).Return(page, nil).Once()

		got, err := NewHistoryRecorder(repo, fastBreaker()).Fetch(context.Background(), chatID, 20, nil)
		require.NoError(t, err)
		assert.Equal(t, page, got)
	})

	t.Run("hides driver errors", func(t *testing.T) {
		repo := new(MockHistoryRepository)
		repo.On("FetchHistory", mock.Anything, chatID, 20, (*uuid.UUID)(nil)).
			Return(domain.CallHistoryPage{}, errors.New("pq: relation does not exist"))

		_, err := NewHistoryRecorder(repo, fastBreaker()).Fetch(context.Background(), chatID, 20, nil)
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabase))
	})

	t.Run("client errors pass through", func(t *testing.T) {
		repo := new(MockHistoryRepository)
		cursor := uuid.New()
		repo.On("FetchHistory", mock.Anything, chatID, 20, &cursor).
			Return(domain.CallHistoryPage{}, apperrors.InvalidInputError("unknown cursor")).Once()

		_, err := NewHistoryRecorder(repo, fastBreaker()).Fetch(context.Background(), chatID, 20, &cursor)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
		repo.AssertNumberOfCalls(t, "FetchHistory", 1)
	})

	t.Run("open circuit is unavailable", func(t *testing.T) {
		repo := new(MockHistoryRepository)
		repo.On("FetchHistory", mock.Anything, chatID, 20, (*uuid.UUID)(nil)).
			Return(domain.CallHistoryPage{}, errors.New("connection refused"))

		opts := resilience.DefaultOptions()
		opts.MaxAttempts = 1
		opts.FailureThreshold = 1
		opts.CoolDown = time.Hour
		h := NewHistoryRecorder(repo, resilience.NewBreaker("call_history", opts, nil))

		_, err := h.Fetch(context.Background(), chatID, 20, nil)
		require.Error(t, err)
		_, err = h.Fetch(context.Background(), chatID, 20, nil)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeServiceUnavail))
		repo.AssertNumberOfCalls(t, "FetchHistory", 1)
	})
}

func TestCachedMembership(t *testing.T) {
	repo := new(MockMembershipRepository)
	chatID := uuid.New()
	members := []domain.ChatMember{
		{MemberID: uuid.New(), UserID: uuid.New()},
		{MemberID: uuid.New(), UserID: uuid.New()},
	}
	repo.On("GetChatMembers", mock.Anything, chatID).Return(members, nil).Twice()

	m := NewCachedMembership(repo, time.Minute)
	ctx := context.Background()

	got, err := m.GetChatMembers(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, members, got)

	_, err = m.GetChatMembers(ctx, chatID)
	require.NoError(t, err)
	repo.AssertNumberOfCalls(t, "GetChatMembers", 1)

	m.Invalidate(chatID)
	_, err = m.GetChatMembers(ctx, chatID)
	require.NoError(t, err)
	repo.AssertNumberOfCalls(t, "GetChatMembers", 2)
}

func TestCachedMembership_ErrorIsNotCached(t *testing.T) {
	repo := new(MockMembershipRepository)
	chatID := uuid.New()
	repo.On("GetChatMembers", mock.Anything, chatID).Return(nil, errors.New("db down")).Once()
	repo.On("GetChatMembers", mock.Anything, chatID).Return([]domain.ChatMember{}, nil).Once()

	m := NewCachedMembership(repo, time.Minute)
	_, err := m.GetChatMembers(context.Background(), chatID)
	assert.Error(t, err)

	got, err := m.GetChatMembers(context.Background(), chatID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindMemberAndUserIDs(t *testing.T) {
	a := domain.ChatMember{MemberID: uuid.New(), UserID: uuid.New()}
	b := domain.ChatMember{MemberID: uuid.New(), UserID: uuid.New()}
	members := []domain.ChatMember{a, b}

	got, ok := FindMember(members, b.UserID)
	require.True(t, ok)
	assert.Equal(t, b.MemberID, got.MemberID)

	_, ok = FindMember(members, uuid.New())
	assert.False(t, ok)

	assert.Equal(t, []uuid.UUID{b.UserID}, MemberUserIDs(members, a.UserID))
	assert.Len(t, MemberUserIDs(members), 2)
}
