package call

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/repository/memory"
	callsvc "chatcall-backend/internal/service/call"
	"chatcall-backend/internal/service/sfu"
)

// MockTokenIssuer is a mock implementation of TokenIssuer
type MockTokenIssuer struct {
	mock.Mock
}

func (m *MockTokenIssuer) IssueToken(callID, userID uuid.UUID, name string, canPublish bool) (sfu.Token, error) {
	args := m.Called(callID, userID, name, canPublish)
	return args.Get(0).(sfu.Token), args.Error(1)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

type fixture struct {
	router   *gin.Engine
	registry *callsvc.Registry
	history  *memory.CallHistory
	tokens   *MockTokenIssuer
	chatID   uuid.UUID
	owner    domain.ChatMember
	guest    domain.ChatMember
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		registry: callsvc.NewRegistry(callsvc.RegistryOptions{RingTimeout: time.Hour}),
		history:  memory.NewCallHistory(),
		tokens:   new(MockTokenIssuer),
		chatID:   uuid.New(),
		owner:    domain.ChatMember{MemberID: uuid.New(), UserID: uuid.New()},
		guest:    domain.ChatMember{MemberID: uuid.New(), UserID: uuid.New()},
	}
	t.Cleanup(f.registry.Close)

	members := memory.NewMembership()
	members.SetMembers(f.chatID, f.owner, f.guest)

	h := NewHandler(f.registry, callsvc.NewHistoryRecorder(f.history, nil), members, f.tokens)

	f.router = gin.New()
	f.router.Use(func(c *gin.Context) {
		if id, err := uuid.Parse(c.GetHeader("X-Test-User")); err == nil {
			c.Set("user_id", id)
		}
		c.Next()
	})
	f.router.GET("/v1/calls/history", h.GetHistory)
	f.router.GET("/v1/calls/active/:chat_id", h.GetActiveCall)
	f.router.POST("/v1/calls/:chat_id/token", h.IssueToken)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, user uuid.UUID, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != uuid.Nil {
		req.Header.Set("X-Test-User", user.String())
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w, env
}

func (f *fixture) seedHistory(t *testing.T, n int) []domain.CallRecord {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	var records []domain.CallRecord
	for i := 0; i < n; i++ {
		rec := domain.CallRecord{
			ID:          uuid.New(),
			ChatID:      f.chatID,
			InitiatorID: f.owner.UserID,
			Status:      domain.CallStatusMissed,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, f.history.Append(context.Background(), rec))
		records = append(records, rec)
	}
	return records
}

func TestGetHistory_Paginates(t *testing.T) {
	f := newFixture(t)
	records := f.seedHistory(t, 3)

	w, env := f.do(t, http.MethodGet, "/v1/calls/history?chat_id="+f.chatID.String()+"&limit=2", f.guest.UserID, "")
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Data       []domain.CallRecord `json:"data"`
		HasMore    bool                `json:"has_more"`
		NextCursor *uuid.UUID          `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Data, 2)
	assert.Equal(t, records[2].ID, page.Data[0].ID)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextCursor)

	w, env = f.do(t, http.MethodGet, "/v1/calls/history?chat_id="+f.chatID.String()+"&limit=2&cursor="+page.NextCursor.String(), f.guest.UserID, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Data, 1)
	assert.Equal(t, records[0].ID, page.Data[0].ID)
	assert.False(t, page.HasMore)
}

func TestGetHistory_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		query  string
		user   uuid.UUID
		status int
	}{
		{name: "bad chat id", query: "chat_id=nope", user: f.owner.UserID, status: http.StatusBadRequest},
		{name: "bad cursor", query: "chat_id=" + f.chatID.String() + "&cursor=nope", user: f.owner.UserID, status: http.StatusBadRequest},
		{name: "unknown cursor", query: "chat_id=" + f.chatID.String() + "&cursor=" + uuid.NewString(), user: f.owner.UserID, status: http.StatusBadRequest},
		{name: "not a member", query: "chat_id=" + f.chatID.String(), user: uuid.New(), status: http.StatusForbidden},
		{name: "unauthenticated", query: "chat_id=" + f.chatID.String(), status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := f.do(t, http.MethodGet, "/v1/calls/history?"+tt.query, tt.user, "")
			assert.Equal(t, tt.status, w.Code)
			assert.False(t, env.Success)
		})
	}
}

func TestGetActiveCall(t *testing.T) {
	f := newFixture(t)
	path := "/v1/calls/active/" + f.chatID.String()

	w, _ := f.do(t, http.MethodGet, path, f.owner.UserID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	sess, err := f.registry.CreateSession(f.chatID, f.owner.UserID, f.owner.MemberID, true, false)
	require.NoError(t, err)

	w, env := f.do(t, http.MethodGet, path, f.guest.UserID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got domain.CallSession
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, domain.CallStatusDialing, got.Status)
}

func TestIssueToken_BroadcastViewerCannotPublish(t *testing.T) {
	f := newFixture(t)
	sess, err := f.registry.CreateSession(f.chatID, f.owner.UserID, f.owner.MemberID, true, true)
	require.NoError(t, err)

	f.tokens.On("IssueToken", sess.ID, f.owner.UserID, "host", true).
		Return(sfu.Token{Token: "publisher"}, nil).Once()
	f.tokens.On("IssueToken", sess.ID, f.guest.UserID, f.guest.UserID.String(), false).
		Return(sfu.Token{Token: "viewer"}, nil).Once()

	path := "/v1/calls/" + f.chatID.String() + "/token"
	w, env := f.do(t, http.MethodPost, path, f.owner.UserID, `{"name":"host"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var tok sfu.Token
	require.NoError(t, json.Unmarshal(env.Data, &tok))
	assert.Equal(t, "publisher", tok.Token)

	w, env = f.do(t, http.MethodPost, path, f.guest.UserID, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &tok))
	assert.Equal(t, "viewer", tok.Token)

	f.tokens.AssertExpectations(t)
}

func TestIssueToken_Errors(t *testing.T) {
	f := newFixture(t)
	path := "/v1/calls/" + f.chatID.String() + "/token"

	w, _ := f.do(t, http.MethodPost, path, f.owner.UserID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	sess, err := f.registry.CreateSession(f.chatID, f.owner.UserID, f.owner.MemberID, false, false)
	require.NoError(t, err)

	w, _ = f.do(t, http.MethodPost, path, uuid.New(), "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	_, err = f.registry.Join(f.chatID, sess.ID, f.guest.MemberID, f.guest.UserID)
	require.NoError(t, err)
	f.tokens.On("IssueToken", sess.ID, f.guest.UserID, mock.Anything, true).
		Return(sfu.Token{}, errors.New("signing failed")).Once()
	w, env := f.do(t, http.MethodPost, path, f.guest.UserID, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INTERNAL_ERROR", env.Error.Code)
}

func TestIssueToken_RequiresJoinedCall(t *testing.T) {
	f := newFixture(t)
	path := "/v1/calls/" + f.chatID.String() + "/token"
	sess, err := f.registry.CreateSession(f.chatID, f.owner.UserID, f.owner.MemberID, true, false)
	require.NoError(t, err)

	// the initiator is in the call from the start
	f.tokens.On("IssueToken", sess.ID, f.owner.UserID, mock.Anything, true).
		Return(sfu.Token{Token: "caller"}, nil).Once()
	w, _ := f.do(t, http.MethodPost, path, f.owner.UserID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	// a member that is only being rung gets nothing
	w, env := f.do(t, http.MethodPost, path, f.guest.UserID, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	require.NotNil(t, env.Error)

	_, err = f.registry.Join(f.chatID, sess.ID, f.guest.MemberID, f.guest.UserID)
	require.NoError(t, err)
	f.tokens.On("IssueToken", sess.ID, f.guest.UserID, mock.Anything, true).
		Return(sfu.Token{Token: "callee"}, nil).Once()
	w, env = f.do(t, http.MethodPost, path, f.guest.UserID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var tok sfu.Token
	require.NoError(t, json.Unmarshal(env.Data, &tok))
	assert.Equal(t, "callee", tok.Token)

	f.tokens.AssertExpectations(t)
}

func TestIssueToken_NoRelayConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(callsvc.NewRegistry(callsvc.RegistryOptions{}), nil, memory.NewMembership(), nil)
	router := gin.New()
	router.POST("/v1/calls/:chat_id/token", h.IssueToken)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/calls/"+uuid.NewString()+"/token", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
