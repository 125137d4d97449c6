package sfu

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRoomClient is a mock implementation of RoomClient
type MockRoomClient struct {
	mock.Mock
}

func (m *MockRoomClient) DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*livekit.DeleteRoomResponse), args.Error(1)
}

const testSecret = "test-secret-that-is-long-enough-for-hs256"

func testService(client RoomClient) *RoomService {
	return NewRoomServiceWithClient(Config{
		URL:       "ws://sfu.test:7880",
		APIKey:    "APItest",
		APISecret: testSecret,
		TokenTTL:  time.Hour,
	}, client)
}

func parseClaims(t *testing.T, token string) jwt.MapClaims {
	t.Helper()
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	})
	require.NoError(t, err)
	return claims
}

func TestIssueToken_Publisher(t *testing.T) {
	s := testService(new(MockRoomClient))
	callID, userID := uuid.New(), uuid.New()

	tok, err := s.IssueToken(callID, userID, "alice", true)
	require.NoError(t, err)

	assert.Equal(t, "ws://sfu.test:7880", tok.URL)
	assert.Equal(t, RoomName(callID), tok.Room)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, time.Minute)

	claims := parseClaims(t, tok.Token)
	assert.Equal(t, userID.String(), claims["sub"])
	assert.Equal(t, "APItest", claims["iss"])

	video, ok := claims["video"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, RoomName(callID), video["room"])
	assert.Equal(t, true, video["roomJoin"])
	assert.Equal(t, true, video["canPublish"])
}

func TestIssueToken_ViewerCannotPublish(t *testing.T) {
	s := testService(new(MockRoomClient))

	tok, err := s.IssueToken(uuid.New(), uuid.New(), "viewer", false)
	require.NoError(t, err)

	video := parseClaims(t, tok.Token)["video"].(map[string]interface{})
	assert.Equal(t, false, video["canPublish"])
	assert.Equal(t, true, video["canSubscribe"])
}

func TestDeleteRoom(t *testing.T) {
	client := new(MockRoomClient)
	s := testService(client)
	callID := uuid.New()

	client.On("DeleteRoom", mock.Anything, &livekit.DeleteRoomRequest{Room: RoomName(callID)}).
		Return(&livekit.DeleteRoomResponse{}, nil).Once()

	require.NoError(t, s.DeleteRoom(context.Background(), callID))
	client.AssertExpectations(t)
}

func TestDeleteRoom_Error(t *testing.T) {
	client := new(MockRoomClient)
	s := testService(client)

	client.On("DeleteRoom", mock.Anything, mock.Anything).Return(nil, errors.New("twirp error")).Once()

	err := s.DeleteRoom(context.Background(), uuid.New())
	assert.Error(t, err)
}
