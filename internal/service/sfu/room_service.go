// Package sfu talks to the LiveKit server on behalf of the gateway: it mints
// room access tokens and tears rooms down when a call ends.
package sfu

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"go.uber.org/zap"

	"chatcall-backend/pkg/constants"
	"chatcall-backend/pkg/logger"
)

// RoomClient is the part of the LiveKit room service API this package uses
type RoomClient interface {
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
}

// Config holds LiveKit credentials
type Config struct {
	URL       string
	APIKey    string
	APISecret string
	TokenTTL  time.Duration
}

// Token is a room access grant handed to a client
type Token struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	Room      string    `json:"room"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RoomService issues tokens for call rooms and deletes them. One call maps to
// one room named after the call id.
type RoomService struct {
	cfg   Config
	rooms RoomClient
	now   func() time.Time
}

// NewRoomService creates a service backed by the LiveKit room service API
func NewRoomService(cfg Config) *RoomService {
	return NewRoomServiceWithClient(cfg, lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret))
}

// NewRoomServiceWithClient creates a service using client for room management
func NewRoomServiceWithClient(cfg Config, client RoomClient) *RoomService {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = constants.SFUTokenTTL
	}
	return &RoomService{cfg: cfg, rooms: client, now: time.Now}
}

// RoomName returns the room of callID
func RoomName(callID uuid.UUID) string {
	return "call-" + callID.String()
}

// IssueToken grants userID access to the room of callID. Broadcast viewers get
// a subscribe-only grant.
func (s *RoomService) IssueToken(callID, userID uuid.UUID, name string, canPublish bool) (Token, error) {
	room := RoomName(callID)

	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     room,
	}
	grant.SetCanPublish(canPublish)
	grant.SetCanSubscribe(true)
	grant.SetCanPublishData(canPublish)

	at := auth.NewAccessToken(s.cfg.APIKey, s.cfg.APISecret)
	at.SetVideoGrant(grant).
		SetIdentity(userID.String()).
		SetName(name).
		SetValidFor(s.cfg.TokenTTL)

	jwt, err := at.ToJWT()
	if err != nil {
		return Token{}, fmt.Errorf("failed to sign room token: %w", err)
	}

	return Token{
		URL:       s.cfg.URL,
		Token:     jwt,
		Room:      room,
		ExpiresAt: s.now().Add(s.cfg.TokenTTL),
	}, nil
}

// DeleteRoom disconnects everyone from the room of callID
func (s *RoomService) DeleteRoom(ctx context.Context, callID uuid.UUID) error {
	room := RoomName(callID)
	if _, err := s.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: room}); err != nil {
		return fmt.Errorf("failed to delete room %s: %w", room, err)
	}
	logger.Debug("SFU room deleted", zap.String("room", room))
	return nil
}
