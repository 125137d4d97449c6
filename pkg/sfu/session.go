// Package sfu wraps a connection to the media relay for one device in one call.
package sfu

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
)

// TrackKind identifies a local media track
type TrackKind string

const (
	TrackMicrophone  TrackKind = "microphone"
	TrackCamera      TrackKind = "camera"
	TrackScreenShare TrackKind = "screen_share"
)

// ConnectionState mirrors the relay connection state
type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateDisconnected ConnectionState = "disconnected"
)

// Device-layer failures. Relay and TrackSource implementations wrap these so
// callers can report the right reason.
var (
	ErrPermissionDenied  = errors.New("sfu: media permission denied")
	ErrDeviceUnavailable = errors.New("sfu: media device unavailable")
	ErrNotConnected      = errors.New("sfu: not connected")
)

// Callbacks receive relay events. They are informational and never decide
// the status of a call. Any field may be nil.
type Callbacks struct {
	OnParticipantJoined      func(identity string)
	OnParticipantLeft        func(identity string)
	OnTrackSubscribed        func(identity string, kind TrackKind)
	OnTrackUnsubscribed      func(identity string, kind TrackKind)
	OnConnectionStateChanged func(state ConnectionState)
}

func (c Callbacks) participantJoined(identity string) {
	if c.OnParticipantJoined != nil {
		c.OnParticipantJoined(identity)
	}
}

func (c Callbacks) participantLeft(identity string) {
	if c.OnParticipantLeft != nil {
		c.OnParticipantLeft(identity)
	}
}

func (c Callbacks) trackSubscribed(identity string, kind TrackKind) {
	if c.OnTrackSubscribed != nil {
		c.OnTrackSubscribed(identity, kind)
	}
}

func (c Callbacks) trackUnsubscribed(identity string, kind TrackKind) {
	if c.OnTrackUnsubscribed != nil {
		c.OnTrackUnsubscribed(identity, kind)
	}
}

func (c Callbacks) stateChanged(state ConnectionState) {
	if c.OnConnectionStateChanged != nil {
		c.OnConnectionStateChanged(state)
	}
}

// Relay is the transport to the media relay.
// Connect must not return before the relay acknowledged the join.
type Relay interface {
	Connect(ctx context.Context, url, token string, cb Callbacks) error
	SetTrackEnabled(ctx context.Context, kind TrackKind, enabled bool) error
	Disconnect()
	RemoveAllListeners()
}

// Options selects the media published right after the connection is up
type Options struct {
	Audio bool
	Video bool
}

// Session is a live relay connection
type Session struct {
	relay Relay

	mu     sync.Mutex
	audio  bool
	video  bool
	screen bool
	closed bool
}

// Connect joins the relay room and then enables the requested media.
// Errors are CONNECTION_FAILED AppErrors wrapping the cause; use Reason to
// tell device failures apart.
func Connect(ctx context.Context, relay Relay, url, token string, opts Options, cb Callbacks) (*Session, error) {
	if url == "" || token == "" {
		return nil, apperrors.ConnectionFailedError(errors.New("missing relay url or token"))
	}

	if err := relay.Connect(ctx, url, token, cb); err != nil {
		relay.RemoveAllListeners()
		return nil, apperrors.ConnectionFailedError(err)
	}

	s := &Session{relay: relay}
	if opts.Audio {
		if err := relay.SetTrackEnabled(ctx, TrackMicrophone, true); err != nil {
			s.Disconnect()
			return nil, apperrors.ConnectionFailedError(err)
		}
		s.audio = true
	}
	if opts.Video {
		if err := relay.SetTrackEnabled(ctx, TrackCamera, true); err != nil {
			s.Disconnect()
			return nil, apperrors.ConnectionFailedError(err)
		}
		s.video = true
	}
	return s, nil
}

// ToggleAudio enables or disables the microphone and reports success
func (s *Session) ToggleAudio(ctx context.Context, enabled bool) bool {
	return s.toggle(ctx, TrackMicrophone, &s.audio, enabled)
}

// ToggleVideo enables or disables the camera and reports success
func (s *Session) ToggleVideo(ctx context.Context, enabled bool) bool {
	return s.toggle(ctx, TrackCamera, &s.video, enabled)
}

// ToggleScreenShare starts or stops screen sharing and reports success
func (s *Session) ToggleScreenShare(ctx context.Context, enabled bool) bool {
	return s.toggle(ctx, TrackScreenShare, &s.screen, enabled)
}

func (s *Session) toggle(ctx context.Context, kind TrackKind, current *bool, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if *current == enabled {
		return true
	}
	if err := s.relay.SetTrackEnabled(ctx, kind, enabled); err != nil {
		logger.Warn("Failed to toggle media track",
			zap.String("track", string(kind)),
			zap.Bool("enabled", enabled),
			zap.Error(err))
		return false
	}
	*current = enabled
	return true
}

// Media returns the current audio, video and screen share flags
func (s *Session) Media() (audio, video, screen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio, s.video, s.screen
}

// Disconnect leaves the room. Safe to call more than once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	defer s.relay.RemoveAllListeners()
	s.relay.Disconnect()
}

// Reason maps a Connect or device error to the CALL_ERROR reason shown to the user
func Reason(err error) apperrors.ErrorCode {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return apperrors.ErrCodePermissionDenied
	case errors.Is(err, ErrDeviceUnavailable):
		return apperrors.ErrCodeDeviceUnavailable
	default:
		return apperrors.ErrCodeConnectionFailed
	}
}
