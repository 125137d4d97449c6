package sfu

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "chatcall-backend/pkg/errors"
)

type fakeRelay struct {
	connectErr  error
	trackErr    map[TrackKind]error
	calls       []string
	cb          Callbacks
	disconnects int
	removed     int
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{trackErr: make(map[TrackKind]error)}
}

func (f *fakeRelay) Connect(_ context.Context, _, _ string, cb Callbacks) error {
	f.calls = append(f.calls, "connect")
	if f.connectErr != nil {
		return f.connectErr
	}
	f.cb = cb
	return nil
}

func (f *fakeRelay) SetTrackEnabled(_ context.Context, kind TrackKind, enabled bool) error {
	f.calls = append(f.calls, fmt.Sprintf("%s=%t", kind, enabled))
	return f.trackErr[kind]
}

func (f *fakeRelay) Disconnect() {
	f.calls = append(f.calls, "disconnect")
	f.disconnects++
}

func (f *fakeRelay) RemoveAllListeners() {
	f.removed++
	f.cb = Callbacks{}
}

func TestConnect_PublishesAfterJoin(t *testing.T) {
	relay := newFakeRelay()
	s, err := Connect(context.Background(), relay, "wss://relay", "token", Options{Audio: true, Video: true}, Callbacks{})
	require.NoError(t, err)

	assert.Equal(t, []string{"connect", "microphone=true", "camera=true"}, relay.calls)
	audio, video, screen := s.Media()
	assert.True(t, audio)
	assert.True(t, video)
	assert.False(t, screen)
}

func TestConnect_Failures(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		relay := newFakeRelay()
		_, err := Connect(context.Background(), relay, "wss://relay", "", Options{}, Callbacks{})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnectionFailed))
		assert.Empty(t, relay.calls)
	})

	t.Run("relay refuses", func(t *testing.T) {
		relay := newFakeRelay()
		relay.connectErr = errors.New("dial failed")
		_, err := Connect(context.Background(), relay, "wss://relay", "token", Options{Audio: true}, Callbacks{})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnectionFailed))
		assert.Equal(t, apperrors.ErrCodeConnectionFailed, Reason(err))
		assert.Equal(t, []string{"connect"}, relay.calls)
		assert.Equal(t, 1, relay.removed)
	})

	t.Run("microphone denied", func(t *testing.T) {
		relay := newFakeRelay()
		relay.trackErr[TrackMicrophone] = fmt.Errorf("getUserMedia: %w", ErrPermissionDenied)
		_, err := Connect(context.Background(), relay, "wss://relay", "token", Options{Audio: true, Video: true}, Callbacks{})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodePermissionDenied, Reason(err))
		assert.Equal(t, []string{"connect", "microphone=true", "disconnect"}, relay.calls)
		assert.Equal(t, 1, relay.removed)
	})

	t.Run("camera missing", func(t *testing.T) {
		relay := newFakeRelay()
		relay.trackErr[TrackCamera] = ErrDeviceUnavailable
		_, err := Connect(context.Background(), relay, "wss://relay", "token", Options{Video: true}, Callbacks{})
		assert.Equal(t, apperrors.ErrCodeDeviceUnavailable, Reason(err))
	})
}

func TestSession_Toggle(t *testing.T) {
	relay := newFakeRelay()
	s, err := Connect(context.Background(), relay, "wss://relay", "token", Options{Audio: true}, Callbacks{})
	require.NoError(t, err)
	relay.calls = nil

	// already enabled: no relay round trip
	assert.True(t, s.ToggleAudio(context.Background(), true))
	assert.Empty(t, relay.calls)

	assert.True(t, s.ToggleAudio(context.Background(), false))
	audio, _, _ := s.Media()
	assert.False(t, audio)

	relay.trackErr[TrackScreenShare] = ErrPermissionDenied
	assert.False(t, s.ToggleScreenShare(context.Background(), true))
	_, _, screen := s.Media()
	assert.False(t, screen, "failed toggle keeps prior state")

	delete(relay.trackErr, TrackScreenShare)
	assert.True(t, s.ToggleScreenShare(context.Background(), true))
	_, _, screen = s.Media()
	assert.True(t, screen)
}

func TestSession_DisconnectIdempotent(t *testing.T) {
	relay := newFakeRelay()
	joined := 0
	s, err := Connect(context.Background(), relay, "wss://relay", "token", Options{}, Callbacks{
		OnParticipantJoined: func(string) { joined++ },
	})
	require.NoError(t, err)

	relay.cb.participantJoined("bob")
	assert.Equal(t, 1, joined)

	s.Disconnect()
	s.Disconnect()
	assert.Equal(t, 1, relay.disconnects)
	assert.Equal(t, 1, relay.removed)

	// listeners are gone and toggles are refused after teardown
	relay.cb.participantJoined("carol")
	assert.Equal(t, 1, joined)
	assert.False(t, s.ToggleVideo(context.Background(), true))
}

func TestTrackSourceMapping(t *testing.T) {
	for _, kind := range []TrackKind{TrackMicrophone, TrackCamera, TrackScreenShare} {
		assert.Equal(t, kind, kindFromSource(sourceFromKind(kind)))
	}
	assert.Equal(t, TrackScreenShare, kindFromSource(livekit.TrackSource_SCREEN_SHARE_AUDIO))
	assert.Equal(t, livekit.TrackSource_UNKNOWN, sourceFromKind(TrackKind("other")))
}

func TestLiveKitRelay_RequiresConnection(t *testing.T) {
	relay := NewLiveKitRelay(nil)
	err := relay.SetTrackEnabled(context.Background(), TrackMicrophone, true)
	assert.ErrorIs(t, err, ErrNotConnected)

	// no room yet: both are no-ops
	relay.Disconnect()
	relay.RemoveAllListeners()
}
