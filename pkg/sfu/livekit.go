package sfu

import (
	"context"
	"fmt"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"chatcall-backend/pkg/logger"
)

// TrackSource produces local media tracks. Implementations return errors
// wrapping ErrPermissionDenied or ErrDeviceUnavailable for device failures.
type TrackSource interface {
	Track(ctx context.Context, kind TrackKind) (webrtc.TrackLocal, error)
}

// LiveKitRelay implements Relay on top of a LiveKit room
type LiveKitRelay struct {
	source TrackSource

	mu        sync.Mutex
	room      *lksdk.Room
	pubs      map[TrackKind]*lksdk.LocalTrackPublication
	listeners Callbacks
}

// NewLiveKitRelay creates a relay publishing tracks from source
func NewLiveKitRelay(source TrackSource) *LiveKitRelay {
	return &LiveKitRelay{
		source: source,
		pubs:   make(map[TrackKind]*lksdk.LocalTrackPublication),
	}
}

// Connect joins the room named in token. lksdk returns once the join
// response arrived; a connection that completes after ctx is done is closed.
func (r *LiveKitRelay) Connect(ctx context.Context, url, token string, cb Callbacks) error {
	r.mu.Lock()
	if r.room != nil {
		r.mu.Unlock()
		return fmt.Errorf("relay already connected")
	}
	r.listeners = cb
	r.mu.Unlock()

	type result struct {
		room *lksdk.Room
		err  error
	}
	done := make(chan result, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(url, token, r.roomCallback(), lksdk.WithAutoSubscribe(true))
		done <- result{room: room, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-done; res.room != nil {
				res.room.Disconnect()
			}
		}()
		return ctx.Err()
	case res := <-done:
		if res.err != nil {
			return res.err
		}
		r.mu.Lock()
		r.room = res.room
		r.mu.Unlock()
		r.callbacks().stateChanged(StateConnected)
		return nil
	}
}

func (r *LiveKitRelay) callbacks() Callbacks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeners
}

func (r *LiveKitRelay) roomCallback() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			r.callbacks().participantJoined(rp.Identity())
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			r.callbacks().participantLeft(rp.Identity())
		},
		OnDisconnected: func() {
			r.callbacks().stateChanged(StateDisconnected)
		},
		OnReconnecting: func() {
			r.callbacks().stateChanged(StateReconnecting)
		},
		OnReconnected: func() {
			r.callbacks().stateChanged(StateConnected)
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(_ *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				r.callbacks().trackSubscribed(rp.Identity(), kindFromSource(pub.Source()))
			},
			OnTrackUnsubscribed: func(_ *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				r.callbacks().trackUnsubscribed(rp.Identity(), kindFromSource(pub.Source()))
			},
		},
	}
}

// SetTrackEnabled publishes the track on first enable and mutes it afterwards.
// Screen shares are unpublished when disabled.
func (r *LiveKitRelay) SetTrackEnabled(ctx context.Context, kind TrackKind, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.room == nil {
		return ErrNotConnected
	}

	pub, published := r.pubs[kind]
	switch {
	case enabled && published:
		pub.SetMuted(false)
		return nil
	case enabled:
		track, err := r.source.Track(ctx, kind)
		if err != nil {
			return err
		}
		pub, err = r.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
			Name:   string(kind),
			Source: sourceFromKind(kind),
		})
		if err != nil {
			return fmt.Errorf("publish %s: %w", kind, err)
		}
		r.pubs[kind] = pub
		return nil
	case !published:
		return nil
	case kind == TrackScreenShare:
		delete(r.pubs, kind)
		if err := r.room.LocalParticipant.UnpublishTrack(pub.SID()); err != nil {
			return fmt.Errorf("unpublish %s: %w", kind, err)
		}
		return nil
	default:
		pub.SetMuted(true)
		return nil
	}
}

// Disconnect leaves the room
func (r *LiveKitRelay) Disconnect() {
	r.mu.Lock()
	room := r.room
	r.room = nil
	r.pubs = make(map[TrackKind]*lksdk.LocalTrackPublication)
	r.mu.Unlock()

	if room != nil {
		room.Disconnect()
		logger.Debug("Left media room", zap.String("room", room.Name()))
	}
}

// RemoveAllListeners detaches the callbacks given to Connect
func (r *LiveKitRelay) RemoveAllListeners() {
	r.mu.Lock()
	r.listeners = Callbacks{}
	r.mu.Unlock()
}

func sourceFromKind(kind TrackKind) livekit.TrackSource {
	switch kind {
	case TrackMicrophone:
		return livekit.TrackSource_MICROPHONE
	case TrackCamera:
		return livekit.TrackSource_CAMERA
	case TrackScreenShare:
		return livekit.TrackSource_SCREEN_SHARE
	default:
		return livekit.TrackSource_UNKNOWN
	}
}

func kindFromSource(source livekit.TrackSource) TrackKind {
	switch source {
	case livekit.TrackSource_MICROPHONE:
		return TrackMicrophone
	case livekit.TrackSource_SCREEN_SHARE, livekit.TrackSource_SCREEN_SHARE_AUDIO:
		return TrackScreenShare
	default:
		return TrackCamera
	}
}
