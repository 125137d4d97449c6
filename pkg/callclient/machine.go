package callclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/pkg/callproto"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/sfu"
)

const (
	defaultConnectTimeout = 15 * time.Second
	inboxSize             = 64
)

// ErrClosed is returned by actions on a closed Machine
var ErrClosed = errors.New("callclient: machine closed")

// Sender delivers signaling frames to the gateway
type Sender interface {
	Send(ctx context.Context, event callproto.Event, msg callproto.Message) error
}

// Credentials grant access to the media room of a call
type Credentials struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// TokenSource fetches media credentials for the chat's active call
type TokenSource interface {
	Token(ctx context.Context, chatID uuid.UUID) (Credentials, error)
}

// Config wires a Machine to its collaborators
type Config struct {
	ChatID uuid.UUID
	UserID uuid.UUID

	Sender   Sender
	Tokens   TokenSource
	NewRelay func() sfu.Relay

	// Media receives relay events; OnChange receives every state change.
	// Both run without the machine lock and must not call Close.
	Media    sfu.Callbacks
	OnChange func(State)

	ConnectTimeout time.Duration
}

// Machine is the call state of one device in one chat
type Machine struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	inbox   chan func()
	quit    chan struct{}
	stopped chan struct{}

	closeMu sync.RWMutex
	closed  bool

	// owned by the loop goroutine
	state      State
	session    *sfu.Session
	gen        uint64
	connecting bool
	stopping   bool

	snapMu sync.RWMutex
	snap   State
}

// New starts a machine for cfg.ChatID
func New(cfg Config) *Machine {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan func(), inboxSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		state:   State{ChatID: cfg.ChatID, Status: StatusIdle},
	}
	m.snap = m.state
	go m.loop()
	return m
}

func (m *Machine) loop() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.quit:
			m.teardown()
			for {
				select {
				case fn := <-m.inbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post queues fn for the loop. It fails once Close has started.
func (m *Machine) post(fn func()) bool {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return false
	}
	m.inbox <- fn
	return true
}

// do queues a command or event. Commands still queued at Close are skipped.
func (m *Machine) do(fn func()) error {
	ok := m.post(func() {
		if !m.stopping {
			fn()
		}
	})
	if !ok {
		return ErrClosed
	}
	return nil
}

// State returns the latest snapshot
func (m *Machine) State() State {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// Close tears the call down and stops the machine
func (m *Machine) Close() {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		<-m.stopped
		return
	}
	m.closed = true
	close(m.quit)
	m.closeMu.Unlock()

	<-m.stopped
	m.cancel()
}

// Initiate starts a call in the chat
func (m *Machine) Initiate(isVideoCall, isBroadcast bool) error {
	return m.do(func() { m.initiate(isVideoCall, isBroadcast) })
}

// Accept answers an incoming call or joins a previewed broadcast
func (m *Machine) Accept() error {
	return m.do(m.accept)
}

// Decline refuses an incoming call. On a joined call it hangs up.
func (m *Machine) Decline() error {
	return m.do(m.decline)
}

// HangUp leaves or withdraws the call
func (m *Machine) HangUp() error {
	return m.do(m.hangUp)
}

// ToggleMute flips the microphone once the relay confirms
func (m *Machine) ToggleMute() error {
	return m.do(func() { m.toggle(sfu.TrackMicrophone) })
}

// ToggleVideo flips the camera once the relay confirms
func (m *Machine) ToggleVideo() error {
	return m.do(func() { m.toggle(sfu.TrackCamera) })
}

// ToggleScreenShare flips screen sharing once the relay confirms
func (m *Machine) ToggleScreenShare() error {
	return m.do(func() { m.toggle(sfu.TrackScreenShare) })
}

// SetVideoCall switches the call between audio and video for everyone
func (m *Machine) SetVideoCall(enabled bool) error {
	return m.do(func() { m.setVideoCall(enabled) })
}

// HandleFrame applies one frame received from the gateway
func (m *Machine) HandleFrame(data []byte) {
	event, msg, err := callproto.Decode(data)
	if err != nil {
		logger.Warn("Invalid gateway frame", zap.Error(err))
		return
	}
	if msg.Chat() != m.cfg.ChatID {
		return
	}
	_ = m.do(func() { m.apply(event, msg) })
}

func (m *Machine) apply(event callproto.Event, msg callproto.Message) {
	switch p := msg.(type) {
	case callproto.IncomingCallResponse:
		m.onIncoming(p)
	case callproto.StartCallResponse:
		m.onStart(p)
	case callproto.UpdateCallPayload:
		m.onUpdate(p)
	case callproto.CallActionResponse:
		if event == callproto.EventCallDeclined {
			m.onDeclined(p)
		}
	case callproto.CallEndedResponse:
		m.onEnded(p)
	case callproto.CallErrorResponse:
		m.onError(p)
	}
}

func (m *Machine) initiate(isVideoCall, isBroadcast bool) {
	if m.state.Status.active() {
		logger.Warn("Call already in progress", zap.String("chat_id", m.cfg.ChatID.String()))
		return
	}

	status := StatusOutgoing
	if isBroadcast {
		status = StatusCheckBroadcast
	}
	m.reset(State{
		InitiatorID:    m.cfg.UserID,
		IsCaller:       true,
		IsBroadcast:    isBroadcast,
		IsVideoCall:    isVideoCall,
		IsVideoEnabled: isVideoCall,
		Status:         status,
		Pending:        status,
	})

	if !m.send(callproto.EventInitiateCall, callproto.InitiateCallPayload{
		ChatID:      m.cfg.ChatID,
		IsVideoCall: isVideoCall,
		IsBroadcast: isBroadcast,
	}) {
		m.fail(callproto.ReasonInitiationFailed)
	}
}

func (m *Machine) accept() {
	switch m.state.Status {
	case StatusIncoming, StatusCheckBroadcast:
	default:
		return
	}
	if !m.state.knowsCall() {
		logger.Debug("Accept before the call id is known", zap.String("chat_id", m.cfg.ChatID.String()))
		return
	}

	callID := m.state.CallID
	m.state.Status = StatusConnecting
	m.state.Pending = StatusConnecting
	m.notify()
	m.send(callproto.EventJoinCall, callproto.JoinCallPayload{ChatID: m.cfg.ChatID, CallID: &callID})
}

func (m *Machine) decline() {
	switch m.state.Status {
	case StatusIncoming:
	case StatusCheckBroadcast:
		if m.state.IsCaller {
			m.hangUp()
			return
		}
	default:
		m.hangUp()
		return
	}

	m.end(StatusDeclined, time.Now())
	m.send(callproto.EventDeclineCall, callproto.CallActionResponse{ChatID: m.cfg.ChatID})
}

func (m *Machine) hangUp() {
	s := m.state
	switch {
	case !s.Status.active():
		return
	case s.Status == StatusIncoming:
		m.decline()
	case s.IsCaller && (s.Status == StatusOutgoing || s.Status == StatusCheckBroadcast):
		m.end(StatusCanceled, time.Now())
		m.send(callproto.EventDeclineCall, callproto.CallActionResponse{ChatID: m.cfg.ChatID, IsCallerCancel: true})
	case s.Status == StatusCheckBroadcast:
		// a viewer that never joined has nothing to leave
		m.end(StatusEnded, time.Now())
	default:
		callID := s.CallID
		m.end(StatusEnded, time.Now())
		m.send(callproto.EventHangUp, callproto.HangUpPayload{ChatID: m.cfg.ChatID, CallID: &callID})
	}
}

func (m *Machine) onIncoming(p callproto.IncomingCallResponse) {
	s := m.state
	if p.InitiatorUserID == m.cfg.UserID {
		// the gateway's acknowledgement of our own INITIATE_CALL
		if s.IsCaller && !s.knowsCall() && (s.Status == StatusOutgoing || s.Status == StatusCheckBroadcast) {
			m.state.CallID = p.CallID
			m.state.Pending = ""
			m.notify()
		}
		return
	}
	if s.Status.active() {
		logger.Debug("Incoming call ignored while busy",
			zap.String("chat_id", p.ChatID.String()),
			zap.String("call_id", p.CallID.String()))
		return
	}

	status := StatusIncoming
	if p.IsBroadcast {
		status = StatusCheckBroadcast
	}
	m.reset(State{
		CallID:         p.CallID,
		InitiatorID:    p.InitiatorUserID,
		IsBroadcast:    p.IsBroadcast,
		IsVideoCall:    p.IsVideoCall,
		IsVideoEnabled: p.IsVideoCall && !p.IsBroadcast,
		Status:         status,
	})
}

func (m *Machine) onStart(p callproto.StartCallResponse) {
	s := m.state
	if s.knowsCall() && p.CallID != s.CallID {
		return
	}

	switch s.Status {
	case StatusIncoming:
		// another device of this member answered
		m.state.AnsweredElsewhere = true
		m.end(StatusEnded, time.Now())
		return
	case StatusOutgoing, StatusConnecting:
	default:
		return
	}

	startedAt := p.StartedAt
	m.state.CallID = p.CallID
	m.state.StartedAt = &startedAt
	m.state.Status = StatusConnecting
	m.state.Pending = ""
	m.notify()
	m.connectMedia()
}

func (m *Machine) onUpdate(p callproto.UpdateCallPayload) {
	if !m.state.Status.active() || p.CallID != m.state.CallID {
		return
	}
	if p.IsVideoCall != nil && *p.IsVideoCall != m.state.IsVideoCall {
		m.state.IsVideoCall = *p.IsVideoCall
		m.notify()
	}
}

func (m *Machine) onDeclined(p callproto.CallActionResponse) {
	if !m.state.Status.active() {
		return
	}
	if p.IsCallerCancel {
		if m.state.IsCaller {
			return
		}
		m.end(StatusCanceled, time.Now())
		return
	}
	m.end(StatusDeclined, time.Now())
}

func (m *Machine) onEnded(p callproto.CallEndedResponse) {
	s := m.state
	if !s.Status.active() {
		return
	}
	if s.knowsCall() && p.CallID != s.CallID {
		return
	}

	switch p.Status {
	case callproto.EndedMissed:
		m.end(StatusTimeout, p.EndedAt)
	case callproto.EndedCanceled:
		m.end(StatusCanceled, p.EndedAt)
	default:
		m.end(StatusEnded, p.EndedAt)
	}
}

func (m *Machine) onError(p callproto.CallErrorResponse) {
	s := m.state
	if !s.IsCaller || s.knowsCall() {
		return
	}
	if s.Status != StatusOutgoing && s.Status != StatusCheckBroadcast {
		return
	}
	m.fail(p.Reason)
}

func (m *Machine) setVideoCall(enabled bool) {
	s := m.state
	if !s.Status.active() || !s.knowsCall() || s.IsVideoCall == enabled {
		return
	}
	m.state.IsVideoCall = enabled
	m.notify()
	m.send(callproto.EventUpdateCall, callproto.UpdateCallPayload{
		CallID:          s.CallID,
		ChatID:          s.ChatID,
		InitiatorUserID: s.InitiatorID,
		IsVideoCall:     &enabled,
	})
}

// publishes reports whether this device sends media
func (m *Machine) publishes() bool {
	return !m.state.IsBroadcast || m.state.IsCaller
}

func (m *Machine) connectMedia() {
	if m.connecting || m.session != nil {
		return
	}
	m.connecting = true

	gen := m.gen
	chatID := m.cfg.ChatID
	opts := sfu.Options{
		Audio: m.publishes(),
		Video: m.publishes() && m.state.IsVideoCall,
	}

	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
		defer cancel()

		var (
			session *sfu.Session
			err     error
		)
		creds, err := m.cfg.Tokens.Token(ctx, chatID)
		if err == nil {
			session, err = sfu.Connect(ctx, m.cfg.NewRelay(), creds.URL, creds.Token, opts, m.cfg.Media)
		}

		posted := m.post(func() { m.onMediaConnected(gen, opts, session, err) })
		if !posted && session != nil {
			session.Disconnect()
		}
	}()
}

func (m *Machine) onMediaConnected(gen uint64, opts sfu.Options, session *sfu.Session, err error) {
	if gen != m.gen || m.state.Status != StatusConnecting {
		if session != nil {
			session.Disconnect()
		}
		return
	}
	m.connecting = false

	if err != nil {
		logger.Warn("Media connection failed",
			zap.String("chat_id", m.cfg.ChatID.String()),
			zap.String("call_id", m.state.CallID.String()),
			zap.Error(err))
		callID := m.state.CallID
		m.fail(callproto.ErrorReason(sfu.Reason(err)))
		m.send(callproto.EventHangUp, callproto.HangUpPayload{ChatID: m.cfg.ChatID, CallID: &callID})
		return
	}

	m.session = session
	m.state.Status = StatusConnected
	m.state.IsMuted = !opts.Audio
	m.state.IsVideoEnabled = opts.Video
	m.notify()
}

func (m *Machine) toggle(kind sfu.TrackKind) {
	if m.state.Status != StatusConnected || m.session == nil {
		return
	}

	var enable bool
	switch kind {
	case sfu.TrackMicrophone:
		enable = m.state.IsMuted
	case sfu.TrackCamera:
		enable = !m.state.IsVideoEnabled
	case sfu.TrackScreenShare:
		enable = !m.state.IsScreenSharing
	}

	gen, session := m.gen, m.session
	go func() {
		var ok bool
		switch kind {
		case sfu.TrackMicrophone:
			ok = session.ToggleAudio(m.ctx, enable)
		case sfu.TrackCamera:
			ok = session.ToggleVideo(m.ctx, enable)
		case sfu.TrackScreenShare:
			ok = session.ToggleScreenShare(m.ctx, enable)
		}
		m.post(func() {
			if !ok || gen != m.gen {
				return
			}
			switch kind {
			case sfu.TrackMicrophone:
				m.state.IsMuted = !enable
			case sfu.TrackCamera:
				m.state.IsVideoEnabled = enable
			case sfu.TrackScreenShare:
				m.state.IsScreenSharing = enable
			}
			m.notify()
		})
	}()
}

// reset binds the machine to a new call
func (m *Machine) reset(s State) {
	m.teardownMedia()
	m.gen++
	s.ChatID = m.cfg.ChatID
	m.state = s
	m.notify()
}

// end moves to a terminal status. Later events for the call are no-ops.
func (m *Machine) end(status Status, at time.Time) {
	m.teardownMedia()
	m.gen++
	m.state.Status = status
	m.state.Pending = ""
	m.state.EndedAt = &at
	m.notify()
}

func (m *Machine) fail(reason callproto.ErrorReason) {
	m.state.Error = reason
	m.end(StatusError, time.Now())
}

func (m *Machine) teardownMedia() {
	m.connecting = false
	m.state.IsScreenSharing = false
	if m.session != nil {
		m.session.Disconnect()
		m.session = nil
	}
}

// teardown is the single exit path run by Close
func (m *Machine) teardown() {
	m.hangUp()
	m.teardownMedia()
	m.gen++
	m.stopping = true
}

func (m *Machine) send(event callproto.Event, msg callproto.Message) bool {
	if err := m.cfg.Sender.Send(m.ctx, event, msg); err != nil {
		logger.Warn("Failed to send call event",
			zap.String("event", string(event)),
			zap.String("chat_id", m.cfg.ChatID.String()),
			zap.Error(err))
		return false
	}
	return true
}

func (m *Machine) notify() {
	snap := m.state
	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()

	if m.cfg.OnChange != nil && !m.stopping {
		m.cfg.OnChange(snap)
	}
}
