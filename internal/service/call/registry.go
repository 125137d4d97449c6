package call

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/pkg/constants"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
)

// Registry errors. Compare with errors.Is.
var (
	ErrBusy     = apperrors.LineBusyError()
	ErrNotFound = apperrors.CallNotFoundError()
	ErrMismatch = apperrors.CallMismatchError()
)

// ExpiryHook is invoked from a session's ring timer when it fires
type ExpiryHook func(chatID, callID uuid.UUID)

// RegistryOptions configures a Registry
type RegistryOptions struct {
	Shards      int
	RingTimeout time.Duration
	Now         func() time.Time
}

// JoinResult is the result of a successful Join
type JoinResult struct {
	Session domain.CallSession
	// Started is true only for the join that moved the session to IN_PROGRESS
	Started bool
	// Joined is true when memberID was not a participant before
	Joined bool
}

// Outcome is the result of a Leave or Expire
type Outcome struct {
	// Session is the state after the leave; its Status is final when Ended is true
	Session domain.CallSession
	Ended   bool
	// Persist is false for outcomes that must not reach call history
	Persist bool
}

// Registry is the in-memory store of active call sessions, at most one per chat.
// Operations on one chat are serialized by that chat's shard lock.
type Registry struct {
	shards      []*shard
	ringTimeout time.Duration
	now         func() time.Time
	active      atomic.Int64
	hook        atomic.Pointer[ExpiryHook]
}

type shard struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

type session struct {
	id                uuid.UUID
	chatID            uuid.UUID
	initiatorID       uuid.UUID
	initiatorMemberID uuid.UUID
	status            domain.CallStatus
	isVideoCall       bool
	isBroadcast       bool
	participants      map[uuid.UUID]domain.Participant
	startedAt         *time.Time
	endedAt           *time.Time
	createdAt         time.Time
	timer             *time.Timer
}

// NewRegistry creates an empty registry
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Shards <= 0 {
		opts.Shards = constants.RegistryShards
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = constants.RingTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Registry{
		shards:      make([]*shard, opts.Shards),
		ringTimeout: opts.RingTimeout,
		now:         opts.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[uuid.UUID]*session)}
	}
	return r
}

// SetExpiryHook sets the function ring timers call. Without a hook an expired
// session is ended silently.
func (r *Registry) SetExpiryHook(hook ExpiryHook) {
	r.hook.Store(&hook)
}

// RingTimeout returns the configured ring timeout
func (r *Registry) RingTimeout() time.Duration {
	return r.ringTimeout
}

func (r *Registry) shardFor(chatID uuid.UUID) *shard {
	h := fnv.New32a()
	_, _ = h.Write(chatID[:])
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// CreateSession opens a DIALING session for chatID with the initiator as its only
// participant, and arms the ring timer. It fails with ErrBusy if the chat already
// has an active session.
func (r *Registry) CreateSession(chatID, initiatorID, initiatorMemberID uuid.UUID, isVideoCall, isBroadcast bool) (domain.CallSession, error) {
	sh := r.shardFor(chatID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.sessions[chatID]; ok {
		logger.Debug("Call already active in chat",
			zap.String("chat_id", chatID.String()),
			zap.String("call_id", existing.id.String()),
			zap.String("status", string(existing.status)))
		return domain.CallSession{}, ErrBusy
	}

	now := r.now()
	s := &session{
		id:                uuid.New(),
		chatID:            chatID,
		initiatorID:       initiatorID,
		initiatorMemberID: initiatorMemberID,
		status:            domain.CallStatusDialing,
		isVideoCall:       isVideoCall,
		isBroadcast:       isBroadcast,
		participants: map[uuid.UUID]domain.Participant{
			initiatorMemberID: {MemberID: initiatorMemberID, UserID: initiatorID, JoinedAt: now},
		},
		createdAt: now,
	}
	callID := s.id
	s.timer = time.AfterFunc(r.ringTimeout, func() { r.fire(chatID, callID) })
	sh.sessions[chatID] = s
	r.active.Add(1)

	return s.snapshot(), nil
}

func (r *Registry) fire(chatID, callID uuid.UUID) {
	if hook := r.hook.Load(); hook != nil && *hook != nil {
		(*hook)(chatID, callID)
		return
	}
	_, _ = r.Expire(chatID, callID)
}

// Join adds memberID to the chat's active session. A non-zero callID must match
// the active session. For a regular call the second distinct participant starts
// it; for a broadcast the initiator's own join starts it and viewers are only
// recorded. Joining again as an existing participant changes nothing.
func (r *Registry) Join(chatID, callID, memberID, userID uuid.UUID) (JoinResult, error) {
	sh := r.shardFor(chatID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, err := sh.lookup(chatID, callID)
	if err != nil {
		return JoinResult{}, err
	}

	if s.isBroadcast && memberID == s.initiatorMemberID {
		if s.status != domain.CallStatusDialing {
			return JoinResult{Session: s.snapshot()}, nil
		}
		r.start(s)
		return JoinResult{Session: s.snapshot(), Started: true}, nil
	}

	if _, ok := s.participants[memberID]; ok {
		return JoinResult{Session: s.snapshot()}, nil
	}

	s.participants[memberID] = domain.Participant{MemberID: memberID, UserID: userID, JoinedAt: r.now()}

	if s.isBroadcast || s.status != domain.CallStatusDialing || len(s.participants) < 2 {
		return JoinResult{Session: s.snapshot(), Joined: true}, nil
	}
	r.start(s)
	return JoinResult{Session: s.snapshot(), Started: true, Joined: true}, nil
}

func (r *Registry) start(s *session) {
	if s.startedAt != nil {
		return
	}
	now := r.now()
	s.startedAt = &now
	s.status = domain.CallStatusInProgress
	s.stopTimer()
}

// Leave removes memberID from the chat's active session and ends the session when
// it can no longer continue. A non-zero callID must match the active session.
//
// A callee's decline ends a ringing call as DECLINED. The caller withdrawing
// before anyone joined ends it as CANCELED, which is not persisted. Once started,
// the call ends as COMPLETED when one participant is left, or when the initiator
// leaves a broadcast.
func (r *Registry) Leave(chatID, callID, memberID uuid.UUID, reason domain.LeaveReason) (Outcome, error) {
	sh := r.shardFor(chatID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, err := sh.lookup(chatID, callID)
	if err != nil {
		return Outcome{}, err
	}

	isInitiator := memberID == s.initiatorMemberID
	_, present := s.participants[memberID]

	switch reason {
	case domain.LeaveTimeout:
		if !s.unanswered() {
			return Outcome{Session: s.snapshot()}, nil
		}
		return r.end(sh, s, reason), nil

	case domain.LeaveCallerCancel:
		if !isInitiator {
			return Outcome{}, ErrMismatch
		}
		if s.status == domain.CallStatusDialing {
			return r.end(sh, s, reason), nil
		}

	case domain.LeaveDecline:
		if s.status != domain.CallStatusDialing {
			break
		}
		if isInitiator {
			return r.end(sh, s, domain.LeaveCallerCancel), nil
		}
		// viewers turning down a broadcast never end it
		if !s.isBroadcast {
			return r.end(sh, s, reason), nil
		}
	}

	if !present {
		return Outcome{Session: s.snapshot()}, nil
	}

	if s.status == domain.CallStatusDialing && isInitiator {
		return r.end(sh, s, reason), nil
	}

	delete(s.participants, memberID)

	if s.isBroadcast {
		if isInitiator {
			return r.end(sh, s, reason), nil
		}
		return Outcome{Session: s.snapshot()}, nil
	}
	if s.status == domain.CallStatusInProgress && len(s.participants) <= 1 {
		return r.end(sh, s, reason), nil
	}
	return Outcome{Session: s.snapshot()}, nil
}

// Expire ends the session with callID as MISSED if it is still ringing with
// nobody but the initiator in it. It returns ErrNotFound otherwise, so a timer
// and the sweep racing on the same call end it once.
//
// A broadcast that viewers joined before the initiator went live is not missed.
// It stays open until the initiator starts or leaves it.
func (r *Registry) Expire(chatID, callID uuid.UUID) (Outcome, error) {
	sh := r.shardFor(chatID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[chatID]
	if !ok || s.id != callID || !s.unanswered() {
		return Outcome{}, ErrNotFound
	}
	return r.end(sh, s, domain.LeaveTimeout), nil
}

// SessionsOf returns the active sessions userID is a participant of
func (r *Registry) SessionsOf(userID uuid.UUID) []domain.CallSession {
	var out []domain.CallSession
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, s := range sh.sessions {
			for _, p := range s.participants {
				if p.UserID == userID {
					out = append(out, s.snapshot())
					break
				}
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// end terminates s and removes it from its shard. Caller holds sh.mu.
func (r *Registry) end(sh *shard, s *session, reason domain.LeaveReason) Outcome {
	s.stopTimer()
	if s.endedAt == nil {
		now := r.now()
		s.endedAt = &now
	}
	s.status = resolveStatus(s.startedAt != nil, reason)
	delete(sh.sessions, s.chatID)
	r.active.Add(-1)

	return Outcome{
		Session: s.snapshot(),
		Ended:   true,
		Persist: s.status != domain.CallStatusCanceled,
	}
}

func resolveStatus(started bool, reason domain.LeaveReason) domain.CallStatus {
	if started {
		return domain.CallStatusCompleted
	}
	switch reason {
	case domain.LeaveDecline:
		return domain.CallStatusDeclined
	case domain.LeaveTimeout:
		return domain.CallStatusMissed
	default:
		return domain.CallStatusCanceled
	}
}

// GetActiveSession returns the chat's active session, if any
func (r *Registry) GetActiveSession(chatID uuid.UUID) (domain.CallSession, bool) {
	sh := r.shardFor(chatID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[chatID]
	if !ok {
		return domain.CallSession{}, false
	}
	return s.snapshot(), true
}

// Snapshot copies every active session. Sessions may change right after it returns.
func (r *Registry) Snapshot() []domain.CallSession {
	out := make([]domain.CallSession, 0, r.ActiveCount())
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, s := range sh.sessions {
			out = append(out, s.snapshot())
		}
		sh.mu.Unlock()
	}
	return out
}

// ActiveCount returns the number of active sessions
func (r *Registry) ActiveCount() int {
	return int(r.active.Load())
}

// Close stops all ring timers and drops every session
func (r *Registry) Close() {
	for _, sh := range r.shards {
		sh.mu.Lock()
		for chatID, s := range sh.sessions {
			s.stopTimer()
			delete(sh.sessions, chatID)
			r.active.Add(-1)
		}
		sh.mu.Unlock()
	}
}

func (sh *shard) lookup(chatID, callID uuid.UUID) (*session, error) {
	s, ok := sh.sessions[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	if callID != uuid.Nil && callID != s.id {
		return nil, ErrMismatch
	}
	return s, nil
}

// unanswered reports whether s is ringing with only the initiator in it
func (s *session) unanswered() bool {
	return s.status == domain.CallStatusDialing && len(s.participants) <= 1
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *session) snapshot() domain.CallSession {
	out := domain.CallSession{
		ID:                s.id,
		ChatID:            s.chatID,
		InitiatorID:       s.initiatorID,
		InitiatorMemberID: s.initiatorMemberID,
		Status:            s.status,
		IsVideoCall:       s.isVideoCall,
		IsBroadcast:       s.isBroadcast,
		Participants:      make([]domain.Participant, 0, len(s.participants)),
		CreatedAt:         s.createdAt,
	}
	for _, p := range s.participants {
		out.Participants = append(out.Participants, p)
	}
	if s.startedAt != nil {
		t := *s.startedAt
		out.StartedAt = &t
	}
	if s.endedAt != nil {
		t := *s.endedAt
		out.EndedAt = &t
	}
	return out
}
