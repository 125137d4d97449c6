package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus is the server-side status of a call session
type CallStatus string

const (
	CallStatusDialing    CallStatus = "DIALING"
	CallStatusInProgress CallStatus = "IN_PROGRESS"
	CallStatusCompleted  CallStatus = "COMPLETED"
	CallStatusDeclined   CallStatus = "DECLINED"
	CallStatusMissed     CallStatus = "MISSED"
	CallStatusFailed     CallStatus = "FAILED"
	// CallStatusCanceled is reached when the caller withdraws before anyone joined.
	// It is never written to call history.
	CallStatusCanceled CallStatus = "CANCELED"
)

// IsTerminal reports whether no further transition is possible
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusDialing, CallStatusInProgress:
		return false
	}
	return true
}

// IsValid reports whether s is a known status
func (s CallStatus) IsValid() bool {
	switch s {
	case CallStatusDialing, CallStatusInProgress, CallStatusCompleted, CallStatusDeclined,
		CallStatusMissed, CallStatusFailed, CallStatusCanceled:
		return true
	}
	return false
}

// CallType returns the metrics label for a call
func CallType(isVideo, isBroadcast bool) string {
	switch {
	case isBroadcast:
		return "broadcast"
	case isVideo:
		return "video"
	default:
		return "audio"
	}
}

// Participant is one chat member present in a call
type Participant struct {
	MemberID uuid.UUID `json:"memberId"`
	UserID   uuid.UUID `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

// CallSession is a point-in-time copy of an active call owned by the registry
type CallSession struct {
	ID                uuid.UUID     `json:"id"`
	ChatID            uuid.UUID     `json:"chatId"`
	InitiatorID       uuid.UUID     `json:"initiatorId"`
	InitiatorMemberID uuid.UUID     `json:"initiatorMemberId"`
	Status            CallStatus    `json:"status"`
	IsVideoCall       bool          `json:"isVideoCall"`
	IsBroadcast       bool          `json:"isBroadcast"`
	Participants      []Participant `json:"participants"`
	StartedAt         *time.Time    `json:"startedAt,omitempty"`
	EndedAt           *time.Time    `json:"endedAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
}

// HasMember reports whether memberID currently participates
func (s *CallSession) HasMember(memberID uuid.UUID) bool {
	for _, p := range s.Participants {
		if p.MemberID == memberID {
			return true
		}
	}
	return false
}

// ParticipantUserIDs returns the distinct user ids of current participants
func (s *CallSession) ParticipantUserIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(s.Participants))
	ids := make([]uuid.UUID, 0, len(s.Participants))
	for _, p := range s.Participants {
		if _, ok := seen[p.UserID]; ok {
			continue
		}
		seen[p.UserID] = struct{}{}
		ids = append(ids, p.UserID)
	}
	return ids
}

// Duration is the talk time of a session that started and ended, zero otherwise
func (s *CallSession) Duration() time.Duration {
	if s.StartedAt == nil || s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(*s.StartedAt)
}

// Record converts a terminated session into its history row
func (s *CallSession) Record() CallRecord {
	return CallRecord{
		ID:          s.ID,
		ChatID:      s.ChatID,
		InitiatorID: s.InitiatorID,
		Status:      s.Status,
		IsVideoCall: s.IsVideoCall,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
		CreatedAt:   s.CreatedAt,
	}
}

// CallRecord is a terminal call outcome in call history
type CallRecord struct {
	ID          uuid.UUID  `json:"id"`
	ChatID      uuid.UUID  `json:"chatId"`
	InitiatorID uuid.UUID  `json:"initiatorId"`
	Status      CallStatus `json:"status"`
	IsVideoCall bool       `json:"isVideoCall"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// CallHistoryPage is one page of call history, newest first
type CallHistoryPage struct {
	Calls   []CallRecord `json:"calls"`
	HasMore bool         `json:"hasMore"`
}

// ChatMember is the membership of one user in one chat
type ChatMember struct {
	MemberID uuid.UUID `json:"memberId"`
	UserID   uuid.UUID `json:"userId"`
}

// LeaveReason says why a participant left a call
type LeaveReason string

const (
	LeaveDecline      LeaveReason = "DECLINE"
	LeaveCallerCancel LeaveReason = "CALLER_CANCEL"
	LeaveHangUp       LeaveReason = "HANG_UP"
	LeaveTimeout      LeaveReason = "TIMEOUT"
)
