// Package callclient runs the call state of one device for one chat. Gateway
// events and user actions are applied on a single goroutine; media work runs
// asynchronously and reports back through the same queue.
package callclient

import (
	"time"

	"github.com/google/uuid"

	"chatcall-backend/pkg/callproto"
)

// Status is the local view of a call
type Status string

const (
	StatusIdle           Status = "IDLE"
	StatusOutgoing       Status = "OUTGOING"
	StatusIncoming       Status = "INCOMING"
	StatusCheckBroadcast Status = "CHECK_BROADCAST"
	StatusConnecting     Status = "CONNECTING"
	StatusConnected      Status = "CONNECTED"
	StatusEnded          Status = "ENDED"
	StatusDeclined       Status = "DECLINED"
	StatusCanceled       Status = "CANCELED"
	StatusTimeout        Status = "TIMEOUT"
	StatusError          Status = "ERROR"
)

// IsTerminal reports whether no further transition can leave s
func (s Status) IsTerminal() bool {
	switch s {
	case StatusEnded, StatusDeclined, StatusCanceled, StatusTimeout, StatusError:
		return true
	}
	return false
}

// active reports whether s belongs to a call in flight
func (s Status) active() bool {
	return s != StatusIdle && !s.IsTerminal()
}

// State is a snapshot of the device's call
type State struct {
	CallID      uuid.UUID `json:"callId"`
	ChatID      uuid.UUID `json:"chatId"`
	InitiatorID uuid.UUID `json:"initiatorUserId"`
	IsCaller    bool      `json:"isCaller"`
	IsBroadcast bool      `json:"isBroadcast"`
	IsVideoCall bool      `json:"isVideoCall"`
	Status      Status    `json:"status"`

	IsMuted         bool `json:"isMuted"`
	IsVideoEnabled  bool `json:"isVideoEnabled"`
	IsScreenSharing bool `json:"isScreenSharing"`

	Error             callproto.ErrorReason `json:"error,omitempty"`
	AnsweredElsewhere bool                  `json:"answeredElsewhere,omitempty"`

	// Pending is the optimistic status still waiting for the gateway
	Pending Status `json:"pending,omitempty"`

	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// knowsCall reports whether the state is bound to a concrete call id
func (s State) knowsCall() bool {
	return s.CallID != uuid.Nil
}
