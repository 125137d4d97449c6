// Package callproto defines the call signaling events exchanged over the
// gateway WebSocket. Every frame is an Envelope whose Event selects exactly one
// payload type; unknown events and unknown payload fields are rejected.
package callproto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event names a signaling event
type Event string

// Client to gateway
const (
	EventInitiateCall Event = "INITIATE_CALL"
	EventJoinCall     Event = "JOIN_CALL"
	EventUpdateCall   Event = "UPDATE_CALL"
	EventDeclineCall  Event = "DECLINE_CALL"
	EventHangUp       Event = "HANG_UP"
)

// Gateway to client. UPDATE_CALL is relayed under the same name.
const (
	EventIncomingCall Event = "INCOMING_CALL"
	EventStartCall    Event = "START_CALL"
	EventCallDeclined Event = "CALL_DECLINED"
	EventCallEnded    Event = "CALL_ENDED"
	EventCallError    Event = "CALL_ERROR"
)

// ErrorReason is the reason carried by CALL_ERROR
type ErrorReason string

const (
	ReasonLineBusy          ErrorReason = "LINE_BUSY"
	ReasonPermissionDenied  ErrorReason = "PERMISSION_DENIED"
	ReasonDeviceUnavailable ErrorReason = "DEVICE_UNAVAILABLE"
	ReasonConnectionFailed  ErrorReason = "CONNECTION_FAILED"
	ReasonInitiationFailed  ErrorReason = "INITIATION_FAILED"
)

// Final statuses carried by CALL_ENDED
const (
	EndedCompleted = "COMPLETED"
	EndedDeclined  = "DECLINED"
	EndedMissed    = "MISSED"
	EndedCanceled  = "CANCELED"
)

// Envelope is one signaling frame
type Envelope struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// InitiateCallPayload starts a call in a chat
type InitiateCallPayload struct {
	ChatID      uuid.UUID `json:"chatId"`
	IsVideoCall bool      `json:"isVideoCall"`
	IsBroadcast bool      `json:"isBroadcast"`
}

// JoinCallPayload joins the chat's active call
type JoinCallPayload struct {
	ChatID uuid.UUID  `json:"chatId"`
	CallID *uuid.UUID `json:"callId,omitempty"`
}

// UpdateCallPayload changes the media mode of a call. It is relayed verbatim.
type UpdateCallPayload struct {
	CallID          uuid.UUID `json:"callId"`
	ChatID          uuid.UUID `json:"chatId"`
	InitiatorUserID uuid.UUID `json:"initiatorUserId"`
	IsVideoCall     *bool     `json:"isVideoCall,omitempty"`
	CallStatus      *string   `json:"callStatus,omitempty"`
}

// CallActionResponse is both the DECLINE_CALL request and the CALL_DECLINED
// notification. IsCallerCancel tells a caller's withdrawal from a decline.
type CallActionResponse struct {
	ChatID         uuid.UUID `json:"chatId"`
	IsCallerCancel bool      `json:"isCallerCancel,omitempty"`
}

// HangUpPayload leaves a call
type HangUpPayload struct {
	ChatID uuid.UUID  `json:"chatId"`
	CallID *uuid.UUID `json:"callId,omitempty"`
}

// IncomingCallResponse rings the other members of a chat
type IncomingCallResponse struct {
	CallID            uuid.UUID `json:"callId"`
	ChatID            uuid.UUID `json:"chatId"`
	IsVideoCall       bool      `json:"isVideoCall"`
	InitiatorUserID   uuid.UUID `json:"initiatorUserId"`
	InitiatorMemberID uuid.UUID `json:"initiatorMemberId"`
	Status            string    `json:"status"`
	IsBroadcast       bool      `json:"isBroadcast"`
}

// StartCallResponse announces that a call is in progress
type StartCallResponse struct {
	CallID          uuid.UUID `json:"callId"`
	ChatID          uuid.UUID `json:"chatId"`
	InitiatorUserID uuid.UUID `json:"initiatorUserId"`
	StartedAt       time.Time `json:"startedAt"`
}

// CallEndedResponse announces the end of a call
type CallEndedResponse struct {
	ChatID  uuid.UUID `json:"chatId"`
	CallID  uuid.UUID `json:"callId"`
	EndedAt time.Time `json:"endedAt"`
	Status  string    `json:"status"`
}

// CallErrorResponse reports a failed call operation
type CallErrorResponse struct {
	ChatID uuid.UUID   `json:"chatId"`
	Reason ErrorReason `json:"reason"`
}

// Message is implemented by every payload type
type Message interface {
	Chat() uuid.UUID
}

func (p InitiateCallPayload) Chat() uuid.UUID  { return p.ChatID }
func (p JoinCallPayload) Chat() uuid.UUID      { return p.ChatID }
func (p UpdateCallPayload) Chat() uuid.UUID    { return p.ChatID }
func (p CallActionResponse) Chat() uuid.UUID   { return p.ChatID }
func (p HangUpPayload) Chat() uuid.UUID        { return p.ChatID }
func (p IncomingCallResponse) Chat() uuid.UUID { return p.ChatID }
func (p StartCallResponse) Chat() uuid.UUID    { return p.ChatID }
func (p CallEndedResponse) Chat() uuid.UUID    { return p.ChatID }
func (p CallErrorResponse) Chat() uuid.UUID    { return p.ChatID }

// newPayload returns a pointer to the zero payload of ev
func newPayload(ev Event) (any, bool) {
	switch ev {
	case EventInitiateCall:
		return &InitiateCallPayload{}, true
	case EventJoinCall:
		return &JoinCallPayload{}, true
	case EventUpdateCall:
		return &UpdateCallPayload{}, true
	case EventDeclineCall, EventCallDeclined:
		return &CallActionResponse{}, true
	case EventHangUp:
		return &HangUpPayload{}, true
	case EventIncomingCall:
		return &IncomingCallResponse{}, true
	case EventStartCall:
		return &StartCallResponse{}, true
	case EventCallEnded:
		return &CallEndedResponse{}, true
	case EventCallError:
		return &CallErrorResponse{}, true
	}
	return nil, false
}

// IsInbound reports whether clients may send ev to the gateway
func IsInbound(ev Event) bool {
	switch ev {
	case EventInitiateCall, EventJoinCall, EventUpdateCall, EventDeclineCall, EventHangUp:
		return true
	}
	return false
}

// Encode wraps msg in an envelope for ev
func Encode(ev Event, msg Message) ([]byte, error) {
	if _, ok := newPayload(ev); !ok {
		return nil, fmt.Errorf("unknown event %q", ev)
	}
	env, err := NewEnvelope(ev, msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// NewEnvelope builds an envelope for ev
func NewEnvelope(ev Event, msg Message) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", ev, err)
	}
	return Envelope{Event: ev, Payload: payload}, nil
}

// Decode parses one frame into its event and typed payload. The returned
// Message is a value, not a pointer (e.g. JoinCallPayload).
func Decode(data []byte) (Event, Message, error) {
	var env Envelope
	if err := strictUnmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("invalid envelope: %w", err)
	}
	msg, err := DecodePayload(env)
	if err != nil {
		return "", nil, err
	}
	return env.Event, msg, nil
}

// DecodePayload parses the payload of an already decoded envelope
func DecodePayload(env Envelope) (Message, error) {
	target, ok := newPayload(env.Event)
	if !ok {
		return nil, fmt.Errorf("unknown event %q", env.Event)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("missing payload for %s", env.Event)
	}
	if err := strictUnmarshal(env.Payload, target); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", env.Event, err)
	}

	var msg Message
	switch p := target.(type) {
	case *InitiateCallPayload:
		msg = *p
	case *JoinCallPayload:
		msg = *p
	case *UpdateCallPayload:
		msg = *p
	case *CallActionResponse:
		msg = *p
	case *HangUpPayload:
		msg = *p
	case *IncomingCallResponse:
		msg = *p
	case *StartCallResponse:
		msg = *p
	case *CallEndedResponse:
		msg = *p
	case *CallErrorResponse:
		msg = *p
	}
	if msg.Chat() == uuid.Nil {
		return nil, fmt.Errorf("invalid %s payload: chatId is required", env.Event)
	}
	return msg, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}
