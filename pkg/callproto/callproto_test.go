package callproto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_InboundEvents(t *testing.T) {
	chatID := uuid.New()
	callID := uuid.New()

	tests := []struct {
		name  string
		frame string
		event Event
		want  Message
	}{
		{
			name:  "initiate",
			frame: `{"event":"INITIATE_CALL","payload":{"chatId":"` + chatID.String() + `","isVideoCall":true,"isBroadcast":false}}`,
			event: EventInitiateCall,
			want:  InitiateCallPayload{ChatID: chatID, IsVideoCall: true},
		},
		{
			name:  "join without call id",
			frame: `{"event":"JOIN_CALL","payload":{"chatId":"` + chatID.String() + `"}}`,
			event: EventJoinCall,
			want:  JoinCallPayload{ChatID: chatID},
		},
		{
			name:  "join with call id",
			frame: `{"event":"JOIN_CALL","payload":{"chatId":"` + chatID.String() + `","callId":"` + callID.String() + `"}}`,
			event: EventJoinCall,
			want:  JoinCallPayload{ChatID: chatID, CallID: &callID},
		},
		{
			name:  "caller cancel",
			frame: `{"event":"DECLINE_CALL","payload":{"chatId":"` + chatID.String() + `","isCallerCancel":true}}`,
			event: EventDeclineCall,
			want:  CallActionResponse{ChatID: chatID, IsCallerCancel: true},
		},
		{
			name:  "hang up",
			frame: `{"event":"HANG_UP","payload":{"chatId":"` + chatID.String() + `"}}`,
			event: EventHangUp,
			want:  HangUpPayload{ChatID: chatID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, msg, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.event, ev)
			assert.Equal(t, tt.want, msg)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	chatID := uuid.New().String()

	tests := []struct {
		name  string
		frame string
	}{
		{"unknown event", `{"event":"RING","payload":{"chatId":"` + chatID + `"}}`},
		{"unknown payload field", `{"event":"HANG_UP","payload":{"chatId":"` + chatID + `","force":true}}`},
		{"unknown envelope field", `{"event":"HANG_UP","payload":{"chatId":"` + chatID + `"},"seq":1}`},
		{"missing payload", `{"event":"HANG_UP"}`},
		{"null payload", `{"event":"HANG_UP","payload":null}`},
		{"missing chat id", `{"event":"JOIN_CALL","payload":{}}`},
		{"bad uuid", `{"event":"JOIN_CALL","payload":{"chatId":"nope"}}`},
		{"wrong type", `{"event":"INITIATE_CALL","payload":{"chatId":"` + chatID + `","isVideoCall":"yes"}}`},
		{"not json", `hello`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode([]byte(tt.frame))
			assert.Error(t, err)
		})
	}
}

func TestEncode_OutboundShapes(t *testing.T) {
	chatID := uuid.New()
	callID := uuid.New()
	endedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	data, err := Encode(EventCallEnded, CallEndedResponse{
		ChatID:  chatID,
		CallID:  callID,
		EndedAt: endedAt,
		Status:  EndedMissed,
	})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "CALL_ENDED", raw["event"])
	payload := raw["payload"].(map[string]any)
	assert.Equal(t, chatID.String(), payload["chatId"])
	assert.Equal(t, callID.String(), payload["callId"])
	assert.Equal(t, "MISSED", payload["status"])
	assert.Equal(t, "2026-03-01T12:00:00Z", payload["endedAt"])

	ev, msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EventCallEnded, ev)
	assert.Equal(t, EndedMissed, msg.(CallEndedResponse).Status)
}

func TestEncode_DeclinedOmitsFalseCancel(t *testing.T) {
	data, err := Encode(EventCallDeclined, CallActionResponse{ChatID: uuid.New()})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "isCallerCancel")
}

func TestEncode_UnknownEvent(t *testing.T) {
	_, err := Encode(Event("RING"), HangUpPayload{ChatID: uuid.New()})
	assert.Error(t, err)
}

func TestIsInbound(t *testing.T) {
	assert.True(t, IsInbound(EventInitiateCall))
	assert.True(t, IsInbound(EventUpdateCall))
	assert.False(t, IsInbound(EventStartCall))
	assert.False(t, IsInbound(EventCallError))
}
