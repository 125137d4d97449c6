package ws

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/service/call"
	"chatcall-backend/pkg/callproto"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

// Fanout delivers a frame to every device of userIDs except one connection,
// on this and other gateway instances
type Fanout interface {
	Publish(ctx context.Context, userIDs []uuid.UUID, exceptConn uuid.UUID, frame []byte) error
}

// Membership resolves the members of a chat
type Membership interface {
	GetChatMembers(ctx context.Context, chatID uuid.UUID) ([]domain.ChatMember, error)
}

// HistoryWriter persists terminal call outcomes
type HistoryWriter interface {
	Record(session domain.CallSession)
}

// RoomDeleter tears down the media room of a call
type RoomDeleter interface {
	DeleteRoom(ctx context.Context, callID uuid.UUID) error
}

// CallGateway translates signaling events into registry operations and fans
// the resulting notifications out to chat members
type CallGateway struct {
	registry *call.Registry
	members  Membership
	fanout   Fanout
	history  HistoryWriter
	rooms    RoomDeleter
	metrics  *metrics.Metrics
}

// NewCallGateway creates the call event router. rooms may be nil when no media
// relay is configured.
func NewCallGateway(registry *call.Registry, members Membership, fanout Fanout, history HistoryWriter, rooms RoomDeleter, m *metrics.Metrics) *CallGateway {
	return &CallGateway{
		registry: registry,
		members:  members,
		fanout:   fanout,
		history:  history,
		rooms:    rooms,
		metrics:  m,
	}
}

// HandleFrame decodes and routes one inbound frame
func (g *CallGateway) HandleFrame(ctx context.Context, conn Conn, data []byte) {
	event, msg, err := callproto.Decode(data)
	if err != nil {
		g.metrics.RecordWebSocketError("decode")
		logger.Warn("Invalid signaling frame",
			zap.String("user_id", conn.UserID().String()),
			zap.String("conn_id", conn.ID().String()),
			zap.Error(err))
		return
	}
	if !callproto.IsInbound(event) {
		logger.Warn("Outbound-only event sent by client",
			zap.String("event", string(event)),
			zap.String("conn_id", conn.ID().String()))
		return
	}
	g.metrics.RecordWebSocketMessage(string(event), "in")

	switch p := msg.(type) {
	case callproto.InitiateCallPayload:
		g.handleInitiate(ctx, conn, p)
	case callproto.JoinCallPayload:
		g.handleJoin(ctx, conn, p)
	case callproto.UpdateCallPayload:
		g.handleUpdate(ctx, conn, p, data)
	case callproto.CallActionResponse:
		g.handleDecline(ctx, conn, p)
	case callproto.HangUpPayload:
		g.handleHangUp(ctx, conn, p)
	}
}

// memberOf resolves the chat membership of the connection's user
func (g *CallGateway) memberOf(ctx context.Context, conn Conn, chatID uuid.UUID) ([]domain.ChatMember, domain.ChatMember, bool) {
	members, err := g.members.GetChatMembers(ctx, chatID)
	if err != nil {
		logger.Error("Failed to load chat members",
			zap.String("chat_id", chatID.String()),
			zap.Error(err))
		return nil, domain.ChatMember{}, false
	}
	member, ok := call.FindMember(members, conn.UserID())
	if !ok {
		logger.Warn("Call event from non-member",
			zap.String("chat_id", chatID.String()),
			zap.String("user_id", conn.UserID().String()))
		return members, domain.ChatMember{}, false
	}
	return members, member, true
}

func (g *CallGateway) handleInitiate(ctx context.Context, conn Conn, p callproto.InitiateCallPayload) {
	callType := domain.CallType(p.IsVideoCall, p.IsBroadcast)

	members, member, ok := g.memberOf(ctx, conn, p.ChatID)
	if !ok {
		g.metrics.RecordCallFailure(callType, string(callproto.ReasonInitiationFailed))
		g.sendError(conn, p.ChatID, callproto.ReasonInitiationFailed)
		return
	}

	session, err := g.registry.CreateSession(p.ChatID, conn.UserID(), member.MemberID, p.IsVideoCall, p.IsBroadcast)
	if err != nil {
		reason := callproto.ReasonInitiationFailed
		if errors.Is(err, call.ErrBusy) {
			reason = callproto.ReasonLineBusy
		}
		g.metrics.RecordCallFailure(callType, string(reason))
		g.sendError(conn, p.ChatID, reason)
		return
	}
	g.metrics.SetActiveCalls(g.registry.ActiveCount())

	logger.Info("Call initiated",
		zap.String("chat_id", session.ChatID.String()),
		zap.String("call_id", session.ID.String()),
		zap.String("user_id", conn.UserID().String()),
		zap.String("type", callType))

	frame, err := callproto.Encode(callproto.EventIncomingCall, callproto.IncomingCallResponse{
		CallID:            session.ID,
		ChatID:            session.ChatID,
		IsVideoCall:       session.IsVideoCall,
		InitiatorUserID:   session.InitiatorID,
		InitiatorMemberID: session.InitiatorMemberID,
		Status:            string(session.Status),
		IsBroadcast:       session.IsBroadcast,
	})
	if err != nil {
		logger.Error("Failed to encode incoming call", zap.Error(err))
		return
	}

	// the initiating device learns the call id from its own copy
	g.sendFrame(conn, callproto.EventIncomingCall, frame)
	g.publish(ctx, callproto.EventIncomingCall, call.MemberUserIDs(members, conn.UserID()), uuid.Nil, frame)
}

func (g *CallGateway) handleJoin(ctx context.Context, conn Conn, p callproto.JoinCallPayload) {
	_, member, ok := g.memberOf(ctx, conn, p.ChatID)
	if !ok {
		return
	}

	result, err := g.registry.Join(p.ChatID, optionalID(p.CallID), member.MemberID, conn.UserID())
	if err != nil {
		g.dropStale(callproto.EventJoinCall, conn, p.ChatID, err)
		return
	}

	session := result.Session
	if session.StartedAt == nil {
		return
	}

	frame, err := callproto.Encode(callproto.EventStartCall, callproto.StartCallResponse{
		CallID:          session.ID,
		ChatID:          session.ChatID,
		InitiatorUserID: session.InitiatorID,
		StartedAt:       *session.StartedAt,
	})
	if err != nil {
		logger.Error("Failed to encode start call", zap.Error(err))
		return
	}

	if !result.Started {
		if result.Joined {
			// late joiner of a running call
			g.sendFrame(conn, callproto.EventStartCall, frame)
		}
		return
	}

	logger.Info("Call started",
		zap.String("chat_id", session.ChatID.String()),
		zap.String("call_id", session.ID.String()))
	g.publish(ctx, callproto.EventStartCall, session.ParticipantUserIDs(), uuid.Nil, frame)
}

func (g *CallGateway) handleUpdate(ctx context.Context, conn Conn, p callproto.UpdateCallPayload, raw []byte) {
	session, ok := g.registry.GetActiveSession(p.ChatID)
	if !ok || session.ID != p.CallID {
		logger.Warn("Update for inactive call dropped",
			zap.String("chat_id", p.ChatID.String()),
			zap.String("call_id", p.CallID.String()),
			zap.String("conn_id", conn.ID().String()))
		return
	}

	_, member, ok := g.memberOf(ctx, conn, p.ChatID)
	if !ok || !session.HasMember(member.MemberID) {
		logger.Warn("Update from non-participant dropped",
			zap.String("call_id", p.CallID.String()),
			zap.String("user_id", conn.UserID().String()))
		return
	}

	g.publish(ctx, callproto.EventUpdateCall, session.ParticipantUserIDs(), conn.ID(), raw)
}

func (g *CallGateway) handleDecline(ctx context.Context, conn Conn, p callproto.CallActionResponse) {
	members, member, ok := g.memberOf(ctx, conn, p.ChatID)
	if !ok {
		return
	}

	reason := domain.LeaveDecline
	if p.IsCallerCancel {
		reason = domain.LeaveCallerCancel
	}

	outcome, err := g.registry.Leave(p.ChatID, uuid.Nil, member.MemberID, reason)
	if err != nil {
		g.dropStale(callproto.EventDeclineCall, conn, p.ChatID, err)
		return
	}

	if outcome.Ended && outcome.Session.Status == domain.CallStatusCompleted {
		// declining a call that already started is a hang-up
		g.finish(ctx, outcome)
		g.publishEnded(ctx, outcome.Session, call.MemberUserIDs(members), conn.ID())
		return
	}

	frame, err := callproto.Encode(callproto.EventCallDeclined, callproto.CallActionResponse{
		ChatID:         p.ChatID,
		IsCallerCancel: p.IsCallerCancel,
	})
	if err != nil {
		logger.Error("Failed to encode call declined", zap.Error(err))
		return
	}

	recipients := []uuid.UUID{conn.UserID()}
	if outcome.Ended {
		g.finish(ctx, outcome)
		recipients = call.MemberUserIDs(members)
	}
	// without an end only the decliner's other devices stop ringing
	g.publish(ctx, callproto.EventCallDeclined, recipients, conn.ID(), frame)
}

func (g *CallGateway) handleHangUp(ctx context.Context, conn Conn, p callproto.HangUpPayload) {
	members, member, ok := g.memberOf(ctx, conn, p.ChatID)
	if !ok {
		return
	}

	outcome, err := g.registry.Leave(p.ChatID, optionalID(p.CallID), member.MemberID, domain.LeaveHangUp)
	if err != nil {
		g.dropStale(callproto.EventHangUp, conn, p.ChatID, err)
		return
	}
	if !outcome.Ended {
		logger.Debug("Participant left call",
			zap.String("call_id", outcome.Session.ID.String()),
			zap.String("user_id", conn.UserID().String()))
		return
	}

	g.finish(ctx, outcome)
	g.publishEnded(ctx, outcome.Session, call.MemberUserIDs(members), uuid.Nil)
}

// HandleDisconnect hangs the user up from every call they take part in. The
// hub calls it when the user's last connection on this instance is gone, so a
// crashed device cannot hold its chat busy.
func (g *CallGateway) HandleDisconnect(ctx context.Context, conn Conn) {
	userID := conn.UserID()
	for _, session := range g.registry.SessionsOf(userID) {
		for _, p := range session.Participants {
			if p.UserID != userID {
				continue
			}
			outcome, err := g.registry.Leave(session.ChatID, session.ID, p.MemberID, domain.LeaveHangUp)
			if err != nil {
				// ended meanwhile
				continue
			}
			logger.Info("Participant disconnected from call",
				zap.String("chat_id", session.ChatID.String()),
				zap.String("call_id", session.ID.String()),
				zap.String("user_id", userID.String()),
				zap.Bool("ended", outcome.Ended))
			if outcome.Ended {
				g.finish(ctx, outcome)
				g.publishEnded(ctx, outcome.Session, g.endedRecipients(ctx, outcome.Session), uuid.Nil)
			}
		}
	}
}

// HandleExpired notifies the initiator and the ringing members of a missed call
func (g *CallGateway) HandleExpired(ctx context.Context, outcome call.Outcome) {
	g.metrics.RecordCallSwept()
	g.finish(ctx, outcome)
	g.publishEnded(ctx, outcome.Session, g.endedRecipients(ctx, outcome.Session), uuid.Nil)
}

// endedRecipients is every member of the chat, or the remaining participants
// when membership cannot be loaded
func (g *CallGateway) endedRecipients(ctx context.Context, session domain.CallSession) []uuid.UUID {
	members, err := g.members.GetChatMembers(ctx, session.ChatID)
	if err != nil {
		logger.Warn("Call end announced to participants only",
			zap.String("chat_id", session.ChatID.String()),
			zap.Error(err))
		return session.ParticipantUserIDs()
	}
	return call.MemberUserIDs(members)
}

// finish runs the server-side teardown of an ended call
func (g *CallGateway) finish(ctx context.Context, outcome call.Outcome) {
	session := outcome.Session
	callType := domain.CallType(session.IsVideoCall, session.IsBroadcast)

	g.metrics.SetActiveCalls(g.registry.ActiveCount())
	g.metrics.RecordCall(callType, string(session.Status))
	if d := session.Duration(); d > 0 {
		g.metrics.RecordCallDuration(callType, d)
	}

	logger.Info("Call ended",
		zap.String("chat_id", session.ChatID.String()),
		zap.String("call_id", session.ID.String()),
		zap.String("status", string(session.Status)),
		zap.Duration("duration", session.Duration()))

	if outcome.Persist && g.history != nil {
		g.history.Record(session)
	}

	if session.StartedAt != nil && g.rooms != nil {
		if err := g.rooms.DeleteRoom(ctx, session.ID); err != nil {
			logger.Warn("Failed to delete media room",
				zap.String("call_id", session.ID.String()),
				zap.Error(err))
		}
	}
}

func (g *CallGateway) publishEnded(ctx context.Context, session domain.CallSession, userIDs []uuid.UUID, exceptConn uuid.UUID) {
	endedAt := time.Now()
	if session.EndedAt != nil {
		endedAt = *session.EndedAt
	}
	frame, err := callproto.Encode(callproto.EventCallEnded, callproto.CallEndedResponse{
		ChatID:  session.ChatID,
		CallID:  session.ID,
		EndedAt: endedAt,
		Status:  string(session.Status),
	})
	if err != nil {
		logger.Error("Failed to encode call ended", zap.Error(err))
		return
	}
	g.publish(ctx, callproto.EventCallEnded, userIDs, exceptConn, frame)
}

func (g *CallGateway) publish(ctx context.Context, event callproto.Event, userIDs []uuid.UUID, exceptConn uuid.UUID, frame []byte) {
	if len(userIDs) == 0 {
		return
	}
	if err := g.fanout.Publish(ctx, userIDs, exceptConn, frame); err != nil {
		logger.Error("Failed to fan out call event",
			zap.String("event", string(event)),
			zap.Error(err))
		return
	}
	g.metrics.RecordWebSocketMessage(string(event), "out")
}

func (g *CallGateway) sendFrame(conn Conn, event callproto.Event, frame []byte) {
	if !conn.Send(frame) {
		logger.Warn("Failed to send to connection",
			zap.String("event", string(event)),
			zap.String("conn_id", conn.ID().String()))
		return
	}
	g.metrics.RecordWebSocketMessage(string(event), "out")
}

func (g *CallGateway) sendError(conn Conn, chatID uuid.UUID, reason callproto.ErrorReason) {
	frame, err := callproto.Encode(callproto.EventCallError, callproto.CallErrorResponse{
		ChatID: chatID,
		Reason: reason,
	})
	if err != nil {
		logger.Error("Failed to encode call error", zap.Error(err))
		return
	}
	g.sendFrame(conn, callproto.EventCallError, frame)
}

// dropStale logs an event that no longer matches the chat's active call
func (g *CallGateway) dropStale(event callproto.Event, conn Conn, chatID uuid.UUID, err error) {
	logger.Warn("Stale call event dropped",
		zap.String("event", string(event)),
		zap.String("chat_id", chatID.String()),
		zap.String("user_id", conn.UserID().String()),
		zap.String("conn_id", conn.ID().String()),
		zap.Error(err))
}

func optionalID(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}
