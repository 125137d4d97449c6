package call

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	callsvc "chatcall-backend/internal/service/call"
	"chatcall-backend/internal/service/sfu"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/pagination"
	"chatcall-backend/pkg/response"
	"chatcall-backend/pkg/sanitize"
)

// SessionReader reads the active call of a chat
type SessionReader interface {
	GetActiveSession(chatID uuid.UUID) (domain.CallSession, bool)
}

// HistoryReader reads call history pages
type HistoryReader interface {
	Fetch(ctx context.Context, chatID uuid.UUID, limit int, cursor *uuid.UUID) (domain.CallHistoryPage, error)
}

// Membership resolves the members of a chat
type Membership interface {
	GetChatMembers(ctx context.Context, chatID uuid.UUID) ([]domain.ChatMember, error)
}

// TokenIssuer mints media room access tokens
type TokenIssuer interface {
	IssueToken(callID, userID uuid.UUID, name string, canPublish bool) (sfu.Token, error)
}

// Handler handles call HTTP requests
type Handler struct {
	sessions SessionReader
	history  HistoryReader
	members  Membership
	tokens   TokenIssuer
}

// NewHandler creates a new call handler. tokens may be nil when no media relay
// is configured.
func NewHandler(sessions SessionReader, history HistoryReader, members Membership, tokens TokenIssuer) *Handler {
	return &Handler{
		sessions: sessions,
		history:  history,
		members:  members,
		tokens:   tokens,
	}
}

// TokenRequest is the optional body of a token request
type TokenRequest struct {
	Name string `json:"name" binding:"max=64"`
}

// authorize resolves the caller's membership of chatID and writes the error
// response itself when it fails
func (h *Handler) authorize(c *gin.Context, chatID uuid.UUID) (domain.ChatMember, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return domain.ChatMember{}, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return domain.ChatMember{}, false
	}

	members, err := h.members.GetChatMembers(c.Request.Context(), chatID)
	if err != nil {
		logger.Error("Failed to load chat members",
			zap.String("chat_id", chatID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to load chat members")
		return domain.ChatMember{}, false
	}
	member, ok := callsvc.FindMember(members, userID)
	if !ok {
		response.Forbidden(c, "Not a member of this chat")
		return domain.ChatMember{}, false
	}
	return member, true
}

// GetHistory lists the calls of a chat, newest first
// GET /v1/calls/history?chat_id=&limit=&cursor=
func (h *Handler) GetHistory(c *gin.Context) {
	chatID, err := uuid.Parse(c.Query("chat_id"))
	if err != nil {
		response.ValidationError(c, "Invalid chat ID")
		return
	}
	params, err := pagination.ParseCursorParams(c.Query("limit"), c.Query("cursor"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	if _, ok := h.authorize(c, chatID); !ok {
		return
	}

	page, err := h.history.Fetch(c.Request.Context(), chatID, params.Limit, params.Cursor)
	if err != nil {
		logger.Warn("Failed to fetch call history",
			zap.String("chat_id", chatID.String()),
			zap.Error(err))
		response.FromError(c, err)
		return
	}

	next := uuid.Nil
	if n := len(page.Calls); n > 0 {
		next = page.Calls[n-1].ID
	}
	response.Success(c, http.StatusOK, pagination.BuildCursorResponse(page.Calls, page.HasMore, next))
}

// GetActiveCall returns the chat's active call
// GET /v1/calls/active/:chat_id
func (h *Handler) GetActiveCall(c *gin.Context) {
	chatID, err := uuid.Parse(c.Param("chat_id"))
	if err != nil {
		response.ValidationError(c, "Invalid chat ID")
		return
	}
	if _, ok := h.authorize(c, chatID); !ok {
		return
	}

	session, ok := h.sessions.GetActiveSession(chatID)
	if !ok {
		response.NotFound(c, "No active call")
		return
	}
	response.Success(c, http.StatusOK, session)
}

// IssueToken grants access to the media room of the chat's active call.
// Viewers of a broadcast get a subscribe-only token. Any other call admits only
// members that joined it.
// POST /v1/calls/:chat_id/token
func (h *Handler) IssueToken(c *gin.Context) {
	if h.tokens == nil {
		response.ServiceUnavailable(c, "Media relay not configured")
		return
	}

	chatID, err := uuid.Parse(c.Param("chat_id"))
	if err != nil {
		response.ValidationError(c, "Invalid chat ID")
		return
	}

	var req TokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}

	member, ok := h.authorize(c, chatID)
	if !ok {
		return
	}
	userID := member.UserID

	session, ok := h.sessions.GetActiveSession(chatID)
	if !ok {
		response.NotFound(c, "No active call")
		return
	}
	if !session.IsBroadcast && !session.HasMember(member.MemberID) {
		response.Forbidden(c, "Join the call before requesting media access")
		return
	}

	canPublish := !session.IsBroadcast || session.InitiatorID == userID
	name := sanitize.DisplayName(req.Name)
	if name == "" {
		name = userID.String()
	}

	token, err := h.tokens.IssueToken(session.ID, userID, name, canPublish)
	if err != nil {
		logger.Error("Failed to issue media token",
			zap.String("call_id", session.ID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to issue media token")
		return
	}

	response.Success(c, http.StatusOK, token)
}
