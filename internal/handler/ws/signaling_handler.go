package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chatcall-backend/pkg/constants"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

const (
	pongWait   = constants.WebSocketPingInterval
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Conn is one device connection as seen by the event router
type Conn interface {
	ID() uuid.UUID
	UserID() uuid.UUID
	// Send queues frame for writing and reports whether it was accepted
	Send(frame []byte) bool
}

// FrameHandler routes the inbound frames of a connection. HandleDisconnect
// runs once the last local connection of conn's user has closed.
type FrameHandler interface {
	HandleFrame(ctx context.Context, conn Conn, data []byte)
	HandleDisconnect(ctx context.Context, conn Conn)
}

// HubConfig tunes the signaling hub
type HubConfig struct {
	MaxConnections int
	EventRate      float64
	EventBurst     int
	AllowedOrigins []string
}

// SignalingHub tracks every call signaling connection of this instance, keyed
// by user so that all devices of a user receive call notifications.
type SignalingHub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[uuid.UUID]*SignalingClient

	handler   FrameHandler
	metrics   *metrics.Metrics
	cfg       HubConfig
	semaphore chan struct{}
	upgrader  websocket.Upgrader
}

// SignalingClient is one WebSocket connection of a user
type SignalingClient struct {
	hub     *SignalingHub
	conn    *websocket.Conn
	send    chan []byte
	id      uuid.UUID
	userID  uuid.UUID
	limiter *rate.Limiter

	closeOnce sync.Once
	done      chan struct{}
}

// NewSignalingHub creates a hub that passes inbound frames to handler
func NewSignalingHub(cfg HubConfig, m *metrics.Metrics) *SignalingHub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.EventRate <= 0 {
		cfg.EventRate = 20
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = 40
	}

	h := &SignalingHub{
		clients:   make(map[uuid.UUID]map[uuid.UUID]*SignalingClient),
		metrics:   m,
		cfg:       cfg,
		semaphore: make(chan struct{}, cfg.MaxConnections),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetHandler sets the router for inbound frames. It must be called before ServeWS.
func (h *SignalingHub) SetHandler(handler FrameHandler) {
	h.handler = handler
}

func (h *SignalingHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Reject empty origins - require explicit origin
		return false
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || origin == allowed {
			return true
		}
	}
	logger.Warn("WebSocket origin rejected", zap.String("origin", origin))
	return false
}

// ServeWS upgrades an authenticated request and serves it until the connection closes
func (h *SignalingHub) ServeWS(c *gin.Context) {
	// Acquire semaphore to limit concurrent connections
	select {
	case h.semaphore <- struct{}{}:
		defer func() { <-h.semaphore }()
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.cfg.MaxConnections))
		h.metrics.RecordWebSocketError("capacity")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	// Get user ID from context (set by auth middleware)
	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.metrics.RecordWebSocketError("upgrade")
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := &SignalingClient{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		id:      uuid.New(),
		userID:  userID,
		limiter: rate.NewLimiter(rate.Limit(h.cfg.EventRate), h.cfg.EventBurst),
		done:    make(chan struct{}),
	}
	h.register(client)
	defer func() {
		if !h.unregister(client) || h.handler == nil {
			return
		}
		// the request context is done by now
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		defer cancel()
		h.handler.HandleDisconnect(ctx, client)
	}()

	go client.writePump()
	client.readPump(c.Request.Context())
}

func (h *SignalingHub) register(c *SignalingClient) {
	h.mu.Lock()
	conns := h.clients[c.userID]
	if conns == nil {
		conns = make(map[uuid.UUID]*SignalingClient)
		h.clients[c.userID] = conns
	}
	conns[c.id] = c
	total := h.countLocked()
	h.mu.Unlock()

	h.metrics.SetWebSocketConnections(total)
	logger.Debug("Signaling connection registered",
		zap.String("user_id", c.userID.String()),
		zap.String("conn_id", c.id.String()))
}

// unregister removes c and reports whether it was its user's last connection
func (h *SignalingHub) unregister(c *SignalingClient) bool {
	h.mu.Lock()
	last := false
	if conns, ok := h.clients[c.userID]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(h.clients, c.userID)
			last = true
		}
	}
	total := h.countLocked()
	h.mu.Unlock()

	c.close()
	h.metrics.SetWebSocketConnections(total)
	logger.Debug("Signaling connection closed",
		zap.String("user_id", c.userID.String()),
		zap.String("conn_id", c.id.String()),
		zap.Bool("last", last))
	return last
}

func (h *SignalingHub) countLocked() int {
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

// ConnectionCount returns the number of open connections
func (h *SignalingHub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

// DeliverToUsers queues frame on every local connection of userIDs except exceptConn
func (h *SignalingHub) DeliverToUsers(userIDs []uuid.UUID, exceptConn uuid.UUID, frame []byte) {
	h.mu.RLock()
	targets := make([]*SignalingClient, 0, len(userIDs))
	for _, userID := range userIDs {
		for connID, c := range h.clients[userID] {
			if connID == exceptConn {
				continue
			}
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.Send(frame) {
			logger.Warn("Dropping slow signaling connection",
				zap.String("user_id", c.userID.String()),
				zap.String("conn_id", c.id.String()))
			h.metrics.RecordWebSocketError("slow_consumer")
			c.close()
		}
	}
}

// Publish delivers frame to this instance only. It lets the hub stand in for
// the cross-instance bus when Redis is not configured.
func (h *SignalingHub) Publish(_ context.Context, userIDs []uuid.UUID, exceptConn uuid.UUID, frame []byte) error {
	h.DeliverToUsers(userIDs, exceptConn, frame)
	return nil
}

// Close disconnects every client
func (h *SignalingHub) Close() {
	h.mu.RLock()
	var all []*SignalingClient
	for _, conns := range h.clients {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.close()
	}
}

// ID returns the connection id
func (c *SignalingClient) ID() uuid.UUID { return c.id }

// UserID returns the authenticated user of the connection
func (c *SignalingClient) UserID() uuid.UUID { return c.userID }

// Send queues frame without blocking. It returns false when the buffer is full
// or the connection is closed.
func (c *SignalingClient) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *SignalingClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump reads frames until the connection fails and hands them to the router
func (c *SignalingClient) readPump(ctx context.Context) {
	c.conn.SetReadLimit(constants.WebSocketMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.String("conn_id", c.id.String()),
					zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			c.hub.metrics.RecordRateLimitBlocked("call_signaling")
			logger.Debug("Signaling frame dropped by rate limit",
				zap.String("user_id", c.userID.String()),
				zap.String("conn_id", c.id.String()))
			continue
		}

		if c.hub.handler != nil {
			c.hub.handler.HandleFrame(ctx, c, message)
		}
	}
}

// writePump writes queued frames and keeps the connection alive with pings
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
