package callclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatcall-backend/pkg/callproto"
	"chatcall-backend/pkg/constants"
	"chatcall-backend/pkg/logger"
)

// readWait allows one missed server ping before the connection is dropped
const readWait = 2 * constants.WebSocketPingInterval

// FrameHandler consumes gateway frames
type FrameHandler interface {
	HandleFrame(data []byte)
}

// GatewayConn is a device's signaling connection to the gateway. It
// implements Sender.
type GatewayConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Dial opens the signaling WebSocket at url authenticated with accessToken
func Dial(ctx context.Context, url, accessToken, origin string) (*GatewayConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)
	if origin != "" {
		header.Set("Origin", origin)
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(constants.WebSocketMaxMessageSize)

	g := &GatewayConn{conn: conn}
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		g.writeMu.Lock()
		defer g.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(constants.WebSocketWriteWait))
	})
	return g, nil
}

// Send encodes and writes one frame
func (g *GatewayConn) Send(ctx context.Context, event callproto.Event, msg callproto.Message) error {
	frame, err := callproto.Encode(event, msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(constants.WebSocketWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := g.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return g.conn.WriteMessage(websocket.TextMessage, frame)
}

// Run reads frames into h until the connection fails or ctx is done
func (g *GatewayConn) Run(ctx context.Context, h FrameHandler) error {
	stop := context.AfterFunc(ctx, func() {
		_ = g.Close()
	})
	defer stop()

	_ = g.conn.SetReadDeadline(time.Now().Add(readWait))
	for {
		_, data, err := g.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Gateway connection lost", zap.Error(err))
			}
			return err
		}
		h.HandleFrame(data)
	}
}

// Close sends a close frame and closes the socket
func (g *GatewayConn) Close() error {
	g.writeMu.Lock()
	_ = g.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	g.writeMu.Unlock()
	return g.conn.Close()
}
