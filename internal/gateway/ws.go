package gateway

import (
	"context"
	"net/http"

	"github.com/amora/realtime/internal/domain"
	"github.com/amora/realtime/internal/platform/correlation"
	"github.com/amora/realtime/internal/registry"
	"github.com/amora/realtime/pkg/protocol"
	"github.com/gorilla/websocket"
)

// ServeWS upgrades the request, authenticates it and serves the connection until it closes.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !g.cfg.WebSocketEnabled {
		http.NotFound(w, r)
		return
	}

	ip, ok := g.admit(w, r)
	if !ok {
		return
	}

	token, hasToken := extractToken(r, g.cookies)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written an HTTP error
		g.limits.Release(ip)
		g.logger.Debug("WebSocket upgrade failed", "ip", ip, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	if !hasToken {
		token, hasToken = g.awaitAuthFrame(ws)
	}
	if !hasToken {
		g.metrics.Handshakes.WithLabelValues("missing_token").Inc()
		g.rejectWS(ws, msgAuthRequired, protocol.CloseAuthFailed)
		g.limits.Release(ip)
		return
	}

	session, message, err := g.authenticate(r.Context(), token)
	if err != nil {
		code := protocol.CloseAuthFailed
		if message == msgAuthUnavailable {
			code = websocket.CloseTryAgainLater
		}
		g.rejectWS(ws, message, code)
		g.limits.Release(ip)
		return
	}

	conn := newWSConn(ws, g.clock, g.cfg.HeartbeatInterval, g.cfg.HeartbeatTimeout, g.metrics)
	h, err := g.attach(session, registry.TransportWebSocket, conn, ip, nil)
	if err != nil {
		g.logger.Error("Failed to register connection", "user_id", session.UserID, "error", err)
		conn.Close(ReasonShutdown)
		return
	}

	ctx := correlation.WithID(r.Context(), h.ID)
	g.readLoop(ctx, ws, conn, g.newClient(h))
}

// readLoop feeds inbound frames to the operation handler until the socket fails.
func (g *Gateway) readLoop(ctx context.Context, ws *websocket.Conn, conn *wsConn, c *client) {
	defer conn.Close("")

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.DebugContext(ctx, "WebSocket read failed", "error", err)
			}
			return
		}
		conn.extendReadDeadline()
		g.handleFrame(ctx, c, data)
	}
}

// awaitAuthFrame gives a client without upgrade-time credentials one grace period to send an
// auth frame.
func (g *Gateway) awaitAuthFrame(ws *websocket.Conn) (domain.SessionToken, bool) {
	_ = ws.SetReadDeadline(g.clock.Now().Add(g.cfg.HandshakeTimeout))

	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", false
	}
	f, err := protocol.Decode(data)
	if err != nil || f.Type != protocol.TypeAuth || f.Token == "" {
		return "", false
	}
	return domain.SessionToken(f.Token), true
}

// rejectWS reports a failed handshake. No handle exists yet, so this goroutine is the only writer.
func (g *Gateway) rejectWS(ws *websocket.Conn, message string, code int) {
	defer ws.Close()

	frame, err := protocol.EncodeEvent(protocol.EventConnectionError, protocol.ConnectionError{Error: message, Code: code})
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(g.clock.Now().Add(writeDeadline))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return
	}
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, message))
}
