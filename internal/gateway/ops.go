package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/amora/realtime/internal/domain"
	"github.com/amora/realtime/internal/registry"
	"github.com/amora/realtime/pkg/protocol"
	"golang.org/x/time/rate"
)

const maxMessageLength = 4000

const (
	resultSuccess     = "success"
	resultError       = "error"
	resultRateLimited = "rate_limited"
	resultMalformed   = "malformed"
)

// client is the per-connection state the operation handlers need.
type client struct {
	handle  *registry.Handle
	limiter *rate.Limiter
}

func (g *Gateway) newClient(h *registry.Handle) *client {
	burst := max(1, int(2*g.cfg.OpsPerSecond))
	return &client{
		handle:  h,
		limiter: rate.NewLimiter(rate.Limit(g.cfg.OpsPerSecond), burst),
	}
}

func failure(msg string) protocol.Result {
	return protocol.Result{Success: false, Error: msg}
}

// handleFrame answers one inbound frame. Bad input yields an error response and never closes the
// connection.
func (g *Gateway) handleFrame(ctx context.Context, c *client, raw []byte) {
	f, err := protocol.Decode(raw)
	if err != nil {
		g.metrics.Operations.WithLabelValues("invalid", resultMalformed).Inc()
		g.respond(ctx, c, "", failure("malformed frame"))
		return
	}
	if f.Type != protocol.TypeRequest {
		g.metrics.Operations.WithLabelValues("invalid", resultMalformed).Inc()
		g.respond(ctx, c, f.ID, failure("unexpected frame type "+f.Type))
		return
	}

	op := opLabel(f.Op)
	if !c.limiter.AllowN(g.clock.Now(), 1) {
		g.metrics.Operations.WithLabelValues(op, resultRateLimited).Inc()
		g.respond(ctx, c, f.ID, failure("rate limit exceeded"))
		return
	}

	data, result := g.dispatchOp(ctx, c, f)
	g.metrics.Operations.WithLabelValues(op, result).Inc()
	g.respond(ctx, c, f.ID, data)
}

func (g *Gateway) dispatchOp(ctx context.Context, c *client, f protocol.Frame) (any, string) {
	switch f.Op {
	case protocol.OpRoomJoin:
		return g.roomOp(ctx, c, f.Data, true)
	case protocol.OpRoomLeave:
		return g.roomOp(ctx, c, f.Data, false)
	case protocol.OpMessageSend:
		return g.sendMessage(ctx, c, f.Data)
	case protocol.OpNotificationRead:
		return g.markNotificationRead(ctx, c, f.Data)
	case protocol.OpPresenceOnline:
		return g.onlineUsers(ctx), resultSuccess
	default:
		return failure("unknown operation " + f.Op), resultError
	}
}

func (g *Gateway) roomOp(ctx context.Context, c *client, data json.RawMessage, join bool) (any, string) {
	var req protocol.RoomRequest
	if err := json.Unmarshal(data, &req); err != nil || strings.TrimSpace(req.RoomID) == "" {
		return failure("roomId is required"), resultError
	}

	var err error
	if join {
		err = g.registry.JoinRoom(c.handle, req.RoomID)
	} else {
		err = g.registry.LeaveRoom(c.handle, req.RoomID)
	}
	if errors.Is(err, domain.ErrRoomIDTooLong) {
		return failure("roomId too long"), resultError
	}
	if err != nil {
		g.logger.WarnContext(ctx, "Room operation failed", "room_id", req.RoomID, "join", join, "error", err)
		return failure("room operation failed"), resultError
	}
	return protocol.Result{Success: true}, resultSuccess
}

// sendMessage persists the message and fans message:new out to the other participants.
// A publish failure does not fail the request: the message is stored and will be fetched on reload.
func (g *Gateway) sendMessage(ctx context.Context, c *client, data json.RawMessage) (any, string) {
	var req protocol.SendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ConversationID <= 0 {
		return failure("conversationId is required"), resultError
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return failure("content is required"), resultError
	}
	if utf8.RuneCountInString(content) > maxMessageLength {
		return failure("message too long"), resultError
	}

	sender := c.handle.UserID
	msg, participants, err := g.messages.CreateMessage(ctx, sender, req.ConversationID, content)
	switch {
	case errors.Is(err, domain.ErrNotParticipant):
		return failure("not a participant of this conversation"), resultError
	case errors.Is(err, domain.ErrConversationNotFound):
		return failure("conversation not found"), resultError
	case err != nil:
		g.logger.ErrorContext(ctx, "Failed to store message", "conversation_id", req.ConversationID, "error", err)
		return failure("failed to send message"), resultError
	}

	for _, p := range participants {
		if p == sender {
			continue
		}
		if _, err := g.publisher.PublishToUser(ctx, p, domain.EventMessage, msg, domain.WithConversation(req.ConversationID)); err != nil {
			g.logger.WarnContext(ctx, "Failed to publish message", "message_id", msg.ID, "recipient", p, "error", err)
		}
	}
	return protocol.Result{Success: true, MessageID: msg.ID}, resultSuccess
}

func (g *Gateway) markNotificationRead(ctx context.Context, c *client, data json.RawMessage) (any, string) {
	var req protocol.MarkReadRequest
	if err := json.Unmarshal(data, &req); err != nil || req.NotificationID <= 0 {
		return failure("notificationId is required"), resultError
	}

	err := g.notifications.MarkRead(ctx, c.handle.UserID, req.NotificationID)
	switch {
	case errors.Is(err, domain.ErrNotificationNotFound):
		return failure("notification not found"), resultError
	case err != nil:
		g.logger.ErrorContext(ctx, "Failed to mark notification read", "notification_id", req.NotificationID, "error", err)
		return failure("failed to mark notification read"), resultError
	}
	return protocol.Result{Success: true}, resultSuccess
}

func (g *Gateway) onlineUsers(ctx context.Context) protocol.OnlineUsers {
	users := g.presence.OnlineUsers(ctx)
	ids := make([]int64, 0, len(users))
	for _, u := range users {
		ids = append(ids, int64(u))
	}
	slices.Sort(ids)
	return protocol.OnlineUsers{UserIDs: ids}
}

func (g *Gateway) respond(ctx context.Context, c *client, id string, data any) {
	frame, err := protocol.EncodeResponse(id, data)
	if err != nil {
		g.logger.ErrorContext(ctx, "Failed to encode response", "error", err)
		return
	}
	c.handle.Push(frame)
}

// opLabel keeps the metric's op label bounded.
func opLabel(op string) string {
	switch op {
	case protocol.OpRoomJoin, protocol.OpRoomLeave, protocol.OpMessageSend,
		protocol.OpNotificationRead, protocol.OpPresenceOnline:
		return op
	}
	return "unknown"
}
