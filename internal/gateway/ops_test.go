package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/amora/realtime/internal/domain"
	"github.com/amora/realtime/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageSend_PersistsAndNotifiesOtherParticipants(t *testing.T) {
	bus := &memoryBus{}
	a := newNode(t, "gw-a", bus)
	b := newNode(t, "gw-b", bus)

	alice, _ := a.connect(t, "sess_alice")
	bob, _ := b.connect(t, "sess_bob")

	resp := request(t, alice, "m1", protocol.OpMessageSend, protocol.SendMessageRequest{ConversationID: 10, Content: " hi bob "})
	result := decodeResult(t, resp)
	require.True(t, result.Success, result.Error)
	assert.Positive(t, result.MessageID)

	f := readFrame(t, bob)
	assert.Equal(t, protocol.EventMessageNew, f.Event)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(f.Data, &msg))
	assert.Equal(t, result.MessageID, msg.ID)
	assert.Equal(t, "hi bob", msg.Content)
	assert.Equal(t, domain.UserID(1), msg.SenderID)

	assertNoPendingEvent(t, alice)
}

func TestMessageSend_SucceedsWhileBrokerDown(t *testing.T) {
	bus := &memoryBus{down: true}
	n := newNode(t, "gw-a", bus)
	alice, _ := n.connect(t, "sess_alice")

	resp := request(t, alice, "m1", protocol.OpMessageSend, protocol.SendMessageRequest{ConversationID: 10, Content: "hello"})
	assert.True(t, decodeResult(t, resp).Success)
}

func TestOperations_ErrorResponses(t *testing.T) {
	n := newNode(t, "gw-a", &memoryBus{})
	alice, _ := n.connect(t, "sess_alice")
	carol, _ := n.connect(t, "sess_carol")

	tests := []struct {
		name string
		conn *websocket.Conn
		op   string
		data any
		want string
	}{
		{"unknown op", alice, "profile:update", nil, "unknown operation profile:update"},
		{"join without room", alice, protocol.OpRoomJoin, protocol.RoomRequest{}, "roomId is required"},
		{"join oversized room", alice, protocol.OpRoomJoin, protocol.RoomRequest{RoomID: strings.Repeat("r", domain.MaxRoomIDLen+1)}, "roomId too long"},
		{"send without conversation", alice, protocol.OpMessageSend, protocol.SendMessageRequest{Content: "x"}, "conversationId is required"},
		{"send empty content", alice, protocol.OpMessageSend, protocol.SendMessageRequest{ConversationID: 10, Content: "  "}, "content is required"},
		{"send to unknown conversation", alice, protocol.OpMessageSend, protocol.SendMessageRequest{ConversationID: 99, Content: "x"}, "conversation not found"},
		{"send as outsider", carol, protocol.OpMessageSend, protocol.SendMessageRequest{ConversationID: 10, Content: "x"}, "not a participant of this conversation"},
		{"read foreign notification", carol, protocol.OpNotificationRead, protocol.MarkReadRequest{NotificationID: 5}, "notification not found"},
		{"read without id", alice, protocol.OpNotificationRead, protocol.MarkReadRequest{}, "notificationId is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := decodeResult(t, request(t, tt.conn, "r1", tt.op, tt.data))
			assert.False(t, result.Success)
			assert.Equal(t, tt.want, result.Error)
		})
	}

	// the connection survives every failure
	result := decodeResult(t, request(t, alice, "r2", protocol.OpNotificationRead, protocol.MarkReadRequest{NotificationID: 5}))
	assert.True(t, result.Success)
	assert.InDelta(t, 1, testutil.ToFloat64(n.metrics.Operations.WithLabelValues("unknown", resultError)), 0)
}

func TestOperations_MalformedFrame(t *testing.T) {
	n := newNode(t, "gw-a", &memoryBus{})
	conn, _ := n.connect(t, "sess_alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	f := readFrame(t, conn)
	assert.Equal(t, protocol.TypeResponse, f.Type)
	assert.Empty(t, f.ID)
	assert.Equal(t, "malformed frame", decodeResult(t, f).Error)

	assertNoPendingEvent(t, conn)
}

func TestOperations_RateLimited(t *testing.T) {
	n := newNode(t, "gw-a", &memoryBus{}, withConfig(func(c *Config) { c.OpsPerSecond = 0.5 }))
	conn, _ := n.connect(t, "sess_alice")

	// burst of one at half an op per second
	first := request(t, conn, "a", protocol.OpRoomJoin, protocol.RoomRequest{RoomID: "r"})
	assert.True(t, decodeResult(t, first).Success)

	second := request(t, conn, "b", protocol.OpRoomJoin, protocol.RoomRequest{RoomID: "r"})
	assert.Equal(t, "rate limit exceeded", decodeResult(t, second).Error)
}

func TestOperations_PresenceOnline(t *testing.T) {
	n := newNode(t, "gw-a", &memoryBus{})
	carol, _ := n.connect(t, "sess_carol")
	n.connect(t, "sess_alice")
	n.connect(t, "sess_abc")

	resp := request(t, carol, "p1", protocol.OpPresenceOnline, struct{}{})

	var online protocol.OnlineUsers
	require.NoError(t, json.Unmarshal(resp.Data, &online))
	assert.Equal(t, []int64{1, 3, 42}, online.UserIDs)
}

func TestOperations_PresenceBroadcastSkipsSubject(t *testing.T) {
	n := newNode(t, "gw-a", &memoryBus{})
	alice, _ := n.connect(t, "sess_alice")
	bob, _ := n.connect(t, "sess_bob")

	require.NoError(t, n.publisher.PublishPresence(context.Background(), 1, true))

	f := readFrame(t, bob)
	assert.Equal(t, protocol.EventUserOnline, f.Event)
	assert.JSONEq(t, `{"userId":1,"online":true}`, string(f.Data))
	assertNoPendingEvent(t, alice)
}
