package registry

import (
	"time"

	"github.com/amora/realtime/internal/domain"
	"github.com/google/uuid"
)

// Transport names the wire a handle is attached to.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportPolling   Transport = "polling"
)

// Conn is the sending side of a client connection.
// Push must not block; it returns false when the frame could not be queued.
type Conn interface {
	Push(frame []byte) bool
	Close(reason string)
}

// Handle is one authenticated client connection.
type Handle struct {
	ID        string
	UserID    domain.UserID
	Transport Transport
	CreatedAt time.Time

	conn Conn

	// guarded by the owning user shard
	rooms      map[string]struct{}
	registered bool
}

func NewHandle(userID domain.UserID, transport Transport, conn Conn, now time.Time) *Handle {
	return &Handle{
		ID:        uuid.NewString(),
		UserID:    userID,
		Transport: transport,
		CreatedAt: now,
		conn:      conn,
		rooms:     make(map[string]struct{}),
	}
}

func (h *Handle) Push(frame []byte) bool {
	return h.conn.Push(frame)
}

func (h *Handle) Close(reason string) {
	h.conn.Close(reason)
}
