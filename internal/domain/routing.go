package domain

import (
	"fmt"
	"strconv"
)

// MaxRoutingKeyLen is the AMQP short-string limit. Longer keys are truncated on the wire.
const MaxRoutingKeyLen = 255

// MaxRoomIDLen leaves room in the key for the "room." prefix and the event name.
const MaxRoomIDLen = 192

var (
	ErrRoomIDTooLong     = fmt.Errorf("room id exceeds %d bytes", MaxRoomIDLen)
	ErrRoutingKeyTooLong = fmt.Errorf("routing key exceeds %d bytes", MaxRoutingKeyLen)
)

// RoutingMode selects how user-scoped envelopes reach gateway processes.
type RoutingMode string

const (
	// RoutingBroadcast sends every user-scoped envelope to every process; receivers filter locally.
	RoutingBroadcast RoutingMode = "broadcast"
	// RoutingDirect binds per-user routing keys only on processes that hold a connection for the user.
	RoutingDirect RoutingMode = "direct"
)

func UserRoutingKey(u UserID) string         { return "user." + u.String() }
func NotificationRoutingKey(u UserID) string { return "notification." + u.String() }
func MatchRoutingKey(u UserID) string        { return "match." + u.String() }

func MessageRoutingKey(conversationID int64) string {
	return "message." + strconv.FormatInt(conversationID, 10)
}

func PresenceRoutingKey(online bool) string {
	if online {
		return "presence.online"
	}
	return "presence.offline"
}

func RoomRoutingKey(roomID, event string) string {
	return fmt.Sprintf("room.%s.%s", roomID, event)
}

// ValidateRoomID rejects ids that cannot be carried in a room routing key.
func ValidateRoomID(roomID string) error {
	if len(roomID) > MaxRoomIDLen {
		return ErrRoomIDTooLong
	}
	return nil
}

// ValidateRoomRoute checks that RoomRoutingKey(roomID, event) survives the wire intact.
func ValidateRoomRoute(roomID, event string) error {
	if err := ValidateRoomID(roomID); err != nil {
		return err
	}
	if len("room.")+len(roomID)+1+len(event) > MaxRoutingKeyLen {
		return ErrRoutingKeyTooLong
	}
	return nil
}
