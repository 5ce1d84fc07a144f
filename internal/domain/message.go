package domain

import (
	"context"
	"time"
)

type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	SenderID       UserID    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// MessageStore persists chat messages for the message:send operation.
type MessageStore interface {
	// CreateMessage stores the message and returns it with the ids of every conversation participant.
	// Returns ErrNotParticipant when sender is not part of the conversation.
	CreateMessage(ctx context.Context, sender UserID, conversationID int64, content string) (*Message, []UserID, error)
}

type Notification struct {
	ID        int64     `json:"id"`
	UserID    UserID    `json:"userId"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	ReadAt    time.Time `json:"readAt,omitzero"`
	CreatedAt time.Time `json:"createdAt"`
}

type NotificationStore interface {
	// MarkRead marks a notification owned by user as read. Returns ErrNotificationNotFound otherwise.
	MarkRead(ctx context.Context, user UserID, notificationID int64) error
}
