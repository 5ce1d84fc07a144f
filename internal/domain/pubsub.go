package domain

import "context"

// EventPublisher is the upstream-facing entry point for delivering events to users.
type EventPublisher interface {
	PublishToUser(ctx context.Context, user UserID, eventType EventType, payload any, opts ...PublishOption) (*Envelope, error)
	PublishToRoom(ctx context.Context, roomID, event string, payload any) (*Envelope, error)
	PublishPresence(ctx context.Context, user UserID, online bool) error
}

// PublishOptions tweak a single PublishToUser call.
type PublishOptions struct {
	Event          string
	ConversationID int64
}

type PublishOption func(*PublishOptions)

// WithEvent overrides the client-visible event name.
func WithEvent(name string) PublishOption {
	return func(o *PublishOptions) { o.Event = name }
}

// WithConversation routes a message event by conversation instead of by user.
func WithConversation(id int64) PublishOption {
	return func(o *PublishOptions) { o.ConversationID = id }
}

// EnvelopeHandler receives envelopes consumed from the broker.
type EnvelopeHandler interface {
	HandleEnvelope(ctx context.Context, env Envelope)
}
