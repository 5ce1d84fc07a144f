// Package publisher turns upstream events into broker envelopes.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/amora/realtime/internal/broker"
	"github.com/amora/realtime/internal/domain"
	"github.com/amora/realtime/pkg/protocol"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	ErrInvalidEventType = errors.New("invalid event type")
	ErrInvalidUser      = errors.New("invalid user id")
	ErrInvalidRoom      = errors.New("room id and event are required")
)

// Sink delivers an envelope to an exchange. *broker.Bridge implements it.
type Sink interface {
	Publish(ctx context.Context, exchange, routingKey string, env domain.Envelope) error
}

type Publisher struct {
	sink     Sink
	serverID string
	mode     domain.RoutingMode
	clock    clockwork.Clock
}

var _ domain.EventPublisher = (*Publisher)(nil)

func New(sink Sink, serverID string, mode domain.RoutingMode, clock clockwork.Clock) *Publisher {
	return &Publisher{sink: sink, serverID: serverID, mode: mode, clock: clock}
}

func (p *Publisher) PublishToUser(ctx context.Context, user domain.UserID, eventType domain.EventType, payload any, opts ...domain.PublishOption) (*domain.Envelope, error) {
	if user <= 0 {
		return nil, ErrInvalidUser
	}
	if !eventType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}

	var o domain.PublishOptions
	for _, opt := range opts {
		opt(&o)
	}

	env, err := p.envelope(eventType, o.Event, payload)
	if err != nil {
		return nil, err
	}
	env.UserID = &user

	exchange, key := broker.ExchangeEvents, userScopedKey(user, eventType, o.ConversationID)
	if p.mode == domain.RoutingDirect {
		exchange, key = broker.ExchangeDirect, domain.UserRoutingKey(user)
	}

	if err := p.sink.Publish(ctx, exchange, key, env); err != nil {
		return nil, fmt.Errorf("publish %s to user %s: %w", eventType, user, err)
	}
	return &env, nil
}

func (p *Publisher) PublishToRoom(ctx context.Context, roomID, event string, payload any) (*domain.Envelope, error) {
	if roomID == "" || event == "" {
		return nil, ErrInvalidRoom
	}
	if err := domain.ValidateRoomRoute(roomID, event); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRoom, err)
	}

	env, err := p.envelope(domain.EventRoom, event, payload)
	if err != nil {
		return nil, err
	}
	env.RoomID = roomID

	if err := p.sink.Publish(ctx, broker.ExchangeEvents, domain.RoomRoutingKey(roomID, event), env); err != nil {
		return nil, fmt.Errorf("publish %s to room %s: %w", event, roomID, err)
	}
	return &env, nil
}

func (p *Publisher) PublishPresence(ctx context.Context, user domain.UserID, online bool) error {
	event := protocol.EventUserOffline
	if online {
		event = protocol.EventUserOnline
	}

	env, err := p.envelope(domain.EventPresence, event, domain.PresencePayload{UserID: user, Online: online})
	if err != nil {
		return err
	}

	if err := p.sink.Publish(ctx, broker.ExchangePresence, domain.PresenceRoutingKey(online), env); err != nil {
		return fmt.Errorf("publish presence for user %s: %w", user, err)
	}
	return nil
}

func (p *Publisher) envelope(eventType domain.EventType, event string, payload any) (domain.Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return domain.Envelope{}, err
	}
	return domain.Envelope{
		ID:             uuid.NewString(),
		Timestamp:      p.clock.Now().UTC(),
		OriginServerID: p.serverID,
		EventType:      eventType,
		Event:          event,
		Payload:        raw,
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return raw, nil
	}
}

func userScopedKey(user domain.UserID, eventType domain.EventType, conversationID int64) string {
	switch eventType {
	case domain.EventNotification:
		return domain.NotificationRoutingKey(user)
	case domain.EventMatch:
		return domain.MatchRoutingKey(user)
	case domain.EventMessage:
		if conversationID > 0 {
			return domain.MessageRoutingKey(conversationID)
		}
		return "message." + user.String()
	default:
		return domain.UserRoutingKey(user)
	}
}
