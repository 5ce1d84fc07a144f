package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/amora/realtime/internal/domain"
	apperrors "github.com/amora/realtime/internal/platform/errors"
	"github.com/amora/realtime/internal/publisher"
	"github.com/labstack/echo/v4"
)

// ingestRequest is an event originated by a non-Go upstream. Exactly one of UserID or RoomID is set.
type ingestRequest struct {
	UserID         *domain.UserID   `json:"userId"`
	RoomID         string           `json:"roomId"`
	EventType      domain.EventType `json:"eventType"`
	Event          string           `json:"event"`
	ConversationID int64            `json:"conversationId"`
	Payload        json.RawMessage  `json:"payload"`
}

type ingestResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleIngestEvent(c echo.Context) error {
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid JSON body")
	}

	ctx := c.Request().Context()
	var (
		env *domain.Envelope
		err error
	)
	switch {
	case req.UserID != nil && req.RoomID != "":
		return apperrors.ValidationError("userId and roomId are mutually exclusive")
	case req.RoomID != "":
		if req.Event == "" {
			return apperrors.ValidationError("event is required for room events")
		}
		if err := domain.ValidateRoomRoute(req.RoomID, req.Event); err != nil {
			return publishError(err, req)
		}
		env, err = s.publisher.PublishToRoom(ctx, req.RoomID, req.Event, req.Payload)
	case req.UserID != nil:
		var opts []domain.PublishOption
		if req.Event != "" {
			opts = append(opts, domain.WithEvent(req.Event))
		}
		if req.ConversationID > 0 {
			opts = append(opts, domain.WithConversation(req.ConversationID))
		}
		env, err = s.publisher.PublishToUser(ctx, *req.UserID, req.EventType, req.Payload, opts...)
	default:
		return apperrors.ValidationError("userId or roomId is required")
	}

	if err != nil {
		return publishError(err, req)
	}

	if err := c.JSON(http.StatusAccepted, ingestResponse{ID: env.ID}); err != nil {
		return fmt.Errorf("failed to write ingest response: %w", err)
	}
	return nil
}

func publishError(err error, req ingestRequest) error {
	switch {
	case errors.Is(err, publisher.ErrInvalidEventType):
		return apperrors.ValidationError("unknown eventType").WithContext("event_type", string(req.EventType))
	case errors.Is(err, publisher.ErrInvalidUser):
		return apperrors.ValidationError("invalid userId")
	case errors.Is(err, domain.ErrRoomIDTooLong), errors.Is(err, domain.ErrRoutingKeyTooLong):
		return apperrors.ValidationError("roomId and event do not fit a routing key").
			WithContext("max_room_id_bytes", domain.MaxRoomIDLen)
	case errors.Is(err, publisher.ErrInvalidRoom):
		return apperrors.ValidationError("invalid roomId")
	case errors.Is(err, domain.ErrBrokerUnavailable):
		return apperrors.UnavailableError("broker unavailable, retry later", err)
	default:
		return apperrors.InternalError("publish failed", err)
	}
}
