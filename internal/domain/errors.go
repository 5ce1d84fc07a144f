package domain

import "errors"

var (
	// ErrAuthentication is returned when a session token is missing or rejected by the validator.
	ErrAuthentication = errors.New("authentication failed")
	// ErrAuthorization is returned when a caller lacks the internal trust marker.
	ErrAuthorization = errors.New("not authorized")
	// ErrBrokerUnavailable is returned by publish paths while the broker connection is down. Retryable.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	ErrSessionNotFound      = errors.New("session not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("not a participant of the conversation")
	ErrNotificationNotFound = errors.New("notification not found")
)
