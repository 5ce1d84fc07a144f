// Package protocol defines the JSON frames exchanged between the realtime gateway and its clients.
//
// Every frame is a JSON object with a "type" discriminator:
//
//	{"type":"event","event":"message:new","data":{...}}          server -> client push
//	{"type":"request","id":"c1","op":"room:join","data":{...}}   client -> server request
//	{"type":"response","id":"c1","data":{...}}                   server -> client reply
//	{"type":"auth","token":"..."}                                client -> server, first frame only
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeEvent    = "event"
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeAuth     = "auth"
)

// Server-pushed event names.
const (
	EventConnectionSuccess = "connection:success"
	EventConnectionError   = "connection:error"
	EventMessageNew        = "message:new"
	EventNotificationNew   = "notification:new"
	EventMatchNew          = "match:new"
	EventMatchCancelled    = "match:cancelled"
	EventUserOnline        = "user:online"
	EventUserOffline       = "user:offline"
)

// Client request operations.
const (
	OpRoomJoin         = "room:join"
	OpRoomLeave        = "room:leave"
	OpMessageSend      = "message:send"
	OpNotificationRead = "notification:read"
	OpPresenceOnline   = "presence:online"
)

// CloseAuthFailed is the WebSocket close code sent after a failed handshake.
const CloseAuthFailed = 4401

var ErrMalformedFrame = errors.New("malformed frame")

type Frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Op    string          `json:"op,omitempty"`
	Event string          `json:"event,omitempty"`
	Token string          `json:"token,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Type {
	case TypeEvent, TypeRequest, TypeResponse, TypeAuth:
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return f, nil
}

func encode(f Frame, data any) ([]byte, error) {
	if data != nil {
		raw, ok := data.(json.RawMessage)
		if !ok {
			var err error
			if raw, err = json.Marshal(data); err != nil {
				return nil, fmt.Errorf("encode %s data: %w", f.Type, err)
			}
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

func EncodeEvent(event string, data any) ([]byte, error) {
	return encode(Frame{Type: TypeEvent, Event: event}, data)
}

func EncodeRequest(id, op string, data any) ([]byte, error) {
	return encode(Frame{Type: TypeRequest, ID: id, Op: op}, data)
}

func EncodeResponse(id string, data any) ([]byte, error) {
	return encode(Frame{Type: TypeResponse, ID: id}, data)
}

func EncodeAuth(token string) ([]byte, error) {
	return json.Marshal(Frame{Type: TypeAuth, Token: token})
}

// Payloads.

type ConnectionSuccess struct {
	UserID       int64  `json:"userId"`
	ConnectionID string `json:"connectionId"`
	Transport    string `json:"transport"`
}

type ConnectionError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type Result struct {
	Success   bool   `json:"success"`
	MessageID int64  `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

type OnlineUsers struct {
	UserIDs []int64 `json:"userIds"`
}

type RoomRequest struct {
	RoomID string `json:"roomId"`
}

type SendMessageRequest struct {
	ConversationID int64  `json:"conversationId"`
	Content        string `json:"content"`
}

type MarkReadRequest struct {
	NotificationID int64 `json:"notificationId"`
}

// PollOpen is the body of a long-polling open response.
type PollOpen struct {
	ConnectionID string `json:"connectionId"`
}
