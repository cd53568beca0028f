package gateway

import (
	"encoding/json"
	"time"
)

// Inbound control message names.
const (
	inboundAuthenticate = "authenticate"
	inboundSendMessage  = "sendMessage"
	inboundTyping       = "typing"
)

// Outbound event names.
const (
	EventAuthenticated     = "authenticated"
	EventNewMessage        = "newMessage"
	EventUserStatusChanged = "userStatusChanged"
	EventUserTyping        = "userTyping"
	EventMessageDeleted    = "messageDeleted"
	EventError             = "error"
)

// Error codes carried by EventError payloads.
const (
	ErrorCodeUnauthorized     = "unauthorized"
	ErrorCodeValidationFailed = "validation_failed"
	ErrorCodeInternal         = "internal"
)

// Event is the outbound wire envelope.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

type inboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type authenticateRequest struct {
	Token string `json:"token"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type typingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// AuthenticatedPayload acknowledges the handshake.
type AuthenticatedPayload struct {
	Success bool `json:"success"`
}

// NewMessagePayload carries a persisted message plus sender display metadata.
type NewMessagePayload struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusChangedPayload announces a presence transition.
type StatusChangedPayload struct {
	Phone    string     `json:"phone"`
	Name     string     `json:"name"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen"`
}

// TypingPayload relays a typing indicator.
type TypingPayload struct {
	Phone    string `json:"phone"`
	IsTyping bool   `json:"isTyping"`
}

// MessageDeletedPayload announces a hard delete so connected clients can drop
// the message locally.
type MessageDeletedPayload struct {
	ID int64 `json:"id"`
}

// ErrorPayload reports a rejected inbound message to its sender only.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
