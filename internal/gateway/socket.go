package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/duetchat/backend/internal/chat"
	"github.com/duetchat/backend/internal/users"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const socketReadLimit = 64 * 1024

// ServeConnection drives a websocket connection through its whole lifecycle:
// registration, the authenticate handshake, inbound message dispatch and
// teardown. It blocks until the connection closes.
func (g *Gateway) ServeConnection(ctx context.Context, conn *websocket.Conn) {
	connectionID := uuid.NewString()
	stream := g.Connect(connectionID)

	// the client must complete the handshake within the deadline or the
	// connection is closed
	handshakeTimer := time.AfterFunc(g.handshakeTimeout, func() {
		if !g.Authenticated(connectionID) {
			g.logger.Info("handshake deadline expired", zap.String("connection_id", connectionID))
			_ = conn.Close()
		}
	})
	defer handshakeTimer.Stop()

	go writeLoop(conn, stream)

	g.readLoop(ctx, conn, connectionID)
	g.Disconnect(ctx, connectionID)
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, connectionID string) {
	conn.SetReadLimit(socketReadLimit)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var envelope inboundEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			g.hub.Send(connectionID, errorEvent(ErrorCodeValidationFailed, "malformed envelope"))
			continue
		}

		switch envelope.Event {
		case inboundAuthenticate:
			var request authenticateRequest
			if err := json.Unmarshal(envelope.Data, &request); err != nil {
				g.hub.Send(connectionID, errorEvent(ErrorCodeValidationFailed, "malformed authenticate payload"))
				continue
			}
			if err := g.Authenticate(ctx, connectionID, request.Token); err != nil {
				// the connection stays open; the client may retry
				g.hub.Send(connectionID, eventForError(err))
				continue
			}
		case inboundSendMessage:
			var request sendMessageRequest
			if err := json.Unmarshal(envelope.Data, &request); err != nil {
				g.hub.Send(connectionID, errorEvent(ErrorCodeValidationFailed, "malformed message payload"))
				continue
			}
			if err := g.SendMessage(ctx, connectionID, request.Text); err != nil {
				g.hub.Send(connectionID, eventForError(err))
			}
		case inboundTyping:
			var request typingRequest
			if err := json.Unmarshal(envelope.Data, &request); err != nil {
				g.hub.Send(connectionID, errorEvent(ErrorCodeValidationFailed, "malformed typing payload"))
				continue
			}
			if err := g.Typing(connectionID, request.IsTyping); err != nil {
				g.hub.Send(connectionID, eventForError(err))
			}
		default:
			g.hub.Send(connectionID, errorEvent(ErrorCodeValidationFailed, "unknown event"))
		}
	}
}

func writeLoop(conn *websocket.Conn, stream <-chan Event) {
	defer conn.Close()
	for event := range stream {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}

func errorEvent(code, message string) Event {
	return Event{Name: EventError, Data: ErrorPayload{Code: code, Message: message}}
}

func eventForError(err error) Event {
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrUnknownConnection):
		return errorEvent(ErrorCodeUnauthorized, "unauthorized")
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, users.ErrInvalidPhone):
		return errorEvent(ErrorCodeValidationFailed, err.Error())
	case errors.Is(err, users.ErrUserNotFound):
		return errorEvent(ErrorCodeValidationFailed, "unknown user")
	default:
		return errorEvent(ErrorCodeInternal, "internal error")
	}
}
