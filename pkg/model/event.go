package model

import (
	"encoding/json"
	"fmt"
)

// Event names carried in Envelope.Event.
const (
	// Lifecycle events raised by the client transport itself.
	EventConnected    = "connected"
	EventDisconnected = "disconnected"

	// Server to client.
	EventAuthenticated     = "authenticated"
	EventError             = "error"
	EventNewMessage        = "new_message"
	EventMessageSent       = "message_sent"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"

	// Client to server.
	EventJoin        = "join"
	EventSendMessage = "send_message"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
)

// Codes carried in ErrorPayload.Code.
const (
	// ErrCodeUnauthorized marks an authentication rejection.
	ErrCodeUnauthorized = "unauthorized"

	// ErrCodeConnectionFailed marks a gateway that could not be reached or
	// dropped the connection. The client keeps reconnecting.
	ErrCodeConnectionFailed = "connection_failed"
)

// Envelope is the unit exchanged over the websocket, one per text frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, data any) (Envelope, error) {
	env := Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

type JoinPayload struct {
	Token string `json:"token"`
}

type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type MessagePayload struct {
	Message Message `json:"message"`
}

type TypingPayload struct {
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
}

type SendMessagePayload struct {
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType"`
	ConversationID string `json:"conversationId,omitempty"`
}

type TypingTargetPayload struct {
	ReceiverID string `json:"receiverId"`
}
