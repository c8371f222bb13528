package domain

import (
	"encoding/json"
	"time"
)

// Event names exchanged with live clients.
const (
	EventConnected           = "connected"
	EventNotification        = "notification"
	EventChatMessage         = "chat_message"
	EventAdminChatMessage    = "admin_chat_message"
	EventChatMessageReceived = "chat_message_received"
	EventTyping              = "typing"
	EventError               = "error"
)

// Event is a named payload routed to one or more connections.
type Event struct {
	Name string
	Data any
}

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Marshal encodes the event as a wire envelope.
func (e Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: e.Name, Data: data})
}

// TimestampLayout matches JavaScript's Date.toISOString, which publishers use.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

type ConnectedPayload struct {
	Message   string `json:"message"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Role      Role   `json:"role"`
	Timestamp string `json:"timestamp"`
}

type TypingPayload struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
