package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/gridpulse/internal/domain"
)

// Error codes sent to clients in error events.
const (
	CodeRateLimited    = "rate_limited"
	CodeInvalidFrame   = "invalid_frame"
	CodeUnknownEvent   = "unknown_event"
	CodeInvalidPayload = "invalid_payload"
)

// inboundHandler handles one client event. data is the raw payload of the
// envelope and may be empty.
type inboundHandler func(ctx context.Context, c *client, data json.RawMessage) error

// errInvalidPayload is returned by handlers for payloads of the wrong shape.
var errInvalidPayload = errors.New("invalid payload")

func (h *Hub) inboundHandlers() map[string]inboundHandler {
	return map[string]inboundHandler{
		domain.EventChatMessage: h.handleClientChatMessage,
		domain.EventTyping:      h.handleTyping,
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client, conn Conn) {
	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.DebugContext(ctx, "Connection read ended", "error", err)
			}
			return
		}
		// any frame from the peer proves liveness
		c.writer.updateReadDeadline()

		if messageType != websocket.TextMessage {
			h.reject(ctx, c, "binary_frame", CodeInvalidFrame, "Only text frames are supported")
			continue
		}

		if !c.limiter.Allow() {
			h.reject(ctx, c, "rate_limited", CodeRateLimited, "Too many events, slow down")
			continue
		}

		var envelope domain.Envelope
		if err := json.Unmarshal(frame, &envelope); err != nil || envelope.Event == "" {
			h.reject(ctx, c, "malformed", CodeInvalidFrame, "Frames must be {\"event\": string, \"data\": object}")
			continue
		}

		handler, ok := h.handlers[envelope.Event]
		if !ok {
			h.reject(ctx, c, "unknown_event", CodeUnknownEvent, "Unknown event: "+envelope.Event)
			continue
		}

		if h.metrics != nil {
			h.metrics.EventsReceived.WithLabelValues(envelope.Event).Inc()
		}

		if err := handler(ctx, c, envelope.Data); err != nil {
			if errors.Is(err, errInvalidPayload) {
				h.reject(ctx, c, "invalid_payload", CodeInvalidPayload, "Payload for "+envelope.Event+" must be an object")
				continue
			}
			if errors.Is(err, domain.ErrRegistryClosed) || errors.Is(err, context.Canceled) {
				return
			}
			slog.WarnContext(ctx, "Inbound event failed", "event", envelope.Event, "error", err)
		}
	}
}

// handleClientChatMessage echoes the payload back to the sender with a server
// timestamp.
func (h *Hub) handleClientChatMessage(ctx context.Context, c *client, data json.RawMessage) error {
	payload, err := decodeObject(data)
	if err != nil {
		return err
	}

	echo := maps.Clone(payload)
	echo["timestamp"] = domain.FormatTimestamp(h.clock.Now())

	slog.DebugContext(ctx, "Chat message from client", "username", c.identity.Username)
	_, err = h.deliver(ctx, target{kind: targetConn, key: c.id}, domain.Event{Name: domain.EventChatMessageReceived, Data: echo})
	return err
}

// handleTyping relays a typing indicator to the sender's other connections.
func (h *Hub) handleTyping(ctx context.Context, c *client, data json.RawMessage) error {
	payload, err := decodeObject(data)
	if err != nil {
		return err
	}
	isTyping, _ := payload["isTyping"].(bool)

	event := domain.Event{Name: domain.EventTyping, Data: domain.TypingPayload{
		Username: c.identity.Username,
		IsTyping: isTyping,
	}}
	_, err = h.deliver(ctx, target{kind: targetRoom, key: domain.UserGroup(c.identity.UserID), exclude: c.id}, event)
	return err
}

func (h *Hub) reject(ctx context.Context, c *client, reason, code, message string) {
	if h.metrics != nil {
		h.metrics.InboundDropped.WithLabelValues(reason).Inc()
	}
	slog.DebugContext(ctx, "Inbound frame rejected", "reason", reason)

	event := domain.Event{Name: domain.EventError, Data: domain.ErrorPayload{Code: code, Message: message}}
	if _, err := h.deliver(ctx, target{kind: targetConn, key: c.id}, event); err != nil {
		slog.DebugContext(ctx, "Failed to send error event", "error", err)
	}
}

// decodeObject decodes a JSON object payload. A missing payload is an empty
// object.
func decodeObject(data json.RawMessage) (map[string]any, error) {
	if len(data) == 0 || string(data) == "null" {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errInvalidPayload
	}
	return payload, nil
}
