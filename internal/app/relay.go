package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/gridpulse/internal/adapter/metrics"
	"github.com/pscheid92/gridpulse/internal/domain"
	apperrors "github.com/pscheid92/gridpulse/internal/platform/errors"
)

const (
	overconsumptionTitle   = "Overconsumption Alert"
	overconsumptionMessage = "Device exceeded maximum consumption limit"
	defaultType            = "info"
	defaultTitle           = "Notification"
)

// Target kinds used as metric labels.
const (
	targetUser = "user"
	targetRole = "role"
	targetAll  = "all"
)

// MessageHandler processes one queue body. A nil error means the message may
// be acknowledged.
type MessageHandler func(ctx context.Context, body []byte) error

// Relay turns broker messages into routed client events. Each queue has
// exactly one handler; messages are decoded, classified and routed once.
type Relay struct {
	router   domain.Router
	clock    clockwork.Clock
	metrics  *metrics.RelayMetrics
	handlers map[string]MessageHandler
}

// Queues names the broker queues the relay consumes.
type Queues struct {
	Notifications string
	Chat          string
}

func NewRelay(router domain.Router, queues Queues, clock clockwork.Clock, m *metrics.RelayMetrics) *Relay {
	r := &Relay{
		router:  router,
		clock:   clock,
		metrics: m,
	}
	r.handlers = map[string]MessageHandler{
		queues.Notifications: r.HandleNotification,
		queues.Chat:          r.HandleChatMessage,
	}
	return r
}

// Handle dispatches body to the handler registered for queue.
func (r *Relay) Handle(ctx context.Context, queue string, body []byte) error {
	handler, ok := r.handlers[queue]
	if !ok {
		return apperrors.RoutingError(fmt.Sprintf("no handler for queue %q", queue), nil)
	}

	start := r.clock.Now()
	err := handler(ctx, body)
	if r.metrics != nil {
		r.metrics.ProcessingDuration.WithLabelValues(queue).Observe(r.clock.Since(start).Seconds())
		result := "ok"
		if err != nil {
			result = string(apperrors.TypeOf(err))
		}
		r.metrics.MessagesProcessed.WithLabelValues(queue, result).Inc()
	}
	return err
}

// HandleNotification routes a notification queue message. Over-consumption
// alerts go to the owning user, or to admins when no user is named. Generic
// notifications go to a user, a role, or everybody.
func (r *Relay) HandleNotification(ctx context.Context, body []byte) error {
	payload, err := decodeObject(body)
	if err != nil {
		return err
	}

	notification, err := BuildNotification(payload, r.clock.Now())
	if err != nil {
		return err
	}

	event := domain.Event{Name: domain.EventNotification, Data: notification}
	switch {
	case notification.TargetUserID != "":
		return r.deliverToUser(ctx, notification.TargetUserID, event)
	case notification.TargetRole != "":
		return r.deliverToRole(ctx, notification.TargetRole, event)
	default:
		slog.DebugContext(ctx, "Broadcasting notification", "type", notification.Type)
		if err := r.router.BroadcastAll(ctx, event); err != nil {
			return fmt.Errorf("broadcast notification: %w", err)
		}
		r.routed(event.Name, targetAll)
		return nil
	}
}

// HandleChatMessage routes a chat queue message to its recipient and, when it
// is addressed to support, to every admin as admin_chat_message. Clients
// receive the publisher's payload unchanged.
func (r *Relay) HandleChatMessage(ctx context.Context, body []byte) error {
	payload, err := decodeObject(body)
	if err != nil {
		return err
	}

	msg, err := BuildChatMessage(payload)
	if err != nil {
		return err
	}

	if msg.RecipientID == "" && !msg.ToAdmin {
		slog.WarnContext(ctx, "Chat message has no recipient, dropping", "sender_id", msg.SenderID)
		return nil
	}

	if msg.RecipientID != "" {
		if err := r.deliverToUser(ctx, msg.RecipientID, domain.Event{Name: domain.EventChatMessage, Data: msg.Raw}); err != nil {
			return err
		}
	}
	if msg.ToAdmin {
		if err := r.deliverToRole(ctx, domain.RoleAdmin, domain.Event{Name: domain.EventAdminChatMessage, Data: msg.Raw}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) deliverToUser(ctx context.Context, userID string, event domain.Event) error {
	if err := r.router.DeliverToUser(ctx, userID, event); err != nil {
		return fmt.Errorf("deliver %s to user %s: %w", event.Name, userID, err)
	}
	slog.DebugContext(ctx, "Event routed to user", "event", event.Name, "target_user", userID)
	r.routed(event.Name, targetUser)
	return nil
}

func (r *Relay) deliverToRole(ctx context.Context, role domain.Role, event domain.Event) error {
	if err := r.router.DeliverToRole(ctx, role, event); err != nil {
		return fmt.Errorf("deliver %s to role %s: %w", event.Name, role, err)
	}
	slog.DebugContext(ctx, "Event routed to role", "event", event.Name, "target_role", role)
	r.routed(event.Name, targetRole)
	return nil
}

func (r *Relay) routed(event, target string) {
	if r.metrics != nil {
		r.metrics.Routed.WithLabelValues(event, target).Inc()
	}
}

// IsOverconsumption reports whether a notification payload is an
// over-consumption alert: it names a device or says so explicitly.
func IsOverconsumption(payload map[string]any) bool {
	return truthy(payload["device_id"]) || payload["type"] == domain.NotificationTypeOverconsumption
}

// BuildNotification classifies a decoded notification payload and builds the
// client-facing notification with its routing target.
func BuildNotification(payload map[string]any, now time.Time) (domain.Notification, error) {
	userID, hasUser, err := idField(payload, "user_id")
	if err != nil {
		return domain.Notification{}, err
	}

	n := domain.Notification{
		Severity:  domain.Severity(stringField(payload, "severity", string(domain.SeverityMedium))),
		Timestamp: stringField(payload, "timestamp", domain.FormatTimestamp(now)),
		Data:      payload,
	}
	if hasUser {
		n.TargetUserID = userID
	}

	if IsOverconsumption(payload) {
		n.Type = domain.NotificationTypeOverconsumption
		n.Title = overconsumptionTitle
		n.Message = overconsumptionMessage
		n.DeviceID, _, err = idField(payload, "device_id")
		if err != nil {
			return domain.Notification{}, err
		}
		n.Consumption = numberField(payload, "consumption")
		n.MaxConsumption = numberField(payload, "max_consumption")
		if !hasUser {
			n.TargetRole = domain.RoleAdmin
		}
		return n, nil
	}

	n.Type = stringField(payload, "type", defaultType)
	n.Title = stringField(payload, "title", defaultTitle)
	n.Message = stringField(payload, "message", "")
	if !hasUser && truthy(payload["role"]) {
		role, ok := payload["role"].(string)
		if !ok {
			return domain.Notification{}, apperrors.RoutingError(fmt.Sprintf("role has unexpected type %T", payload["role"]), nil).WithContext("field", "role")
		}
		n.TargetRole = domain.Role(role)
	}
	return n, nil
}

// BuildChatMessage reads the routing fields of a decoded chat payload.
func BuildChatMessage(payload map[string]any) (domain.ChatMessage, error) {
	recipient, _, err := idField(payload, "recipient_id")
	if err != nil {
		return domain.ChatMessage{}, err
	}
	sender, _, err := idField(payload, "sender_id")
	if err != nil {
		return domain.ChatMessage{}, err
	}

	return domain.ChatMessage{
		SenderID:    sender,
		RecipientID: recipient,
		ToAdmin:     truthy(payload["to_admin"]),
		Raw:         payload,
	}, nil
}
