package domain

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

const NotificationTypeOverconsumption = "overconsumption"

// Notification is the client-facing form of a notification queue message.
// Target fields decide routing and are not sent to clients.
type Notification struct {
	Type           string         `json:"type"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	DeviceID       string         `json:"deviceId,omitempty"`
	Consumption    *float64       `json:"consumption,omitempty"`
	MaxConsumption *float64       `json:"maxConsumption,omitempty"`
	Severity       Severity       `json:"severity"`
	Timestamp      string         `json:"timestamp"`
	Data           map[string]any `json:"data"`

	TargetUserID string `json:"-"`
	TargetRole   Role   `json:"-"`
}

// ChatMessage is a chat queue message. Raw is what clients receive.
type ChatMessage struct {
	SenderID    string
	RecipientID string
	ToAdmin     bool
	Raw         map[string]any
}
