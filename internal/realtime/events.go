package realtime

import (
	"encoding/json"

	"github.com/devcircle/backend/internal/models"
)

// Outbound event types.
const (
	EventReceiveMessage = "receive-message"
	EventNotification   = "notification"
	EventError          = "error"
)

// Inbound event types.
const (
	EventAuth        = "auth"
	EventSendMessage = "send-message"
)

// Error event codes delivered to the originating connection.
const (
	CodeUnresolvedSender = "unresolved_sender"
	CodeRateLimited      = "rate_limited"
	CodeUnknownEvent     = "unknown_event"
	CodeMalformedEvent   = "malformed_event"
)

// Event is an outbound frame. Data is pre-encoded so events can cross the backplane unchanged.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Inbound is a frame received from a client.
type Inbound struct {
	Type  string          `json:"type"`
	Token string          `json:"token,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendMessagePayload is the data of a send-message frame. Any sender field a
// client includes is ignored.
type SendMessagePayload struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

// MessagePayload is the data of a receive-message event.
type MessagePayload struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	Content     string `json:"content"`
	CreatedAtMs int64  `json:"createdAt"`
}

// NotificationPayload is the data of a notification event.
type NotificationPayload struct {
	ID          string                  `json:"id"`
	Kind        models.NotificationKind `json:"kind"`
	Content     string                  `json:"content"`
	CreatedAtMs int64                   `json:"createdAt"`
	TriggerUser *string                 `json:"triggerUser,omitempty"`
	Read        bool                    `json:"read"`
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newEvent(eventType string, payload interface{}) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("null")
	}
	return Event{Type: eventType, Data: data}
}

func messageEvent(message models.Message) Event {
	return newEvent(EventReceiveMessage, MessagePayload{
		ID:          message.ID,
		SenderID:    message.SenderID,
		ReceiverID:  message.ReceiverID,
		Content:     message.Content,
		CreatedAtMs: message.CreatedAtMs,
	})
}

func notificationEvent(notification models.Notification) Event {
	return newEvent(EventNotification, NotificationPayload{
		ID:          notification.ID,
		Kind:        notification.Kind,
		Content:     notification.Content,
		CreatedAtMs: notification.CreatedAtMs,
		TriggerUser: notification.TriggerID,
		Read:        notification.Read,
	})
}

func errorEvent(code, message string) Event {
	return newEvent(EventError, ErrorPayload{Code: code, Message: message})
}

// RoomFor names the delivery room of a user.
func RoomFor(userID string) string {
	return "user:" + userID
}
