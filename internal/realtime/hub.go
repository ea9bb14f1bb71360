// Package realtime authenticates live connections and routes chat messages and
// notifications to every connection of their recipient.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/devcircle/backend/internal/apperrors"
	"github.com/devcircle/backend/internal/auth"
	"github.com/devcircle/backend/internal/metrics"
	"github.com/devcircle/backend/internal/models"
	"github.com/devcircle/backend/internal/notifications"
	"go.uber.org/zap"
)

const (
	opHubNew      = "realtime.hub.new"
	opHandshake   = "realtime.handshake"
	opSendMessage = "realtime.send_message"
	opNotify      = "realtime.notify"
	opInbound     = "realtime.inbound"

	messagePreviewRunes = 80
)

var (
	errMissingVerifier      = errors.New("credential verifier is required")
	errMissingMessages      = errors.New("message store is required")
	errMissingNotifications = errors.New("notification store is required")
	errUnresolvedSender     = errors.New("sender identity could not be resolved")
	errNotAuthenticated     = errors.New("connection is not authenticated")
)

// CredentialVerifier turns a bearer credential into a user id.
type CredentialVerifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// MessageStore persists direct messages.
type MessageStore interface {
	Send(ctx context.Context, senderID, receiverID, content string) (models.Message, error)
}

// HubConfig describes the collaborators of the hub.
type HubConfig struct {
	Verifier      CredentialVerifier
	Messages      MessageStore
	Notifications notifications.Notifier
	Registry      *Registry
	Backplane     Backplane
	Metrics       *metrics.RealtimeMetrics
	Logger        *zap.Logger
}

// Hub is the realtime delivery engine. It satisfies notifications.Notifier, so
// producers that notify through it get durable storage followed by a live push.
type Hub struct {
	verifier      CredentialVerifier
	messages      MessageStore
	notifications notifications.Notifier
	registry      *Registry
	backplane     Backplane
	metrics       *metrics.RealtimeMetrics
	logger        *zap.Logger
}

// NewHub validates the configuration. A nil registry or backplane selects the
// in-process defaults.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Verifier == nil {
		return nil, apperrors.Storage(opHubNew, "missing_verifier", errMissingVerifier)
	}
	if cfg.Messages == nil {
		return nil, apperrors.Storage(opHubNew, "missing_messages", errMissingMessages)
	}
	if cfg.Notifications == nil {
		return nil, apperrors.Storage(opHubNew, "missing_notifications", errMissingNotifications)
	}
	hub := &Hub{
		verifier:      cfg.Verifier,
		messages:      cfg.Messages,
		notifications: cfg.Notifications,
		registry:      cfg.Registry,
		backplane:     cfg.Backplane,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}
	if hub.registry == nil {
		hub.registry = NewRegistry()
	}
	if hub.backplane == nil {
		hub.backplane = NewLocalBackplane()
	}
	if hub.logger == nil {
		hub.logger = zap.NewNop()
	}
	return hub, nil
}

// Start connects the hub to its backplane. Room events published before Start
// are not delivered.
func (h *Hub) Start(ctx context.Context) error {
	return h.backplane.Start(ctx, h.deliver)
}

// Close detaches from the backplane.
func (h *Hub) Close() error {
	return h.backplane.Close()
}

// Registry exposes the connection index.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Handshake verifies the raw credential and, on success, binds the connection
// and joins it to its user's room. On failure the connection is closed.
func (h *Hub) Handshake(ctx context.Context, conn Conn, rawCredential string) (string, error) {
	userID, err := h.verifier.Verify(ctx, auth.ExtractBearer(rawCredential))
	if err != nil {
		h.countHandshake("rejected")
		h.logVerificationFailure(conn.Handle(), err)
		conn.Close()
		return "", apperrors.Unauthenticated(opHandshake, "credential_rejected", err)
	}
	h.bind(conn, userID)
	h.countHandshake("accepted")
	h.logger.Debug("realtime connection authenticated",
		zap.String("connection", conn.Handle()),
		zap.String("user_id", userID))
	return userID, nil
}

// Disconnect forgets the connection. Persistence already triggered by it stands.
func (h *Hub) Disconnect(conn Conn) {
	if _, ok := h.registry.Unbind(conn.Handle()); ok && h.metrics != nil {
		h.metrics.ActiveConnections.Dec()
	}
}

// ConnectionCount returns how many live connections a user holds on this process.
func (h *Hub) ConnectionCount(userID string) int {
	return h.registry.Count(userID)
}

// HandleInbound dispatches one authenticated frame. Failures are reported to the
// connection as error events and also returned.
func (h *Hub) HandleInbound(ctx context.Context, conn Conn, frame Inbound) error {
	switch frame.Type {
	case EventSendMessage:
		var payload SendMessagePayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			h.reject(conn, CodeMalformedEvent, "send-message payload is not valid JSON")
			return apperrors.InvalidInput(opInbound, "malformed_payload", err)
		}
		_, err := h.SendMessage(ctx, conn, payload.ReceiverID, payload.Content)
		return err
	default:
		h.reject(conn, CodeUnknownEvent, "unsupported event type "+frame.Type)
		return apperrors.InvalidInput(opInbound, "unknown_event", errors.New(frame.Type))
	}
}

// SendMessage persists a message from the connection's user, pushes the stored
// record to the receiver's room and echoes it to the sending connection. The
// receiver also gets a message notification so the message is visible offline.
func (h *Hub) SendMessage(ctx context.Context, conn Conn, receiverID, content string) (models.Message, error) {
	senderID, err := h.resolveSender(ctx, conn)
	if err != nil {
		h.reject(conn, CodeUnresolvedSender, "sender identity could not be resolved; message not sent")
		return models.Message{}, err
	}

	message, err := h.messages.Send(ctx, senderID, strings.TrimSpace(receiverID), content)
	if err != nil {
		h.reject(conn, string(apperrors.KindOf(err)), publicMessage(err))
		return models.Message{}, err
	}

	event := messageEvent(message)
	h.publish(ctx, RoomFor(message.ReceiverID), event)
	if message.ReceiverID != senderID {
		h.push(conn, event)
		h.notifyMessage(ctx, message)
	}
	return message, nil
}

// notifyMessage never fails the send; the message is already stored.
func (h *Hub) notifyMessage(ctx context.Context, message models.Message) {
	trigger := message.SenderID
	content := "New message: " + messagePreview(message.Content)
	if _, err := h.Notify(ctx, message.ReceiverID, models.NotificationMessage, content, &trigger); err != nil {
		h.logger.Warn("message notification failed",
			zap.String("operation", opSendMessage),
			zap.String("recipient_id", message.ReceiverID),
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
}

func messagePreview(content string) string {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) <= messagePreviewRunes {
		return string(runes)
	}
	return string(runes[:messagePreviewRunes]) + "…"
}

// Notify persists the notification and then pushes it to the recipient's room.
// A missing live connection is not an error.
func (h *Hub) Notify(ctx context.Context, recipientID string, kind models.NotificationKind, content string, triggerID *string) (models.Notification, error) {
	notification, err := h.notifications.Notify(ctx, recipientID, kind, content, triggerID)
	if err != nil {
		return models.Notification{}, err
	}
	h.publish(ctx, RoomFor(notification.RecipientID), notificationEvent(notification))
	return notification, nil
}

// resolveSender reads the identity map, re-deriving the identity once from the
// connection's credential when the binding is missing.
func (h *Hub) resolveSender(ctx context.Context, conn Conn) (string, error) {
	if userID, ok := h.registry.Identity(conn.Handle()); ok {
		return userID, nil
	}
	credential := conn.Credential()
	if credential == "" {
		return "", apperrors.Unauthenticated(opSendMessage, "unresolved_sender", errNotAuthenticated)
	}
	userID, err := h.verifier.Verify(ctx, auth.ExtractBearer(credential))
	if err != nil {
		h.logger.Warn("sender identity re-derivation failed",
			zap.String("connection", conn.Handle()),
			zap.Error(err))
		return "", apperrors.Unauthenticated(opSendMessage, "unresolved_sender", errors.Join(errUnresolvedSender, err))
	}
	h.bind(conn, userID)
	h.logger.Info("sender identity re-derived", zap.String("connection", conn.Handle()), zap.String("user_id", userID))
	return userID, nil
}

func (h *Hub) bind(conn Conn, userID string) {
	if h.registry.Bind(conn, userID) && h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
	}
}

func (h *Hub) publish(ctx context.Context, room string, event Event) {
	if err := h.backplane.Publish(ctx, room, event); err != nil {
		h.logger.Warn("live delivery failed",
			zap.String("operation", opNotify),
			zap.String("room", room),
			zap.String("event", event.Type),
			zap.Error(err))
	}
}

// deliver pushes a backplane event to the local members of a room.
func (h *Hub) deliver(room string, event Event) {
	for _, conn := range h.registry.Members(room) {
		h.push(conn, event)
	}
}

func (h *Hub) push(conn Conn, event Event) {
	if conn.Send(event) {
		if h.metrics != nil {
			h.metrics.EventsDelivered.WithLabelValues(event.Type).Inc()
		}
		return
	}
	if h.metrics != nil {
		h.metrics.EventsDropped.WithLabelValues(event.Type).Inc()
	}
	h.logger.Debug("dropping event for slow connection", zap.String("connection", conn.Handle()), zap.String("event", event.Type))
}

func (h *Hub) reject(conn Conn, code, message string) {
	if h.metrics != nil {
		h.metrics.InboundRejected.WithLabelValues(code).Inc()
	}
	h.push(conn, errorEvent(code, message))
}

func (h *Hub) countHandshake(result string) {
	if h.metrics != nil {
		h.metrics.Handshakes.WithLabelValues(result).Inc()
	}
}

func (h *Hub) logVerificationFailure(handle string, err error) {
	fields := []zap.Field{zap.String("connection", handle), zap.Error(err)}
	if errors.Is(err, auth.ErrExpiredCredential) {
		h.logger.Info("realtime credential expired", fields...)
		return
	}
	h.logger.Warn("realtime credential rejected", fields...)
}

// publicMessage renders an error for clients without leaking storage detail.
func publicMessage(err error) string {
	switch apperrors.KindOf(err) {
	case apperrors.KindInvalidInput:
		return "message rejected: " + apperrors.CodeOf(err)
	case apperrors.KindNotFound:
		return "recipient not found"
	case apperrors.KindUnauthenticated:
		return "not authenticated"
	default:
		return "message could not be stored; retry later"
	}
}
