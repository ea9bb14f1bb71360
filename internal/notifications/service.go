// Package notifications persists notification records and serves the recipient's inbox.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devcircle/backend/internal/apperrors"
	"github.com/devcircle/backend/internal/ids"
	"github.com/devcircle/backend/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingRecipient  = errors.New("recipient identifier is required")
	errMissingContent    = errors.New("notification content is required")
	errUnknownKind       = errors.New("unknown notification kind")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew = "notifications.service.new"
	opCreate     = "notifications.create"
	opList       = "notifications.list"
	opMarkRead   = "notifications.mark_read"
	opDelete     = "notifications.delete"

	defaultListLimit = 50
	maxListLimit     = 200
)

// Notifier records a notification for a recipient. Implementations may also push
// the stored record to live connections.
type Notifier interface {
	Notify(ctx context.Context, recipientID string, kind models.NotificationKind, content string, triggerID *string) (models.Notification, error)
}

// ServiceConfig describes the dependencies of the notification store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service is the durable side of notification delivery.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.Storage(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperrors.Storage(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// Notify persists the notification. It never pushes; see realtime.Hub for live delivery.
func (s *Service) Notify(ctx context.Context, recipientID string, kind models.NotificationKind, content string, triggerID *string) (models.Notification, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return models.Notification{}, apperrors.InvalidInput(opCreate, "missing_recipient", errMissingRecipient)
	}
	if !kind.Valid() {
		return models.Notification{}, apperrors.InvalidInput(opCreate, "unknown_kind", fmt.Errorf("%w: %q", errUnknownKind, kind))
	}
	if strings.TrimSpace(content) == "" {
		return models.Notification{}, apperrors.InvalidInput(opCreate, "missing_content", errMissingContent)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("recipient_id", recipientID))
		return models.Notification{}, apperrors.Storage(opCreate, "id_generation_failed", err)
	}
	record := models.Notification{
		ID:          id,
		RecipientID: recipientID,
		TriggerID:   triggerID,
		Kind:        kind,
		Content:     content,
		CreatedAtMs: models.UnixMillis(s.clock()),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("recipient_id", recipientID))
		return models.Notification{}, apperrors.Storage(opCreate, "insert_failed", err)
	}
	return record, nil
}

// ListOptions narrows an inbox listing.
type ListOptions struct {
	UnreadOnly bool
	Limit      int
}

// List returns the recipient's notifications, newest first.
func (s *Service) List(ctx context.Context, recipientID string, opts ListOptions) ([]models.Notification, error) {
	if strings.TrimSpace(recipientID) == "" {
		return nil, apperrors.InvalidInput(opList, "missing_recipient", errMissingRecipient)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := s.db.WithContext(ctx).Where("recipient_id = ?", recipientID)
	if opts.UnreadOnly {
		query = query.Where("is_read = ?", false)
	}
	notifications := make([]models.Notification, 0)
	if err := query.Order("created_at_ms DESC").Order("id DESC").Limit(limit).Find(&notifications).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("recipient_id", recipientID))
		return nil, apperrors.Storage(opList, "query_failed", err)
	}
	return notifications, nil
}

// MarkRead flips the read flag. Notifications of other recipients are reported missing.
func (s *Service) MarkRead(ctx context.Context, recipientID, notificationID string) error {
	result := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND recipient_id = ?", notificationID, recipientID).
		Update("is_read", true)
	if result.Error != nil {
		s.logError(opMarkRead, "update_failed", result.Error, zap.String("notification_id", notificationID))
		return apperrors.Storage(opMarkRead, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NotFound(opMarkRead, "notification_missing", gorm.ErrRecordNotFound)
	}
	return nil
}

// Delete removes a notification owned by the recipient.
func (s *Service) Delete(ctx context.Context, recipientID, notificationID string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND recipient_id = ?", notificationID, recipientID).
		Delete(&models.Notification{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.String("notification_id", notificationID))
		return apperrors.Storage(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NotFound(opDelete, "notification_missing", gorm.ErrRecordNotFound)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notifications service error", attrs...)
}
