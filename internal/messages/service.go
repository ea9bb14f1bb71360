// Package messages persists direct messages between users.
package messages

import (
	"context"
	"errors"
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
	errMissingSender     = errors.New("sender identifier is required")
	errMissingReceiver   = errors.New("receiver identifier is required")
	errEmptyContent      = errors.New("message content is required")
	errContentTooLong    = errors.New("message content exceeds the maximum length")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew    = "messages.service.new"
	opSend          = "messages.send"
	opConversation  = "messages.conversation"
	maxContentRunes = 4000

	defaultConversationLimit = 100
)

// UserDirectory answers whether a user exists.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// ServiceConfig describes the dependencies of the message store.
type ServiceConfig struct {
	Database   *gorm.DB
	Users      UserDirectory
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service stores and reads direct messages.
type Service struct {
	db         *gorm.DB
	users      UserDirectory
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
	return &Service{
		db:         cfg.Database,
		users:      cfg.Users,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Send validates and persists a message, returning the stored record with its
// server-assigned id and timestamp.
func (s *Service) Send(ctx context.Context, senderID, receiverID, content string) (models.Message, error) {
	if strings.TrimSpace(senderID) == "" {
		return models.Message{}, apperrors.InvalidInput(opSend, "missing_sender", errMissingSender)
	}
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" {
		return models.Message{}, apperrors.InvalidInput(opSend, "missing_receiver", errMissingReceiver)
	}
	if strings.TrimSpace(content) == "" {
		return models.Message{}, apperrors.InvalidInput(opSend, "empty_content", errEmptyContent)
	}
	if len([]rune(content)) > maxContentRunes {
		return models.Message{}, apperrors.InvalidInput(opSend, "content_too_long", errContentTooLong)
	}
	if s.users != nil {
		exists, err := s.users.Exists(ctx, receiverID)
		if err != nil {
			s.logError(opSend, "receiver_lookup_failed", err, zap.String("receiver_id", receiverID))
			return models.Message{}, apperrors.Storage(opSend, "receiver_lookup_failed", err)
		}
		if !exists {
			return models.Message{}, apperrors.NotFound(opSend, "receiver_missing", gorm.ErrRecordNotFound)
		}
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSend, "id_generation_failed", err)
		return models.Message{}, apperrors.Storage(opSend, "id_generation_failed", err)
	}
	record := models.Message{
		ID:          id,
		SenderID:    senderID,
		ReceiverID:  receiverID,
		Content:     content,
		CreatedAtMs: models.UnixMillis(s.clock()),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opSend, "insert_failed", err,
			zap.String("sender_id", senderID),
			zap.String("receiver_id", receiverID))
		return models.Message{}, apperrors.Storage(opSend, "insert_failed", err)
	}
	return record, nil
}

// Conversation lists the messages exchanged by two users, oldest first. The most
// recent limit messages are returned.
func (s *Service) Conversation(ctx context.Context, userID, otherID string, limit int) ([]models.Message, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(otherID) == "" {
		return nil, apperrors.InvalidInput(opConversation, "missing_participant", errMissingReceiver)
	}
	if limit <= 0 || limit > defaultConversationLimit {
		limit = defaultConversationLimit
	}

	recent := make([]models.Message, 0)
	err := s.db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", userID, otherID, otherID, userID).
		Order("created_at_ms DESC").
		Order("id DESC").
		Limit(limit).
		Find(&recent).Error
	if err != nil {
		s.logError(opConversation, "query_failed", err, zap.String("user_id", userID))
		return nil, apperrors.Storage(opConversation, "query_failed", err)
	}
	for left, right := 0, len(recent)-1; left < right; left, right = left+1, right-1 {
		recent[left], recent[right] = recent[right], recent[left]
	}
	return recent, nil
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
	s.logger.Error("messages service error", attrs...)
}
