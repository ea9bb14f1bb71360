// Package social records follow edges and project memberships, the inputs of the
// subscribed feed.
package social

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/devcircle/backend/internal/apperrors"
	"github.com/devcircle/backend/internal/models"
	"github.com/devcircle/backend/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	errSelfFollow      = errors.New("users cannot follow themselves")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "social.service.new"
	opFollow     = "social.follow"
	opUnfollow   = "social.unfollow"
	opJoin       = "social.join_project"
	opLeave      = "social.leave_project"
)

// ServiceConfig describes the dependencies of the social graph.
type ServiceConfig struct {
	Database *gorm.DB
	Notifier notifications.Notifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service writes follow and membership edges.
type Service struct {
	db       *gorm.DB
	notifier notifications.Notifier
	clock    func() time.Time
	logger   *zap.Logger
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.Storage(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, notifier: cfg.Notifier, clock: clock, logger: logger}, nil
}

// Follow creates the follower -> followee edge. Following twice is a no-op and
// only the first call notifies the followee. It reports whether an edge was added.
func (s *Service) Follow(ctx context.Context, followerID, followeeID string) (bool, error) {
	followerID = strings.TrimSpace(followerID)
	followeeID = strings.TrimSpace(followeeID)
	if followerID == "" || followeeID == "" {
		return false, apperrors.InvalidInput(opFollow, "missing_user_id", errMissingUserID)
	}
	if followerID == followeeID {
		return false, apperrors.InvalidInput(opFollow, "self_follow", errSelfFollow)
	}

	var follower models.User
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireUser(tx, opFollow, followeeID, nil); err != nil {
			return err
		}
		if err := requireUser(tx, opFollow, followerID, &follower); err != nil {
			return err
		}
		edge := models.Follow{FollowerID: followerID, FolloweeID: followeeID, CreatedAtMs: models.UnixMillis(s.clock())}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&edge)
		if result.Error != nil {
			s.logError(opFollow, "insert_failed", result.Error, zap.String("follower_id", followerID), zap.String("followee_id", followeeID))
			return apperrors.Storage(opFollow, "insert_failed", result.Error)
		}
		created = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}

	if created && s.notifier != nil {
		trigger := followerID
		if _, err := s.notifier.Notify(ctx, followeeID, models.NotificationFollow, follower.Username+" started following you", &trigger); err != nil {
			s.logger.Warn("follow notification failed", zap.String("recipient_id", followeeID), zap.Error(err))
		}
	}
	return created, nil
}

// Unfollow removes the edge. Removing a missing edge is a no-op.
func (s *Service) Unfollow(ctx context.Context, followerID, followeeID string) error {
	if strings.TrimSpace(followerID) == "" || strings.TrimSpace(followeeID) == "" {
		return apperrors.InvalidInput(opUnfollow, "missing_user_id", errMissingUserID)
	}
	err := s.db.WithContext(ctx).
		Where("follower_id = ? AND followee_id = ?", followerID, followeeID).
		Delete(&models.Follow{}).Error
	if err != nil {
		s.logError(opUnfollow, "delete_failed", err, zap.String("follower_id", followerID), zap.String("followee_id", followeeID))
		return apperrors.Storage(opUnfollow, "delete_failed", err)
	}
	return nil
}

// JoinProject adds the user to the project's members. Joining twice is a no-op.
func (s *Service) JoinProject(ctx context.Context, userID, projectID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(projectID) == "" {
		return apperrors.InvalidInput(opJoin, "missing_identifier", errMissingUserID)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var project models.Project
		err := tx.Select("id").Where("id = ?", projectID).Take(&project).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NotFound(opJoin, "project_missing", err)
		}
		if err != nil {
			s.logError(opJoin, "project_lookup_failed", err, zap.String("project_id", projectID))
			return apperrors.Storage(opJoin, "project_lookup_failed", err)
		}
		membership := models.Membership{ProjectID: projectID, UserID: userID, CreatedAtMs: models.UnixMillis(s.clock())}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&membership).Error; err != nil {
			s.logError(opJoin, "insert_failed", err, zap.String("project_id", projectID))
			return apperrors.Storage(opJoin, "insert_failed", err)
		}
		return nil
	})
}

// LeaveProject removes the membership. Leaving a project one is not in is a no-op.
func (s *Service) LeaveProject(ctx context.Context, userID, projectID string) error {
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Delete(&models.Membership{}).Error
	if err != nil {
		s.logError(opLeave, "delete_failed", err, zap.String("project_id", projectID))
		return apperrors.Storage(opLeave, "delete_failed", err)
	}
	return nil
}

func requireUser(tx *gorm.DB, operation, userID string, into *models.User) error {
	var user models.User
	err := tx.Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound(operation, "user_missing", err)
	}
	if err != nil {
		return apperrors.Storage(operation, "user_lookup_failed", err)
	}
	if into != nil {
		*into = user
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
	s.logger.Error("social service error", attrs...)
}
