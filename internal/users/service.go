package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/devcircle/backend/internal/apperrors"
	"github.com/devcircle/backend/internal/models"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const opLookupUser = "users.lookup"

// ErrInvalidUserID indicates an empty identifier.
var ErrInvalidUserID = errors.New("users: invalid user id")

// ServiceConfig describes the dependencies required for user lookups.
type ServiceConfig struct {
	Database *gorm.DB
}

// Service resolves users from the durable store. Known ids are cached since
// accounts are never hard deleted while referenced by engagement rows.
type Service struct {
	db    *gorm.DB
	known sync.Map
	group singleflight.Group
}

// NewService constructs the user directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	return &Service{db: cfg.Database}, nil
}

// Get loads the user record, failing with a not-found error for unknown ids.
func (s *Service) Get(ctx context.Context, userID string) (models.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.User{}, apperrors.InvalidInput(opLookupUser, "missing_user_id", ErrInvalidUserID)
	}

	// The lookup is shared by concurrent callers, so one caller's cancellation
	// must not fail the others.
	shared := context.WithoutCancel(ctx)
	result, err, _ := s.group.Do(userID, func() (interface{}, error) {
		var user models.User
		err := s.db.WithContext(shared).Where("id = ?", userID).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, apperrors.NotFound(opLookupUser, "user_missing", err)
		}
		if err != nil {
			return models.User{}, apperrors.Storage(opLookupUser, "query_failed", err)
		}
		s.known.Store(userID, struct{}{})
		return user, nil
	})
	if err != nil {
		return models.User{}, err
	}
	return result.(models.User), nil
}

// Exists reports whether the user is present, consulting the cache first.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	if _, ok := s.known.Load(strings.TrimSpace(userID)); ok {
		return true, nil
	}
	_, err := s.Get(ctx, userID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
