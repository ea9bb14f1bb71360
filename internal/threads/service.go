// Package threads materializes comment trees and records new comments.
package threads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devcircle/backend/internal/apperrors"
	"github.com/devcircle/backend/internal/ids"
	"github.com/devcircle/backend/internal/models"
	"github.com/devcircle/backend/internal/notifications"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingScores     = errors.New("score reader is required")
	errMissingPost       = errors.New("post identifier is required")
	errMissingAuthor     = errors.New("author identifier is required")
	errEmptyContent      = errors.New("comment content is required")
	errParentOtherPost   = errors.New("parent comment belongs to another post")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew     = "threads.service.new"
	opBuildTree      = "threads.build_tree"
	opCreateComment  = "threads.create_comment"
	maxCommentLength = 10000
	previewRunes     = 80
)

// ScoreReader aggregates vote values per target.
type ScoreReader interface {
	Scores(ctx context.Context, kind models.TargetKind, targetIDs []string) (map[string]int, error)
	ViewerVotes(ctx context.Context, voterID string, kind models.TargetKind, targetIDs []string) (map[string]int, error)
}

// ServiceConfig describes the dependencies of the thread builder.
type ServiceConfig struct {
	Database   *gorm.DB
	Scores     ScoreReader
	Notifier   notifications.Notifier
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service reads and writes comment threads.
type Service struct {
	db         *gorm.DB
	scores     ScoreReader
	notifier   notifications.Notifier
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.Storage(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Scores == nil {
		return nil, apperrors.Storage(opServiceNew, "missing_scores", errMissingScores)
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
		scores:     cfg.Scores,
		notifier:   cfg.Notifier,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// BuildTree returns the post's comments as an ordered forest annotated with scores.
func (s *Service) BuildTree(ctx context.Context, postID string) ([]*CommentNode, error) {
	return s.BuildTreeForViewer(ctx, postID, "")
}

// BuildTreeForViewer is BuildTree with each node also carrying the viewer's vote.
func (s *Service) BuildTreeForViewer(ctx context.Context, postID, viewerID string) ([]*CommentNode, error) {
	postID = strings.TrimSpace(postID)
	if postID == "" {
		return nil, apperrors.InvalidInput(opBuildTree, "missing_post_id", errMissingPost)
	}
	if _, err := s.loadPost(ctx, s.db, opBuildTree, postID); err != nil {
		return nil, err
	}

	var comments []models.Comment
	if err := s.db.WithContext(ctx).
		Where("post_id = ?", postID).
		Order("created_at_ms ASC").
		Order("id ASC").
		Find(&comments).Error; err != nil {
		s.logError(opBuildTree, "comments_query_failed", err, zap.String("post_id", postID))
		return nil, apperrors.Storage(opBuildTree, "comments_query_failed", err)
	}
	if len(comments) == 0 {
		return []*CommentNode{}, nil
	}

	commentIDs := make([]string, len(comments))
	for i, comment := range comments {
		commentIDs[i] = comment.ID
	}

	var scores, viewerVotes map[string]int
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		scores, err = s.scores.Scores(groupCtx, models.TargetComment, commentIDs)
		return err
	})
	if viewerID != "" {
		group.Go(func() error {
			var err error
			viewerVotes, err = s.scores.ViewerVotes(groupCtx, viewerID, models.TargetComment, commentIDs)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		s.logError(opBuildTree, "scores_query_failed", err, zap.String("post_id", postID))
		return nil, apperrors.Storage(opBuildTree, "scores_query_failed", err)
	}

	return buildForest(comments, scores, viewerVotes), nil
}

// CreateCommentInput carries a new comment. ParentID is nil for a top-level comment.
type CreateCommentInput struct {
	PostID   string
	AuthorID string
	ParentID *string
	Content  string
}

// CreateComment validates and persists a comment, then notifies the post author
// or the parent comment's author.
func (s *Service) CreateComment(ctx context.Context, input CreateCommentInput) (models.Comment, error) {
	input.PostID = strings.TrimSpace(input.PostID)
	input.AuthorID = strings.TrimSpace(input.AuthorID)
	if input.PostID == "" {
		return models.Comment{}, apperrors.InvalidInput(opCreateComment, "missing_post_id", errMissingPost)
	}
	if input.AuthorID == "" {
		return models.Comment{}, apperrors.InvalidInput(opCreateComment, "missing_author", errMissingAuthor)
	}
	if strings.TrimSpace(input.Content) == "" || len([]rune(input.Content)) > maxCommentLength {
		return models.Comment{}, apperrors.InvalidInput(opCreateComment, "invalid_content", errEmptyContent)
	}
	if input.ParentID != nil && strings.TrimSpace(*input.ParentID) == "" {
		input.ParentID = nil
	}

	var (
		created   models.Comment
		recipient string
		kind      models.NotificationKind
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		post, err := s.loadPost(ctx, tx, opCreateComment, input.PostID)
		if err != nil {
			return err
		}
		recipient, kind = post.AuthorID, models.NotificationComment

		createdAt := models.UnixMillis(s.clock())
		if input.ParentID != nil {
			var parent models.Comment
			err := tx.Where("id = ? AND is_deleted = ?", *input.ParentID, false).Take(&parent).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.NotFound(opCreateComment, "parent_missing", err)
			}
			if err != nil {
				s.logError(opCreateComment, "parent_lookup_failed", err, zap.String("parent_id", *input.ParentID))
				return apperrors.Storage(opCreateComment, "parent_lookup_failed", err)
			}
			if parent.PostID != input.PostID {
				return apperrors.InvalidInput(opCreateComment, "parent_on_other_post", errParentOtherPost)
			}
			if createdAt < parent.CreatedAtMs {
				createdAt = parent.CreatedAtMs
			}
			recipient, kind = parent.AuthorID, models.NotificationReply
		}

		id, err := s.idProvider.NewID()
		if err != nil {
			return apperrors.Storage(opCreateComment, "id_generation_failed", err)
		}
		created = models.Comment{
			ID:          id,
			PostID:      input.PostID,
			ParentID:    input.ParentID,
			AuthorID:    input.AuthorID,
			Content:     input.Content,
			CreatedAtMs: createdAt,
		}
		if err := tx.Create(&created).Error; err != nil {
			s.logError(opCreateComment, "insert_failed", err, zap.String("post_id", input.PostID))
			return apperrors.Storage(opCreateComment, "insert_failed", err)
		}
		return nil
	})
	if err != nil {
		return models.Comment{}, err
	}

	if s.notifier != nil && recipient != "" && recipient != input.AuthorID {
		trigger := input.AuthorID
		content := fmt.Sprintf("New %s: %s", kind, preview(input.Content))
		if _, err := s.notifier.Notify(ctx, recipient, kind, content, &trigger); err != nil {
			s.logger.Warn("comment notification failed",
				zap.String("recipient_id", recipient),
				zap.String("comment_id", created.ID),
				zap.Error(err))
		}
	}
	return created, nil
}

func (s *Service) loadPost(ctx context.Context, db *gorm.DB, operation, postID string) (models.Post, error) {
	var post models.Post
	err := db.WithContext(ctx).Where("id = ? AND is_deleted = ?", postID, false).Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Post{}, apperrors.NotFound(operation, "post_missing", err)
	}
	if err != nil {
		s.logError(operation, "post_lookup_failed", err, zap.String("post_id", postID))
		return models.Post{}, apperrors.Storage(operation, "post_lookup_failed", err)
	}
	return post, nil
}

func preview(content string) string {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) <= previewRunes {
		return string(runes)
	}
	return string(runes[:previewRunes]) + "…"
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
	s.logger.Error("threads service error", attrs...)
}
