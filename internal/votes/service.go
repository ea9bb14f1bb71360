// Package votes maintains one signed vote per (voter, target, kind) and the
// aggregate score derived from them.
package votes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devcircle/backend/internal/apperrors"
	"github.com/devcircle/backend/internal/ids"
	"github.com/devcircle/backend/internal/metrics"
	"github.com/devcircle/backend/internal/models"
	"github.com/devcircle/backend/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingVoter      = errors.New("voter identifier is required")
	errMissingTarget     = errors.New("target identifier is required")
	errInvalidIntent     = errors.New("vote intent must be -1 or +1")
	errInvalidKind       = errors.New("unknown vote target kind")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew  = "votes.service.new"
	opToggleVote  = "votes.toggle"
	opScores      = "votes.scores"
	opViewerVotes = "votes.viewer_votes"

	resultCreated  = "created"
	resultRemoved  = "removed"
	resultFlipped  = "flipped"
	resultRejected = "rejected"
	resultFailed   = "failed"
)

// Result is the outcome of a toggle. Score is the target's aggregate after the write.
type Result struct {
	NewValue   int `json:"newValue"`
	ScoreDelta int `json:"scoreDelta"`
	Score      int `json:"score"`
}

// ServiceConfig describes the dependencies of the vote ledger.
type ServiceConfig struct {
	Database   *gorm.DB
	Notifier   notifications.Notifier
	Metrics    *metrics.VoteMetrics
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service is the vote ledger.
type Service struct {
	db         *gorm.DB
	notifier   notifications.Notifier
	metrics    *metrics.VoteMetrics
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	locks      *keyedMutex
}

// NewService validates the configuration and constructs the ledger.
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
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		locks:      newKeyedMutex(),
	}, nil
}

// transition applies an intent to the stored value (0 when no row exists).
func transition(current, intent int) (newValue, scoreDelta int) {
	switch current {
	case 0:
		return intent, intent
	case intent:
		return 0, -intent
	default:
		return intent, 2 * intent
	}
}

// ToggleVote moves the voter's vote on the target through the {-1, 0, +1} state
// machine. Repeating an intent clears the vote; the opposite intent flips it.
func (s *Service) ToggleVote(ctx context.Context, voterID, targetID string, kind models.TargetKind, intent int) (Result, error) {
	started := s.clock()
	voterID = strings.TrimSpace(voterID)
	targetID = strings.TrimSpace(targetID)
	if err := validateToggle(voterID, targetID, kind, intent); err != nil {
		s.observe(kind, resultRejected, started)
		return Result{}, err
	}

	unlock := s.locks.Lock(voterID + "\x00" + string(kind) + "\x00" + targetID)
	result, authorID, err := s.toggle(ctx, voterID, targetID, kind, intent)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Another process inserted the same key between our read and write.
		result, authorID, err = s.toggle(ctx, voterID, targetID, kind, intent)
	}
	unlock()

	if err != nil {
		var appErr *apperrors.Error
		if !errors.As(err, &appErr) {
			s.logError(opToggleVote, "transaction_failed", err,
				zap.String("voter_id", voterID),
				zap.String("target_id", targetID))
			err = apperrors.Storage(opToggleVote, "transaction_failed", err)
		}
		if apperrors.KindOf(err) == apperrors.KindStorage {
			s.observe(kind, resultFailed, started)
		} else {
			s.observe(kind, resultRejected, started)
		}
		return Result{}, err
	}

	s.observe(kind, outcomeLabel(result), started)
	if result.NewValue == 1 && authorID != voterID {
		s.notifyUpvote(ctx, voterID, authorID, kind)
	}
	return result, nil
}

func validateToggle(voterID, targetID string, kind models.TargetKind, intent int) error {
	if voterID == "" {
		return apperrors.InvalidInput(opToggleVote, "missing_voter", errMissingVoter)
	}
	if targetID == "" {
		return apperrors.InvalidInput(opToggleVote, "missing_target", errMissingTarget)
	}
	if !kind.Valid() {
		return apperrors.InvalidInput(opToggleVote, "invalid_kind", fmt.Errorf("%w: %q", errInvalidKind, kind))
	}
	if intent != 1 && intent != -1 {
		return apperrors.InvalidInput(opToggleVote, "invalid_intent", fmt.Errorf("%w: got %d", errInvalidIntent, intent))
	}
	return nil
}

func (s *Service) toggle(ctx context.Context, voterID, targetID string, kind models.TargetKind, intent int) (Result, string, error) {
	var (
		result   Result
		authorID string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		author, err := targetAuthor(tx, targetID, kind)
		if err != nil {
			return err
		}
		authorID = author

		var existing models.Vote
		current := 0
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("voter_id = ? AND target_id = ? AND target_kind = ?", voterID, targetID, kind).
			Take(&existing).Error
		switch {
		case err == nil:
			current = existing.Value
		case !errors.Is(err, gorm.ErrRecordNotFound):
			s.logError(opToggleVote, "vote_select_failed", err, zap.String("voter_id", voterID), zap.String("target_id", targetID))
			return apperrors.Storage(opToggleVote, "vote_select_failed", err)
		}

		newValue, delta := transition(current, intent)
		now := models.UnixMillis(s.clock())
		switch {
		case current == 0:
			id, err := s.idProvider.NewID()
			if err != nil {
				return apperrors.Storage(opToggleVote, "id_generation_failed", err)
			}
			vote := models.Vote{ID: id, VoterID: voterID, TargetID: targetID, TargetKind: kind, Value: newValue, UpdatedAtMs: now}
			if err := tx.Create(&vote).Error; err != nil {
				return err
			}
		case newValue == 0:
			if err := tx.Delete(&models.Vote{}, "id = ?", existing.ID).Error; err != nil {
				s.logError(opToggleVote, "vote_delete_failed", err, zap.String("vote_id", existing.ID))
				return apperrors.Storage(opToggleVote, "vote_delete_failed", err)
			}
		default:
			if err := tx.Model(&models.Vote{}).Where("id = ?", existing.ID).
				Updates(map[string]interface{}{"value": newValue, "updated_at_ms": now}).Error; err != nil {
				s.logError(opToggleVote, "vote_update_failed", err, zap.String("vote_id", existing.ID))
				return apperrors.Storage(opToggleVote, "vote_update_failed", err)
			}
		}

		score, err := aggregateScore(tx, targetID, kind)
		if err != nil {
			s.logError(opToggleVote, "score_query_failed", err, zap.String("target_id", targetID))
			return apperrors.Storage(opToggleVote, "score_query_failed", err)
		}
		result = Result{NewValue: newValue, ScoreDelta: delta, Score: score}
		return nil
	})
	return result, authorID, err
}

func targetAuthor(tx *gorm.DB, targetID string, kind models.TargetKind) (string, error) {
	var (
		author string
		err    error
	)
	switch kind {
	case models.TargetPost:
		var post models.Post
		err = tx.Select("id", "author_id").Where("id = ? AND is_deleted = ?", targetID, false).Take(&post).Error
		author = post.AuthorID
	case models.TargetComment:
		var comment models.Comment
		err = tx.Select("id", "author_id").Where("id = ? AND is_deleted = ?", targetID, false).Take(&comment).Error
		author = comment.AuthorID
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", apperrors.NotFound(opToggleVote, "target_missing", err)
	}
	if err != nil {
		return "", apperrors.Storage(opToggleVote, "target_lookup_failed", err)
	}
	return author, nil
}

func aggregateScore(tx *gorm.DB, targetID string, kind models.TargetKind) (int, error) {
	var score int64
	err := tx.Model(&models.Vote{}).
		Select("COALESCE(SUM(value), 0)").
		Where("target_id = ? AND target_kind = ?", targetID, kind).
		Scan(&score).Error
	return int(score), err
}

type targetSum struct {
	TargetID string
	Total    int64
}

// Scores returns the aggregate score of each target; targets without votes map to 0.
func (s *Service) Scores(ctx context.Context, kind models.TargetKind, targetIDs []string) (map[string]int, error) {
	scores := make(map[string]int, len(targetIDs))
	if len(targetIDs) == 0 {
		return scores, nil
	}
	var sums []targetSum
	err := s.db.WithContext(ctx).
		Model(&models.Vote{}).
		Select("target_id, SUM(value) AS total").
		Where("target_kind = ? AND target_id IN ?", kind, targetIDs).
		Group("target_id").
		Scan(&sums).Error
	if err != nil {
		s.logError(opScores, "query_failed", err, zap.String("target_kind", string(kind)))
		return nil, apperrors.Storage(opScores, "query_failed", err)
	}
	for _, id := range targetIDs {
		scores[id] = 0
	}
	for _, sum := range sums {
		scores[sum.TargetID] = int(sum.Total)
	}
	return scores, nil
}

// ViewerVotes returns the voter's current value for each target; absent votes map to 0.
func (s *Service) ViewerVotes(ctx context.Context, voterID string, kind models.TargetKind, targetIDs []string) (map[string]int, error) {
	values := make(map[string]int, len(targetIDs))
	for _, id := range targetIDs {
		values[id] = 0
	}
	if voterID == "" || len(targetIDs) == 0 {
		return values, nil
	}
	var rows []models.Vote
	err := s.db.WithContext(ctx).
		Select("target_id", "value").
		Where("voter_id = ? AND target_kind = ? AND target_id IN ?", voterID, kind, targetIDs).
		Find(&rows).Error
	if err != nil {
		s.logError(opViewerVotes, "query_failed", err, zap.String("voter_id", voterID))
		return nil, apperrors.Storage(opViewerVotes, "query_failed", err)
	}
	for _, row := range rows {
		values[row.TargetID] = row.Value
	}
	return values, nil
}

func (s *Service) notifyUpvote(ctx context.Context, voterID, authorID string, kind models.TargetKind) {
	if s.notifier == nil || authorID == "" {
		return
	}
	trigger := voterID
	content := fmt.Sprintf("Your %s received an upvote", kind)
	if _, err := s.notifier.Notify(ctx, authorID, models.NotificationVote, content, &trigger); err != nil {
		s.logger.Warn("vote notification failed",
			zap.String("recipient_id", authorID),
			zap.String("voter_id", voterID),
			zap.Error(err))
	}
}

func outcomeLabel(result Result) string {
	switch {
	case result.NewValue == 0:
		return resultRemoved
	case result.ScoreDelta == result.NewValue:
		return resultCreated
	default:
		return resultFlipped
	}
}

func (s *Service) observe(kind models.TargetKind, result string, started time.Time) {
	if s.metrics == nil {
		return
	}
	label := string(kind)
	if !kind.Valid() {
		label = "unknown"
	}
	s.metrics.Toggles.WithLabelValues(label, result).Inc()
	s.metrics.ProcessingDuration.Observe(s.clock().Sub(started).Seconds())
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
	s.logger.Error("votes service error", attrs...)
}
