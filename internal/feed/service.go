// Package feed selects and orders posts for a viewer.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/devcircle/backend/internal/apperrors"
	"github.com/devcircle/backend/internal/metrics"
	"github.com/devcircle/backend/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Mode selects the candidate set and ordering of a feed.
type Mode string

const (
	ModePersonalized Mode = "personalized"
	ModeSubscribed   Mode = "subscribed"
)

// TagWeight is the score contribution of each interest tag shared by viewer and project.
const TagWeight = 5

const (
	opServiceNew = "feed.service.new"
	opGetFeed    = "feed.get"

	defaultCandidateCap = 500
	defaultLimit        = 20
	defaultMaxLimit     = 100
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingScores   = errors.New("score reader is required")
	errMissingUsers    = errors.New("user directory is required")
	errUnknownMode     = errors.New("unknown feed mode")
	noOpLogger         = zap.NewNop()
)

// ScoreReader aggregates vote values per target.
type ScoreReader interface {
	Scores(ctx context.Context, kind models.TargetKind, targetIDs []string) (map[string]int, error)
	ViewerVotes(ctx context.Context, voterID string, kind models.TargetKind, targetIDs []string) (map[string]int, error)
}

// UserDirectory resolves the viewer.
type UserDirectory interface {
	Get(ctx context.Context, userID string) (models.User, error)
}

// Item is a ranked post as rendered to the viewer.
type Item struct {
	ID          string  `json:"id"`
	AuthorID    string  `json:"authorId"`
	ProjectID   *string `json:"projectId"`
	Title       string  `json:"title"`
	Content     string  `json:"content"`
	CreatedAtMs int64   `json:"createdAt"`
	Score       int     `json:"score"`
	TagMatches  int     `json:"tagMatches"`
	SortScore   int     `json:"sortScore"`
	ViewerVote  int     `json:"viewerVote"`
}

// Page is one slice of a feed. NextCursor is nil at the end of the data.
type Page struct {
	Items      []Item  `json:"items"`
	NextCursor *string `json:"nextCursor"`
}

// ServiceConfig describes the dependencies and bounds of the ranker.
type ServiceConfig struct {
	Database     *gorm.DB
	Scores       ScoreReader
	Users        UserDirectory
	Metrics      *metrics.FeedMetrics
	CandidateCap int
	DefaultLimit int
	MaxLimit     int
	Logger       *zap.Logger
}

// Service is the feed ranker.
type Service struct {
	db           *gorm.DB
	scores       ScoreReader
	users        UserDirectory
	metrics      *metrics.FeedMetrics
	candidateCap int
	defaultLimit int
	maxLimit     int
	logger       *zap.Logger
}

// NewService validates the configuration and constructs the ranker.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.Storage(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Scores == nil {
		return nil, apperrors.Storage(opServiceNew, "missing_scores", errMissingScores)
	}
	if cfg.Users == nil {
		return nil, apperrors.Storage(opServiceNew, "missing_users", errMissingUsers)
	}
	service := &Service{
		db:           cfg.Database,
		scores:       cfg.Scores,
		users:        cfg.Users,
		metrics:      cfg.Metrics,
		candidateCap: cfg.CandidateCap,
		defaultLimit: cfg.DefaultLimit,
		maxLimit:     cfg.MaxLimit,
		logger:       cfg.Logger,
	}
	if service.candidateCap <= 0 {
		service.candidateCap = defaultCandidateCap
	}
	if service.maxLimit <= 0 {
		service.maxLimit = defaultMaxLimit
	}
	if service.defaultLimit <= 0 || service.defaultLimit > service.maxLimit {
		service.defaultLimit = min(defaultLimit, service.maxLimit)
	}
	if service.logger == nil {
		service.logger = noOpLogger
	}
	return service, nil
}

// ParseMode maps a request parameter to a mode; empty selects personalized.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModePersonalized:
		return ModePersonalized, nil
	case ModeSubscribed:
		return ModeSubscribed, nil
	}
	return "", apperrors.InvalidInput(opGetFeed, "unknown_mode", fmt.Errorf("%w: %q", errUnknownMode, raw))
}

// GetFeed returns the page following cursor. An empty cursor starts from the top.
func (s *Service) GetFeed(ctx context.Context, viewerID string, mode Mode, cursor string, limit int) (Page, error) {
	started := time.Now()
	page, err := s.getFeed(ctx, viewerID, mode, cursor, limit)
	if s.metrics != nil {
		label := string(mode)
		if mode != ModePersonalized && mode != ModeSubscribed {
			label = "unknown"
		}
		result := "ok"
		if err != nil {
			result = string(apperrors.KindOf(err))
		}
		s.metrics.Requests.WithLabelValues(label, result).Inc()
		s.metrics.Duration.WithLabelValues(label).Observe(time.Since(started).Seconds())
	}
	return page, err
}

func (s *Service) getFeed(ctx context.Context, viewerID string, mode Mode, cursor string, limit int) (Page, error) {
	if mode != ModePersonalized && mode != ModeSubscribed {
		return Page{}, apperrors.InvalidInput(opGetFeed, "unknown_mode", fmt.Errorf("%w: %q", errUnknownMode, mode))
	}
	after, err := decodeCursor(cursor, mode)
	if err != nil {
		return Page{}, apperrors.InvalidInput(opGetFeed, "malformed_cursor", err)
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	var (
		viewer     models.User
		candidates []models.Post
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		viewer, err = s.users.Get(groupCtx, viewerID)
		return err
	})
	group.Go(func() error {
		var err error
		if mode == ModeSubscribed {
			candidates, err = s.subscribedCandidates(groupCtx, viewerID, after, limit+1)
		} else {
			candidates, err = s.recentCandidates(groupCtx)
		}
		if err != nil {
			s.logError(opGetFeed, "candidates_query_failed", err, zap.String("viewer_id", viewerID), zap.String("mode", string(mode)))
			return apperrors.Storage(opGetFeed, "candidates_query_failed", err)
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return Page{}, err
	}

	items, err := s.annotate(ctx, viewer, candidates, mode == ModePersonalized)
	if err != nil {
		return Page{}, err
	}

	if mode == ModePersonalized {
		rankPersonalized(items)
		if after != nil {
			items = dropThrough(items, *after)
		}
	}
	return paginate(items, mode, limit), nil
}

func (s *Service) subscribedCandidates(ctx context.Context, viewerID string, after *cursorKey, limit int) ([]models.Post, error) {
	followed := s.db.Model(&models.Follow{}).Select("followee_id").Where("follower_id = ?", viewerID)
	joined := s.db.Model(&models.Membership{}).Select("project_id").Where("user_id = ?", viewerID)

	query := s.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Where(s.db.Where("author_id IN (?)", followed).Or("project_id IN (?)", joined))
	if after != nil {
		query = query.Where("created_at_ms < ? OR (created_at_ms = ? AND id < ?)", after.CreatedAtMs, after.CreatedAtMs, after.ID)
	}
	var posts []models.Post
	err := query.Order("created_at_ms DESC").Order("id DESC").Limit(limit).Find(&posts).Error
	return posts, err
}

func (s *Service) recentCandidates(ctx context.Context) ([]models.Post, error) {
	var posts []models.Post
	err := s.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Order("created_at_ms DESC").
		Order("id DESC").
		Limit(s.candidateCap).
		Find(&posts).Error
	return posts, err
}

// annotate attaches scores, viewer votes and, when ranking by interest, tag matches.
func (s *Service) annotate(ctx context.Context, viewer models.User, posts []models.Post, withTags bool) ([]Item, error) {
	items := make([]Item, 0, len(posts))
	if len(posts) == 0 {
		return items, nil
	}
	postIDs := make([]string, len(posts))
	projectIDs := make([]string, 0)
	seenProjects := make(map[string]struct{})
	for i, post := range posts {
		postIDs[i] = post.ID
		if post.ProjectID == nil {
			continue
		}
		if _, ok := seenProjects[*post.ProjectID]; !ok {
			seenProjects[*post.ProjectID] = struct{}{}
			projectIDs = append(projectIDs, *post.ProjectID)
		}
	}

	var (
		scores      map[string]int
		viewerVotes map[string]int
		projectTags = map[string]models.TagSet{}
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		scores, err = s.scores.Scores(groupCtx, models.TargetPost, postIDs)
		return err
	})
	group.Go(func() error {
		var err error
		viewerVotes, err = s.scores.ViewerVotes(groupCtx, viewer.ID, models.TargetPost, postIDs)
		return err
	})
	if withTags && len(projectIDs) > 0 && len(viewer.InterestTags) > 0 {
		group.Go(func() error {
			var projects []models.Project
			if err := s.db.WithContext(groupCtx).Select("id", "tags").Where("id IN ?", projectIDs).Find(&projects).Error; err != nil {
				return err
			}
			for _, project := range projects {
				projectTags[project.ID] = project.Tags
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		s.logError(opGetFeed, "annotation_failed", err, zap.String("viewer_id", viewer.ID))
		return nil, apperrors.Storage(opGetFeed, "annotation_failed", err)
	}

	for _, post := range posts {
		item := Item{
			ID:          post.ID,
			AuthorID:    post.AuthorID,
			ProjectID:   post.ProjectID,
			Title:       post.Title,
			Content:     post.Content,
			CreatedAtMs: post.CreatedAtMs,
			Score:       scores[post.ID],
			ViewerVote:  viewerVotes[post.ID],
		}
		if withTags && post.ProjectID != nil {
			item.TagMatches = viewer.InterestTags.Intersect(projectTags[*post.ProjectID])
		}
		item.SortScore = item.Score + TagWeight*item.TagMatches
		items = append(items, item)
	}
	return items, nil
}

// rankPersonalized orders by sort score, then recency, then id, all descending.
func rankPersonalized(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].SortScore != items[j].SortScore {
			return items[i].SortScore > items[j].SortScore
		}
		if items[i].CreatedAtMs != items[j].CreatedAtMs {
			return items[i].CreatedAtMs > items[j].CreatedAtMs
		}
		return items[i].ID > items[j].ID
	})
}

func dropThrough(items []Item, after cursorKey) []Item {
	for index, item := range items {
		if !after.before(item) {
			return items[index:]
		}
	}
	return items[:0]
}

// paginate trims to limit; a cursor is issued only when more items follow.
func paginate(items []Item, mode Mode, limit int) Page {
	if len(items) <= limit {
		return Page{Items: items}
	}
	items = items[:limit]
	last := items[len(items)-1]
	key := cursorKey{Mode: mode, CreatedAtMs: last.CreatedAtMs, ID: last.ID}
	if mode == ModePersonalized {
		key.SortScore = last.SortScore
	}
	next := encodeCursor(key)
	return Page{Items: items, NextCursor: &next}
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
	s.logger.Error("feed service error", attrs...)
}
