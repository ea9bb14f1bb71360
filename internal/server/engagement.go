package server

import (
	"net/http"
	"strconv"

	"github.com/devcircle/backend/internal/feed"
	"github.com/devcircle/backend/internal/models"
	"github.com/devcircle/backend/internal/threads"
	"github.com/gin-gonic/gin"
)

type voteRequestPayload struct {
	TargetID   string `json:"targetId"`
	TargetKind string `json:"targetKind"`
	Value      int    `json:"value"`
}

type voteResponsePayload struct {
	NewValue   int `json:"newValue"`
	ScoreDelta int `json:"scoreDelta"`
	Score      int `json:"score"`
}

func (h *httpHandler) handleToggleVote(c *gin.Context) {
	var request voteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	result, err := h.votes.ToggleVote(c.Request.Context(), c.GetString(userIDContextKey), request.TargetID, models.TargetKind(request.TargetKind), request.Value)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, voteResponsePayload{
		NewValue:   result.NewValue,
		ScoreDelta: result.ScoreDelta,
		Score:      result.Score,
	})
}

type commentTreeResponsePayload struct {
	Comments []*threads.CommentNode `json:"comments"`
}

func (h *httpHandler) handleCommentTree(c *gin.Context) {
	forest, err := h.threads.BuildTreeForViewer(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, commentTreeResponsePayload{Comments: forest})
}

type createCommentRequestPayload struct {
	ParentID *string `json:"parentId"`
	Content  string  `json:"content"`
}

type commentPayload struct {
	ID          string  `json:"id"`
	PostID      string  `json:"postId"`
	ParentID    *string `json:"parentId"`
	AuthorID    string  `json:"author"`
	Content     string  `json:"content"`
	CreatedAtMs int64   `json:"createdAt"`
}

func (h *httpHandler) handleCreateComment(c *gin.Context) {
	var request createCommentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	comment, err := h.threads.CreateComment(c.Request.Context(), threads.CreateCommentInput{
		PostID:   c.Param("id"),
		AuthorID: c.GetString(userIDContextKey),
		ParentID: request.ParentID,
		Content:  request.Content,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, commentPayload{
		ID:          comment.ID,
		PostID:      comment.PostID,
		ParentID:    comment.ParentID,
		AuthorID:    comment.AuthorID,
		Content:     comment.Content,
		CreatedAtMs: comment.CreatedAtMs,
	})
}

func (h *httpHandler) handleFeed(c *gin.Context) {
	mode, err := feed.ParseMode(c.Query("mode"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	page, err := h.feed.GetFeed(c.Request.Context(), c.GetString(userIDContextKey), mode, c.Query("cursor"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// parseLimit reads the optional limit query parameter; zero selects the
// service default.
func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		badRequest(c, "invalid_limit")
		return 0, false
	}
	return limit, true
}
