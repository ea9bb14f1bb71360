// Package server exposes the engagement services over HTTP and websockets.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/devcircle/backend/internal/apperrors"
	"github.com/devcircle/backend/internal/auth"
	"github.com/devcircle/backend/internal/feed"
	"github.com/devcircle/backend/internal/messages"
	"github.com/devcircle/backend/internal/metrics"
	"github.com/devcircle/backend/internal/notifications"
	"github.com/devcircle/backend/internal/realtime"
	"github.com/devcircle/backend/internal/social"
	"github.com/devcircle/backend/internal/threads"
	"github.com/devcircle/backend/internal/votes"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const userIDContextKey = "devcircle_user_id"

var (
	errMissingVerifier      = errors.New("credential verifier dependency required")
	errMissingVotes         = errors.New("votes service dependency required")
	errMissingThreads       = errors.New("threads service dependency required")
	errMissingFeed          = errors.New("feed service dependency required")
	errMissingSocial        = errors.New("social service dependency required")
	errMissingNotifications = errors.New("notifications service dependency required")
	errMissingMessages      = errors.New("messages service dependency required")
	errMissingHub           = errors.New("realtime hub dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// CredentialVerifier resolves a bearer credential to a user id.
type CredentialVerifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// Dependencies wires the HTTP surface to the services it exposes.
type Dependencies struct {
	Verifier       CredentialVerifier
	Votes          *votes.Service
	Threads        *threads.Service
	Feed           *feed.Service
	Social         *social.Service
	Notifications  *notifications.Service
	Messages       *messages.Service
	Hub            *realtime.Hub
	Session        realtime.SessionConfig
	AllowedOrigins []string
	Metrics        *prometheus.Registry
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine with every route registered.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Verifier == nil:
		return nil, errMissingVerifier
	case deps.Votes == nil:
		return nil, errMissingVotes
	case deps.Threads == nil:
		return nil, errMissingThreads
	case deps.Feed == nil:
		return nil, errMissingFeed
	case deps.Social == nil:
		return nil, errMissingSocial
	case deps.Notifications == nil:
		return nil, errMissingNotifications
	case deps.Messages == nil:
		return nil, errMissingMessages
	case deps.Hub == nil:
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		verifier:      deps.Verifier,
		votes:         deps.Votes,
		threads:       deps.Threads,
		feed:          deps.Feed,
		social:        deps.Social,
		notifications: deps.Notifications,
		messages:      deps.Messages,
		hub:           deps.Hub,
		session:       deps.Session,
		upgrader:      newUpgrader(deps.AllowedOrigins),
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler(deps.Metrics)))
	}
	router.GET("/ws", handler.handleWebsocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/votes", handler.handleToggleVote)
	protected.GET("/posts/:id/comments", handler.handleCommentTree)
	protected.POST("/posts/:id/comments", handler.handleCreateComment)
	protected.GET("/feed", handler.handleFeed)
	protected.POST("/follows/:userId", handler.handleFollow)
	protected.DELETE("/follows/:userId", handler.handleUnfollow)
	protected.POST("/projects/:id/members", handler.handleJoinProject)
	protected.DELETE("/projects/:id/members", handler.handleLeaveProject)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.POST("/notifications/:id/read", handler.handleMarkNotificationRead)
	protected.DELETE("/notifications/:id", handler.handleDeleteNotification)
	protected.GET("/messages/:userId", handler.handleConversation)

	return router, nil
}

type httpHandler struct {
	verifier      CredentialVerifier
	votes         *votes.Service
	threads       *threads.Service
	feed          *feed.Service
	social        *social.Service
	notifications *notifications.Service
	messages      *messages.Service
	hub           *realtime.Hub
	session       realtime.SessionConfig
	upgrader      websocketUpgrader
	logger        *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := auth.ExtractBearer(header)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	userID, err := h.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredCredential) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// respondError renders a classified failure. Storage failures are logged since
// clients only see a generic code.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(status, gin.H{"error": apperrors.CodeOf(err)})
}

func badRequest(c *gin.Context, reason string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": reason})
}
