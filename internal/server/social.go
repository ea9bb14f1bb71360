package server

import (
	"net/http"

	"github.com/devcircle/backend/internal/models"
	"github.com/devcircle/backend/internal/notifications"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleFollow(c *gin.Context) {
	created, err := h.social.Follow(c.Request.Context(), c.GetString(userIDContextKey), c.Param("userId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"following": true})
}

func (h *httpHandler) handleUnfollow(c *gin.Context) {
	if err := h.social.Unfollow(c.Request.Context(), c.GetString(userIDContextKey), c.Param("userId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleJoinProject(c *gin.Context) {
	if err := h.social.JoinProject(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleLeaveProject(c *gin.Context) {
	if err := h.social.LeaveProject(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type notificationPayload struct {
	ID          string                  `json:"id"`
	Kind        models.NotificationKind `json:"kind"`
	Content     string                  `json:"content"`
	TriggerUser *string                 `json:"triggerUser"`
	Read        bool                    `json:"read"`
	CreatedAtMs int64                   `json:"createdAt"`
}

type notificationListPayload struct {
	Notifications []notificationPayload `json:"notifications"`
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	records, err := h.notifications.List(c.Request.Context(), c.GetString(userIDContextKey), notifications.ListOptions{
		UnreadOnly: c.Query("unread") == "true",
		Limit:      limit,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := notificationListPayload{Notifications: make([]notificationPayload, 0, len(records))}
	for _, record := range records {
		response.Notifications = append(response.Notifications, notificationPayload{
			ID:          record.ID,
			Kind:        record.Kind,
			Content:     record.Content,
			TriggerUser: record.TriggerID,
			Read:        record.Read,
			CreatedAtMs: record.CreatedAtMs,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleMarkNotificationRead(c *gin.Context) {
	if err := h.notifications.MarkRead(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteNotification(c *gin.Context) {
	if err := h.notifications.Delete(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type messagePayload struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	Content     string `json:"content"`
	CreatedAtMs int64  `json:"createdAt"`
}

type conversationPayload struct {
	Messages []messagePayload `json:"messages"`
}

func (h *httpHandler) handleConversation(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	records, err := h.messages.Conversation(c.Request.Context(), c.GetString(userIDContextKey), c.Param("userId"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := conversationPayload{Messages: make([]messagePayload, 0, len(records))}
	for _, record := range records {
		response.Messages = append(response.Messages, messagePayload{
			ID:          record.ID,
			SenderID:    record.SenderID,
			ReceiverID:  record.ReceiverID,
			Content:     record.Content,
			CreatedAtMs: record.CreatedAtMs,
		})
	}
	c.JSON(http.StatusOK, response)
}
