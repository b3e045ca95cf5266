package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chorus/realtime-service/models"
	"chorus/realtime-service/services"
	"chorus/realtime-service/utils"
)

type PresenceHandler struct {
	manager  *services.ConnectionManager
	presence *services.PresenceService
	logger   *utils.Logger
}

func NewPresenceHandler(manager *services.ConnectionManager, presence *services.PresenceService, logger *utils.Logger) *PresenceHandler {
	return &PresenceHandler{
		manager:  manager,
		presence: presence,
		logger:   logger,
	}
}

// GetStatus handles GET /presence/status?user_id=
func (ph *PresenceHandler) GetStatus(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id parameter is required"})
		return
	}

	presence := ph.manager.GetPresence(c.Request.Context(), userID)

	c.JSON(http.StatusOK, models.StatusResponse{
		UserID:   presence.UserID,
		Status:   presence.Status,
		LastSeen: presence.LastSeen,
		IsOnline: presence.Status == models.StatusOnline,
	})
}

// GetTypingUsers handles GET /presence/typing?conversation_id=
func (ph *PresenceHandler) GetTypingUsers(c *gin.Context) {
	conversationID := c.Query("conversation_id")
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id parameter is required"})
		return
	}

	users := ph.presence.TypingUsers(c.Request.Context(), conversationID)
	if users == nil {
		users = []string{}
	}

	c.JSON(http.StatusOK, models.TypingUsersResponse{
		ConversationID: conversationID,
		Users:          users,
	})
}

// GetOnlineUsers handles GET /presence/online
func (ph *PresenceHandler) GetOnlineUsers(c *gin.Context) {
	users := ph.presence.OnlineUsers(c.Request.Context())
	if users == nil {
		users = []models.UserPresence{}
	}

	c.JSON(http.StatusOK, models.OnlineUsersResponse{
		Count: len(users),
		Users: users,
	})
}
