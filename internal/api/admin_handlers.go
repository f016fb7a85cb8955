package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"apologize/internal/models"
)

func (h *Handler) adminListUsers(c *gin.Context) {
	users, err := h.store.GetAllUsers(c.Request.Context())
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	c.JSON(http.StatusOK, gin.H{
		"users": users,
		"count": len(users),
	})
}

func (h *Handler) adminGetUser(c *gin.Context) {
	userID, ok := pathUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	user, err := h.store.GetUserByID(ctx, userID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	sessionCount, err := h.store.CountSessions(ctx, userID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	messageCount, err := h.store.CountMessages(ctx, userID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":         user,
		"sessionCount": sessionCount,
		"messageCount": messageCount,
	})
}

type userStatusRequest struct {
	IsActive *bool `json:"isActive"`
}

func (h *Handler) adminSetUserStatus(c *gin.Context) {
	userID, ok := pathUserID(c)
	if !ok {
		return
	}
	var req userStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.IsActive == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "isActive is required"})
		return
	}
	ctx := c.Request.Context()
	target, err := h.store.GetUserByID(ctx, userID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if target.IsAdmin() && !*req.IsActive {
		c.JSON(http.StatusForbidden, gin.H{"error": "Cannot disable admin user"})
		return
	}
	user, err := h.store.SetActive(ctx, userID, *req.IsActive)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	log.WithFields(log.Fields{"user_id": userID, "is_active": *req.IsActive}).Info("user status updated")
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *Handler) adminListSessions(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		sessions []models.Session
		err      error
	)
	if raw := c.Query("userId"); raw != "" {
		userID, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid userId"})
			return
		}
		sessions, err = h.store.GetUserSessions(ctx, userID)
	} else {
		sessions, err = h.store.GetAllSessions(ctx)
	}
	if err != nil {
		writeStoreError(c, err)
		return
	}
	out := make([]gin.H, 0, len(sessions))
	for _, session := range sessions {
		messageCount, countErr := h.store.CountSessionMessages(ctx, session.ID)
		if countErr != nil {
			writeStoreError(c, countErr)
			return
		}
		out = append(out, gin.H{
			"session":      session,
			"messageCount": messageCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": out,
		"count":    len(out),
	})
}

func (h *Handler) adminGetSession(c *gin.Context) {
	session, messages, err := h.store.GetSessionAny(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":      session,
		"messages":     messages,
		"messageCount": len(messages),
	})
}

func (h *Handler) adminStats(c *gin.Context) {
	ctx := c.Request.Context()
	users, err := h.store.GetAllUsers(ctx)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	var active, admins int
	for _, user := range users {
		if user.IsActive {
			active++
		}
		if user.IsAdmin() {
			admins++
		}
	}
	sessionCount, err := h.store.CountSessions(ctx, 0)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"users": gin.H{
			"total":    len(users),
			"active":   active,
			"inactive": len(users) - active,
			"admins":   admins,
		},
		"sessions": gin.H{
			"total": sessionCount,
		},
	})
}

func pathUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return userID, true
}
