package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"apologize/internal/llm"
	"apologize/internal/models"
)

const maxTitleLen = 50

type chatMessageRequest struct {
	Message   string `json:"message"`
	Style     string `json:"style"`
	SessionID string `json:"sessionId"`
}

// guardSessionAccess enforces ownership on an existing identifier. A
// foreign owner is a 403 before any side effect; an unbound identifier
// passes, with the caller as prospective owner.
func (h *Handler) guardSessionAccess(c *gin.Context, sessionID string, userID int64, creating bool) bool {
	owner, err := h.store.SessionOwner(c.Request.Context(), sessionID)
	if err != nil {
		writeStoreError(c, err)
		return false
	}
	if owner != 0 && owner != userID {
		fields := log.Fields{"session_id": sessionID, "user_id": userID}
		if creating {
			// Collision on the creation path gets the distinct message;
			// it does not reveal who holds the identifier.
			log.WithFields(fields).Warn("session id collision rejected")
			c.JSON(http.StatusForbidden, gin.H{"error": "session already exists and belongs to another user"})
		} else {
			log.WithFields(fields).Warn("session access denied")
			c.JSON(http.StatusForbidden, gin.H{"error": "access to this session is denied"})
		}
		return false
	}
	return true
}

func (h *Handler) sendMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req chatMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	newConversation := sessionID == ""
	if newConversation {
		sessionID = uuid.New().String()
	}
	if !h.guardSessionAccess(c, sessionID, userID, true) {
		return
	}

	ctx := c.Request.Context()
	history := h.loadHistory(c, sessionID, userID)
	window := history
	if len(window) > h.historyWindow {
		window = window[len(window)-h.historyWindow:]
	}

	resp, err := h.llm.Generate(ctx, llm.Request{
		Message: message,
		Style:   llm.Style(req.Style),
		History: window,
	})
	if err != nil {
		log.WithError(err).Error("llm request failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "LLM unavailable"})
		return
	}

	// Nothing was persisted before this point: a rejected collision or a
	// failed provider call leaves no trace.
	if _, err := h.store.AddMessage(ctx, sessionID, userID, models.RoleUser, message, 0); err != nil {
		writeStoreError(c, err)
		return
	}
	if _, err := h.store.AddMessage(ctx, sessionID, userID, models.RoleAssistant, resp.Reply, resp.TokensUsed); err != nil {
		writeStoreError(c, err)
		return
	}
	if len(history) == 0 {
		if err := h.store.UpdateSessionTitle(ctx, sessionID, userID, truncateTitle(message)); err != nil {
			log.WithError(err).Warn("set session title failed")
		}
	}
	h.cache.InvalidateHistory(ctx, sessionID)

	c.JSON(http.StatusOK, gin.H{
		"sessionId":  sessionID,
		"reply":      resp.Reply,
		"emotion":    resp.Emotion,
		"style":      resp.Style,
		"tokensUsed": resp.TokensUsed,
		"timestamp":  time.Now().UTC(),
	})
}

func (h *Handler) getHistory(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}
	if !h.guardSessionAccess(c, sessionID, userID, false) {
		return
	}
	messages := h.loadHistory(c, sessionID, userID)
	if messages == nil {
		messages = []models.Message{}
	}
	session, err := h.store.GetSession(c.Request.Context(), sessionID, userID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	payload := gin.H{
		"sessionId":    sessionID,
		"messages":     messages,
		"messageCount": len(messages),
	}
	if session != nil {
		payload["createdAt"] = session.CreatedAt
		payload["updatedAt"] = session.UpdatedAt
	}
	c.JSON(http.StatusOK, payload)
}

func (h *Handler) clearHistory(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}
	if !h.guardSessionAccess(c, sessionID, userID, false) {
		return
	}
	if err := h.store.ClearMessages(c.Request.Context(), sessionID, userID); err != nil {
		writeStoreError(c, err)
		return
	}
	h.cache.InvalidateHistory(c.Request.Context(), sessionID)
	c.JSON(http.StatusOK, gin.H{
		"sessionId": sessionID,
		"message":   "history cleared",
	})
}

func (h *Handler) deleteSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}
	if !h.guardSessionAccess(c, sessionID, userID, false) {
		return
	}
	deleted, err := h.store.DeleteSession(c.Request.Context(), sessionID, userID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	h.cache.InvalidateHistory(c.Request.Context(), sessionID)
	c.JSON(http.StatusOK, gin.H{
		"sessionId": sessionID,
		"message":   "session deleted",
	})
}

func (h *Handler) listSessions(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessions, err := h.store.GetUserSessions(c.Request.Context(), userID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// loadHistory reads messages through the cache when available.
func (h *Handler) loadHistory(c *gin.Context, sessionID string, userID int64) []models.Message {
	ctx := c.Request.Context()
	if cached, ok := h.cache.GetHistory(ctx, sessionID, userID); ok {
		return cached
	}
	messages, err := h.store.GetMessages(ctx, sessionID, userID)
	if err != nil {
		log.WithError(err).Warn("load history failed")
		return nil
	}
	if len(messages) > 0 {
		h.cache.PutHistory(ctx, sessionID, messages)
	}
	return messages
}

func truncateTitle(message string) string {
	title := strings.TrimSpace(message)
	runes := []rune(title)
	if len(runes) > maxTitleLen {
		title = string(runes[:maxTitleLen])
	}
	return title
}
