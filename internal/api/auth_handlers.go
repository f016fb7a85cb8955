package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"apologize/internal/auth"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.store.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	token, err := h.tokens.Issue(user)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"user":      user,
		"token":     token,
		"expiresIn": h.tokens.TTL().Milliseconds(),
	})
}

func (h *Handler) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.store.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	token, err := h.tokens.Issue(user)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":      user,
		"token":     token,
		"expiresIn": h.tokens.TTL().Milliseconds(),
	})
}

type legacyVerifyRequest struct {
	InviteCode string `json:"inviteCode"`
	Password   string `json:"password"`
}

// verifyLegacy is the shared-secret gate for deployments without per-user
// accounts. It issues an anonymous token that only anonymous-tolerant
// endpoints accept.
func (h *Handler) verifyLegacy(c *gin.Context) {
	var req legacyVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !h.verifyLegacyCredentials(req.InviteCode, req.Password) {
		log.WithFields(log.Fields{"ip": c.ClientIP()}).Warn("legacy authentication failed")
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid invite code or password"})
		return
	}
	token, err := h.tokens.IssueLegacy()
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"token":     token,
		"expiresIn": h.tokens.TTL().Milliseconds(),
	})
}

func (h *Handler) verifyLegacyCredentials(inviteCode, password string) bool {
	for _, code := range h.inviteCodes {
		if inviteCode != "" && inviteCode == code {
			return true
		}
	}
	if password != "" && h.accessPassword != "" && password == h.accessPassword {
		return true
	}
	// No gate configured at all: open access, kept for development setups.
	if len(h.inviteCodes) == 0 && h.accessPassword == "" {
		log.Warn("no legacy authentication configured - allowing access")
		return true
	}
	return false
}

func (h *Handler) authStatus(c *gin.Context) {
	authEnabled := len(h.inviteCodes) > 0 || h.accessPassword != ""
	claims, ok := auth.ClaimsFromContext(c)
	c.JSON(http.StatusOK, gin.H{
		"authEnabled":     authEnabled,
		"isAuthenticated": ok && claims.Authenticated,
		"requiresAuth":    authEnabled,
	})
}

// refresh re-issues a token for the authenticated caller. Identity tokens
// are refreshed from live state so a disabled account cannot extend its
// own lifetime.
func (h *Handler) refresh(c *gin.Context) {
	claims, _ := auth.ClaimsFromContext(c)
	var (
		token string
		err   error
	)
	if claims.HasIdentity() {
		user, lookupErr := h.store.GetUserByID(c.Request.Context(), claims.UserID)
		if lookupErr != nil || !user.IsActive {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "account no longer active"})
			return
		}
		token, err = h.tokens.Issue(user)
	} else {
		token, err = h.tokens.IssueLegacy()
	}
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"token":     token,
		"expiresIn": h.tokens.TTL().Milliseconds(),
	})
}

// logout is advisory with stateless tokens: the client discards its copy.
func (h *Handler) logout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true})
}
