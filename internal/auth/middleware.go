package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"apologize/internal/models"
	"apologize/internal/store"
)

const claimsContextKey = "auth_claims"

// Require rejects requests without a valid bearer token. Verified claims
// are trusted as-is for the request's lifetime; freshness of role and
// active status is RequireAdmin's concern.
func (s *Service) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := s.verifyRequest(c)
		if err != nil {
			log.WithFields(log.Fields{"path": c.Request.URL.Path, "ip": c.ClientIP()}).
				Warn("authentication failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// Optional verifies a token when present but never blocks: requests
// proceed anonymously on missing or invalid tokens.
func (s *Service) Optional() gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims, err := s.verifyRequest(c); err == nil {
			c.Set(claimsContextKey, claims)
		}
		c.Next()
	}
}

// RequireUser is Require plus a resolved identity: legacy anonymous
// tokens are authenticated but carry no user, so they stop here.
func (s *Service) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := s.verifyRequest(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		if !claims.HasIdentity() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user account required"})
			return
		}
		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// RequireAdmin layers the role check over authentication. Unlike the
// gates above it re-reads the live user record: a token's role snapshot
// may have drifted, and privileged calls must see current state.
func (s *Service) RequireAdmin(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFromContext(c)
		if !ok {
			claims2, err := s.verifyRequest(c)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
				return
			}
			claims = claims2
			c.Set(claimsContextKey, claims)
		}
		if !claims.HasIdentity() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user account required"})
			return
		}
		user, err := st.GetUserByID(c.Request.Context(), claims.UserID)
		if err != nil || !user.IsActive || !user.IsAdmin() {
			log.WithFields(log.Fields{"user_id": claims.UserID, "path": c.Request.URL.Path}).
				Warn("admin access denied")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			return
		}
		c.Next()
	}
}

func (s *Service) verifyRequest(c *gin.Context) (*Claims, error) {
	header := c.GetHeader("Authorization")
	token := ""
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		token = strings.TrimSpace(header[7:])
	}
	return s.Verify(token)
}

// ClaimsFromContext retrieves the verified claims attached by a gate.
func ClaimsFromContext(c *gin.Context) (*Claims, bool) {
	val, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := val.(*Claims)
	return claims, ok
}

// UserIDFromContext returns the authenticated user id, when an identity
// was resolved.
func UserIDFromContext(c *gin.Context) (int64, bool) {
	claims, ok := ClaimsFromContext(c)
	if !ok || !claims.HasIdentity() {
		return 0, false
	}
	return claims.UserID, true
}

// IsAdminClaims reports whether the attached snapshot claims carry the
// admin role. Privileged paths must still re-check live state.
func IsAdminClaims(c *gin.Context) bool {
	claims, ok := ClaimsFromContext(c)
	return ok && claims.Role == models.UserRoleAdmin
}
