package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"apologize/internal/auth"
	"apologize/internal/cache"
	"apologize/internal/config"
	"apologize/internal/llm"
	"apologize/internal/store"
)

// ApologyGenerator is the outbound LLM boundary. Tests substitute a stub.
type ApologyGenerator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Handler wires HTTP routes to the store, token service and LLM adapter.
type Handler struct {
	store  *store.Store
	tokens *auth.Service
	llm    ApologyGenerator
	cache  *cache.Client

	inviteCodes    []string
	accessPassword string
	historyWindow  int
}

// NewHandler constructs a Handler instance. cacheClient may be nil.
func NewHandler(st *store.Store, tokens *auth.Service, generator ApologyGenerator, cacheClient *cache.Client, cfg *config.Config) *Handler {
	return &Handler{
		store:          st,
		tokens:         tokens,
		llm:            generator,
		cache:          cacheClient,
		inviteCodes:    cfg.BasicConfig.InviteCodes,
		accessPassword: cfg.BasicConfig.AccessPassword,
		historyWindow:  cfg.HistoryWindow(),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")

	api.GET("/health", h.health)

	authRoutes := api.Group("/auth")
	authRoutes.POST("/register", h.register)
	authRoutes.POST("/login", h.login)
	authRoutes.POST("/verify", h.verifyLegacy)
	authRoutes.GET("/status", h.tokens.Optional(), h.authStatus)
	authRoutes.POST("/refresh", h.tokens.Require(), h.refresh)
	authRoutes.POST("/logout", h.tokens.Require(), h.logout)

	chat := api.Group("/chat")
	chat.Use(h.tokens.RequireUser())
	chat.POST("/message", h.sendMessage)
	chat.GET("/history", h.getHistory)
	chat.DELETE("/history", h.clearHistory)
	chat.DELETE("/session", h.deleteSession)
	chat.GET("/sessions", h.listSessions)

	admin := api.Group("/admin")
	admin.Use(h.tokens.RequireAdmin(h.store))
	admin.GET("/users", h.adminListUsers)
	admin.GET("/users/:id", h.adminGetUser)
	admin.PATCH("/users/:id/status", h.adminSetUserStatus)
	admin.GET("/sessions", h.adminListSessions)
	admin.GET("/sessions/:id", h.adminGetSession)
	admin.GET("/stats", h.adminStats)
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// writeStoreError maps the store taxonomy to HTTP classes. Unexpected
// errors are logged and surfaced as opaque 500s.
func writeStoreError(c *gin.Context, err error) {
	switch {
	case store.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrUsernameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrAccountDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrOwnershipConflict):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrUserNotFound), errors.Is(err, store.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		log.WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
