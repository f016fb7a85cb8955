package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (h *Handler) health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.DB().PingContext(c.Request.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
