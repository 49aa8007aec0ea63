// Package api exposes a small status/health HTTP surface alongside the
// OneBot transport, for operators and liveness probes.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qqacp/bridge/internal/common/logger"
)

// ChatLister is the subset of *agent.Manager the status API needs.
type ChatLister interface {
	ChatIDs() []string
}

// NewRouter builds the gin engine serving GET /health and GET /chats.
func NewRouter(chats ChatLister, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/chats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"chats": chats.ChatIDs()})
	})

	return r
}
