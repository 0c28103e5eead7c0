package api

import (
	"github.com/gin-gonic/gin"

	"github.com/helmsman-ai/helmsman/internal/common/httpmw"
	"github.com/helmsman-ai/helmsman/internal/common/logger"
)

// NewRouter builds the gin engine with all routes and middleware attached.
func NewRouter(h *Handler, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "api"))
	router.Use(httpmw.OtelTracing("api"))
	router.Use(UserContext())

	apiV1 := router.Group("/api/v1")
	{
		apiV1.POST("/agents", h.CreateAgent)
		apiV1.GET("/agents", h.ListAgents)
		apiV1.GET("/agents/:id", h.GetAgent)
		apiV1.DELETE("/agents/:id", h.DestroyAgent)
		apiV1.POST("/agents/:id/messages", h.SendMessage)
		apiV1.GET("/agents/:id/stream", h.StreamEvents)
		apiV1.POST("/agents/:id/shell", h.Shell)
		apiV1.GET("/agents/:id/files", h.ListFiles)
		apiV1.GET("/agents/:id/file", h.ReadFile)
		apiV1.GET("/agents/:id/urls", h.AgentURLs)
		apiV1.GET("/conversations", h.ListConversations)
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return router
}
