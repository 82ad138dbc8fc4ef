package api

import (
	"audex/config"
	"audex/store"
	"audex/task"

	"github.com/gin-gonic/gin"
)

func SetupRouter(s *task.Scheduler, st *store.Store, eng EngineStatus, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(s, st, eng, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.DELETE("/tasks", h.handleClearTasks)
		v1.POST("/tasks/start-all", h.handleStartAll)

		v1.GET("/tasks/:taskId", h.handleGetTask)
		v1.DELETE("/tasks/:taskId", h.handleRemoveTask)
		v1.POST("/tasks/:taskId/start", h.handleStartTask)
		v1.POST("/tasks/:taskId/probe", h.handleProbeTask)
		v1.GET("/tasks/:taskId/download", h.handleDownload)

		v1.GET("/engine", h.handleEngineStatus)
		v1.PUT("/settings/concurrency", h.handleSetConcurrency)
	}
	return r
}
