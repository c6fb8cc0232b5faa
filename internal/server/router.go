package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/reelsmith/reelsmith-backend/internal/handlers"
	"github.com/reelsmith/reelsmith-backend/internal/middleware"
)

type RouterConfig struct {
	AuthMiddleware  *middleware.AuthMiddleware
	ProjectHandler  *handlers.ProjectHandler
	AssetHandler    *handlers.AssetHandler
	GenerateHandler *handlers.GenerateHandler
	RunHandler      *handlers.RunHandler
	SSEHandler      *handlers.SSEHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
			"http://localhost:5174",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/")
	protected.Use(cfg.AuthMiddleware.RequireAuth())

	// SSE
	protected.GET("/sse/stream", cfg.SSEHandler.SSEStream)
	protected.POST("/sse/subscribe", cfg.SSEHandler.SSESubscribe)
	protected.POST("/sse/unsubscribe", cfg.SSEHandler.SSEUnsubscribe)

	api := protected.Group("/api")

	// Projects
	api.POST("/projects", cfg.ProjectHandler.Create)
	api.GET("/projects", cfg.ProjectHandler.List)
	api.GET("/projects/:id", cfg.ProjectHandler.Get)
	api.DELETE("/projects/:id", cfg.ProjectHandler.Delete)
	api.GET("/projects/:id/scenes", cfg.ProjectHandler.GetScenes)
	api.GET("/projects/:id/messages", cfg.ProjectHandler.GetMessages)

	// Assets
	api.POST("/projects/:id/assets", cfg.AssetHandler.Register)
	api.GET("/projects/:id/assets", cfg.AssetHandler.List)

	// Generation
	api.POST("/projects/:id/generate", cfg.GenerateHandler.Generate)
	api.GET("/runs/:id", cfg.RunHandler.Get)

	return router
}
