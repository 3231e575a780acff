package main

import (
	"github.com/gin-gonic/gin"

	"github.com/bytefold/llmgateway/internal/handlers"
	"github.com/bytefold/llmgateway/internal/middleware"
	"github.com/bytefold/llmgateway/internal/models"
	"github.com/bytefold/llmgateway/internal/services"
	"github.com/bytefold/llmgateway/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	// Middleware
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS())

	// Per-IP limiter for the public surface.
	apiLimiter := middleware.NewRateLimiter(20, 40)

	// Health check
	healthHandler := handlers.NewHealthHandler(models.GetDB())
	r.GET("/health", healthHandler.Check)
	r.GET("/metrics", handlers.Metrics)

	llmHandler := handlers.NewLLMHandler(svc.llmService)
	conversationHandler := handlers.NewConversationHandler(svc.conversation)
	analyticsHandler := handlers.NewAnalyticsHandler(svc.usage, svc.guard, svc.cache)
	providerHandler := handlers.NewProviderAdminHandler(svc.registry, svc.health, svc.guard, svc.limiter)

	// API routes
	api := r.Group("/api")
	{
		// Auth routes (public, rate limited)
		auth := api.Group("/auth", apiLimiter.Middleware())
		{
			auth.POST("/login", svc.authHandler.Login)
		}

		// SSE Events (public route with internal token validation)
		sseHandler := handlers.NewSSEHandler(services.GetSSEHub())
		api.GET("/events", sseHandler.StreamRequestEvents)

		// Protected routes
		protected := api.Group("")
		protected.Use(middleware.AuthRequired())
		{
			// Auth
			protected.GET("/auth/me", svc.authHandler.GetCurrentUser)
			protected.POST("/auth/logout", svc.authHandler.Logout)
			protected.POST("/auth/change-password", svc.authHandler.ChangePassword)

			// Generation pipeline
			protected.POST("/llm/generate", llmHandler.Generate)
			protected.POST("/llm/generate/stream", llmHandler.Stream)
			protected.POST("/llm/chat", llmHandler.Chat)
			protected.POST("/llm/compare", llmHandler.Compare)
			protected.GET("/llm/models", llmHandler.ListModels)
			protected.GET("/llm/requests", llmHandler.ListRequests)
			protected.GET("/llm/requests/:request_id", llmHandler.GetRequest)
			protected.POST("/llm/requests/:request_id/cancel", llmHandler.Cancel)

			// Conversations
			protected.POST("/conversations", conversationHandler.Create)
			protected.GET("/conversations", conversationHandler.List)
			protected.GET("/conversations/:session_id", conversationHandler.Get)
			protected.POST("/conversations/:session_id/archive", conversationHandler.Archive)
			protected.PUT("/conversations/:session_id/title", conversationHandler.Rename)

			// Analytics (all users)
			protected.GET("/analytics/summary", analyticsHandler.Summary)
			protected.GET("/analytics/trend", analyticsHandler.DailyTrend)
			protected.GET("/analytics/providers", analyticsHandler.ProviderBreakdown)
			protected.GET("/analytics/cache", analyticsHandler.CacheStats)

			// Provider status board (read for all users)
			protected.GET("/providers", providerHandler.Status)
			protected.GET("/providers/health", providerHandler.Health)
		}

		// Admin only routes
		admin := api.Group("")
		admin.Use(middleware.AuthRequired(), middleware.AdminRequired())
		{
			// Provider administration
			admin.POST("/providers/:provider/enable", providerHandler.Enable)
			admin.POST("/providers/:provider/disable", providerHandler.Disable)
			admin.PUT("/providers/:provider/rate-limit", providerHandler.SetRateLimit)
			admin.PUT("/providers/default", providerHandler.SetDefault)

			// System Config
			systemConfigHandler := handlers.NewSystemConfigHandler(models.GetDB())
			admin.GET("/system/configs", systemConfigHandler.List)
			admin.PUT("/system/configs/:key", systemConfigHandler.Update)
		}
	}
}
