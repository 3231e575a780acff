package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/bytefold/llmgateway/internal/config"
	"github.com/bytefold/llmgateway/internal/handlers"
	"github.com/bytefold/llmgateway/internal/llm"
	"github.com/bytefold/llmgateway/internal/models"
	"github.com/bytefold/llmgateway/internal/services"
	"github.com/bytefold/llmgateway/internal/utils"
	"github.com/bytefold/llmgateway/pkg/logger"
)

// appServices bundles everything the router needs.
type appServices struct {
	cfg          *config.Config
	registry     *llm.Registry
	llmService   *services.LLMService
	conversation *services.ConversationService
	usage        *services.UsageService
	cache        *services.ResponseCacheService
	guard        *services.CostGuard
	limiter      *services.ProviderRateLimiter
	health       *services.HealthMonitor
	authHandler  *handlers.AuthHandler
}

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	logger.Init(os.Getenv("LOG_LEVEL"))
	utils.SetJWTSecret(cfg.JWT.Secret)

	// Initialize database
	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	if err := models.SeedDefaultData(&cfg.LLM); err != nil {
		logger.Warnf("Failed to seed default data: %v", err)
	}

	db := models.GetDB()

	// Build the provider registry and the admission guards.
	registry, err := llm.NewRegistry(&cfg.LLM)
	if err != nil {
		logger.Fatalf("Failed to build provider registry: %v", err)
	}

	cache := services.NewResponseCacheService(&cfg.LLM.Cache)
	limiter := services.NewProviderRateLimiter(&cfg.LLM)
	guard := services.NewCostGuard(db, &cfg.LLM)
	guard.RestoreFromStatus()

	usage := services.NewUsageService(db)
	conversation := services.NewConversationService(db)
	health := services.NewHealthMonitor(db, registry, &cfg.LLM.Health)

	// Resolution excludes down providers and exhausted budgets.
	registry.SetAvailability(func(name llm.ProviderName) bool {
		return health.Available(name) && !guard.Exhausted(name)
	})

	// Usage recording runs off the hot path: asynq when Redis is up, an
	// inline goroutine otherwise.
	queue := services.InitTaskQueue(cfg)
	if syncQueue, ok := queue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(func(_ context.Context, task *services.UsageTask) error {
			return usage.Record(task.Sample())
		})
	}

	worker := services.InitWorker(&cfg.Redis)
	if worker != nil {
		worker.SetProcessor(func(_ context.Context, task *services.UsageTask) error {
			return usage.Record(task.Sample())
		})
		if err := worker.Start(); err != nil {
			logger.Warnf("Failed to start async worker: %v", err)
		}
	}

	llmService := services.NewLLMService(db, &cfg.LLM, registry, cache, limiter, guard, health, usage, conversation, queue)

	scheduler := services.StartScheduler(&cfg.LLM, llmService, health, cache, guard, usage, services.NewSystemConfigService(db))

	// Create default admin user
	authHandler := handlers.NewAuthHandler(db, cfg)
	if err := authHandler.CreateAdminIfNotExists(); err != nil {
		logger.Warnf("Failed to create admin user: %v", err)
	}

	svc := &appServices{
		cfg:          cfg,
		registry:     registry,
		llmService:   llmService,
		conversation: conversation,
		usage:        usage,
		cache:        cache,
		guard:        guard,
		limiter:      limiter,
		health:       health,
		authHandler:  authHandler,
	}

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	registerRoutes(r, svc)

	// Graceful shutdown for the background machinery.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Infof("Shutting down...")
		scheduler.Stop()
		if worker != nil {
			worker.Stop()
		}
		if err := queue.Close(); err != nil {
			logger.Warnf("Task queue close failed: %v", err)
		}
		os.Exit(0)
	}()

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	logger.Infof("Server starting on %s", addr)
	if err := r.Run(addr); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
