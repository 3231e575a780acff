package handlers

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/bytefold/llmgateway/internal/services"
	"github.com/bytefold/llmgateway/pkg/response"
)

// HealthHandler serves the service liveness endpoint.
type HealthHandler struct {
	db *gorm.DB
}

func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// Check reports process and database liveness
// GET /api/health
func (h *HealthHandler) Check(c *gin.Context) {
	dbOK := true
	if sqlDB, err := h.db.DB(); err != nil || sqlDB.Ping() != nil {
		dbOK = false
	}

	queue := services.GetTaskQueue()
	async := queue != nil && queue.IsAsync()

	status := "ok"
	if !dbOK {
		status = "degraded"
	}

	response.Success(c, gin.H{
		"status":      status,
		"database":    dbOK,
		"async_queue": async,
	})
}
