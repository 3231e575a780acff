package handlers

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/bytefold/llmgateway/internal/services"
	"github.com/bytefold/llmgateway/pkg/response"
)

// SystemConfigHandler exposes the runtime-tunable configuration rows.
type SystemConfigHandler struct {
	svc *services.SystemConfigService
}

func NewSystemConfigHandler(db *gorm.DB) *SystemConfigHandler {
	return &SystemConfigHandler{svc: services.NewSystemConfigService(db)}
}

// List returns config rows, optionally filtered by group
// GET /api/system/configs
func (h *SystemConfigHandler) List(c *gin.Context) {
	group := c.DefaultQuery("group", "")
	configs, err := h.svc.GetByGroup(group)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, configs)
}

type updateConfigRequest struct {
	Value string `json:"value" binding:"required"`
}

// Update sets one config value
// PUT /api/system/configs/:key
func (h *SystemConfigHandler) Update(c *gin.Context) {
	key := c.Param("key")

	var req updateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.svc.Set(key, req.Value); err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{"key": key, "value": req.Value})
}
