package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/bytefold/llmgateway/internal/llm"
	"github.com/bytefold/llmgateway/internal/services"
	"github.com/bytefold/llmgateway/pkg/logger"
	"github.com/bytefold/llmgateway/pkg/response"
)

// ProviderAdminHandler exposes runtime provider administration: enablement,
// default selection, rate limits and the health/budget status board.
type ProviderAdminHandler struct {
	registry *llm.Registry
	health   *services.HealthMonitor
	guard    *services.CostGuard
	limiter  *services.ProviderRateLimiter
}

func NewProviderAdminHandler(registry *llm.Registry, health *services.HealthMonitor, guard *services.CostGuard, limiter *services.ProviderRateLimiter) *ProviderAdminHandler {
	return &ProviderAdminHandler{
		registry: registry,
		health:   health,
		guard:    guard,
		limiter:  limiter,
	}
}

// providerStatusView is one row of the status board.
type providerStatusView struct {
	Provider   string  `json:"provider"`
	Enabled    bool    `json:"enabled"`
	Default    bool    `json:"default"`
	State      string  `json:"state"`
	Exhausted  bool    `json:"budget_exhausted"`
	DailySpend float64 `json:"daily_spend"`
}

// Status returns the full provider status board
// GET /api/providers
func (h *ProviderAdminHandler) Status(c *gin.Context) {
	def := h.registry.Default()
	var out []providerStatusView
	for _, name := range h.registry.Names() {
		out = append(out, providerStatusView{
			Provider:   string(name),
			Enabled:    h.registry.Enabled(name),
			Default:    name == def,
			State:      h.health.State(name),
			Exhausted:  h.guard.Exhausted(name),
			DailySpend: h.guard.DailySpend(name),
		})
	}
	response.Success(c, out)
}

// Health returns the health monitor's detailed snapshot
// GET /api/providers/health
func (h *ProviderAdminHandler) Health(c *gin.Context) {
	response.Success(c, h.health.Snapshot())
}

// Enable turns a provider on
// POST /api/providers/:provider/enable
func (h *ProviderAdminHandler) Enable(c *gin.Context) {
	h.setEnabled(c, true)
}

// Disable turns a provider off
// POST /api/providers/:provider/disable
func (h *ProviderAdminHandler) Disable(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *ProviderAdminHandler) setEnabled(c *gin.Context, enabled bool) {
	name, err := llm.ParseProvider(c.Param("provider"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.registry.SetEnabled(name, enabled); err != nil {
		response.NotFound(c, err.Error())
		return
	}

	logger.Infof("[Admin] Provider %s enabled=%v by %s", name, enabled, c.GetString("username"))
	response.Success(c, gin.H{"provider": string(name), "enabled": enabled})
}

// SetDefault changes the process-wide default provider
// PUT /api/providers/default
func (h *ProviderAdminHandler) SetDefault(c *gin.Context) {
	var req struct {
		Provider string `json:"provider" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	name, err := llm.ParseProvider(req.Provider)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.registry.SetDefault(name); err != nil {
		response.NotFound(c, err.Error())
		return
	}

	logger.Infof("[Admin] Default provider set to %s by %s", name, c.GetString("username"))
	response.Success(c, gin.H{"default_provider": string(name)})
}

// SetRateLimit replaces a provider's requests-per-minute bucket
// PUT /api/providers/:provider/rate-limit
func (h *ProviderAdminHandler) SetRateLimit(c *gin.Context) {
	name, err := llm.ParseProvider(c.Param("provider"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	var req struct {
		RequestsPerMinute int `json:"requests_per_minute" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	h.limiter.SetLimit(name, req.RequestsPerMinute)
	response.Success(c, gin.H{"provider": string(name), "requests_per_minute": req.RequestsPerMinute})
}
