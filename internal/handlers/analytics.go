package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bytefold/llmgateway/internal/services"
	"github.com/bytefold/llmgateway/pkg/response"
)

// AnalyticsHandler serves the usage aggregates.
type AnalyticsHandler struct {
	usage *services.UsageService
	guard *services.CostGuard
	cache *services.ResponseCacheService
}

func NewAnalyticsHandler(usage *services.UsageService, guard *services.CostGuard, cache *services.ResponseCacheService) *AnalyticsHandler {
	return &AnalyticsHandler{usage: usage, guard: guard, cache: cache}
}

// dateRange resolves from/to query params, defaulting to the last 7 days.
func dateRange(c *gin.Context) (string, string) {
	now := time.Now().UTC()
	from := c.DefaultQuery("from", now.AddDate(0, 0, -6).Format("2006-01-02"))
	to := c.DefaultQuery("to", now.Format("2006-01-02"))
	return from, to
}

// Summary returns the rolled-up totals for a date range
// GET /api/analytics/summary
func (h *AnalyticsHandler) Summary(c *gin.Context) {
	from, to := dateRange(c)
	provider := c.Query("provider")

	summary, err := h.usage.Summary(from, to, provider)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, summary)
}

// DailyTrend returns per-day totals for the trend chart
// GET /api/analytics/trend
func (h *AnalyticsHandler) DailyTrend(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))

	points, err := h.usage.DailyTrend(days)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, points)
}

// ProviderBreakdown groups a date range by provider
// GET /api/analytics/providers
func (h *AnalyticsHandler) ProviderBreakdown(c *gin.Context) {
	from, to := dateRange(c)

	rows, err := h.usage.ProviderBreakdown(from, to)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, rows)
}

// CacheStats returns the live cache state
// GET /api/analytics/cache
func (h *AnalyticsHandler) CacheStats(c *gin.Context) {
	response.Success(c, gin.H{
		"entries": h.cache.Len(),
	})
}
