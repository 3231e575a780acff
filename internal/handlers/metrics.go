package handlers

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bytefold/llmgateway/internal/models"
	"github.com/bytefold/llmgateway/internal/services"
)

var startTime = time.Now()

// Metrics returns Prometheus-compatible text format metrics.
func Metrics(c *gin.Context) {
	var b strings.Builder

	// -- Runtime metrics --
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeGauge(&b, "llmgateway_uptime_seconds", "Time since server start in seconds", float64(time.Since(startTime).Seconds()))
	writeGauge(&b, "llmgateway_goroutines", "Number of active goroutines", float64(runtime.NumGoroutine()))
	writeGauge(&b, "llmgateway_memory_alloc_bytes", "Current heap allocation in bytes", float64(m.Alloc))
	writeGauge(&b, "llmgateway_memory_sys_bytes", "Total memory obtained from OS in bytes", float64(m.Sys))
	writeGauge(&b, "llmgateway_gc_runs_total", "Total number of GC runs", float64(m.NumGC))

	// -- Database metrics --
	db := models.GetDB()
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			stats := sqlDB.Stats()
			writeGauge(&b, "llmgateway_db_open_connections", "Number of open DB connections", float64(stats.OpenConnections))
			writeGauge(&b, "llmgateway_db_in_use_connections", "Number of in-use DB connections", float64(stats.InUse))
			writeGauge(&b, "llmgateway_db_idle_connections", "Number of idle DB connections", float64(stats.Idle))
		}
	}

	// -- SSE metrics --
	sseHub := services.GetSSEHub()
	if sseHub != nil {
		writeGauge(&b, "llmgateway_sse_active_clients", "Number of active SSE connections", float64(sseHub.ClientCount()))
	}

	// -- Queue metrics --
	taskQueue := services.GetTaskQueue()
	queueAsync := 0.0
	if taskQueue != nil && taskQueue.IsAsync() {
		queueAsync = 1.0
	}
	writeGauge(&b, "llmgateway_queue_async_enabled", "Whether async queue (Redis) is enabled (1=yes, 0=no)", queueAsync)

	// -- Request metrics --
	if db != nil {
		var totalRequests, pendingRequests, processingRequests, completedRequests, failedRequests, cancelledRequests int64
		db.Model(&models.LLMRequest{}).Count(&totalRequests)
		db.Model(&models.LLMRequest{}).Where("status = ?", models.RequestPending).Count(&pendingRequests)
		db.Model(&models.LLMRequest{}).Where("status = ?", models.RequestProcessing).Count(&processingRequests)
		db.Model(&models.LLMRequest{}).Where("status = ?", models.RequestCompleted).Count(&completedRequests)
		db.Model(&models.LLMRequest{}).Where("status = ?", models.RequestFailed).Count(&failedRequests)
		db.Model(&models.LLMRequest{}).Where("status = ?", models.RequestCancelled).Count(&cancelledRequests)

		writeGauge(&b, "llmgateway_requests_total", "Total number of generation requests", float64(totalRequests))
		writeGauge(&b, "llmgateway_requests_pending", "Number of pending requests", float64(pendingRequests))
		writeGauge(&b, "llmgateway_requests_processing", "Number of in-flight requests", float64(processingRequests))
		writeGauge(&b, "llmgateway_requests_completed", "Number of completed requests", float64(completedRequests))
		writeGauge(&b, "llmgateway_requests_failed", "Number of failed requests", float64(failedRequests))
		writeGauge(&b, "llmgateway_requests_cancelled", "Number of cancelled requests", float64(cancelledRequests))

		var conversationCount, userCount int64
		db.Model(&models.Conversation{}).Where("status = ?", models.ConversationActive).Count(&conversationCount)
		db.Model(&models.User{}).Where("deleted_at IS NULL AND is_active = ?", true).Count(&userCount)

		writeGauge(&b, "llmgateway_conversations_active", "Number of active conversations", float64(conversationCount))
		writeGauge(&b, "llmgateway_users_active", "Number of active users", float64(userCount))

		// Upstream calls (last 24h)
		since24h := time.Now().Add(-24 * time.Hour)
		var calls24h int64
		db.Model(&models.LLMRequest{}).Where("created_at >= ?", since24h).Count(&calls24h)
		writeGauge(&b, "llmgateway_requests_24h", "Generation requests in the last 24 hours", float64(calls24h))
	}

	c.Data(200, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
}

func writeGauge(b *strings.Builder, name, help string, value float64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(b, "%s %g\n\n", name, value)
}
