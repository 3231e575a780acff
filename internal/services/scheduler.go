package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bytefold/llmgateway/internal/config"
	"github.com/bytefold/llmgateway/pkg/logger"
)

// Scheduler owns the background cron jobs: periodic health probes, cache
// sweeps, the midnight budget reset and usage retention cleanup. All
// schedules run in UTC so the daily boundaries match the stats' date keys.
type Scheduler struct {
	cron *cron.Cron
}

func StartScheduler(
	cfg *config.LLMConfig,
	llmSvc *LLMService,
	health *HealthMonitor,
	cache *ResponseCacheService,
	guard *CostGuard,
	usage *UsageService,
	configSvc *SystemConfigService,
) *Scheduler {
	c := cron.New(cron.WithLocation(time.UTC))
	s := &Scheduler{cron: c}

	// Runtime knobs from the system_configs table: operators edit the row,
	// the next pass applies it without a restart.
	applyOverrides := func() {
		cache.SetTTL(configSvc.GetIntWithDefault("cache_ttl_seconds", cfg.CacheTTLSeconds()))
		llmSvc.SetFallbackCeiling(configSvc.GetIntWithDefault("max_fallback_attempts", 0))
	}
	if _, err := c.AddFunc("@every 1m", applyOverrides); err != nil {
		logger.Errorf("[Scheduler] Failed to register config override job: %v", err)
	}
	applyOverrides()

	interval := cfg.Health.IntervalMinutes
	if interval <= 0 {
		interval = 5
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %dm", interval), func() {
		health.ProbeAll(context.Background())
	}); err != nil {
		logger.Errorf("[Scheduler] Failed to register health probe job: %v", err)
	}

	if _, err := c.AddFunc("@every 10m", func() {
		cache.Sweep()
	}); err != nil {
		logger.Errorf("[Scheduler] Failed to register cache sweep job: %v", err)
	}

	// Midnight UTC: budgets open again for the new day.
	if _, err := c.AddFunc("0 0 * * *", func() {
		guard.ResetDaily()
	}); err != nil {
		logger.Errorf("[Scheduler] Failed to register budget reset job: %v", err)
	}

	// Retention cleanup in the quiet hours.
	if _, err := c.AddFunc("0 3 * * *", func() {
		days := configSvc.GetIntWithDefault("usage_retention_days", 90)
		cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
		if _, err := usage.CleanupBefore(cutoff); err != nil {
			logger.Errorf("[Scheduler] Usage retention cleanup failed: %v", err)
		}
	}); err != nil {
		logger.Errorf("[Scheduler] Failed to register retention job: %v", err)
	}

	c.Start()
	logger.Infof("[Scheduler] Background jobs started (health probe every %dm)", interval)

	// First probe immediately so the status board fills without waiting a
	// full interval.
	go health.ProbeAll(context.Background())

	return s
}

// Stop halts the cron loop; running jobs finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
