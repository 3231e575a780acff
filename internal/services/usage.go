package services

import (
	"fmt"
	"time"

	"github.com/bytefold/llmgateway/internal/models"
	"github.com/bytefold/llmgateway/pkg/logger"
	"gorm.io/gorm"
)

// UsageSample is one finished request's contribution to the aggregates.
type UsageSample struct {
	Provider         string
	Model            string
	UserID           *uint
	Success          bool
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	LatencyMs        int64
	CacheHit         bool
	Timestamp        time.Time
}

// UsageService maintains the time-bucketed usage aggregates. Every sample is
// folded into two rows: the hourly bucket and the daily bucket (hour null).
// Increments run inside a transaction with SQL expressions so concurrent
// recorders never lose counts.
type UsageService struct {
	db *gorm.DB
}

func NewUsageService(db *gorm.DB) *UsageService {
	return &UsageService{db: db}
}

// Record folds one sample into the hourly and daily buckets.
func (s *UsageService) Record(sample *UsageSample) error {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()

	date := ts.Format("2006-01-02")
	hour := ts.Hour()

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.fold(tx, sample, date, &hour); err != nil {
			return err
		}
		return s.fold(tx, sample, date, nil)
	})
}

// fold locates the bucket row (creating it on first touch) and applies the
// sample's deltas as SQL expressions.
func (s *UsageService) fold(tx *gorm.DB, sample *UsageSample, date string, hour *int) error {
	q := tx.Where("date = ? AND provider = ? AND model = ?", date, sample.Provider, sample.Model)
	if hour == nil {
		q = q.Where("hour IS NULL")
	} else {
		q = q.Where("hour = ?", *hour)
	}
	if sample.UserID == nil {
		q = q.Where("user_id IS NULL")
	} else {
		q = q.Where("user_id = ?", *sample.UserID)
	}

	var stat models.UsageStat
	err := q.First(&stat).Error
	if err == gorm.ErrRecordNotFound {
		stat = models.UsageStat{
			Date:     date,
			Hour:     hour,
			Provider: sample.Provider,
			Model:    sample.Model,
			UserID:   sample.UserID,
		}
		if cerr := tx.Create(&stat).Error; cerr != nil {
			// Lost a first-touch race on the unique bucket index; the
			// winner's row exists now, fold into it.
			if ferr := q.First(&stat).Error; ferr != nil {
				return fmt.Errorf("create usage bucket: %w", cerr)
			}
		}
	} else if err != nil {
		return fmt.Errorf("load usage bucket: %w", err)
	}

	updates := map[string]interface{}{
		"request_count":     gorm.Expr("request_count + 1"),
		"prompt_tokens":     gorm.Expr("prompt_tokens + ?", sample.PromptTokens),
		"completion_tokens": gorm.Expr("completion_tokens + ?", sample.CompletionTokens),
		"total_tokens":      gorm.Expr("total_tokens + ?", sample.TotalTokens),
		"total_cost":        gorm.Expr("total_cost + ?", sample.Cost),
		"total_latency_ms":  gorm.Expr("total_latency_ms + ?", sample.LatencyMs),
	}
	if sample.Success {
		updates["success_count"] = gorm.Expr("success_count + 1")
	} else {
		updates["failure_count"] = gorm.Expr("failure_count + 1")
	}
	if sample.CacheHit {
		updates["cache_hits"] = gorm.Expr("cache_hits + 1")
	} else {
		updates["cache_misses"] = gorm.Expr("cache_misses + 1")
	}
	if sample.LatencyMs > 0 {
		updates["latency_samples"] = gorm.Expr("latency_samples + 1")
		updates["max_latency_ms"] = gorm.Expr("CASE WHEN max_latency_ms < ? THEN ? ELSE max_latency_ms END", sample.LatencyMs, sample.LatencyMs)
		updates["min_latency_ms"] = gorm.Expr("CASE WHEN min_latency_ms = 0 OR min_latency_ms > ? THEN ? ELSE min_latency_ms END", sample.LatencyMs, sample.LatencyMs)
	}

	if err := tx.Model(&models.UsageStat{}).Where("id = ?", stat.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("fold usage sample: %w", err)
	}
	return nil
}

// UsageSummary is the rolled-up view over a date range.
type UsageSummary struct {
	RequestCount     int64   `json:"request_count"`
	SuccessCount     int64   `json:"success_count"`
	FailureCount     int64   `json:"failure_count"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost"`
	CacheHits        int64   `json:"cache_hits"`
	CacheMisses      int64   `json:"cache_misses"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
}

// Summary aggregates the daily buckets between from and to inclusive
// (YYYY-MM-DD). An empty provider matches all providers.
func (s *UsageService) Summary(from, to, provider string) (*UsageSummary, error) {
	type row struct {
		RequestCount     int64
		SuccessCount     int64
		FailureCount     int64
		PromptTokens     int64
		CompletionTokens int64
		TotalTokens      int64
		TotalCost        float64
		CacheHits        int64
		CacheMisses      int64
		TotalLatencyMs   int64
		LatencySamples   int64
	}

	q := s.db.Model(&models.UsageStat{}).
		Where("date >= ? AND date <= ? AND hour IS NULL", from, to)
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}

	var r row
	err := q.Select(`COALESCE(SUM(request_count),0) as request_count,
		COALESCE(SUM(success_count),0) as success_count,
		COALESCE(SUM(failure_count),0) as failure_count,
		COALESCE(SUM(prompt_tokens),0) as prompt_tokens,
		COALESCE(SUM(completion_tokens),0) as completion_tokens,
		COALESCE(SUM(total_tokens),0) as total_tokens,
		COALESCE(SUM(total_cost),0) as total_cost,
		COALESCE(SUM(cache_hits),0) as cache_hits,
		COALESCE(SUM(cache_misses),0) as cache_misses,
		COALESCE(SUM(total_latency_ms),0) as total_latency_ms,
		COALESCE(SUM(latency_samples),0) as latency_samples`).
		Scan(&r).Error
	if err != nil {
		return nil, err
	}

	summary := &UsageSummary{
		RequestCount:     r.RequestCount,
		SuccessCount:     r.SuccessCount,
		FailureCount:     r.FailureCount,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		TotalTokens:      r.TotalTokens,
		TotalCost:        r.TotalCost,
		CacheHits:        r.CacheHits,
		CacheMisses:      r.CacheMisses,
	}
	// Average over samples that carried a latency; failures and cache hits
	// report zero and would deflate the mean.
	if r.LatencySamples > 0 {
		summary.AvgLatencyMs = float64(r.TotalLatencyMs) / float64(r.LatencySamples)
	}
	if n := r.CacheHits + r.CacheMisses; n > 0 {
		summary.CacheHitRate = float64(r.CacheHits) / float64(n)
	}
	return summary, nil
}

// DailyTrendPoint is one day's totals for the trend chart.
type DailyTrendPoint struct {
	Date         string  `json:"date"`
	RequestCount int64   `json:"request_count"`
	SuccessCount int64   `json:"success_count"`
	FailureCount int64   `json:"failure_count"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

// DailyTrend returns per-day totals for the last n days, oldest first.
func (s *UsageService) DailyTrend(days int) ([]DailyTrendPoint, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -(days - 1)).Format("2006-01-02")

	var points []DailyTrendPoint
	err := s.db.Model(&models.UsageStat{}).
		Where("date >= ? AND hour IS NULL", since).
		Select(`date,
			COALESCE(SUM(request_count),0) as request_count,
			COALESCE(SUM(success_count),0) as success_count,
			COALESCE(SUM(failure_count),0) as failure_count,
			COALESCE(SUM(total_tokens),0) as total_tokens,
			COALESCE(SUM(total_cost),0) as total_cost`).
		Group("date").
		Order("date ASC").
		Scan(&points).Error
	if err != nil {
		return nil, err
	}
	return points, nil
}

// ProviderUsage is one provider's share of a date range.
type ProviderUsage struct {
	Provider     string  `json:"provider"`
	RequestCount int64   `json:"request_count"`
	SuccessCount int64   `json:"success_count"`
	FailureCount int64   `json:"failure_count"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

// ProviderBreakdown groups the range's daily buckets by provider.
func (s *UsageService) ProviderBreakdown(from, to string) ([]ProviderUsage, error) {
	var rows []ProviderUsage
	err := s.db.Model(&models.UsageStat{}).
		Where("date >= ? AND date <= ? AND hour IS NULL", from, to).
		Select(`provider,
			COALESCE(SUM(request_count),0) as request_count,
			COALESCE(SUM(success_count),0) as success_count,
			COALESCE(SUM(failure_count),0) as failure_count,
			COALESCE(SUM(total_tokens),0) as total_tokens,
			COALESCE(SUM(total_cost),0) as total_cost`).
		Group("provider").
		Order("total_cost DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CleanupBefore deletes aggregate rows older than the retention cutoff.
// Request and response rows are kept; only the buckets are pruned.
func (s *UsageService) CleanupBefore(cutoff string) (int64, error) {
	res := s.db.Where("date < ?", cutoff).Delete(&models.UsageStat{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		logger.Infof("[Usage] Retention cleanup removed %d buckets older than %s", res.RowsAffected, cutoff)
	}
	return res.RowsAffected, nil
}
