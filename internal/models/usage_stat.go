package models

import "time"

// UsageStat is a time-bucketed aggregate. The composite unique index makes
// writes upsert-on-conflict: at most one row per
// (date, hour, provider, model, user) tuple. Hour is null for daily rows.
type UsageStat struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Date             string    `gorm:"uniqueIndex:idx_usage_bucket;size:10;not null" json:"date"` // YYYY-MM-DD
	Hour             *int      `gorm:"uniqueIndex:idx_usage_bucket" json:"hour"`
	Provider         string    `gorm:"uniqueIndex:idx_usage_bucket;size:50;not null" json:"provider"`
	Model            string    `gorm:"uniqueIndex:idx_usage_bucket;size:100;not null" json:"model"`
	UserID           *uint     `gorm:"uniqueIndex:idx_usage_bucket" json:"user_id"`
	RequestCount     int64     `gorm:"default:0" json:"request_count"`
	SuccessCount     int64     `gorm:"default:0" json:"success_count"`
	FailureCount     int64     `gorm:"default:0" json:"failure_count"`
	PromptTokens     int64     `gorm:"default:0" json:"prompt_tokens"`
	CompletionTokens int64     `gorm:"default:0" json:"completion_tokens"`
	TotalTokens      int64     `gorm:"default:0" json:"total_tokens"`
	TotalCost        float64   `gorm:"default:0" json:"total_cost"`
	CacheHits        int64     `gorm:"default:0" json:"cache_hits"`
	CacheMisses      int64     `gorm:"default:0" json:"cache_misses"`
	MinLatencyMs     int64     `gorm:"default:0" json:"min_latency_ms"`
	MaxLatencyMs     int64     `gorm:"default:0" json:"max_latency_ms"`
	TotalLatencyMs   int64     `gorm:"default:0" json:"total_latency_ms"`
	LatencySamples   int64     `gorm:"default:0" json:"latency_samples"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (UsageStat) TableName() string { return "usage_stats" }

// AvgLatencyMs derives the mean from the running sum so concurrent upserts
// stay associative. Only samples that carried a latency count; failures and
// cache hits contribute zero and would skew the mean.
func (u *UsageStat) AvgLatencyMs() float64 {
	if u.LatencySamples == 0 {
		return 0
	}
	return float64(u.TotalLatencyMs) / float64(u.LatencySamples)
}
