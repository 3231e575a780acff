package models

import "time"

// Provider health states.
const (
	ProviderHealthy  = "healthy"
	ProviderDegraded = "degraded"
	ProviderDown     = "down"
	ProviderUnknown  = "unknown"
)

// ProviderStatus is the singleton durable row per provider. It mirrors the
// health monitor's in-memory state and the cost guard's daily spend so the
// picture survives restarts and is queryable from the analytics API.
type ProviderStatus struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	Provider            string     `gorm:"uniqueIndex;size:50;not null" json:"provider"`
	Enabled             bool       `gorm:"default:true" json:"enabled"`
	State               string     `gorm:"size:20;default:unknown" json:"state"`
	ConsecutiveFailures int        `gorm:"default:0" json:"consecutive_failures"`
	SuccessRate         float64    `gorm:"default:0" json:"success_rate"`
	AvgLatencyMs        float64    `gorm:"default:0" json:"avg_latency_ms"`
	DailySpend          float64    `gorm:"default:0" json:"daily_spend"`
	DailyBudget         float64    `gorm:"default:0" json:"daily_budget"`
	Maintenance         bool       `gorm:"default:false" json:"maintenance"`
	LastCheckedAt       *time.Time `json:"last_checked_at"`
	LastError           string     `gorm:"size:500" json:"last_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (ProviderStatus) TableName() string { return "provider_statuses" }
