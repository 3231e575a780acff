package models

import "time"

// Request lifecycle states.
const (
	RequestPending    = "pending"
	RequestProcessing = "processing"
	RequestCompleted  = "completed"
	RequestFailed     = "failed"
	RequestCancelled  = "cancelled"
)

// LLMRequest is the immutable record of one generation call. Rows are never
// deleted; they feed analytics and audit.
type LLMRequest struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	RequestID    string     `gorm:"uniqueIndex;size:64;not null" json:"request_id"`
	SessionID    *string    `gorm:"index;size:64" json:"session_id"`
	UserID       *uint      `gorm:"index" json:"user_id"`
	Provider     string     `gorm:"size:50;index" json:"provider"`
	Model        string     `gorm:"size:100" json:"model"`
	Prompt       string     `gorm:"type:text" json:"prompt"`
	SystemPrompt string     `gorm:"type:text" json:"system_prompt"`
	Temperature  float64    `json:"temperature"`
	MaxTokens    int        `json:"max_tokens"`
	TopP         float64    `json:"top_p"`
	Stream       bool       `json:"stream"`
	Status       string     `gorm:"size:20;default:pending;index" json:"status"`
	RetryCount   int        `gorm:"default:0" json:"retry_count"`
	ErrorCode    string     `gorm:"size:50" json:"error_code,omitempty"`
	ErrorMessage string     `gorm:"size:1000" json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	CreatedAt    time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (LLMRequest) TableName() string { return "llm_requests" }

// LLMResponse holds the generated output for one completed request.
// At most one row exists per request; failed requests have none.
type LLMResponse struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	LLMRequestID     uint      `gorm:"uniqueIndex;not null" json:"llm_request_id"`
	Content          string    `gorm:"type:text" json:"content"`
	FinishReason     string    `gorm:"size:50" json:"finish_reason"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMs        int64     `json:"latency_ms"`
	Cost             float64   `json:"cost"`
	Cached           bool      `gorm:"default:false" json:"cached"`
	CacheKey         string    `gorm:"size:64" json:"cache_key,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func (LLMResponse) TableName() string { return "llm_responses" }
