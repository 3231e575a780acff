package models

import "time"

// Conversation states.
const (
	ConversationActive   = "active"
	ConversationArchived = "archived"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is an ordered multi-turn session. Messages belong to it by
// id; conversations are archived, never hard-deleted.
type Conversation struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	SessionID      string    `gorm:"uniqueIndex;size:64;not null" json:"session_id"`
	UserID         *uint     `gorm:"index" json:"user_id"`
	Title          string    `gorm:"size:200" json:"title"`
	Provider       string    `gorm:"size:50" json:"provider"`
	Model          string    `gorm:"size:100" json:"model"`
	SystemPrompt   string    `gorm:"type:text" json:"system_prompt"`
	MessageCount   int       `gorm:"default:0" json:"message_count"`
	TotalCost      float64   `gorm:"default:0" json:"total_cost"`
	Status         string    `gorm:"size:20;default:active;index" json:"status"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

// ConversationMessage is one turn. SequenceNumber is strictly increasing
// and gap-free within a conversation; the unique index backs that invariant.
type ConversationMessage struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	ConversationID   uint      `gorm:"uniqueIndex:idx_conv_seq;not null" json:"conversation_id"`
	SequenceNumber   int       `gorm:"uniqueIndex:idx_conv_seq;not null" json:"sequence_number"`
	Role             string    `gorm:"size:20;not null" json:"role"`
	Content          string    `gorm:"type:text" json:"content"`
	LLMRequestID     *uint     `gorm:"index" json:"llm_request_id"` // set for assistant turns
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Cost             float64   `json:"cost"`
	CreatedAt        time.Time `json:"created_at"`
}

func (ConversationMessage) TableName() string { return "conversation_messages" }
