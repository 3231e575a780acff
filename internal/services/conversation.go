package services

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bytefold/llmgateway/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationArchived = errors.New("conversation is archived")
)

// ConversationService manages multi-turn sessions. Appends to the same
// conversation serialize on a per-conversation mutex so sequence numbers stay
// strictly increasing and gap-free even under concurrent writers; the unique
// index on (conversation_id, sequence_number) backs the invariant in the
// database.
type ConversationService struct {
	db *gorm.DB

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func NewConversationService(db *gorm.DB) *ConversationService {
	return &ConversationService{
		db:    db,
		locks: make(map[uint]*sync.Mutex),
	}
}

func (s *ConversationService) lockFor(conversationID uint) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conversationID] = l
	}
	return l
}

// Create starts a new conversation and returns it with a fresh session id.
func (s *ConversationService) Create(userID *uint, title, provider, model, systemPrompt string) (*models.Conversation, error) {
	conv := &models.Conversation{
		SessionID:      uuid.New().String(),
		UserID:         userID,
		Title:          title,
		Provider:       provider,
		Model:          model,
		SystemPrompt:   systemPrompt,
		Status:         models.ConversationActive,
		LastActivityAt: time.Now(),
	}
	if err := s.db.Create(conv).Error; err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetBySessionID loads a conversation by its public session id.
func (s *ConversationService) GetBySessionID(sessionID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.Where("session_id = ?", sessionID).First(&conv).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetOrCreate resolves a session id, creating the conversation when the id is
// empty or unknown.
func (s *ConversationService) GetOrCreate(sessionID string, userID *uint, provider, model, systemPrompt string) (*models.Conversation, error) {
	if sessionID != "" {
		conv, err := s.GetBySessionID(sessionID)
		if err == nil {
			return conv, nil
		}
		if err != ErrConversationNotFound {
			return nil, err
		}
	}
	return s.Create(userID, "", provider, model, systemPrompt)
}

// AppendUserTurn adds the user's message as the next sequence number.
func (s *ConversationService) AppendUserTurn(conv *models.Conversation, content string) (*models.ConversationMessage, error) {
	return s.append(conv, models.RoleUser, content, nil, 0, 0, 0)
}

// AppendAssistantTurn adds the assistant's reply, linking the backing request
// and charging its cost to the conversation.
func (s *ConversationService) AppendAssistantTurn(conv *models.Conversation, content string, requestID *uint, promptTokens, completionTokens int, cost float64) (*models.ConversationMessage, error) {
	return s.append(conv, models.RoleAssistant, content, requestID, promptTokens, completionTokens, cost)
}

func (s *ConversationService) append(conv *models.Conversation, role, content string, requestID *uint, promptTokens, completionTokens int, cost float64) (*models.ConversationMessage, error) {
	if conv.Status == models.ConversationArchived {
		return nil, ErrConversationArchived
	}

	l := s.lockFor(conv.ID)
	l.Lock()
	defer l.Unlock()

	var msg *models.ConversationMessage
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		row := tx.Model(&models.ConversationMessage{}).
			Where("conversation_id = ?", conv.ID).
			Select("COALESCE(MAX(sequence_number), 0)").
			Row()
		if err := row.Scan(&maxSeq); err != nil {
			return fmt.Errorf("read sequence: %w", err)
		}

		msg = &models.ConversationMessage{
			ConversationID:   conv.ID,
			SequenceNumber:   maxSeq + 1,
			Role:             role,
			Content:          content,
			LLMRequestID:     requestID,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			Cost:             cost,
		}
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("append message: %w", err)
		}

		updates := map[string]interface{}{
			"message_count":    gorm.Expr("message_count + 1"),
			"total_cost":       gorm.Expr("total_cost + ?", cost),
			"last_activity_at": time.Now(),
		}
		if err := tx.Model(&models.Conversation{}).Where("id = ?", conv.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	conv.MessageCount++
	conv.TotalCost += cost
	return msg, nil
}

// Messages returns all turns in sequence order.
func (s *ConversationService) Messages(conversationID uint) ([]models.ConversationMessage, error) {
	var msgs []models.ConversationMessage
	err := s.db.Where("conversation_id = ?", conversationID).
		Order("sequence_number ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// BuildContext renders the conversation tail into a single prompt. The window
// keeps the most recent turns that fit maxChars, always whole messages and
// always in order; the newest turns win when the budget is tight.
func (s *ConversationService) BuildContext(conversationID uint, maxChars int) (string, error) {
	msgs, err := s.Messages(conversationID)
	if err != nil {
		return "", err
	}
	return renderContextWindow(msgs, maxChars), nil
}

// renderContextWindow walks backwards collecting whole messages until the
// character budget runs out, then renders the kept tail in order.
func renderContextWindow(msgs []models.ConversationMessage, maxChars int) string {
	if maxChars <= 0 {
		maxChars = 16000
	}

	var kept []models.ConversationMessage
	used := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		line := len(msgs[i].Role) + len(msgs[i].Content) + 3
		if used+line > maxChars && len(kept) > 0 {
			break
		}
		kept = append(kept, msgs[i])
		used += line
	}

	var b strings.Builder
	for i := len(kept) - 1; i >= 0; i-- {
		m := kept[i]
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// List returns conversations for a user (all users when nil), newest activity
// first.
func (s *ConversationService) List(userID *uint, status string, page, pageSize int) ([]models.Conversation, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	q := s.db.Model(&models.Conversation{})
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var convs []models.Conversation
	err := q.Order("last_activity_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&convs).Error
	if err != nil {
		return nil, 0, err
	}
	return convs, total, nil
}

// Archive marks the conversation read-only. Archiving twice is a no-op.
func (s *ConversationService) Archive(sessionID string) error {
	res := s.db.Model(&models.Conversation{}).
		Where("session_id = ?", sessionID).
		Update("status", models.ConversationArchived)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		s.db.Model(&models.Conversation{}).Where("session_id = ?", sessionID).Count(&count)
		if count == 0 {
			return ErrConversationNotFound
		}
	}
	return nil
}

// SetTitle renames a conversation.
func (s *ConversationService) SetTitle(sessionID, title string) error {
	res := s.db.Model(&models.Conversation{}).
		Where("session_id = ?", sessionID).
		Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConversationNotFound
	}
	return nil
}
