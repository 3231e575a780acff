package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bytefold/llmgateway/internal/middleware"
	"github.com/bytefold/llmgateway/internal/services"
	"github.com/bytefold/llmgateway/pkg/response"
)

// ConversationHandler exposes session management over HTTP.
type ConversationHandler struct {
	svc *services.ConversationService
}

func NewConversationHandler(svc *services.ConversationService) *ConversationHandler {
	return &ConversationHandler{svc: svc}
}

type createConversationRequest struct {
	Title        string `json:"title"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
}

// Create starts a new conversation
// POST /api/conversations
func (h *ConversationHandler) Create(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	var userID *uint
	if id := middleware.GetUserID(c); id != 0 {
		userID = &id
	}

	conv, err := h.svc.Create(userID, req.Title, req.Provider, req.Model, req.SystemPrompt)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Created(c, conv)
}

// List pages conversations, newest activity first
// GET /api/conversations
func (h *ConversationHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	status := c.Query("status")

	var userID *uint
	if middleware.GetRole(c) != "admin" {
		id := middleware.GetUserID(c)
		userID = &id
	}

	convs, total, err := h.svc.List(userID, status, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"items":     convs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// Get returns one conversation with its messages
// GET /api/conversations/:session_id
func (h *ConversationHandler) Get(c *gin.Context) {
	sessionID := c.Param("session_id")

	conv, err := h.svc.GetBySessionID(sessionID)
	if err != nil {
		if err == services.ErrConversationNotFound {
			response.NotFound(c, "conversation not found")
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	msgs, err := h.svc.Messages(conv.ID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"conversation": conv,
		"messages":     msgs,
	})
}

// Archive marks a conversation read-only
// POST /api/conversations/:session_id/archive
func (h *ConversationHandler) Archive(c *gin.Context) {
	sessionID := c.Param("session_id")

	if err := h.svc.Archive(sessionID); err != nil {
		if err == services.ErrConversationNotFound {
			response.NotFound(c, "conversation not found")
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{"session_id": sessionID, "status": "archived"})
}

type renameConversationRequest struct {
	Title string `json:"title" binding:"required"`
}

// Rename updates a conversation title
// PUT /api/conversations/:session_id/title
func (h *ConversationHandler) Rename(c *gin.Context) {
	sessionID := c.Param("session_id")

	var req renameConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.svc.SetTitle(sessionID, req.Title); err != nil {
		if err == services.ErrConversationNotFound {
			response.NotFound(c, "conversation not found")
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{"session_id": sessionID, "title": req.Title})
}
