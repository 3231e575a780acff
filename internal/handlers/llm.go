package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bytefold/llmgateway/internal/llm"
	"github.com/bytefold/llmgateway/internal/middleware"
	"github.com/bytefold/llmgateway/internal/services"
	"github.com/bytefold/llmgateway/pkg/logger"
	"github.com/bytefold/llmgateway/pkg/response"
)

// LLMHandler exposes the generation pipeline over HTTP.
type LLMHandler struct {
	svc *services.LLMService
}

func NewLLMHandler(svc *services.LLMService) *LLMHandler {
	return &LLMHandler{svc: svc}
}

// GenerateRequest is the wire shape shared by generate, chat and stream.
type GenerateRequest struct {
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	Prompt       string   `json:"prompt" binding:"required"`
	SystemPrompt string   `json:"system_prompt"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    int      `json:"max_tokens"`
	TopP         float64  `json:"top_p"`
	SessionID    string   `json:"session_id"`
}

func (r *GenerateRequest) toOptions(c *gin.Context) *services.GenerateOptions {
	temperature := 0.7
	if r.Temperature != nil {
		temperature = *r.Temperature
	}
	opts := &services.GenerateOptions{
		Provider:     r.Provider,
		Model:        r.Model,
		Prompt:       r.Prompt,
		SystemPrompt: r.SystemPrompt,
		Temperature:  temperature,
		MaxTokens:    r.MaxTokens,
		TopP:         r.TopP,
		SessionID:    r.SessionID,
	}
	if id := middleware.GetUserID(c); id != 0 {
		opts.UserID = &id
	}
	return opts
}

// respondError maps the shared error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	var appErr *response.AppError
	switch llm.CodeOf(err) {
	case llm.ErrValidation:
		appErr = response.NewBadRequest(err.Error())
	case llm.ErrRateLimit, llm.ErrBudgetExceeded:
		appErr = response.NewTooManyRequests(err.Error())
	case llm.ErrTimeout:
		appErr = response.NewGatewayTimeout(err.Error())
	case llm.ErrNoProvider:
		appErr = response.NewServiceUnavailable(err.Error())
	case llm.ErrAuthentication, llm.ErrProvider:
		appErr = response.NewBadGateway(err.Error())
	default:
		appErr = response.NewServerError(err.Error())
	}
	response.Error(c, appErr)
}

// Generate handles single-shot generation
// POST /api/llm/generate
func (h *LLMHandler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	outcome, err := h.svc.Generate(c.Request.Context(), req.toOptions(c))
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, outcome)
}

// Chat handles one conversational turn
// POST /api/llm/chat
func (h *LLMHandler) Chat(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	outcome, err := h.svc.Chat(c.Request.Context(), req.toOptions(c))
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, outcome)
}

// CompareRequest fans one prompt out to several providers.
type CompareRequest struct {
	GenerateRequest
	Providers []string `json:"providers" binding:"required"`
}

// Compare runs the same prompt against multiple providers in parallel
// POST /api/llm/compare
func (h *LLMHandler) Compare(c *gin.Context) {
	var req CompareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	entries, err := h.svc.CompareProviders(c.Request.Context(), req.toOptions(c), req.Providers)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, entries)
}

// Stream generates with incremental SSE output
// POST /api/llm/generate/stream
func (h *LLMHandler) Stream(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	w := c.Writer
	flush := func() { c.Writer.Flush() }

	clientGone := c.Request.Context()
	onChunk := func(chunk llm.Chunk) error {
		select {
		case <-clientGone.Done():
			return errors.New("client disconnected")
		default:
		}
		if chunk.Done {
			fmt.Fprintf(w, "event: done\ndata: {}\n\n")
		} else {
			data, err := json.Marshal(gin.H{"content": chunk.Content})
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		flush()
		return nil
	}

	outcome, err := h.svc.GenerateStream(c.Request.Context(), req.toOptions(c), onChunk)
	if err != nil {
		// Headers are already out; report the failure in-band.
		data, _ := json.Marshal(gin.H{"error": err.Error(), "code": string(llm.CodeOf(err))})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
		flush()
		return
	}

	data, marshalErr := json.Marshal(outcome)
	if marshalErr != nil {
		logger.Warnf("[LLM] Failed to marshal stream outcome: %v", marshalErr)
		return
	}
	fmt.Fprintf(w, "event: result\ndata: %s\n\n", data)
	flush()
}

// ListModels aggregates model listings across enabled providers
// GET /api/llm/models
func (h *LLMHandler) ListModels(c *gin.Context) {
	models := h.svc.ListModels(c.Request.Context())
	response.Success(c, models)
}

// GetRequest returns one request with its response
// GET /api/llm/requests/:request_id
func (h *LLMHandler) GetRequest(c *gin.Context) {
	requestID := c.Param("request_id")

	row, resp, err := h.svc.GetRequest(requestID)
	if err != nil {
		if llm.CodeOf(err) == llm.ErrValidation {
			response.NotFound(c, err.Error())
			return
		}
		respondError(c, err)
		return
	}

	response.Success(c, gin.H{
		"request":  row,
		"response": resp,
	})
}

// ListRequests pages the request log
// GET /api/llm/requests
func (h *LLMHandler) ListRequests(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	status := c.Query("status")
	provider := c.Query("provider")

	var userID *uint
	if middleware.GetRole(c) != "admin" {
		id := middleware.GetUserID(c)
		userID = &id
	}

	rows, total, err := h.svc.ListRequests(userID, status, provider, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"items":     rows,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// Cancel cancels a pending request
// POST /api/llm/requests/:request_id/cancel
func (h *LLMHandler) Cancel(c *gin.Context) {
	requestID := c.Param("request_id")
	if err := h.svc.Cancel(requestID); err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"request_id": requestID, "status": "cancelled"})
}
