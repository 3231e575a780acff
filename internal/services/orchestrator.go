package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bytefold/llmgateway/internal/config"
	"github.com/bytefold/llmgateway/internal/llm"
	"github.com/bytefold/llmgateway/internal/models"
	"github.com/bytefold/llmgateway/pkg/logger"
)

// GenerateOptions is the normalized request the orchestrator accepts from
// every entry point (single-shot, chat, comparison).
type GenerateOptions struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	TopP         float64 `json:"top_p"`
	SessionID    string  `json:"session_id"`
	UserID       *uint   `json:"-"`
}

// GenerateOutcome is the orchestrator's answer for one request.
type GenerateOutcome struct {
	RequestID        string  `json:"request_id"`
	SessionID        string  `json:"session_id,omitempty"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	Content          string  `json:"content"`
	FinishReason     string  `json:"finish_reason"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
	LatencyMs        int64   `json:"latency_ms"`
	Cached           bool    `json:"cached"`
	Attempts         int     `json:"attempts"`

	rowID uint
}

// LLMService is the orchestration pipeline: validate, consult the cache,
// resolve candidates, admit against the rate limiter and cost guard, call the
// adapter, and fall back down the candidate chain on transient failure. Every
// request leaves a durable trail in llm_requests.
type LLMService struct {
	db           *gorm.DB
	cfg          *config.LLMConfig
	registry     *llm.Registry
	cache        *ResponseCacheService
	limiter      *ProviderRateLimiter
	guard        *CostGuard
	health       *HealthMonitor
	usage        *UsageService
	conversation *ConversationService
	queue        TaskQueue

	// Runtime override from the system_configs table; 0 means use the
	// configured value.
	fallbackOverride atomic.Int32
}

func NewLLMService(
	db *gorm.DB,
	cfg *config.LLMConfig,
	registry *llm.Registry,
	cache *ResponseCacheService,
	limiter *ProviderRateLimiter,
	guard *CostGuard,
	health *HealthMonitor,
	usage *UsageService,
	conversation *ConversationService,
	queue TaskQueue,
) *LLMService {
	return &LLMService{
		db:           db,
		cfg:          cfg,
		registry:     registry,
		cache:        cache,
		limiter:      limiter,
		guard:        guard,
		health:       health,
		usage:        usage,
		conversation: conversation,
		queue:        queue,
	}
}

func (s *LLMService) requestTimeout() time.Duration {
	secs := s.cfg.RequestTimeoutSeconds
	if secs <= 0 {
		secs = 120
	}
	return time.Duration(secs) * time.Second
}

// SetFallbackCeiling overrides the fallback attempt ceiling at runtime.
// n <= 0 restores the configured value.
func (s *LLMService) SetFallbackCeiling(n int) {
	if n < 0 {
		n = 0
	}
	s.fallbackOverride.Store(int32(n))
}

func (s *LLMService) maxAttempts() int {
	if n := int(s.fallbackOverride.Load()); n > 0 {
		return n
	}
	return s.cfg.FallbackAttempts()
}

// modelFor resolves the effective model for a provider: the request's model
// wins, then the provider's configured default.
func (s *LLMService) modelFor(provider llm.ProviderName, requested string) string {
	if requested != "" {
		return requested
	}
	return s.cfg.Provider(string(provider)).Model
}

func (s *LLMService) validate(opts *GenerateOptions) error {
	if strings.TrimSpace(opts.Prompt) == "" {
		return llm.NewError(llm.ErrValidation, "", "prompt must not be empty")
	}
	if opts.Temperature < 0 || opts.Temperature > 2 {
		return llm.NewError(llm.ErrValidation, "", "temperature must be between 0 and 2")
	}
	if opts.TopP < 0 || opts.TopP > 1 {
		return llm.NewError(llm.ErrValidation, "", "top_p must be between 0 and 1")
	}
	if opts.MaxTokens < 0 {
		return llm.NewError(llm.ErrValidation, "", "max_tokens must not be negative")
	}
	if opts.Provider != "" {
		if _, err := llm.ParseProvider(opts.Provider); err != nil {
			return err
		}
	}
	return nil
}

// Generate runs the full non-streaming pipeline and returns the first
// successful result.
func (s *LLMService) Generate(ctx context.Context, opts *GenerateOptions) (*GenerateOutcome, error) {
	if err := s.validate(opts); err != nil {
		return nil, err
	}

	var explicit llm.ProviderName
	if opts.Provider != "" {
		explicit, _ = llm.ParseProvider(opts.Provider)
	}

	candidates, err := s.registry.Candidates(explicit)
	if err != nil {
		return nil, err
	}

	// Cache consult happens before any durable write: a hit costs nothing
	// and leaves no new request row, only a usage counter.
	if s.cache.Cacheable(opts.Temperature, false, len(opts.Prompt)) {
		for _, cand := range candidates {
			if cand.Skipped {
				continue
			}
			p := cand.Provider
			model := s.modelFor(p.Name(), opts.Model)
			key := Fingerprint(string(p.Name()), model, opts.Prompt, opts.SystemPrompt,
				opts.Temperature, opts.MaxTokens, opts.TopP)
			if hit := s.cache.Lookup(key); hit != nil {
				s.recordUsage(hit.Provider, hit.Model, opts.UserID, true, true, hit.PromptTokens, hit.CompletionTokens, hit.TotalTokens, 0, 0)
				return &GenerateOutcome{
					RequestID:        uuid.New().String(),
					SessionID:        opts.SessionID,
					Provider:         hit.Provider,
					Model:            hit.Model,
					Content:          hit.Content,
					FinishReason:     hit.FinishReason,
					PromptTokens:     hit.PromptTokens,
					CompletionTokens: hit.CompletionTokens,
					TotalTokens:      hit.TotalTokens,
					Cached:           true,
				}, nil
			}
		}
	}

	row := s.persistPending(opts, false)
	return s.dispatch(ctx, opts, candidates, row, nil)
}

// GenerateStream runs the streaming pipeline. Fallback applies only until
// the first chunk reaches the caller; after that the stream is committed to
// its provider and a failure is terminal.
func (s *LLMService) GenerateStream(ctx context.Context, opts *GenerateOptions, onChunk func(llm.Chunk) error) (*GenerateOutcome, error) {
	if err := s.validate(opts); err != nil {
		return nil, err
	}

	var explicit llm.ProviderName
	if opts.Provider != "" {
		explicit, _ = llm.ParseProvider(opts.Provider)
	}

	candidates, err := s.registry.Candidates(explicit)
	if err != nil {
		return nil, err
	}

	row := s.persistPending(opts, true)
	return s.dispatch(ctx, opts, candidates, row, onChunk)
}

// dispatch walks the candidate chain. onChunk nil means non-streaming.
// Skipped candidates (down, budget exhausted) are never called but still
// count in the tried chain, so the persisted retry_count reflects every
// provider the request passed over.
func (s *LLMService) dispatch(ctx context.Context, opts *GenerateOptions, candidates []llm.Candidate, row *models.LLMRequest, onChunk func(llm.Chunk) error) (*GenerateOutcome, error) {
	if cancelled, err := s.consumeCancellation(row); err != nil {
		return nil, err
	} else if cancelled {
		return nil, llm.NewError(llm.ErrValidation, "", "request %s was cancelled", row.RequestID)
	}

	s.markProcessing(row)

	maxAttempts := s.maxAttempts()
	timeout := s.requestTimeout()

	var lastErr error
	var tried []string
	dispatched := 0
	emitted := false

	for _, cand := range candidates {
		name := cand.Provider.Name()
		if cand.Skipped {
			tried = append(tried, string(name))
			continue
		}
		if dispatched >= maxAttempts {
			break
		}
		dispatched++
		p := cand.Provider
		model := s.modelFor(name, opts.Model)
		tried = append(tried, string(name))

		if err := s.limiter.Admit(name); err != nil {
			logger.Debugf("[LLM] %s rejected by rate limiter, trying next", name)
			lastErr = err
			continue
		}

		estimated := p.EstimateCost(opts.Prompt+opts.SystemPrompt, model, opts.MaxTokens)
		if err := s.guard.Reserve(name, estimated); err != nil {
			logger.Debugf("[LLM] %s rejected by cost guard, trying next", name)
			lastErr = err
			continue
		}

		genReq := &llm.GenerationRequest{
			Prompt:       opts.Prompt,
			SystemPrompt: opts.SystemPrompt,
			Model:        model,
			Temperature:  opts.Temperature,
			MaxTokens:    opts.MaxTokens,
			TopP:         opts.TopP,
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		var result *llm.GenerationResult
		var err error
		if onChunk != nil {
			result, err = s.callStreaming(callCtx, p, genReq, onChunk, &emitted)
		} else {
			result, err = p.Generate(callCtx, genReq)
		}
		cancel()

		if err != nil {
			s.guard.Release(name, estimated)
			s.health.ReportFailure(name, err)
			lastErr = err
			s.recordUsage(string(name), model, opts.UserID, false, false, 0, 0, 0, 0, 0)

			code := llm.CodeOf(err)
			if code == llm.ErrValidation {
				// Caller mistake; no other provider will fare better.
				break
			}
			if emitted {
				// Chunks already reached the caller; cannot switch provider.
				break
			}
			logger.Warnf("[LLM] Provider %s failed (%s), falling back: %v", name, code, err)
			continue
		}

		cost := llm.CostFor(name, model, result.PromptTokens, result.CompletionTokens)
		s.guard.Commit(name, estimated, cost)
		s.health.ReportSuccess(name, result.Latency)

		outcome := s.complete(opts, row, name, model, result, cost, len(tried))
		return outcome, nil
	}

	if lastErr == nil {
		lastErr = llm.NewError(llm.ErrNoProvider, "", "no provider available")
	}
	s.fail(opts, row, lastErr, tried)
	return nil, lastErr
}

// callStreaming invokes the adapter's streaming path, degrading to a single
// chunk for adapters without one. emitted flips once the first fragment has
// been delivered.
func (s *LLMService) callStreaming(ctx context.Context, p llm.Provider, req *llm.GenerationRequest, onChunk func(llm.Chunk) error, emitted *bool) (*llm.GenerationResult, error) {
	wrapped := func(c llm.Chunk) error {
		if c.Content != "" {
			*emitted = true
		}
		return onChunk(c)
	}

	if streamer, ok := p.(llm.Streamer); ok {
		return streamer.GenerateStream(ctx, req, wrapped)
	}

	result, err := p.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := wrapped(llm.Chunk{Content: result.Content}); err != nil {
		return nil, err
	}
	if err := wrapped(llm.Chunk{Done: true}); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *LLMService) persistPending(opts *GenerateOptions, stream bool) *models.LLMRequest {
	row := &models.LLMRequest{
		RequestID:    uuid.New().String(),
		UserID:       opts.UserID,
		Provider:     opts.Provider,
		Model:        opts.Model,
		Prompt:       opts.Prompt,
		SystemPrompt: opts.SystemPrompt,
		Temperature:  opts.Temperature,
		MaxTokens:    opts.MaxTokens,
		TopP:         opts.TopP,
		Stream:       stream,
		Status:       models.RequestPending,
	}
	if opts.SessionID != "" {
		sid := opts.SessionID
		row.SessionID = &sid
	}
	if err := s.db.Create(row).Error; err != nil {
		logger.Warnf("[LLM] Failed to persist request row: %v", err)
	}
	PublishRequestEvent(row.RequestID, opts.SessionID, models.RequestPending, "", "", nil, "")
	return row
}

// consumeCancellation reports whether the row was cancelled between creation
// and dispatch, marking the terminal state if so.
func (s *LLMService) consumeCancellation(row *models.LLMRequest) (bool, error) {
	var current models.LLMRequest
	err := s.db.Select("status").Where("id = ?", row.ID).First(&current).Error
	if err != nil {
		return false, nil // best effort; a read failure must not block dispatch
	}
	return current.Status == models.RequestCancelled, nil
}

func (s *LLMService) markProcessing(row *models.LLMRequest) {
	now := time.Now()
	err := s.db.Model(row).Updates(map[string]interface{}{
		"status":     models.RequestProcessing,
		"started_at": &now,
	}).Error
	if err != nil {
		logger.Warnf("[LLM] Failed to mark request processing: %v", err)
	}
	sessionID := ""
	if row.SessionID != nil {
		sessionID = *row.SessionID
	}
	PublishRequestEvent(row.RequestID, sessionID, models.RequestProcessing, "", "", nil, "")
}

func (s *LLMService) complete(opts *GenerateOptions, row *models.LLMRequest, provider llm.ProviderName, model string, result *llm.GenerationResult, cost float64, attempts int) *GenerateOutcome {
	now := time.Now()
	latencyMs := result.Latency.Milliseconds()

	cacheKey := ""
	if s.cache.Cacheable(opts.Temperature, row.Stream, len(opts.Prompt)) {
		cacheKey = Fingerprint(string(provider), model, opts.Prompt, opts.SystemPrompt,
			opts.Temperature, opts.MaxTokens, opts.TopP)
		s.cache.Store(cacheKey, string(provider), model, result)
	}

	err := s.db.Model(row).Updates(map[string]interface{}{
		"status":       models.RequestCompleted,
		"provider":     string(provider),
		"model":        model,
		"retry_count":  attempts - 1,
		"completed_at": &now,
	}).Error
	if err != nil {
		logger.Warnf("[LLM] Failed to mark request completed: %v", err)
	}

	resp := &models.LLMResponse{
		LLMRequestID:     row.ID,
		Content:          result.Content,
		FinishReason:     result.FinishReason,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,
		LatencyMs:        latencyMs,
		Cost:             cost,
		CacheKey:         cacheKey,
	}
	if err := s.db.Create(resp).Error; err != nil {
		logger.Warnf("[LLM] Failed to persist response row: %v", err)
	}

	s.recordUsage(string(provider), model, opts.UserID, true, false,
		result.PromptTokens, result.CompletionTokens, result.TotalTokens, cost, latencyMs)

	sessionID := ""
	if row.SessionID != nil {
		sessionID = *row.SessionID
	}
	PublishRequestEvent(row.RequestID, sessionID, models.RequestCompleted, string(provider), model, &cost, "")

	logger.Infof("[LLM] Request %s completed: provider=%s model=%s tokens=%d cost=%.6f latency=%dms attempts=%d",
		row.RequestID, provider, model, result.TotalTokens, cost, latencyMs, attempts)

	return &GenerateOutcome{
		RequestID:        row.RequestID,
		SessionID:        sessionID,
		Provider:         string(provider),
		Model:            model,
		Content:          result.Content,
		FinishReason:     result.FinishReason,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,
		Cost:             cost,
		LatencyMs:        latencyMs,
		Attempts:         attempts,
		rowID:            row.ID,
	}
}

func (s *LLMService) fail(opts *GenerateOptions, row *models.LLMRequest, lastErr error, tried []string) {
	now := time.Now()
	msg := lastErr.Error()
	if len(tried) > 0 {
		msg = fmt.Sprintf("%s (tried: %s)", msg, strings.Join(tried, ", "))
	}
	err := s.db.Model(row).Updates(map[string]interface{}{
		"status":        models.RequestFailed,
		"error_code":    string(llm.CodeOf(lastErr)),
		"error_message": msg,
		"retry_count":   maxInt(len(tried)-1, 0),
		"completed_at":  &now,
	}).Error
	if err != nil {
		logger.Warnf("[LLM] Failed to mark request failed: %v", err)
	}

	sessionID := ""
	if row.SessionID != nil {
		sessionID = *row.SessionID
	}
	PublishRequestEvent(row.RequestID, sessionID, models.RequestFailed, "", "", nil, msg)

	logger.Warnf("[LLM] Request %s failed after %d attempt(s): %s", row.RequestID, len(tried), msg)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// recordUsage pushes one accounting sample through the task queue, falling
// back to a direct write when no queue is wired.
func (s *LLMService) recordUsage(provider, model string, userID *uint, success, cacheHit bool, promptTokens, completionTokens, totalTokens int, cost float64, latencyMs int64) {
	task := &UsageTask{
		Provider:         provider,
		Model:            model,
		UserID:           userID,
		Success:          success,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		Cost:             cost,
		LatencyMs:        latencyMs,
		CacheHit:         cacheHit,
		Timestamp:        time.Now().Unix(),
	}
	if s.queue != nil {
		if err := s.queue.Enqueue(task); err != nil {
			logger.Warnf("[LLM] Usage enqueue failed, recording inline: %v", err)
		} else {
			return
		}
	}
	if err := s.usage.Record(task.Sample()); err != nil {
		logger.Warnf("[LLM] Usage record failed: %v", err)
	}
}

// Chat runs one conversational turn: resolve the session, fold the history
// window into the prompt, generate, and append both turns in order.
func (s *LLMService) Chat(ctx context.Context, opts *GenerateOptions) (*GenerateOutcome, error) {
	if err := s.validate(opts); err != nil {
		return nil, err
	}

	conv, err := s.conversation.GetOrCreate(opts.SessionID, opts.UserID, opts.Provider, opts.Model, opts.SystemPrompt)
	if err != nil {
		return nil, err
	}
	if conv.Status == models.ConversationArchived {
		return nil, llm.NewError(llm.ErrValidation, "", "conversation %s is archived", conv.SessionID)
	}

	if _, err := s.conversation.AppendUserTurn(conv, opts.Prompt); err != nil {
		return nil, err
	}

	history, err := s.conversation.BuildContext(conv.ID, 0)
	if err != nil {
		return nil, err
	}

	turnOpts := *opts
	turnOpts.SessionID = conv.SessionID
	turnOpts.Prompt = history + "assistant:"
	if turnOpts.SystemPrompt == "" {
		turnOpts.SystemPrompt = conv.SystemPrompt
	}
	if turnOpts.Provider == "" {
		turnOpts.Provider = conv.Provider
	}
	if turnOpts.Model == "" {
		turnOpts.Model = conv.Model
	}

	outcome, err := s.Generate(ctx, &turnOpts)
	if err != nil {
		return nil, err
	}

	var requestRef *uint
	if outcome.rowID != 0 {
		id := outcome.rowID
		requestRef = &id
	}
	_, err = s.conversation.AppendAssistantTurn(conv, outcome.Content, requestRef,
		outcome.PromptTokens, outcome.CompletionTokens, outcome.Cost)
	if err != nil {
		logger.Warnf("[LLM] Failed to append assistant turn for %s: %v", conv.SessionID, err)
	}

	outcome.SessionID = conv.SessionID
	return outcome, nil
}

// ComparisonEntry is one provider's result in a side-by-side comparison.
type ComparisonEntry struct {
	Provider string           `json:"provider"`
	Outcome  *GenerateOutcome `json:"outcome,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// CompareProviders fans the same prompt out to several providers in parallel
// and returns every result, successes and failures alike. Each leg is a full
// pipeline run with its own admission, accounting and request row.
func (s *LLMService) CompareProviders(ctx context.Context, opts *GenerateOptions, providers []string) ([]ComparisonEntry, error) {
	if err := s.validate(opts); err != nil {
		return nil, err
	}
	if len(providers) < 2 {
		return nil, llm.NewError(llm.ErrValidation, "", "comparison needs at least two providers")
	}

	entries := make([]ComparisonEntry, len(providers))
	var wg sync.WaitGroup
	for i, name := range providers {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			legOpts := *opts
			legOpts.Provider = name
			legOpts.SessionID = ""

			outcome, err := s.Generate(ctx, &legOpts)
			entries[i] = ComparisonEntry{Provider: name}
			if err != nil {
				entries[i].Error = err.Error()
				return
			}
			entries[i].Outcome = outcome
		}(i, name)
	}
	wg.Wait()
	return entries, nil
}

// Cancel moves a pending request to cancelled. Requests already processing
// or finished cannot be cancelled.
func (s *LLMService) Cancel(requestID string) error {
	res := s.db.Model(&models.LLMRequest{}).
		Where("request_id = ? AND status = ?", requestID, models.RequestPending).
		Update("status", models.RequestCancelled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var row models.LLMRequest
		err := s.db.Select("status").Where("request_id = ?", requestID).First(&row).Error
		if err == gorm.ErrRecordNotFound {
			return llm.NewError(llm.ErrValidation, "", "request %s not found", requestID)
		}
		if err != nil {
			return err
		}
		return llm.NewError(llm.ErrValidation, "", "request %s is %s, only pending requests can be cancelled", requestID, row.Status)
	}
	PublishRequestEvent(requestID, "", models.RequestCancelled, "", "", nil, "")
	return nil
}

// GetRequest loads one request row with its response, if any.
func (s *LLMService) GetRequest(requestID string) (*models.LLMRequest, *models.LLMResponse, error) {
	var row models.LLMRequest
	err := s.db.Where("request_id = ?", requestID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil, llm.NewError(llm.ErrValidation, "", "request %s not found", requestID)
	}
	if err != nil {
		return nil, nil, err
	}

	var resp models.LLMResponse
	err = s.db.Where("llm_request_id = ?", row.ID).First(&resp).Error
	if err == gorm.ErrRecordNotFound {
		return &row, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return &row, &resp, nil
}

// ListRequests pages the request log, newest first.
func (s *LLMService) ListRequests(userID *uint, status, provider string, page, pageSize int) ([]models.LLMRequest, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	q := s.db.Model(&models.LLMRequest{})
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []models.LLMRequest
	err := q.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// ListModels aggregates model listings across enabled providers. Provider
// failures degrade to that provider being absent from the answer.
func (s *LLMService) ListModels(ctx context.Context) []llm.ModelDescriptor {
	var out []llm.ModelDescriptor
	for _, name := range s.registry.Names() {
		if !s.registry.Enabled(name) {
			continue
		}
		p, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		descriptors, err := p.ListModels(listCtx)
		cancel()
		if err != nil {
			logger.Debugf("[LLM] ListModels failed for %s: %v", name, err)
			continue
		}
		out = append(out, descriptors...)
	}
	return out
}
