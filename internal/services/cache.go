package services

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytefold/llmgateway/internal/config"
	"github.com/bytefold/llmgateway/internal/llm"
	"github.com/bytefold/llmgateway/pkg/logger"
)

// CachedResponse is one stored generation result.
type CachedResponse struct {
	Content          string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Provider         string
	Model            string
	ExpiresAt        time.Time
}

// ResponseCacheService deduplicates identical generation requests by
// fingerprint. Entries expire after the configured TTL; expired entries are
// evicted lazily on lookup and eagerly by Sweep.
//
// Concurrent identical misses are dispatched independently: each caller pays
// for its own upstream call and the last completion wins the cache slot.
// Coalescing in-flight requests was considered and rejected as an
// optimization this layer does not need yet.
type ResponseCacheService struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
	cfg     *config.CacheConfig
	ttl     time.Duration
}

func NewResponseCacheService(cfg *config.CacheConfig) *ResponseCacheService {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResponseCacheService{
		entries: make(map[string]*CachedResponse),
		cfg:     cfg,
		ttl:     ttl,
	}
}

// normalizeText collapses runs of whitespace so incidental formatting
// differences hash identically.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Fingerprint computes the deterministic cache key for a request. Parameter
// order is fixed and text is whitespace-normalized, so semantically identical
// calls produce the same key.
func Fingerprint(provider, model, prompt, systemPrompt string, temperature float64, maxTokens int, topP float64) string {
	payload := fmt.Sprintf("%s|%s|%s|%s|%.4f|%d|%.4f",
		provider, model,
		normalizeText(prompt),
		normalizeText(systemPrompt),
		temperature, maxTokens, topP,
	)
	h := sha256.Sum256([]byte(payload))
	return fmt.Sprintf("%x", h)
}

// Cacheable reports whether a request qualifies for caching: caching must be
// enabled, the request must not stream, the temperature must be at or below
// the deterministic-enough threshold, and the prompt must fit the length
// cutoff.
func (s *ResponseCacheService) Cacheable(temperature float64, stream bool, promptLen int) bool {
	if !s.cfg.Enabled {
		return false
	}
	if stream {
		return false
	}
	if temperature > s.cfg.CacheableTemperature {
		return false
	}
	if s.cfg.MaxPromptChars > 0 && promptLen > s.cfg.MaxPromptChars {
		return false
	}
	return true
}

// Lookup returns the cached response for key, evicting it if expired.
func (s *ResponseCacheService) Lookup(key string) *CachedResponse {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	if time.Now().After(entry.ExpiresAt) {
		s.mu.Lock()
		// Recheck under the write lock; Store may have refreshed it.
		if cur, ok := s.entries[key]; ok && time.Now().After(cur.ExpiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil
	}

	logger.Infof("[Cache] HIT key=%s... provider=%s model=%s", key[:8], entry.Provider, entry.Model)
	return entry
}

// Store saves a generation result under key with the current TTL.
func (s *ResponseCacheService) Store(key, provider, model string, result *llm.GenerationResult) {
	entry := &CachedResponse{
		Content:          result.Content,
		FinishReason:     result.FinishReason,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,
		Provider:         provider,
		Model:            model,
	}

	s.mu.Lock()
	entry.ExpiresAt = time.Now().Add(s.ttl)
	s.entries[key] = entry
	s.mu.Unlock()
}

// SetTTL changes the TTL applied to entries stored from now on. Existing
// entries keep their original expiry. Runtime override hook for the
// system_configs table.
func (s *ResponseCacheService) SetTTL(seconds int) {
	if seconds <= 0 {
		return
	}
	s.mu.Lock()
	s.ttl = time.Duration(seconds) * time.Second
	s.mu.Unlock()
}

// Invalidate removes one entry, used by admin operations.
func (s *ResponseCacheService) Invalidate(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Sweep evicts all expired entries and returns how many were removed.
// Scheduled periodically by the bootstrap cron.
func (s *ResponseCacheService) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	if removed > 0 {
		logger.Infof("[Cache] Sweep evicted %d expired entries, %d remain", removed, len(s.entries))
	}
	return removed
}

// Len returns the live entry count, for metrics.
func (s *ResponseCacheService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
