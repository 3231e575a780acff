package services

import (
	"sync"

	"github.com/bytefold/llmgateway/internal/config"
	"github.com/bytefold/llmgateway/internal/llm"
	"golang.org/x/time/rate"
)

// ProviderRateLimiter enforces each provider's requests-per-minute limit
// with one token bucket per provider. Buckets are independent so traffic to
// one vendor never serializes admission for another.
type ProviderRateLimiter struct {
	mu       sync.RWMutex
	limiters map[llm.ProviderName]*rate.Limiter
}

// NewProviderRateLimiter builds one bucket per configured provider.
// A provider without a configured limit is admitted unconditionally.
func NewProviderRateLimiter(cfg *config.LLMConfig) *ProviderRateLimiter {
	l := &ProviderRateLimiter{
		limiters: make(map[llm.ProviderName]*rate.Limiter),
	}
	for name, pc := range cfg.Providers {
		if pc.RequestsPerMinute <= 0 {
			continue
		}
		rpm := pc.RequestsPerMinute
		// Refill at rpm/60 per second; burst of one minute's allowance.
		l.limiters[llm.ProviderName(name)] = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	}
	return l
}

// Admit consumes one slot for the provider, returning rate_limit_exceeded
// when the bucket is empty.
func (l *ProviderRateLimiter) Admit(provider llm.ProviderName) error {
	l.mu.RLock()
	limiter, ok := l.limiters[provider]
	l.mu.RUnlock()

	if !ok {
		return nil
	}
	if !limiter.Allow() {
		return llm.NewError(llm.ErrRateLimit, provider, "requests-per-minute limit reached")
	}
	return nil
}

// SetLimit replaces a provider's bucket at runtime (admin operation).
func (l *ProviderRateLimiter) SetLimit(provider llm.ProviderName, rpm int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rpm <= 0 {
		delete(l.limiters, provider)
		return
	}
	l.limiters[provider] = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
}
