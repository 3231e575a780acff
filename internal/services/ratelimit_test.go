package services

import (
	"testing"

	"github.com/bytefold/llmgateway/internal/config"
	"github.com/bytefold/llmgateway/internal/llm"
)

func testLimiterConfig() *config.LLMConfig {
	return &config.LLMConfig{
		Providers: map[string]config.ProviderConfig{
			"openai": {Enabled: true, RequestsPerMinute: 3},
			"ollama": {Enabled: true}, // no limit configured
		},
	}
}

func TestAdmit_AllowsBurstThenRejects(t *testing.T) {
	limiter := NewProviderRateLimiter(testLimiterConfig())

	for i := 0; i < 3; i++ {
		if err := limiter.Admit(llm.ProviderOpenAI); err != nil {
			t.Fatalf("request %d should be admitted: %v", i+1, err)
		}
	}

	err := limiter.Admit(llm.ProviderOpenAI)
	if err == nil {
		t.Fatal("request beyond the burst should be rejected")
	}
	if llm.CodeOf(err) != llm.ErrRateLimit {
		t.Errorf("error code = %q, expected %q", llm.CodeOf(err), llm.ErrRateLimit)
	}
}

func TestAdmit_UnlimitedProvider(t *testing.T) {
	limiter := NewProviderRateLimiter(testLimiterConfig())

	for i := 0; i < 100; i++ {
		if err := limiter.Admit(llm.ProviderOllama); err != nil {
			t.Fatalf("provider without a configured limit should always admit: %v", err)
		}
	}
}

func TestAdmit_IndependentBuckets(t *testing.T) {
	cfg := &config.LLMConfig{
		Providers: map[string]config.ProviderConfig{
			"openai": {RequestsPerMinute: 1},
			"groq":   {RequestsPerMinute: 1},
		},
	}
	limiter := NewProviderRateLimiter(cfg)

	if err := limiter.Admit(llm.ProviderOpenAI); err != nil {
		t.Fatalf("first openai request should pass: %v", err)
	}
	if err := limiter.Admit(llm.ProviderOpenAI); err == nil {
		t.Fatal("second openai request should be rejected")
	}
	// Draining openai must not affect groq.
	if err := limiter.Admit(llm.ProviderGroq); err != nil {
		t.Errorf("groq bucket should be untouched: %v", err)
	}
}

func TestSetLimit_ReplacesBucket(t *testing.T) {
	limiter := NewProviderRateLimiter(testLimiterConfig())

	// Drain the original bucket.
	for i := 0; i < 3; i++ {
		_ = limiter.Admit(llm.ProviderOpenAI)
	}
	if err := limiter.Admit(llm.ProviderOpenAI); err == nil {
		t.Fatal("bucket should be empty before SetLimit")
	}

	limiter.SetLimit(llm.ProviderOpenAI, 10)
	if err := limiter.Admit(llm.ProviderOpenAI); err != nil {
		t.Errorf("fresh bucket should admit: %v", err)
	}
}

func TestSetLimit_ZeroRemovesLimit(t *testing.T) {
	limiter := NewProviderRateLimiter(testLimiterConfig())
	limiter.SetLimit(llm.ProviderOpenAI, 0)

	for i := 0; i < 50; i++ {
		if err := limiter.Admit(llm.ProviderOpenAI); err != nil {
			t.Fatalf("limit removed, request %d should be admitted: %v", i+1, err)
		}
	}
}
