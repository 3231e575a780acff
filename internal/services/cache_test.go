package services

import (
	"testing"
	"time"

	"github.com/bytefold/llmgateway/internal/config"
	"github.com/bytefold/llmgateway/internal/llm"
)

func testCacheConfig() *config.CacheConfig {
	return &config.CacheConfig{
		Enabled:              true,
		TTLSeconds:           3600,
		MaxPromptChars:       1000,
		CacheableTemperature: 0.3,
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("openai", "gpt-4o-mini", "hello world", "be brief", 0.2, 256, 0.9)
	b := Fingerprint("openai", "gpt-4o-mini", "hello world", "be brief", 0.2, 256, 0.9)
	if a != b {
		t.Error("identical inputs should produce identical fingerprints")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint should be a sha256 hex string, got length %d", len(a))
	}
}

func TestFingerprint_WhitespaceNormalized(t *testing.T) {
	a := Fingerprint("openai", "gpt-4o-mini", "hello   world", "", 0.2, 256, 0)
	b := Fingerprint("openai", "gpt-4o-mini", "hello\n\tworld", "", 0.2, 256, 0)
	if a != b {
		t.Error("whitespace runs should hash identically")
	}
}

func TestFingerprint_ParameterSensitivity(t *testing.T) {
	base := Fingerprint("openai", "gpt-4o-mini", "hello", "", 0.2, 256, 0)
	tests := []struct {
		name string
		key  string
	}{
		{"provider", Fingerprint("groq", "gpt-4o-mini", "hello", "", 0.2, 256, 0)},
		{"model", Fingerprint("openai", "gpt-4o", "hello", "", 0.2, 256, 0)},
		{"prompt", Fingerprint("openai", "gpt-4o-mini", "goodbye", "", 0.2, 256, 0)},
		{"system prompt", Fingerprint("openai", "gpt-4o-mini", "hello", "terse", 0.2, 256, 0)},
		{"temperature", Fingerprint("openai", "gpt-4o-mini", "hello", "", 0.3, 256, 0)},
		{"max tokens", Fingerprint("openai", "gpt-4o-mini", "hello", "", 0.2, 512, 0)},
		{"top_p", Fingerprint("openai", "gpt-4o-mini", "hello", "", 0.2, 256, 0.5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.key == base {
				t.Errorf("changing %s should change the fingerprint", tt.name)
			}
		})
	}
}

func TestCacheable(t *testing.T) {
	svc := NewResponseCacheService(testCacheConfig())

	tests := []struct {
		name        string
		temperature float64
		stream      bool
		promptLen   int
		expected    bool
	}{
		{"deterministic request", 0.0, false, 100, true},
		{"at threshold", 0.3, false, 100, true},
		{"above threshold", 0.5, false, 100, false},
		{"streaming", 0.0, true, 100, false},
		{"prompt too long", 0.0, false, 2000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := svc.Cacheable(tt.temperature, tt.stream, tt.promptLen)
			if got != tt.expected {
				t.Errorf("Cacheable(%v, %v, %d) = %v, expected %v",
					tt.temperature, tt.stream, tt.promptLen, got, tt.expected)
			}
		})
	}
}

func TestCacheable_Disabled(t *testing.T) {
	cfg := testCacheConfig()
	cfg.Enabled = false
	svc := NewResponseCacheService(cfg)

	if svc.Cacheable(0.0, false, 10) {
		t.Error("disabled cache should never accept entries")
	}
}

func TestCache_StoreAndLookup(t *testing.T) {
	svc := NewResponseCacheService(testCacheConfig())
	result := &llm.GenerationResult{
		Content:          "answer",
		FinishReason:     "stop",
		PromptTokens:     10,
		CompletionTokens: 20,
		TotalTokens:      30,
	}

	key := Fingerprint("openai", "gpt-4o-mini", "question", "", 0.0, 256, 0)
	svc.Store(key, "openai", "gpt-4o-mini", result)

	hit := svc.Lookup(key)
	if hit == nil {
		t.Fatal("expected cache hit")
	}
	if hit.Content != "answer" || hit.Provider != "openai" || hit.TotalTokens != 30 {
		t.Errorf("unexpected cached entry: %+v", hit)
	}

	if svc.Lookup("missing-key") != nil {
		t.Error("lookup of unknown key should miss")
	}
}

func TestCache_ExpiredEntryEvictedOnLookup(t *testing.T) {
	svc := NewResponseCacheService(testCacheConfig())
	svc.Store("k", "openai", "gpt-4o-mini", &llm.GenerationResult{Content: "stale"})

	// Force expiry.
	svc.mu.Lock()
	svc.entries["k"].ExpiresAt = time.Now().Add(-time.Minute)
	svc.mu.Unlock()

	if svc.Lookup("k") != nil {
		t.Error("expired entry should miss")
	}
	if svc.Len() != 0 {
		t.Errorf("expired entry should be evicted, %d remain", svc.Len())
	}
}

func TestCache_Sweep(t *testing.T) {
	svc := NewResponseCacheService(testCacheConfig())
	svc.Store("fresh", "openai", "gpt-4o-mini", &llm.GenerationResult{})
	svc.Store("stale1", "openai", "gpt-4o-mini", &llm.GenerationResult{})
	svc.Store("stale2", "openai", "gpt-4o-mini", &llm.GenerationResult{})

	svc.mu.Lock()
	svc.entries["stale1"].ExpiresAt = time.Now().Add(-time.Minute)
	svc.entries["stale2"].ExpiresAt = time.Now().Add(-time.Minute)
	svc.mu.Unlock()

	removed := svc.Sweep()
	if removed != 2 {
		t.Errorf("Sweep removed %d, expected 2", removed)
	}
	if svc.Len() != 1 {
		t.Errorf("Len = %d after sweep, expected 1", svc.Len())
	}
}

func TestCache_Invalidate(t *testing.T) {
	svc := NewResponseCacheService(testCacheConfig())
	svc.Store("k", "openai", "gpt-4o-mini", &llm.GenerationResult{})
	svc.Invalidate("k")
	if svc.Lookup("k") != nil {
		t.Error("invalidated entry should miss")
	}
}

func TestSetTTL_AppliesToNewEntries(t *testing.T) {
	svc := NewResponseCacheService(testCacheConfig())
	svc.SetTTL(60)

	key := Fingerprint("openai", "gpt-4o-mini", "short ttl", "", 0.1, 128, 1.0)
	svc.Store(key, "openai", "gpt-4o-mini", &llm.GenerationResult{Content: "ok"})

	svc.mu.RLock()
	entry := svc.entries[key]
	svc.mu.RUnlock()
	if entry == nil {
		t.Fatal("entry should be stored")
	}
	remaining := time.Until(entry.ExpiresAt)
	if remaining > 61*time.Second || remaining < 55*time.Second {
		t.Errorf("entry expires in %v, expected about 60s", remaining)
	}

	// Non-positive values are ignored; the last valid TTL stays in force.
	svc.SetTTL(0)
	svc.SetTTL(-10)
	key2 := Fingerprint("openai", "gpt-4o-mini", "second entry", "", 0.1, 128, 1.0)
	svc.Store(key2, "openai", "gpt-4o-mini", &llm.GenerationResult{Content: "ok"})
	svc.mu.RLock()
	entry2 := svc.entries[key2]
	svc.mu.RUnlock()
	if d := time.Until(entry2.ExpiresAt); d > 61*time.Second {
		t.Errorf("zero/negative TTL should be ignored, entry expires in %v", d)
	}
}
