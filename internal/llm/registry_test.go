package llm

import (
	"testing"

	"github.com/bytefold/llmgateway/internal/config"
)

func testLLMConfig() *config.LLMConfig {
	return &config.LLMConfig{
		DefaultProvider: "openai",
		Priority:        []string{"openai", "groq", "anthropic"},
		Providers: map[string]config.ProviderConfig{
			"openai":    {Enabled: true, APIKey: "test-key", Model: "gpt-4o-mini"},
			"groq":      {Enabled: true, APIKey: "test-key", Model: "llama3-8b-8192"},
			"anthropic": {Enabled: true, APIKey: "test-key", Model: "claude-3-5-haiku-20241022"},
		},
	}
}

func providerNames(candidates []Candidate) []ProviderName {
	names := make([]ProviderName, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, c.Provider.Name())
	}
	return names
}

func TestNewRegistry_BuildsEnabledProviders(t *testing.T) {
	r, err := NewRegistry(testLLMConfig())
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}

	names := r.Names()
	if len(names) != 3 {
		t.Fatalf("expected 3 providers, got %d", len(names))
	}
	for _, name := range names {
		if !r.Enabled(name) {
			t.Errorf("provider %s should be enabled", name)
		}
	}
	if r.Default() != ProviderOpenAI {
		t.Errorf("default = %s, expected openai", r.Default())
	}
}

func TestNewRegistry_MissingKeyDisablesProvider(t *testing.T) {
	cfg := testLLMConfig()
	pc := cfg.Providers["groq"]
	pc.APIKey = ""
	cfg.Providers["groq"] = pc

	r, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}

	if r.Enabled(ProviderGroq) {
		t.Error("provider without key should be constructed disabled")
	}
	if _, ok := r.Get(ProviderGroq); !ok {
		t.Error("disabled provider should still be retrievable for admin inspection")
	}
}

func TestCandidates_ExplicitWinsThenDefaultThenPriority(t *testing.T) {
	r, err := NewRegistry(testLLMConfig())
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}

	candidates, err := r.Candidates(ProviderAnthropic)
	if err != nil {
		t.Fatalf("Candidates returned error: %v", err)
	}

	got := providerNames(candidates)
	expected := []ProviderName{ProviderAnthropic, ProviderOpenAI, ProviderGroq}
	if len(got) != len(expected) {
		t.Fatalf("got %d candidates, expected %d: %v", len(got), len(expected), got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("candidate[%d] = %s, expected %s", i, got[i], expected[i])
		}
	}
}

func TestCandidates_NoExplicitUsesDefaultFirst(t *testing.T) {
	r, _ := NewRegistry(testLLMConfig())

	candidates, err := r.Candidates("")
	if err != nil {
		t.Fatalf("Candidates returned error: %v", err)
	}

	got := providerNames(candidates)
	if got[0] != ProviderOpenAI {
		t.Errorf("first candidate = %s, expected default openai", got[0])
	}
}

func TestCandidates_FiltersDisabled(t *testing.T) {
	r, _ := NewRegistry(testLLMConfig())
	if err := r.SetEnabled(ProviderOpenAI, false); err != nil {
		t.Fatalf("SetEnabled returned error: %v", err)
	}

	candidates, err := r.Candidates("")
	if err != nil {
		t.Fatalf("Candidates returned error: %v", err)
	}
	for _, name := range providerNames(candidates) {
		if name == ProviderOpenAI {
			t.Error("disabled provider should not appear in candidates")
		}
	}
}

func TestCandidates_UnavailableKeptAsSkipped(t *testing.T) {
	r, _ := NewRegistry(testLLMConfig())
	r.SetAvailability(func(name ProviderName) bool {
		return name != ProviderOpenAI
	})

	candidates, err := r.Candidates(ProviderOpenAI)
	if err != nil {
		t.Fatalf("Candidates returned error: %v", err)
	}

	// The unavailable provider stays in the chain, marked skipped, so the
	// attempt accounting can count it; it must never be dispatched.
	if len(candidates) != 3 {
		t.Fatalf("got %d candidates, expected 3", len(candidates))
	}
	if candidates[0].Provider.Name() != ProviderOpenAI || !candidates[0].Skipped {
		t.Errorf("expected openai first and skipped, got %s skipped=%v",
			candidates[0].Provider.Name(), candidates[0].Skipped)
	}
	for _, c := range candidates[1:] {
		if c.Skipped {
			t.Errorf("available provider %s should not be skipped", c.Provider.Name())
		}
	}
}

func TestCandidates_EmptyIsNoProviderError(t *testing.T) {
	r, _ := NewRegistry(testLLMConfig())
	r.SetAvailability(func(ProviderName) bool { return false })

	_, err := r.Candidates("")
	if err == nil {
		t.Fatal("expected error when every provider is unavailable")
	}
	if CodeOf(err) != ErrNoProvider {
		t.Errorf("error code = %q, expected %q", CodeOf(err), ErrNoProvider)
	}
}

func TestSetDefault(t *testing.T) {
	r, _ := NewRegistry(testLLMConfig())

	if err := r.SetDefault(ProviderGroq); err != nil {
		t.Fatalf("SetDefault returned error: %v", err)
	}
	if r.Default() != ProviderGroq {
		t.Errorf("default = %s, expected groq", r.Default())
	}

	if err := r.SetDefault(ProviderOllama); err == nil {
		t.Error("SetDefault should reject an unconfigured provider")
	}
}
