package services

import (
	"testing"

	"github.com/bytefold/llmgateway/internal/config"
	"github.com/bytefold/llmgateway/internal/llm"
)

func testOrchestrator(t *testing.T) *LLMService {
	t.Helper()
	cfg := &config.LLMConfig{
		DefaultProvider: "openai",
		Providers: map[string]config.ProviderConfig{
			"openai": {Enabled: true, APIKey: "test-key", Model: "gpt-4o-mini"},
			"groq":   {Enabled: true, APIKey: "test-key", Model: "llama-3.3-70b-versatile"},
		},
	}
	registry, err := llm.NewRegistry(cfg)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return NewLLMService(nil, cfg, registry, nil, nil, nil, nil, nil, nil, nil)
}

func TestValidate(t *testing.T) {
	svc := testOrchestrator(t)

	tests := []struct {
		name    string
		opts    GenerateOptions
		wantErr bool
	}{
		{"valid minimal", GenerateOptions{Prompt: "hello", Temperature: 0.7}, false},
		{"empty prompt", GenerateOptions{Prompt: ""}, true},
		{"whitespace prompt", GenerateOptions{Prompt: "   \n\t "}, true},
		{"temperature zero", GenerateOptions{Prompt: "x", Temperature: 0}, false},
		{"temperature two", GenerateOptions{Prompt: "x", Temperature: 2}, false},
		{"temperature too high", GenerateOptions{Prompt: "x", Temperature: 2.1}, true},
		{"temperature negative", GenerateOptions{Prompt: "x", Temperature: -0.1}, true},
		{"top_p one", GenerateOptions{Prompt: "x", TopP: 1}, false},
		{"top_p too high", GenerateOptions{Prompt: "x", TopP: 1.5}, true},
		{"negative max_tokens", GenerateOptions{Prompt: "x", MaxTokens: -1}, true},
		{"known provider", GenerateOptions{Prompt: "x", Provider: "anthropic"}, false},
		{"unknown provider", GenerateOptions{Prompt: "x", Provider: "skynet"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.validate(&tt.opts)
			if tt.wantErr && err == nil {
				t.Error("expected a validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr && err != nil && llm.CodeOf(err) != llm.ErrValidation {
				t.Errorf("error code = %q, expected %q", llm.CodeOf(err), llm.ErrValidation)
			}
		})
	}
}

func TestModelFor(t *testing.T) {
	svc := testOrchestrator(t)

	if got := svc.modelFor(llm.ProviderOpenAI, "gpt-4o"); got != "gpt-4o" {
		t.Errorf("explicit model should win, got %q", got)
	}
	if got := svc.modelFor(llm.ProviderOpenAI, ""); got != "gpt-4o-mini" {
		t.Errorf("should fall back to the configured default, got %q", got)
	}
	if got := svc.modelFor(llm.ProviderGroq, ""); got != "llama-3.3-70b-versatile" {
		t.Errorf("per-provider defaults are independent, got %q", got)
	}
}

func TestRequestTimeout_Default(t *testing.T) {
	svc := testOrchestrator(t)
	if got := svc.requestTimeout().Seconds(); got != 120 {
		t.Errorf("default timeout = %vs, expected 120s", got)
	}

	svc.cfg.RequestTimeoutSeconds = 30
	if got := svc.requestTimeout().Seconds(); got != 30 {
		t.Errorf("configured timeout = %vs, expected 30s", got)
	}
}

func TestSetFallbackCeiling_OverridesConfiguredValue(t *testing.T) {
	svc := testOrchestrator(t)

	if got := svc.maxAttempts(); got != 3 {
		t.Fatalf("default ceiling = %d, expected 3", got)
	}

	svc.SetFallbackCeiling(5)
	if got := svc.maxAttempts(); got != 5 {
		t.Errorf("ceiling after override = %d, expected 5", got)
	}

	// Zero and negative restore the configured value.
	svc.SetFallbackCeiling(0)
	if got := svc.maxAttempts(); got != 3 {
		t.Errorf("ceiling after reset = %d, expected 3", got)
	}
	svc.SetFallbackCeiling(-2)
	if got := svc.maxAttempts(); got != 3 {
		t.Errorf("ceiling after negative = %d, expected 3", got)
	}
}
