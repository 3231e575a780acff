package llm

import (
	"context"
	"fmt"
	"time"
)

// ProviderName identifies one of the known upstream vendors. Dispatch is a
// closed set: adding a vendor means adding a constant, an adapter and a
// factory case.
type ProviderName string

const (
	ProviderOpenAI     ProviderName = "openai"
	ProviderAnthropic  ProviderName = "anthropic"
	ProviderGroq       ProviderName = "groq"
	ProviderPerplexity ProviderName = "perplexity"
	ProviderOllama     ProviderName = "ollama"
	ProviderGemini     ProviderName = "gemini"
)

// AllProviders lists every known provider in default priority order.
func AllProviders() []ProviderName {
	return []ProviderName{
		ProviderOpenAI,
		ProviderAnthropic,
		ProviderGroq,
		ProviderPerplexity,
		ProviderOllama,
		ProviderGemini,
	}
}

// ParseProvider validates a provider name from user input.
func ParseProvider(s string) (ProviderName, error) {
	for _, p := range AllProviders() {
		if string(p) == s {
			return p, nil
		}
	}
	return "", &Error{Code: ErrValidation, Message: fmt.Sprintf("unknown provider: %q", s)}
}

// GenerationRequest is the normalized request every adapter accepts.
type GenerationRequest struct {
	Prompt       string
	SystemPrompt string
	Model        string
	Temperature  float64
	MaxTokens    int
	TopP         float64
}

// GenerationResult is the normalized result every adapter returns.
type GenerationResult struct {
	Content          string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Latency          time.Duration
}

// Chunk is one streamed fragment of a generation.
type Chunk struct {
	Content string
	Done    bool
}

// ModelDescriptor describes one model an adapter can serve.
type ModelDescriptor struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
}

// Provider is the uniform adapter contract wrapping one vendor.
// Adapters translate vendor-specific failures into *Error values so the
// orchestrator can make retry decisions without knowing the vendor.
type Provider interface {
	Name() ProviderName
	ListModels(ctx context.Context) ([]ModelDescriptor, error)
	EstimateCost(prompt string, model string, maxTokens int) float64
	Generate(ctx context.Context, req *GenerationRequest) (*GenerationResult, error)
	ValidateConfig() error
}

// Streamer is implemented by adapters that support incremental output.
// onChunk is called once per fragment in arrival order; returning an error
// aborts the stream.
type Streamer interface {
	GenerateStream(ctx context.Context, req *GenerationRequest, onChunk func(Chunk) error) (*GenerationResult, error)
}

// Warmer is implemented by local/self-hosted adapters whose runtime may not
// be running at all. The health monitor prefers Warm over ListModels for
// these.
type Warmer interface {
	Warm(ctx context.Context) error
}
