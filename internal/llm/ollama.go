package llm

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// ollamaProvider wraps a local Ollama runtime. It has no metered cost and
// additionally exposes Warm so the health monitor can tell "runtime down"
// apart from "model missing".
type ollamaProvider struct {
	client       *api.Client
	baseURL      string
	defaultModel string
}

// NewOllama builds the Ollama adapter. baseURL defaults to the local daemon.
func NewOllama(baseURL, defaultModel string) (Provider, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, NewError(ErrValidation, ProviderOllama, "invalid base URL %q: %v", baseURL, err)
	}
	if defaultModel == "" {
		defaultModel = "llama3"
	}
	return &ollamaProvider{
		client:       api.NewClient(u, http.DefaultClient),
		baseURL:      baseURL,
		defaultModel: defaultModel,
	}, nil
}

func (p *ollamaProvider) Name() ProviderName { return ProviderOllama }

func (p *ollamaProvider) ValidateConfig() error {
	if p.baseURL == "" {
		return NewError(ErrValidation, ProviderOllama, "base URL not configured")
	}
	return nil
}

// Warm checks that the local runtime is reachable at all.
func (p *ollamaProvider) Warm(ctx context.Context) error {
	if _, err := p.client.Version(ctx); err != nil {
		return p.normalizeError(err)
	}
	return nil
}

func (p *ollamaProvider) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	list, err := p.client.List(ctx)
	if err != nil {
		return nil, p.normalizeError(err)
	}
	models := make([]ModelDescriptor, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, ModelDescriptor{ID: m.Name, Provider: string(ProviderOllama)})
	}
	return models, nil
}

func (p *ollamaProvider) EstimateCost(prompt, model string, maxTokens int) float64 {
	return 0 // local runtime
}

func (p *ollamaProvider) chatRequest(req *GenerationRequest, stream bool) *api.ChatRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var messages []api.Message
	if req.SystemPrompt != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.Prompt})

	options := map[string]interface{}{
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.TopP > 0 {
		options["top_p"] = req.TopP
	}

	return &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}
}

func (p *ollamaProvider) Generate(ctx context.Context, req *GenerationRequest) (*GenerationResult, error) {
	start := time.Now()

	var content strings.Builder
	var promptTokens, completionTokens int
	finishReason := "stop"

	err := p.client.Chat(ctx, p.chatRequest(req, false), func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		if resp.Done {
			promptTokens = resp.PromptEvalCount
			completionTokens = resp.EvalCount
			if resp.DoneReason != "" {
				finishReason = resp.DoneReason
			}
		}
		return nil
	})
	if err != nil {
		return nil, p.normalizeError(err)
	}

	return &GenerationResult{
		Content:          content.String(),
		FinishReason:     finishReason,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Latency:          time.Since(start),
	}, nil
}

func (p *ollamaProvider) GenerateStream(ctx context.Context, req *GenerationRequest, onChunk func(Chunk) error) (*GenerationResult, error) {
	start := time.Now()

	var content strings.Builder
	var promptTokens, completionTokens int
	finishReason := "stop"

	err := p.client.Chat(ctx, p.chatRequest(req, true), func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			content.WriteString(resp.Message.Content)
			if err := onChunk(Chunk{Content: resp.Message.Content}); err != nil {
				return err
			}
		}
		if resp.Done {
			promptTokens = resp.PromptEvalCount
			completionTokens = resp.EvalCount
			if resp.DoneReason != "" {
				finishReason = resp.DoneReason
			}
		}
		return nil
	})
	if err != nil {
		return nil, p.normalizeError(err)
	}
	if err := onChunk(Chunk{Done: true}); err != nil {
		return nil, err
	}

	return &GenerationResult{
		Content:          content.String(),
		FinishReason:     finishReason,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Latency:          time.Since(start),
	}, nil
}

func (p *ollamaProvider) normalizeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(ErrTimeout, ProviderOllama, err)
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return WrapError(codeForStatus(statusErr.StatusCode), ProviderOllama, err)
	}
	// Connection refused and friends: the runtime is not up.
	return WrapError(ErrProvider, ProviderOllama, err)
}
