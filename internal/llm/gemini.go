package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/genai"
)

// geminiProvider wraps the Google GenAI SDK.
type geminiProvider struct {
	apiKey       string
	defaultModel string
}

// NewGemini builds the Gemini adapter.
func NewGemini(apiKey, defaultModel string) Provider {
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}
	return &geminiProvider{apiKey: apiKey, defaultModel: defaultModel}
}

func (p *geminiProvider) Name() ProviderName { return ProviderGemini }

func (p *geminiProvider) ValidateConfig() error {
	if p.apiKey == "" {
		return NewError(ErrAuthentication, ProviderGemini, "api key not configured")
	}
	return nil
}

// ListModels queries the GenAI model listing. The endpoint paginates across
// hundreds of tuned variants, so a single page is enough for both the API
// answer and the health probe; the call reaching the vendor at all is what
// the probe needs.
func (p *geminiProvider) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: p.apiKey})
	if err != nil {
		return nil, WrapError(ErrProvider, ProviderGemini, err)
	}

	page, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 50})
	if err != nil {
		return nil, p.normalizeError(err)
	}

	out := make([]ModelDescriptor, 0, len(page.Items))
	for _, m := range page.Items {
		out = append(out, ModelDescriptor{
			ID:       strings.TrimPrefix(m.Name, "models/"),
			Provider: string(ProviderGemini),
		})
	}
	return out, nil
}

func (p *geminiProvider) EstimateCost(prompt, model string, maxTokens int) float64 {
	if model == "" {
		model = p.defaultModel
	}
	return EstimateCostFor(ProviderGemini, model, prompt, maxTokens)
}

func (p *geminiProvider) Generate(ctx context.Context, req *GenerationRequest) (*GenerationResult, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: p.apiKey})
	if err != nil {
		return nil, WrapError(ErrProvider, ProviderGemini, err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	cfg := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.TopP > 0 {
		cfg.TopP = genai.Ptr(float32(req.TopP))
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemPrompt}}}
	}

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, p.normalizeError(err)
	}

	content := resp.Text()
	finishReason := "stop"
	promptTokens := EstimateTokens(req.Prompt) + EstimateTokens(req.SystemPrompt)
	completionTokens := EstimateTokens(content)
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
		finishReason = string(resp.Candidates[0].FinishReason)
	}
	if resp.UsageMetadata != nil {
		promptTokens = int(resp.UsageMetadata.PromptTokenCount)
		completionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &GenerationResult{
		Content:          content,
		FinishReason:     finishReason,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Latency:          time.Since(start),
	}, nil
}

func (p *geminiProvider) normalizeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(ErrTimeout, ProviderGemini, err)
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return WrapError(codeForStatus(apiErr.Code), ProviderGemini, err)
	}
	return WrapError(ErrProvider, ProviderGemini, err)
}
