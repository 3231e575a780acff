package llm

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicProvider wraps the native Claude SDK.
type anthropicProvider struct {
	client       anthropic.Client
	apiKey       string
	defaultModel string
}

// NewAnthropic builds the Claude adapter. baseURL is optional.
func NewAnthropic(apiKey, baseURL, defaultModel string) Provider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-20250514"
	}
	return &anthropicProvider{
		client:       anthropic.NewClient(opts...),
		apiKey:       apiKey,
		defaultModel: defaultModel,
	}
}

func (p *anthropicProvider) Name() ProviderName { return ProviderAnthropic }

func (p *anthropicProvider) ValidateConfig() error {
	if p.apiKey == "" {
		return NewError(ErrAuthentication, ProviderAnthropic, "api key not configured")
	}
	return nil
}

func (p *anthropicProvider) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	page, err := p.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, p.normalizeError(err)
	}
	models := make([]ModelDescriptor, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, ModelDescriptor{ID: string(m.ID), Provider: string(ProviderAnthropic)})
	}
	return models, nil
}

func (p *anthropicProvider) EstimateCost(prompt, model string, maxTokens int) float64 {
	if model == "" {
		model = p.defaultModel
	}
	return EstimateCostFor(ProviderAnthropic, model, prompt, maxTokens)
}

func (p *anthropicProvider) Generate(ctx context.Context, req *GenerationRequest) (*GenerationResult, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}

	start := time.Now()
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.normalizeError(err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	promptTokens := int(resp.Usage.InputTokens)
	completionTokens := int(resp.Usage.OutputTokens)
	return &GenerationResult{
		Content:          content,
		FinishReason:     string(resp.StopReason),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Latency:          time.Since(start),
	}, nil
}

func (p *anthropicProvider) normalizeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(ErrTimeout, ProviderAnthropic, err)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return WrapError(codeForStatus(apiErr.StatusCode), ProviderAnthropic, err)
	}
	return WrapError(ErrProvider, ProviderAnthropic, err)
}
