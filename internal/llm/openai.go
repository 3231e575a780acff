package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	groqBaseURL       = "https://api.groq.com/openai/v1"
	perplexityBaseURL = "https://api.perplexity.ai"
)

// openAICompatible drives OpenAI and the OpenAI-compatible vendors (Groq,
// Perplexity) through the same client, differing only in name, base URL and
// default model.
type openAICompatible struct {
	name         ProviderName
	client       *openai.Client
	apiKey       string
	defaultModel string
}

// NewOpenAI builds the OpenAI adapter. baseURL is optional and supports
// compatible proxies.
func NewOpenAI(apiKey, baseURL, defaultModel string) Provider {
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return newCompatible(ProviderOpenAI, apiKey, baseURL, defaultModel)
}

// NewGroq builds the Groq adapter on the OpenAI-compatible endpoint.
func NewGroq(apiKey, baseURL, defaultModel string) Provider {
	if baseURL == "" {
		baseURL = groqBaseURL
	}
	if defaultModel == "" {
		defaultModel = "llama3-8b-8192"
	}
	return newCompatible(ProviderGroq, apiKey, baseURL, defaultModel)
}

// NewPerplexity builds the Perplexity adapter on the OpenAI-compatible
// endpoint.
func NewPerplexity(apiKey, baseURL, defaultModel string) Provider {
	if baseURL == "" {
		baseURL = perplexityBaseURL
	}
	if defaultModel == "" {
		defaultModel = "sonar"
	}
	return newCompatible(ProviderPerplexity, apiKey, baseURL, defaultModel)
}

func newCompatible(name ProviderName, apiKey, baseURL, defaultModel string) *openAICompatible {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	return &openAICompatible{
		name:         name,
		client:       openai.NewClientWithConfig(clientConfig),
		apiKey:       apiKey,
		defaultModel: defaultModel,
	}
}

func (p *openAICompatible) Name() ProviderName { return p.name }

func (p *openAICompatible) ValidateConfig() error {
	if p.apiKey == "" {
		return NewError(ErrAuthentication, p.name, "api key not configured")
	}
	return nil
}

func (p *openAICompatible) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, p.normalizeError(err)
	}
	models := make([]ModelDescriptor, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, ModelDescriptor{ID: m.ID, Provider: string(p.name)})
	}
	return models, nil
}

func (p *openAICompatible) EstimateCost(prompt, model string, maxTokens int) float64 {
	if model == "" {
		model = p.defaultModel
	}
	return EstimateCostFor(p.name, model, prompt, maxTokens)
}

func (p *openAICompatible) buildRequest(req *GenerationRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var messages []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	out := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.TopP > 0 {
		out.TopP = float32(req.TopP)
	}
	return out
}

func (p *openAICompatible) Generate(ctx context.Context, req *GenerationRequest) (*GenerationResult, error) {
	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return nil, p.normalizeError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewError(ErrProvider, p.name, "empty choices in response")
	}

	choice := resp.Choices[0]
	return &GenerationResult{
		Content:          choice.Message.Content,
		FinishReason:     string(choice.FinishReason),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Latency:          time.Since(start),
	}, nil
}

// GenerateStream forwards chunks as they arrive. Token usage is estimated
// from the accumulated text because the streaming API omits usage on most
// compatible endpoints.
func (p *openAICompatible) GenerateStream(ctx context.Context, req *GenerationRequest, onChunk func(Chunk) error) (*GenerationResult, error) {
	start := time.Now()
	request := p.buildRequest(req)
	request.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, p.normalizeError(err)
	}
	defer stream.Close()

	var content strings.Builder
	finishReason := ""
	for {
		resp, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return nil, p.normalizeError(recvErr)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if resp.Choices[0].FinishReason != "" {
			finishReason = string(resp.Choices[0].FinishReason)
		}
		if delta == "" {
			continue
		}
		content.WriteString(delta)
		if err := onChunk(Chunk{Content: delta}); err != nil {
			return nil, err
		}
	}
	if err := onChunk(Chunk{Done: true}); err != nil {
		return nil, err
	}

	text := content.String()
	promptTokens := EstimateTokens(req.Prompt) + EstimateTokens(req.SystemPrompt)
	completionTokens := EstimateTokens(text)
	return &GenerationResult{
		Content:          text,
		FinishReason:     finishReason,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Latency:          time.Since(start),
	}, nil
}

// normalizeError maps go-openai errors onto the shared taxonomy using the
// upstream HTTP status. Context deadline wins over the generic wrap so a
// caller timeout is never reported as a provider fault.
func (p *openAICompatible) normalizeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(ErrTimeout, p.name, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := codeForStatus(apiErr.HTTPStatusCode)
		if apiErr.Type == "invalid_request_error" && strings.Contains(apiErr.Message, "model") {
			code = ErrValidation
		}
		return WrapError(code, p.name, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return WrapError(codeForStatus(reqErr.HTTPStatusCode), p.name, err)
	}
	return WrapError(ErrProvider, p.name, err)
}
