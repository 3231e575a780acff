package llm

// modelPrice holds USD cost per 1M tokens.
type modelPrice struct {
	Prompt     float64
	Completion float64
}

// Prices are approximate list prices; they only need to be consistent so the
// cost guard's reserve/commit arithmetic holds. Unknown models fall back to
// the per-provider default.
var modelPrices = map[string]modelPrice{
	// OpenAI
	"gpt-4o":      {Prompt: 2.50, Completion: 10.00},
	"gpt-4o-mini": {Prompt: 0.15, Completion: 0.60},
	"gpt-4-turbo": {Prompt: 10.00, Completion: 30.00},
	"gpt-3.5-turbo": {Prompt: 0.50, Completion: 1.50},

	// Anthropic
	"claude-sonnet-4-20250514":   {Prompt: 3.00, Completion: 15.00},
	"claude-3-5-haiku-20241022":  {Prompt: 0.80, Completion: 4.00},
	"claude-3-opus-20240229":     {Prompt: 15.00, Completion: 75.00},

	// Groq
	"llama3-8b-8192":  {Prompt: 0.05, Completion: 0.08},
	"llama3-70b-8192": {Prompt: 0.59, Completion: 0.79},
	"mixtral-8x7b-32768": {Prompt: 0.24, Completion: 0.24},

	// Perplexity
	"sonar":     {Prompt: 1.00, Completion: 1.00},
	"sonar-pro": {Prompt: 3.00, Completion: 15.00},

	// Gemini
	"gemini-2.0-flash": {Prompt: 0.10, Completion: 0.40},
	"gemini-1.5-pro":   {Prompt: 1.25, Completion: 5.00},
}

var providerDefaultPrices = map[ProviderName]modelPrice{
	ProviderOpenAI:     {Prompt: 2.50, Completion: 10.00},
	ProviderAnthropic:  {Prompt: 3.00, Completion: 15.00},
	ProviderGroq:       {Prompt: 0.59, Completion: 0.79},
	ProviderPerplexity: {Prompt: 1.00, Completion: 1.00},
	ProviderOllama:     {Prompt: 0, Completion: 0}, // local runtime, no metered cost
	ProviderGemini:     {Prompt: 1.25, Completion: 5.00},
}

// EstimateTokens approximates the token count of a text at ~4 chars/token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func priceFor(provider ProviderName, model string) modelPrice {
	if p, ok := modelPrices[model]; ok {
		return p
	}
	return providerDefaultPrices[provider]
}

// CostFor computes the USD cost of a completed call from measured token
// counts.
func CostFor(provider ProviderName, model string, promptTokens, completionTokens int) float64 {
	p := priceFor(provider, model)
	return float64(promptTokens)/1e6*p.Prompt + float64(completionTokens)/1e6*p.Completion
}

// EstimateCostFor computes the worst-case USD cost of a call before it is
// made: estimated prompt tokens plus the full completion budget. The cost
// guard reserves this amount and reconciles with CostFor on completion.
func EstimateCostFor(provider ProviderName, model, prompt string, maxTokens int) float64 {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return CostFor(provider, model, EstimateTokens(prompt), maxTokens)
}
