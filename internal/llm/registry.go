package llm

import (
	"sync"

	"github.com/bytefold/llmgateway/internal/config"
	"github.com/bytefold/llmgateway/pkg/logger"
)

// AvailabilityFunc reports whether a provider may currently be selected.
// The health monitor supplies one that excludes down and maintenance-mode
// providers; budget exhaustion flips maintenance mode through the same path.
type AvailabilityFunc func(ProviderName) bool

// Registry builds one adapter per enabled provider from configuration and
// resolves which adapters a request may use.
type Registry struct {
	mu              sync.RWMutex
	providers       map[ProviderName]Provider
	enabled         map[ProviderName]bool
	defaultProvider ProviderName
	priority        []ProviderName
	available       AvailabilityFunc
}

// NewRegistry constructs adapters for every enabled provider in cfg.
// Providers whose configuration fails validation are constructed disabled so
// an operator can fix credentials at runtime without a restart.
func NewRegistry(cfg *config.LLMConfig) (*Registry, error) {
	r := &Registry{
		providers: make(map[ProviderName]Provider),
		enabled:   make(map[ProviderName]bool),
	}

	for _, name := range AllProviders() {
		pc := cfg.Provider(string(name))
		if !pc.Enabled {
			continue
		}

		adapter, err := buildAdapter(name, pc)
		if err != nil {
			return nil, err
		}
		r.providers[name] = adapter

		if err := adapter.ValidateConfig(); err != nil {
			logger.Warnf("[Registry] Provider %s configured but invalid, disabling: %v", name, err)
			r.enabled[name] = false
			continue
		}
		r.enabled[name] = true
	}

	if def, err := ParseProvider(cfg.DefaultProvider); err == nil {
		r.defaultProvider = def
	}
	for _, s := range cfg.Priority {
		if p, err := ParseProvider(s); err == nil {
			r.priority = append(r.priority, p)
		}
	}
	if len(r.priority) == 0 {
		r.priority = AllProviders()
	}

	return r, nil
}

func buildAdapter(name ProviderName, pc config.ProviderConfig) (Provider, error) {
	switch name {
	case ProviderOpenAI:
		return NewOpenAI(pc.APIKey, pc.BaseURL, pc.Model), nil
	case ProviderAnthropic:
		return NewAnthropic(pc.APIKey, pc.BaseURL, pc.Model), nil
	case ProviderGroq:
		return NewGroq(pc.APIKey, pc.BaseURL, pc.Model), nil
	case ProviderPerplexity:
		return NewPerplexity(pc.APIKey, pc.BaseURL, pc.Model), nil
	case ProviderOllama:
		return NewOllama(pc.BaseURL, pc.Model)
	case ProviderGemini:
		return NewGemini(pc.APIKey, pc.Model), nil
	}
	return nil, NewError(ErrValidation, name, "no adapter for provider")
}

// SetAvailability injects the health monitor's view. Before injection every
// enabled provider counts as available.
func (r *Registry) SetAvailability(fn AvailabilityFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available = fn
}

// Get returns the adapter for a provider regardless of enablement, for
// health probes and admin inspection.
func (r *Registry) Get(name ProviderName) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Enabled reports whether a provider is configured and enabled.
func (r *Registry) Enabled(name ProviderName) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[name]
}

// SetEnabled flips a provider's enablement at runtime.
func (r *Registry) SetEnabled(name ProviderName, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return NewError(ErrValidation, name, "provider not configured")
	}
	r.enabled[name] = enabled
	return nil
}

// Default returns the process-wide default provider.
func (r *Registry) Default() ProviderName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultProvider
}

// SetDefault changes the process-wide default provider at runtime.
func (r *Registry) SetDefault(name ProviderName) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return NewError(ErrValidation, name, "provider not configured")
	}
	r.defaultProvider = name
	return nil
}

// Names returns every configured provider, enabled or not.
func (r *Registry) Names() []ProviderName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]ProviderName, 0, len(r.providers))
	for _, p := range AllProviders() {
		if _, ok := r.providers[p]; ok {
			names = append(names, p)
		}
	}
	return names
}

// Candidate is one entry in a request's resolution order. Skipped entries
// are providers the chain passes over without dispatching — down,
// maintenance mode, or budget exhausted. They stay in the chain because the
// request's retry accounting counts them: a provider skipped for
// unavailability consumed a fallback position even though no call was made.
type Candidate struct {
	Provider Provider
	Skipped  bool
}

// Candidates resolves the ordered chain for one request: explicit request
// parameter first, then the configured default, then the priority list.
// Disabled providers are dropped; unavailable providers are kept but marked
// Skipped and are never dispatched. A chain with no dispatchable entry is
// the terminal no_provider_available condition.
func (r *Registry) Candidates(explicit ProviderName) ([]Candidate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var order []ProviderName
	if explicit != "" {
		order = append(order, explicit)
	}
	if r.defaultProvider != "" {
		order = append(order, r.defaultProvider)
	}
	order = append(order, r.priority...)

	seen := make(map[ProviderName]bool)
	var out []Candidate
	dispatchable := 0
	for _, name := range order {
		if seen[name] {
			continue
		}
		seen[name] = true

		if !r.enabled[name] {
			continue
		}
		if r.available != nil && !r.available(name) {
			out = append(out, Candidate{Provider: r.providers[name], Skipped: true})
			continue
		}
		out = append(out, Candidate{Provider: r.providers[name]})
		dispatchable++
	}

	if dispatchable == 0 {
		return nil, NewError(ErrNoProvider, "", "no provider available")
	}
	return out, nil
}
