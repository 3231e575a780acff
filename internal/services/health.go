package services

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/bytefold/llmgateway/internal/config"
	"github.com/bytefold/llmgateway/internal/llm"
	"github.com/bytefold/llmgateway/internal/models"
	"github.com/bytefold/llmgateway/pkg/logger"
)

// providerHealth is one provider's in-memory health window.
type providerHealth struct {
	state         string
	failures      int
	successes     int64
	attempts      int64
	totalLatency  int64
	lastError     string
	lastCheckedAt time.Time
}

// HealthMonitor tracks provider liveness from two signals: periodic active
// probes and passive reports from real traffic. State transitions follow
// consecutive failures only, so one slow request never flips a provider:
// failures >= downThreshold marks down, >= degradedThreshold marks degraded,
// and any success restores healthy immediately.
type HealthMonitor struct {
	db       *gorm.DB
	registry *llm.Registry
	cfg      *config.HealthConfig

	mu     sync.RWMutex
	states map[llm.ProviderName]*providerHealth
}

func NewHealthMonitor(db *gorm.DB, registry *llm.Registry, cfg *config.HealthConfig) *HealthMonitor {
	m := &HealthMonitor{
		db:       db,
		registry: registry,
		cfg:      cfg,
		states:   make(map[llm.ProviderName]*providerHealth),
	}
	for _, name := range registry.Names() {
		m.states[name] = &providerHealth{state: models.ProviderUnknown}
	}
	return m
}

func (m *HealthMonitor) state(provider llm.ProviderName) *providerHealth {
	if h, ok := m.states[provider]; ok {
		return h
	}
	h := &providerHealth{state: models.ProviderUnknown}
	m.states[provider] = h
	return h
}

// Available reports whether the provider may receive traffic. Unknown counts
// as available so a freshly started gateway does not refuse everything until
// the first probe round.
func (m *HealthMonitor) Available(provider llm.ProviderName) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.states[provider]
	if !ok {
		return true
	}
	return h.state != models.ProviderDown
}

// State returns the provider's current health state string.
func (m *HealthMonitor) State(provider llm.ProviderName) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.states[provider]
	if !ok {
		return models.ProviderUnknown
	}
	return h.state
}

// ReportSuccess feeds a real request's outcome into the health window.
// A single success restores the provider to healthy.
func (m *HealthMonitor) ReportSuccess(provider llm.ProviderName, latency time.Duration) {
	m.mu.Lock()
	h := m.state(provider)
	prev := h.state
	h.failures = 0
	h.state = models.ProviderHealthy
	h.successes++
	h.attempts++
	h.totalLatency += latency.Milliseconds()
	h.lastError = ""
	m.mu.Unlock()

	if prev != models.ProviderHealthy {
		logger.Infof("[Health] Provider %s recovered: %s -> healthy", provider, prev)
		m.persist(provider)
	}
}

// ReportFailure feeds a failed real request into the health window.
// Transient failures count toward the consecutive-failure thresholds. An
// authentication failure marks the provider down immediately: a rejected key
// fails every caller until credentials are fixed, and the next successful
// probe after rotation brings the provider back. Validation and local
// admission failures say nothing about provider liveness and are ignored.
func (m *HealthMonitor) ReportFailure(provider llm.ProviderName, err error) {
	if llm.CodeOf(err) == llm.ErrAuthentication {
		m.mu.Lock()
		h := m.state(provider)
		h.failures++
		h.attempts++
		if err != nil {
			h.lastError = err.Error()
		}
		prev := h.state
		h.state = models.ProviderDown
		m.mu.Unlock()

		if prev != models.ProviderDown {
			logger.Warnf("[Health] Provider %s credentials rejected, marking down: %v", provider, err)
			m.persist(provider)
		}
		return
	}

	if !llm.IsTransient(err) {
		return
	}

	m.mu.Lock()
	h := m.state(provider)
	h.failures++
	h.attempts++
	if err != nil {
		h.lastError = err.Error()
	}
	prev := h.state
	h.state = m.classify(h.failures, prev)
	changed := h.state != prev
	newState := h.state
	failures := h.failures
	m.mu.Unlock()

	if changed {
		logger.Warnf("[Health] Provider %s: %s -> %s after %d consecutive failures",
			provider, prev, newState, failures)
		m.persist(provider)
	}
}

func (m *HealthMonitor) classify(failures int, current string) string {
	down := m.cfg.DownThreshold
	degraded := m.cfg.DegradedThreshold
	if down <= 0 {
		down = 5
	}
	if degraded <= 0 {
		degraded = 2
	}
	switch {
	case failures >= down:
		return models.ProviderDown
	case failures >= degraded:
		return models.ProviderDegraded
	case current == models.ProviderUnknown:
		return models.ProviderUnknown
	default:
		return current
	}
}

// ProbeAll actively checks every registered provider. Down providers are
// probed too; that is how they come back.
func (m *HealthMonitor) ProbeAll(ctx context.Context) {
	timeout := time.Duration(m.cfg.ProbeTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	for _, name := range m.registry.Names() {
		provider, ok := m.registry.Get(name)
		if !ok {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		var err error
		if w, isWarmer := provider.(llm.Warmer); isWarmer {
			err = w.Warm(probeCtx)
		} else {
			_, err = provider.ListModels(probeCtx)
		}
		cancel()

		m.mu.Lock()
		h := m.state(name)
		h.lastCheckedAt = time.Now()
		prev := h.state
		if err != nil {
			h.failures++
			h.lastError = err.Error()
			h.state = m.classify(h.failures, prev)
		} else {
			h.failures = 0
			h.state = models.ProviderHealthy
			h.lastError = ""
			h.successes++
			h.attempts++
			h.totalLatency += time.Since(start).Milliseconds()
		}
		changed := h.state != prev
		newState := h.state
		m.mu.Unlock()

		if changed {
			logger.Infof("[Health] Probe moved provider %s: %s -> %s", name, prev, newState)
		}
		m.persist(name)
	}
}

// Snapshot returns a copy of every provider's health for the status API.
type HealthSnapshot struct {
	Provider            string     `json:"provider"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	SuccessRate         float64    `json:"success_rate"`
	AvgLatencyMs        float64    `json:"avg_latency_ms"`
	LastError           string     `json:"last_error,omitempty"`
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty"`
}

func (m *HealthMonitor) Snapshot() []HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]HealthSnapshot, 0, len(m.states))
	for _, name := range m.registry.Names() {
		h, ok := m.states[name]
		if !ok {
			continue
		}
		snap := HealthSnapshot{
			Provider:            string(name),
			State:               h.state,
			ConsecutiveFailures: h.failures,
			LastError:           h.lastError,
		}
		if h.attempts > 0 {
			snap.SuccessRate = float64(h.successes) / float64(h.attempts)
		}
		if h.successes > 0 {
			snap.AvgLatencyMs = float64(h.totalLatency) / float64(h.successes)
		}
		if !h.lastCheckedAt.IsZero() {
			t := h.lastCheckedAt
			snap.LastCheckedAt = &t
		}
		out = append(out, snap)
	}
	return out
}

func (m *HealthMonitor) persist(provider llm.ProviderName) {
	if m.db == nil {
		return
	}
	m.mu.RLock()
	h, ok := m.states[provider]
	if !ok {
		m.mu.RUnlock()
		return
	}
	updates := map[string]interface{}{
		"state":                h.state,
		"consecutive_failures": h.failures,
		"last_error":           h.lastError,
	}
	if h.attempts > 0 {
		updates["success_rate"] = float64(h.successes) / float64(h.attempts)
	}
	if h.successes > 0 {
		updates["avg_latency_ms"] = float64(h.totalLatency) / float64(h.successes)
	}
	if !h.lastCheckedAt.IsZero() {
		t := h.lastCheckedAt
		updates["last_checked_at"] = &t
	}
	m.mu.RUnlock()

	err := m.db.Model(&models.ProviderStatus{}).
		Where("provider = ?", string(provider)).
		Updates(updates).Error
	if err != nil {
		logger.Warnf("[Health] Failed to persist status for %s: %v", provider, err)
	}
}
