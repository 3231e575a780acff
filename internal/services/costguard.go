package services

import (
	"sync"
	"time"

	"github.com/bytefold/llmgateway/internal/config"
	"github.com/bytefold/llmgateway/internal/llm"
	"github.com/bytefold/llmgateway/internal/models"
	"github.com/bytefold/llmgateway/pkg/logger"
	"gorm.io/gorm"
)

// providerSpend tracks one provider's daily accounting. Each provider has
// its own mutex so concurrent traffic to different vendors never contends.
type providerSpend struct {
	mu        sync.Mutex
	limit     float64 // 0 means unlimited
	committed float64
	reserved  float64
	exhausted bool
}

// CostGuard enforces per-provider daily spend budgets with
// reserve/commit/release semantics: a request reserves its estimated cost
// before the upstream call, then commits the actual cost on success or
// releases the reservation on failure. Hitting the budget marks the provider
// exhausted, which excludes it from registry resolution until the daily
// reset.
type CostGuard struct {
	db     *gorm.DB
	spends map[llm.ProviderName]*providerSpend
}

func NewCostGuard(db *gorm.DB, cfg *config.LLMConfig) *CostGuard {
	g := &CostGuard{
		db:     db,
		spends: make(map[llm.ProviderName]*providerSpend),
	}
	for name, pc := range cfg.Providers {
		g.spends[llm.ProviderName(name)] = &providerSpend{limit: pc.DailyBudgetUSD}
	}
	return g
}

func (g *CostGuard) spend(provider llm.ProviderName) *providerSpend {
	return g.spends[provider]
}

// Reserve admits estimatedCost against the provider's remaining budget.
// Rejection marks the provider exhausted even when the limiter still has
// capacity, per the budget invariant.
func (g *CostGuard) Reserve(provider llm.ProviderName, estimatedCost float64) error {
	s := g.spend(provider)
	if s == nil || s.limit <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.committed+s.reserved+estimatedCost > s.limit {
		if !s.exhausted {
			s.exhausted = true
			logger.Warnf("[CostGuard] Provider %s daily budget exhausted: spent=%.4f reserved=%.4f limit=%.4f",
				provider, s.committed, s.reserved, s.limit)
			go g.persistExhausted(provider, true)
		}
		return llm.NewError(llm.ErrBudgetExceeded, provider,
			"daily budget exhausted: spent %.4f of %.4f USD", s.committed+s.reserved, s.limit)
	}

	s.reserved += estimatedCost
	return nil
}

// Commit reconciles a finished call: the reservation is replaced by the
// actual measured cost.
func (g *CostGuard) Commit(provider llm.ProviderName, estimatedCost, actualCost float64) {
	s := g.spend(provider)
	if s == nil || s.limit <= 0 {
		return
	}

	s.mu.Lock()
	s.reserved -= estimatedCost
	if s.reserved < 0 {
		s.reserved = 0
	}
	s.committed += actualCost
	spent := s.committed
	s.mu.Unlock()

	go g.persistSpend(provider, spent)
}

// Release returns a reservation after a failed call; no cost is charged.
func (g *CostGuard) Release(provider llm.ProviderName, estimatedCost float64) {
	s := g.spend(provider)
	if s == nil || s.limit <= 0 {
		return
	}

	s.mu.Lock()
	s.reserved -= estimatedCost
	if s.reserved < 0 {
		s.reserved = 0
	}
	s.mu.Unlock()
}

// Exhausted reports whether the provider's budget is spent for today.
func (g *CostGuard) Exhausted(provider llm.ProviderName) bool {
	s := g.spend(provider)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// DailySpend returns the committed spend for today, for analytics.
func (g *CostGuard) DailySpend(provider llm.ProviderName) float64 {
	s := g.spend(provider)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// ResetDaily zeroes every provider's counters and clears exhaustion.
// Scheduled at midnight UTC by the bootstrap cron.
func (g *CostGuard) ResetDaily() {
	for provider, s := range g.spends {
		s.mu.Lock()
		s.committed = 0
		s.reserved = 0
		wasExhausted := s.exhausted
		s.exhausted = false
		s.mu.Unlock()

		if wasExhausted {
			logger.Infof("[CostGuard] Provider %s budget reset, provider selectable again", provider)
		}
		g.persistSpend(provider, 0)
		g.persistExhausted(provider, false)
	}
}

// RestoreFromStatus reloads today's committed spend from the durable
// ProviderStatus rows so a restart does not forget money already spent.
func (g *CostGuard) RestoreFromStatus() {
	if g.db == nil {
		return
	}
	var statuses []models.ProviderStatus
	if err := g.db.Find(&statuses).Error; err != nil {
		logger.Warnf("[CostGuard] Failed to restore daily spend: %v", err)
		return
	}
	// Only trust rows touched today; stale rows belong to a previous day.
	today := time.Now().UTC().Truncate(24 * time.Hour)
	for _, st := range statuses {
		s := g.spend(llm.ProviderName(st.Provider))
		if s == nil || st.UpdatedAt.Before(today) {
			continue
		}
		s.mu.Lock()
		s.committed = st.DailySpend
		s.exhausted = st.Maintenance
		s.mu.Unlock()
	}
}

func (g *CostGuard) persistSpend(provider llm.ProviderName, spent float64) {
	if g.db == nil {
		return
	}
	err := g.db.Model(&models.ProviderStatus{}).
		Where("provider = ?", string(provider)).
		Update("daily_spend", spent).Error
	if err != nil {
		logger.Warnf("[CostGuard] Failed to persist spend for %s: %v", provider, err)
	}
}

func (g *CostGuard) persistExhausted(provider llm.ProviderName, exhausted bool) {
	if g.db == nil {
		return
	}
	err := g.db.Model(&models.ProviderStatus{}).
		Where("provider = ?", string(provider)).
		Update("maintenance", exhausted).Error
	if err != nil {
		logger.Warnf("[CostGuard] Failed to persist maintenance flag for %s: %v", provider, err)
	}
}
