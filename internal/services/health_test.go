package services

import (
	"testing"
	"time"

	"github.com/bytefold/llmgateway/internal/config"
	"github.com/bytefold/llmgateway/internal/llm"
	"github.com/bytefold/llmgateway/internal/models"
)

func testHealthMonitor(t *testing.T) *HealthMonitor {
	t.Helper()
	cfg := &config.LLMConfig{
		DefaultProvider: "openai",
		Providers: map[string]config.ProviderConfig{
			"openai": {Enabled: true, APIKey: "test-key"},
			"groq":   {Enabled: true, APIKey: "test-key"},
		},
		Health: config.HealthConfig{
			DegradedThreshold: 2,
			DownThreshold:     5,
		},
	}
	registry, err := llm.NewRegistry(cfg)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return NewHealthMonitor(nil, registry, &cfg.Health)
}

func transientErr() error {
	return llm.NewError(llm.ErrProvider, llm.ProviderOpenAI, "upstream 500")
}

func TestHealth_StartsUnknownAndAvailable(t *testing.T) {
	monitor := testHealthMonitor(t)

	if got := monitor.State(llm.ProviderOpenAI); got != models.ProviderUnknown {
		t.Errorf("initial state = %q, expected %q", got, models.ProviderUnknown)
	}
	if !monitor.Available(llm.ProviderOpenAI) {
		t.Error("unknown providers should be available before the first probe")
	}
}

func TestHealth_SuccessMarksHealthy(t *testing.T) {
	monitor := testHealthMonitor(t)

	monitor.ReportSuccess(llm.ProviderOpenAI, 120*time.Millisecond)

	if got := monitor.State(llm.ProviderOpenAI); got != models.ProviderHealthy {
		t.Errorf("state = %q, expected %q", got, models.ProviderHealthy)
	}
}

func TestHealth_ConsecutiveFailuresDegradeThenDown(t *testing.T) {
	monitor := testHealthMonitor(t)
	monitor.ReportSuccess(llm.ProviderOpenAI, time.Millisecond)

	monitor.ReportFailure(llm.ProviderOpenAI, transientErr())
	if got := monitor.State(llm.ProviderOpenAI); got != models.ProviderHealthy {
		t.Errorf("one failure should not change state, got %q", got)
	}

	monitor.ReportFailure(llm.ProviderOpenAI, transientErr())
	if got := monitor.State(llm.ProviderOpenAI); got != models.ProviderDegraded {
		t.Errorf("state after 2 failures = %q, expected %q", got, models.ProviderDegraded)
	}
	if !monitor.Available(llm.ProviderOpenAI) {
		t.Error("degraded providers still receive traffic")
	}

	for i := 0; i < 3; i++ {
		monitor.ReportFailure(llm.ProviderOpenAI, transientErr())
	}
	if got := monitor.State(llm.ProviderOpenAI); got != models.ProviderDown {
		t.Errorf("state after 5 failures = %q, expected %q", got, models.ProviderDown)
	}
	if monitor.Available(llm.ProviderOpenAI) {
		t.Error("down providers must not receive traffic")
	}
}

func TestHealth_SingleSuccessRestoresHealthy(t *testing.T) {
	monitor := testHealthMonitor(t)

	for i := 0; i < 5; i++ {
		monitor.ReportFailure(llm.ProviderOpenAI, transientErr())
	}
	if got := monitor.State(llm.ProviderOpenAI); got != models.ProviderDown {
		t.Fatalf("state = %q, expected down", got)
	}

	monitor.ReportSuccess(llm.ProviderOpenAI, 80*time.Millisecond)

	if got := monitor.State(llm.ProviderOpenAI); got != models.ProviderHealthy {
		t.Errorf("one success should restore healthy, got %q", got)
	}
	if !monitor.Available(llm.ProviderOpenAI) {
		t.Error("restored provider should be available")
	}
}

func TestHealth_CallerErrorsIgnored(t *testing.T) {
	monitor := testHealthMonitor(t)

	for i := 0; i < 10; i++ {
		monitor.ReportFailure(llm.ProviderOpenAI,
			llm.NewError(llm.ErrValidation, llm.ProviderOpenAI, "bad prompt"))
		monitor.ReportFailure(llm.ProviderOpenAI,
			llm.NewError(llm.ErrRateLimit, llm.ProviderOpenAI, "slow down"))
		monitor.ReportFailure(llm.ProviderOpenAI,
			llm.NewError(llm.ErrBudgetExceeded, llm.ProviderOpenAI, "budget spent"))
	}

	if got := monitor.State(llm.ProviderOpenAI); got != models.ProviderUnknown {
		t.Errorf("caller errors must not count against the provider, state = %q", got)
	}
}

func TestHealth_AuthFailureMarksDown(t *testing.T) {
	monitor := testHealthMonitor(t)

	monitor.ReportFailure(llm.ProviderOpenAI,
		llm.NewError(llm.ErrAuthentication, llm.ProviderOpenAI, "invalid api key"))

	if got := monitor.State(llm.ProviderOpenAI); got != models.ProviderDown {
		t.Errorf("rejected credentials should mark the provider down, state = %q", got)
	}
	if monitor.Available(llm.ProviderOpenAI) {
		t.Error("provider with rejected credentials must not stay selectable")
	}

	// Repeated auth failures keep it down without flapping.
	for i := 0; i < 10; i++ {
		monitor.ReportFailure(llm.ProviderOpenAI,
			llm.NewError(llm.ErrAuthentication, llm.ProviderOpenAI, "invalid api key"))
	}
	if monitor.Available(llm.ProviderOpenAI) {
		t.Error("provider should remain down while credentials are rejected")
	}

	// A successful probe after key rotation restores it.
	monitor.ReportSuccess(llm.ProviderOpenAI, 90*time.Millisecond)
	if !monitor.Available(llm.ProviderOpenAI) {
		t.Error("provider should be selectable again after a success")
	}
}

func TestHealth_TimeoutCountsAsTransient(t *testing.T) {
	monitor := testHealthMonitor(t)

	monitor.ReportFailure(llm.ProviderGroq,
		llm.NewError(llm.ErrTimeout, llm.ProviderGroq, "deadline exceeded"))
	monitor.ReportFailure(llm.ProviderGroq,
		llm.NewError(llm.ErrTimeout, llm.ProviderGroq, "deadline exceeded"))

	if got := monitor.State(llm.ProviderGroq); got != models.ProviderDegraded {
		t.Errorf("timeouts should count toward degradation, state = %q", got)
	}
}

func TestHealth_ProvidersTrackedIndependently(t *testing.T) {
	monitor := testHealthMonitor(t)

	for i := 0; i < 5; i++ {
		monitor.ReportFailure(llm.ProviderOpenAI, transientErr())
	}
	monitor.ReportSuccess(llm.ProviderGroq, time.Millisecond)

	if monitor.Available(llm.ProviderOpenAI) {
		t.Error("openai should be down")
	}
	if !monitor.Available(llm.ProviderGroq) {
		t.Error("groq should be unaffected")
	}
}

func TestHealth_Snapshot(t *testing.T) {
	monitor := testHealthMonitor(t)
	monitor.ReportSuccess(llm.ProviderOpenAI, 100*time.Millisecond)
	monitor.ReportSuccess(llm.ProviderOpenAI, 300*time.Millisecond)
	monitor.ReportFailure(llm.ProviderGroq, transientErr())
	monitor.ReportFailure(llm.ProviderGroq, transientErr())

	snaps := monitor.Snapshot()
	if len(snaps) != 2 {
		t.Fatalf("snapshot entries = %d, expected 2", len(snaps))
	}

	byName := make(map[string]HealthSnapshot)
	for _, s := range snaps {
		byName[s.Provider] = s
	}

	openai := byName["openai"]
	if openai.State != models.ProviderHealthy {
		t.Errorf("openai state = %q, expected healthy", openai.State)
	}
	if openai.SuccessRate != 1.0 {
		t.Errorf("openai success rate = %f, expected 1.0", openai.SuccessRate)
	}
	if openai.AvgLatencyMs != 200 {
		t.Errorf("openai avg latency = %f, expected 200", openai.AvgLatencyMs)
	}

	groq := byName["groq"]
	if groq.State != models.ProviderDegraded {
		t.Errorf("groq state = %q, expected degraded", groq.State)
	}
	if groq.ConsecutiveFailures != 2 {
		t.Errorf("groq failures = %d, expected 2", groq.ConsecutiveFailures)
	}
	if groq.LastError == "" {
		t.Error("groq snapshot should carry the last error")
	}
}
