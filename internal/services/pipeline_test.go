package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bytefold/llmgateway/internal/config"
	"github.com/bytefold/llmgateway/internal/llm"
	"github.com/bytefold/llmgateway/internal/models"
)

// testServiceDB opens an isolated in-memory database and migrates the tables
// the pipeline touches. The DSN is derived from the test name so parallel
// tests never share state; a single connection keeps sqlite serialization out
// of the picture.
func testServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&models.LLMRequest{},
		&models.LLMResponse{},
		&models.Conversation{},
		&models.ConversationMessage{},
		&models.UsageStat{},
		&models.ProviderStatus{},
	)
	if err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

// stubProvider is a canned adapter for pipeline tests: it returns a fixed
// result or a fixed error and counts how often it was actually called.
type stubProvider struct {
	name    llm.ProviderName
	err     error
	content string
	calls   int
}

func (p *stubProvider) Name() llm.ProviderName { return p.name }

func (p *stubProvider) ListModels(ctx context.Context) ([]llm.ModelDescriptor, error) {
	return []llm.ModelDescriptor{{ID: "stub-model", Provider: string(p.name)}}, nil
}

func (p *stubProvider) EstimateCost(prompt, model string, maxTokens int) float64 { return 0.01 }

func (p *stubProvider) ValidateConfig() error { return nil }

func (p *stubProvider) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &llm.GenerationResult{
		Content:          p.content,
		FinishReason:     "stop",
		PromptTokens:     5,
		CompletionTokens: 7,
		TotalTokens:      12,
		Latency:          10 * time.Millisecond,
	}, nil
}

func testPipelineConfig() *config.LLMConfig {
	return &config.LLMConfig{
		DefaultProvider: "openai",
		Priority:        []string{"openai", "groq", "anthropic"},
		Cache: config.CacheConfig{
			Enabled:              true,
			TTLSeconds:           3600,
			MaxPromptChars:       20000,
			CacheableTemperature: 0.3,
		},
		Health: config.HealthConfig{DegradedThreshold: 2, DownThreshold: 5},
		Providers: map[string]config.ProviderConfig{
			"openai":    {Enabled: true, APIKey: "test-key", Model: "gpt-4o-mini", RequestsPerMinute: 60, DailyBudgetUSD: 10},
			"groq":      {Enabled: true, APIKey: "test-key", Model: "llama3-8b-8192", RequestsPerMinute: 60, DailyBudgetUSD: 10},
			"anthropic": {Enabled: true, APIKey: "test-key", Model: "claude-3-5-haiku-20241022", RequestsPerMinute: 60, DailyBudgetUSD: 10},
		},
	}
}

// testPipeline wires a full orchestration stack onto db. No task queue, so
// usage samples are recorded inline and are visible as soon as a call
// returns.
func testPipeline(t *testing.T, db *gorm.DB, cfg *config.LLMConfig) (*LLMService, *llm.Registry, *CostGuard) {
	t.Helper()
	registry, err := llm.NewRegistry(cfg)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	cache := NewResponseCacheService(&cfg.Cache)
	limiter := NewProviderRateLimiter(cfg)
	guard := NewCostGuard(db, cfg)
	health := NewHealthMonitor(db, registry, &cfg.Health)
	usage := NewUsageService(db)
	conversation := NewConversationService(db)
	svc := NewLLMService(db, cfg, registry, cache, limiter, guard, health, usage, conversation, nil)
	return svc, registry, guard
}

func TestAppend_ConcurrentTurnsGetGaplessSequence(t *testing.T) {
	db := testServiceDB(t)
	svc := NewConversationService(db)

	conv, err := svc.Create(nil, "load test", "openai", "gpt-4o-mini", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	const turns = 20
	var wg sync.WaitGroup
	errs := make(chan error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.AppendUserTurn(conv, fmt.Sprintf("message %d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append failed: %v", err)
	}

	msgs, err := svc.Messages(conv.ID)
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(msgs) != turns {
		t.Fatalf("got %d messages, expected %d", len(msgs), turns)
	}
	// Sequence numbers must be exactly 1..N with no gaps or duplicates.
	seen := make(map[int]bool, turns)
	for _, m := range msgs {
		if m.SequenceNumber < 1 || m.SequenceNumber > turns {
			t.Errorf("sequence number %d out of range [1,%d]", m.SequenceNumber, turns)
		}
		if seen[m.SequenceNumber] {
			t.Errorf("duplicate sequence number %d", m.SequenceNumber)
		}
		seen[m.SequenceNumber] = true
	}

	var stored models.Conversation
	if err := db.First(&stored, conv.ID).Error; err != nil {
		t.Fatalf("reload conversation: %v", err)
	}
	if stored.MessageCount != turns {
		t.Errorf("message_count = %d, expected %d", stored.MessageCount, turns)
	}
}

func TestDispatch_FallbackCountsPassedOverProviders(t *testing.T) {
	db := testServiceDB(t)
	svc, _, _ := testPipeline(t, db, testPipelineConfig())

	down := &stubProvider{name: llm.ProviderOpenAI}
	flaky := &stubProvider{name: llm.ProviderGroq, err: llm.NewError(llm.ErrProvider, llm.ProviderGroq, "upstream 500")}
	healthy := &stubProvider{name: llm.ProviderAnthropic, content: "fallback answer"}

	candidates := []llm.Candidate{
		{Provider: down, Skipped: true},
		{Provider: flaky},
		{Provider: healthy},
	}

	opts := &GenerateOptions{Prompt: "ping", Temperature: 0.7}
	row := svc.persistPending(opts, false)

	outcome, err := svc.dispatch(context.Background(), opts, candidates, row, nil)
	if err != nil {
		t.Fatalf("dispatch returned error: %v", err)
	}
	if outcome.Provider != string(llm.ProviderAnthropic) {
		t.Errorf("provider = %s, expected anthropic", outcome.Provider)
	}
	if outcome.Content != "fallback answer" {
		t.Errorf("content = %q", outcome.Content)
	}
	if outcome.Attempts != 3 {
		t.Errorf("attempts = %d, expected 3 (skipped + failed + success)", outcome.Attempts)
	}
	if down.calls != 0 {
		t.Errorf("skipped provider was dispatched %d times", down.calls)
	}
	if flaky.calls != 1 {
		t.Errorf("failing provider called %d times, expected 1", flaky.calls)
	}

	// The persisted retry count includes the provider that was passed over
	// without a call: two others were tried before the one that answered.
	var stored models.LLMRequest
	if err := db.First(&stored, row.ID).Error; err != nil {
		t.Fatalf("reload request: %v", err)
	}
	if stored.RetryCount != 2 {
		t.Errorf("retry_count = %d, expected 2", stored.RetryCount)
	}
	if stored.Status != models.RequestCompleted {
		t.Errorf("status = %s, expected completed", stored.Status)
	}

	var resp models.LLMResponse
	if err := db.Where("llm_request_id = ?", row.ID).First(&resp).Error; err != nil {
		t.Fatalf("response row missing: %v", err)
	}
	if resp.Content != "fallback answer" {
		t.Errorf("stored content = %q", resp.Content)
	}
}

func TestDispatch_SkippedOnlyChainFails(t *testing.T) {
	db := testServiceDB(t)
	svc, _, _ := testPipeline(t, db, testPipelineConfig())

	down := &stubProvider{name: llm.ProviderOpenAI}
	candidates := []llm.Candidate{{Provider: down, Skipped: true}}

	opts := &GenerateOptions{Prompt: "ping"}
	row := svc.persistPending(opts, false)

	_, err := svc.dispatch(context.Background(), opts, candidates, row, nil)
	if err == nil {
		t.Fatal("expected an error when every candidate is skipped")
	}
	if llm.CodeOf(err) != llm.ErrNoProvider {
		t.Errorf("error code = %q, expected %q", llm.CodeOf(err), llm.ErrNoProvider)
	}
	if down.calls != 0 {
		t.Errorf("skipped provider was dispatched %d times", down.calls)
	}

	var stored models.LLMRequest
	if err := db.First(&stored, row.ID).Error; err != nil {
		t.Fatalf("reload request: %v", err)
	}
	if stored.Status != models.RequestFailed {
		t.Errorf("status = %s, expected failed", stored.Status)
	}
}

func TestGenerate_CacheHitLeavesNoRequestRow(t *testing.T) {
	db := testServiceDB(t)
	svc, _, _ := testPipeline(t, db, testPipelineConfig())

	prompt := "What is the capital of France?"
	key := Fingerprint("openai", "gpt-4o-mini", prompt, "", 0, 0, 0)
	svc.cache.Store(key, "openai", "gpt-4o-mini", &llm.GenerationResult{
		Content:          "Paris.",
		FinishReason:     "stop",
		PromptTokens:     8,
		CompletionTokens: 2,
		TotalTokens:      10,
	})

	outcome, err := svc.Generate(context.Background(), &GenerateOptions{Prompt: prompt})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if !outcome.Cached {
		t.Fatal("expected a cache hit")
	}
	if outcome.Content != "Paris." {
		t.Errorf("content = %q", outcome.Content)
	}
	if outcome.Cost != 0 {
		t.Errorf("cache hit should cost nothing, got %f", outcome.Cost)
	}

	// A hit is answered before any durable write: no request row, only a
	// usage counter.
	var requests int64
	if err := db.Model(&models.LLMRequest{}).Count(&requests).Error; err != nil {
		t.Fatalf("count requests: %v", err)
	}
	if requests != 0 {
		t.Errorf("cache hit persisted %d request rows, expected 0", requests)
	}

	var stat models.UsageStat
	err = db.Where("provider = ? AND hour IS NULL", "openai").First(&stat).Error
	if err != nil {
		t.Fatalf("daily usage bucket missing: %v", err)
	}
	if stat.CacheHits != 1 {
		t.Errorf("cache_hits = %d, expected 1", stat.CacheHits)
	}
}

func TestDispatch_ExhaustedBudgetFallsToNextProvider(t *testing.T) {
	db := testServiceDB(t)
	cfg := testPipelineConfig()
	pc := cfg.Providers["openai"]
	pc.DailyBudgetUSD = 0.001 // below any single-call estimate
	cfg.Providers["openai"] = pc

	svc, registry, guard := testPipeline(t, db, cfg)
	registry.SetAvailability(func(name llm.ProviderName) bool {
		return !guard.Exhausted(name)
	})

	broke := &stubProvider{name: llm.ProviderOpenAI, content: "never sent"}
	backup := &stubProvider{name: llm.ProviderGroq, content: "from backup"}
	candidates := []llm.Candidate{{Provider: broke}, {Provider: backup}}

	opts := &GenerateOptions{Prompt: "ping"}
	row := svc.persistPending(opts, false)

	outcome, err := svc.dispatch(context.Background(), opts, candidates, row, nil)
	if err != nil {
		t.Fatalf("dispatch returned error: %v", err)
	}
	if outcome.Provider != string(llm.ProviderGroq) {
		t.Errorf("provider = %s, expected groq", outcome.Provider)
	}
	if broke.calls != 0 {
		t.Errorf("over-budget provider was dispatched %d times", broke.calls)
	}
	if !guard.Exhausted(llm.ProviderOpenAI) {
		t.Error("rejected reservation should flip the provider to exhausted")
	}

	// Once exhausted, resolution passes the provider over entirely on the
	// next request instead of re-attempting its budget.
	next, err := registry.Candidates("")
	if err != nil {
		t.Fatalf("Candidates returned error: %v", err)
	}
	found := false
	for _, c := range next {
		if c.Provider.Name() == llm.ProviderOpenAI {
			found = true
			if !c.Skipped {
				t.Error("exhausted provider should be marked skipped")
			}
		}
	}
	if !found {
		t.Error("exhausted provider should stay in the chain for attempt accounting")
	}
}
