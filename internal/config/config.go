package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	JWT      JWTConfig      `yaml:"jwt"`
	Redis    RedisConfig    `yaml:"redis"`
	LLM      LLMConfig      `yaml:"llm"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

type JWTConfig struct {
	Secret     string `yaml:"secret"`
	ExpireHour int    `yaml:"expire_hour"`
}

// RedisConfig enables the asynq-backed async queue when set.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProviderConfig holds the per-vendor settings: credentials, default model
// and the admission limits enforced by the rate limiter and cost guard.
type ProviderConfig struct {
	Enabled           bool    `yaml:"enabled"`
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	Model             string  `yaml:"model"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	DailyBudgetUSD    float64 `yaml:"daily_budget_usd"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled              bool    `yaml:"enabled"`
	TTLSeconds           int     `yaml:"ttl_seconds"`
	MaxPromptChars       int     `yaml:"max_prompt_chars"`
	CacheableTemperature float64 `yaml:"cacheable_temperature"`
}

// HealthConfig controls the provider health monitor.
type HealthConfig struct {
	IntervalMinutes     int `yaml:"interval_minutes"`
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds"`
	DegradedThreshold   int `yaml:"degraded_threshold"`
	DownThreshold       int `yaml:"down_threshold"`
}

// LLMConfig is the orchestration layer's configuration surface.
type LLMConfig struct {
	DefaultProvider       string                    `yaml:"default_provider"`
	Priority              []string                  `yaml:"priority"`
	MaxFallbackAttempts   int                       `yaml:"max_fallback_attempts"`
	RequestTimeoutSeconds int                       `yaml:"request_timeout_seconds"`
	Cache                 CacheConfig               `yaml:"cache"`
	Health                HealthConfig              `yaml:"health"`
	Providers             map[string]ProviderConfig `yaml:"providers"`
}

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	var cfg *Config

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg = DefaultConfig()
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}

		fileCfg := DefaultConfig()
		if err := yaml.Unmarshal(data, fileCfg); err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	cfg.overrideFromEnv()
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "llmgateway.db",
		},
		JWT: JWTConfig{
			Secret:     "llmgateway-secret-key-change-in-production",
			ExpireHour: 24,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		LLM: LLMConfig{
			DefaultProvider:       "openai",
			Priority:              []string{"openai", "anthropic", "groq", "perplexity", "gemini", "ollama"},
			MaxFallbackAttempts:   3,
			RequestTimeoutSeconds: 120,
			Cache: CacheConfig{
				Enabled:              true,
				TTLSeconds:           3600,
				MaxPromptChars:       20000,
				CacheableTemperature: 0.3,
			},
			Health: HealthConfig{
				IntervalMinutes:     5,
				ProbeTimeoutSeconds: 10,
				DegradedThreshold:   3,
				DownThreshold:       6,
			},
			Providers: map[string]ProviderConfig{
				"openai": {
					Enabled:           true,
					BaseURL:           "https://api.openai.com/v1",
					Model:             "gpt-4o-mini",
					RequestsPerMinute: 60,
					DailyBudgetUSD:    10,
				},
				"anthropic": {
					Model:             "claude-sonnet-4-20250514",
					RequestsPerMinute: 60,
					DailyBudgetUSD:    10,
				},
				"groq": {
					Model:             "llama3-8b-8192",
					RequestsPerMinute: 30,
					DailyBudgetUSD:    5,
				},
				"perplexity": {
					Model:             "sonar",
					RequestsPerMinute: 30,
					DailyBudgetUSD:    5,
				},
				"ollama": {
					BaseURL:           "http://localhost:11434",
					Model:             "llama3",
					RequestsPerMinute: 120,
				},
				"gemini": {
					Model:             "gemini-2.0-flash",
					RequestsPerMinute: 60,
					DailyBudgetUSD:    5,
				},
			},
		},
	}
}

// Provider returns the settings for one provider, zero value if absent.
func (c *LLMConfig) Provider(name string) ProviderConfig {
	if c.Providers == nil {
		return ProviderConfig{}
	}
	return c.Providers[name]
}

// CacheTTLSeconds returns the cache TTL with a sane floor.
func (c *LLMConfig) CacheTTLSeconds() int {
	if c.Cache.TTLSeconds <= 0 {
		return 3600
	}
	return c.Cache.TTLSeconds
}

// FallbackAttempts returns the retry ceiling with a sane floor.
func (c *LLMConfig) FallbackAttempts() int {
	if c.MaxFallbackAttempts <= 0 {
		return 3
	}
	return c.MaxFallbackAttempts
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if def := os.Getenv("LLM_DEFAULT_PROVIDER"); def != "" {
		c.LLM.DefaultProvider = def
	}

	// Per-provider API keys follow the vendors' conventional variable names.
	c.setProviderKey("openai", os.Getenv("OPENAI_API_KEY"))
	c.setProviderKey("anthropic", os.Getenv("ANTHROPIC_API_KEY"))
	c.setProviderKey("groq", os.Getenv("GROQ_API_KEY"))
	c.setProviderKey("perplexity", os.Getenv("PERPLEXITY_API_KEY"))
	c.setProviderKey("gemini", os.Getenv("GEMINI_API_KEY"))
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		p := c.LLM.Provider("ollama")
		p.BaseURL = baseURL
		p.Enabled = true
		c.LLM.Providers["ollama"] = p
	}
}

// setProviderKey enables a provider when its key arrives via environment.
func (c *Config) setProviderKey(name, key string) {
	if key == "" {
		return
	}
	if c.LLM.Providers == nil {
		c.LLM.Providers = make(map[string]ProviderConfig)
	}
	p := c.LLM.Providers[name]
	p.APIKey = key
	p.Enabled = true
	c.LLM.Providers[name] = p
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
