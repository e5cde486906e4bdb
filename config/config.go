// Package config is TokenShield's ambient configuration layer: spec §6
// options loaded from environment/.env (godotenv, per the teacher's
// config.Load) then bound through viper for structured YAML overlay
// and typed defaults, in andreimerfu-pllm's viper style.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ModulesConfig toggles each optional pipeline stage per spec §6.
type ModulesConfig struct {
	Guard   bool `mapstructure:"guard"`
	Cache   bool `mapstructure:"cache"`
	Context bool `mapstructure:"context"`
	Router  bool `mapstructure:"router"`
	Prefix  bool `mapstructure:"prefix"`
	Ledger  bool `mapstructure:"ledger"`
}

type GuardConfig struct {
	DebounceMs           int     `mapstructure:"debounceMs"`
	MaxRequestsPerMinute int     `mapstructure:"maxRequestsPerMinute"`
	MaxCostPerHour       float64 `mapstructure:"maxCostPerHour"`
	DeduplicateWindowMs  int     `mapstructure:"deduplicateWindow"`
	MinInputLength       int     `mapstructure:"minInputLength"`
	MaxInputTokens       int     `mapstructure:"maxInputTokens"`
}

type CacheConfig struct {
	MaxEntries          int     `mapstructure:"maxEntries"`
	TTLMs               int     `mapstructure:"ttlMs"`
	SimilarityThreshold float64 `mapstructure:"similarityThreshold"`
	ScopeByModel        bool    `mapstructure:"scopeByModel"`
	Persist             bool    `mapstructure:"persist"`
}

type ContextConfig struct {
	MaxInputTokens    int `mapstructure:"maxInputTokens"`
	ReserveForOutput  int `mapstructure:"reserveForOutput"`
}

type RouterTierConfig struct {
	ModelID       string  `mapstructure:"modelId"`
	MaxComplexity float64 `mapstructure:"maxComplexity"`
}

type RouterConfig struct {
	Tiers               []RouterTierConfig `mapstructure:"tiers"`
	ComplexityThreshold float64            `mapstructure:"complexityThreshold"`
}

type PrefixConfig struct {
	Provider string `mapstructure:"provider"` // openai|anthropic|google|auto
}

type LedgerConfig struct {
	Persist bool   `mapstructure:"persist"`
	Feature string `mapstructure:"feature"`
}

type BreakerLimitsConfig struct {
	PerSession float64 `mapstructure:"perSession"`
	PerHour    float64 `mapstructure:"perHour"`
	PerDay     float64 `mapstructure:"perDay"`
	PerMonth   float64 `mapstructure:"perMonth"`
}

type BreakerConfig struct {
	Limits  BreakerLimitsConfig `mapstructure:"limits"`
	Action  string              `mapstructure:"action"` // "block" | "warn_only"
	Persist bool                `mapstructure:"persist"`
}

type UserBudgetConfig struct {
	DefaultDailyBudget   float64           `mapstructure:"defaultDailyBudget"`
	DefaultMonthlyBudget float64           `mapstructure:"defaultMonthlyBudget"`
	Persist              bool              `mapstructure:"persist"`
	TierModels           map[string]string `mapstructure:"tierModels"`
}

// PersistenceConfig selects and configures the durable backend.
type PersistenceConfig struct {
	Backend          string        `mapstructure:"backend"` // "memory" | "redis" | "sqlite"
	RedisURL         string        `mapstructure:"redisUrl"`
	SQLitePath       string        `mapstructure:"sqlitePath"`
	DebounceInterval time.Duration `mapstructure:"debounceInterval"`
}

// StreamConfig controls streaming-specific behavior not covered by
// Modules, namely the running-cost callback threshold.
type StreamConfig struct {
	// CostThreshold fires Hooks.OnStreamCostThreshold once a stream's
	// running cost first crosses this many dollars. 0 disables it.
	CostThreshold float64 `mapstructure:"costThreshold"`
}

// ObservabilityConfig controls metrics/tracing emission.
type ObservabilityConfig struct {
	MetricsEnabled bool   `mapstructure:"metricsEnabled"`
	TracingEnabled bool   `mapstructure:"tracingEnabled"`
	ServiceName    string `mapstructure:"serviceName"`
}

// Config is the root TokenShield configuration document.
type Config struct {
	Env           string              `mapstructure:"env"`
	Modules       ModulesConfig       `mapstructure:"modules"`
	Guard         GuardConfig         `mapstructure:"guard"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Context       ContextConfig       `mapstructure:"context"`
	Router        RouterConfig        `mapstructure:"router"`
	Prefix        PrefixConfig        `mapstructure:"prefix"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
	Breaker       BreakerConfig       `mapstructure:"breaker"`
	UserBudget    UserBudgetConfig    `mapstructure:"userBudget"`
	Stream        StreamConfig        `mapstructure:"stream"`
	Persistence   PersistenceConfig   `mapstructure:"persistence"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// Load reads a .env file (if present, grounded in the teacher's
// `_ = godotenv.Load()`), then layers a viper-bound config file (if
// configPath is non-empty) and environment variables over typed
// defaults, and unmarshals into Config.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TOKENSHIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("tokenshield: reading config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("tokenshield: unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("modules.guard", true)
	v.SetDefault("modules.cache", true)
	v.SetDefault("modules.context", true)
	v.SetDefault("modules.router", true)
	v.SetDefault("modules.prefix", true)
	v.SetDefault("modules.ledger", true)

	v.SetDefault("guard.debounceMs", 500)
	v.SetDefault("guard.maxRequestsPerMinute", 60)
	v.SetDefault("guard.maxCostPerHour", 5.0)
	v.SetDefault("guard.deduplicateWindow", 2000)
	v.SetDefault("guard.minInputLength", 1)
	v.SetDefault("guard.maxInputTokens", 0)

	v.SetDefault("cache.maxEntries", 10000)
	v.SetDefault("cache.ttlMs", int(time.Hour/time.Millisecond))
	v.SetDefault("cache.similarityThreshold", 0.85)
	v.SetDefault("cache.scopeByModel", true)
	v.SetDefault("cache.persist", true)

	v.SetDefault("context.maxInputTokens", 8000)
	v.SetDefault("context.reserveForOutput", 1000)

	v.SetDefault("router.complexityThreshold", 40.0)

	v.SetDefault("prefix.provider", "auto")

	v.SetDefault("ledger.persist", true)
	v.SetDefault("ledger.feature", "")

	v.SetDefault("breaker.action", "block")
	v.SetDefault("breaker.persist", true)

	v.SetDefault("userBudget.defaultDailyBudget", 0.0)
	v.SetDefault("userBudget.defaultMonthlyBudget", 0.0)
	v.SetDefault("userBudget.persist", true)

	v.SetDefault("stream.costThreshold", 0.0)

	v.SetDefault("persistence.backend", "memory")
	v.SetDefault("persistence.debounceInterval", "1s")

	v.SetDefault("observability.metricsEnabled", true)
	v.SetDefault("observability.tracingEnabled", false)
	v.SetDefault("observability.serviceName", "tokenshield")
}

// IsDevelopment mirrors the teacher's Config.IsDevelopment.
func (c *Config) IsDevelopment() bool { return c.Env == "development" }
