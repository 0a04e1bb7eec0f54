// Package config loads and validates the parley.yml application
// configuration. Every tunable of the pipeline lives here so tests can
// accelerate timers and deployments can adjust thresholds without code
// changes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level parley.yml configuration.
type Config struct {
	Version         string          `yaml:"version"`
	InstanceName    string          `yaml:"instance_name"`
	RedisURL        string          `yaml:"redis_url"`
	MerchantDataDir string          `yaml:"merchant_data_dir"`
	Bus             BusConfig       `yaml:"bus"`
	Agents          AgentsConfig    `yaml:"agents"`
	Session         SessionConfig   `yaml:"session"`
	Waterfall       WaterfallConfig `yaml:"waterfall"`
	Knowledge       KnowledgeConfig `yaml:"knowledge"`
	Observer        ObserverConfig  `yaml:"observer"`
	LLM             LLMConfig       `yaml:"llm"`
	ASR             ASRConfig       `yaml:"asr"`
}

// BusConfig tunes the task pool.
type BusConfig struct {
	MaxRetries        int   `yaml:"max_retries"`
	GracePeriodMs     int64 `yaml:"grace_period_ms"`
	ClaimLeaseMs      int64 `yaml:"claim_lease_ms"` // 0 disables orphaned-claim recovery
	JanitorIntervalMs int64 `yaml:"janitor_interval_ms"`
}

// AgentsConfig tunes the shared agent poll loop.
type AgentsConfig struct {
	PollIntervalMs int64 `yaml:"poll_interval_ms"`
	PeekBatch      int   `yaml:"peek_batch"`
}

// SessionConfig tunes the session context store.
type SessionConfig struct {
	TTLHours int `yaml:"ttl_hours"`
}

// WaterfallConfig tunes the Decision agent's resolution tiers.
type WaterfallConfig struct {
	CacheSimilarity    float64 `yaml:"cache_similarity"`     // Tier-1 threshold
	KnowledgeTimeoutMs int64   `yaml:"knowledge_timeout_ms"` // Tier-4 round-trip budget
	Apology            string  `yaml:"apology"`              // Reply when the generative fallback itself fails
}

// KnowledgeConfig tunes retrieval scoring and disambiguation.
type KnowledgeConfig struct {
	KeywordWeight float64 `yaml:"keyword_weight"`  // Per matched keyword
	TitleWeight   float64 `yaml:"title_weight"`    // Title substring match
	BodyWeight    float64 `yaml:"body_weight"`     // Body substring match
	ContextWindow int64   `yaml:"context_window"`  // Recent turns fetched for disambiguation
	MerchantTTLMs int64   `yaml:"merchant_ttl_ms"` // Merchant profile cache TTL
}

// ObserverConfig tunes liveness checking and the health endpoint.
type ObserverConfig struct {
	OfflineAfterMs  int64  `yaml:"offline_after_ms"`
	CheckIntervalMs int64  `yaml:"check_interval_ms"`
	HealthAddr      string `yaml:"health_addr"`
}

// LLMConfig configures the language-model collaborator.
// The API key is never stored in the file; it comes from OPENAI_API_KEY.
type LLMConfig struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"-"`
}

// ASRConfig configures the speech-to-text collaborator.
type ASRConfig struct {
	Model string `yaml:"model"`
}

// Default returns the configuration with every field set to its default.
func Default() *Config {
	return &Config{
		Version:         "1.0",
		InstanceName:    "parley",
		RedisURL:        "redis://localhost:6379",
		MerchantDataDir: "./merchants",
		Bus: BusConfig{
			MaxRetries:        3,
			GracePeriodMs:     30_000,
			ClaimLeaseMs:      60_000,
			JanitorIntervalMs: 5_000,
		},
		Agents: AgentsConfig{
			PollIntervalMs: 100,
			PeekBatch:      8,
		},
		Session: SessionConfig{
			TTLHours: 24,
		},
		Waterfall: WaterfallConfig{
			CacheSimilarity:    0.8,
			KnowledgeTimeoutMs: 3_000,
			Apology:            "抱歉，我暂时无法回答这个问题，请稍后再试。",
		},
		Knowledge: KnowledgeConfig{
			KeywordWeight: 10,
			TitleWeight:   5,
			BodyWeight:    2,
			ContextWindow: 5,
			MerchantTTLMs: 60_000,
		},
		Observer: ObserverConfig{
			OfflineAfterMs:  60_000,
			CheckIntervalMs: 30_000,
			HealthAddr:      ":8080",
		},
		LLM: LLMConfig{
			Model: "gpt-4o-mini",
		},
		ASR: ASRConfig{
			Model: "whisper-1",
		},
	}
}

// Load reads a parley.yml file over the defaults, then applies environment
// overrides (REDIS_URL, PARLEY_INSTANCE_NAME, OPENAI_API_KEY) and validates.
// An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.RedisURL = url
	}
	if name := os.Getenv("PARLEY_INSTANCE_NAME"); name != "" {
		cfg.InstanceName = name
	}
	cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate performs strict validation on the configuration.
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}
	if c.InstanceName == "" {
		return fmt.Errorf("instance_name is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url is required")
	}
	if c.Bus.MaxRetries < 0 {
		return fmt.Errorf("bus.max_retries must be >= 0, got %d", c.Bus.MaxRetries)
	}
	if c.Agents.PollIntervalMs <= 0 {
		return fmt.Errorf("agents.poll_interval_ms must be positive, got %d", c.Agents.PollIntervalMs)
	}
	if c.Agents.PeekBatch <= 0 {
		return fmt.Errorf("agents.peek_batch must be positive, got %d", c.Agents.PeekBatch)
	}
	if c.Session.TTLHours <= 0 {
		return fmt.Errorf("session.ttl_hours must be positive, got %d", c.Session.TTLHours)
	}
	if c.Waterfall.CacheSimilarity <= 0 || c.Waterfall.CacheSimilarity > 1 {
		return fmt.Errorf("waterfall.cache_similarity must be in (0, 1], got %v", c.Waterfall.CacheSimilarity)
	}
	if c.Waterfall.KnowledgeTimeoutMs <= 0 {
		return fmt.Errorf("waterfall.knowledge_timeout_ms must be positive, got %d", c.Waterfall.KnowledgeTimeoutMs)
	}
	if c.Waterfall.Apology == "" {
		return fmt.Errorf("waterfall.apology is required")
	}
	if c.Knowledge.KeywordWeight <= 0 || c.Knowledge.TitleWeight < 0 || c.Knowledge.BodyWeight < 0 {
		return fmt.Errorf("knowledge score weights must be positive")
	}
	if c.Knowledge.ContextWindow <= 0 {
		return fmt.Errorf("knowledge.context_window must be positive, got %d", c.Knowledge.ContextWindow)
	}
	return nil
}

// Duration helpers. Config durations are stored as millisecond integers to
// match the wire-level timestamps used throughout the pipeline.

func (c BusConfig) GracePeriod() time.Duration     { return time.Duration(c.GracePeriodMs) * time.Millisecond }
func (c BusConfig) JanitorInterval() time.Duration { return time.Duration(c.JanitorIntervalMs) * time.Millisecond }

// ClaimLease converts claim_lease_ms to the bus option. A zero in the file
// disables orphaned-claim recovery, which the bus spells as -1.
func (c BusConfig) ClaimLease() time.Duration {
	if c.ClaimLeaseMs == 0 {
		return -1
	}
	return time.Duration(c.ClaimLeaseMs) * time.Millisecond
}

// Retries converts max_retries to the bus option. A zero in the file means a
// failed task parks immediately, which the bus spells as -1.
func (c BusConfig) Retries() int {
	if c.MaxRetries == 0 {
		return -1
	}
	return c.MaxRetries
}

func (c AgentsConfig) PollInterval() time.Duration { return time.Duration(c.PollIntervalMs) * time.Millisecond }

func (c SessionConfig) TTL() time.Duration { return time.Duration(c.TTLHours) * time.Hour }

func (c WaterfallConfig) KnowledgeTimeout() time.Duration {
	return time.Duration(c.KnowledgeTimeoutMs) * time.Millisecond
}

func (c KnowledgeConfig) MerchantTTL() time.Duration {
	return time.Duration(c.MerchantTTLMs) * time.Millisecond
}

func (c ObserverConfig) OfflineAfter() time.Duration {
	return time.Duration(c.OfflineAfterMs) * time.Millisecond
}

func (c ObserverConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMs) * time.Millisecond
}
