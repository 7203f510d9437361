package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	LLM       LLMConfig
	Memory    MemoryConfig
	Embedding EmbeddingConfig
	Reranking RerankingConfig
}

type ServerConfig struct {
	Port int
	// StepTimeout bounds each LLM-backed step of a turn.
	StepTimeout time.Duration
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

// LLMConfig selects the chat provider and tunes the dispatcher pool.
type LLMConfig struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	OllamaURL string

	PoolSize       int
	PoolTimeout    time.Duration
	AutoFallback   bool
	ErrorThreshold int

	// Nodes above one puts that many dispatchers behind a balancer.
	Nodes    int
	Strategy string
}

type MemoryConfig struct {
	Enabled          bool
	BudgetIn         int
	Recent           int
	K                int
	MinSimilarity    float64
	MMRLambda        float64
	RecencyDecay     float64
	TopicTau         float64
	SummaryThreshold int
	Index            bool
}

type EmbeddingConfig struct {
	Enabled   bool
	Provider  string
	Model     string
	BatchSize int
	OpenAIKey string
	GeminiKey string
}

type RerankingConfig struct {
	Enabled   bool
	Timeout   time.Duration
	Threshold float64
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        4100,
			StepTimeout: 20 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		LLM: LLMConfig{
			Provider:       "ollama",
			Model:          "qwen2.5:7b",
			OllamaURL:      "http://localhost:11434",
			PoolSize:       2,
			PoolTimeout:    30 * time.Second,
			AutoFallback:   true,
			ErrorThreshold: 3,
			Nodes:          1,
			Strategy:       "adaptive",
		},
		Memory: MemoryConfig{
			Enabled:          true,
			BudgetIn:         4000,
			Recent:           8,
			K:                5,
			MinSimilarity:    0.3,
			MMRLambda:        0.7,
			RecencyDecay:     0.995,
			TopicTau:         0.78,
			SummaryThreshold: 10,
			Index:            true,
		},
		Embedding: EmbeddingConfig{
			Enabled:   true,
			Provider:  "ollama",
			BatchSize: 16,
		},
		Reranking: RerankingConfig{
			Timeout:   5 * time.Second,
			Threshold: 0.3,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.tankyu.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/tankyu/config.json
// and secrets fall back to $XDG_DATA_HOME/tankyu/secrets.json.
//
// Environment variables override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySecrets fills still-empty secrets from the platform secret store.
func applySecrets(cfg *Config, kc Keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

// minBudgetIn matches memory.MinBudgetIn.
const minBudgetIn = 32

func validate(cfg Config) error {
	switch cfg.LLM.Provider {
	case "ollama", "scripted":
	case "openrouter", "anthropic", "openai":
		if cfg.LLM.APIKey == "" {
			return fmt.Errorf("missing required config: API key for llm provider %s. "+
				"Set it via environment variable TANKYU_LLM_API_KEY%s", cfg.LLM.Provider, apiKeyHint())
		}
	default:
		return fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	if cfg.LLM.PoolSize < 0 {
		return fmt.Errorf("llm.pool_size must not be negative, got %d", cfg.LLM.PoolSize)
	}
	if cfg.Memory.BudgetIn < minBudgetIn {
		return fmt.Errorf("memory.token_budget_in must be at least %d, got %d", minBudgetIn, cfg.Memory.BudgetIn)
	}
	if cfg.Memory.MMRLambda < 0 || cfg.Memory.MMRLambda > 1 {
		return fmt.Errorf("memory.mmr_lambda must be within [0, 1], got %v", cfg.Memory.MMRLambda)
	}
	if cfg.Memory.RecencyDecay <= 0 || cfg.Memory.RecencyDecay > 1 {
		return fmt.Errorf("memory.recency_decay must be within (0, 1], got %v", cfg.Memory.RecencyDecay)
	}
	return nil
}
