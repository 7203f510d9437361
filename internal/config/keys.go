package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "TANKYU_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.step_timeout", typ: kDuration, env: "TANKYU_STEP_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Server.StepTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Server.StepTimeout },
	},
	{
		key: "log.level", typ: kString, env: "TANKYU_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TANKYU_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "llm.provider", typ: kString, env: "TANKYU_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.model", typ: kString, env: "TANKYU_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.base_url", typ: kString, env: "TANKYU_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "TANKYU_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.ollama_url", typ: kString, env: "TANKYU_OLLAMA_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.OllamaURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.OllamaURL },
	},
	{
		key: "llm.pool_size", typ: kInt, env: "LLM_POOL_SIZE",
		apply:   func(cfg *Config, v any) { cfg.LLM.PoolSize = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.PoolSize },
	},
	{
		key: "llm.pool_timeout", typ: kDuration, env: "LLM_POOL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.PoolTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.PoolTimeout },
	},
	{
		key: "llm.auto_fallback", typ: kBool, env: "LLM_AUTO_FALLBACK",
		apply:   func(cfg *Config, v any) { cfg.LLM.AutoFallback = v.(bool) },
		extract: func(cfg Config) any { return cfg.LLM.AutoFallback },
	},
	{
		key: "llm.fallback_error_threshold", typ: kInt, env: "LLM_FALLBACK_ERROR_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.LLM.ErrorThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.ErrorThreshold },
	},
	{
		key: "llm.nodes", typ: kInt, env: "TANKYU_LLM_NODES",
		apply:   func(cfg *Config, v any) { cfg.LLM.Nodes = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.Nodes },
	},
	{
		key: "llm.strategy", typ: kString, env: "TANKYU_LLM_STRATEGY",
		apply:   func(cfg *Config, v any) { cfg.LLM.Strategy = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Strategy },
	},
	{
		key: "memory.enabled", typ: kBool, env: "ENABLE_CONTEXT_MANAGER",
		apply:   func(cfg *Config, v any) { cfg.Memory.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Memory.Enabled },
	},
	{
		key: "memory.token_budget_in", typ: kInt, env: "TOKEN_BUDGET_IN",
		apply:   func(cfg *Config, v any) { cfg.Memory.BudgetIn = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.BudgetIn },
	},
	{
		key: "memory.n_recent", typ: kInt, env: "N_RECENT",
		apply:   func(cfg *Config, v any) { cfg.Memory.Recent = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.Recent },
	},
	{
		key: "memory.k_retrieve", typ: kInt, env: "K_RETRIEVE",
		apply:   func(cfg *Config, v any) { cfg.Memory.K = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.K },
	},
	{
		key: "memory.min_similarity", typ: kFloat, env: "TANKYU_MIN_SIMILARITY",
		apply:   func(cfg *Config, v any) { cfg.Memory.MinSimilarity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Memory.MinSimilarity },
	},
	{
		key: "memory.mmr_lambda", typ: kFloat, env: "MMR_LAMBDA",
		apply:   func(cfg *Config, v any) { cfg.Memory.MMRLambda = v.(float64) },
		extract: func(cfg Config) any { return cfg.Memory.MMRLambda },
	},
	{
		key: "memory.recency_decay", typ: kFloat, env: "RECENCY_DECAY",
		apply:   func(cfg *Config, v any) { cfg.Memory.RecencyDecay = v.(float64) },
		extract: func(cfg Config) any { return cfg.Memory.RecencyDecay },
	},
	{
		key: "memory.topic_tau", typ: kFloat, env: "TOPIC_TAU",
		apply:   func(cfg *Config, v any) { cfg.Memory.TopicTau = v.(float64) },
		extract: func(cfg Config) any { return cfg.Memory.TopicTau },
	},
	{
		key: "memory.summary_threshold", typ: kInt, env: "TANKYU_SUMMARY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Memory.SummaryThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.SummaryThreshold },
	},
	{
		key: "memory.index", typ: kBool, env: "TANKYU_INDEX_MESSAGES",
		apply:   func(cfg *Config, v any) { cfg.Memory.Index = v.(bool) },
		extract: func(cfg Config) any { return cfg.Memory.Index },
	},
	{
		key: "embedding.enabled", typ: kBool, env: "ENABLE_EMBEDDINGS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Embedding.Enabled },
	},
	{
		key: "embedding.provider", typ: kString, env: "EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.model", typ: kString, env: "TANKYU_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.batch_size", typ: kInt, env: "TANKYU_EMBEDDING_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.BatchSize },
	},
	{
		key: "embedding.openai_api_key", typ: kString, env: "TANKYU_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Embedding.OpenAIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.OpenAIKey },
	},
	{
		key: "embedding.gemini_api_key", typ: kString, env: "TANKYU_GEMINI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Embedding.GeminiKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.GeminiKey },
	},
	{
		key: "reranking.enabled", typ: kBool, env: "TANKYU_RERANKING_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Reranking.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Reranking.Enabled },
	},
	{
		key: "reranking.timeout", typ: kDuration, env: "TANKYU_RERANKING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Reranking.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Reranking.Timeout },
	},
	{
		key: "reranking.threshold", typ: kFloat, env: "TANKYU_RERANKING_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Reranking.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Reranking.Threshold },
	},
}

// parse converts raw into the Go type of s.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func (s keySpec) typeName() string {
	switch s.typ {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typeName(), s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typeName(), s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
