package llm

import (
	"fmt"

	"github.com/kalambet/tankyu/internal/ollama"
	"github.com/kalambet/tankyu/internal/proxy"
)

// Provider names accepted by New.
const (
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
	ProviderOpenAI     = "openai"
	ProviderScripted   = "scripted"
)

// ProviderConfig selects and configures one chat provider.
type ProviderConfig struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	OllamaURL string
}

// New builds the Client named by cfg.Provider.
func New(cfg ProviderConfig) (Client, error) {
	switch cfg.Provider {
	case ProviderOllama, "":
		return NewOllama(ollama.New(cfg.OllamaURL), cfg.Model), nil
	case ProviderOpenRouter:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openrouter: API key is required")
		}
		c := proxy.NewClient(cfg.APIKey)
		if cfg.BaseURL != "" {
			c = proxy.NewClientWithBaseURL(cfg.APIKey, cfg.BaseURL)
		}
		return NewOpenRouter(c, cfg.Model), nil
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic: API key is required")
		}
		return NewAnthropic(cfg.APIKey, cfg.Model), nil
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai: API key is required")
		}
		c, err := NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProviderScripted:
		return NewScripted(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
