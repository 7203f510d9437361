package embedding

import (
	"context"
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/tankyu/internal/ollama"
)

//go:embed providers.yaml
var providersYAML []byte

// Provider kinds understood by NewProvider.
const (
	KindOllama = "ollama"
	KindOpenAI = "openai"
	KindGenAI  = "genai"
	KindLocal  = "local"
)

// Spec is one row of the provider table.
type Spec struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	Endpoint  string `yaml:"endpoint"`
}

type providerTable struct {
	Providers []Spec `yaml:"providers"`
}

// Provider turns a batch of texts into vectors, one per input, in order.
type Provider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Specs parses the embedded provider table.
func Specs() ([]Spec, error) {
	return parseSpecs(providersYAML)
}

func parseSpecs(data []byte) ([]Spec, error) {
	var t providerTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing provider table: %w", err)
	}
	for i, s := range t.Providers {
		if s.Name == "" || s.Kind == "" {
			return nil, fmt.Errorf("provider row %d: name and kind are required", i)
		}
		if s.Dimension <= 0 {
			return nil, fmt.Errorf("provider %q: dimension must be positive", s.Name)
		}
	}
	return t.Providers, nil
}

// Lookup returns the provider row named name.
func Lookup(name string) (Spec, error) {
	specs, err := Specs()
	if err != nil {
		return Spec{}, err
	}
	for _, s := range specs {
		if s.Name == name {
			return s, nil
		}
	}
	return Spec{}, fmt.Errorf("unknown embedding provider %q", name)
}

// Credentials carries the secrets and overrides some providers need.
type Credentials struct {
	OpenAIKey string
	GeminiKey string
	// OllamaURL overrides the row endpoint for the ollama kind.
	OllamaURL string
	// Model overrides the row model when non-empty.
	Model string
}

// NewProvider builds the provider for spec.
func NewProvider(ctx context.Context, spec Spec, creds Credentials) (Provider, error) {
	model := spec.Model
	if creds.Model != "" {
		model = creds.Model
	}
	switch spec.Kind {
	case KindOllama:
		base := spec.Endpoint
		if creds.OllamaURL != "" {
			base = creds.OllamaURL
		}
		return NewOllamaProvider(ollama.New(base), model), nil
	case KindOpenAI:
		return NewOpenAIProvider(creds.OpenAIKey, model, spec.Endpoint)
	case KindGenAI:
		return NewGenAIProvider(ctx, creds.GeminiKey, model, spec.Dimension)
	case KindLocal:
		return NewHashProvider(spec.Dimension), nil
	default:
		return nil, fmt.Errorf("provider %q: unsupported kind %q", spec.Name, spec.Kind)
	}
}
