package embedding

import (
	"context"

	"github.com/kalambet/tankyu/internal/ollama"
)

// OllamaProvider embeds through a local Ollama server.
type OllamaProvider struct {
	client *ollama.Client
	model  string
}

func NewOllamaProvider(c *ollama.Client, model string) *OllamaProvider {
	return &OllamaProvider{client: c, model: model}
}

func (p *OllamaProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := p.client.EmbedMany(ctx, p.model, texts)
	if err != nil {
		return nil, providerError(KindOllama, err)
	}
	return vecs, nil
}
