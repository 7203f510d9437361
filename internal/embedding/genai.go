package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIProvider embeds with the Gemini API.
type GenAIProvider struct {
	client    *genai.Client
	model     string
	dimension int32
}

func NewGenAIProvider(ctx context.Context, apiKey, model string, dimension int) (*GenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai embedding provider: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &GenAIProvider{client: client, model: model, dimension: int32(dimension)}, nil
}

func (p *GenAIProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	dim := p.dimension
	result, err := p.client.Models.EmbedContent(ctx, p.model, contents, &genai.EmbedContentConfig{
		TaskType:             "SEMANTIC_SIMILARITY",
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, providerError(KindGenAI, err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, providerError(KindGenAI, fmt.Errorf("got %d embeddings for %d texts", len(result.Embeddings), len(texts)))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, e := range result.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}
