package llm

import (
	"context"

	"github.com/kalambet/tankyu/internal/proxy"
)

// OpenRouter adapts the OpenRouter proxy client.
type OpenRouter struct {
	client *proxy.Client
	model  string
}

// NewOpenRouter returns a Client backed by OpenRouter with a default model.
func NewOpenRouter(c *proxy.Client, model string) *OpenRouter {
	return &OpenRouter{client: c, model: model}
}

func (o *OpenRouter) Chat(ctx context.Context, msgs []Message, opts Options) (string, error) {
	req := proxy.ChatRequest{
		Model:     opts.Model,
		Messages:  make([]proxy.Message, len(msgs)),
		MaxTokens: opts.MaxTokens,
	}
	if req.Model == "" {
		req.Model = o.model
	}
	for i, m := range msgs {
		req.Messages[i] = proxy.Message{Role: m.Role, Content: m.Content}
	}
	if opts.Temperature > 0 {
		t := opts.Temperature
		req.Temperature = &t
	}
	if opts.Schema != nil {
		req.ResponseFormat = &proxy.ResponseFormat{
			Type:       "json_schema",
			JSONSchema: &proxy.JSONSchema{Name: "response", Schema: opts.Schema},
		}
	}

	resp, err := o.client.Complete(ctx, req)
	if err != nil {
		return "", Classify("openrouter", err)
	}
	return resp.Text(), nil
}
