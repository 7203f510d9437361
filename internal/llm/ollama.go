package llm

import (
	"context"

	"github.com/kalambet/tankyu/internal/ollama"
)

// Ollama adapts the local Ollama HTTP client. The schema is passed through
// as Ollama's structured-output format.
type Ollama struct {
	client *ollama.Client
	model  string
}

// NewOllama returns a Client backed by Ollama with a default model.
func NewOllama(c *ollama.Client, model string) *Ollama {
	return &Ollama{client: c, model: model}
}

func (o *Ollama) Chat(ctx context.Context, msgs []Message, opts Options) (string, error) {
	model := opts.Model
	if model == "" {
		model = o.model
	}

	out := make([]ollama.Message, len(msgs))
	for i, m := range msgs {
		out[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}

	var sampling *ollama.Options
	if opts.Temperature > 0 || opts.MaxTokens > 0 {
		sampling = &ollama.Options{NumPredict: opts.MaxTokens}
		if opts.Temperature > 0 {
			t := opts.Temperature
			sampling.Temperature = &t
		}
	}

	text, err := o.client.Chat(ctx, model, out, opts.Schema, sampling)
	if err != nil {
		return "", Classify("ollama", err)
	}
	return text, nil
}
