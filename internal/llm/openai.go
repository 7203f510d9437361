package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAI adapts langchaingo's OpenAI chat model. A schema switches the
// request to JSON mode.
type OpenAI struct {
	model llms.Model
}

// NewOpenAI builds an OpenAI-backed Client. baseURL may be empty.
func NewOpenAI(apiKey, model, baseURL string) (*OpenAI, error) {
	opts := []openai.Option{openai.WithModel(model), openai.WithToken(apiKey)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return &OpenAI{model: m}, nil
}

func (o *OpenAI) Chat(ctx context.Context, msgs []Message, opts Options) (string, error) {
	content := make([]llms.MessageContent, len(msgs))
	for i, m := range msgs {
		content[i] = llms.TextParts(chatType(m.Role), m.Content)
	}

	var callOpts []llms.CallOption
	if opts.Model != "" {
		callOpts = append(callOpts, llms.WithModel(opts.Model))
	}
	if opts.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	if opts.Schema != nil {
		callOpts = append(callOpts, llms.WithJSONMode())
	}

	resp, err := o.model.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return "", Classify("openai", err)
	}
	if len(resp.Choices) == 0 {
		return "", Classify("openai", fmt.Errorf("empty choices"))
	}
	return resp.Choices[0].Content, nil
}

func chatType(role string) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
