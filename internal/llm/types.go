// Package llm defines the chat-completion contract the agent depends on and
// the provider adapters that satisfy it.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/tankyu/internal/agent"
)

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single completion. Zero values mean provider defaults.
// Schema, when set, is a JSON schema value the reply should conform to.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Schema      any
}

// Client produces a completion for a chat transcript. Implementations must
// honor ctx cancellation and deadlines.
type Client interface {
	Chat(ctx context.Context, msgs []Message, opts Options) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, msgs []Message, opts Options) (string, error)

func (f ClientFunc) Chat(ctx context.Context, msgs []Message, opts Options) (string, error) {
	return f(ctx, msgs, opts)
}

// Classify wraps err with the agent error kind it belongs to: an expired or
// cancelled context is ErrExternalTimeout, anything else ErrExternalFailure.
// Errors already carrying a kind are returned unchanged.
func Classify(provider string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, agent.ErrExternalTimeout), errors.Is(err, agent.ErrExternalFailure):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w: %w", provider, agent.ErrExternalTimeout, err)
	default:
		return fmt.Errorf("%s: %w: %w", provider, agent.ErrExternalFailure, err)
	}
}

// Transcript renders msgs as "role: content" lines. Scripted and test
// clients use it to inspect prompts.
func Transcript(msgs []Message) string {
	var n int
	for _, m := range msgs {
		n += len(m.Role) + len(m.Content) + 3
	}
	b := make([]byte, 0, n)
	for _, m := range msgs {
		b = append(b, m.Role...)
		b = append(b, ": "...)
		b = append(b, m.Content...)
		b = append(b, '\n')
	}
	return string(b)
}
