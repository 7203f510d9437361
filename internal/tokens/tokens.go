// Package tokens counts prompt tokens for the context builder.
package tokens

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kalambet/tankyu/internal/llm"
)

const (
	fallbackEncoding = "cl100k_base"
	defaultMax       = 8192
	defaultReserved  = 1000

	// perMessage is the role framing overhead of one chat message.
	perMessage = 4
	// replyPriming is the overhead of the assistant reply header.
	replyPriming = 2
)

var modelMax = map[string]int{
	"gpt-4o":            128000,
	"gpt-4o-mini":       128000,
	"gpt-4":             8192,
	"gpt-3.5-turbo":     16385,
	"claude-sonnet-4-5": 200000,
	"claude-haiku-4-5":  200000,
	"llama3.2":          131072,
	"gemma3":            131072,
}

// Encoder turns text into token ids.
type Encoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// Counter is a pure token accountant for one model. It never mutates its
// input and is safe for concurrent use.
type Counter struct {
	enc      Encoder
	model    string
	max      int
	reserved int
}

// New builds a Counter for model. An unknown model falls back to the
// cl100k_base encoding; if no BPE file can be loaded the Counter estimates
// one token per four runes.
func New(model string, reserved int) *Counter {
	if reserved < 0 {
		reserved = defaultReserved
	}
	c := &Counter{model: model, max: MaxFor(model), reserved: reserved}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		slog.Info("tokens: no encoding for model, using fallback", "model", model, "encoding", fallbackEncoding)
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		slog.Warn("tokens: BPE encoding unavailable, estimating by runes", "error", err)
		return c
	}
	c.enc = enc
	return c
}

// NewEstimator builds a Counter that never loads a BPE file.
func NewEstimator(window, reserved int) *Counter {
	if window <= 0 {
		window = defaultMax
	}
	return &Counter{max: window, reserved: reserved}
}

// MaxFor returns the context window of model, or 8192 when unknown.
func MaxFor(model string) int {
	if m, ok := modelMax[model]; ok {
		return m
	}
	best, window := "", defaultMax
	for prefix, m := range modelMax {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, window = prefix, m
		}
	}
	return window
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc == nil {
		return Estimate(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessages counts a chat transcript including role framing.
func (c *Counter) CountMessages(msgs []llm.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	total := replyPriming
	for _, m := range msgs {
		total += perMessage + c.Count(m.Content)
	}
	return total
}

// MessageOverhead is the tokens one message adds beyond its content.
func (c *Counter) MessageOverhead() int { return perMessage }

// Max is the model's context window.
func (c *Counter) Max() int { return c.max }

// Reserved is the budget held back for the system prompt and the answer.
func (c *Counter) Reserved() int { return c.reserved }

// Available returns max − reserved − current.
func (c *Counter) Available(current int) int {
	return c.max - c.reserved - current
}

// Truncate cuts text so that it counts at most limit tokens.
func (c *Counter) Truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if c.Count(text) <= limit {
		return text
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.Count(string(runes[:mid])) <= limit {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}

// Estimate is a rough token count at four runes per token, rounded up.
func Estimate(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}
