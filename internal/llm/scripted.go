package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNoScript is returned by Scripted when no rule matches the prompt.
var ErrNoScript = errors.New("no scripted reply")

// Rule answers Reply (or fails with Err) when the rendered transcript
// contains Contains. An empty Contains matches every prompt.
type Rule struct {
	Contains string
	Reply    string
	Err      error
}

// Scripted is a deterministic offline Client. It walks its rules in order
// and answers with the first match. Used for mock deployments and tests.
type Scripted struct {
	mu    sync.Mutex
	rules []Rule
	calls []string
}

// NewScripted returns a Scripted client with the given rules.
func NewScripted(rules ...Rule) *Scripted {
	return &Scripted{rules: rules}
}

func (s *Scripted) Chat(ctx context.Context, msgs []Message, _ Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Classify("scripted", err)
	}
	prompt := Transcript(msgs)

	s.mu.Lock()
	s.calls = append(s.calls, prompt)
	rules := s.rules
	s.mu.Unlock()

	for _, r := range rules {
		if r.Contains != "" && !strings.Contains(prompt, r.Contains) {
			continue
		}
		if r.Err != nil {
			return "", Classify("scripted", r.Err)
		}
		return r.Reply, nil
	}
	return "", Classify("scripted", ErrNoScript)
}

// Calls returns the transcripts of every prompt received so far.
func (s *Scripted) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}
