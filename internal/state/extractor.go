// Package state distills the conversation and project context of a turn into
// a StateSnapshot, with an LLM mode and a keyword heuristic fallback.
package state

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/llm"
)

const defaultTimeout = 10 * time.Second

// Mode names how a snapshot was produced.
type Mode string

const (
	ModeLLM       Mode = "llm"
	ModeHeuristic Mode = "heuristic"
	ModeMinimal   Mode = "minimal"
)

// Input is everything the extractor looks at for one turn.
type Input struct {
	UserMessage    string
	History        []agent.Message
	Project        *agent.ProjectContext
	ProjectID      string
	UserID         string
	ConversationID string
	TurnIndex      int
	// RuleOnly skips the LLM even when a client is configured.
	RuleOnly bool
}

// Extractor produces StateSnapshots. A nil client means heuristic only.
type Extractor struct {
	client  llm.Client
	model   string
	timeout time.Duration
	now     func() time.Time
}

// NewExtractor creates an Extractor using the given client and model name.
func NewExtractor(client llm.Client, model string, timeout time.Duration) *Extractor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Extractor{client: client, model: model, timeout: timeout, now: time.Now}
}

// Extract returns the snapshot for in and the mode that produced it. It
// never fails: LLM errors and invalid output fall back to the heuristic.
func (e *Extractor) Extract(ctx context.Context, in Input) (agent.StateSnapshot, Mode) {
	var s agent.StateSnapshot
	mode := ModeHeuristic

	switch {
	case len(in.History) == 0:
		s, mode = Minimal(in), ModeMinimal
	case e.client == nil || in.RuleOnly:
		s = heuristic(in, e.now())
	default:
		var err error
		s, err = e.fromLLM(ctx, in)
		if err != nil {
			slog.Warn("state: LLM extraction failed, using heuristic", "conversation_id", in.ConversationID, "kind", agent.Kind(err), "error", err)
			s = heuristic(in, e.now())
		} else {
			mode = ModeLLM
		}
	}

	s.ProjectContext = in.Project.Map()
	s.ProjectID = in.ProjectID
	s.UserID = in.UserID
	s.ConversationID = in.ConversationID
	s.TurnIndex = in.TurnIndex
	if s.Goal == "" {
		s.Goal = goalFromProject(in.Project)
	}
	slog.Debug("state: snapshot extracted", "conversation_id", in.ConversationID, "mode", mode)
	return s, mode
}

func (e *Extractor) fromLLM(ctx context.Context, in Input) (agent.StateSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.client.Chat(ctx, BuildPrompt(in), llm.Options{
		Model:       e.model,
		Temperature: 0,
		Schema:      agent.SnapshotSchema(),
	})
	if err != nil {
		return agent.StateSnapshot{}, llm.Classify(e.model, err)
	}
	return agent.DecodeSnapshot(raw)
}
