package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/llm"
	"github.com/kalambet/tankyu/internal/storage"
)

const defaultSummaryTimeout = 30 * time.Second

// Job asks for the rolling summary of a conversation to be extended with
// Messages so that it covers CoversUpToTurn turns.
type Job struct {
	ConversationID string
	Previous       string
	Messages       []agent.Message
	CoversUpToTurn int
	// Expected is the covers_up_to_turn the rewrite was based on, -1 when
	// there was no summary.
	Expected int
}

// Summarizer rewrites rolling summaries in the background, at most one job
// per conversation at a time.
type Summarizer struct {
	client  llm.Client
	store   SummaryStore
	model   string
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

func NewSummarizer(client llm.Client, store SummaryStore, model string, timeout time.Duration) *Summarizer {
	if timeout <= 0 {
		timeout = defaultSummaryTimeout
	}
	return &Summarizer{
		client:   client,
		store:    store,
		model:    model,
		timeout:  timeout,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// Schedule starts job in the background unless one is already running for
// the same conversation. It reports whether the job was started.
func (s *Summarizer) Schedule(job Job) bool {
	s.mu.Lock()
	if _, busy := s.inflight[job.ConversationID]; busy {
		s.mu.Unlock()
		return false
	}
	s.inflight[job.ConversationID] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, job.ConversationID)
			s.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("memory: summarizer panic", "conversation_id", job.ConversationID, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.Rewrite(ctx, job); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				slog.Info("memory: summary superseded, retrying next turn", "conversation_id", job.ConversationID)
				return
			}
			slog.Warn("memory: summary rewrite failed", "conversation_id", job.ConversationID, "error", err)
		}
	}()
	return true
}

// Rewrite produces the new summary and stores it with compare-and-set on
// covers_up_to_turn.
func (s *Summarizer) Rewrite(ctx context.Context, job Job) error {
	if len(job.Messages) == 0 {
		return nil
	}
	text, err := s.client.Chat(ctx, summaryPrompt(job), llm.Options{Model: s.model, Temperature: 0.2})
	if err != nil {
		return fmt.Errorf("summarizing %s: %w", job.ConversationID, llm.Classify(s.model, err))
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("summarizing %s: empty summary: %w", job.ConversationID, agent.ErrExternalFailure)
	}

	next := storage.Summary{
		ConversationID: job.ConversationID,
		SummaryText:    text,
		CoversUpToTurn: job.CoversUpToTurn,
		UpdatedAt:      s.now().UTC(),
	}
	if err := s.store.CompareAndSetSummary(ctx, job.Expected, next); err != nil {
		return fmt.Errorf("storing summary for %s: %w", job.ConversationID, err)
	}
	slog.Debug("memory: summary updated", "conversation_id", job.ConversationID, "covers_up_to_turn", job.CoversUpToTurn)
	return nil
}

// Wait blocks until every scheduled job has finished.
func (s *Summarizer) Wait() { s.wg.Wait() }

func summaryPrompt(job Job) []llm.Message {
	var b strings.Builder
	if job.Previous != "" {
		b.WriteString("これまでの要約:\n")
		b.WriteString(job.Previous)
		b.WriteString("\n\n")
	}
	b.WriteString("新しい会話:\n")
	for _, m := range job.Messages {
		who := "学習者"
		if m.Sender == agent.SenderAssistant {
			who = "AI"
		}
		b.WriteString(who)
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: "あなたは探究学習の会話を要約するアシスタントです。" +
			"これまでの要約と新しい会話をもとに、学習者のテーマ・問い・仮説・決まったこと・未解決の点を" +
			"300字以内の日本語で要約してください。要約本文のみを出力してください。"},
		{Role: llm.RoleUser, Content: b.String()},
	}
}
