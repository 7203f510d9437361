package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/llm"
	"github.com/kalambet/tankyu/internal/retrieval"
	"github.com/kalambet/tankyu/internal/storage"
	"github.com/kalambet/tankyu/internal/tokens"
)

// fakeSummaries is an in-memory SummaryStore with the same CAS rules as the
// SQLite store.
type fakeSummaries struct {
	mu   sync.Mutex
	rows map[string]storage.Summary
	err  error
}

func newFakeSummaries() *fakeSummaries {
	return &fakeSummaries{rows: make(map[string]storage.Summary)}
}

func (f *fakeSummaries) GetSummary(_ context.Context, id string) (storage.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return storage.Summary{}, f.err
	}
	s, ok := f.rows[id]
	if !ok {
		return storage.Summary{}, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeSummaries) CompareAndSetSummary(_ context.Context, expected int, next storage.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.rows[next.ConversationID]
	switch {
	case next.CoversUpToTurn <= expected:
		return storage.ErrConflict
	case expected < 0 && ok:
		return storage.ErrConflict
	case expected >= 0 && (!ok || cur.CoversUpToTurn != expected):
		return storage.ErrConflict
	}
	f.rows[next.ConversationID] = next
	return nil
}

type fakeSearcher struct {
	results  []retrieval.Result
	err      error
	switched bool
	queries  []retrieval.Query
}

func (f *fakeSearcher) Search(_ context.Context, q retrieval.Query) ([]retrieval.Result, error) {
	f.queries = append(f.queries, q)
	return f.results, f.err
}

func (f *fakeSearcher) TopicSwitch(context.Context, string, []string, float64) (bool, error) {
	return f.switched, nil
}

func history(n int, textLen int) []agent.Message {
	out := make([]agent.Message, n)
	for i := range out {
		sender := agent.SenderUser
		if i%2 == 1 {
			sender = agent.SenderAssistant
		}
		text := fmt.Sprintf("%03d", i) + strings.Repeat("あ", max(textLen-3, 0))
		out[i] = agent.Message{Sender: sender, Text: text}
	}
	return out
}

func counter() *tokens.Counter { return tokens.NewEstimator(8192, 0) }

func TestBuild_DisabledConcatenatesEverything(t *testing.T) {
	b := NewBuilder(Options{Enabled: false}, counter(), Deps{})
	res, err := b.Build(context.Background(), Request{
		UserMessage:  "now",
		SystemPrompt: "sys",
		History:      history(30, 40),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.Messages) != 32 {
		t.Fatalf("got %d messages, want 32", len(res.Messages))
	}
	if res.Messages[0].Role != llm.RoleSystem || res.Messages[31].Content != "now" {
		t.Errorf("framing wrong: %+v ... %+v", res.Messages[0], res.Messages[31])
	}
	if res.Messages[2].Role != llm.RoleAssistant {
		t.Errorf("history roles not mapped: %+v", res.Messages[2])
	}
}

func TestBuild_StaysWithinBudget(t *testing.T) {
	c := counter()
	b := NewBuilder(Options{Enabled: true, BudgetIn: 120, Recent: 8}, c, Deps{})
	res, err := b.Build(context.Background(), Request{
		UserMessage:  "質問です",
		SystemPrompt: "You are a tutor.",
		History:      history(20, 60),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Metrics.TotalTokens > 120 {
		t.Errorf("TotalTokens = %d, over budget 120", res.Metrics.TotalTokens)
	}
	if got := c.CountMessages(res.Messages); got != res.Metrics.TotalTokens {
		t.Errorf("metrics %d disagree with recount %d", res.Metrics.TotalTokens, got)
	}
	if res.Metrics.RecentDropped == 0 {
		t.Error("expected some recent messages to be dropped")
	}
	// The newest message survives, the oldest kept ones are trimmed first.
	last := res.Messages[len(res.Messages)-2]
	if !strings.HasPrefix(last.Content, "019") {
		t.Errorf("newest history message missing, got %q", last.Content)
	}
	if res.Messages[len(res.Messages)-1].Content != "質問です" {
		t.Error("user message must be last")
	}
	if res.Metrics.CompressionRatio <= 0 || res.Metrics.CompressionRatio >= 1 {
		t.Errorf("CompressionRatio = %v", res.Metrics.CompressionRatio)
	}
}

func TestBuild_RecentWindowSize(t *testing.T) {
	b := NewBuilder(Options{Enabled: true, BudgetIn: 10000, Recent: 4}, counter(), Deps{})
	res, _ := b.Build(context.Background(), Request{UserMessage: "q", SystemPrompt: "s", History: history(10, 10)})
	if res.Metrics.RecentKept != 4 || res.Metrics.RecentDropped != 0 {
		t.Errorf("metrics = %+v", res.Metrics)
	}
	if !strings.HasPrefix(res.Messages[1].Content, "006") {
		t.Errorf("first recent = %q, want message 006", res.Messages[1].Content)
	}
}

func TestBuild_OversizedUserMessageIsTruncated(t *testing.T) {
	b := NewBuilder(Options{Enabled: true, BudgetIn: 40}, counter(), Deps{})
	res, err := b.Build(context.Background(), Request{
		UserMessage:  strings.Repeat("長", 400),
		SystemPrompt: "sys",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Metrics.TotalTokens > 40 {
		t.Errorf("TotalTokens = %d, want <= 40", res.Metrics.TotalTokens)
	}
	if res.Messages[0].Content != "sys" {
		t.Errorf("system prompt should survive, got %q", res.Messages[0].Content)
	}
	if res.Messages[1].Content == "" {
		t.Error("user message should be cut, not removed")
	}
}

func TestBuild_SectionsOrder(t *testing.T) {
	sums := newFakeSummaries()
	sums.rows["c1"] = storage.Summary{ConversationID: "c1", SummaryText: "テーマは水質", CoversUpToTurn: 4}
	search := &fakeSearcher{results: []retrieval.Result{
		{ID: "m1", Text: "川の水を調べたい", Score: 0.9},
		{ID: "m2", Text: "pHを測る", Score: 0.8},
	}}
	b := NewBuilder(Options{Enabled: true, K: 5, Recent: 2}, counter(), Deps{Searcher: search, Summaries: sums})

	res, err := b.Build(context.Background(), Request{
		UserMessage:    "次は?",
		ConversationID: "c1",
		SystemPrompt:   "sys",
		History:        history(6, 8),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []string{SectionSystem, SectionSummary, SectionRetrieved, SectionRecent, SectionUser}
	if fmt.Sprint(res.Metrics.Sections) != fmt.Sprint(want) {
		t.Errorf("Sections = %v, want %v", res.Metrics.Sections, want)
	}
	if !strings.Contains(res.Messages[1].Content, "テーマは水質") {
		t.Errorf("summary message = %q", res.Messages[1].Content)
	}
	if !strings.Contains(res.Messages[2].Content, "- 川の水を調べたい") || !strings.Contains(res.Messages[2].Content, "- pHを測る") {
		t.Errorf("retrieved message = %q", res.Messages[2].Content)
	}
	if res.Metrics.RetrievalHits != 2 {
		t.Errorf("RetrievalHits = %d", res.Metrics.RetrievalHits)
	}
	if q := search.queries[0]; q.ExcludeRecent != 2 || q.K != 5 {
		t.Errorf("query = %+v", q)
	}
}

func TestBuild_RetrievedTrimmedToBudget(t *testing.T) {
	var results []retrieval.Result
	for i := range 10 {
		results = append(results, retrieval.Result{ID: fmt.Sprint(i), Text: strings.Repeat("x", 40), Score: 1 - float64(i)/10})
	}
	b := NewBuilder(Options{Enabled: true, BudgetIn: 60, K: 10}, counter(), Deps{Searcher: &fakeSearcher{results: results}})
	res, _ := b.Build(context.Background(), Request{UserMessage: "q", ConversationID: "c1", SystemPrompt: "s"})
	if res.Metrics.RetrievalHits == 0 || res.Metrics.RetrievalHits == 10 {
		t.Errorf("RetrievalHits = %d, want a partial block", res.Metrics.RetrievalHits)
	}
	if res.Metrics.TotalTokens > 60 {
		t.Errorf("TotalTokens = %d over budget", res.Metrics.TotalTokens)
	}
	if res.Retrieved[0].ID != "0" {
		t.Errorf("best-scored result should be kept first, got %s", res.Retrieved[0].ID)
	}
}

func TestBuild_RetrievalFailureIsTolerated(t *testing.T) {
	sums := newFakeSummaries()
	sums.err = errors.New("db locked")
	search := &fakeSearcher{err: errors.New("embedder down")}
	b := NewBuilder(Options{Enabled: true, K: 3}, counter(), Deps{Searcher: search, Summaries: sums})

	res, err := b.Build(context.Background(), Request{UserMessage: "q", ConversationID: "c1", SystemPrompt: "s", History: history(2, 5)})
	if err != nil {
		t.Fatalf("Build should degrade, got %v", err)
	}
	want := []string{SectionSystem, SectionRecent, SectionUser}
	if fmt.Sprint(res.Metrics.Sections) != fmt.Sprint(want) {
		t.Errorf("Sections = %v", res.Metrics.Sections)
	}
}

func TestBuild_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewBuilder(Options{Enabled: true}, counter(), Deps{})
	if _, err := b.Build(ctx, Request{UserMessage: "q"}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestBuild_TopicSwitchReported(t *testing.T) {
	b := NewBuilder(Options{Enabled: true}, counter(), Deps{Searcher: &fakeSearcher{switched: true}})
	res, _ := b.Build(context.Background(), Request{UserMessage: "q", SystemPrompt: "s", History: history(2, 4)})
	if !res.Metrics.TopicSwitch {
		t.Error("TopicSwitch not reported")
	}
}

func TestBuild_SchedulesSummary(t *testing.T) {
	sums := newFakeSummaries()
	client := llm.NewScripted(llm.Rule{Reply: "要約: 水質の探究"})
	sz := NewSummarizer(client, sums, "m", time.Second)
	b := NewBuilder(Options{Enabled: true, Recent: 8, SummaryThreshold: 10}, counter(), Deps{Summaries: sums, Summarizer: sz})

	res, err := b.Build(context.Background(), Request{
		UserMessage:    "q",
		ConversationID: "c1",
		SystemPrompt:   "s",
		History:        history(20, 6),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !res.Metrics.SummaryScheduled {
		t.Fatal("summary was not scheduled")
	}
	sz.Wait()

	got, err := sums.GetSummary(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if got.CoversUpToTurn != 12 || got.SummaryText != "要約: 水質の探究" {
		t.Errorf("summary = %+v", got)
	}
	prompt := client.Calls()[0]
	if !strings.Contains(prompt, "011") || strings.Contains(prompt, "012") {
		t.Errorf("summary prompt should cover messages 000-011 only:\n%s", prompt)
	}
}

func TestBuild_NoSummaryBelowThreshold(t *testing.T) {
	sums := newFakeSummaries()
	sz := NewSummarizer(llm.NewScripted(llm.Rule{Reply: "x"}), sums, "m", time.Second)
	b := NewBuilder(Options{Enabled: true, Recent: 8, SummaryThreshold: 10}, counter(), Deps{Summaries: sums, Summarizer: sz})

	res, _ := b.Build(context.Background(), Request{UserMessage: "q", ConversationID: "c1", SystemPrompt: "s", History: history(9, 6)})
	if res.Metrics.SummaryScheduled {
		t.Error("summary scheduled below threshold")
	}
}

func TestBuild_SummaryExtendsFromPrevious(t *testing.T) {
	sums := newFakeSummaries()
	sums.rows["c1"] = storage.Summary{ConversationID: "c1", SummaryText: "前の要約", CoversUpToTurn: 10}
	client := llm.NewScripted(llm.Rule{Reply: "新しい要約"})
	sz := NewSummarizer(client, sums, "m", time.Second)
	b := NewBuilder(Options{Enabled: true, Recent: 4, SummaryThreshold: 10}, counter(), Deps{Summaries: sums, Summarizer: sz})

	// 30 turns stored, the last 12 loaded as history.
	h := history(30, 6)[18:]
	res, _ := b.Build(context.Background(), Request{UserMessage: "q", ConversationID: "c1", SystemPrompt: "s", History: h, TurnCount: 30})
	if !res.Metrics.SummaryScheduled {
		t.Fatal("summary was not scheduled")
	}
	sz.Wait()

	got, _ := sums.GetSummary(context.Background(), "c1")
	if got.CoversUpToTurn != 26 || got.SummaryText != "新しい要約" {
		t.Errorf("summary = %+v", got)
	}
	prompt := client.Calls()[0]
	if !strings.Contains(prompt, "前の要約") || !strings.Contains(prompt, "018") || strings.Contains(prompt, "026") {
		t.Errorf("prompt:\n%s", prompt)
	}
}

func TestNewBuilder_RaisesTinyBudget(t *testing.T) {
	b := NewBuilder(Options{Enabled: true, BudgetIn: 9}, counter(), Deps{})
	res, err := b.Build(context.Background(), Request{
		UserMessage:  strings.Repeat("長", 100),
		SystemPrompt: "sys",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Metrics.TotalTokens > MinBudgetIn {
		t.Errorf("TotalTokens = %d, want <= %d", res.Metrics.TotalTokens, MinBudgetIn)
	}
	if res.Messages[0].Content == "" || res.Messages[1].Content == "" {
		t.Errorf("anchors emptied: %+v", res.Messages)
	}
}
