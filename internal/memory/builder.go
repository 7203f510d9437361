// Package memory assembles the prompt context for a turn from a rolling
// summary, semantically retrieved turns and a recency window under a token
// budget, and keeps the rolling summary up to date.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/llm"
	"github.com/kalambet/tankyu/internal/reranking"
	"github.com/kalambet/tankyu/internal/retrieval"
	"github.com/kalambet/tankyu/internal/storage"
)

// MinBudgetIn leaves room for the framing of the system prompt and the user
// message plus a few tokens of each.
const MinBudgetIn = 32

const (
	DefaultBudgetIn         = 4000
	DefaultRecent           = 8
	DefaultSummaryThreshold = 10

	summaryHeader   = "これまでの会話の要約:\n"
	retrievedHeader = "関連する過去の発言:\n"
)

// Section names reported in Metrics.Sections.
const (
	SectionSystem    = "system"
	SectionSummary   = "rolling_summary"
	SectionRetrieved = "retrieved"
	SectionRecent    = "recent"
	SectionUser      = "current_user"
)

// Counter is the token accountant the builder packs with.
type Counter interface {
	Count(text string) int
	CountMessages(msgs []llm.Message) int
	MessageOverhead() int
	Truncate(text string, limit int) string
}

// Searcher finds earlier turns relevant to the current message.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error)
	TopicSwitch(ctx context.Context, text string, recentTexts []string, tau float64) (bool, error)
}

// SummaryStore reads and compare-and-sets the rolling summary row.
type SummaryStore interface {
	GetSummary(ctx context.Context, conversationID string) (storage.Summary, error)
	CompareAndSetSummary(ctx context.Context, expected int, next storage.Summary) error
}

// Options configure a Builder. Zero numeric values take the defaults.
type Options struct {
	Enabled          bool
	BudgetIn         int
	Recent           int
	K                int
	MinSimilarity    float64
	TopicTau         float64
	SummaryThreshold int
	UseMMR           bool
}

// Request is the input of Build.
type Request struct {
	UserMessage    string
	ConversationID string
	SystemPrompt   string
	// History is the tail of the conversation, oldest first, excluding the
	// current user message.
	History []agent.Message
	// TurnCount is the number of stored messages in the conversation before
	// this turn; zero means len(History).
	TurnCount int
}

// Metrics describe one assembled context.
type Metrics struct {
	TotalTokens      int      `json:"total_tokens"`
	RawHistoryTokens int      `json:"raw_history_tokens"`
	CompressionRatio float64  `json:"compression_ratio"`
	RetrievalHits    int      `json:"retrieval_hits"`
	TopicSwitch      bool     `json:"topic_switch"`
	RecentKept       int      `json:"recent_kept"`
	RecentDropped    int      `json:"recent_dropped"`
	SummaryScheduled bool     `json:"summary_scheduled"`
	Sections         []string `json:"sections"`
}

// Result is the assembled prompt plus its metrics.
type Result struct {
	Messages  []llm.Message
	Retrieved []retrieval.Result
	Metrics   Metrics
}

// Builder packs context for the conversation agent. Searcher, reranker,
// summaries and summarizer are optional.
type Builder struct {
	opts       Options
	counter    Counter
	searcher   Searcher
	reranker   reranking.Reranker
	summaries  SummaryStore
	summarizer *Summarizer
}

// Deps are the optional collaborators of a Builder.
type Deps struct {
	Searcher   Searcher
	Reranker   reranking.Reranker
	Summaries  SummaryStore
	Summarizer *Summarizer
}

func NewBuilder(opts Options, counter Counter, deps Deps) *Builder {
	switch {
	case opts.BudgetIn <= 0:
		opts.BudgetIn = DefaultBudgetIn
	case opts.BudgetIn < MinBudgetIn:
		slog.Warn("memory: token budget too small, raising it", "budget", opts.BudgetIn, "min", MinBudgetIn)
		opts.BudgetIn = MinBudgetIn
	}
	if opts.Recent <= 0 {
		opts.Recent = DefaultRecent
	}
	if opts.SummaryThreshold <= 0 {
		opts.SummaryThreshold = DefaultSummaryThreshold
	}
	if opts.TopicTau <= 0 {
		opts.TopicTau = retrieval.DefaultTopicTau
	}
	return &Builder{
		opts:       opts,
		counter:    counter,
		searcher:   deps.Searcher,
		reranker:   deps.Reranker,
		summaries:  deps.Summaries,
		summarizer: deps.Summarizer,
	}
}

// Enabled reports whether budgeted assembly is active.
func (b *Builder) Enabled() bool { return b.opts.Enabled }

// Build assembles the prompt for req. Retrieval and summary failures are
// logged and the affected section omitted; Build itself only fails when ctx
// is done.
func (b *Builder) Build(ctx context.Context, req Request) (Result, error) {
	if req.TurnCount <= 0 {
		req.TurnCount = len(req.History)
	}
	history := toLLM(req.History)
	raw := b.counter.CountMessages(history)

	if !b.opts.Enabled {
		return b.legacy(req, history, raw), nil
	}

	recentStart := max(len(history)-b.opts.Recent, 0)
	recent := history[recentStart:]

	summary, hasSummary := b.loadSummary(ctx, req.ConversationID)
	retrieved := b.retrieve(ctx, req)
	switched := b.topicSwitch(ctx, req.UserMessage, recent)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	p := packer{counter: b.counter, budget: b.opts.BudgetIn}
	sys, user := p.anchor(req.SystemPrompt, req.UserMessage)

	keptRecent := p.recent(recent)
	var summaryMsg *llm.Message
	if hasSummary && summary.SummaryText != "" {
		summaryMsg = p.block(summaryHeader, []string{summary.SummaryText}, true)
	}
	var retrievedMsg *llm.Message
	var used []retrieval.Result
	if len(retrieved) > 0 {
		texts := make([]string, len(retrieved))
		for i, r := range retrieved {
			texts[i] = "- " + r.Text
		}
		retrievedMsg = p.block(retrievedHeader, texts, false)
		if retrievedMsg != nil {
			used = retrieved[:p.entries]
		}
	}

	out := []llm.Message{sys}
	sections := []string{SectionSystem}
	if summaryMsg != nil {
		out = append(out, *summaryMsg)
		sections = append(sections, SectionSummary)
	}
	if retrievedMsg != nil {
		out = append(out, *retrievedMsg)
		sections = append(sections, SectionRetrieved)
	}
	if len(keptRecent) > 0 {
		out = append(out, keptRecent...)
		sections = append(sections, SectionRecent)
	}
	out = append(out, user)
	sections = append(sections, SectionUser)

	m := Metrics{
		TotalTokens:      b.counter.CountMessages(out),
		RawHistoryTokens: raw,
		RetrievalHits:    len(used),
		TopicSwitch:      switched,
		RecentKept:       len(keptRecent),
		RecentDropped:    len(recent) - len(keptRecent),
		Sections:         sections,
	}
	if raw > 0 {
		m.CompressionRatio = float64(m.TotalTokens) / float64(raw)
	}

	m.SummaryScheduled = b.maybeSummarize(req, summary, hasSummary, len(keptRecent), m.RecentDropped > 0)
	return Result{Messages: out, Retrieved: used, Metrics: m}, nil
}

// legacy concatenates system, history and user without a budget.
func (b *Builder) legacy(req Request, history []llm.Message, raw int) Result {
	out := make([]llm.Message, 0, len(history)+2)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: req.SystemPrompt})
	out = append(out, history...)
	out = append(out, llm.Message{Role: llm.RoleUser, Content: req.UserMessage})

	m := Metrics{
		TotalTokens:      b.counter.CountMessages(out),
		RawHistoryTokens: raw,
		RecentKept:       len(history),
		Sections:         []string{SectionSystem, SectionRecent, SectionUser},
	}
	if len(history) == 0 {
		m.Sections = []string{SectionSystem, SectionUser}
	}
	if raw > 0 {
		m.CompressionRatio = float64(m.TotalTokens) / float64(raw)
	}
	return Result{Messages: out, Metrics: m}
}

func (b *Builder) loadSummary(ctx context.Context, conversationID string) (storage.Summary, bool) {
	if b.summaries == nil || conversationID == "" {
		return storage.Summary{}, false
	}
	s, err := b.summaries.GetSummary(ctx, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Summary{}, false
	}
	if err != nil {
		slog.Warn("memory: loading summary failed", "conversation_id", conversationID, "error", err)
		return storage.Summary{}, false
	}
	return s, true
}

func (b *Builder) retrieve(ctx context.Context, req Request) []retrieval.Result {
	if b.searcher == nil || b.opts.K <= 0 || req.ConversationID == "" {
		return nil
	}
	results, err := b.searcher.Search(ctx, retrieval.Query{
		Text:           req.UserMessage,
		ConversationID: req.ConversationID,
		K:              b.opts.K,
		MinSimilarity:  b.opts.MinSimilarity,
		ExcludeRecent:  b.opts.Recent,
		UseMMR:         b.opts.UseMMR,
	})
	if err != nil {
		slog.Warn("memory: retrieval failed, continuing without it", "conversation_id", req.ConversationID, "error", err)
		return nil
	}
	if b.reranker != nil && len(results) > 0 {
		reranked, err := b.reranker.Rerank(ctx, req.UserMessage, results)
		if err != nil {
			slog.Warn("memory: rerank failed, keeping retrieval order", "error", err)
		} else {
			results = reranked
		}
	}
	return results
}

func (b *Builder) topicSwitch(ctx context.Context, text string, recent []llm.Message) bool {
	if b.searcher == nil || len(recent) == 0 {
		return false
	}
	texts := make([]string, len(recent))
	for i, m := range recent {
		texts[i] = m.Content
	}
	switched, err := b.searcher.TopicSwitch(ctx, text, texts, b.opts.TopicTau)
	if err != nil {
		slog.Debug("memory: topic switch check failed", "error", err)
		return false
	}
	return switched
}

// maybeSummarize schedules a rewrite when more than SummaryThreshold turns
// are uncovered or the recent window had to be trimmed.
func (b *Builder) maybeSummarize(req Request, prev storage.Summary, hasPrev bool, keptRecent int, trimmed bool) bool {
	if b.summarizer == nil || req.ConversationID == "" {
		return false
	}
	covered := 0
	if hasPrev {
		covered = prev.CoversUpToTurn
	}
	if req.TurnCount-covered <= b.opts.SummaryThreshold && !trimmed {
		return false
	}

	next := req.TurnCount - keptRecent
	if next <= covered {
		return false
	}
	// History[i] is message number TurnCount-len(History)+i of the conversation.
	offset := req.TurnCount - len(req.History)
	var pending []agent.Message
	for i, m := range req.History {
		if n := offset + i; n >= covered && n < next {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return false
	}

	job := Job{ConversationID: req.ConversationID, Messages: pending, CoversUpToTurn: next, Expected: -1}
	if hasPrev {
		job.Previous = prev.SummaryText
		job.Expected = prev.CoversUpToTurn
	}
	return b.summarizer.Schedule(job)
}

func toLLM(msgs []agent.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := llm.RoleUser
		if m.Sender == agent.SenderAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Text})
	}
	return out
}

// packer tracks the remaining budget while sections are added in
// precedence order.
type packer struct {
	counter Counter
	budget  int
	used    int
	// entries is the number of texts the last block call kept.
	entries int
}

func (p *packer) remaining() int { return p.budget - p.used }

// anchor places the system prompt and the user message. They are always
// present; when both exceed the budget the user message is cut first, then
// the system prompt.
func (p *packer) anchor(system, user string) (llm.Message, llm.Message) {
	sys := llm.Message{Role: llm.RoleSystem, Content: system}
	usr := llm.Message{Role: llm.RoleUser, Content: user}
	p.used = p.counter.CountMessages([]llm.Message{sys, usr})
	if p.used <= p.budget {
		return sys, usr
	}

	frame := p.counter.CountMessages([]llm.Message{sys, {Role: llm.RoleUser}})
	usr.Content = p.fit(user, p.budget-frame)
	p.used = p.counter.CountMessages([]llm.Message{sys, usr})
	if p.used > p.budget {
		frame = p.counter.CountMessages([]llm.Message{{Role: llm.RoleSystem}, usr})
		sys.Content = p.fit(system, p.budget-frame)
		p.used = p.counter.CountMessages([]llm.Message{sys, usr})
	}
	return sys, usr
}

// recent keeps the newest messages that fit, dropping the oldest first.
func (p *packer) recent(msgs []llm.Message) []llm.Message {
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := p.counter.Count(msgs[i].Content) + p.counter.MessageOverhead()
		if cost > p.remaining() {
			break
		}
		p.used += cost
		start = i
	}
	return msgs[start:]
}

// block adds one system message made of header and texts. With truncate the
// first text is cut to fit; otherwise texts are appended in order until the
// next one does not fit. It returns nil when nothing fits.
func (p *packer) block(header string, texts []string, truncate bool) *llm.Message {
	p.entries = 0
	avail := p.remaining() - p.counter.MessageOverhead()
	if avail <= p.counter.Count(header) {
		return nil
	}

	var content string
	if truncate {
		body := strings.Join(texts, "\n")
		content = header + p.fit(body, avail-p.counter.Count(header))
		if content == header {
			return nil
		}
		p.entries = len(texts)
	} else {
		content = header
		for _, t := range texts {
			next := content + t + "\n"
			if p.counter.Count(next) > avail {
				break
			}
			content = next
			p.entries++
		}
		if p.entries == 0 {
			return nil
		}
	}

	cost := p.counter.Count(content) + p.counter.MessageOverhead()
	if cost > p.remaining() {
		return nil
	}
	p.used += cost
	return &llm.Message{Role: llm.RoleSystem, Content: content}
}

// fit truncates text to at most limit tokens.
func (p *packer) fit(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	return p.counter.Truncate(text, limit)
}
