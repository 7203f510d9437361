// Package orchestrator runs one conversation turn end to end: context
// assembly, state extraction, planning, support typing, act selection and
// composition, with per-conversation metrics and short decision histories.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/llm"
	"github.com/kalambet/tankyu/internal/memory"
	"github.com/kalambet/tankyu/internal/planner"
	"github.com/kalambet/tankyu/internal/policy"
	"github.com/kalambet/tankyu/internal/response"
	"github.com/kalambet/tankyu/internal/state"
	"github.com/kalambet/tankyu/internal/support"
)

// DefaultSystemPrompt frames every assembled context.
const DefaultSystemPrompt = "あなたは中高生の探究学習に伴走するAIチューターです。" +
	"学習者が自分で考えを深められるよう、問いかけを中心に短く日本語で応答してください。"

const (
	historyCap       = 20
	adjustmentWindow = 5
	// DefaultMaxConversations bounds the in-memory decision histories; the
	// least recently used conversation is forgotten first.
	DefaultMaxConversations = 4096
)

// ContextBuilder assembles the prompt context of a turn. *memory.Builder
// implements it.
type ContextBuilder interface {
	Build(ctx context.Context, req memory.Request) (memory.Result, error)
}

// Input is one learner turn.
type Input struct {
	UserMessage    string
	History        []agent.Message
	Project        *agent.ProjectContext
	ProjectID      string
	UserID         string
	ConversationID string
	// TurnCount is the number of stored messages before this turn.
	TurnCount int
	// Mock forces rule and template paths and skips context assembly.
	Mock bool
}

// Record is the full decision record of a turn.
type Record struct {
	Reply     agent.TurnPackage         `json:"reply"`
	Snapshot  agent.StateSnapshot       `json:"state_snapshot"`
	Plan      *agent.ProjectPlan        `json:"project_plan"`
	Support   agent.SupportDecision     `json:"support"`
	Acts      agent.ActSelection        `json:"acts"`
	Metrics   agent.ConversationMetrics `json:"metrics"`
	Context   memory.Metrics            `json:"context"`
	Timestamp time.Time                 `json:"timestamp"`
	// Fallback is set when the turn failed and the canonical reply was used.
	Fallback bool `json:"fallback,omitempty"`
}

// Stats are the per-conversation counters and recent decisions.
type Stats struct {
	Metrics agent.ConversationMetrics `json:"metrics"`
	Support []agent.SupportType       `json:"support_history"`
	Acts    [][]agent.SpeechAct       `json:"act_history"`
}

// Deps are the components an Orchestrator drives. Context may be nil, in
// which case history is passed through unbudgeted.
type Deps struct {
	Extractor *state.Extractor
	Planner   *planner.Planner
	Typer     *support.Typer
	Composer  *response.Composer
	Context   ContextBuilder
}

// Orchestrator is safe for concurrent use across conversations.
type Orchestrator struct {
	deps         Deps
	systemPrompt string
	maxActs      int
	now          func() time.Time

	mu    sync.Mutex
	convs *lru.Cache[string, *conversation]
}

type conversation struct {
	metrics agent.ConversationMetrics
	support *ring[agent.SupportType]
	acts    *ring[[]agent.SpeechAct]
}

func New(deps Deps, systemPrompt string) *Orchestrator {
	if deps.Extractor == nil {
		deps.Extractor = state.NewExtractor(nil, "", 0)
	}
	if deps.Planner == nil {
		deps.Planner = planner.NewPlanner(nil, "", 0)
	}
	if deps.Typer == nil {
		deps.Typer = support.NewTyper(nil)
	}
	if deps.Composer == nil {
		deps.Composer = response.NewComposer(nil, "", 0)
	}
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &Orchestrator{
		deps:         deps,
		systemPrompt: systemPrompt,
		maxActs:      policy.DefaultMaxActs,
		now:          time.Now,
		convs:        newConversationCache(DefaultMaxConversations),
	}
}

// WithMaxConversations replaces the conversation cache with one holding at
// most n entries. Existing histories are dropped.
func (o *Orchestrator) WithMaxConversations(n int) *Orchestrator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.convs = newConversationCache(n)
	return o
}

func newConversationCache(n int) *lru.Cache[string, *conversation] {
	c, err := lru.New[string, *conversation](max(n, 1))
	if err != nil {
		panic(err) // only for a non-positive size
	}
	return c
}

// ProcessTurn never fails: errors and panics produce the canonical
// fallback record.
func (o *Orchestrator) ProcessTurn(ctx context.Context, in Input) (rec Record) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("orchestrator: turn panicked", "conversation_id", in.ConversationID, "panic", r)
			rec = o.fallback(in, fmt.Errorf("panic: %v: %w", r, agent.ErrInvariant))
		}
	}()

	rec, err := o.process(ctx, in)
	if err != nil {
		slog.Error("orchestrator: turn failed", "conversation_id", in.ConversationID, "kind", agent.Kind(err), "error", err)
		return o.fallback(in, err)
	}
	return rec
}

func (o *Orchestrator) process(ctx context.Context, in Input) (Record, error) {
	sin := state.Input{
		UserMessage:    in.UserMessage,
		History:        in.History,
		Project:        in.Project,
		ProjectID:      in.ProjectID,
		UserID:         in.UserID,
		ConversationID: in.ConversationID,
		TurnIndex:      in.TurnCount,
		RuleOnly:       in.Mock,
	}

	var (
		built    memory.Result
		snapshot agent.StateSnapshot
		plan     *agent.ProjectPlan
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(guard(func() (err error) {
		built, err = o.buildContext(gctx, in)
		return err
	}))
	g.Go(guard(func() error {
		snapshot, _ = o.deps.Extractor.Extract(gctx, sin)
		return nil
	}))
	g.Go(guard(func() (err error) {
		plan, err = o.deps.Planner.Plan(gctx, planner.Input{
			Snapshot: state.Minimal(sin),
			Project:  in.Project,
			History:  in.History,
			RuleOnly: in.Mock,
		})
		return err
	}))
	if err := g.Wait(); err != nil {
		return Record{}, err
	}
	if plan != nil {
		plan.Confidence = planner.Score(*plan, snapshot)
	}

	conv := o.conversation(in.ConversationID)
	supportHist, actHist := o.histories(conv)

	decision := o.deps.Typer.Decide(ctx, snapshot, supportHist, in.Mock)
	decision = adjust(decision, snapshot, supportHist)

	acts := policy.SelectActs(snapshot, decision.Type, actHist, o.maxActs)

	var planConfidence float64
	if plan != nil {
		planConfidence = plan.Confidence
	}
	reply := o.deps.Composer.Compose(ctx, response.Input{
		UserMessage:    in.UserMessage,
		Acts:           acts.Acts,
		Support:        decision.Type,
		Snapshot:       snapshot,
		Context:        built.Messages,
		PlanConfidence: planConfidence,
		RetrievalHits:  built.Metrics.RetrievalHits,
		TemplateOnly:   in.Mock,
	})
	if err := ctx.Err(); err != nil {
		return Record{}, llm.Classify("turn", err)
	}

	metrics := o.update(conv, decision.Type, acts.Acts, momentum(snapshot), built.Metrics)
	slog.Debug("orchestrator: turn processed",
		"conversation_id", in.ConversationID,
		"support_type", decision.Type,
		"acts", acts.Acts,
		"retrieval_hits", built.Metrics.RetrievalHits,
	)
	return Record{
		Reply:     reply,
		Snapshot:  snapshot,
		Plan:      plan,
		Support:   decision,
		Acts:      acts,
		Metrics:   metrics,
		Context:   built.Metrics,
		Timestamp: o.now().UTC(),
	}, nil
}

// guard turns a panic in a fan-out goroutine into an invariant error.
func guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v: %w", r, agent.ErrInvariant)
			}
		}()
		return fn()
	}
}

func (o *Orchestrator) buildContext(ctx context.Context, in Input) (memory.Result, error) {
	if o.deps.Context == nil || in.Mock {
		msgs := make([]llm.Message, 0, len(in.History)+2)
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: o.systemPrompt})
		for _, m := range in.History {
			role := llm.RoleUser
			if m.Sender == agent.SenderAssistant {
				role = llm.RoleAssistant
			}
			msgs = append(msgs, llm.Message{Role: role, Content: m.Text})
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: in.UserMessage})
		return memory.Result{Messages: msgs}, nil
	}
	return o.deps.Context.Build(ctx, memory.Request{
		UserMessage:    in.UserMessage,
		ConversationID: in.ConversationID,
		SystemPrompt:   o.systemPrompt,
		History:        in.History,
		TurnCount:      in.TurnCount,
	})
}

// adjust moves a learner who has only been helped to understand for five
// turns, and already has a goal, on to pathfinding.
func adjust(d agent.SupportDecision, s agent.StateSnapshot, hist []agent.SupportType) agent.SupportDecision {
	if d.Type != agent.Understanding || s.Goal == "" || len(hist) < adjustmentWindow {
		return d
	}
	for _, t := range hist[len(hist)-adjustmentWindow:] {
		if t != agent.Understanding {
			return d
		}
	}
	d.Type = agent.Pathfinding
	d.Reason += fmt.Sprintf("（理解の支援が%d回続き目標があるため道筋づくりへ）", adjustmentWindow)
	return d
}

func momentum(s agent.StateSnapshot) float64 {
	switch {
	case s.ProgressSignal.ActionsInLast7Days > 3:
		return 0.5
	case s.ProgressSignal.Looping():
		return -0.2
	default:
		return 0.1
	}
}

func (o *Orchestrator) conversation(id string) *conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.convs.Get(id)
	if !ok {
		c = &conversation{
			support: newRing[agent.SupportType](historyCap),
			acts:    newRing[[]agent.SpeechAct](historyCap),
		}
		o.convs.Add(id, c)
	}
	return c
}

func (o *Orchestrator) histories(c *conversation) ([]agent.SupportType, [][]agent.SpeechAct) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return c.support.items(), c.acts.items()
}

func (o *Orchestrator) update(c *conversation, t agent.SupportType, acts []agent.SpeechAct, delta float64, cm memory.Metrics) agent.ConversationMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	c.metrics.TurnsCount++
	c.metrics.MomentumDelta = delta
	c.metrics.CompressionRatio = cm.CompressionRatio
	c.metrics.RetrievalHits = cm.RetrievalHits
	c.metrics.InputTokens = cm.TotalTokens
	c.metrics.RawHistoryTokens = cm.RawHistoryTokens
	c.support.push(t)
	c.acts.push(slices.Clone(acts))
	return c.metrics
}

func (o *Orchestrator) fallback(in Input, err error) Record {
	snapshot := state.Minimal(state.Input{Project: in.Project})
	snapshot.ProjectID = in.ProjectID
	snapshot.UserID = in.UserID
	snapshot.ConversationID = in.ConversationID
	snapshot.TurnIndex = in.TurnCount

	decision := agent.SupportDecision{
		Type:       agent.Understanding,
		Reason:     "fallback after " + agent.Kind(err),
		Confidence: 0.5,
	}
	acts := agent.ActSelection{Acts: []agent.SpeechAct{agent.Clarify}, Reason: "fallback"}
	conv := o.conversation(in.ConversationID)
	metrics := o.update(conv, decision.Type, acts.Acts, 0, memory.Metrics{})

	return Record{
		Reply: agent.TurnPackage{
			NaturalReply: response.FallbackReply,
			Followups:    slices.Clone(response.DefaultFollowups),
			Metadata:     map[string]any{"support_type": decision.Type.String(), "plan_confidence": 0.0, "retrieval_hits": 0},
		},
		Snapshot:  snapshot,
		Support:   decision,
		Acts:      acts,
		Metrics:   metrics,
		Timestamp: o.now().UTC(),
		Fallback:  true,
	}
}

// Stats returns the counters and recent decisions of a conversation.
func (o *Orchestrator) Stats(conversationID string) (Stats, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.convs.Peek(conversationID)
	if !ok {
		return Stats{}, false
	}
	return Stats{Metrics: c.metrics, Support: c.support.items(), Acts: c.acts.items()}, true
}
