// Package support decides which of the six support types a learner needs
// this turn.
package support

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/llm"
)

const (
	baseConfidence    = 0.5
	confidencePerGap  = 0.1
	maxConfidence     = 0.9
	repeatWindow      = 3
	lowEffectiveness  = 0.4
	defaultLLMTimeout = 10 * time.Second
)

// Effectiveness reports how well a support type has been working for the
// learner, in [0, 1].
type Effectiveness interface {
	Effectiveness(t agent.SupportType) float64
}

// ConstantEffectiveness rates every support type the same.
type ConstantEffectiveness float64

func (c ConstantEffectiveness) Effectiveness(agent.SupportType) float64 { return float64(c) }

// DefaultEffectiveness is used when no feedback source is wired.
const DefaultEffectiveness = ConstantEffectiveness(0.5)

// alternates replace a support type that keeps repeating without effect.
var alternates = map[agent.SupportType]agent.SupportType{
	agent.Understanding: agent.Pathfinding,
	agent.Pathfinding:   agent.Activation,
	agent.Reframing:     agent.Activation,
	agent.Activation:    agent.Reframing,
	agent.Narrowing:     agent.Decision,
	agent.Decision:      agent.Activation,
}

// Alternate returns the fallback support type for t.
func Alternate(t agent.SupportType) agent.SupportType {
	if a, ok := alternates[t]; ok {
		return a
	}
	return agent.Understanding
}

// Typer scores snapshots into support decisions.
type Typer struct {
	eff     Effectiveness
	client  llm.Client
	model   string
	timeout time.Duration
}

// NewTyper returns a rule-mode Typer. A nil eff means DefaultEffectiveness.
func NewTyper(eff Effectiveness) *Typer {
	if eff == nil {
		eff = DefaultEffectiveness
	}
	return &Typer{eff: eff, timeout: defaultLLMTimeout}
}

// WithLLM enables the LLM mode, whose answer replaces the rule result when it
// names a known support type.
func (t *Typer) WithLLM(client llm.Client, model string, timeout time.Duration) *Typer {
	t.client, t.model = client, model
	if timeout > 0 {
		t.timeout = timeout
	}
	return t
}

// Decide returns the support decision for s. history holds the support
// types of earlier turns, oldest first.
func (t *Typer) Decide(ctx context.Context, s agent.StateSnapshot, history []agent.SupportType, ruleOnly bool) agent.SupportDecision {
	d := Rule(s)
	if t.client != nil && !ruleOnly {
		if ld, err := t.fromLLM(ctx, s); err != nil {
			slog.Warn("support: LLM decision rejected, using rules", "kind", agent.Kind(err), "error", err)
		} else {
			d = ld
		}
	}
	return t.avoidRepetition(d, history)
}

// avoidRepetition swaps d for its alternate when the same type was chosen
// for each of the last three turns and it is not working.
func (t *Typer) avoidRepetition(d agent.SupportDecision, history []agent.SupportType) agent.SupportDecision {
	if len(history) < repeatWindow {
		return d
	}
	last := history[len(history)-repeatWindow:]
	if !lo.EveryBy(last, func(h agent.SupportType) bool { return h == d.Type }) {
		return d
	}
	eff := t.eff.Effectiveness(d.Type)
	if eff >= lowEffectiveness {
		return d
	}
	alt := Alternate(d.Type)
	return agent.SupportDecision{
		Type:       alt,
		Reason:     fmt.Sprintf("%s（%sが%d回続き効果%.2fのため%sに切り替え）", d.Reason, d.Type, repeatWindow, eff, alt),
		Confidence: d.Confidence,
	}
}

func (t *Typer) fromLLM(ctx context.Context, s agent.StateSnapshot) (agent.SupportDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	raw, err := t.client.Chat(ctx, buildPrompt(s), llm.Options{
		Model:       t.model,
		Temperature: 0,
		Schema:      agent.SupportSchema(),
	})
	if err != nil {
		return agent.SupportDecision{}, llm.Classify(t.model, err)
	}
	return agent.DecodeSupport(raw)
}

func buildPrompt(s agent.StateSnapshot) []llm.Message {
	names := lo.Map(agent.SupportTypes, func(st agent.SupportType, _ int) string { return st.String() })
	var b strings.Builder
	fmt.Fprintf(&b, "目標: %s\n", s.Goal)
	fmt.Fprintf(&b, "困っていること: %s\n", strings.Join(s.Blockers, " / "))
	fmt.Fprintf(&b, "迷っている問い: %s\n", strings.Join(s.Uncertainties, " / "))
	fmt.Fprintf(&b, "検討中の選択肢: %d件\n", len(s.OptionsConsidered))
	fmt.Fprintf(&b, "興味%d 不安%d 高揚%d\n", s.Affect.Interest, s.Affect.Anxiety, s.Affect.Excitement)
	fmt.Fprintf(&b, "最近の行動数%d 繰り返し%d件 関心の広さ%d\n",
		s.ProgressSignal.ActionsInLast7Days, len(s.ProgressSignal.LoopingSignals), s.ProgressSignal.ScopeBreadth)
	return []llm.Message{
		{Role: llm.RoleSystem, Content: "学習者の状態から、今必要な支援の種類を次から1つ選んでください: " +
			strings.Join(names, ", ") + "。JSONのみで答えてください。"},
		{Role: llm.RoleUser, Content: b.String()},
	}
}
