// Package response renders the selected speech acts into the learner-facing
// reply and follow-up suggestions.
package response

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/llm"
)

const (
	defaultTimeout = 20 * time.Second
	maxActSentence = 2
)

// FallbackReply is the canonical apology used when a turn cannot be composed.
const FallbackReply = "すみません、うまく理解できませんでした。別の言い方でもう一度教えてもらえますか？"

// DefaultFollowups are the generic follow-up suggestions of the template path.
var DefaultFollowups = []string{
	"次に何をすればいいですか？",
	"具体例を教えてください",
	"今の考えを整理したいです",
}

// Input is everything the composer needs for one reply.
type Input struct {
	UserMessage    string
	Acts           []agent.SpeechAct
	Support        agent.SupportType
	Snapshot       agent.StateSnapshot
	Context        []llm.Message
	PlanConfidence float64
	RetrievalHits  int
	// TemplateOnly skips the LLM even when a client is configured.
	TemplateOnly bool
}

// Composer produces TurnPackages. A nil client means template only.
type Composer struct {
	client  llm.Client
	model   string
	timeout time.Duration
}

func NewComposer(client llm.Client, model string, timeout time.Duration) *Composer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Composer{client: client, model: model, timeout: timeout}
}

// Compose renders in into a reply. LLM and parse failures fall back to the
// template path, so the result is always well formed.
func (c *Composer) Compose(ctx context.Context, in Input) agent.TurnPackage {
	var pkg agent.TurnPackage
	if c.client != nil && !in.TemplateOnly {
		var err error
		pkg, err = c.fromLLM(ctx, in)
		if err != nil {
			slog.Warn("response: LLM reply rejected, using template", "kind", agent.Kind(err), "error", err)
			pkg = Template(in.Acts, in.Snapshot)
		}
	} else {
		pkg = Template(in.Acts, in.Snapshot)
	}
	if len(pkg.Followups) == 0 {
		pkg.Followups = slices.Clone(DefaultFollowups)
	}
	pkg.Metadata = map[string]any{
		"support_type":    in.Support.String(),
		"plan_confidence": in.PlanConfidence,
		"retrieval_hits":  in.RetrievalHits,
	}
	return pkg
}

func (c *Composer) fromLLM(ctx context.Context, in Input) (agent.TurnPackage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.client.Chat(ctx, BuildPrompt(in), llm.Options{
		Model:       c.model,
		Temperature: 0.7,
		Schema:      agent.ReplySchema(),
	})
	if err != nil {
		return agent.TurnPackage{}, llm.Classify(c.model, err)
	}
	return agent.DecodeReply(raw)
}

// BuildPrompt places the act instructions in front of the assembled context
// and replaces its trailing user message with the composition request.
func BuildPrompt(in Input) []llm.Message {
	var b strings.Builder
	b.WriteString("あなたは中高生の探究学習を支えるチューターです。答えを教えすぎず、問いかけで考えを引き出してください。\n")
	fmt.Fprintf(&b, "支援の種類: %s\n", in.Support)
	b.WriteString("使う発話行為:\n")
	for _, a := range in.Acts {
		fmt.Fprintf(&b, "- %s: %s\n", a, actGuides[a])
	}
	fmt.Fprintf(&b, "学習者の目標: %s\n", orNone(in.Snapshot.Goal))
	fmt.Fprintf(&b, "困っていること: %s\n", orNone(strings.Join(in.Snapshot.Blockers, " / ")))
	fmt.Fprintf(&b, "迷っている問い: %s\n", orNone(strings.Join(in.Snapshot.Uncertainties, " / ")))
	b.WriteString(`{"natural_reply": "...", "followups": ["...", "...", "..."]} の形のJSONのみで答えてください。followupsは学習者が次に送れる短い文で最大3つです。`)

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: b.String()}}
	ctxMsgs := in.Context
	if n := len(ctxMsgs); n > 0 && ctxMsgs[n-1].Role == llm.RoleUser {
		ctxMsgs = ctxMsgs[:n-1]
	}
	msgs = append(msgs, ctxMsgs...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: in.UserMessage})
	return msgs
}

func orNone(s string) string {
	if s == "" {
		return "なし"
	}
	return s
}

var actGuides = map[agent.SpeechAct]string{
	agent.Clarify: "詳しく聞き返す",
	agent.Inform:  "短い原理や知識を伝える",
	agent.Probe:   "なぜ・どんな結果を期待するかを問う",
	agent.Act:     "30分でできる具体的な一歩を示す",
	agent.Reframe: "別の視点を示す",
	agent.Outline: "3つのステップを提案する",
	agent.Decide:  "決めるための基準を問う",
	agent.Reflect: "ここまでの話を要約して返す",
}

// Template renders up to two act sentences in Socratic order.
func Template(acts []agent.SpeechAct, s agent.StateSnapshot) agent.TurnPackage {
	ordered := slices.Clone(acts)
	slices.SortStableFunc(ordered, func(a, b agent.SpeechAct) int { return a.SocraticRank() - b.SocraticRank() })
	ordered = lo.Uniq(ordered)
	if len(ordered) > maxActSentence {
		ordered = ordered[:maxActSentence]
	}
	if len(ordered) == 0 {
		ordered = []agent.SpeechAct{agent.Clarify}
	}

	sentences := lo.Map(ordered, func(a agent.SpeechAct, _ int) string { return sentence(a, s) })
	return agent.TurnPackage{
		NaturalReply: strings.Join(sentences, ""),
		Followups:    slices.Clone(DefaultFollowups),
	}
}

func sentence(a agent.SpeechAct, s agent.StateSnapshot) string {
	topic := "今の探究"
	if s.Goal != "" {
		topic = "「" + s.Goal + "」"
	}
	switch a {
	case agent.Clarify:
		return topic + "について、もう少し詳しく教えてもらえますか？"
	case agent.Inform:
		return "調べるときは、まず問いを一つに絞ってから情報を集めると進めやすくなります。"
	case agent.Probe:
		return "なぜそれが気になるのか、どんな結果になると思うかを考えてみましょう。"
	case agent.Act:
		return "まずは30分で、関係する資料を1つ探して要点を3行でメモしてみましょう。"
	case agent.Reframe:
		return "少し視点を変えて、もし反対の立場だったらどう考えるかを想像してみませんか？"
	case agent.Outline:
		return "進め方の例として、①問いを決める②調べる③確かめる、の3ステップを考えてみましょう。"
	case agent.Decide:
		return "選ぶときに一番大切にしたい基準は何ですか？"
	case agent.Reflect:
		return "ここまでの話を整理すると、" + topic + "について考えを深めているところですね。"
	default:
		return ""
	}
}
