package planner

import (
	"fmt"
	"strings"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/llm"
)

const digestMessages = 6

const systemPrompt = `あなたは中高生の探究学習を支援するプランナーです。
学習者の状態とプロジェクト情報から、探究プロジェクトの計画を作ってください。
- north_star: プロジェクトで最も大切な到達点
- milestones: 3〜5段階。それぞれ title, description, target_date(例: 2週目), success_criteria, order
- next_actions: 最大5件。urgency と importance は1〜5
- strategic_approach: 進め方の方針
- risk_factors: つまずきそうな点
出力は指定されたスキーマに従うJSONオブジェクト1つだけにしてください。`

// BuildPrompt renders goal, purpose, project block and a digest of the last
// messages into the planning prompt.
func BuildPrompt(in Input) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "目標: %s\n", in.Snapshot.Goal)
	if in.Snapshot.Purpose != "" {
		fmt.Fprintf(&b, "目的: %s\n", in.Snapshot.Purpose)
	}
	if p := in.Project; p != nil {
		fmt.Fprintf(&b, "テーマ: %s\n", p.Theme)
		if p.Question != "" {
			fmt.Fprintf(&b, "問い: %s\n", p.Question)
		}
		if p.Hypothesis != "" {
			fmt.Fprintf(&b, "仮説: %s\n", p.Hypothesis)
		}
	}
	if len(in.Snapshot.Blockers) > 0 {
		fmt.Fprintf(&b, "困っていること: %s\n", strings.Join(in.Snapshot.Blockers, " / "))
	}

	hist := in.History
	if len(hist) > digestMessages {
		hist = hist[len(hist)-digestMessages:]
	}
	if len(hist) > 0 {
		b.WriteString("最近の会話:\n")
		for _, m := range hist {
			who := "学習者"
			if m.Sender == agent.SenderAssistant {
				who = "AI"
			}
			fmt.Fprintf(&b, "- %s: %s\n", who, m.Text)
		}
	}

	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: b.String()},
	}
}
