package state

import (
	"fmt"
	"strings"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/llm"
)

const maxTranscript = 20

const systemPrompt = `あなたは探究学習を支援するチューターの状態推定エンジンです。
学習者との会話とプロジェクト情報を読み、学習者の現在の状態を推定してください。
出力は指定されたスキーマに従うJSONオブジェクト1つだけにしてください。説明文やMarkdownは含めないでください。

- goal: 学習者が達成したいこと
- blockers: 学習者が困っていること
- uncertainties: 学習者が迷っている問い
- options_considered: 検討している選択肢
- affect: interest, anxiety, excitement をそれぞれ0〜5で
- progress_signal: 最近7日の行動数、同じ質問の繰り返し、関心の広さ(1〜10)`

// BuildPrompt renders the last messages and the project block into the
// extraction prompt.
func BuildPrompt(in Input) []llm.Message {
	var sb strings.Builder
	sb.WriteString(systemPrompt)

	if !in.Project.Empty() {
		sb.WriteString("\n\n[プロジェクト]")
		if in.Project.Theme != "" {
			fmt.Fprintf(&sb, "\nテーマ: %s", in.Project.Theme)
		}
		if in.Project.Question != "" {
			fmt.Fprintf(&sb, "\n問い: %s", in.Project.Question)
		}
		if in.Project.Hypothesis != "" {
			fmt.Fprintf(&sb, "\n仮説: %s", in.Project.Hypothesis)
		}
	}

	var tr strings.Builder
	for _, m := range lastN(in.History, maxTranscript) {
		fmt.Fprintf(&tr, "%s: %s\n", speaker(m.Sender), m.Text)
	}
	fmt.Fprintf(&tr, "学習者: %s", in.UserMessage)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: sb.String()},
		{Role: llm.RoleUser, Content: tr.String()},
	}
}

func speaker(s agent.Sender) string {
	if s == agent.SenderAssistant {
		return "AI"
	}
	return "学習者"
}
