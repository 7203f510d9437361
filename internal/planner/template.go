package planner

import (
	"time"

	"github.com/kalambet/tankyu/internal/agent"
)

// RulePlan is the fixed five-stage plan: problem framing, research,
// experiment, analysis and presentation, with three anchor actions.
func RulePlan(s agent.StateSnapshot, p *agent.ProjectContext, now time.Time) agent.ProjectPlan {
	theme := p.Theme
	if theme == "" {
		theme = s.Goal
	}

	milestones := agent.NormalizeMilestones([]agent.Milestone{
		{
			Title:           "問題設定",
			Description:     "「" + theme + "」で明らかにしたい問いを一文にまとめる",
			TargetDate:      "1週目",
			SuccessCriteria: []string{"問いが一文で言える", "なぜ調べるのかを説明できる"},
		},
		{
			Title:           "情報収集",
			Description:     "本・論文・記事から関連する情報を集めて整理する",
			TargetDate:      "2〜3週目",
			SuccessCriteria: []string{"信頼できる情報源が3つ以上ある", "わかったことと未解決の点を分けられる"},
		},
		{
			Title:           "実験・調査",
			Description:     "仮説を確かめるための実験やアンケートを計画して実施する",
			TargetDate:      "4〜6週目",
			SuccessCriteria: []string{"手順が記録されている", "データが集まっている"},
		},
		{
			Title:           "分析",
			Description:     "集めたデータを整理し、仮説と比べて考察する",
			TargetDate:      "7週目",
			SuccessCriteria: []string{"結果を図や表で示せる", "仮説が支持されたか説明できる"},
		},
		{
			Title:           "発表",
			Description:     "問い・方法・結果・考察をまとめて発表する",
			TargetDate:      "8週目",
			SuccessCriteria: []string{"発表資料ができている", "質問に答えられる"},
		},
	})

	actions := agent.RankActions([]agent.NextAction{
		{
			Action:          "「" + theme + "」について一番知りたい問いを書き出す",
			Urgency:         5,
			Importance:      4,
			Reason:          "問いが決まると調べる範囲が絞れる",
			ExpectedOutcome: "探究の問いの候補",
		},
		{
			Action:          "関連する本や記事を2つ探して要点をメモする",
			Urgency:         4,
			Importance:      4,
			Reason:          "先行する知見を知ることで仮説が立てやすくなる",
			ExpectedOutcome: "要点メモ",
		},
		{
			Action:          "調べ方（実験・アンケート・インタビュー）の候補を比べる",
			Urgency:         3,
			Importance:      4,
			Reason:          "方法を早めに決めると準備の時間がとれる",
			ExpectedOutcome: "調査方法の候補リスト",
		},
	})

	return agent.ProjectPlan{
		NorthStar:         "「" + theme + "」について、根拠をもって自分の答えを示す",
		NorthStarMetric:   "問いに対する結論とその根拠となるデータの数",
		Milestones:        milestones,
		NextActions:       actions,
		StrategicApproach: "問いを絞ってから情報を集め、小さな実験やアンケートで仮説を確かめ、結果を振り返りながら進める",
		RiskFactors:       []string{"問いが広すぎて絞れない", "データ集めに時間がかかる"},
		CreatedAt:         now,
	}
}
