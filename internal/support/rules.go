package support

import (
	"fmt"
	"strings"

	"github.com/kalambet/tankyu/internal/agent"
)

type signal struct {
	name   string
	weight int
	fires  func(s agent.StateSnapshot) bool
}

func looping(s agent.StateSnapshot) bool     { return s.ProgressSignal.Looping() }
func blocked(s agent.StateSnapshot) bool     { return len(s.Blockers) > 0 }
func broad(s agent.StateSnapshot) bool       { return s.ProgressSignal.ScopeBreadth > 7 }
func manyOptions(s agent.StateSnapshot) bool { return len(s.OptionsConsidered) > 3 }
func unsure(s agent.StateSnapshot) bool      { return len(s.Uncertainties) > 2 }
func curiousIdle(s agent.StateSnapshot) bool {
	return s.Affect.Interest >= 4 && s.ProgressSignal.ActionsInLast7Days < 3
}
func anxiousIdle(s agent.StateSnapshot) bool {
	return s.ProgressSignal.ActionsInLast7Days < 2 && s.Affect.Anxiety > 3
}

// table holds the additive trigger weights of each support type.
var table = map[agent.SupportType][]signal{
	agent.Reframing: {
		{"looping", 3, looping},
		{"blocker", 1, blocked},
	},
	agent.Narrowing: {
		{"looping", 2, looping},
		{"scope_breadth>7", 3, broad},
		{"options>3", 2, manyOptions},
	},
	agent.Pathfinding: {
		{"uncertainties>2", 3, unsure},
		{"blocker", 2, blocked},
		{"interest_high_few_actions", 2, curiousIdle},
	},
	agent.Activation: {
		{"anxious_inactive", 4, anxiousIdle},
		{"uncertainties>2", 1, unsure},
		{"interest_high_few_actions", 2, curiousIdle},
	},
	agent.Decision: {
		{"options>3", 3, manyOptions},
		{"scope_breadth>7", 2, broad},
	},
}

// Scores returns the additive score of every support type for s.
func Scores(s agent.StateSnapshot) map[agent.SupportType]int {
	out := make(map[agent.SupportType]int, len(agent.SupportTypes))
	for _, t := range agent.SupportTypes {
		for _, sig := range table[t] {
			if sig.fires(s) {
				out[t] += sig.weight
			}
		}
	}
	return out
}

// Rule picks the highest-scoring support type, breaking ties in enum order.
// With no signal at all the learner gets UNDERSTANDING at confidence 0.5.
func Rule(s agent.StateSnapshot) agent.SupportDecision {
	scores := Scores(s)

	best, top, runnerUp := agent.Understanding, 0, 0
	for _, t := range agent.SupportTypes {
		switch v := scores[t]; {
		case v > top:
			best, runnerUp, top = t, top, v
		case v > runnerUp:
			runnerUp = v
		}
	}
	if top == 0 {
		return agent.SupportDecision{Type: agent.Understanding, Reason: "目立った兆候がないため理解の支援から始める", Confidence: baseConfidence}
	}

	conf := min(baseConfidence+confidencePerGap*float64(top-runnerUp), maxConfidence)
	return agent.SupportDecision{Type: best, Reason: reason(s, best, top), Confidence: conf}
}

func reason(s agent.StateSnapshot, t agent.SupportType, score int) string {
	var fired []string
	for _, sig := range table[t] {
		if sig.fires(s) {
			fired = append(fired, sig.name)
		}
	}
	return fmt.Sprintf("%s: %s (score %d)", t, strings.Join(fired, ", "), score)
}
