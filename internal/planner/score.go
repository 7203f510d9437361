package planner

import (
	"strings"
	"unicode/utf8"

	"github.com/kalambet/tankyu/internal/agent"
)

// Score rates a plan in [0, 1] as the mean of five checks: a non-trivial
// north star, 3..5 milestones, top three actions each with priority >= 6, a
// non-trivial strategic approach, and a north star that mentions the theme.
func Score(plan agent.ProjectPlan, s agent.StateSnapshot) float64 {
	checks := []bool{
		utf8.RuneCountInString(plan.NorthStar) > 10,
		len(plan.Milestones) >= 3 && len(plan.Milestones) <= 5,
		topActionsStrong(plan.NextActions),
		utf8.RuneCountInString(plan.StrategicApproach) > 20,
		mentionsTheme(plan.NorthStar, s.ProjectContext),
	}
	var passed int
	for _, ok := range checks {
		if ok {
			passed++
		}
	}
	return float64(passed) / float64(len(checks))
}

func topActionsStrong(actions []agent.NextAction) bool {
	if len(actions) == 0 {
		return false
	}
	for _, a := range actions[:min(3, len(actions))] {
		if a.Priority() < 6 {
			return false
		}
	}
	return true
}

func mentionsTheme(northStar string, project map[string]any) bool {
	theme, _ := project["theme"].(string)
	if theme == "" {
		return false
	}
	return strings.Contains(strings.ToLower(northStar), strings.ToLower(theme))
}
