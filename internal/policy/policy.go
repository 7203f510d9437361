// Package policy maps a support type and snapshot to the speech acts of the
// reply.
package policy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/kalambet/tankyu/internal/agent"
)

// DefaultMaxActs is the number of acts a reply carries at most.
const DefaultMaxActs = 2

const repeatWindow = 3

// actSets are the characteristic acts of each support type, in preference
// order.
var actSets = map[agent.SupportType][]agent.SpeechAct{
	agent.Understanding: {agent.Clarify, agent.Reflect, agent.Inform},
	agent.Pathfinding:   {agent.Outline, agent.Probe, agent.Inform},
	agent.Reframing:     {agent.Reframe, agent.Probe, agent.Reflect},
	agent.Activation:    {agent.Act, agent.Reflect, agent.Probe},
	agent.Narrowing:     {agent.Clarify, agent.Decide, agent.Outline},
	agent.Decision:      {agent.Decide, agent.Reflect, agent.Inform},
}

// ActSet returns the characteristic acts of t.
func ActSet(t agent.SupportType) []agent.SpeechAct {
	return slices.Clone(actSets[t])
}

type fit struct {
	act    agent.SpeechAct
	why    string
	holds func(s agent.StateSnapshot) bool
}

var fits = []fit{
	{agent.Act, "anxious and inactive", func(s agent.StateSnapshot) bool {
		return s.Affect.Anxiety > 3 && s.ProgressSignal.ActionsInLast7Days < 2
	}},
	{agent.Decide, "many options", func(s agent.StateSnapshot) bool { return len(s.OptionsConsidered) > 3 }},
	{agent.Reframe, "looping", func(s agent.StateSnapshot) bool { return s.ProgressSignal.Looping() }},
	{agent.Clarify, "goal unclear", func(s agent.StateSnapshot) bool { return strings.TrimSpace(s.Goal) == "" }},
}

// SelectActs picks up to maxActs acts for support type t: acts that fit the
// snapshot first, then the type's set in order. The result is in Socratic
// order. history holds earlier selections, oldest first.
func SelectActs(s agent.StateSnapshot, t agent.SupportType, history [][]agent.SpeechAct, maxActs int) agent.ActSelection {
	if maxActs <= 0 {
		maxActs = DefaultMaxActs
	}
	set := actSets[t]
	if len(set) == 0 {
		set = actSets[agent.Understanding]
	}

	var picked []agent.SpeechAct
	var reasons []string
	for _, f := range fits {
		if len(picked) < maxActs && f.holds(s) && !slices.Contains(picked, f.act) {
			picked = append(picked, f.act)
			reasons = append(reasons, f.act.String()+" for "+f.why)
		}
	}
	for _, a := range set {
		if len(picked) >= maxActs {
			break
		}
		if !slices.Contains(picked, a) {
			picked = append(picked, a)
		}
	}

	if repeated, ok := repeatedSingle(history); ok {
		if i := slices.Index(picked, repeated); i >= 0 {
			if alt, found := lo.Find(set, func(a agent.SpeechAct) bool {
				return a != repeated && !slices.Contains(picked, a)
			}); found {
				picked[i] = alt
				reasons = append(reasons, fmt.Sprintf("%s replaced by %s after %d repeats", repeated, alt, repeatWindow))
			}
		}
	}

	Sort(picked)
	reason := fmt.Sprintf("%s set %s", t, joinActs(set))
	if len(reasons) > 0 {
		reason += "; " + strings.Join(reasons, "; ")
	}
	return agent.ActSelection{Acts: picked, Reason: reason}
}

// Sort orders acts by Socratic priority in place.
func Sort(acts []agent.SpeechAct) {
	slices.SortStableFunc(acts, func(a, b agent.SpeechAct) int { return a.SocraticRank() - b.SocraticRank() })
}

// repeatedSingle reports the act when each of the last three selections was
// that one act alone.
func repeatedSingle(history [][]agent.SpeechAct) (agent.SpeechAct, bool) {
	if len(history) < repeatWindow {
		return 0, false
	}
	last := history[len(history)-repeatWindow:]
	first := last[0]
	if len(first) != 1 {
		return 0, false
	}
	same := lo.EveryBy(last, func(sel []agent.SpeechAct) bool { return len(sel) == 1 && sel[0] == first[0] })
	return first[0], same
}

func joinActs(acts []agent.SpeechAct) string {
	return "{" + strings.Join(lo.Map(acts, func(a agent.SpeechAct, _ int) string { return a.String() }), ", ") + "}"
}
