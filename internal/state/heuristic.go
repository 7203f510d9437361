package state

import (
	"strings"
	"time"
	"unicode"

	"github.com/samber/lo"

	"github.com/kalambet/tankyu/internal/agent"
)

var (
	blockerMarkers     = []string{"困って", "わからない", "難しい", "できない", "止まって"}
	uncertaintyMarkers = []string{"どうすれば", "どれが", "いつ", "なぜ", "？"}
	interestMarkers    = []string{"面白", "おもしろ", "興味", "知りたい", "好き"}
	anxietyMarkers     = []string{"不安", "心配", "自信がない", "怖い", "焦"}
	excitementMarkers  = []string{"楽しみ", "ワクワク", "わくわく", "やってみたい", "すごい"}
	actionMarkers      = []string{"やった", "調べた", "読んだ", "試した", "作った", "聞いた", "まとめた", "書いた"}
	optionMarkers      = []string{"候補", "案", "迷って", "それとも", "どっち"}
	optionSeparators   = []string{"、", "・", "/", "／", "それとも", "または"}
	resourceMarkers    = []string{"論文", "本", "記事", "サイト", "データ", "インタビュー", "アンケート", "図書館"}

	timeHorizons = []struct{ marker, horizon string }{
		{"今日", "today"},
		{"今週", "this_week"},
		{"今月", "this_month"},
	}
)

const (
	raisedAffect    = 4
	maxActions      = 10
	loopingRatio    = 0.3
	wordsPerBreadth = 20
	actionWindow    = 7 * 24 * time.Hour
)

// Minimal fills the fields derivable from the project alone.
func Minimal(in Input) agent.StateSnapshot {
	s := agent.NewSnapshot()
	s.Goal = goalFromProject(in.Project)
	if in.Project != nil {
		s.Purpose = in.Project.Hypothesis
		if s.Purpose == "" {
			s.Purpose = in.Project.Question
		}
	}
	s.ProjectContext = in.Project.Map()
	return s
}

// heuristic estimates the snapshot from keyword classes over the recent
// user messages, including the current one.
func heuristic(in Input, now time.Time) agent.StateSnapshot {
	s := Minimal(in)

	recent := lastN(in.History, maxTranscript)
	var texts []string
	var recentActions int
	for _, m := range recent {
		if m.Sender != agent.SenderUser {
			continue
		}
		texts = append(texts, m.Text)
		if m.CreatedAt.IsZero() || now.Sub(m.CreatedAt) <= actionWindow {
			recentActions++
		}
	}
	if t := strings.TrimSpace(in.UserMessage); t != "" {
		texts = append(texts, t)
	}

	s.Blockers = matching(texts, blockerMarkers)
	s.Uncertainties = matching(texts, uncertaintyMarkers)
	s.OptionsConsidered = options(texts)
	s.Resources = lo.Uniq(lo.Filter(resourceMarkers, func(r string, _ int) bool {
		return lo.SomeBy(texts, func(t string) bool { return strings.Contains(t, r) })
	}))
	s.LastAction = lastMatching(texts, actionMarkers)
	s.TimeHorizon = horizon(texts)

	if anyContains(texts, interestMarkers) {
		s.Affect.Interest = raisedAffect
	}
	if anyContains(texts, anxietyMarkers) {
		s.Affect.Anxiety = raisedAffect
	}
	if anyContains(texts, excitementMarkers) {
		s.Affect.Excitement = raisedAffect
	}

	s.ProgressSignal.ActionsInLast7Days = min(recentActions, maxActions)
	if len(texts) > 0 {
		s.ProgressSignal.NoveltyRatio = float64(len(lo.Uniq(lo.Map(texts, normalize)))) / float64(len(texts))
	}
	s.ProgressSignal.LoopingSignals = looping(texts)
	s.ProgressSignal.ScopeBreadth = lo.Clamp(len(lo.Uniq(words(texts)))/wordsPerBreadth, 1, 10)
	return s
}

func goalFromProject(p *agent.ProjectContext) string {
	if p == nil || p.Theme == "" {
		return ""
	}
	if p.Question != "" {
		return p.Theme + " - " + p.Question
	}
	return p.Theme
}

func anyContains(texts, markers []string) bool {
	return lo.SomeBy(texts, func(t string) bool { return containsAny(t, markers) })
}

func containsAny(text string, markers []string) bool {
	return lo.SomeBy(markers, func(m string) bool { return strings.Contains(text, m) })
}

// matching returns the distinct texts containing any marker, in order.
func matching(texts, markers []string) []string {
	return lo.Uniq(lo.Filter(texts, func(t string, _ int) bool { return containsAny(t, markers) }))
}

func lastMatching(texts, markers []string) string {
	for i := len(texts) - 1; i >= 0; i-- {
		if containsAny(texts[i], markers) {
			return texts[i]
		}
	}
	return ""
}

func horizon(texts []string) string {
	for i := len(texts) - 1; i >= 0; i-- {
		for _, h := range timeHorizons {
			if strings.Contains(texts[i], h.marker) {
				return h.horizon
			}
		}
	}
	return ""
}

// options splits messages that weigh alternatives into their parts.
func options(texts []string) []string {
	var out []string
	for _, t := range texts {
		if !containsAny(t, optionMarkers) {
			continue
		}
		parts := []string{t}
		for _, sep := range optionSeparators {
			parts = lo.FlatMap(parts, func(p string, _ int) []string { return strings.Split(p, sep) })
		}
		parts = lo.FilterMap(parts, func(p string, _ int) (string, bool) {
			p = trimPunct(p)
			return p, p != ""
		})
		if len(parts) >= 2 {
			out = append(out, parts...)
		}
	}
	return lo.Uniq(out)
}

// looping reports the repeated questions when at least 30% of the questions
// repeat an earlier one.
func looping(texts []string) []string {
	questions := lo.Filter(texts, func(t string, _ int) bool {
		return strings.ContainsAny(t, "？?")
	})
	if len(questions) < 2 {
		return []string{}
	}
	seen := make(map[string]bool, len(questions))
	var repeats []string
	for _, q := range questions {
		key := normalize(q, 0)
		if seen[key] {
			repeats = append(repeats, q)
		}
		seen[key] = true
	}
	if float64(len(repeats))/float64(len(questions)) < loopingRatio {
		return []string{}
	}
	return lo.Uniq(repeats)
}

func normalize(t string, _ int) string { return trimPunct(t) }

func trimPunct(t string) string {
	return strings.TrimFunc(t, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || strings.ContainsRune("？！。、?!", r)
	})
}

func words(texts []string) []string {
	return lo.FlatMap(texts, func(t string, _ int) []string {
		return strings.FieldsFunc(t, func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsPunct(r) || strings.ContainsRune("、。！？", r)
		})
	})
}

func lastN(msgs []agent.Message, n int) []agent.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
