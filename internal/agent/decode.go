package agent

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
)

// ExtractJSON isolates the JSON object in an LLM response. Small models often
// wrap the object in markdown fences or add conversational filler around it.
func ExtractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", invalid("", "no JSON object in response")
	}
	return s[start : end+1], nil
}

func decodeObject(raw string, v any) error {
	obj, err := ExtractJSON(raw)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(obj)))
	if err := dec.Decode(v); err != nil {
		return invalid("", "malformed JSON: %v", err)
	}
	return nil
}

type affectWire struct {
	Interest   *int `json:"interest" jsonschema:"minimum=0,maximum=5"`
	Anxiety    *int `json:"anxiety" jsonschema:"minimum=0,maximum=5"`
	Excitement *int `json:"excitement" jsonschema:"minimum=0,maximum=5"`
}

type progressWire struct {
	ActionsInLast7Days *int     `json:"actions_in_last_7_days" jsonschema:"minimum=0"`
	NoveltyRatio       *float64 `json:"novelty_ratio" jsonschema:"minimum=0,maximum=1"`
	LoopingSignals     []string `json:"looping_signals"`
	ScopeBreadth       *int     `json:"scope_breadth" jsonschema:"minimum=1,maximum=10"`
}

type snapshotWire struct {
	Goal              string        `json:"goal" jsonschema_description:"What the learner is trying to achieve"`
	Purpose           string        `json:"purpose" jsonschema_description:"Why the learner wants it"`
	TimeHorizon       string        `json:"time_horizon" jsonschema_description:"today, this_week, this_month or empty"`
	LastAction        string        `json:"last_action"`
	Blockers          []string      `json:"blockers"`
	Uncertainties     []string      `json:"uncertainties"`
	OptionsConsidered []string      `json:"options_considered"`
	Resources         []string      `json:"resources"`
	Affect            *affectWire   `json:"affect"`
	ProgressSignal    *progressWire `json:"progress_signal"`
}

// DecodeSnapshot parses LLM output into a complete StateSnapshot. Missing
// fields take their defaults and unknown fields are ignored. Malformed JSON
// yields a *ValidationError.
func DecodeSnapshot(raw string) (StateSnapshot, error) {
	var w snapshotWire
	if err := decodeObject(raw, &w); err != nil {
		return StateSnapshot{}, err
	}

	s := NewSnapshot()
	s.Goal = strings.TrimSpace(w.Goal)
	s.Purpose = strings.TrimSpace(w.Purpose)
	s.TimeHorizon = strings.TrimSpace(w.TimeHorizon)
	s.LastAction = strings.TrimSpace(w.LastAction)
	s.Blockers = cleanList(w.Blockers)
	s.Uncertainties = cleanList(w.Uncertainties)
	s.OptionsConsidered = cleanList(w.OptionsConsidered)
	s.Resources = cleanList(w.Resources)

	if a := w.Affect; a != nil {
		s.Affect.Interest = clampPtr(a.Interest, s.Affect.Interest, 0, 5)
		s.Affect.Anxiety = clampPtr(a.Anxiety, s.Affect.Anxiety, 0, 5)
		s.Affect.Excitement = clampPtr(a.Excitement, s.Affect.Excitement, 0, 5)
	}
	if p := w.ProgressSignal; p != nil {
		s.ProgressSignal.ActionsInLast7Days = clampPtr(p.ActionsInLast7Days, 0, 0, 1<<20)
		if p.NoveltyRatio != nil {
			s.ProgressSignal.NoveltyRatio = clampFloat(*p.NoveltyRatio, 0, 1)
		}
		s.ProgressSignal.LoopingSignals = cleanList(p.LoopingSignals)
		s.ProgressSignal.ScopeBreadth = clampPtr(p.ScopeBreadth, 1, 1, 10)
	}
	return s, nil
}

type milestoneWire struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	TargetDate      string   `json:"target_date" jsonschema_description:"Relative date such as week 2"`
	SuccessCriteria []string `json:"success_criteria"`
	Order           int      `json:"order"`
}

type actionWire struct {
	Action          string `json:"action"`
	Urgency         int    `json:"urgency" jsonschema:"minimum=1,maximum=5"`
	Importance      int    `json:"importance" jsonschema:"minimum=1,maximum=5"`
	Reason          string `json:"reason"`
	ExpectedOutcome string `json:"expected_outcome"`
}

type planWire struct {
	NorthStar         string          `json:"north_star" jsonschema:"required"`
	NorthStarMetric   string          `json:"north_star_metric"`
	Milestones        []milestoneWire `json:"milestones" jsonschema:"required,minItems=3,maxItems=5"`
	NextActions       []actionWire    `json:"next_actions" jsonschema:"maxItems=5"`
	StrategicApproach string          `json:"strategic_approach"`
	RiskFactors       []string        `json:"risk_factors"`
}

const (
	minMilestones  = 3
	maxMilestones  = 5
	maxNextActions = 5
)

// DecodePlan parses and normalizes an LLM project plan: milestone orders are
// synthesized when they do not form a permutation, urgency and importance
// are clamped to 1..5, and next actions are sorted by priority and truncated.
func DecodePlan(raw string, now time.Time) (ProjectPlan, error) {
	var w planWire
	if err := decodeObject(raw, &w); err != nil {
		return ProjectPlan{}, err
	}
	if strings.TrimSpace(w.NorthStar) == "" {
		return ProjectPlan{}, invalid("north_star", "must not be empty")
	}

	milestones := make([]Milestone, 0, len(w.Milestones))
	for _, m := range w.Milestones {
		if strings.TrimSpace(m.Title) == "" {
			continue
		}
		milestones = append(milestones, Milestone{
			Title:           strings.TrimSpace(m.Title),
			Description:     strings.TrimSpace(m.Description),
			TargetDate:      strings.TrimSpace(m.TargetDate),
			SuccessCriteria: cleanList(m.SuccessCriteria),
			Order:           m.Order,
		})
	}
	if len(milestones) < minMilestones {
		return ProjectPlan{}, invalid("milestones", "need at least %d, got %d", minMilestones, len(milestones))
	}

	actions := make([]NextAction, 0, len(w.NextActions))
	for _, a := range w.NextActions {
		if strings.TrimSpace(a.Action) == "" {
			continue
		}
		actions = append(actions, NextAction{
			Action:          strings.TrimSpace(a.Action),
			Urgency:         clampInt(a.Urgency, 1, 5),
			Importance:      clampInt(a.Importance, 1, 5),
			Reason:          strings.TrimSpace(a.Reason),
			ExpectedOutcome: strings.TrimSpace(a.ExpectedOutcome),
		})
	}

	p := ProjectPlan{
		NorthStar:         strings.TrimSpace(w.NorthStar),
		NorthStarMetric:   strings.TrimSpace(w.NorthStarMetric),
		Milestones:        NormalizeMilestones(milestones),
		NextActions:       RankActions(actions),
		StrategicApproach: strings.TrimSpace(w.StrategicApproach),
		RiskFactors:       cleanList(w.RiskFactors),
		CreatedAt:         now,
	}
	return p, nil
}

// NormalizeMilestones caps the list at five and guarantees that orders are
// a permutation of 1..N. Valid orders are kept; otherwise list position wins.
func NormalizeMilestones(ms []Milestone) []Milestone {
	out := make([]Milestone, len(ms))
	copy(out, ms)

	if isPermutation(out) {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	}
	if len(out) > maxMilestones {
		out = out[:maxMilestones]
	}
	for i := range out {
		out[i].Order = i + 1
	}
	return out
}

func isPermutation(ms []Milestone) bool {
	seen := make(map[int]bool, len(ms))
	for _, m := range ms {
		if m.Order < 1 || m.Order > len(ms) || seen[m.Order] {
			return false
		}
		seen[m.Order] = true
	}
	return true
}

// RankActions sorts actions by urgency·importance descending, keeping the
// input order among equals, and truncates to five.
func RankActions(actions []NextAction) []NextAction {
	out := make([]NextAction, len(actions))
	copy(out, actions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() > out[j].Priority() })
	if len(out) > maxNextActions {
		out = out[:maxNextActions]
	}
	return out
}

type replyWire struct {
	NaturalReply string   `json:"natural_reply" jsonschema:"required"`
	Followups    []string `json:"followups" jsonschema:"maxItems=3"`
}

// DecodeReply parses an LLM reply. natural_reply is required; follow-ups are
// capped at three.
func DecodeReply(raw string) (TurnPackage, error) {
	var w replyWire
	if err := decodeObject(raw, &w); err != nil {
		return TurnPackage{}, err
	}
	reply := strings.TrimSpace(w.NaturalReply)
	if reply == "" {
		return TurnPackage{}, invalid("natural_reply", "must not be empty")
	}
	followups := cleanList(w.Followups)
	if len(followups) > MaxFollowups {
		followups = followups[:MaxFollowups]
	}
	return TurnPackage{NaturalReply: reply, Followups: followups}, nil
}

type supportWire struct {
	SupportType string   `json:"support_type" jsonschema:"required,enum=UNDERSTANDING,enum=PATHFINDING,enum=REFRAMING,enum=ACTIVATION,enum=NARROWING,enum=DECISION"`
	Reason      string   `json:"reason"`
	Confidence  *float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
}

// maxSupportConfidence caps every support decision's confidence.
const maxSupportConfidence = 0.9

// DecodeSupport parses an LLM support decision. An unknown support type is a
// *ValidationError.
func DecodeSupport(raw string) (SupportDecision, error) {
	var w supportWire
	if err := decodeObject(raw, &w); err != nil {
		return SupportDecision{}, err
	}
	t, err := ParseSupportType(w.SupportType)
	if err != nil {
		return SupportDecision{}, err
	}
	d := SupportDecision{Type: t, Reason: strings.TrimSpace(w.Reason), Confidence: 0.5}
	if w.Confidence != nil {
		d.Confidence = clampFloat(*w.Confidence, 0, maxSupportConfidence)
	}
	if d.Reason == "" {
		d.Reason = "model decision"
	}
	return d, nil
}

var reflector = jsonschema.Reflector{
	AllowAdditionalProperties: false,
	DoNotReference:            true,
}

// SnapshotSchema is the JSON schema requested from the model for snapshots.
func SnapshotSchema() *jsonschema.Schema { return reflector.Reflect(&snapshotWire{}) }

// PlanSchema is the JSON schema requested from the model for project plans.
func PlanSchema() *jsonschema.Schema { return reflector.Reflect(&planWire{}) }

// ReplySchema is the JSON schema requested from the model for replies.
func ReplySchema() *jsonschema.Schema { return reflector.Reflect(&replyWire{}) }

// SupportSchema is the JSON schema requested from the model for support decisions.
func SupportSchema() *jsonschema.Schema { return reflector.Reflect(&supportWire{}) }

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampPtr(v *int, def, lo, hi int) int {
	if v == nil {
		return def
	}
	return clampInt(*v, lo, hi)
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
