// Package agent defines the conversation agent's data model: the tagged
// support and speech-act enums, the per-turn snapshot and plan records, and
// the validated decoders that turn LLM JSON into those records.
package agent

import (
	"fmt"
	"strings"
	"time"
)

// SupportType is the coarse kind of help a learner needs this turn.
// The declaration order is the tie-break order of the support typer.
type SupportType int

const (
	Understanding SupportType = iota + 1
	Pathfinding
	Reframing
	Activation
	Narrowing
	Decision
)

// SupportTypes lists every support type in enum order.
var SupportTypes = []SupportType{Understanding, Pathfinding, Reframing, Activation, Narrowing, Decision}

var supportNames = map[SupportType]string{
	Understanding: "UNDERSTANDING",
	Pathfinding:   "PATHFINDING",
	Reframing:     "REFRAMING",
	Activation:    "ACTIVATION",
	Narrowing:     "NARROWING",
	Decision:      "DECISION",
}

func (t SupportType) String() string {
	if s, ok := supportNames[t]; ok {
		return s
	}
	return fmt.Sprintf("SupportType(%d)", int(t))
}

// Valid reports whether t is one of the six support types.
func (t SupportType) Valid() bool {
	_, ok := supportNames[t]
	return ok
}

func (t SupportType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, invalid("support_type", "unknown value %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *SupportType) UnmarshalText(b []byte) error {
	v, err := ParseSupportType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseSupportType accepts a support type name in any case.
func ParseSupportType(s string) (SupportType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for t, n := range supportNames {
		if n == name {
			return t, nil
		}
	}
	return 0, invalid("support_type", "unknown support type %q", s)
}

// SpeechAct is a fine-grained move the agent performs inside a reply.
type SpeechAct int

const (
	Clarify SpeechAct = iota + 1
	Inform
	Probe
	Act
	Reframe
	Outline
	Decide
	Reflect
)

// SpeechActs lists every speech act in declaration order.
var SpeechActs = []SpeechAct{Clarify, Inform, Probe, Act, Reframe, Outline, Decide, Reflect}

var actNames = map[SpeechAct]string{
	Clarify: "CLARIFY",
	Inform:  "INFORM",
	Probe:   "PROBE",
	Act:     "ACT",
	Reframe: "REFRAME",
	Outline: "OUTLINE",
	Decide:  "DECIDE",
	Reflect: "REFLECT",
}

// socraticRank places questions before information and action.
var socraticRank = map[SpeechAct]int{
	Clarify: 0,
	Probe:   1,
	Reflect: 2,
	Reframe: 3,
	Outline: 4,
	Decide:  5,
	Inform:  6,
	Act:     7,
}

func (a SpeechAct) String() string {
	if s, ok := actNames[a]; ok {
		return s
	}
	return fmt.Sprintf("SpeechAct(%d)", int(a))
}

// Valid reports whether a is one of the eight speech acts.
func (a SpeechAct) Valid() bool {
	_, ok := actNames[a]
	return ok
}

// SocraticRank returns the act's position in the Socratic ordering.
func (a SpeechAct) SocraticRank() int {
	if r, ok := socraticRank[a]; ok {
		return r
	}
	return len(socraticRank)
}

func (a SpeechAct) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, invalid("speech_act", "unknown value %d", int(a))
	}
	return []byte(a.String()), nil
}

func (a *SpeechAct) UnmarshalText(b []byte) error {
	v, err := ParseSpeechAct(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseSpeechAct accepts a speech act name in any case.
func ParseSpeechAct(s string) (SpeechAct, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for a, n := range actNames {
		if n == name {
			return a, nil
		}
	}
	return 0, invalid("speech_act", "unknown speech act %q", s)
}

// Sender identifies who wrote a conversation message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Message is one prior conversation turn as seen by the agent.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ProjectContext is the inquiry project a conversation belongs to.
type ProjectContext struct {
	ID         string            `json:"id,omitempty"`
	Theme      string            `json:"theme,omitempty"`
	Question   string            `json:"question,omitempty"`
	Hypothesis string            `json:"hypothesis,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Empty reports whether the context carries no project information.
func (p *ProjectContext) Empty() bool {
	return p == nil || (p.Theme == "" && p.Question == "" && p.Hypothesis == "" && len(p.Extra) == 0)
}

// Map flattens the context into the opaque mapping stored on snapshots.
func (p *ProjectContext) Map() map[string]any {
	if p.Empty() {
		return map[string]any{}
	}
	m := make(map[string]any, len(p.Extra)+3)
	for k, v := range p.Extra {
		m[k] = v
	}
	if p.Theme != "" {
		m["theme"] = p.Theme
	}
	if p.Question != "" {
		m["question"] = p.Question
	}
	if p.Hypothesis != "" {
		m["hypothesis"] = p.Hypothesis
	}
	return m
}

// Affect holds the learner's estimated emotional state, each in 0..5.
type Affect struct {
	Interest   int `json:"interest"`
	Anxiety    int `json:"anxiety"`
	Excitement int `json:"excitement"`
}

// DefaultAffect is the neutral estimate used before any signal is observed.
func DefaultAffect() Affect {
	return Affect{Interest: 2, Anxiety: 2, Excitement: 2}
}

// ProgressSignal approximates whether the learner is moving forward.
type ProgressSignal struct {
	ActionsInLast7Days int      `json:"actions_in_last_7_days"`
	NoveltyRatio       float64  `json:"novelty_ratio"`
	LoopingSignals     []string `json:"looping_signals"`
	ScopeBreadth       int      `json:"scope_breadth"`
}

// Looping reports whether any looping signal was observed.
func (p ProgressSignal) Looping() bool { return len(p.LoopingSignals) > 0 }

// StateSnapshot is the structured distillation of one turn.
type StateSnapshot struct {
	Goal              string         `json:"goal"`
	Purpose           string         `json:"purpose"`
	TimeHorizon       string         `json:"time_horizon"`
	LastAction        string         `json:"last_action"`
	Blockers          []string       `json:"blockers"`
	Uncertainties     []string       `json:"uncertainties"`
	OptionsConsidered []string       `json:"options_considered"`
	Resources         []string       `json:"resources"`
	Affect            Affect         `json:"affect"`
	ProgressSignal    ProgressSignal `json:"progress_signal"`
	ProjectContext    map[string]any `json:"project_context"`
	ProjectID         string         `json:"project_id,omitempty"`
	UserID            string         `json:"user_id,omitempty"`
	ConversationID    string         `json:"conversation_id,omitempty"`
	TurnIndex         int            `json:"turn_index"`
}

// NewSnapshot returns a snapshot with every list non-nil and defaults set.
func NewSnapshot() StateSnapshot {
	return StateSnapshot{
		Blockers:          []string{},
		Uncertainties:     []string{},
		OptionsConsidered: []string{},
		Resources:         []string{},
		Affect:            DefaultAffect(),
		ProgressSignal:    ProgressSignal{LoopingSignals: []string{}, ScopeBreadth: 1},
		ProjectContext:    map[string]any{},
	}
}

// NextAction is one ranked step of a project plan.
type NextAction struct {
	Action          string `json:"action"`
	Urgency         int    `json:"urgency"`
	Importance      int    `json:"importance"`
	Reason          string `json:"reason"`
	ExpectedOutcome string `json:"expected_outcome"`
}

// Priority is urgency times importance.
func (a NextAction) Priority() int { return a.Urgency * a.Importance }

// Milestone is one stage of a project plan.
type Milestone struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	TargetDate      string   `json:"target_date"`
	SuccessCriteria []string `json:"success_criteria"`
	Order           int      `json:"order"`
}

// ProjectPlan is the per-turn plan synthesized for a project.
type ProjectPlan struct {
	NorthStar         string       `json:"north_star"`
	NorthStarMetric   string       `json:"north_star_metric"`
	Milestones        []Milestone  `json:"milestones"`
	NextActions       []NextAction `json:"next_actions"`
	StrategicApproach string       `json:"strategic_approach"`
	RiskFactors       []string     `json:"risk_factors"`
	CreatedAt         time.Time    `json:"created_at"`
	Confidence        float64      `json:"confidence"`
}

// SupportDecision is the support typer's verdict for a turn.
type SupportDecision struct {
	Type       SupportType `json:"support_type"`
	Reason     string      `json:"reason"`
	Confidence float64     `json:"confidence"`
}

// ActSelection is the policy engine's ordered choice of speech acts.
type ActSelection struct {
	Acts   []SpeechAct `json:"acts"`
	Reason string      `json:"reason"`
}

// TurnPackage is the composed reply returned to the learner.
type TurnPackage struct {
	NaturalReply string         `json:"natural_reply"`
	Followups    []string       `json:"followups"`
	Metadata     map[string]any `json:"metadata"`
}

// ConversationMetrics are the orchestrator's running counters for a conversation.
type ConversationMetrics struct {
	TurnsCount       int     `json:"turns_count"`
	MomentumDelta    float64 `json:"momentum_delta"`
	CompressionRatio float64 `json:"compression_ratio,omitempty"`
	RetrievalHits    int     `json:"retrieval_hits,omitempty"`
	InputTokens      int     `json:"input_tokens,omitempty"`
	RawHistoryTokens int     `json:"raw_history_tokens,omitempty"`
}

// MaxFollowups caps the follow-up suggestions attached to a reply.
const MaxFollowups = 3
