package support

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/llm"
)

func snap(mut func(s *agent.StateSnapshot)) agent.StateSnapshot {
	s := agent.NewSnapshot()
	s.ProgressSignal.ActionsInLast7Days = 5
	if mut != nil {
		mut(&s)
	}
	return s
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRule_Scenarios(t *testing.T) {
	cases := []struct {
		name     string
		snapshot agent.StateSnapshot
		want     []agent.SupportType
	}{
		{"empty", snap(nil), []agent.SupportType{agent.Understanding}},
		{"looping with blocker", snap(func(s *agent.StateSnapshot) {
			s.ProgressSignal.LoopingSignals = []string{"わからない？"}
			s.Blockers = []string{"わからない"}
		}), []agent.SupportType{agent.Reframing, agent.Narrowing}},
		{"anxious and inactive", snap(func(s *agent.StateSnapshot) {
			s.Affect.Anxiety = 4
			s.ProgressSignal.ActionsInLast7Days = 0
		}), []agent.SupportType{agent.Activation}},
		{"option overload", snap(func(s *agent.StateSnapshot) {
			s.OptionsConsidered = []string{"A", "B", "C", "D"}
			s.ProgressSignal.ScopeBreadth = 8
		}), []agent.SupportType{agent.Decision, agent.Narrowing}},
		{"many uncertainties", snap(func(s *agent.StateSnapshot) {
			s.Uncertainties = []string{"a", "b", "c"}
		}), []agent.SupportType{agent.Pathfinding}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Rule(tc.snapshot)
			ok := false
			for _, w := range tc.want {
				ok = ok || d.Type == w
			}
			if !ok {
				t.Errorf("Rule = %s (%s), want one of %v", d.Type, d.Reason, tc.want)
			}
			if d.Reason == "" {
				t.Error("reason must not be empty")
			}
		})
	}
}

func TestRule_Confidence(t *testing.T) {
	if d := Rule(snap(nil)); d.Confidence != 0.5 {
		t.Errorf("all-zero confidence = %v, want 0.5", d.Confidence)
	}

	// REFRAMING 4, NARROWING 2, PATHFINDING 2.
	d := Rule(snap(func(s *agent.StateSnapshot) {
		s.ProgressSignal.LoopingSignals = []string{"x"}
		s.Blockers = []string{"y"}
	}))
	if d.Type != agent.Reframing || !near(d.Confidence, 0.7) {
		t.Errorf("Rule = %+v, want REFRAMING at 0.7", d)
	}

	// DECISION 5, NARROWING 5: tie goes to NARROWING, gap 0.
	d = Rule(snap(func(s *agent.StateSnapshot) {
		s.OptionsConsidered = []string{"A", "B", "C", "D"}
		s.ProgressSignal.ScopeBreadth = 8
	}))
	if d.Type != agent.Narrowing || !near(d.Confidence, 0.5) {
		t.Errorf("Rule = %+v, want NARROWING at 0.5", d)
	}

	// ACTIVATION 4+1+2=7 vs PATHFINDING 3+2=5... gap 2.
	d = Rule(snap(func(s *agent.StateSnapshot) {
		s.Affect.Anxiety, s.Affect.Interest = 5, 5
		s.ProgressSignal.ActionsInLast7Days = 0
		s.Uncertainties = []string{"a", "b", "c"}
	}))
	if d.Type != agent.Activation || !near(d.Confidence, 0.7) {
		t.Errorf("Rule = %+v, want ACTIVATION at 0.7", d)
	}
}

func TestRule_TiesInEnumOrder(t *testing.T) {
	// PATHFINDING and ACTIVATION both get 2.
	d := Rule(snap(func(s *agent.StateSnapshot) {
		s.Affect.Interest = 4
		s.ProgressSignal.ActionsInLast7Days = 2
	}))
	if d.Type != agent.Pathfinding {
		t.Errorf("tie broken to %s, want PATHFINDING", d.Type)
	}
}

func TestRule_PropertiesOverRandomSnapshots(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	list := func() []string { return make([]string, rng.Intn(6)) }
	for range 500 {
		s := agent.NewSnapshot()
		s.Blockers, s.Uncertainties, s.OptionsConsidered = list(), list(), list()
		s.ProgressSignal.LoopingSignals = make([]string, rng.Intn(2))
		s.ProgressSignal.ScopeBreadth = 1 + rng.Intn(10)
		s.ProgressSignal.ActionsInLast7Days = rng.Intn(11)
		s.Affect = agent.Affect{Interest: rng.Intn(6), Anxiety: rng.Intn(6), Excitement: rng.Intn(6)}

		d := Rule(s)
		if !d.Type.Valid() {
			t.Fatalf("invalid type %d for %+v", d.Type, s)
		}
		if d.Confidence < 0 || d.Confidence > 0.9 {
			t.Fatalf("confidence %v out of range", d.Confidence)
		}
		if again := Rule(s); again != d {
			t.Fatalf("non-deterministic: %+v vs %+v", d, again)
		}
	}
}

type effFunc func(agent.SupportType) float64

func (f effFunc) Effectiveness(t agent.SupportType) float64 { return f(t) }

func TestDecide_AntiRepetition(t *testing.T) {
	looping := snap(func(s *agent.StateSnapshot) { s.ProgressSignal.LoopingSignals = []string{"x"} })
	three := []agent.SupportType{agent.Reframing, agent.Reframing, agent.Reframing}

	low := NewTyper(effFunc(func(agent.SupportType) float64 { return 0.2 }))
	d := low.Decide(context.Background(), looping, three, false)
	if d.Type != agent.Activation {
		t.Errorf("Decide = %s, want ACTIVATION after repeated ineffective REFRAMING", d.Type)
	}

	// The default effectiveness is 0.5, so no substitution.
	d = NewTyper(nil).Decide(context.Background(), looping, three, false)
	if d.Type != agent.Reframing {
		t.Errorf("Decide = %s, want REFRAMING with default effectiveness", d.Type)
	}

	// Only two repeats.
	d = low.Decide(context.Background(), looping, three[:2], false)
	if d.Type != agent.Reframing {
		t.Errorf("Decide = %s, want REFRAMING with only two repeats", d.Type)
	}

	// A different type in the window.
	mixed := []agent.SupportType{agent.Narrowing, agent.Reframing, agent.Reframing}
	d = low.Decide(context.Background(), looping, mixed, false)
	if d.Type != agent.Reframing {
		t.Errorf("Decide = %s, want REFRAMING when history is mixed", d.Type)
	}
}

func TestAlternate_EveryTypeChanges(t *testing.T) {
	for _, st := range agent.SupportTypes {
		if Alternate(st) == st {
			t.Errorf("Alternate(%s) returned itself", st)
		}
	}
	if Alternate(agent.Reframing) != agent.Activation || Alternate(agent.Activation) != agent.Reframing {
		t.Error("REFRAMING and ACTIVATION should alternate with each other")
	}
}

func TestDecide_LLMMode(t *testing.T) {
	client := llm.NewScripted(llm.Rule{Reply: `{"support_type":"decision","reason":"選択肢が多い","confidence":0.95}`})
	typer := NewTyper(nil).WithLLM(client, "m", 0)

	d := typer.Decide(context.Background(), snap(nil), nil, false)
	if d.Type != agent.Decision || d.Confidence != 0.9 || d.Reason != "選択肢が多い" {
		t.Errorf("Decide = %+v", d)
	}

	bad := NewTyper(nil).WithLLM(llm.NewScripted(llm.Rule{Reply: `{"support_type":"CHEERING"}`}), "m", 0)
	if d := bad.Decide(context.Background(), snap(nil), nil, false); d.Type != agent.Understanding {
		t.Errorf("unknown type should fall back to rules, got %s", d.Type)
	}

	typer = NewTyper(nil).WithLLM(client, "m", 0)
	before := len(client.Calls())
	typer.Decide(context.Background(), snap(nil), nil, true)
	if len(client.Calls()) != before {
		t.Error("ruleOnly must not call the LLM")
	}
}
