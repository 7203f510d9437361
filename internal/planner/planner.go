// Package planner synthesizes a ProjectPlan for turns that carry project
// context, from the LLM when available and from a fixed template otherwise.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/llm"
)

const defaultTimeout = 15 * time.Second

// Input is what the planner looks at for one turn.
type Input struct {
	Snapshot agent.StateSnapshot
	Project  *agent.ProjectContext
	History  []agent.Message
	// RuleOnly skips the LLM even when a client is configured.
	RuleOnly bool
}

// Planner produces project plans. A nil client means rule mode only.
type Planner struct {
	client  llm.Client
	model   string
	timeout time.Duration
	now     func() time.Time
}

func NewPlanner(client llm.Client, model string, timeout time.Duration) *Planner {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Planner{client: client, model: model, timeout: timeout, now: time.Now}
}

// Plan returns nil without error when in carries no project context. LLM
// failures and invalid plans fall back to the rule template; the only error
// is agent.ErrInvariant for a plan left without milestones.
func (p *Planner) Plan(ctx context.Context, in Input) (*agent.ProjectPlan, error) {
	if in.Project.Empty() {
		return nil, nil
	}

	var plan agent.ProjectPlan
	if p.client != nil && !in.RuleOnly {
		var err error
		plan, err = p.fromLLM(ctx, in)
		if err != nil {
			slog.Warn("planner: LLM plan rejected, using template", "kind", agent.Kind(err), "error", err)
			plan = RulePlan(in.Snapshot, in.Project, p.now())
		}
	} else {
		plan = RulePlan(in.Snapshot, in.Project, p.now())
	}

	if len(plan.Milestones) == 0 || plan.NorthStar == "" {
		return nil, fmt.Errorf("plan for %q has no milestones or north star: %w", in.Project.Theme, agent.ErrInvariant)
	}
	plan.Confidence = Score(plan, in.Snapshot)
	return &plan, nil
}

func (p *Planner) fromLLM(ctx context.Context, in Input) (agent.ProjectPlan, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := p.client.Chat(ctx, BuildPrompt(in), llm.Options{
		Model:       p.model,
		Temperature: 0.3,
		Schema:      agent.PlanSchema(),
	})
	if err != nil {
		return agent.ProjectPlan{}, llm.Classify(p.model, err)
	}
	return agent.DecodePlan(raw, p.now())
}
