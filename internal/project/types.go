package project

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/storage"
)

// fromRecord converts a stored project into the context the agent reads.
// Malformed extra JSON is logged and skipped.
func fromRecord(p storage.Project) agent.ProjectContext {
	pc := agent.ProjectContext{
		ID:         p.ID,
		Theme:      p.Theme,
		Question:   p.Question,
		Hypothesis: p.Hypothesis,
	}
	if p.ExtraJSON != "" && p.ExtraJSON != "{}" {
		if err := json.Unmarshal([]byte(p.ExtraJSON), &pc.Extra); err != nil {
			slog.Warn("malformed project extra, skipping", "project_id", p.ID, "error", err)
			pc.Extra = nil
		}
	}
	return pc
}

func toRecord(userID string, pc agent.ProjectContext, now time.Time) (storage.Project, error) {
	extra := "{}"
	if len(pc.Extra) > 0 {
		b, err := json.Marshal(pc.Extra)
		if err != nil {
			return storage.Project{}, fmt.Errorf("marshalling project extra: %w", err)
		}
		extra = string(b)
	}
	return storage.Project{
		ID:         pc.ID,
		UserID:     userID,
		Theme:      pc.Theme,
		Question:   pc.Question,
		Hypothesis: pc.Hypothesis,
		ExtraJSON:  extra,
		UpdatedAt:  now,
	}, nil
}

func clone(pc agent.ProjectContext) *agent.ProjectContext {
	cp := pc
	cp.Extra = maps.Clone(pc.Extra)
	return &cp
}
