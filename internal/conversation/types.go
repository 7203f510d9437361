package conversation

import (
	"time"

	"github.com/kalambet/tankyu/internal/agent"
)

const (
	// DefaultHistoryLimit is the history window loaded when a request sets none.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps history_limit.
	MaxHistoryLimit = 200
	// DefaultPageID groups conversations that name no page.
	DefaultPageID = "default"
)

// Request is one learner turn as received from a transport.
type Request struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
	PageID         string `json:"page_id,omitempty"`
	// IncludeHistory defaults to true when absent.
	IncludeHistory *bool `json:"include_history,omitempty"`
	HistoryLimit   int   `json:"history_limit,omitempty"`
	MockMode       bool  `json:"mock_mode,omitempty"`

	// UserID comes from the transport, never from the body.
	UserID string `json:"-"`
}

// DecisionMetadata explains the decisions of a turn.
type DecisionMetadata struct {
	SupportReason     string    `json:"support_reason"`
	SupportConfidence float64   `json:"support_confidence"`
	ActReason         string    `json:"act_reason"`
	Timestamp         time.Time `json:"timestamp"`
}

// Metrics are the per-conversation counters returned with every turn.
type Metrics struct {
	TurnsCount       int     `json:"turns_count"`
	MomentumDelta    float64 `json:"momentum_delta"`
	CompressionRatio float64 `json:"compression_ratio,omitempty"`
	RetrievalHits    int     `json:"retrieval_hits,omitempty"`
}

// Response is the Turn API result.
type Response struct {
	Response         string              `json:"response"`
	Followups        []string            `json:"followups"`
	SupportType      agent.SupportType   `json:"support_type"`
	SelectedActs     []agent.SpeechAct   `json:"selected_acts"`
	StateSnapshot    agent.StateSnapshot `json:"state_snapshot"`
	ProjectPlan      *agent.ProjectPlan  `json:"project_plan"`
	DecisionMetadata DecisionMetadata    `json:"decision_metadata"`
	Metrics          Metrics             `json:"metrics"`
	ConversationID   string              `json:"conversation_id"`
	HistoryCount     int                 `json:"history_count"`
}

// Summary is the rolling summary of a conversation as exposed to clients.
type Summary struct {
	ConversationID string    `json:"conversation_id"`
	SummaryText    string    `json:"summary_text"`
	CoversUpToTurn int       `json:"covers_up_to_turn"`
	UpdatedAt      time.Time `json:"updated_at"`
}
