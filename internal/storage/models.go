package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set write loses the race.
	ErrConflict = errors.New("conflict")
)

// Conversation is one chat thread, unique per (user, page).
type Conversation struct {
	ID        string
	UserID    string
	PageID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one persisted conversation turn. Rows are append-only; the
// embedding is filled in once by the indexer.
type Message struct {
	ID             string
	ConversationID string
	UserID         string
	Sender         string // "user" or "assistant"
	Text           string
	ContextJSON    string
	Importance     string
	CreatedAt      time.Time
	Embedding      []float32
}

// Summary is the rolling summary of a conversation. CoversUpToTurn counts
// the messages folded into SummaryText.
type Summary struct {
	ConversationID string
	SummaryText    string
	CoversUpToTurn int
	UpdatedAt      time.Time
}

// Project is the inquiry project context a conversation can refer to.
type Project struct {
	ID         string
	UserID     string
	Theme      string
	Question   string
	Hypothesis string
	ExtraJSON  string // JSON object stored as text
	UpdatedAt  time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
