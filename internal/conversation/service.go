// Package conversation implements the Turn API: it loads a conversation,
// runs the agent over it and persists both sides of the exchange.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/indexer"
	"github.com/kalambet/tankyu/internal/orchestrator"
	"github.com/kalambet/tankyu/internal/storage"
)

const touchTimeout = 5 * time.Second

// Store defines the storage operations the Service needs.
// Implemented by storage.Store.
type Store interface {
	FindOrCreateConversation(ctx context.Context, userID, pageID, id string, now time.Time) (storage.Conversation, bool, error)
	GetConversation(ctx context.Context, id, userID string) (storage.Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	InsertMessage(ctx context.Context, m storage.Message) error
	DeleteMessage(ctx context.Context, id string) error
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]storage.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
	GetSummary(ctx context.Context, conversationID string) (storage.Summary, error)
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Projects resolves project context. Implemented by project.Manager.
type Projects interface {
	Get(ctx context.Context, userID, id string) (*agent.ProjectContext, error)
	Put(ctx context.Context, userID string, pc agent.ProjectContext) error
}

// Agent runs one turn. Implemented by orchestrator.Orchestrator.
type Agent interface {
	ProcessTurn(ctx context.Context, in orchestrator.Input) orchestrator.Record
}

// Options tune a Service.
type Options struct {
	// Index enqueues an embedding job for every saved message.
	Index bool
}

// Service is safe for concurrent use; turns of different conversations run
// in parallel.
type Service struct {
	store    Store
	projects Projects
	agent    Agent
	clock    *storage.MonotonicClock
	opts     Options
	logger   *slog.Logger

	bg sync.WaitGroup
}

func NewService(store Store, projects Projects, a Agent, clock *storage.MonotonicClock, opts Options) *Service {
	if clock == nil {
		clock = storage.NewMonotonicClock()
	}
	return &Service{
		store:    store,
		projects: projects,
		agent:    a,
		clock:    clock,
		opts:     opts,
		logger:   slog.Default().With("component", "conversation"),
	}
}

// HandleTurn runs one learner turn. Errors are typed: *agent.ValidationError
// for bad input, storage.ErrNotFound for an unknown conversation and
// agent.ErrStorage when the learner's message could not be saved.
func (s *Service) HandleTurn(ctx context.Context, req Request) (Response, error) {
	req.Message = strings.TrimSpace(req.Message)
	if err := validate(&req); err != nil {
		return Response{}, err
	}

	conv, err := s.resolve(ctx, req)
	if err != nil {
		return Response{}, err
	}

	var (
		history []storage.Message
		count   int
		project *agent.ProjectContext
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if req.IncludeHistory != nil && !*req.IncludeHistory {
			return nil
		}
		var err error
		if history, err = s.store.RecentMessages(gctx, conv.ID, req.HistoryLimit); err != nil {
			return fmt.Errorf("loading history of %s: %w: %w", conv.ID, agent.ErrStorage, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if count, err = s.store.CountMessages(gctx, conv.ID); err != nil {
			return fmt.Errorf("counting messages of %s: %w: %w", conv.ID, agent.ErrStorage, err)
		}
		return nil
	})
	g.Go(func() error {
		if s.projects == nil || req.ProjectID == "" {
			return nil
		}
		p, err := s.projects.Get(gctx, req.UserID, req.ProjectID)
		if err != nil {
			s.logger.Warn("project unavailable, continuing without it", "project_id", req.ProjectID, "error", err)
			return nil
		}
		project = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return Response{}, err
	}

	rec := s.agent.ProcessTurn(ctx, orchestrator.Input{
		UserMessage:    req.Message,
		History:        toAgent(history),
		Project:        project,
		ProjectID:      req.ProjectID,
		UserID:         req.UserID,
		ConversationID: conv.ID,
		TurnCount:      count,
		Mock:           req.MockMode,
	})

	if err := s.persist(ctx, conv, req, rec); err != nil {
		return Response{}, err
	}
	return toResponse(rec, conv.ID, len(history)), nil
}

func validate(req *Request) error {
	if req.Message == "" {
		return &agent.ValidationError{Field: "message", Reason: "must not be empty"}
	}
	if req.UserID == "" {
		return &agent.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	switch {
	case req.HistoryLimit < 0 || req.HistoryLimit > MaxHistoryLimit:
		return &agent.ValidationError{Field: "history_limit", Reason: fmt.Sprintf("must be between 0 and %d", MaxHistoryLimit)}
	case req.HistoryLimit == 0:
		req.HistoryLimit = DefaultHistoryLimit
	}
	if req.PageID == "" {
		req.PageID = DefaultPageID
	}
	return nil
}

func (s *Service) resolve(ctx context.Context, req Request) (storage.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := s.store.GetConversation(ctx, req.ConversationID, req.UserID)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Conversation{}, fmt.Errorf("conversation %s: %w", req.ConversationID, err)
		}
		if err != nil {
			return storage.Conversation{}, fmt.Errorf("loading conversation %s: %w: %w", req.ConversationID, agent.ErrStorage, err)
		}
		return conv, nil
	}
	conv, created, err := s.store.FindOrCreateConversation(ctx, req.UserID, req.PageID, s.clock.NewID(), s.clock.Now())
	if err != nil {
		return storage.Conversation{}, fmt.Errorf("opening conversation for page %s: %w: %w", req.PageID, agent.ErrStorage, err)
	}
	if created {
		s.logger.Info("conversation created", "conversation_id", conv.ID, "user_id", req.UserID, "page_id", req.PageID)
	}
	return conv, nil
}

// persist saves both messages concurrently. Only a failed user-message
// write fails the turn, and then the reply is removed again so no
// assistant message is left without its prompt.
func (s *Service) persist(ctx context.Context, conv storage.Conversation, req Request, rec orchestrator.Record) error {
	userAt, userID := s.clock.Stamp()
	replyAt, replyID := s.clock.Stamp()

	meta, err := json.Marshal(turnContext{
		SupportType: rec.Support.Type,
		Acts:        rec.Acts.Acts,
		Snapshot:    rec.Snapshot,
		Fallback:    rec.Fallback,
	})
	if err != nil {
		s.logger.Warn("encoding turn context", "error", err)
		meta = nil
	}

	var userErr, replyErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		userErr = s.store.InsertMessage(ctx, storage.Message{
			ID: userID, ConversationID: conv.ID, UserID: req.UserID,
			Sender: string(agent.SenderUser), Text: req.Message, CreatedAt: userAt,
		})
	}()
	go func() {
		defer wg.Done()
		replyErr = s.store.InsertMessage(ctx, storage.Message{
			ID: replyID, ConversationID: conv.ID, UserID: req.UserID,
			Sender: string(agent.SenderAssistant), Text: rec.Reply.NaturalReply,
			ContextJSON: string(meta), CreatedAt: replyAt,
		})
	}()
	wg.Wait()

	if userErr != nil {
		if replyErr == nil {
			if err := s.store.DeleteMessage(context.WithoutCancel(ctx), replyID); err != nil {
				s.logger.Error("removing orphaned assistant message failed", "conversation_id", conv.ID, "message_id", replyID, "error", err)
			}
		}
		return fmt.Errorf("saving user message: %w: %w", agent.ErrStorage, userErr)
	}
	if replyErr != nil {
		s.logger.Warn("saving assistant message failed", "conversation_id", conv.ID, "error", replyErr)
	} else {
		s.index(ctx, replyID)
	}
	s.index(ctx, userID)
	s.touch(ctx, conv.ID, replyAt)
	return nil
}

type turnContext struct {
	SupportType agent.SupportType   `json:"support_type"`
	Acts        []agent.SpeechAct   `json:"acts"`
	Snapshot    agent.StateSnapshot `json:"state_snapshot"`
	Fallback    bool                `json:"fallback,omitempty"`
}

func (s *Service) index(ctx context.Context, messageID string) {
	if !s.opts.Index {
		return
	}
	if err := indexer.Enqueue(ctx, s.store, messageID); err != nil {
		s.logger.Warn("enqueueing embedding job failed", "message_id", messageID, "error", err)
	}
}

// touch updates the conversation timestamp without holding up the turn.
func (s *Service) touch(ctx context.Context, id string, at time.Time) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
		defer cancel()
		if err := s.store.TouchConversation(ctx, id, at); err != nil {
			s.logger.Warn("touching conversation failed", "conversation_id", id, "error", err)
		}
	}()
}

// Wait blocks until background writes have finished.
func (s *Service) Wait() { s.bg.Wait() }

// Messages returns the last limit messages of a conversation owned by userID.
func (s *Service) Messages(ctx context.Context, userID, conversationID string, limit int) ([]agent.Message, error) {
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = DefaultHistoryLimit
	}
	if _, err := s.store.GetConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.store.RecentMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w: %w", agent.ErrStorage, err)
	}
	return toAgent(msgs), nil
}

// Summary returns the rolling summary of a conversation owned by userID.
func (s *Service) Summary(ctx context.Context, userID, conversationID string) (Summary, error) {
	if _, err := s.store.GetConversation(ctx, conversationID, userID); err != nil {
		return Summary{}, err
	}
	sum, err := s.store.GetSummary(ctx, conversationID)
	if err != nil {
		return Summary{}, err
	}
	return Summary(sum), nil
}

// SetProject stores project context for userID.
func (s *Service) SetProject(ctx context.Context, userID string, pc agent.ProjectContext) error {
	if s.projects == nil {
		return fmt.Errorf("no project store configured: %w", agent.ErrInvariant)
	}
	return s.projects.Put(ctx, userID, pc)
}

func toAgent(msgs []storage.Message) []agent.Message {
	out := make([]agent.Message, len(msgs))
	for i, m := range msgs {
		out[i] = agent.Message{ID: m.ID, Sender: agent.Sender(m.Sender), Text: m.Text, CreatedAt: m.CreatedAt}
	}
	return out
}

func toResponse(rec orchestrator.Record, conversationID string, historyCount int) Response {
	return Response{
		Response:      rec.Reply.NaturalReply,
		Followups:     rec.Reply.Followups,
		SupportType:   rec.Support.Type,
		SelectedActs:  rec.Acts.Acts,
		StateSnapshot: rec.Snapshot,
		ProjectPlan:   rec.Plan,
		DecisionMetadata: DecisionMetadata{
			SupportReason:     rec.Support.Reason,
			SupportConfidence: rec.Support.Confidence,
			ActReason:         rec.Acts.Reason,
			Timestamp:         rec.Timestamp,
		},
		Metrics: Metrics{
			TurnsCount:       rec.Metrics.TurnsCount,
			MomentumDelta:    rec.Metrics.MomentumDelta,
			CompressionRatio: rec.Metrics.CompressionRatio,
			RetrievalHits:    rec.Metrics.RetrievalHits,
		},
		ConversationID: conversationID,
		HistoryCount:   historyCount,
	}
}
