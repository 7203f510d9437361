// Package indexer embeds saved conversation messages in the background so
// the retriever can scan them on later turns.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/tankyu/internal/storage"
)

// JobType is the queue type of message embedding jobs.
const JobType = "embed_message"

// Store abstracts the job queue and message operations the worker needs.
// Implemented by storage.Store.
type Store interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetMessage(ctx context.Context, id string) (storage.Message, error)
	SetMessageEmbedding(ctx context.Context, id string, vec []float32) error
}

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Embedder generates embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type payload struct {
	MessageID string `json:"message_id"`
}

// Enqueue schedules the embedding of message id.
func Enqueue(ctx context.Context, q Enqueuer, messageID string) error {
	body, err := json.Marshal(payload{MessageID: messageID})
	if err != nil {
		return err
	}
	return q.EnqueueJob(ctx, storage.Job{
		ID:          uuid.NewString(),
		Type:        JobType,
		PayloadJSON: string(body),
	})
}

// Worker processes embed_message jobs from the SQLite job queue.
type Worker struct {
	store    Store
	embedder Embedder
	poll     time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store Store, embedder Embedder, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		poll:     pollInterval,
		timeout:  30 * time.Second,
		logger:   slog.Default().With("component", "indexer"),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single embed_message job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.process(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *storage.Job) error {
	var p payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	msg, err := w.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		return fmt.Errorf("loading message %s: %w", p.MessageID, err)
	}
	if len(msg.Embedding) > 0 || strings.TrimSpace(msg.Text) == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	vec, err := w.embedder.Embed(ctx, msg.Text)
	if err != nil {
		return fmt.Errorf("embedding message %s: %w", msg.ID, err)
	}

	// A concurrent fill already stored an embedding; rows are set once.
	if err := w.store.SetMessageEmbedding(ctx, msg.ID, vec); err != nil && !errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("storing embedding of %s: %w", msg.ID, err)
	}
	w.logger.Debug("message embedded", "message_id", msg.ID, "conversation_id", msg.ConversationID, "dims", len(vec))
	return nil
}
