// Package retrieval searches a conversation's earlier turns by embedding
// similarity, with MMR diversification and recency decay.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kalambet/tankyu/internal/embedding"
	"github.com/kalambet/tankyu/internal/storage"
)

const (
	DefaultLambda   = 0.7
	DefaultDecay    = 0.995
	DefaultTopicTau = 0.78
)

// Embedder produces the query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// MessageSource loads a conversation's messages in created_at order.
// *storage.Store implements it.
type MessageSource interface {
	ConversationMessages(ctx context.Context, conversationID string) ([]storage.Message, error)
}

// Query describes one semantic search.
type Query struct {
	Text           string
	ConversationID string
	K              int
	MinSimilarity  float64
	// ExcludeRecent skips the newest n messages, which the recent window
	// already carries verbatim.
	ExcludeRecent int
	UseMMR        bool
}

// Result is one retrieved message.
type Result struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

// Options tune a Retriever. Zero values take the defaults.
type Options struct {
	Lambda float64
	// Decay is the per-hour recency multiplier; 1 disables the boost.
	Decay float64
	Now   func() time.Time
}

// Retriever combines embedding and an arena scan to find relevant turns.
type Retriever struct {
	embedder Embedder
	source   MessageSource
	lambda   float64
	decay    float64
	now      func() time.Time
}

// NewRetriever creates a Retriever backed by the given Embedder and source.
func NewRetriever(embedder Embedder, source MessageSource, opts Options) *Retriever {
	r := &Retriever{embedder: embedder, source: source, lambda: opts.Lambda, decay: opts.Decay, now: opts.Now}
	if r.lambda <= 0 || r.lambda > 1 {
		r.lambda = DefaultLambda
	}
	if r.decay <= 0 || r.decay > 1 {
		r.decay = DefaultDecay
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Search embeds the query and returns up to q.K earlier messages of the
// conversation. Identical inputs always give identical output order.
func (r *Retriever) Search(ctx context.Context, q Query) ([]Result, error) {
	if q.K <= 0 || q.Text == "" {
		return nil, nil
	}

	vec, err := r.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	msgs, err := r.source.ConversationMessages(ctx, q.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", q.ConversationID, err)
	}
	return r.rank(NewArena(msgs), vec, q), nil
}

// rank runs the scan, threshold, MMR and recency stages over one arena.
func (r *Retriever) rank(a *Arena, vec []float32, q Query) []Result {
	cands := a.topK(vec, 2*q.K, q.ExcludeRecent)

	kept := cands[:0]
	for _, c := range cands {
		if float64(c.Score) >= q.MinSimilarity {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil
	}

	var picked []idScore
	if q.UseMMR {
		picked = mmr(a, kept, q.K, r.lambda)
	} else {
		picked = kept[:min(q.K, len(kept))]
	}

	now := r.now()
	results := make([]Result, len(picked))
	arenaIDs := make([]int, len(picked))
	for i, p := range picked {
		e := &a.entries[p.ID]
		score := float64(p.Score)
		if r.decay < 1 {
			hours := now.Sub(e.createdAt).Hours()
			if hours > 0 {
				score *= math.Pow(r.decay, hours)
			}
		}
		arenaIDs[i] = p.ID
		results[i] = Result{
			ID:    e.messageID,
			Text:  e.text,
			Score: score,
			Metadata: map[string]any{
				"sender":     e.sender,
				"created_at": e.createdAt,
				"similarity": float64(p.Score),
				"arena_id":   p.ID,
			},
		}
	}

	order := make([]int, len(results))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		ri, rj := results[order[i]], results[order[j]]
		if ri.Score != rj.Score {
			return ri.Score > rj.Score
		}
		return arenaIDs[order[i]] < arenaIDs[order[j]]
	})
	sorted := make([]Result, len(results))
	for i, idx := range order {
		sorted[i] = results[idx]
	}
	return sorted
}

// mmr picks k candidates maximizing lambda·relevance − (1−lambda)·max
// similarity to the already selected ones, seeded with the best candidate.
// cands must be sorted best first.
func mmr(a *Arena, cands []idScore, k int, lambda float64) []idScore {
	if k >= len(cands) {
		k = len(cands)
	}
	selected := make([]idScore, 0, k)
	used := make([]bool, len(cands))

	selected = append(selected, cands[0])
	used[0] = true

	for len(selected) < k {
		best, bestVal := -1, math.Inf(-1)
		for i, c := range cands {
			if used[i] {
				continue
			}
			var maxSim float64
			for _, s := range selected {
				maxSim = math.Max(maxSim, float64(a.similarity(c.ID, s.ID)))
			}
			val := lambda*float64(c.Score) - (1-lambda)*maxSim
			if val > bestVal {
				best, bestVal = i, val
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		selected = append(selected, cands[best])
	}
	return selected
}

// DetectTopicSwitch reports whether current points away from the mean of
// recent by more than tau. An empty recent set is never a switch.
func DetectTopicSwitch(current []float32, recent [][]float32, tau float64) bool {
	if len(recent) == 0 || len(current) == 0 {
		return false
	}
	mean, err := embedding.Mean(recent)
	if err != nil {
		return false
	}
	sim, err := embedding.Similarity(current, mean)
	if err != nil {
		return false
	}
	return sim < tau
}

// TopicSwitch embeds text and recentTexts and applies DetectTopicSwitch.
func (r *Retriever) TopicSwitch(ctx context.Context, text string, recentTexts []string, tau float64) (bool, error) {
	if len(recentTexts) == 0 {
		return false, nil
	}
	vecs, err := r.embedder.EmbedBatch(ctx, append([]string{text}, recentTexts...))
	if err != nil {
		return false, fmt.Errorf("embedding for topic switch: %w", err)
	}
	return DetectTopicSwitch(vecs[0], vecs[1:], tau), nil
}
