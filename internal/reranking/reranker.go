// Package reranking re-scores retrieved conversation snippets against the
// learner's current message with an LLM judge.
package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/llm"
	"github.com/kalambet/tankyu/internal/retrieval"
)

const defaultConcurrency = 3

// Reranker re-scores retrieved results by relevance to query.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []retrieval.Result) ([]retrieval.Result, error)
}

// NewReranker returns an LLMReranker if enabled and client is non-nil,
// NoOpReranker otherwise.
//
// topK controls the early-return threshold: once topK results have been
// scored the rest are abandoned. Zero scores everything.
func NewReranker(client llm.Client, model string, enabled bool, timeout time.Duration, threshold float64, topK int) Reranker {
	if !enabled || client == nil {
		return &NoOpReranker{}
	}
	return &LLMReranker{
		client:    client,
		model:     model,
		timeout:   timeout,
		threshold: threshold,
		topK:      topK,
	}
}

// LLMReranker asks an LLM to score (query, snippet) pairs. Scoring runs
// concurrently, bounded to defaultConcurrency calls.
type LLMReranker struct {
	client    llm.Client
	model     string
	timeout   time.Duration
	threshold float64
	topK      int
}

// Rerank scores each result against query and returns those at or above the
// threshold, best first. If the timeout fires before scoring completes the
// input is returned unchanged.
func (r *LLMReranker) Rerank(ctx context.Context, query string, results []retrieval.Result) ([]retrieval.Result, error) {
	if len(results) == 0 {
		return results, nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	earlyReturnAt := r.topK
	if earlyReturnAt <= 0 || earlyReturnAt >= len(results) {
		earlyReturnAt = 0
	}

	type scoredResult struct {
		idx int
		res retrieval.Result
	}
	// Buffered so workers never block on send after collection stops.
	out := make(chan scoredResult, len(results))
	sem := semaphore.NewWeighted(defaultConcurrency)

	var wg sync.WaitGroup
	for i, res := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem.Acquire(timeoutCtx, 1) != nil {
				return
			}
			defer sem.Release(1)

			score, err := r.score(timeoutCtx, query, res)
			if err != nil {
				if timeoutCtx.Err() != nil {
					return
				}
				slog.Debug("reranker: score failed, retaining original", "id", res.ID, "error", err)
				out <- scoredResult{idx: i, res: res}
				return
			}
			res.Score = score
			out <- scoredResult{idx: i, res: res}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	var scored []scoredResult
collect:
	for {
		select {
		case s, ok := <-out:
			if !ok {
				break collect
			}
			scored = append(scored, s)
			if earlyReturnAt > 0 && len(scored) >= earlyReturnAt {
				cancel()
				break collect
			}
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			slog.Warn("reranker: timed out, keeping retrieval order", "scored", len(scored), "total", len(results))
			return results, nil
		}
	}

	if len(scored) == 0 {
		return results, nil
	}

	filtered := make([]scoredResult, 0, len(scored))
	for _, s := range scored {
		if s.res.Score >= r.threshold {
			filtered = append(filtered, s)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].res.Score != filtered[j].res.Score {
			return filtered[i].res.Score > filtered[j].res.Score
		}
		return filtered[i].idx < filtered[j].idx
	})

	final := make([]retrieval.Result, len(filtered))
	for i, s := range filtered {
		final[i] = s.res
	}
	return final, nil
}

func (r *LLMReranker) score(ctx context.Context, query string, res retrieval.Result) (float64, error) {
	prompt := "次のテキストが質問にどれだけ関連しているかを0.0から1.0で評価してください。\n" +
		"質問: " + query + "\n" +
		"テキスト: " + res.Text + "\n" +
		`JSONのみで答えてください: {"score": <float>}`

	resp, err := r.client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, llm.Options{
		Model:       r.model,
		Temperature: 0,
		Schema:      scoreSchema,
	})
	if err != nil {
		return res.Score, err
	}

	score, err := parseScore(resp)
	if err != nil {
		slog.Debug("reranker: parse failed, using original score", "resp", resp, "error", err)
		return res.Score, nil
	}
	return score, nil
}

var scoreSchema = map[string]any{
	"type":       "object",
	"properties": map[string]any{"score": map[string]any{"type": "number"}},
	"required":   []string{"score"},
}

// parseScore extracts {"score": x} from a reply that may be fenced or
// wrapped in prose. Scores are clamped to [0, 1].
func parseScore(resp string) (float64, error) {
	obj, err := agent.ExtractJSON(resp)
	if err != nil {
		return 0, err
	}
	var v struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return 0, fmt.Errorf("unmarshal score: %w", err)
	}
	if v.Score == nil {
		return 0, fmt.Errorf("score missing")
	}
	return min(max(*v.Score, 0), 1), nil
}

// NoOpReranker passes results through unchanged.
type NoOpReranker struct{}

func (n *NoOpReranker) Rerank(_ context.Context, _ string, results []retrieval.Result) ([]retrieval.Result, error) {
	return results, nil
}
