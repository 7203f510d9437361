// Package embedding produces dense vectors for conversation text. A Client
// wraps one provider chosen at construction with a content-hash cache.
package embedding

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/tankyu/internal/llm"
)

const (
	defaultBatchSize = 16
	batchParallelism = 4
)

// ErrDimensionMismatch is returned by Similarity for vectors of different length.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ProviderError is a failed provider call. It unwraps to
// agent.ErrExternalTimeout or agent.ErrExternalFailure.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func providerError(provider string, err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, Err: llm.Classify(provider, err)}
}

// Stats are the cache counters of a Client.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Size      int   `json:"size"`
	Dimension int   `json:"dimension"`
}

// Client embeds text through a fixed provider and caches results by the
// SHA-256 of the input. It is safe for concurrent use.
type Client struct {
	provider  Provider
	name      string
	dimension int
	batchSize int

	mu     sync.Mutex
	cache  map[[sha256.Size]byte][]float32
	hits   int64
	misses int64
}

// NewClient wraps provider. batchSize bounds how many texts go to the
// provider per call; zero means 16.
func NewClient(provider Provider, spec Spec, batchSize int) *Client {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Client{
		provider:  provider,
		name:      spec.Name,
		dimension: spec.Dimension,
		batchSize: batchSize,
		cache:     make(map[[sha256.Size]byte][]float32),
	}
}

// Dimension returns the vector length of the configured provider.
func (c *Client) Dimension() int { return c.dimension }

// Name returns the provider row name.
func (c *Client) Name() string { return c.name }

// Embed returns the vector for text. Empty text yields the zero vector
// without calling the provider. The returned slice is a copy.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in bounded chunks, preserving input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	keys := make([][sha256.Size]byte, len(texts))
	var missIdx []int

	c.mu.Lock()
	for i, t := range texts {
		if t == "" {
			out[i] = make([]float32, c.dimension)
			continue
		}
		keys[i] = sha256.Sum256([]byte(t))
		if v, ok := c.cache[keys[i]]; ok {
			c.hits++
			out[i] = clone(v)
			continue
		}
		c.misses++
		missIdx = append(missIdx, i)
	}
	c.mu.Unlock()

	if len(missIdx) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchParallelism)
	for start := 0; start < len(missIdx); start += c.batchSize {
		chunk := missIdx[start:min(start+c.batchSize, len(missIdx))]
		g.Go(func() error {
			batch := make([]string, len(chunk))
			for j, i := range chunk {
				batch[j] = texts[i]
			}
			vecs, err := c.provider.EmbedTexts(gctx, batch)
			if err != nil {
				return providerError(c.name, err)
			}
			if len(vecs) != len(batch) {
				return providerError(c.name, fmt.Errorf("got %d vectors for %d texts", len(vecs), len(batch)))
			}
			for j, i := range chunk {
				if len(vecs[j]) != c.dimension {
					return providerError(c.name, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vecs[j]), c.dimension))
				}
				out[i] = vecs[j]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	for _, i := range missIdx {
		if _, ok := c.cache[keys[i]]; !ok {
			c.cache[keys[i]] = clone(out[i])
		}
		out[i] = clone(c.cache[keys[i]])
	}
	c.mu.Unlock()
	return out, nil
}

// Stats returns the cache counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Size: len(c.cache), Dimension: c.dimension}
}

// Similarity is the cosine similarity of u and v. A zero vector scores 0.
func Similarity(u, v []float32) (float64, error) {
	if len(u) != len(v) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(u), len(v))
	}
	var dot, nu, nv float64
	for i := range u {
		dot += float64(u[i]) * float64(v[i])
		nu += float64(u[i]) * float64(u[i])
		nv += float64(v[i]) * float64(v[i])
	}
	if nu == 0 || nv == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(nu) * math.Sqrt(nv)), nil
}

// Mean returns the element-wise mean of vecs, or nil when vecs is empty.
func Mean(vecs [][]float32) ([]float32, error) {
	if len(vecs) == 0 {
		return nil, nil
	}
	out := make([]float32, len(vecs[0]))
	for _, v := range vecs {
		if len(v) != len(out) {
			return nil, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(v), len(out))
		}
		for i, f := range v {
			out[i] += f
		}
	}
	n := float32(len(vecs))
	for i := range out {
		out[i] /= n
	}
	return out, nil
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
