package retrieval

import (
	"container/heap"
	"math"
	"time"

	"github.com/kalambet/tankyu/internal/storage"
)

// entry is one message in an Arena. id is its position in created_at order.
type entry struct {
	id        int
	messageID string
	sender    string
	text      string
	createdAt time.Time
	vec       []float32
	norm      float32
}

// Arena holds a conversation's messages keyed by integer id in created_at
// order. The retriever works on ids and scores only; entries are never
// mutated after construction.
type Arena struct {
	entries []entry
}

// NewArena indexes msgs, which must already be in created_at order.
func NewArena(msgs []storage.Message) *Arena {
	a := &Arena{entries: make([]entry, len(msgs))}
	for i, m := range msgs {
		a.entries[i] = entry{
			id:        i,
			messageID: m.ID,
			sender:    m.Sender,
			text:      m.Text,
			createdAt: m.CreatedAt,
			vec:       m.Embedding,
			norm:      norm(m.Embedding),
		}
	}
	return a
}

// Len returns the number of messages in the arena.
func (a *Arena) Len() int { return len(a.entries) }

// idScore holds only the arena id and score during the scan phase.
type idScore struct {
	ID    int
	Score float32
}

// topK returns up to k embedded entries most similar to query, ignoring the
// newest excludeRecent entries. The result is sorted by score descending,
// ties by ascending arena id.
func (a *Arena) topK(query []float32, k, excludeRecent int) []idScore {
	queryNorm := norm(query)
	if queryNorm == 0 || k <= 0 {
		return nil
	}
	limit := len(a.entries) - max(excludeRecent, 0)

	h := &idScoreHeap{}
	heap.Init(h)
	for i := 0; i < limit; i++ {
		e := &a.entries[i]
		if len(e.vec) != len(query) || e.norm == 0 {
			continue
		}
		item := idScore{ID: e.id, Score: cosine(query, e.vec, queryNorm, e.norm)}
		if h.Len() < k {
			heap.Push(h, item)
		} else if worse((*h)[0], item) {
			(*h)[0] = item
			heap.Fix(h, 0)
		}
	}

	out := make([]idScore, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(idScore)
	}
	return out
}

// similarity is the cosine between two arena entries.
func (a *Arena) similarity(i, j int) float32 {
	ei, ej := &a.entries[i], &a.entries[j]
	if ei.norm == 0 || ej.norm == 0 || len(ei.vec) != len(ej.vec) {
		return 0
	}
	return cosine(ei.vec, ej.vec, ei.norm, ej.norm)
}

// worse reports whether a ranks below b: lower score, or equal score and a
// later arena id.
func worse(a, b idScore) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.ID > b.ID
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * bNorm) with precomputed norms.
func cosine(a, b []float32, aNorm, bNorm float32) float32 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot / (float64(aNorm) * float64(bNorm)))
}

// idScoreHeap is a min-heap of idScore; the root is the worst candidate.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
