package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/tankyu/internal/storage"
)

// mockEmbedder maps known texts to fixed vectors.
type mockEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// mockSource implements MessageSource for testing.
type mockSource struct {
	msgs []storage.Message
	err  error
}

func (m *mockSource) ConversationMessages(_ context.Context, _ string) ([]storage.Message, error) {
	return m.msgs, m.err
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, vec []float32, hoursAgo float64) storage.Message {
	return storage.Message{
		ID:        id,
		Sender:    "user",
		Text:      "text " + id,
		CreatedAt: base.Add(-time.Duration(hoursAgo * float64(time.Hour))),
		Embedding: vec,
	}
}

func fixedNow() time.Time { return base }

func TestSearch_TopKByCosine(t *testing.T) {
	src := &mockSource{msgs: []storage.Message{
		msg("a", []float32{1, 0, 0}, 3),
		msg("b", []float32{0.9, 0.1, 0}, 2),
		msg("c", []float32{0, 1, 0}, 1),
		msg("d", nil, 0.5),
	}}
	emb := &mockEmbedder{vectors: map[string][]float32{"q": {1, 0, 0}}}
	r := NewRetriever(emb, src, Options{Decay: 1, Now: fixedNow})

	got, err := r.Search(context.Background(), Query{Text: "q", K: 2, MinSimilarity: 0.3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("order = %s, %s; want a, b", got[0].ID, got[1].ID)
	}
	if got[0].Text != "text a" || got[0].Metadata["sender"] != "user" {
		t.Errorf("result = %+v", got[0])
	}
}

func TestSearch_MinSimilarityDropsWeak(t *testing.T) {
	src := &mockSource{msgs: []storage.Message{
		msg("a", []float32{1, 0}, 1),
		msg("b", []float32{0, 1}, 1),
	}}
	emb := &mockEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	r := NewRetriever(emb, src, Options{Decay: 1, Now: fixedNow})

	got, _ := r.Search(context.Background(), Query{Text: "q", K: 5, MinSimilarity: 0.5})
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("got %+v, want only a", got)
	}
}

func TestSearch_ExcludeRecent(t *testing.T) {
	src := &mockSource{msgs: []storage.Message{
		msg("old", []float32{0.8, 0.2}, 5),
		msg("new1", []float32{1, 0}, 1),
		msg("new2", []float32{1, 0}, 0),
	}}
	emb := &mockEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	r := NewRetriever(emb, src, Options{Decay: 1, Now: fixedNow})

	got, _ := r.Search(context.Background(), Query{Text: "q", K: 3, ExcludeRecent: 2})
	if len(got) != 1 || got[0].ID != "old" {
		t.Errorf("got %+v, want only old", got)
	}
}

func TestSearch_MMRPrefersDiverse(t *testing.T) {
	src := &mockSource{msgs: []storage.Message{
		msg("best", []float32{1, 0.3}, 1),
		msg("dup", []float32{1, 0.29}, 1),
		msg("other", []float32{0.28, 1}, 1),
	}}
	emb := &mockEmbedder{vectors: map[string][]float32{"q": {1, 1}}}
	r := NewRetriever(emb, src, Options{Lambda: 0.5, Decay: 1, Now: fixedNow})

	plain, _ := r.Search(context.Background(), Query{Text: "q", K: 2})
	if plain[1].ID != "dup" {
		t.Fatalf("without MMR second = %s, want dup", plain[1].ID)
	}
	diverse, _ := r.Search(context.Background(), Query{Text: "q", K: 2, UseMMR: true})
	ids := map[string]bool{diverse[0].ID: true, diverse[1].ID: true}
	if !ids["best"] || !ids["other"] {
		t.Errorf("with MMR got %s, %s; want best and other", diverse[0].ID, diverse[1].ID)
	}
}

func TestSearch_RecencyDecayReorders(t *testing.T) {
	src := &mockSource{msgs: []storage.Message{
		msg("old", []float32{1, 0}, 200),
		msg("recent", []float32{0.95, 0.3}, 1),
	}}
	emb := &mockEmbedder{vectors: map[string][]float32{"q": {1, 0}}}

	flat := NewRetriever(emb, src, Options{Decay: 1, Now: fixedNow})
	got, _ := flat.Search(context.Background(), Query{Text: "q", K: 2})
	if got[0].ID != "old" {
		t.Fatalf("no decay first = %s, want old", got[0].ID)
	}

	decayed := NewRetriever(emb, src, Options{Decay: 0.99, Now: fixedNow})
	got, _ = decayed.Search(context.Background(), Query{Text: "q", K: 2})
	if got[0].ID != "recent" {
		t.Errorf("with decay first = %s, want recent", got[0].ID)
	}
	if got[1].Score >= got[1].Metadata["similarity"].(float64) {
		t.Errorf("decayed score %v should be below similarity", got[1].Score)
	}
}

func TestSearch_Deterministic(t *testing.T) {
	var msgs []storage.Message
	for i := range 20 {
		// Pairs of identical vectors force score ties.
		msgs = append(msgs, msg(fmt.Sprintf("m%02d", i), []float32{1, float32(i / 2)}, float64(20-i)))
	}
	src := &mockSource{msgs: msgs}
	emb := &mockEmbedder{vectors: map[string][]float32{"q": {1, 3}}}
	r := NewRetriever(emb, src, Options{Now: fixedNow})

	q := Query{Text: "q", K: 5, UseMMR: true}
	first, _ := r.Search(context.Background(), q)
	for range 10 {
		again, _ := r.Search(context.Background(), q)
		if len(again) != len(first) {
			t.Fatalf("length changed: %d vs %d", len(again), len(first))
		}
		for i := range first {
			if first[i].ID != again[i].ID || first[i].Score != again[i].Score {
				t.Fatalf("result %d differs: %+v vs %+v", i, first[i], again[i])
			}
		}
	}
}

func TestSearch_TieBrokenByArenaID(t *testing.T) {
	src := &mockSource{msgs: []storage.Message{
		msg("first", []float32{1, 0}, 0),
		msg("second", []float32{1, 0}, 0),
		msg("third", []float32{1, 0}, 0),
	}}
	emb := &mockEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	r := NewRetriever(emb, src, Options{Decay: 1, Now: fixedNow})

	got, _ := r.Search(context.Background(), Query{Text: "q", K: 2})
	if got[0].ID != "first" || got[1].ID != "second" {
		t.Errorf("got %s, %s; want first, second", got[0].ID, got[1].ID)
	}
}

func TestSearch_Errors(t *testing.T) {
	emb := &mockEmbedder{err: errors.New("down")}
	r := NewRetriever(emb, &mockSource{}, Options{})
	if _, err := r.Search(context.Background(), Query{Text: "q", K: 1}); err == nil {
		t.Error("expected embed error")
	}

	emb = &mockEmbedder{vectors: map[string][]float32{"q": {1}}}
	r = NewRetriever(emb, &mockSource{err: errors.New("db locked")}, Options{})
	if _, err := r.Search(context.Background(), Query{Text: "q", K: 1}); err == nil {
		t.Error("expected source error")
	}

	if got, err := r.Search(context.Background(), Query{Text: "q", K: 0}); got != nil || err != nil {
		t.Errorf("K=0 = %v, %v", got, err)
	}
}

func TestSearch_AgainstStore(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	conv, _, err := s.FindOrCreateConversation(ctx, "u1", "chat", "c1", base)
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}
	clock := storage.NewMonotonicClock()
	vecs := [][]float32{{1, 0}, {0, 1}, {0.9, 0.1}}
	for i, v := range vecs {
		ts, id := clock.Stamp()
		m := storage.Message{ID: id, ConversationID: conv.ID, UserID: "u1", Sender: "user", Text: fmt.Sprintf("turn %d", i), CreatedAt: ts}
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
		if err := s.SetMessageEmbedding(ctx, id, v); err != nil {
			t.Fatalf("SetMessageEmbedding: %v", err)
		}
	}

	emb := &mockEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	r := NewRetriever(emb, s, Options{Decay: 1})
	got, err := r.Search(ctx, Query{Text: "q", ConversationID: conv.ID, K: 2, MinSimilarity: 0.3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 || got[0].Text != "turn 0" || got[1].Text != "turn 2" {
		t.Errorf("got %+v", got)
	}
}

func TestDetectTopicSwitch(t *testing.T) {
	recent := [][]float32{{1, 0}, {0.9, 0.1}}
	if DetectTopicSwitch([]float32{1, 0.05}, recent, DefaultTopicTau) {
		t.Error("aligned query should not be a switch")
	}
	if !DetectTopicSwitch([]float32{0, 1}, recent, DefaultTopicTau) {
		t.Error("orthogonal query should be a switch")
	}
	if DetectTopicSwitch([]float32{0, 1}, nil, DefaultTopicTau) {
		t.Error("empty recent must be false")
	}
	if DetectTopicSwitch([]float32{0, 1, 0}, recent, DefaultTopicTau) {
		t.Error("dimension mismatch must be false")
	}
}

func TestTopicSwitch_Embeds(t *testing.T) {
	emb := &mockEmbedder{vectors: map[string][]float32{
		"now":  {0, 1},
		"then": {1, 0},
	}}
	r := NewRetriever(emb, &mockSource{}, Options{})
	switched, err := r.TopicSwitch(context.Background(), "now", []string{"then"}, DefaultTopicTau)
	if err != nil || !switched {
		t.Errorf("TopicSwitch = %v, %v", switched, err)
	}
	switched, err = r.TopicSwitch(context.Background(), "now", nil, DefaultTopicTau)
	if err != nil || switched {
		t.Errorf("empty recent = %v, %v", switched, err)
	}
}
