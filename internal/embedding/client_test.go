package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/ollama"
)

// mockProvider implements Provider for testing.
type mockProvider struct {
	embedFn func(ctx context.Context, texts []string) ([][]float32, error)
	calls   atomic.Int32
}

func (m *mockProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	m.calls.Add(1)
	return m.embedFn(ctx, texts)
}

func lengthVectors(dim int) func(context.Context, []string) ([][]float32, error) {
	return func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			v := make([]float32, dim)
			v[0] = float32(len(t))
			v[1] = 1
			out[i] = v
		}
		return out, nil
	}
}

func testSpec(dim int) Spec {
	return Spec{Name: "mock", Kind: "mock", Model: "m", Dimension: dim}
}

func TestEmbed_CacheIdempotent(t *testing.T) {
	p := &mockProvider{embedFn: lengthVectors(4)}
	c := NewClient(p, testSpec(4), 0)

	a, err := c.Embed(context.Background(), "探究学習")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := c.Embed(context.Background(), "探究学習")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d: %v vs %v", i, a, b)
		}
	}
	if p.calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1", p.calls.Load())
	}
	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Size != 1 {
		t.Errorf("stats = %+v", st)
	}

	// Mutating a returned vector must not poison the cache.
	a[0] = 999
	again, _ := c.Embed(context.Background(), "探究学習")
	if again[0] == 999 {
		t.Error("cache returned a shared slice")
	}
}

func TestEmbed_EmptyIsZeroVector(t *testing.T) {
	p := &mockProvider{embedFn: func(context.Context, []string) ([][]float32, error) {
		t.Fatal("provider must not be called for empty input")
		return nil, nil
	}}
	c := NewClient(p, testSpec(8), 0)

	v, err := c.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(v) != 8 {
		t.Fatalf("len = %d, want 8", len(v))
	}
	for _, f := range v {
		if f != 0 {
			t.Fatalf("expected zero vector, got %v", v)
		}
	}
}

func TestEmbed_ProviderError(t *testing.T) {
	p := &mockProvider{embedFn: func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("connection refused")
	}}
	c := NewClient(p, testSpec(4), 0)

	_, err := c.Embed(context.Background(), "x")
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if !errors.Is(err, agent.ErrExternalFailure) {
		t.Errorf("expected ErrExternalFailure, got %v", err)
	}
}

func TestEmbed_ProviderTimeout(t *testing.T) {
	p := &mockProvider{embedFn: func(ctx context.Context, _ []string) ([][]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	c := NewClient(p, testSpec(4), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Embed(ctx, "slow")
	if !errors.Is(err, agent.ErrExternalTimeout) {
		t.Errorf("expected ErrExternalTimeout, got %v", err)
	}
}

func TestEmbed_WrongDimension(t *testing.T) {
	p := &mockProvider{embedFn: lengthVectors(3)}
	c := NewClient(p, testSpec(4), 0)

	if _, err := c.Embed(context.Background(), "x"); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestEmbedBatch_OrderAndChunks(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	p := &mockProvider{embedFn: func(ctx context.Context, texts []string) ([][]float32, error) {
		mu.Lock()
		sizes = append(sizes, len(texts))
		mu.Unlock()
		return lengthVectors(4)(ctx, texts)
	}}
	c := NewClient(p, testSpec(4), 3)

	texts := make([]string, 10)
	for i := range texts {
		texts[i] = fmt.Sprintf("%0*d", i+1, 0)
	}
	vecs, err := c.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, v := range vecs {
		if int(v[0]) != i+1 {
			t.Errorf("vecs[%d][0] = %v, want %d", i, v[0], i+1)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sizes) != 4 {
		t.Errorf("provider called %d times, want 4 (chunks of 3)", len(sizes))
	}
	for _, n := range sizes {
		if n > 3 {
			t.Errorf("chunk size %d exceeds batch size 3", n)
		}
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	c := NewClient(&mockProvider{embedFn: lengthVectors(4)}, testSpec(4), 0)
	vecs, err := c.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v", vecs, err)
	}
}

func TestSimilarity(t *testing.T) {
	s, err := Similarity([]float32{1, 0}, []float32{1, 0})
	if err != nil || s < 0.9999 {
		t.Errorf("identical = %v, %v", s, err)
	}
	s, _ = Similarity([]float32{1, 0}, []float32{0, 1})
	if s != 0 {
		t.Errorf("orthogonal = %v", s)
	}
	s, _ = Similarity([]float32{0, 0}, []float32{1, 1})
	if s != 0 {
		t.Errorf("zero vector = %v", s)
	}
	if _, err := Similarity([]float32{1}, []float32{1, 2}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("mismatch err = %v", err)
	}
}

func TestMean(t *testing.T) {
	m, err := Mean([][]float32{{1, 3}, {3, 5}})
	if err != nil || m[0] != 2 || m[1] != 4 {
		t.Errorf("Mean = %v, %v", m, err)
	}
	if m, _ := Mean(nil); m != nil {
		t.Errorf("Mean(nil) = %v", m)
	}
}

func TestHashProvider_Deterministic(t *testing.T) {
	p := NewHashProvider(64)
	vecs, err := p.EmbedTexts(context.Background(), []string{"研究テーマを決めたい", "研究テーマを決めたい", "今日は晴れ"})
	if err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	same, _ := Similarity(vecs[0], vecs[1])
	diff, _ := Similarity(vecs[0], vecs[2])
	if same < 0.9999 {
		t.Errorf("identical texts similarity = %v", same)
	}
	if diff >= same {
		t.Errorf("unrelated text similarity %v should be below %v", diff, same)
	}
}

func TestSpecs_EmbeddedTable(t *testing.T) {
	specs, err := Specs()
	if err != nil {
		t.Fatalf("Specs: %v", err)
	}
	want := map[string]int{"ollama": 768, "openai": 1536, "gemini": 768, "local": 256}
	for _, s := range specs {
		if d, ok := want[s.Name]; ok && d != s.Dimension {
			t.Errorf("%s dimension = %d, want %d", s.Name, s.Dimension, d)
		}
		delete(want, s.Name)
	}
	if len(want) != 0 {
		t.Errorf("missing providers: %v", want)
	}
	if _, err := Lookup("nope"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestParseSpecs_Invalid(t *testing.T) {
	cases := []string{
		"providers: [{name: x}]",
		"providers: [{name: x, kind: local, dimension: 0}]",
		"providers: {",
	}
	for _, c := range cases {
		if _, err := parseSpecs([]byte(c)); err == nil {
			t.Errorf("parseSpecs(%q) should fail", c)
		}
	}
}

func TestNewProvider_LocalAndMissingKeys(t *testing.T) {
	ctx := context.Background()
	local, _ := Lookup("local")
	if _, err := NewProvider(ctx, local, Credentials{}); err != nil {
		t.Errorf("local provider: %v", err)
	}
	openai, _ := Lookup("openai")
	if _, err := NewProvider(ctx, openai, Credentials{}); err == nil {
		t.Error("openai without key should fail")
	}
	gemini, _ := Lookup("gemini")
	if _, err := NewProvider(ctx, gemini, Credentials{}); err == nil {
		t.Error("gemini without key should fail")
	}
	if _, err := NewProvider(ctx, Spec{Name: "x", Kind: "bogus", Dimension: 1}, Credentials{}); err == nil {
		t.Error("unknown kind should fail")
	}
}

func TestOllamaProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		out := make([][]float32, len(req.Input))
		for i := range req.Input {
			out[i] = []float32{float32(i), 1}
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
	defer srv.Close()

	p := NewOllamaProvider(ollama.New(srv.URL), "nomic-embed-text")
	vecs, err := p.EmbedTexts(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if len(vecs) != 2 || vecs[1][0] != 1 {
		t.Errorf("vecs = %v", vecs)
	}
}
