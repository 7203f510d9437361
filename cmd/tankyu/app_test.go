package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/tankyu/internal/config"
	"github.com/kalambet/tankyu/internal/conversation"
	"github.com/kalambet/tankyu/internal/dispatch"
	"github.com/kalambet/tankyu/internal/llm"
	"github.com/kalambet/tankyu/internal/retrieval"
	"github.com/kalambet/tankyu/internal/tokens"
)

func testConfig() config.Config {
	var cfg config.Config
	cfg.Storage.DataDir = ":memory:"
	cfg.Server.StepTimeout = time.Second
	cfg.LLM = config.LLMConfig{
		Provider:       llm.ProviderScripted,
		PoolSize:       1,
		PoolTimeout:    time.Second,
		AutoFallback:   true,
		ErrorThreshold: 3,
		Nodes:          1,
		Strategy:       "adaptive",
	}
	cfg.Memory = config.MemoryConfig{
		Enabled:      true,
		BudgetIn:     2000,
		Recent:       4,
		K:            3,
		MMRLambda:    0.7,
		RecencyDecay: 1,
		TopicTau:     0.78,
		Index:        true,
	}
	cfg.Embedding = config.EmbeddingConfig{Enabled: true, Provider: "local"}
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, appDeps{
		Chat:    llm.NewScripted(),
		Counter: tokens.NewEstimator(8192, 0),
		Token:   "test-token",
	})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { a.close() })
	return a
}

func postTurn(t *testing.T, h http.Handler, req conversation.Request) conversation.Response {
	t.Helper()
	body, _ := json.Marshal(req)
	r := httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(string(body)))
	r.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("turn status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp conversation.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestApp_TurnIndexAndRecall(t *testing.T) {
	a := newTestApp(t, testConfig())
	if a.worker == nil || a.retriever == nil {
		t.Fatal("embedding components not wired")
	}

	first := postTurn(t, a.handler, conversation.Request{Message: "川の水質を調べたいです", MockMode: true})
	second := postTurn(t, a.handler, conversation.Request{Message: "水質の測り方がわからない", ConversationID: first.ConversationID})
	if second.Response == "" || second.ConversationID != first.ConversationID {
		t.Fatalf("second turn = %+v", second)
	}
	a.turns.Wait()

	ctx := context.Background()
	for {
		worked, err := a.worker.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if !worked {
			break
		}
	}

	m, err := a.metrics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	jobs := m.(map[string]any)["jobs"].(map[string]int)
	if jobs["completed"] != 4 {
		t.Errorf("jobs = %v, want 4 completed", jobs)
	}

	hits, err := a.retriever.Search(ctx, retrieval.Query{Text: "水質", ConversationID: first.ConversationID, K: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 {
		t.Error("no recall hits after indexing")
	}
}

func TestApp_EmbeddingsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Embedding.Enabled = false
	a := newTestApp(t, cfg)
	if a.embedder != nil || a.retriever != nil || a.worker != nil {
		t.Error("embedding components built while disabled")
	}

	resp := postTurn(t, a.handler, conversation.Request{Message: "こんにちは", MockMode: true})
	if resp.Response == "" {
		t.Error("empty reply")
	}
	m, _ := a.metrics(context.Background())
	if _, ok := m.(map[string]any)["embedding"]; ok {
		t.Error("embedding metrics reported while disabled")
	}
}

func TestApp_Balancer(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.Nodes = 3
	cfg.LLM.Strategy = string(dispatch.RoundRobin)
	a := newTestApp(t, cfg)
	if a.balancer == nil || len(a.dispatchers) != 3 {
		t.Fatalf("balancer = %v, dispatchers = %d", a.balancer, len(a.dispatchers))
	}

	cfg.LLM.Strategy = "fastest-first"
	if _, err := newApp(context.Background(), cfg, appDeps{Chat: llm.NewScripted(), Counter: tokens.NewEstimator(0, 0)}); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestApp_UnknownEmbeddingProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Embedding.Provider = "telepathy"
	if _, err := newApp(context.Background(), cfg, appDeps{Chat: llm.NewScripted(), Counter: tokens.NewEstimator(0, 0)}); err == nil {
		t.Error("expected error for unknown embedding provider")
	}
}

type downChat struct{}

func (downChat) Chat(context.Context, []llm.Message, llm.Options) (string, error) {
	return "", errors.New("upstream 500")
}

func TestApp_RecoverRoute(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(), appDeps{Chat: downChat{}, Counter: tokens.NewEstimator(8192, 0), Token: "test-token"})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { a.close() })

	d := a.dispatchers[0]
	for range 3 {
		d.Chat(context.Background(), nil, llm.Options{})
	}
	if d.Healthy() {
		t.Fatal("pool still healthy after 3 upstream errors")
	}

	r := httptest.NewRequest(http.MethodPost, "/v1/llm/recover", nil)
	r.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"recovered":1`) {
		t.Fatalf("recover = %d %s", rec.Code, rec.Body.String())
	}
	if !d.Healthy() {
		t.Error("pool not re-opened")
	}
}
