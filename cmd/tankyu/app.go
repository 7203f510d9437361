package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/samber/lo"

	"github.com/kalambet/tankyu/internal/api"
	"github.com/kalambet/tankyu/internal/config"
	"github.com/kalambet/tankyu/internal/conversation"
	"github.com/kalambet/tankyu/internal/dispatch"
	"github.com/kalambet/tankyu/internal/embedding"
	"github.com/kalambet/tankyu/internal/indexer"
	"github.com/kalambet/tankyu/internal/llm"
	"github.com/kalambet/tankyu/internal/memory"
	"github.com/kalambet/tankyu/internal/orchestrator"
	"github.com/kalambet/tankyu/internal/planner"
	"github.com/kalambet/tankyu/internal/project"
	"github.com/kalambet/tankyu/internal/reranking"
	"github.com/kalambet/tankyu/internal/response"
	"github.com/kalambet/tankyu/internal/retrieval"
	"github.com/kalambet/tankyu/internal/state"
	"github.com/kalambet/tankyu/internal/storage"
	"github.com/kalambet/tankyu/internal/support"
	"github.com/kalambet/tankyu/internal/tokens"
)

// appDeps overrides pieces of the graph, mainly for tests.
type appDeps struct {
	// Chat replaces every provider client built from config.
	Chat llm.Client
	// Counter replaces the tiktoken accountant.
	Counter memory.Counter
	Token   string
}

// app is the wired object graph of a running server.
type app struct {
	cfg         config.Config
	store       *storage.Store
	dispatchers []*dispatch.Dispatcher
	balancer    *dispatch.Balancer
	embedder    *embedding.Client
	retriever   *retrieval.Retriever
	summarizer  *memory.Summarizer
	agent       *orchestrator.Orchestrator
	turns       *conversation.Service
	worker      *indexer.Worker

	handler http.Handler
	mcp     *server.MCPServer
}

// newApp is the composition root: it builds every component from cfg.
func newApp(ctx context.Context, cfg config.Config, deps appDeps) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a := &app{cfg: cfg, store: store}

	chat, err := a.buildLLM(deps.Chat)
	if err != nil {
		store.Close()
		return nil, err
	}

	if cfg.Embedding.Enabled {
		if err := a.buildEmbedding(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}

	counter := deps.Counter
	if counter == nil {
		counter = tokens.New(cfg.LLM.Model, -1)
	}

	model, step := cfg.LLM.Model, cfg.Server.StepTimeout
	a.summarizer = memory.NewSummarizer(chat, store, model, step)

	memDeps := memory.Deps{
		Reranker:   reranking.NewReranker(chat, model, cfg.Reranking.Enabled, cfg.Reranking.Timeout, cfg.Reranking.Threshold, cfg.Memory.K),
		Summaries:  store,
		Summarizer: a.summarizer,
	}
	if a.retriever != nil {
		memDeps.Searcher = a.retriever
	}
	builder := memory.NewBuilder(memory.Options{
		Enabled:          cfg.Memory.Enabled,
		BudgetIn:         cfg.Memory.BudgetIn,
		Recent:           cfg.Memory.Recent,
		K:                cfg.Memory.K,
		MinSimilarity:    cfg.Memory.MinSimilarity,
		TopicTau:         cfg.Memory.TopicTau,
		SummaryThreshold: cfg.Memory.SummaryThreshold,
		UseMMR:           true,
	}, counter, memDeps)

	a.agent = orchestrator.New(orchestrator.Deps{
		Extractor: state.NewExtractor(chat, model, step),
		Planner:   planner.NewPlanner(chat, model, step),
		Typer:     support.NewTyper(support.DefaultEffectiveness).WithLLM(chat, model, step),
		Composer:  response.NewComposer(chat, model, step),
		Context:   builder,
	}, "")

	if a.embedder != nil && cfg.Memory.Index {
		a.worker = indexer.NewWorker(store, a.embedder, 500*time.Millisecond)
	}

	a.turns = conversation.NewService(store, project.NewManager(store), a.agent, storage.NewMonotonicClock(),
		conversation.Options{Index: a.worker != nil})

	a.handler = api.NewHandler(api.Deps{Turns: a.turns, Metrics: a.metrics, Recover: a.recoverLLM, Token: deps.Token})
	mcpDeps := api.MCPDeps{Turns: a.turns, Metrics: a.metrics}
	if a.retriever != nil {
		mcpDeps.Searcher = a.retriever
	}
	a.mcp = api.NewMCPServer(mcpDeps)

	return a, nil
}

// buildLLM creates one dispatcher per configured node, each with a legacy
// client and a pool, and balances across them when there is more than one.
func (a *app) buildLLM(override llm.Client) (llm.Client, error) {
	lc := a.cfg.LLM
	newClient := func() (llm.Client, error) {
		if override != nil {
			return override, nil
		}
		return llm.New(llm.ProviderConfig{
			Provider:  lc.Provider,
			Model:     lc.Model,
			APIKey:    lc.APIKey,
			BaseURL:   lc.BaseURL,
			OllamaURL: lc.OllamaURL,
		})
	}

	nodes := max(lc.Nodes, 1)
	var balanced []dispatch.Node
	for i := range nodes {
		legacy, err := newClient()
		if err != nil {
			return nil, fmt.Errorf("building llm client: %w", err)
		}
		pool := make([]llm.Client, 0, lc.PoolSize)
		for range lc.PoolSize {
			c, err := newClient()
			if err != nil {
				return nil, fmt.Errorf("building llm pool client: %w", err)
			}
			pool = append(pool, c)
		}
		d, err := dispatch.New(legacy, pool, dispatch.Config{
			PoolSize:       lc.PoolSize,
			Timeout:        lc.PoolTimeout,
			AutoFallback:   lc.AutoFallback,
			ErrorThreshold: lc.ErrorThreshold,
		})
		if err != nil {
			return nil, err
		}
		a.dispatchers = append(a.dispatchers, d)
		balanced = append(balanced, dispatch.Node{Name: fmt.Sprintf("node-%d", i), Client: d, Weight: 1})
	}
	if nodes == 1 {
		return a.dispatchers[0], nil
	}

	strategy, err := dispatch.ParseStrategy(lc.Strategy)
	if err != nil {
		return nil, err
	}
	b, err := dispatch.NewBalancer(strategy, balanced...)
	if err != nil {
		return nil, err
	}
	a.balancer = b
	return b, nil
}

func (a *app) buildEmbedding(ctx context.Context) error {
	ec := a.cfg.Embedding
	spec, err := embedding.Lookup(ec.Provider)
	if err != nil {
		return err
	}
	creds := embedding.Credentials{
		OpenAIKey: ec.OpenAIKey,
		GeminiKey: ec.GeminiKey,
		Model:     ec.Model,
	}
	if spec.Kind == embedding.KindOllama {
		creds.OllamaURL = a.cfg.LLM.OllamaURL
	}
	provider, err := embedding.NewProvider(ctx, spec, creds)
	if err != nil {
		return fmt.Errorf("building embedding provider %s: %w", spec.Name, err)
	}
	a.embedder = embedding.NewClient(provider, spec, ec.BatchSize)
	a.retriever = retrieval.NewRetriever(a.embedder, a.store, retrieval.Options{
		Lambda: a.cfg.Memory.MMRLambda,
		Decay:  a.cfg.Memory.RecencyDecay,
	})
	slog.Info("embeddings enabled", "provider", spec.Name, "dimension", spec.Dimension)
	return nil
}

// metrics feeds GET /v1/metrics and the metrics://llm resource.
func (a *app) metrics(ctx context.Context) (any, error) {
	jobs, err := a.store.JobCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	m := map[string]any{
		"dispatchers": lo.Map(a.dispatchers, func(d *dispatch.Dispatcher, _ int) dispatch.Stats { return d.Stats() }),
		"jobs":        jobs,
	}
	if a.balancer != nil {
		m["balancer"] = a.balancer.Stats()
	}
	if a.embedder != nil {
		m["embedding"] = a.embedder.Stats()
	}
	return m, nil
}

// recoverLLM closes every tripped pool breaker and returns how many it closed.
func (a *app) recoverLLM(context.Context) int {
	return lo.CountBy(a.dispatchers, func(d *dispatch.Dispatcher) bool { return d.Recover() })
}

// start launches the background workers; they stop with ctx.
func (a *app) start(ctx context.Context) {
	if a.worker != nil {
		go a.worker.Run(ctx)
	}
}

// close drains in-flight background writes before closing storage.
func (a *app) close() error {
	a.turns.Wait()
	a.summarizer.Wait()
	return a.store.Close()
}
