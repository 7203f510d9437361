package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/llm"
)

// Strategy selects a node for each request.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	LeastConnections Strategy = "least_connections"
	Weighted         Strategy = "weighted"
	Random           Strategy = "random"
	ResponseTime     Strategy = "response_time"
	Adaptive         Strategy = "adaptive"
)

// Strategies lists every strategy.
var Strategies = []Strategy{RoundRobin, LeastConnections, Weighted, Random, ResponseTime, Adaptive}

// ParseStrategy accepts a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	if slices.Contains(Strategies, Strategy(s)) {
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown balancing strategy %q", s)
}

// ErrNoNodes is returned when a balancer is built without nodes.
var ErrNoNodes = fmt.Errorf("no balancer nodes: %w", agent.ErrInvariant)

const (
	adaptiveInterval = 30 * time.Second
	minHealth        = 0.1
	excludeBelow     = 0.3
)

// Node is one balanced backend, typically a Dispatcher.
type Node struct {
	Name   string
	Client llm.Client
	Weight int
}

// NodeStats describes one node as seen by the balancer.
type NodeStats struct {
	Name          string  `json:"name"`
	Requests      int64   `json:"requests"`
	Errors        int64   `json:"errors"`
	Active        int     `json:"active"`
	AvgResponseMs float64 `json:"avg_response_ms"`
	Health        float64 `json:"health"`
}

type nodeState struct {
	Node
	requests int64
	errors   int64
	active   int
	avgSec   float64
	samples  int64
	current  int // smooth weighted round-robin credit
}

func (n *nodeState) errorRate() float64 {
	if n.requests == 0 {
		return 0
	}
	return float64(n.errors) / float64(n.requests)
}

// health combines error rate, latency and current load into [0.1, 1].
func (n *nodeState) health() float64 {
	errorScore := 1 - n.errorRate()
	timeScore := 1 / (1 + n.avgSec)
	availability := 1 / float64(1+n.active)
	h := 0.4*errorScore + 0.3*timeScore + 0.3*availability
	return min(max(h, minHealth), 1)
}

// Balancer spreads completions over several nodes.
type Balancer struct {
	strategy Strategy
	now      func() time.Time

	mu       sync.Mutex
	nodes    []*nodeState
	rr       int
	rng      *rand.Rand
	best     int
	lastEval time.Time
}

func NewBalancer(strategy Strategy, nodes ...Node) (*Balancer, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	b := &Balancer{strategy: strategy, now: time.Now, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	for _, n := range nodes {
		if n.Client == nil {
			return nil, fmt.Errorf("dispatch: node %q has no client", n.Name)
		}
		if n.Weight <= 0 {
			n.Weight = 1
		}
		b.nodes = append(b.nodes, &nodeState{Node: n})
	}
	return b, nil
}

// Chat forwards to the node picked by the strategy.
func (b *Balancer) Chat(ctx context.Context, msgs []llm.Message, opts llm.Options) (string, error) {
	b.mu.Lock()
	n := b.pick()
	n.active++
	n.requests++
	b.mu.Unlock()

	start := b.now()
	text, err := n.Client.Chat(ctx, msgs, opts)
	elapsed := b.now().Sub(start).Seconds()

	b.mu.Lock()
	n.active--
	if err != nil {
		n.errors++
	} else {
		if n.samples == 0 {
			n.avgSec = elapsed
		} else {
			n.avgSec = emaAlpha*elapsed + (1-emaAlpha)*n.avgSec
		}
		n.samples++
	}
	b.mu.Unlock()

	if err != nil {
		return "", llm.Classify(n.Name, err)
	}
	return text, nil
}

// eligible drops nodes below the health floor unless none is above it.
func (b *Balancer) eligible() []*nodeState {
	healthy := make([]*nodeState, 0, len(b.nodes))
	for _, n := range b.nodes {
		if n.health() >= excludeBelow {
			healthy = append(healthy, n)
		}
	}
	if len(healthy) == 0 {
		return b.nodes
	}
	return healthy
}

// pick must be called with b.mu held.
func (b *Balancer) pick() *nodeState {
	cands := b.eligible()
	switch b.strategy {
	case LeastConnections:
		return minBy(cands, func(n *nodeState) float64 { return float64(n.active) })
	case Weighted:
		return b.weighted(cands)
	case Random:
		return cands[b.rng.Intn(len(cands))]
	case ResponseTime:
		return minBy(cands, func(n *nodeState) float64 { return n.avgSec })
	case Adaptive:
		return b.adaptive(cands)
	default:
		n := cands[b.rr%len(cands)]
		b.rr++
		return n
	}
}

// weighted is smooth weighted round-robin.
func (b *Balancer) weighted(cands []*nodeState) *nodeState {
	var total int
	var best *nodeState
	for _, n := range cands {
		n.current += n.Weight
		total += n.Weight
		if best == nil || n.current > best.current {
			best = n
		}
	}
	best.current -= total
	return best
}

// adaptive sticks to the best node by (1 − error rate)/(1 + avg response
// time) and re-evaluates every 30 seconds.
func (b *Balancer) adaptive(cands []*nodeState) *nodeState {
	now := b.now()
	if b.lastEval.IsZero() || now.Sub(b.lastEval) >= adaptiveInterval {
		b.lastEval = now
		bestScore := -1.0
		for i, n := range b.nodes {
			if !slices.Contains(cands, n) {
				continue
			}
			if s := (1 - n.errorRate()) / (1 + n.avgSec); s > bestScore {
				b.best, bestScore = i, s
			}
		}
	}
	if n := b.nodes[b.best]; slices.Contains(cands, n) {
		return n
	}
	return cands[0]
}

func minBy(cands []*nodeState, key func(*nodeState) float64) *nodeState {
	best := cands[0]
	for _, n := range cands[1:] {
		if key(n) < key(best) {
			best = n
		}
	}
	return best
}

// Stats returns per-node counters in registration order.
func (b *Balancer) Stats() []NodeStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]NodeStats, len(b.nodes))
	for i, n := range b.nodes {
		out[i] = NodeStats{
			Name:          n.Name,
			Requests:      n.requests,
			Errors:        n.errors,
			Active:        n.active,
			AvgResponseMs: n.avgSec * 1000,
			Health:        n.health(),
		}
	}
	return out
}

var (
	_ llm.Client = (*Balancer)(nil)
	_ llm.Client = (*Dispatcher)(nil)
)
