// Package dispatch routes completions through a bounded pool of LLM clients
// with round-robin selection, per-call deadlines, consecutive-error circuit
// breaking and fallback to a single legacy client.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/llm"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultErrorThreshold = 3
	emaAlpha              = 0.1
)

// Config tunes a Dispatcher. Zero values take the defaults.
type Config struct {
	PoolSize       int
	Timeout        time.Duration
	AutoFallback   bool
	ErrorThreshold int
}

// Stats is a snapshot of the dispatcher counters.
type Stats struct {
	TotalRequests     int64   `json:"total_requests"`
	PoolRequests      int64   `json:"pool_requests"`
	LegacyRequests    int64   `json:"legacy_requests"`
	PoolErrors        int64   `json:"pool_errors"`
	LegacyErrors      int64   `json:"legacy_errors"`
	Fallbacks         int64   `json:"fallbacks"`
	AcquireTimeouts   int64   `json:"acquire_timeouts"`
	ConsecutiveErrors int64   `json:"consecutive_errors"`
	InFlight          int64   `json:"in_flight"`
	AvgResponseMillis float64 `json:"avg_response_ms"`
	PoolUsageRate     float64 `json:"pool_usage_rate"`
	PoolHealthy       bool    `json:"pool_healthy"`
	PoolSize          int     `json:"pool_size"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// Dispatcher implements llm.Client over a legacy client and an optional pool.
type Dispatcher struct {
	legacy llm.Client
	pool   []llm.Client
	cfg    Config
	sem    chan struct{}
	next   atomic.Uint64

	unhealthy   atomic.Bool
	consecutive atomic.Int64

	total, poolReqs, legacyReqs atomic.Int64
	poolErrs, legacyErrs        atomic.Int64
	fallbacks, acquireTimeouts  atomic.Int64
	inFlight                    atomic.Int64

	mu      sync.Mutex
	avgMs   float64
	samples int64
	started time.Time
}

// New builds a Dispatcher. legacy is mandatory; pool may be empty.
func New(legacy llm.Client, pool []llm.Client, cfg Config) (*Dispatcher, error) {
	if legacy == nil {
		return nil, errors.New("dispatch: legacy client is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = DefaultErrorThreshold
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = len(pool)
	}
	d := &Dispatcher{legacy: legacy, pool: pool, cfg: cfg, started: time.Now()}
	if cfg.PoolSize > 0 {
		d.sem = make(chan struct{}, cfg.PoolSize)
	}
	return d, nil
}

// Chat prefers the pool.
func (d *Dispatcher) Chat(ctx context.Context, msgs []llm.Message, opts llm.Options) (string, error) {
	return d.Generate(ctx, msgs, opts, true)
}

// Generate runs one completion, through the pool when preferPool is set and
// the pool is usable, otherwise through the legacy client.
func (d *Dispatcher) Generate(ctx context.Context, msgs []llm.Message, opts llm.Options, preferPool bool) (string, error) {
	d.total.Add(1)
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	if preferPool && d.ShouldUsePool() {
		return d.viaPool(ctx, msgs, opts)
	}
	return d.viaLegacy(ctx, msgs, opts)
}

// ShouldUsePool reports whether the pool is enabled, non-empty and healthy.
func (d *Dispatcher) ShouldUsePool() bool {
	return d.sem != nil && len(d.pool) > 0 && !d.unhealthy.Load()
}

func (d *Dispatcher) viaPool(ctx context.Context, msgs []llm.Message, opts llm.Options) (string, error) {
	acquire := time.NewTimer(d.cfg.Timeout)
	defer acquire.Stop()
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return "", llm.Classify("pool", ctx.Err())
	case <-acquire.C:
		d.acquireTimeouts.Add(1)
		if d.cfg.AutoFallback {
			slog.Warn("dispatch: pool acquire timed out, using legacy client")
			d.fallbacks.Add(1)
			return d.viaLegacy(ctx, msgs, opts)
		}
		return "", fmt.Errorf("acquiring pool slot after %s: %w", d.cfg.Timeout, agent.ErrExternalTimeout)
	}

	d.poolReqs.Add(1)
	client := d.pool[(d.next.Add(1)-1)%uint64(len(d.pool))]

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	text, err := client.Chat(callCtx, msgs, opts)
	cancel()
	<-d.sem

	if err == nil {
		d.consecutive.Store(0)
		d.record(time.Since(start))
		return text, nil
	}

	// The caller gave up; that says nothing about the upstream.
	if ctx.Err() != nil {
		return "", llm.Classify("pool", ctx.Err())
	}
	d.poolErrs.Add(1)
	if n := d.consecutive.Add(1); n >= int64(d.cfg.ErrorThreshold) && d.unhealthy.CompareAndSwap(false, true) {
		slog.Warn("dispatch: pool marked unhealthy", "consecutive_errors", n)
	}
	if d.cfg.AutoFallback {
		slog.Warn("dispatch: pool call failed, using legacy client", "error", err)
		d.fallbacks.Add(1)
		return d.viaLegacy(ctx, msgs, opts)
	}
	return "", llm.Classify("pool", err)
}

func (d *Dispatcher) viaLegacy(ctx context.Context, msgs []llm.Message, opts llm.Options) (string, error) {
	d.legacyReqs.Add(1)
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	text, err := d.legacy.Chat(callCtx, msgs, opts)
	if err != nil {
		d.legacyErrs.Add(1)
		return "", llm.Classify("legacy", err)
	}
	d.record(time.Since(start))
	return text, nil
}

func (d *Dispatcher) record(elapsed time.Duration) {
	ms := float64(elapsed) / float64(time.Millisecond)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.samples == 0 {
		d.avgMs = ms
	} else {
		d.avgMs = emaAlpha*ms + (1-emaAlpha)*d.avgMs
	}
	d.samples++
}

// Healthy reports whether the pool is accepting traffic.
func (d *Dispatcher) Healthy() bool { return !d.unhealthy.Load() }

// Recover closes the breaker and clears the consecutive error count. It
// reports whether the pool had been marked unhealthy.
func (d *Dispatcher) Recover() bool {
	d.consecutive.Store(0)
	if d.unhealthy.CompareAndSwap(true, false) {
		slog.Info("dispatch: pool recovered")
		return true
	}
	return false
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	avg := d.avgMs
	d.mu.Unlock()

	s := Stats{
		TotalRequests:     d.total.Load(),
		PoolRequests:      d.poolReqs.Load(),
		LegacyRequests:    d.legacyReqs.Load(),
		PoolErrors:        d.poolErrs.Load(),
		LegacyErrors:      d.legacyErrs.Load(),
		Fallbacks:         d.fallbacks.Load(),
		AcquireTimeouts:   d.acquireTimeouts.Load(),
		ConsecutiveErrors: d.consecutive.Load(),
		InFlight:          d.inFlight.Load(),
		AvgResponseMillis: avg,
		PoolHealthy:       d.Healthy(),
		PoolSize:          d.cfg.PoolSize,
		UptimeSeconds:     time.Since(d.started).Seconds(),
	}
	if s.TotalRequests > 0 {
		s.PoolUsageRate = float64(s.PoolRequests) / float64(s.TotalRequests)
	}
	return s
}
