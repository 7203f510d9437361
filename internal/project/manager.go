// Package project gives the agent cached, read-mostly access to the inquiry
// project a conversation belongs to.
package project

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/tankyu/internal/agent"
	"github.com/kalambet/tankyu/internal/storage"
)

// DefaultTTL bounds how long a loaded project is served from memory.
const DefaultTTL = 60 * time.Second

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	GetProject(ctx context.Context, id, userID string) (storage.Project, error)
	PutProject(ctx context.Context, p storage.Project) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cacheKey struct{ userID, id string }

type entry struct {
	project  agent.ProjectContext
	loadedAt time.Time
}

// Manager caches project contexts per (user, project).
type Manager struct {
	store Store
	clock Clock
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[cacheKey]entry
}

// NewManager creates a Manager with the default cache TTL.
func NewManager(store Store) *Manager {
	return NewManagerWithClock(store, realClock{}, DefaultTTL)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
		cache: make(map[cacheKey]entry),
	}
}

// Get returns the project id owned by userID. An empty id yields nil
// without touching storage; an unknown id is storage.ErrNotFound.
func (m *Manager) Get(ctx context.Context, userID, id string) (*agent.ProjectContext, error) {
	if id == "" {
		return nil, nil
	}
	key := cacheKey{userID, id}

	m.mu.RLock()
	e, ok := m.cache[key]
	m.mu.RUnlock()
	if ok && m.clock.Now().Before(e.loadedAt.Add(m.ttl)) {
		return clone(e.project), nil
	}

	rec, err := m.store.GetProject(ctx, id, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("loading project %s: %w: %w", id, agent.ErrStorage, err)
	}
	pc := fromRecord(rec)

	m.mu.Lock()
	m.cache[key] = entry{project: pc, loadedAt: m.clock.Now()}
	m.mu.Unlock()
	return clone(pc), nil
}

// Put validates and persists pc for userID and invalidates its cache entry.
func (m *Manager) Put(ctx context.Context, userID string, pc agent.ProjectContext) error {
	pc.ID = strings.TrimSpace(pc.ID)
	if pc.ID == "" {
		return &agent.ValidationError{Field: "id", Reason: "project id is required"}
	}
	if pc.Empty() {
		return &agent.ValidationError{Field: "theme", Reason: "project needs a theme, question, hypothesis or extra field"}
	}
	rec, err := toRecord(userID, pc, m.clock.Now())
	if err != nil {
		return &agent.ValidationError{Field: "extra", Reason: err.Error()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.PutProject(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return err
		}
		return fmt.Errorf("saving project %s: %w: %w", pc.ID, agent.ErrStorage, err)
	}
	delete(m.cache, cacheKey{userID, pc.ID})
	return nil
}
