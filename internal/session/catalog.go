package session

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Snapshot is the persisted session table: repository id, then session id.
type Snapshot map[string]map[string]*AgentSession

// Catalog owns one Registry per repository.
type Catalog struct {
	registries map[string]*Registry
	now        func() time.Time
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *zap.Logger) *Catalog {
	return &Catalog{
		registries: make(map[string]*Registry),
		now:        time.Now,
		logger:     logger,
	}
}

// Registry returns the repository's registry, creating it on first use.
func (c *Catalog) Registry(repoID string) *Registry {
	c.mu.RLock()
	r, ok := c.registries[repoID]
	c.mu.RUnlock()
	if ok {
		return r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.registries[repoID]; ok {
		return r
	}
	r = NewRegistry(repoID, c.logger)
	r.now = c.now
	c.registries[repoID] = r
	return r
}

// RepositoryIDs returns the known repository ids, sorted.
func (c *Catalog) RepositoryIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.registries))
	for id := range c.registries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Find looks a session up across every repository.
func (c *Catalog) Find(sessionID string) (*Registry, *AgentSession, bool) {
	for _, id := range c.RepositoryIDs() {
		r := c.Registry(id)
		if s, ok := r.Get(sessionID); ok {
			return r, s, true
		}
	}
	return nil, nil, false
}

// Snapshot packs every registry into the persisted table.
func (c *Catalog) Snapshot() Snapshot {
	out := make(Snapshot)
	for _, id := range c.RepositoryIDs() {
		out[id] = c.Registry(id).Pack()
	}
	return out
}

// Restore unpacks a persisted table, replacing the contents of every
// repository it names.
func (c *Catalog) Restore(snap Snapshot) {
	total := 0
	for repoID, table := range snap {
		c.Registry(repoID).Unpack(table)
		total += len(table)
	}
	c.logger.Info("restored sessions",
		zap.Int("repositories", len(snap)),
		zap.Int("sessions", total))
}
