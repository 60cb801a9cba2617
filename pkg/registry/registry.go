// Package registry maintains the table of discovered agents. Refresh
// cycles probe every configured endpoint in parallel; failures are logged
// and never evict a previously discovered agent.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// Prober abstracts endpoint probing for tests.
type Prober interface {
	Probe(ctx context.Context, endpoint string) (*a2a.AgentEntry, error)
}

// Registry is the agent table.
type Registry struct {
	prober    Prober
	endpoints []string

	mu     sync.RWMutex
	agents map[string]a2a.AgentEntry

	refreshMu sync.Mutex // cycles never overlap
}

// New creates a registry over the configured discovery endpoints.
func New(prober Prober, endpoints []string) *Registry {
	return &Registry{
		prober:    prober,
		endpoints: endpoints,
		agents:    make(map[string]a2a.AgentEntry),
	}
}

// Get returns the entry for an agent id.
func (r *Registry) Get(id string) (a2a.AgentEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[id]
	return entry, ok
}

// Snapshot returns a copy of the agent table.
func (r *Registry) Snapshot() map[string]a2a.AgentEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]a2a.AgentEntry, len(r.agents))
	for id, entry := range r.agents {
		out[id] = entry
	}
	return out
}

// AgentIDs returns the known agent ids in sorted order.
func (r *Registry) AgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of known agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Refresh probes every endpoint and merges successes into the table.
// Entries are written in endpoint order, so when two endpoints claim the
// same agent id the later endpoint wins deterministically. Probe failures
// never remove an agent discovered earlier.
func (r *Registry) Refresh(ctx context.Context) {
	r.refresh(ctx)
}

// refresh runs one cycle and reports how many probes failed.
func (r *Registry) refresh(ctx context.Context) int {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	results := make([]*a2a.AgentEntry, len(r.endpoints))

	g, gctx := errgroup.WithContext(ctx)
	for i, endpoint := range r.endpoints {
		i, endpoint := i, endpoint
		g.Go(func() error {
			entry, err := r.prober.Probe(gctx, endpoint)
			if err != nil {
				slog.Warn("Discovery probe failed", "endpoint", endpoint, "error", err)
				return nil // failures never abort the cycle
			}
			results[i] = entry
			return nil
		})
	}
	g.Wait()

	discovered := 0
	r.mu.Lock()
	for _, entry := range results {
		if entry == nil {
			continue
		}
		r.agents[entry.ID] = *entry
		discovered++
	}
	total := len(r.agents)
	r.mu.Unlock()

	slog.Info("Discovery cycle completed",
		"endpoints", len(r.endpoints), "discovered", discovered, "known_agents", total)
	return len(r.endpoints) - discovered
}

// RunPeriodic refreshes on the given interval until the context is
// cancelled. A cycle with probe failures backs off briefly before the
// next attempt; a clean cycle waits the full interval even when no agents
// are registered.
func (r *Registry) RunPeriodic(ctx context.Context, interval time.Duration) {
	const errBackoff = 5 * time.Second

	for {
		failed := r.refresh(ctx)

		wait := interval
		if failed > 0 {
			wait = errBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
