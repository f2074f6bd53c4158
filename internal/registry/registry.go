// Package registry maps pipeline roles to their currently attached tab.
//
// Only one tab per role is meaningful: Register overwrites any prior
// mapping, which naturally evicts stale handles left behind by reloads.
// Keepalives refresh the entry even when an explicit re-register was lost
// in a reload race; a tab that misses keepalives long enough is treated as
// gone.
package registry

import (
	"log"
	"sync"
	"time"

	"github.com/lessonpipe/lessonpipe/internal/message"
	"github.com/lessonpipe/lessonpipe/internal/role"
)

// Tab is the handle the relay pushes envelopes through. Implementations
// wrap whatever transport is attached (a websocket in the live server, a
// channel in tests).
type Tab interface {
	// Push hands one envelope to the tab. The error classifies the failure:
	// the relay requeues on tab-gone failures.
	Push(env message.Envelope) error
	// Close tears the handle down. Idempotent.
	Close()
}

// entry pairs a tab handle with its liveness bookkeeping.
type entry struct {
	tab      Tab
	attached time.Time
	lastSeen time.Time
}

// Registry tracks the active tab per role.
type Registry struct {
	mu      sync.Mutex
	tabs    map[role.Role]*entry
	staleIn time.Duration
}

// New creates a registry. staleIn is how long a tab may go without a
// keepalive before Live stops reporting it; zero means 75s (three missed
// 25s keepalives).
func New(staleIn time.Duration) *Registry {
	if staleIn <= 0 {
		staleIn = 75 * time.Second
	}
	return &Registry{
		tabs:    make(map[role.Role]*entry),
		staleIn: staleIn,
	}
}

// Register binds tab as the active handle for r, closing and replacing any
// previous one.
func (g *Registry) Register(r role.Role, tab Tab) {
	now := time.Now()

	g.mu.Lock()
	prev := g.tabs[r]
	g.tabs[r] = &entry{tab: tab, attached: now, lastSeen: now}
	g.mu.Unlock()

	if prev != nil && prev.tab != tab {
		prev.tab.Close()
	}
	log.Printf("[Registry] tab registered for role %s", r)
}

// Keepalive refreshes the liveness timestamp for r's tab.
func (g *Registry) Keepalive(r role.Role) {
	g.mu.Lock()
	if e, ok := g.tabs[r]; ok {
		e.lastSeen = time.Now()
	}
	g.mu.Unlock()
}

// Evict removes the mapping for r if it still points at tab (a nil tab
// evicts unconditionally). Returns true when something was removed.
func (g *Registry) Evict(r role.Role, tab Tab) bool {
	g.mu.Lock()
	e, ok := g.tabs[r]
	if !ok || (tab != nil && e.tab != tab) {
		g.mu.Unlock()
		return false
	}
	delete(g.tabs, r)
	g.mu.Unlock()

	e.tab.Close()
	log.Printf("[Registry] tab evicted for role %s", r)
	return true
}

// Live returns the tab for r when it exists and has not gone stale.
// A stale entry is evicted as a side effect.
func (g *Registry) Live(r role.Role) (Tab, bool) {
	g.mu.Lock()
	e, ok := g.tabs[r]
	if !ok {
		g.mu.Unlock()
		return nil, false
	}
	if time.Since(e.lastSeen) > g.staleIn {
		delete(g.tabs, r)
		g.mu.Unlock()
		e.tab.Close()
		log.Printf("[Registry] tab for role %s stale (no keepalive), evicted", r)
		return nil, false
	}
	tab := e.tab
	g.mu.Unlock()
	return tab, true
}

// LiveRoles lists every role with a non-stale registered tab.
func (g *Registry) LiveRoles() []role.Role {
	out := make([]role.Role, 0, len(role.All))
	for _, r := range role.All {
		if _, ok := g.Live(r); ok {
			out = append(out, r)
		}
	}
	return out
}

// Status reports per-role registration state for the status endpoint.
func (g *Registry) Status() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]any, len(g.tabs))
	for r, e := range g.tabs {
		out[r.String()] = map[string]any{
			"attached_ts":  e.attached.UnixMilli(),
			"last_seen_ts": e.lastSeen.UnixMilli(),
		}
	}
	return out
}
