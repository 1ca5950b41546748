package registry

import (
	"sync"
	"time"
)

// Table is the concurrent nodeId -> NodeInfo map. Readers take a snapshot
// (a copied slice or single value) and release the lock before doing
// anything else with it; writers hold the lock only for the read-modify-write
// region of a single mutation. No network I/O happens while the lock is
// held.
type Table struct {
	mu    sync.RWMutex
	nodes map[string]NodeInfo

	// now is overridable in tests for deterministic staleness checks.
	now func() time.Time
}

// NewTable constructs an empty node table.
func NewTable() *Table {
	return &Table{
		nodes: make(map[string]NodeInfo),
		now:   time.Now,
	}
}

func (t *Table) nowUnix() int64 {
	return t.now().Unix()
}

// Get returns a copy of the entry for id, if present.
func (t *Table) Get(id string) (NodeInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// Snapshot returns a copy of every current entry. Safe to range over
// without holding any lock.
func (t *Table) Snapshot() []NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]NodeInfo, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	return out
}

// Count returns the number of entries currently in the table.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Register inserts or overwrites node by id, stamping it active with
// last_seen=now and no offline_since, and evicts any existing entry with
// the same (machine, port) but a different id — a reappearing id is an
// authoritative statement that the prior occupant of that endpoint is
// gone. It returns the evicted entries so the caller can publish
// node_removed for each outside the lock.
func (t *Table) Register(node NodeInfo) (evicted []NodeInfo) {
	now := t.nowUnix()
	node.Status = StatusActive
	node.OfflineSince = nil
	node.LastSeen = &now

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, existing := range t.nodes {
		if id != node.ID && existing.sameEndpoint(node) {
			evicted = append(evicted, existing)
			delete(t.nodes, id)
		}
	}
	t.nodes[node.ID] = node
	return evicted
}

// Deregister removes id unconditionally. Returns the removed entry and
// whether anything was removed.
func (t *Table) Deregister(id string) (NodeInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if ok {
		delete(t.nodes, id)
	}
	return n, ok
}

// MarkOffline transitions id to offline with offline_since=now, if present.
// Returns false if no such node is bound (already removed, e.g. by a
// concurrent deregister or janitor sweep).
func (t *Table) MarkOffline(id string) bool {
	now := t.nowUnix()
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return false
	}
	n.Status = StatusOffline
	n.OfflineSince = &now
	t.nodes[id] = n
	return true
}

// Touch refreshes last_seen for id, if present. Used on heartbeat pings.
func (t *Table) Touch(id string) bool {
	now := t.nowUnix()
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return false
	}
	n.LastSeen = &now
	t.nodes[id] = n
	return true
}

// RemoveIf removes id only if pred still holds for the current entry,
// re-fetched under the write lock. This is the TOCTOU-safe primitive the
// janitor uses: a node may have re-registered between a snapshot read and
// the write-lock re-check, and pred sees that fresh state.
func (t *Table) RemoveIf(id string, pred func(NodeInfo) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok || !pred(n) {
		return false
	}
	delete(t.nodes, id)
	return true
}

// Now exposes the table's clock so collaborators (janitor, RPC dispatcher)
// share one notion of "now" — useful for deterministic tests that inject a
// fixed clock via SetClock.
func (t *Table) Now() time.Time {
	return t.now()
}

// SetClock overrides the table's time source. Test-only.
func (t *Table) SetClock(fn func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = fn
}
