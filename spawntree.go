package vega

import (
	"slices"
	"sync"
	"time"
)

// SpawnTreeNode represents a node in an agent spawn tree.
type SpawnTreeNode struct {
	AgentID    string           `json:"agent_id"`
	ParentID   string           `json:"parent_id,omitempty"`
	Terminated bool             `json:"terminated,omitempty"`
	SpawnedAt  time.Time        `json:"spawned_at"`
	Children   []*SpawnTreeNode `json:"children,omitempty"`
}

// Link is a parent/child edge that has become resolvable.
type Link struct {
	ParentID string
	ChildID  string
}

type treeNode struct {
	parentID   string
	children   map[string]struct{}
	terminated bool
	spawnedAt  time.Time
}

// SpawnTree reconstructs parent/child structure from spawn notices that
// may arrive in any order. A child whose parent has not been seen yet is
// parked in a pending table keyed by the parent id and attached when the
// parent arrives, so the final structure does not depend on arrival order.
type SpawnTree struct {
	mu      sync.RWMutex
	nodes   map[string]*treeNode
	pending map[string][]string // parent id -> children waiting for it
}

// NewSpawnTree creates an empty tree.
func NewSpawnTree() *SpawnTree {
	return &SpawnTree{
		nodes:   make(map[string]*treeNode),
		pending: make(map[string][]string),
	}
}

// Add records agentID as a child of parentID (empty for a root) and
// returns every link that became resolvable because of it.
// Adding a known agent again is a no-op.
func (t *SpawnTree) Add(agentID, parentID string) []Link {
	return t.AddAt(agentID, parentID, time.Time{})
}

// AddAt is Add with an explicit spawn time.
func (t *SpawnTree) AddAt(agentID, parentID string, at time.Time) []Link {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[agentID]; ok {
		return nil
	}
	node := &treeNode{parentID: parentID, children: make(map[string]struct{}), spawnedAt: at}
	t.nodes[agentID] = node

	var links []Link
	if parentID != "" {
		if parent, ok := t.nodes[parentID]; ok {
			parent.children[agentID] = struct{}{}
			links = append(links, Link{ParentID: parentID, ChildID: agentID})
		} else {
			t.pending[parentID] = append(t.pending[parentID], agentID)
		}
	}

	if waiting, ok := t.pending[agentID]; ok {
		delete(t.pending, agentID)
		for _, child := range waiting {
			if _, alive := t.nodes[child]; !alive {
				continue
			}
			node.children[child] = struct{}{}
			links = append(links, Link{ParentID: agentID, ChildID: child})
		}
	}
	return links
}

// MarkTerminated flags an agent as no longer live. Its node stays in the
// tree for post-mortem inspection.
func (t *SpawnTree) MarkTerminated(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[agentID]; ok {
		n.terminated = true
	}
}

// Remove deletes an agent. Its children become orphans waiting for a
// parent with the same id.
func (t *SpawnTree) Remove(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[agentID]
	if !ok {
		t.dropPendingLocked(agentID)
		return
	}
	delete(t.nodes, agentID)
	if parent, ok := t.nodes[node.parentID]; ok {
		delete(parent.children, agentID)
	}
	t.dropPendingLocked(agentID)
	for child := range node.children {
		t.pending[agentID] = append(t.pending[agentID], child)
	}
	slices.Sort(t.pending[agentID])
	if len(t.pending[agentID]) == 0 {
		delete(t.pending, agentID)
	}
}

func (t *SpawnTree) dropPendingLocked(agentID string) {
	for parent, waiting := range t.pending {
		idx := slices.Index(waiting, agentID)
		if idx < 0 {
			continue
		}
		waiting = slices.Delete(waiting, idx, idx+1)
		if len(waiting) == 0 {
			delete(t.pending, parent)
		} else {
			t.pending[parent] = waiting
		}
	}
}

// Has reports whether agentID is known.
func (t *SpawnTree) Has(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.nodes[agentID]
	return ok
}

// Parent returns the parent of agentID.
func (t *SpawnTree) Parent(agentID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[agentID]
	if !ok {
		return "", false
	}
	return n.parentID, true
}

// Children returns the attached children of agentID, sorted.
func (t *SpawnTree) Children(agentID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[agentID]
	if !ok {
		return nil
	}
	return sortedKeys(n.children)
}

// Descendants returns every attached descendant of agentID, deepest first.
func (t *SpawnTree) Descendants(agentID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var levels [][]string
	frontier := []string{agentID}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			if n, ok := t.nodes[id]; ok {
				next = append(next, sortedKeys(n.children)...)
			}
		}
		if len(next) > 0 {
			levels = append(levels, next)
		}
		frontier = next
	}
	var out []string
	for i := len(levels) - 1; i >= 0; i-- {
		out = append(out, levels[i]...)
	}
	return out
}

// Roots returns agents with no parent, sorted.
func (t *SpawnTree) Roots() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var roots []string
	for id, n := range t.nodes {
		if n.parentID == "" {
			roots = append(roots, id)
		}
	}
	slices.Sort(roots)
	return roots
}

// Orphans returns agents whose parent has not been seen, sorted.
func (t *SpawnTree) Orphans() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for _, waiting := range t.pending {
		out = append(out, waiting...)
	}
	slices.Sort(out)
	return out
}

// Structure returns agent id -> sorted children for every known agent.
func (t *SpawnTree) Structure() map[string][]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]string, len(t.nodes))
	for id, n := range t.nodes {
		out[id] = sortedKeys(n.children)
	}
	return out
}

// Tree returns the hierarchical view. Orphans are returned as top-level
// nodes so nothing is hidden while their parent is still missing.
func (t *SpawnTree) Tree() []*SpawnTreeNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var build func(id string) *SpawnTreeNode
	build = func(id string) *SpawnTreeNode {
		n := t.nodes[id]
		node := &SpawnTreeNode{
			AgentID:    id,
			ParentID:   n.parentID,
			Terminated: n.terminated,
			SpawnedAt:  n.spawnedAt,
		}
		for _, child := range sortedKeys(n.children) {
			node.Children = append(node.Children, build(child))
		}
		return node
	}

	var tops []string
	for id, n := range t.nodes {
		if n.parentID == "" {
			tops = append(tops, id)
			continue
		}
		if _, ok := t.nodes[n.parentID]; !ok {
			tops = append(tops, id)
		}
	}
	slices.Sort(tops)

	roots := make([]*SpawnTreeNode, 0, len(tops))
	for _, id := range tops {
		roots = append(roots, build(id))
	}
	return roots
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
