// Package graph is the per-model value cache and dependency graph.
//
// The unit of caching is the Node: a cache owner (a cells instance, a
// reference binding, or a parameterized space) paired with a canonical
// argument key. Nodes hold a value tagged as input or calculated, plus the
// adjacency bookkeeping of which nodes were read while computing each
// calculated value (precedents) and which nodes read this one (dependents).
//
// Edges exist only while the node that recorded them stays calculated:
// clearing a value first propagates to all transitive calculated dependents,
// then drops the node's outgoing precedent edges, so no stale value is ever
// observable and no edge is ever left dangling.
package graph

import (
	"sort"
	"sync"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/modelgrid/internal/argkey"
)

// OwnerID identifies a cache owner. IDs are allocated by the container model
// and are stable for the owner's lifetime.
type OwnerID int64

// NodeKey is the stable identity of a node: owner plus canonical arguments.
type NodeKey struct {
	Owner OwnerID
	Args  argkey.Key
}

// State tags what kind of value a node holds.
type State uint8

const (
	// StateEmpty means the node holds no value.
	StateEmpty State = iota
	// StateInput means the value was assigned directly and is never cleared
	// by dependency propagation.
	StateInput
	// StateCalculated means the value was produced by a formula run and is
	// cleared whenever any transitive precedent changes.
	StateCalculated
)

// node is unexported; all interaction goes through the Graph API so that
// edge bookkeeping can never be bypassed.
type node struct {
	key        NodeKey
	args       []cty.Value
	state      State
	value      cty.Value
	precedents map[NodeKey]*node
	dependents map[NodeKey]*node
}

// Cleared describes a node whose calculated value was dropped by an
// invalidation, so callers can recompute eagerly if they choose to.
type Cleared struct {
	Key  NodeKey
	Args []cty.Value
}

// Entry is one (args, value) pair of an owner, used for enumeration and
// persistence.
type Entry struct {
	Key   NodeKey
	Args  []cty.Value
	State State
	Value cty.Value
}

// Graph holds every node of one model. All operations are concurrency-safe.
type Graph struct {
	mu      sync.RWMutex
	nodes   map[NodeKey]*node
	byOwner map[OwnerID]map[argkey.Key]*node
}

// New returns an initialized, empty graph.
func New() *Graph {
	return &Graph{
		nodes:   make(map[NodeKey]*node),
		byOwner: make(map[OwnerID]map[argkey.Key]*node),
	}
}

// Lookup returns the value and state stored for key, if any.
func (g *Graph) Lookup(key NodeKey) (cty.Value, State, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[key]
	if !ok {
		return cty.NilVal, StateEmpty, false
	}
	return n.value, n.state, true
}

// Exists reports whether a node currently holds a value for key.
func (g *Graph) Exists(key NodeKey) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[key]
	return ok
}

// SetCalculated stores a freshly calculated value along with the precedent
// set recorded during its computation. The edge is stored on both sides. If
// a precedent vanished between being read and this store, the value built
// from it is already stale and is dropped instead of cached.
func (g *Graph) SetCalculated(key NodeKey, args []cty.Value, v cty.Value, precedents []NodeKey) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.ensure(key, args)
	n.state = StateCalculated
	n.value = v
	for _, pk := range precedents {
		p, ok := g.nodes[pk]
		if !ok {
			g.removeNode(n, nil)
			return
		}
		n.precedents[pk] = p
		p.dependents[key] = n
	}
}

// SetInput assigns an input value. Any previous value at the node, input or
// calculated, is cleared first, along with all transitive calculated
// dependents; the cleared calculated nodes are returned for optional eager
// recomputation.
func (g *Graph) SetInput(key NodeKey, args []cty.Value, v cty.Value) []Cleared {
	g.mu.Lock()
	defer g.mu.Unlock()

	var cleared []Cleared
	if n, ok := g.nodes[key]; ok {
		g.removeNode(n, &cleared)
	}
	n := g.ensure(key, args)
	n.state = StateInput
	n.value = v
	return cleared
}

// EnsureInput registers an input node only if no node exists for key yet.
// Used to anchor reference bindings in the graph on first read without
// disturbing any value already stored.
func (g *Graph) EnsureInput(key NodeKey, v cty.Value) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[key]; ok {
		return
	}
	n := g.ensure(key, nil)
	n.state = StateInput
	n.value = v
}

// Clear removes the node's value. With recursive set, all transitive
// calculated dependents are cleared too; input dependents are never touched
// by propagation.
func (g *Graph) Clear(key NodeKey, recursive bool) []Cleared {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[key]
	if !ok {
		return nil
	}
	var cleared []Cleared
	if recursive {
		g.removeNode(n, &cleared)
	} else {
		g.detach(n, &cleared)
	}
	return cleared
}

// ClearOwner removes every node of an owner, inputs included.
func (g *Graph) ClearOwner(owner OwnerID) []Cleared {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clearOwnerLocked(owner, false)
}

// ClearOwnerCalculated removes only the calculated nodes of an owner (and
// their transitive calculated dependents), preserving input values. This is
// the primitive behind conservative by-name invalidation.
func (g *Graph) ClearOwnerCalculated(owner OwnerID) []Cleared {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clearOwnerLocked(owner, true)
}

func (g *Graph) clearOwnerLocked(owner OwnerID, calculatedOnly bool) []Cleared {
	var cleared []Cleared
	byArgs := g.byOwner[owner]
	keys := make([]argkey.Key, 0, len(byArgs))
	for k := range byArgs {
		keys = append(keys, k)
	}
	for _, k := range keys {
		n, ok := byArgs[k]
		if !ok {
			continue // already removed by an earlier propagation
		}
		if calculatedOnly && n.state != StateCalculated {
			continue
		}
		g.removeNode(n, &cleared)
	}
	return cleared
}

// Reset drops every node in the graph.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[NodeKey]*node)
	g.byOwner = make(map[OwnerID]map[argkey.Key]*node)
}

// Precedents returns the recorded precedent keys of a node, sorted for
// deterministic output.
func (g *Graph) Precedents(key NodeKey) []NodeKey {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[key]
	if !ok {
		return nil
	}
	return sortedKeys(n.precedents)
}

// Dependents returns the recorded dependent keys of a node, sorted for
// deterministic output.
func (g *Graph) Dependents(key NodeKey) []NodeKey {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[key]
	if !ok {
		return nil
	}
	return sortedKeys(n.dependents)
}

// OwnerEntries enumerates the stored (args, value) pairs of an owner, sorted
// by canonical argument key.
func (g *Graph) OwnerEntries(owner OwnerID) []Entry {
	g.mu.RLock()
	defer g.mu.RUnlock()

	byArgs := g.byOwner[owner]
	entries := make([]Entry, 0, len(byArgs))
	for _, n := range byArgs {
		entries = append(entries, Entry{Key: n.key, Args: n.args, State: n.state, Value: n.value})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key.Args < entries[j].Key.Args })
	return entries
}

// ensure returns the node for key, creating an empty record if absent.
func (g *Graph) ensure(key NodeKey, args []cty.Value) *node {
	if n, ok := g.nodes[key]; ok {
		return n
	}
	n := &node{
		key:        key,
		args:       args,
		precedents: make(map[NodeKey]*node),
		dependents: make(map[NodeKey]*node),
	}
	g.nodes[key] = n
	byArgs, ok := g.byOwner[key.Owner]
	if !ok {
		byArgs = make(map[argkey.Key]*node)
		g.byOwner[key.Owner] = byArgs
	}
	byArgs[key.Args] = n
	return n
}

// removeNode clears a node and all of its transitive calculated dependents,
// depth-first, dependents before self, so that a dependent's edges are
// dropped only after the dependent itself is gone.
func (g *Graph) removeNode(n *node, cleared *[]Cleared) {
	deps := make([]*node, 0, len(n.dependents))
	for _, d := range n.dependents {
		deps = append(deps, d)
	}
	for _, d := range deps {
		// A diamond-shaped dependency may have removed d through another
		// path already.
		if cur, ok := g.nodes[d.key]; !ok || cur != d {
			continue
		}
		if d.state == StateCalculated {
			g.removeNode(d, cleared)
		}
	}
	g.detach(n, cleared)
}

// detach removes a single node record and its outgoing precedent edges.
func (g *Graph) detach(n *node, cleared *[]Cleared) {
	for _, p := range n.precedents {
		delete(p.dependents, n.key)
	}
	if n.state == StateCalculated && cleared != nil {
		*cleared = append(*cleared, Cleared{Key: n.key, Args: n.args})
	}
	delete(g.nodes, n.key)
	if byArgs, ok := g.byOwner[n.key.Owner]; ok {
		delete(byArgs, n.key.Args)
		if len(byArgs) == 0 {
			delete(g.byOwner, n.key.Owner)
		}
	}
}

func sortedKeys(m map[NodeKey]*node) []NodeKey {
	keys := make([]NodeKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Owner != keys[j].Owner {
			return keys[i].Owner < keys[j].Owner
		}
		return keys[i].Args < keys[j].Args
	})
	return keys
}
