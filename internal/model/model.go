// Package model implements the container tree (model, spaces, cells,
// references), the namespace resolver, the evaluation engine, the
// inheritance resolver, and the dynamic space factory.
//
// These live in one package because they are mutually recursive: evaluating
// a cells resolves names through its owning space, spaces own the caches the
// engine fills, and derivation rebuilds both. The value cache itself and the
// formula abstraction are kept in their own packages (internal/graph,
// internal/formula) behind explicit contracts.
//
// A model is single-threaded by contract: structural mutation must not
// overlap an in-flight evaluation of the affected subtree. Every mutation
// performs its cache-invalidation side effects synchronously before
// returning, so no stale cached value is observable after a mutation
// returns.
package model

import (
	"context"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/modelgrid/internal/argkey"
	"github.com/vk/modelgrid/internal/ctxlog"
	"github.com/vk/modelgrid/internal/graph"
)

// nsViewCacheSize bounds the memo of compiled namespace views. Eviction only
// forces a rebuild on next use, never staleness: entries are keyed by the
// model's structure generation.
const nsViewCacheSize = 256

type nsViewKey struct {
	space graph.OwnerID
	gen   uint64
}

// Model is the top-level owner of a forest of spaces and of global
// references. Multiple models are fully independent; nothing in the engine
// is process-global.
type Model struct {
	name   string
	graph  *graph.Graph
	engine *Engine

	spaces map[string]*Space
	refs   map[string]*Ref

	owners map[graph.OwnerID]any // *Cells, *Ref or *Space per allocated id
	nextID graph.OwnerID

	autoRecalc bool
	generation uint64
	nsViews    *lru.Cache[nsViewKey, *hcl.EvalContext]
	closed     bool
}

// New creates an empty model.
func New(name string) *Model {
	views, err := lru.New[nsViewKey, *hcl.EvalContext](nsViewCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	m := &Model{
		name:    name,
		graph:   graph.New(),
		spaces:  make(map[string]*Space),
		refs:    make(map[string]*Ref),
		owners:  make(map[graph.OwnerID]any),
		nsViews: views,
	}
	m.engine = newEngine(m)
	return m
}

// Name returns the model's name.
func (m *Model) Name() string { return m.name }

// Engine exposes the evaluation engine, mainly to adjust its depth limit.
func (m *Model) Engine() *Engine { return m.engine }

// SetAutoRecalc toggles eager recomputation of calculated values cleared by
// an input change. When disabled (the default), cleared dependents simply
// become absent until next demand.
func (m *Model) SetAutoRecalc(on bool) { m.autoRecalc = on }

// Close releases the model: all spaces are dropped and every cached value is
// cleared. Using the model afterwards is an error.
func (m *Model) Close() {
	m.graph.Reset()
	m.spaces = make(map[string]*Space)
	m.refs = make(map[string]*Ref)
	m.owners = make(map[graph.OwnerID]any)
	m.closed = true
	m.mutated()
}

// NewSpace creates a top-level space.
func (m *Model) NewSpace(ctx context.Context, name string) (*Space, error) {
	if err := m.checkOpen("new space"); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, &StructureError{Op: "new space", Detail: err.Error()}
	}
	if _, exists := m.spaces[name]; exists {
		return nil, &StructureError{Op: "new space", Detail: fmt.Sprintf("space %q already exists in model %s", name, m.name)}
	}
	s := m.newSpaceRecord(name, nil)
	m.spaces[name] = s
	m.mutated()
	ctxlog.FromContext(ctx).Debug("space created", "space", s.Path())
	return s, nil
}

// Space returns a top-level space by name.
func (m *Model) Space(name string) (*Space, bool) {
	s, ok := m.spaces[name]
	return s, ok
}

// Spaces enumerates the top-level spaces sorted by name.
func (m *Model) Spaces() []*Space {
	return sortedSpaces(m.spaces)
}

// SetRef binds a model-global reference, visible from every space at the
// lowest priority above built-ins. Reassigning an existing name invalidates
// precisely the nodes that recorded the binding as a precedent, plus,
// conservatively, every node whose formula mentions the name.
func (m *Model) SetRef(ctx context.Context, name string, value cty.Value) error {
	if err := m.checkOpen("set ref"); err != nil {
		return err
	}
	if err := validName(name); err != nil {
		return &StructureError{Op: "set ref", Detail: err.Error()}
	}
	logger := ctxlog.FromContext(ctx)
	if r, ok := m.refs[name]; ok {
		r.value = value
		cleared := m.graph.SetInput(r.nodeKey(), nil, value)
		m.invalidateName(name)
		m.mutated()
		logger.Debug("model ref reassigned", "ref", name, "cleared", len(cleared))
		return m.maybeRecalc(ctx, cleared)
	}
	r := &Ref{model: m, id: m.alloc(), name: name, value: value, mode: RefAbsolute}
	m.owners[r.id] = r
	m.refs[name] = r
	m.invalidateName(name)
	m.mutated()
	logger.Debug("model ref defined", "ref", name)
	return nil
}

// Ref returns a model-global reference value.
func (m *Model) Ref(name string) (cty.Value, bool) {
	if r, ok := m.refs[name]; ok {
		return r.value, true
	}
	return cty.NilVal, false
}

// Refs enumerates the model-global references sorted by name.
func (m *Model) Refs() []*Ref {
	names := make([]string, 0, len(m.refs))
	for n := range m.refs {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Ref, len(names))
	for i, n := range names {
		out[i] = m.refs[n]
	}
	return out
}

// RemoveRef deletes a model-global reference.
func (m *Model) RemoveRef(ctx context.Context, name string) error {
	r, ok := m.refs[name]
	if !ok {
		return &StructureError{Op: "remove ref", Detail: fmt.Sprintf("no model ref %q", name)}
	}
	m.graph.Clear(r.nodeKey(), true)
	delete(m.refs, name)
	delete(m.owners, r.id)
	m.invalidateName(name)
	m.mutated()
	ctxlog.FromContext(ctx).Debug("model ref removed", "ref", name)
	return nil
}

// ClearAll drops every cached value in the model, inputs included.
func (m *Model) ClearAll() {
	m.graph.Reset()
}

func (m *Model) checkOpen(op string) error {
	if m.closed {
		return &StructureError{Op: op, Detail: "model is closed"}
	}
	return nil
}

func (m *Model) alloc() graph.OwnerID {
	m.nextID++
	return m.nextID
}

// mutated bumps the structure generation, retiring all cached namespace
// views at once.
func (m *Model) mutated() {
	m.generation++
}

func (m *Model) newSpaceRecord(name string, parent *Space) *Space {
	s := &Space{
		model:  m,
		id:     m.alloc(),
		name:   name,
		parent: parent,
		cells:  make(map[string]*Cells),
		spaces: make(map[string]*Space),
		refs:   make(map[string]*Ref),
		subs:   make(map[graph.OwnerID]*Space),
		items:  make(map[argkey.Key]*Space),
	}
	s.mro = []*Space{s}
	m.owners[s.id] = s
	return s
}

// invalidateName conservatively clears the calculated values of every cells
// whose formula's free-name set textually includes name, regardless of
// whether the last execution actually read it. Deep references accessed by
// attribute traversal are not handled here; those are invalidated precisely
// through their recorded precedent edges.
func (m *Model) invalidateName(name string) {
	m.walkCells(func(c *Cells) {
		if c.formula == nil {
			return
		}
		for _, n := range c.formula.FreeNames() {
			if n == name {
				m.graph.ClearOwnerCalculated(c.id)
				return
			}
		}
	})
}

// walkCells visits every cells in the model, item-space copies included.
func (m *Model) walkCells(fn func(*Cells)) {
	var walk func(s *Space)
	walk = func(s *Space) {
		for _, c := range s.cells {
			fn(c)
		}
		for _, child := range s.spaces {
			walk(child)
		}
		for _, item := range s.items {
			walk(item)
		}
	}
	for _, s := range m.spaces {
		walk(s)
	}
}

// maybeRecalc eagerly recomputes cleared calculated cells values when
// recalculation mode is on.
func (m *Model) maybeRecalc(ctx context.Context, cleared []graph.Cleared) error {
	if !m.autoRecalc {
		return nil
	}
	for _, cl := range cleared {
		c, ok := m.owners[cl.Key.Owner].(*Cells)
		if !ok {
			continue // item-space nodes rebuild on demand
		}
		if _, err := c.Call(ctx, cl.Args...); err != nil {
			return fmt.Errorf("recalculating %s: %w", c.Path(), err)
		}
	}
	return nil
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	for i, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			continue
		}
		if i > 0 && r >= '0' && r <= '9' {
			continue
		}
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}
