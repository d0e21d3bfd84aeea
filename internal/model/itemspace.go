package model

import (
	"context"
	"fmt"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/modelgrid/internal/argkey"
	"github.com/vk/modelgrid/internal/ctxlog"
	"github.com/vk/modelgrid/internal/formula"
	"github.com/vk/modelgrid/internal/graph"
)

// SetFormula makes the space parameterized (or, with nil, reverts it to the
// formula inherited from its bases). All existing item spaces are evicted.
func (s *Space) SetFormula(ctx context.Context, f formula.Formula) error {
	if err := s.checkEditable("set space formula"); err != nil {
		return err
	}
	s.formula = f
	s.formulaSelf = f != nil
	if f == nil {
		s.deriveFormula(s.mro)
	}
	s.evictItems()
	s.model.mutated()
	ctxlog.FromContext(ctx).Debug("space formula set", "space", s.Path(), "parameterized", s.formula != nil)
	return s.rederiveSubs(ctx)
}

// Formula returns the space's formula, inherited or self-defined, or nil for
// a plain space.
func (s *Space) Formula() formula.Formula { return s.formula }

// DefinesFormula reports whether the space formula was set on this space
// rather than inherited.
func (s *Space) DefinesFormula() bool { return s.formulaSelf }

// Parameters returns the declared parameters of a parameterized space.
func (s *Space) Parameters() []argkey.Param {
	if s.formula == nil {
		return nil
	}
	return s.formula.Parameters()
}

// ItemOf returns the parameterized space this item space was built from.
func (s *Space) ItemOf() *Space { return s.itemOf }

// ItemArgs returns the canonical argument tuple an item space was built for.
func (s *Space) ItemArgs() []cty.Value {
	return append([]cty.Value(nil), s.itemArgs...)
}

// Items enumerates the currently materialized item spaces by canonical key.
func (s *Space) Items() map[argkey.Key]*Space {
	out := make(map[argkey.Key]*Space, len(s.items))
	for k, v := range s.items {
		out[k] = v
	}
	return out
}

// Call materializes the item space for the given arguments, reusing the
// existing one when its backing node is still valid.
func (s *Space) Call(ctx context.Context, args ...cty.Value) (*Space, error) {
	return s.model.engine.instantiate(ctx, s, args, nil)
}

// CallNamed materializes an item space from keyword arguments.
func (s *Space) CallNamed(ctx context.Context, kwargs map[string]cty.Value) (*Space, error) {
	return s.model.engine.instantiate(ctx, s, nil, kwargs)
}

// evictItems tears down every item space built from this space, with the
// graph nodes that anchored them.
func (s *Space) evictItems() {
	if len(s.items) == 0 {
		return
	}
	for key, item := range s.items {
		s.dropSpace(item)
		s.model.graph.Clear(graph.NodeKey{Owner: s.id, Args: key}, true)
		delete(s.items, key)
	}
}

// validateItems checks that every materialized item still has its backing
// node. A missing node means an input change or clear reached something the
// items were built from, and the whole set is rebuilt lazily on demand.
func (s *Space) validateItems() {
	for key := range s.items {
		if !s.model.graph.Exists(graph.NodeKey{Owner: s.id, Args: key}) {
			s.evictItems()
			return
		}
	}
}

// instantiate returns the item space of sp for the given arguments, building
// it on first use. The build runs sp's formula like a cells formula: the
// values it reads become precedents of the item's backing node, so input
// changes upstream evict the item the same way they clear a cached value.
func (e *Engine) instantiate(ctx context.Context, sp *Space, pos []cty.Value, kw map[string]cty.Value) (*Space, error) {
	if err := e.model.checkOpen("call space"); err != nil {
		return nil, err
	}
	if sp.formula == nil {
		return nil, &StructureError{Op: "call space", Detail: fmt.Sprintf("%s is not parameterized", sp.Path())}
	}
	full, key, err := argkey.Canonicalize(sp.formula.Parameters(), pos, kw)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", sp.Path(), err)
	}
	nk := graph.NodeKey{Owner: sp.id, Args: key}

	sp.validateItems()
	if item, ok := sp.items[key]; ok {
		e.record(nk)
		return item, nil
	}

	if _, running := e.active[nk]; running {
		fr := &frame{space: sp, args: full, key: nk, keyed: true}
		return nil, &CircularError{Stack: e.snapshot(fr)}
	}

	fr := &frame{space: sp, args: full, key: nk, keyed: true}
	override, err := e.run(ctx, fr)
	if err != nil {
		return nil, err
	}

	item, err := buildItem(sp, full, key, override)
	if err != nil {
		return nil, err
	}

	// The node carries no meaningful value; it exists so the item is wired
	// into invalidation like any calculated entry.
	e.model.graph.SetCalculated(nk, full, cty.True, fr.precs)
	e.record(nk)
	sp.items[key] = item
	ctxlog.FromContext(ctx).Debug("item space built", "space", sp.Path(), "args", string(key))
	return item, nil
}

// buildItem deep-copies the parameterized space into a read-only item tree.
// Parameters become name bindings visible to every formula in the tree, and
// attributes of the formula's returned object become value references
// shadowing the copied ones.
func buildItem(sp *Space, full []cty.Value, key argkey.Key, override cty.Value) (*Space, error) {
	m := sp.model
	item := m.newSpaceRecord(sp.name+string(key), sp.parent)
	item.itemOf = sp
	item.itemArgs = append([]cty.Value(nil), full...)
	item.readonly = true

	item.dyn = make(map[string]cty.Value, len(full))
	for i, p := range sp.formula.Parameters() {
		item.dyn[p.Name] = full[i]
	}

	if err := copyItemMembers(sp, item); err != nil {
		sp.dropSpace(item)
		return nil, err
	}

	if override.Type() != cty.NilType && !override.IsNull() {
		if !override.Type().IsObjectType() && !override.Type().IsMapType() {
			sp.dropSpace(item)
			return nil, &StructureError{
				Op:     "call space",
				Detail: fmt.Sprintf("%s formula must return an object of overrides or null, got %s", sp.Path(), override.Type().FriendlyName()),
			}
		}
		for it := override.ElementIterator(); it.Next(); {
			k, v := it.Element()
			name := k.AsString()
			if old, ok := item.refs[name]; ok {
				item.dropRef(old)
			}
			r := &Ref{model: m, id: m.alloc(), name: name, space: item, value: v, mode: RefAbsolute}
			m.owners[r.id] = r
			item.refs[name] = r
		}
	}
	return item, nil
}

// copyItemMembers mirrors cells, references and child spaces of src into dst.
// References are rebound per their mode, relative to the copied tree.
func copyItemMembers(src, dst *Space) error {
	m := src.model
	for name, c := range src.cells {
		cp := &Cells{
			model:   m,
			id:      m.alloc(),
			name:    name,
			space:   dst,
			formula: c.formula,
			cached:  c.cached,
			derived: true,
			origin:  c,
		}
		m.owners[cp.id] = cp
		dst.cells[name] = cp
	}
	for name, r := range src.refs {
		value, target, err := resolveRefBinding(r, dst)
		if err != nil {
			return err
		}
		cp := &Ref{
			model:   m,
			id:      m.alloc(),
			name:    name,
			space:   dst,
			value:   value,
			target:  target,
			mode:    r.mode,
			derived: true,
			origin:  r,
		}
		m.owners[cp.id] = cp
		dst.refs[name] = cp
	}
	for name, child := range src.spaces {
		cp := m.newSpaceRecord(name, dst)
		cp.readonly = true
		cp.formula = child.formula
		cp.formulaSelf = child.formulaSelf
		dst.spaces[name] = cp
		if err := copyItemMembers(child, cp); err != nil {
			return err
		}
	}
	return nil
}
