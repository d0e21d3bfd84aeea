package model

import (
	"context"
	"fmt"
	"sort"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/modelgrid/internal/ctxlog"
	"github.com/vk/modelgrid/internal/formula"
	"github.com/vk/modelgrid/internal/linearize"
)

// SetBases assigns the space's base spaces and rebuilds its derived members.
// On failure the previous bases are restored and re-derived, so the caller
// observes either the full new derivation or the prior structure.
func (s *Space) SetBases(ctx context.Context, bases ...*Space) error {
	if err := s.checkEditable("set bases"); err != nil {
		return err
	}
	seen := make(map[*Space]bool, len(bases))
	for _, b := range bases {
		if err := s.checkBase(b); err != nil {
			return err
		}
		if seen[b] {
			return &StructureError{Op: "set bases", Detail: fmt.Sprintf("duplicate base %s", b.Path())}
		}
		seen[b] = true
	}

	old := s.bases
	for _, b := range old {
		delete(b.subs, s.id)
	}
	s.bases = append([]*Space(nil), bases...)
	if err := s.derive(ctx); err != nil {
		s.bases = old
		for _, b := range old {
			b.subs[s.id] = s
		}
		// The old configuration linearized before, so this cannot fail.
		_ = s.derive(ctx)
		return err
	}
	for _, b := range s.bases {
		b.subs[s.id] = s
	}

	s.model.mutated()
	for cur := s; cur != nil; cur = cur.parent {
		cur.evictItems()
	}
	ctxlog.FromContext(ctx).Debug("bases assigned", "space", s.Path(), "bases", len(bases))
	return s.rederiveSubs(ctx)
}

// AddBase appends one base space.
func (s *Space) AddBase(ctx context.Context, b *Space) error {
	return s.SetBases(ctx, append(s.Bases(), b)...)
}

// RemoveBase removes one base space.
func (s *Space) RemoveBase(ctx context.Context, b *Space) error {
	kept := make([]*Space, 0, len(s.bases))
	for _, cur := range s.bases {
		if cur != b {
			kept = append(kept, cur)
		}
	}
	if len(kept) == len(s.bases) {
		return &StructureError{Op: "remove base", Detail: fmt.Sprintf("%s is not a base of %s", b.Path(), s.Path())}
	}
	return s.SetBases(ctx, kept...)
}

func (s *Space) checkBase(b *Space) error {
	switch {
	case b == nil:
		return &StructureError{Op: "set bases", Detail: "base must not be nil"}
	case b == s:
		return &StructureError{Op: "set bases", Detail: fmt.Sprintf("%s cannot be its own base", s.Path())}
	case b.model != s.model:
		return &StructureError{Op: "set bases", Detail: fmt.Sprintf("base %s belongs to another model", b.Path())}
	case s.isAscendantOf(b):
		return &StructureError{Op: "set bases", Detail: fmt.Sprintf("base %s is a descendant of %s", b.Path(), s.Path())}
	case b.isAscendantOf(s):
		return &StructureError{Op: "set bases", Detail: fmt.Sprintf("base %s is an ascendant of %s", b.Path(), s.Path())}
	case b.inItemTree():
		return &StructureError{Op: "set bases", Detail: fmt.Sprintf("base %s belongs to a dynamic item space", b.Path())}
	}
	return nil
}

// derive rebuilds the space's derived members from its linearized precedence
// order. Self-defined members always shadow inherited ones; a derived member
// whose source is unchanged keeps its identity and its cached values.
func (s *Space) derive(ctx context.Context) error {
	mro, err := linearize.Linearize(s, func(sp *Space) []*Space { return sp.effectiveBases() })
	if err != nil {
		return &HierarchyError{Space: s.Path(), Err: err}
	}
	s.mro = mro

	// First definer along the precedence order wins. Child spaces collect
	// every definer, in order, to become the derived child's bases.
	cellSrc := make(map[string]*Cells)
	refSrc := make(map[string]*Ref)
	childSrc := make(map[string][]*Space)
	for _, b := range mro[1:] {
		for name, c := range b.cells {
			if _, ok := cellSrc[name]; !ok {
				cellSrc[name] = c
			}
		}
		for name, r := range b.refs {
			if _, ok := refSrc[name]; !ok {
				refSrc[name] = r
			}
		}
		for name, child := range b.spaces {
			childSrc[name] = append(childSrc[name], child)
		}
	}

	s.deriveFormula(mro)
	s.deriveCells(cellSrc)
	if err := s.deriveChildren(ctx, childSrc); err != nil {
		return err
	}
	if err := s.deriveRefs(refSrc); err != nil {
		return err
	}
	return nil
}

// deriveFormula inherits the space formula from the nearest base that has
// one, unless this space defines its own.
func (s *Space) deriveFormula(mro []*Space) {
	if s.formulaSelf {
		return
	}
	var inherited formula.Formula
	for _, b := range mro[1:] {
		if b.formula != nil {
			inherited = b.formula
			break
		}
	}
	if s.formula != inherited {
		s.formula = inherited
		s.evictItems()
	}
}

func (s *Space) deriveCells(src map[string]*Cells) {
	for name, from := range src {
		old, exists := s.cells[name]
		if exists && !old.derived {
			continue // overridden here
		}
		if exists && old.origin == from {
			// Same source; refresh the formula in place so cached values
			// survive when it is unchanged.
			if old.formula != from.formula {
				old.formula = from.formula
				s.model.graph.ClearOwnerCalculated(old.id)
			}
			if old.cached != from.cached {
				old.cached = from.cached
				s.model.graph.ClearOwner(old.id)
			}
			continue
		}
		if exists {
			s.dropCells(old)
		}
		c := &Cells{
			model:   s.model,
			id:      s.model.alloc(),
			name:    name,
			space:   s,
			formula: from.formula,
			cached:  from.cached,
			derived: true,
			origin:  from,
		}
		s.model.owners[c.id] = c
		s.cells[name] = c
	}
	for name, c := range s.cells {
		if c.derived {
			if _, ok := src[name]; !ok {
				s.dropCells(c)
				delete(s.cells, name)
			}
		}
	}
}

func (s *Space) deriveChildren(ctx context.Context, src map[string][]*Space) error {
	for name, froms := range src {
		child, exists := s.spaces[name]
		switch {
		case exists && !child.derived:
			// A self-defined child under the same name inherits from the
			// base children implicitly, on top of its own bases.
			child.relinkImplicit(froms)
		case exists && child.origin == froms[0]:
			child.relinkImplicit(froms)
		default:
			if exists {
				s.dropSpace(child)
				delete(s.spaces, name)
			}
			child = s.model.newSpaceRecord(name, s)
			child.derived = true
			child.origin = froms[0]
			s.spaces[name] = child
			child.relinkImplicit(froms)
		}
		if err := child.derive(ctx); err != nil {
			return err
		}
	}
	for name, child := range s.spaces {
		if !child.derived {
			if _, ok := src[name]; !ok && len(child.implicitBases) > 0 {
				child.relinkImplicit(nil)
				if err := child.derive(ctx); err != nil {
					return err
				}
			}
			continue
		}
		if _, ok := src[name]; !ok {
			s.dropSpace(child)
			delete(s.spaces, name)
		}
	}
	return nil
}

func (s *Space) relinkImplicit(bases []*Space) {
	for _, b := range s.implicitBases {
		delete(b.subs, s.id)
	}
	s.implicitBases = append([]*Space(nil), bases...)
	for _, b := range s.implicitBases {
		b.subs[s.id] = s
	}
}

func (s *Space) deriveRefs(src map[string]*Ref) error {
	for name, from := range src {
		value, target, err := resolveRefBinding(from, s)
		if err != nil {
			return err
		}
		old, exists := s.refs[name]
		if exists && !old.derived {
			continue
		}
		if exists && old.origin == from {
			if old.target == target && (target != nil || old.value.RawEquals(value)) && old.mode == from.mode {
				continue
			}
			old.value = value
			old.target = target
			old.mode = from.mode
			s.model.graph.SetInput(old.nodeKey(), nil, value)
			continue
		}
		if exists {
			s.dropRef(old)
		}
		r := &Ref{
			model:   s.model,
			id:      s.model.alloc(),
			name:    name,
			space:   s,
			value:   value,
			target:  target,
			mode:    from.mode,
			derived: true,
			origin:  from,
		}
		s.model.owners[r.id] = r
		s.refs[name] = r
	}
	for name, r := range s.refs {
		if r.derived {
			if _, ok := src[name]; !ok {
				s.dropRef(r)
				delete(s.refs, name)
			}
		}
	}
	return nil
}

// resolveRefBinding computes the binding a derived copy of src should carry
// under dst, applying the reference mode. Relative retargeting walks up from
// the reference's owner until the original target lies inside the subtree,
// then replays the same member path under the corresponding ancestor of dst.
func resolveRefBinding(src *Ref, dst *Space) (cty.Value, any, error) {
	if src.target == nil {
		return src.value, nil, nil
	}
	if src.mode == RefAbsolute {
		return cty.NilVal, src.target, nil
	}
	base, derived := src.space, dst
	for base != nil && derived != nil {
		path, ok := relPathTo(base, src.target)
		if !ok {
			base, derived = base.parent, derived.parent
			continue
		}
		if obj, found := resolveRel(derived, path); found {
			return cty.NilVal, obj, nil
		}
		break
	}
	if src.mode == RefRelative {
		return cty.NilVal, nil, &RefModeError{
			Ref:    src.name,
			Space:  dst.Path(),
			Detail: "no structurally corresponding target",
		}
	}
	return cty.NilVal, src.target, nil
}

// rederiveSubs re-derives every space that inherits from this one, and
// transitively their own subs.
func (s *Space) rederiveSubs(ctx context.Context) error {
	for _, sub := range s.sortedSubs() {
		if err := sub.derive(ctx); err != nil {
			return err
		}
		sub.evictItems()
		if err := sub.rederiveSubs(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Space) sortedSubs() []*Space {
	out := make([]*Space, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
