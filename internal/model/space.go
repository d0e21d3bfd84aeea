package model

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/modelgrid/internal/argkey"
	"github.com/vk/modelgrid/internal/ctxlog"
	"github.com/vk/modelgrid/internal/formula"
	"github.com/vk/modelgrid/internal/graph"
)

// RefMode controls how a reference is rebound when its space is derived or
// instantiated.
type RefMode uint8

const (
	// RefAuto rebinds relatively when a structurally corresponding target
	// exists under the new space, absolutely otherwise.
	RefAuto RefMode = iota
	// RefAbsolute keeps the same target object in every derived copy.
	RefAbsolute
	// RefRelative rebinds to the structurally corresponding object under
	// the new space, and fails the derivation if none exists.
	RefRelative
)

func (m RefMode) String() string {
	switch m {
	case RefAbsolute:
		return "absolute"
	case RefRelative:
		return "relative"
	default:
		return "auto"
	}
}

// ParseRefMode parses a reference mode name.
func ParseRefMode(s string) (RefMode, error) {
	switch s {
	case "auto", "":
		return RefAuto, nil
	case "absolute":
		return RefAbsolute, nil
	case "relative":
		return RefRelative, nil
	}
	return RefAuto, fmt.Errorf("unknown reference mode %q", s)
}

// Ref is a name bound to a value or to a model object, owned by a model or
// a space.
type Ref struct {
	model *Model
	id    graph.OwnerID
	name  string
	space *Space // nil for model-level refs

	value   cty.Value // plain value binding
	target  any       // *Space or *Cells when bound to an object, else nil
	mode    RefMode
	derived bool
	origin  *Ref
}

// Name returns the reference's name.
func (r *Ref) Name() string { return r.name }

// Mode returns the reference's rebinding mode.
func (r *Ref) Mode() RefMode { return r.mode }

// Value returns the bound value for plain-value references.
func (r *Ref) Value() cty.Value { return r.value }

// Target returns the bound object, or nil for plain-value references.
func (r *Ref) Target() any { return r.target }

// IsDerived reports whether this reference was copied in by inheritance.
func (r *Ref) IsDerived() bool { return r.derived }

func (r *Ref) nodeKey() graph.NodeKey {
	return graph.NodeKey{Owner: r.id}
}

// anchor makes sure the reference is represented in the graph, so precise
// precedent edges can attach to it.
func (r *Ref) anchor() {
	r.model.graph.EnsureInput(r.nodeKey(), r.value)
}

// Space is a named container of cells, child spaces and references, and the
// namespace in which its cells' formulas resolve.
type Space struct {
	model  *Model
	id     graph.OwnerID
	name   string
	parent *Space // nil for top-level spaces

	cells  map[string]*Cells
	spaces map[string]*Space
	refs   map[string]*Ref

	// Inheritance state. bases are the explicitly assigned base spaces;
	// implicitBases are injected when a same-named child space exists in a
	// parent's base; mro caches the linearized precedence order starting
	// with the space itself; subs tracks spaces that use this one as a
	// base, for re-derivation on structural change.
	bases         []*Space
	implicitBases []*Space
	mro           []*Space
	subs          map[graph.OwnerID]*Space
	derived       bool
	origin        *Space

	// Parameterization state. A space with a formula can be called with
	// arguments to produce item spaces, cached by canonical argument key.
	formula     formula.Formula
	formulaSelf bool
	items       map[argkey.Key]*Space

	// Item-space state, set only on spaces produced by instantiation.
	itemOf   *Space
	itemArgs []cty.Value
	dyn      map[string]cty.Value
	readonly bool
}

// Name returns the space's own name.
func (s *Space) Name() string { return s.name }

// Parent returns the containing space, or nil for a top-level space.
func (s *Space) Parent() *Space { return s.parent }

// Model returns the owning model.
func (s *Space) Model() *Model { return s.model }

// IsDerived reports whether this space was copied in by inheritance.
func (s *Space) IsDerived() bool { return s.derived }

// IsItem reports whether this space is a dynamic item space.
func (s *Space) IsItem() bool { return s.itemOf != nil }

// IsDefined reports whether the space has at least one self-defined member
// or is a top-level space.
func (s *Space) IsDefined() bool {
	if s.parent == nil {
		return true
	}
	if !s.derived {
		return true
	}
	for _, c := range s.cells {
		if !c.derived {
			return true
		}
	}
	for _, r := range s.refs {
		if !r.derived {
			return true
		}
	}
	for _, child := range s.spaces {
		if child.IsDefined() {
			return true
		}
	}
	return false
}

// Path returns the dotted path of the space from the model root.
func (s *Space) Path() string {
	var parts []string
	for cur := s; cur != nil; cur = cur.parent {
		parts = append(parts, cur.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

// Bases returns the explicitly assigned base spaces.
func (s *Space) Bases() []*Space {
	return append([]*Space(nil), s.bases...)
}

// Precedence returns the linearized base order, starting with the space
// itself.
func (s *Space) Precedence() []*Space {
	return append([]*Space(nil), s.mro...)
}

// Cells looks up a cells by name, derived members included.
func (s *Space) Cells(name string) (*Cells, bool) {
	c, ok := s.cells[name]
	return c, ok
}

// CellsAll enumerates the space's cells sorted by name.
func (s *Space) CellsAll() []*Cells {
	names := make([]string, 0, len(s.cells))
	for n := range s.cells {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Cells, len(names))
	for i, n := range names {
		out[i] = s.cells[n]
	}
	return out
}

// Child looks up a child space by name.
func (s *Space) Child(name string) (*Space, bool) {
	c, ok := s.spaces[name]
	return c, ok
}

// Children enumerates the child spaces sorted by name.
func (s *Space) Children() []*Space {
	return sortedSpaces(s.spaces)
}

// Ref looks up a reference by name.
func (s *Space) Ref(name string) (*Ref, bool) {
	r, ok := s.refs[name]
	return r, ok
}

// Refs enumerates the space's references sorted by name.
func (s *Space) Refs() []*Ref {
	names := make([]string, 0, len(s.refs))
	for n := range s.refs {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Ref, len(names))
	for i, n := range names {
		out[i] = s.refs[n]
	}
	return out
}

// NewCells creates a cells in this space. Defining a name that currently
// holds a derived cells overrides it: the derived copy is dropped and only
// this space is affected, never the base.
func (s *Space) NewCells(ctx context.Context, name string, f formula.Formula) (*Cells, error) {
	if err := s.checkEditable("new cells"); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, &StructureError{Op: "new cells", Detail: err.Error()}
	}
	if err := s.checkNameFree(name, kindCells); err != nil {
		return nil, err
	}
	if old, ok := s.cells[name]; ok {
		s.dropCells(old)
	}
	c := &Cells{model: s.model, id: s.model.alloc(), name: name, space: s, formula: f, cached: true}
	s.model.owners[c.id] = c
	s.cells[name] = c
	ctxlog.FromContext(ctx).Debug("cells defined", "cells", c.Path())
	return c, s.memberChanged(ctx, name)
}

// RemoveCells deletes a self-defined cells. If the name is inherited from a
// base, the override is removed and the derived member is restored.
func (s *Space) RemoveCells(ctx context.Context, name string) error {
	if err := s.checkEditable("remove cells"); err != nil {
		return err
	}
	c, ok := s.cells[name]
	if !ok {
		return &StructureError{Op: "remove cells", Detail: fmt.Sprintf("no cells %q in %s", name, s.Path())}
	}
	s.dropCells(c)
	delete(s.cells, name)
	ctxlog.FromContext(ctx).Debug("cells removed", "cells", s.Path()+"."+name)
	// Re-derivation below restores the member from a base if one provides
	// it, reverting an override to derived status.
	return s.memberChanged(ctx, name)
}

// SetRef binds a plain-value reference in this space.
func (s *Space) SetRef(ctx context.Context, name string, value cty.Value, mode RefMode) error {
	return s.setRef(ctx, name, value, nil, mode)
}

// SetRefTarget binds a reference to a model object (a *Space or a *Cells),
// subject to the reference mode's structural constraints.
func (s *Space) SetRefTarget(ctx context.Context, name string, target any, mode RefMode) error {
	switch target.(type) {
	case *Space, *Cells:
	default:
		return &StructureError{Op: "set ref", Detail: fmt.Sprintf("reference target must be a space or cells, got %T", target)}
	}
	if mode == RefRelative {
		if _, ok := relPathTo(s, target); !ok {
			return &RefModeError{Ref: name, Space: s.Path(), Detail: "target lies outside the reference's own subtree"}
		}
	}
	return s.setRef(ctx, name, cty.NilVal, target, mode)
}

func (s *Space) setRef(ctx context.Context, name string, value cty.Value, target any, mode RefMode) error {
	if err := s.checkEditable("set ref"); err != nil {
		return err
	}
	if err := validName(name); err != nil {
		return &StructureError{Op: "set ref", Detail: err.Error()}
	}
	if err := s.checkNameFree(name, kindRef); err != nil {
		return err
	}
	logger := ctxlog.FromContext(ctx)
	if r, ok := s.refs[name]; ok {
		r.value = value
		r.target = target
		r.mode = mode
		r.derived = false
		r.origin = nil
		cleared := s.model.graph.SetInput(r.nodeKey(), nil, value)
		logger.Debug("ref reassigned", "ref", s.Path()+"."+name, "cleared", len(cleared))
		if err := s.memberChanged(ctx, name); err != nil {
			return err
		}
		return s.model.maybeRecalc(ctx, cleared)
	}
	r := &Ref{model: s.model, id: s.model.alloc(), name: name, space: s, value: value, target: target, mode: mode}
	s.model.owners[r.id] = r
	s.refs[name] = r
	logger.Debug("ref defined", "ref", s.Path()+"."+name, "mode", mode.String())
	return s.memberChanged(ctx, name)
}

// RemoveRef deletes a reference, or reverts an override to its derived
// original.
func (s *Space) RemoveRef(ctx context.Context, name string) error {
	if err := s.checkEditable("remove ref"); err != nil {
		return err
	}
	r, ok := s.refs[name]
	if !ok {
		return &StructureError{Op: "remove ref", Detail: fmt.Sprintf("no ref %q in %s", name, s.Path())}
	}
	s.dropRef(r)
	delete(s.refs, name)
	ctxlog.FromContext(ctx).Debug("ref removed", "ref", s.Path()+"."+name)
	return s.memberChanged(ctx, name)
}

// NewSpace creates a child space.
func (s *Space) NewSpace(ctx context.Context, name string) (*Space, error) {
	if err := s.checkEditable("new space"); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, &StructureError{Op: "new space", Detail: err.Error()}
	}
	if err := s.checkNameFree(name, kindSpace); err != nil {
		return nil, err
	}
	if old, ok := s.spaces[name]; ok {
		// Overriding a derived child space replaces the whole copy.
		s.dropSpace(old)
	}
	child := s.model.newSpaceRecord(name, s)
	s.spaces[name] = child
	// A same-named child in any base keeps feeding the new child its members.
	var froms []*Space
	for _, b := range s.mro[1:] {
		if bc, ok := b.spaces[name]; ok {
			froms = append(froms, bc)
		}
	}
	if len(froms) > 0 {
		child.relinkImplicit(froms)
		if err := child.derive(ctx); err != nil {
			s.dropSpace(child)
			delete(s.spaces, name)
			return nil, err
		}
	}
	ctxlog.FromContext(ctx).Debug("space created", "space", child.Path())
	return child, s.memberChanged(ctx, name)
}

// RemoveSpace deletes a child space with everything it owns.
func (s *Space) RemoveSpace(ctx context.Context, name string) error {
	if err := s.checkEditable("remove space"); err != nil {
		return err
	}
	child, ok := s.spaces[name]
	if !ok {
		return &StructureError{Op: "remove space", Detail: fmt.Sprintf("no space %q in %s", name, s.Path())}
	}
	if len(child.subs) > 0 {
		return &StructureError{Op: "remove space", Detail: fmt.Sprintf("space %s is a base of other spaces", child.Path())}
	}
	s.dropSpace(child)
	delete(s.spaces, name)
	ctxlog.FromContext(ctx).Debug("space removed", "space", s.Path()+"."+name)
	return s.memberChanged(ctx, name)
}

// RenameCells renames a cells. All of the member's cached nodes are cleared,
// as are the calculated values of every formula mentioning the old or the
// new name.
func (s *Space) RenameCells(ctx context.Context, oldName, newName string) error {
	if err := s.checkEditable("rename cells"); err != nil {
		return err
	}
	c, ok := s.cells[oldName]
	if !ok {
		return &StructureError{Op: "rename cells", Detail: fmt.Sprintf("no cells %q in %s", oldName, s.Path())}
	}
	if err := validName(newName); err != nil {
		return &StructureError{Op: "rename cells", Detail: err.Error()}
	}
	if err := s.checkNameFree(newName, kindNone); err != nil {
		return err
	}
	s.model.graph.ClearOwner(c.id)
	delete(s.cells, oldName)
	c.name = newName
	c.derived = false
	c.origin = nil
	s.cells[newName] = c
	ctxlog.FromContext(ctx).Debug("cells renamed", "space", s.Path(), "from", oldName, "to", newName)
	if err := s.memberChanged(ctx, oldName); err != nil {
		return err
	}
	return s.memberChanged(ctx, newName)
}

// RenameRef renames a reference. The old node is cleared with its dependents
// and formulas mentioning either name are conservatively invalidated.
func (s *Space) RenameRef(ctx context.Context, oldName, newName string) error {
	if err := s.checkEditable("rename ref"); err != nil {
		return err
	}
	r, ok := s.refs[oldName]
	if !ok {
		return &StructureError{Op: "rename ref", Detail: fmt.Sprintf("no ref %q in %s", oldName, s.Path())}
	}
	if err := validName(newName); err != nil {
		return &StructureError{Op: "rename ref", Detail: err.Error()}
	}
	if err := s.checkNameFree(newName, kindNone); err != nil {
		return err
	}
	s.model.graph.Clear(r.nodeKey(), true)
	delete(s.refs, oldName)
	r.name = newName
	r.derived = false
	r.origin = nil
	s.refs[newName] = r
	ctxlog.FromContext(ctx).Debug("ref renamed", "space", s.Path(), "from", oldName, "to", newName)
	if err := s.memberChanged(ctx, oldName); err != nil {
		return err
	}
	return s.memberChanged(ctx, newName)
}

// ClearAll clears every cached value of every cells under this space,
// recursively, and evicts its item spaces.
func (s *Space) ClearAll() {
	for _, c := range s.cells {
		s.model.graph.ClearOwner(c.id)
	}
	for _, child := range s.spaces {
		child.ClearAll()
	}
	s.evictItems()
}

// memberChanged runs the invalidation and propagation every structural
// member edit requires: conservative by-name invalidation, re-derivation of
// inheriting spaces, and eviction of item spaces built from any
// parameterized ascendant.
func (s *Space) memberChanged(ctx context.Context, name string) error {
	m := s.model
	m.invalidateName(name)
	m.mutated()
	for cur := s; cur != nil; cur = cur.parent {
		cur.evictItems()
	}
	// Removing an override must bring the inherited member back, so the
	// space itself re-derives before its subs do.
	if len(s.effectiveBases()) > 0 {
		if err := s.derive(ctx); err != nil {
			return err
		}
	}
	return s.rederiveSubs(ctx)
}

type memberKind uint8

const (
	kindNone memberKind = iota
	kindCells
	kindSpace
	kindRef
)

// checkNameFree rejects a name already taken by a member of a different
// kind. Same-kind collisions are override or reassignment semantics, handled
// by the caller.
func (s *Space) checkNameFree(name string, kind memberKind) error {
	if _, ok := s.cells[name]; ok && kind != kindCells {
		return &StructureError{Op: "define member", Detail: fmt.Sprintf("%q is already a cells in %s", name, s.Path())}
	}
	if _, ok := s.spaces[name]; ok && kind != kindSpace {
		return &StructureError{Op: "define member", Detail: fmt.Sprintf("%q is already a space in %s", name, s.Path())}
	}
	if _, ok := s.refs[name]; ok && kind != kindRef {
		return &StructureError{Op: "define member", Detail: fmt.Sprintf("%q is already a ref in %s", name, s.Path())}
	}
	return nil
}

func (s *Space) checkEditable(op string) error {
	if err := s.model.checkOpen(op); err != nil {
		return err
	}
	if s.readonly {
		return &StructureError{Op: op, Detail: fmt.Sprintf("%s is a dynamic item space and is read-only", s.Path())}
	}
	return nil
}

// dropCells clears a cells' cache and unregisters it.
func (s *Space) dropCells(c *Cells) {
	s.model.graph.ClearOwner(c.id)
	delete(s.model.owners, c.id)
}

func (s *Space) dropRef(r *Ref) {
	s.model.graph.Clear(r.nodeKey(), true)
	delete(s.model.owners, r.id)
}

// dropSpace tears down a whole subtree: caches, item spaces, base links.
func (s *Space) dropSpace(child *Space) {
	child.evictItems()
	for _, c := range child.cells {
		child.dropCells(c)
	}
	for _, r := range child.refs {
		child.dropRef(r)
	}
	for _, grand := range child.spaces {
		child.dropSpace(grand)
	}
	for _, b := range child.effectiveBases() {
		delete(b.subs, child.id)
	}
	delete(s.model.owners, child.id)
}

// isAscendantOf reports whether s is a proper ascendant of other.
func (s *Space) isAscendantOf(other *Space) bool {
	for cur := other.parent; cur != nil; cur = cur.parent {
		if cur == s {
			return true
		}
	}
	return false
}

// inItemTree reports whether the space belongs to a dynamic item space's
// subtree.
func (s *Space) inItemTree() bool {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.itemOf != nil {
			return true
		}
	}
	return false
}

func (s *Space) effectiveBases() []*Space {
	if len(s.implicitBases) == 0 {
		return s.bases
	}
	out := make([]*Space, 0, len(s.bases)+len(s.implicitBases))
	out = append(out, s.bases...)
	out = append(out, s.implicitBases...)
	return out
}

// relPathTo returns the member path from root down to obj, if obj lies in
// root's subtree.
func relPathTo(root *Space, obj any) ([]string, bool) {
	var owner *Space
	var leaf string
	switch t := obj.(type) {
	case *Space:
		if t == root {
			return []string{}, true
		}
		owner = t.parent
		leaf = t.name
	case *Cells:
		owner = t.space
		leaf = t.name
	default:
		return nil, false
	}
	var parts []string
	for cur := owner; cur != nil; cur = cur.parent {
		if cur == root {
			// parts were collected leaf-upwards; reverse them.
			for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
				parts[i], parts[j] = parts[j], parts[i]
			}
			return append(parts, leaf), true
		}
		parts = append(parts, cur.name)
	}
	return nil, false
}

// resolveRel replays a member path under a new root.
func resolveRel(root *Space, path []string) (any, bool) {
	if len(path) == 0 {
		return root, true
	}
	cur := root
	for _, part := range path[:len(path)-1] {
		next, ok := cur.spaces[part]
		if !ok {
			return nil, false
		}
		cur = next
	}
	leaf := path[len(path)-1]
	if child, ok := cur.spaces[leaf]; ok {
		return child, true
	}
	if c, ok := cur.cells[leaf]; ok {
		return c, true
	}
	return nil, false
}

func sortedSpaces(m map[string]*Space) []*Space {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Space, len(names))
	for i, n := range names {
		out[i] = m[n]
	}
	return out
}
