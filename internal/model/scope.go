package model

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/vk/modelgrid/internal/formula"
)

// Scope is the execution environment injected into a formula: a read-only
// view of the owning space's namespace. Resolution order, highest priority
// first: the space's own parameter bindings, bindings propagated down from a
// parameterized ascendant, self-defined members, derived members, model
// references, built-ins.
//
// Lookups through a Scope are how the engine learns about dependencies.
// Whole-name reference reads are recorded conservatively from the formula's
// free-name set; reads traversing into sub-space scopes are recorded
// precisely, per individual access.
type Scope struct {
	engine *Engine
	space  *Space
	frame  *frame // nil outside an evaluation, e.g. diagnostic reads
}

var _ formula.Resolver = (*Scope)(nil)

// Value resolves a free name to a parameter binding or a plain reference
// value.
func (s *Scope) Value(name string) (cty.Value, error) {
	for sp := s.space; sp != nil; sp = sp.parent {
		if v, ok := sp.dyn[name]; ok {
			return v, nil
		}
	}
	if r, ok := s.lookupRef(name); ok {
		if r.target != nil {
			return cty.NilVal, fmt.Errorf("reference %q binds a model object; traverse it through the scope", name)
		}
		s.recordRef(r)
		return r.value, nil
	}
	return cty.NilVal, &NameError{Name: name, Space: s.space.Path()}
}

// Call invokes a cells visible in the scope.
func (s *Scope) Call(ctx context.Context, name string, args ...cty.Value) (cty.Value, error) {
	if c, ok := s.space.cells[name]; ok {
		return s.engine.evaluate(ctx, c, args, nil)
	}
	if r, ok := s.lookupRef(name); ok {
		if c, ok := r.target.(*Cells); ok {
			s.recordRef(r)
			return s.engine.evaluate(ctx, c, args, nil)
		}
	}
	return cty.NilVal, &NameError{Name: name, Space: s.space.Path()}
}

// Sub returns the scope of a child space. Reference reads through the
// returned scope attach precedent edges to the specific references touched,
// not to everything lexically reachable.
func (s *Scope) Sub(name string) (formula.Resolver, error) {
	if child, ok := s.space.spaces[name]; ok {
		return &Scope{engine: s.engine, space: child, frame: s.frame}, nil
	}
	if r, ok := s.lookupRef(name); ok {
		if sp, ok := r.target.(*Space); ok {
			s.recordRef(r)
			return &Scope{engine: s.engine, space: sp, frame: s.frame}, nil
		}
	}
	return nil, &NameError{Name: name, Space: s.space.Path()}
}

// Item resolves a parameterized space into the scope of its item space for
// the given arguments, instantiating it on first use.
func (s *Scope) Item(ctx context.Context, name string, args ...cty.Value) (formula.Resolver, error) {
	target, ok := s.space.spaces[name]
	if !ok {
		if r, refOk := s.lookupRef(name); refOk {
			if sp, spOk := r.target.(*Space); spOk {
				s.recordRef(r)
				target = sp
				ok = true
			}
		}
	}
	if !ok {
		return nil, &NameError{Name: name, Space: s.space.Path()}
	}
	item, err := s.engine.instantiate(ctx, target, args, nil)
	if err != nil {
		return nil, err
	}
	return &Scope{engine: s.engine, space: item, frame: s.frame}, nil
}

// EvalContext materializes the namespace for HCL expression formulas. The
// compiled view is memoized per (space, structure generation); parameter
// bindings are layered on top by each invocation.
func (s *Scope) EvalContext(ctx context.Context) (*hcl.EvalContext, error) {
	m := s.space.model
	key := nsViewKey{space: s.space.id, gen: m.generation}
	if view, ok := m.nsViews.Get(key); ok {
		return view, nil
	}
	view := s.buildView()
	m.nsViews.Add(key, view)
	return view, nil
}

// buildView assembles variables and functions tier by tier, lower priority
// written first so higher tiers overwrite.
func (s *Scope) buildView() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	funcs := make(map[string]function.Function, len(builtinFuncs)+len(s.space.cells))

	for name, fn := range builtinFuncs {
		funcs[name] = fn
	}
	for name, r := range s.space.model.refs {
		if r.target == nil {
			vars[name] = r.value
		}
	}
	for name, r := range s.space.refs {
		if r.target == nil {
			vars[name] = r.value
		}
	}

	// Parameter bindings propagated down from parameterized ascendants,
	// outermost first so nearer spaces win, own bindings last.
	var chain []*Space
	for sp := s.space; sp != nil; sp = sp.parent {
		if len(sp.dyn) > 0 {
			chain = append(chain, sp)
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for name, v := range chain[i].dyn {
			vars[name] = v
		}
	}

	for name, c := range s.space.cells {
		funcs[name] = cellsFunction(s.engine, c)
	}
	for name, r := range s.space.refs {
		if c, ok := r.target.(*Cells); ok {
			funcs[name] = cellsFunction(s.engine, c)
		}
	}

	return &hcl.EvalContext{Variables: vars, Functions: funcs}
}

// recordFreeRefs records a precedent edge for every reference the formula
// names at the top level, whether or not the branch taken will read it. This
// is the conservative half of the invalidation policy: whole-name
// references are cheap to over-invalidate.
func (s *Scope) recordFreeRefs(f formula.Formula) {
	if f == nil || s.frame == nil {
		return
	}
	for _, name := range f.FreeNames() {
		if r, ok := s.lookupRef(name); ok {
			s.recordRef(r)
		}
	}
}

// lookupRef finds a reference visible from the space: own and derived refs
// first, then model-global ones.
func (s *Scope) lookupRef(name string) (*Ref, bool) {
	if r, ok := s.space.refs[name]; ok {
		return r, true
	}
	if r, ok := s.space.model.refs[name]; ok {
		return r, true
	}
	return nil, false
}

func (s *Scope) recordRef(r *Ref) {
	if s.frame == nil {
		return
	}
	r.anchor()
	s.frame.precs = append(s.frame.precs, r.nodeKey())
}

// cellsFunction exposes a cells as a callable inside HCL formulas. The
// closure resolves the engine's in-flight context and frame at call time,
// so the compiled namespace stays valid across invocations.
func cellsFunction(e *Engine, c *Cells) function.Function {
	params := c.Parameters()
	specParams := make([]function.Parameter, len(params))
	for i, p := range params {
		specParams[i] = function.Parameter{
			Name:             p.Name,
			Type:             cty.DynamicPseudoType,
			AllowDynamicType: true,
			AllowNull:        true,
		}
	}
	return function.New(&function.Spec{
		Params: specParams,
		Type:   function.StaticReturnType(cty.DynamicPseudoType),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			return e.evaluate(e.currentCtx(), c, args, nil)
		},
	})
}

// builtinFuncs is the lowest-priority namespace tier: a curated set of
// host-provided functions.
var builtinFuncs = map[string]function.Function{
	"abs":      stdlib.AbsoluteFunc,
	"max":      stdlib.MaxFunc,
	"min":      stdlib.MinFunc,
	"upper":    stdlib.UpperFunc,
	"lower":    stdlib.LowerFunc,
	"strlen":   stdlib.StrlenFunc,
	"substr":   stdlib.SubstrFunc,
	"format":   stdlib.FormatFunc,
	"concat":   stdlib.ConcatFunc,
	"range":    stdlib.RangeFunc,
	"length":   stdlib.LengthFunc,
	"coalesce": stdlib.CoalesceFunc,
	"element":  stdlib.ElementFunc,
}
