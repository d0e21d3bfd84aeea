package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/modelgrid/internal/argkey"
	"github.com/vk/modelgrid/internal/ctxlog"
	"github.com/vk/modelgrid/internal/graph"
)

// DefaultMaxDepth is the default cap on logical recursion depth. Goroutine
// stacks grow on demand, so the native stack is not the limiting factor;
// this counter is what bounds recursion, and it is configurable.
const DefaultMaxDepth = 65536

// Engine orchestrates formula execution for one model: it materializes the
// call stack as an explicit frame list, records precedent edges as formulas
// read other nodes, and enforces the cycle and depth policies.
//
// Evaluation is strictly nested and single-threaded per model; the engine
// keeps the context of the outermost request so namespace closures built
// once per structure generation can reach it.
type Engine struct {
	model *Model

	// MaxDepth bounds the logical recursion depth of nested formula calls.
	MaxDepth int

	stack  []*frame
	active map[graph.NodeKey]struct{}
	ctx    context.Context
}

// frame is one entry of the materialized call stack.
type frame struct {
	cells *Cells
	space *Space // set instead of cells when instantiating an item space
	args  []cty.Value
	key   graph.NodeKey
	keyed bool // false for uncached evaluation

	// precs collects the node keys read during this frame's execution.
	// For uncached frames they are handed to the parent frame on success,
	// since stale data flows through an uncached cells to its caller.
	precs []graph.NodeKey
}

func (f *frame) info() FrameInfo {
	fi := FrameInfo{Args: string(f.key.Args)}
	switch {
	case f.cells != nil:
		fi.Owner = f.cells.Path()
		if f.cells.formula != nil {
			fi.Source = f.cells.formula.Source()
		}
	case f.space != nil:
		fi.Owner = f.space.Path()
		if f.space.formula != nil {
			fi.Source = f.space.formula.Source()
		}
	}
	return fi
}

func newEngine(m *Model) *Engine {
	return &Engine{
		model:    m,
		MaxDepth: DefaultMaxDepth,
		active:   make(map[graph.NodeKey]struct{}),
	}
}

// evaluate is the single entry point for computing a cells value: at most
// one computation per (cells, args) per cache generation.
func (e *Engine) evaluate(ctx context.Context, c *Cells, pos []cty.Value, kw map[string]cty.Value) (cty.Value, error) {
	if err := e.model.checkOpen("evaluate"); err != nil {
		return cty.NilVal, err
	}
	if !c.cached {
		return e.evaluateUncached(ctx, c, pos, kw)
	}

	full, key, err := c.canonArgs(pos, kw)
	if err != nil {
		return cty.NilVal, fmt.Errorf("calling %s: %w", c.Path(), err)
	}
	nk := graph.NodeKey{Owner: c.id, Args: key}

	if v, state, ok := e.model.graph.Lookup(nk); ok && state != graph.StateEmpty {
		e.record(nk)
		return v, nil
	}

	if c.formula == nil {
		return cty.NilVal, &FormulaError{
			Stack: e.snapshot(nil),
			Err:   fmt.Errorf("%s has no formula and no input for %s", c.Path(), key),
		}
	}
	if _, running := e.active[nk]; running {
		fr := &frame{cells: c, args: full, key: nk, keyed: true}
		return cty.NilVal, &CircularError{Stack: e.snapshot(fr)}
	}

	fr := &frame{cells: c, args: full, key: nk, keyed: true}
	v, err := e.run(ctx, fr)
	if err != nil {
		return cty.NilVal, err
	}

	e.model.graph.SetCalculated(nk, full, v, fr.precs)
	e.record(nk)
	return v, nil
}

// evaluateUncached re-executes on every call and never touches the cache.
// The values it reads become precedents of the calling cached node, if any.
func (e *Engine) evaluateUncached(ctx context.Context, c *Cells, pos []cty.Value, kw map[string]cty.Value) (cty.Value, error) {
	if c.formula == nil {
		return cty.NilVal, &FormulaError{
			Stack: e.snapshot(nil),
			Err:   fmt.Errorf("%s has no formula", c.Path()),
		}
	}
	full, err := argkey.Normalize(c.formula.Parameters(), pos, kw)
	if err != nil {
		return cty.NilVal, fmt.Errorf("calling %s: %w", c.Path(), err)
	}

	fr := &frame{cells: c, args: full}
	v, err := e.run(ctx, fr)
	if err != nil {
		return cty.NilVal, err
	}
	if top := e.top(); top != nil {
		top.precs = append(top.precs, fr.precs...)
	}
	return v, nil
}

// run pushes a frame, executes its formula in the frame's scope, and pops.
// Values are never cached for a frame that is still open when an error
// propagates through it.
func (e *Engine) run(ctx context.Context, fr *frame) (cty.Value, error) {
	if len(e.stack) >= e.MaxDepth {
		return cty.NilVal, &FormulaError{
			Stack: e.snapshot(fr),
			Err:   fmt.Errorf("maximum recursion depth %d exceeded", e.MaxDepth),
		}
	}

	if len(e.stack) == 0 {
		e.ctx = ctx
		defer func() { e.ctx = nil }()
		ctxlog.FromContext(ctx).Debug("evaluation started", "frame", fr.info().String())
	}

	e.stack = append(e.stack, fr)
	if fr.keyed {
		e.active[fr.key] = struct{}{}
	}

	var (
		v   cty.Value
		err error
	)
	if fr.cells != nil {
		scope := &Scope{engine: e, space: fr.cells.space, frame: fr}
		scope.recordFreeRefs(fr.cells.formula)
		v, err = fr.cells.formula.Invoke(ctx, scope, fr.args)
	} else {
		scope := &Scope{engine: e, space: fr.space, frame: fr}
		scope.recordFreeRefs(fr.space.formula)
		v, err = fr.space.formula.Invoke(ctx, scope, fr.args)
	}

	if err != nil {
		err = e.wrap(err, fr)
	}

	if fr.keyed {
		delete(e.active, fr.key)
	}
	e.stack = e.stack[:len(e.stack)-1]

	if err != nil {
		return cty.NilVal, err
	}
	return v, nil
}

// wrap attaches the call-stack snapshot once, at the innermost frame where
// the raw error surfaced; outer frames pass the report through unchanged.
func (e *Engine) wrap(err error, fr *frame) error {
	var fe *FormulaError
	var ce *CircularError
	if errors.As(err, &fe) || errors.As(err, &ce) {
		return err
	}
	return &FormulaError{Stack: e.snapshotOpen(), Err: err}
}

// record notes a node key as a precedent of the currently executing frame.
func (e *Engine) record(nk graph.NodeKey) {
	if top := e.top(); top != nil {
		top.precs = append(top.precs, nk)
	}
}

func (e *Engine) top() *frame {
	if len(e.stack) == 0 {
		return nil
	}
	return e.stack[len(e.stack)-1]
}

// snapshot captures the open stack plus an extra frame not yet pushed.
func (e *Engine) snapshot(extra *frame) []FrameInfo {
	out := make([]FrameInfo, 0, len(e.stack)+1)
	for _, f := range e.stack {
		out = append(out, f.info())
	}
	if extra != nil {
		out = append(out, extra.info())
	}
	return out
}

func (e *Engine) snapshotOpen() []FrameInfo {
	return e.snapshot(nil)
}

// currentCtx returns the context of the in-flight evaluation, for namespace
// closures invoked from inside HCL expression evaluation.
func (e *Engine) currentCtx() context.Context {
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}
