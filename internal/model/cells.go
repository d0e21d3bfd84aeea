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

// Cells is a parameterized, cacheable unit of calculation: a memoized
// function holding zero or more (argument tuple, value) entries. A cells
// belongs to exactly one space for its entire lifetime.
type Cells struct {
	model   *Model
	id      graph.OwnerID
	name    string
	space   *Space
	formula formula.Formula // nil means the cells only ever holds inputs
	cached  bool
	derived bool
	origin  *Cells
}

// Name returns the cells' name.
func (c *Cells) Name() string { return c.name }

// Space returns the owning space.
func (c *Cells) Space() *Space { return c.space }

// Path returns the dotted path of the cells from the model root.
func (c *Cells) Path() string {
	return c.space.Path() + "." + c.name
}

// Formula returns the attached formula, or nil for input-only cells.
func (c *Cells) Formula() formula.Formula { return c.formula }

// IsDerived reports whether this cells was copied in by inheritance rather
// than defined in its own space.
func (c *Cells) IsDerived() bool { return c.derived }

// IsCached reports whether the cells memoizes its results.
func (c *Cells) IsCached() bool { return c.cached }

// Parameters returns the declared parameter list.
func (c *Cells) Parameters() []argkey.Param {
	if c.formula == nil {
		return nil
	}
	return c.formula.Parameters()
}

// Call evaluates the cells for the given positional arguments, returning the
// cached value when one exists.
func (c *Cells) Call(ctx context.Context, args ...cty.Value) (cty.Value, error) {
	return c.model.engine.evaluate(ctx, c, args, nil)
}

// CallNamed evaluates the cells with keyword arguments, canonicalized
// against the declared parameters so that positional and keyword calls share
// cache entries.
func (c *Cells) CallNamed(ctx context.Context, kwargs map[string]cty.Value) (cty.Value, error) {
	return c.model.engine.evaluate(ctx, c, nil, kwargs)
}

// SetInput assigns an input value for an argument tuple. The previous value
// at that node and all transitive calculated dependents are cleared first;
// the input then takes precedence over the formula until cleared.
func (c *Cells) SetInput(ctx context.Context, value cty.Value, args ...cty.Value) error {
	full, key, err := c.canonArgs(args, nil)
	if err != nil {
		return fmt.Errorf("set input on %s: %w", c.Path(), err)
	}
	cleared := c.model.graph.SetInput(graph.NodeKey{Owner: c.id, Args: key}, full, value)
	ctxlog.FromContext(ctx).Debug("input set", "cells", c.Path(), "args", string(key), "cleared", len(cleared))
	return c.model.maybeRecalc(ctx, cleared)
}

// ClearAt clears the value stored for one argument tuple, propagating to all
// transitive calculated dependents.
func (c *Cells) ClearAt(ctx context.Context, args ...cty.Value) error {
	_, key, err := c.canonArgs(args, nil)
	if err != nil {
		return fmt.Errorf("clear %s: %w", c.Path(), err)
	}
	cleared := c.model.graph.Clear(graph.NodeKey{Owner: c.id, Args: key}, true)
	return c.model.maybeRecalc(ctx, cleared)
}

// Clear drops every calculated value of the cells, keeping inputs.
func (c *Cells) Clear(ctx context.Context) error {
	cleared := c.model.graph.ClearOwnerCalculated(c.id)
	return c.model.maybeRecalc(ctx, cleared)
}

// ClearAll drops every value of the cells, inputs included.
func (c *Cells) ClearAll(ctx context.Context) error {
	cleared := c.model.graph.ClearOwner(c.id)
	return c.model.maybeRecalc(ctx, cleared)
}

// SetFormula replaces the cells' formula. Every calculated value of the
// cells is cleared (inputs are kept, they do not depend on the formula) and
// inheriting copies are re-derived.
func (c *Cells) SetFormula(ctx context.Context, f formula.Formula) error {
	if err := c.space.checkEditable("set formula"); err != nil {
		return err
	}
	c.formula = f
	c.derived = false
	c.origin = nil
	c.model.graph.ClearOwnerCalculated(c.id)
	ctxlog.FromContext(ctx).Debug("formula replaced", "cells", c.Path())
	return c.space.memberChanged(ctx, c.name)
}

// SetCacheEnabled toggles memoization. Disabling drops all stored values;
// an uncached cells re-executes on every call and accepts argument values
// that have no canonical key.
func (c *Cells) SetCacheEnabled(ctx context.Context, on bool) error {
	if c.cached == on {
		return nil
	}
	c.cached = on
	c.model.graph.ClearOwner(c.id)
	ctxlog.FromContext(ctx).Debug("cache toggled", "cells", c.Path(), "enabled", on)
	return nil
}

// Rename renames the cells within its space.
func (c *Cells) Rename(ctx context.Context, newName string) error {
	return c.space.RenameCells(ctx, c.name, newName)
}

// Inputs enumerates the input-state (args, value) pairs, the only entries
// that are ever persisted.
func (c *Cells) Inputs() []graph.Entry {
	entries := c.model.graph.OwnerEntries(c.id)
	out := entries[:0]
	for _, e := range entries {
		if e.State == graph.StateInput {
			out = append(out, e)
		}
	}
	return out
}

// Values enumerates every stored (args, value) pair, calculated entries
// included, for diagnostics.
func (c *Cells) Values() []graph.Entry {
	return c.model.graph.OwnerEntries(c.id)
}

// NodeRef describes one end of a dependency edge for diagnostics.
type NodeRef struct {
	Kind string // "cells", "ref" or "space"
	Path string
	Args string
}

// Precedents lists the nodes whose values were read while calculating this
// cells' value for the given arguments.
func (c *Cells) Precedents(args ...cty.Value) ([]NodeRef, error) {
	_, key, err := c.canonArgs(args, nil)
	if err != nil {
		return nil, err
	}
	return c.model.describeNodes(c.model.graph.Precedents(graph.NodeKey{Owner: c.id, Args: key})), nil
}

// Dependents lists the nodes whose calculated values read this cells' value
// for the given arguments.
func (c *Cells) Dependents(args ...cty.Value) ([]NodeRef, error) {
	_, key, err := c.canonArgs(args, nil)
	if err != nil {
		return nil, err
	}
	return c.model.describeNodes(c.model.graph.Dependents(graph.NodeKey{Owner: c.id, Args: key})), nil
}

// canonArgs normalizes an argument list against the formula signature, or,
// for input-only cells, keys the raw positional tuple.
func (c *Cells) canonArgs(pos []cty.Value, kw map[string]cty.Value) ([]cty.Value, argkey.Key, error) {
	if c.formula != nil {
		return argkey.Canonicalize(c.formula.Parameters(), pos, kw)
	}
	if len(kw) > 0 {
		return nil, "", fmt.Errorf("cells without a formula takes no keyword arguments")
	}
	key, err := argkey.ForValues(pos)
	if err != nil {
		return nil, "", err
	}
	return pos, key, nil
}

// describeNodes maps raw node keys back to their owners.
func (m *Model) describeNodes(keys []graph.NodeKey) []NodeRef {
	out := make([]NodeRef, 0, len(keys))
	for _, k := range keys {
		switch owner := m.owners[k.Owner].(type) {
		case *Cells:
			out = append(out, NodeRef{Kind: "cells", Path: owner.Path(), Args: string(k.Args)})
		case *Ref:
			path := owner.name
			if owner.space != nil {
				path = owner.space.Path() + "." + owner.name
			}
			out = append(out, NodeRef{Kind: "ref", Path: path})
		case *Space:
			out = append(out, NodeRef{Kind: "space", Path: owner.Path(), Args: string(k.Args)})
		}
	}
	return out
}
