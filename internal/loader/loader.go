// Package loader reads and writes model definition files. A definition file
// declares the self-defined structure of a model in HCL: spaces, cells with
// their formula expressions, references, base assignments and stored input
// values. Derived members are never written; they are reproduced by
// derivation on load.
package loader

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/modelgrid/internal/argkey"
	"github.com/vk/modelgrid/internal/ctxlog"
	"github.com/vk/modelgrid/internal/formula"
	"github.com/vk/modelgrid/internal/model"
)

// File is the root schema of a model definition file.
type File struct {
	Model  *ModelBlock  `hcl:"model,block"`
	Spaces []SpaceBlock `hcl:"space,block"`
}

// ModelBlock names the model and holds its global references.
type ModelBlock struct {
	Name string     `hcl:"name,label"`
	Refs []RefBlock `hcl:"ref,block"`
}

// SpaceBlock declares one space. Space blocks nest.
type SpaceBlock struct {
	Name    string        `hcl:"name,label"`
	Bases   []string      `hcl:"bases,optional"`
	Formula *FormulaBlock `hcl:"formula,block"`
	Cells   []CellsBlock  `hcl:"cells,block"`
	Refs    []RefBlock    `hcl:"ref,block"`
	Spaces  []SpaceBlock  `hcl:"space,block"`
	Items   []ItemBlock   `hcl:"item,block"`
}

// FormulaBlock parameterizes a space: calling it with arguments bound to
// params materializes an item space; expr computes the override object.
type FormulaBlock struct {
	Params []string `hcl:"params,optional"`
	Expr   string   `hcl:"expr"`
}

// CellsBlock declares one cells, optionally with stored inputs.
type CellsBlock struct {
	Name    string       `hcl:"name,label"`
	Params  []string     `hcl:"params,optional"`
	Formula *string      `hcl:"formula"`
	Cached  *bool        `hcl:"cached"`
	Inputs  []InputBlock `hcl:"input,block"`
}

// InputBlock is one stored (args, value) pair.
type InputBlock struct {
	Args  cty.Value `hcl:"args"`
	Value cty.Value `hcl:"value"`
}

// ItemBlock persists the inputs stored inside one materialized item space of
// a parameterized parent, keyed by the argument tuple that built it. Items
// without inputs are never written; the factory rebuilds them on demand.
type ItemBlock struct {
	Args   cty.Value        `hcl:"args"`
	Inputs []ItemInputBlock `hcl:"input,block"`
}

// ItemInputBlock is one stored (cells, args, value) triple inside an item.
type ItemInputBlock struct {
	Cells string    `hcl:"cells"`
	Args  cty.Value `hcl:"args"`
	Value cty.Value `hcl:"value"`
}

// RefBlock declares one reference: either a literal value or a target path.
type RefBlock struct {
	Name   string     `hcl:"name,label"`
	Value  *cty.Value `hcl:"value"`
	Target *string    `hcl:"target"`
	Mode   *string    `hcl:"mode"`
}

// LoadFile parses a definition file and builds the model it declares.
func LoadFile(ctx context.Context, path string) (*model.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("loading model file", "path", path)
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing model file %s: %s", path, diags.Error())
	}

	var decoded File
	diags = gohcl.DecodeBody(file.Body, nil, &decoded)
	if diags.HasErrors() {
		return nil, fmt.Errorf("decoding model file %s: %s", path, diags.Error())
	}
	return build(ctx, &decoded)
}

// Load builds a model from definition source held in memory.
func Load(ctx context.Context, src []byte, filename string) (*model.Model, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %s", filename, diags.Error())
	}
	var decoded File
	diags = gohcl.DecodeBody(file.Body, nil, &decoded)
	if diags.HasErrors() {
		return nil, fmt.Errorf("decoding %s: %s", filename, diags.Error())
	}
	return build(ctx, &decoded)
}

// build assembles the model in three passes: structure first, then base
// assignments once every space exists, then input replay once derivation has
// settled the member set.
func build(ctx context.Context, decoded *File) (*model.Model, error) {
	name := "model"
	if decoded.Model != nil && decoded.Model.Name != "" {
		name = decoded.Model.Name
	}
	m := model.New(name)

	if decoded.Model != nil {
		for _, rb := range decoded.Model.Refs {
			if rb.Value == nil {
				return nil, fmt.Errorf("model ref %q: model-level refs take a value, not a target", rb.Name)
			}
			if err := m.SetRef(ctx, rb.Name, *rb.Value); err != nil {
				return nil, err
			}
		}
	}

	for i := range decoded.Spaces {
		s, err := m.NewSpace(ctx, decoded.Spaces[i].Name)
		if err != nil {
			return nil, err
		}
		if err := buildSpace(ctx, s, &decoded.Spaces[i]); err != nil {
			return nil, err
		}
	}

	var walkTargets func(s *model.Space, sb *SpaceBlock) error
	walkTargets = func(s *model.Space, sb *SpaceBlock) error {
		for _, rb := range sb.Refs {
			if rb.Target == nil {
				continue
			}
			mode := model.RefAuto
			if rb.Mode != nil {
				mode, _ = model.ParseRefMode(*rb.Mode)
			}
			obj, err := resolveTarget(m, *rb.Target)
			if err != nil {
				return fmt.Errorf("ref %s.%s: %w", s.Path(), rb.Name, err)
			}
			if err := s.SetRefTarget(ctx, rb.Name, obj, mode); err != nil {
				return err
			}
		}
		for i := range sb.Spaces {
			child, ok := s.Child(sb.Spaces[i].Name)
			if !ok {
				return fmt.Errorf("space %s.%s vanished during load", s.Path(), sb.Spaces[i].Name)
			}
			if err := walkTargets(child, &sb.Spaces[i]); err != nil {
				return err
			}
		}
		return nil
	}
	for i := range decoded.Spaces {
		s, _ := m.Space(decoded.Spaces[i].Name)
		if err := walkTargets(s, &decoded.Spaces[i]); err != nil {
			return nil, err
		}
	}

	var walkBases func(s *model.Space, sb *SpaceBlock) error
	walkBases = func(s *model.Space, sb *SpaceBlock) error {
		if len(sb.Bases) > 0 {
			bases := make([]*model.Space, len(sb.Bases))
			for i, path := range sb.Bases {
				b, err := resolveSpace(m, path)
				if err != nil {
					return fmt.Errorf("bases of %s: %w", s.Path(), err)
				}
				bases[i] = b
			}
			if err := s.SetBases(ctx, bases...); err != nil {
				return err
			}
		}
		for i := range sb.Spaces {
			child, ok := s.Child(sb.Spaces[i].Name)
			if !ok {
				return fmt.Errorf("space %s.%s vanished during load", s.Path(), sb.Spaces[i].Name)
			}
			if err := walkBases(child, &sb.Spaces[i]); err != nil {
				return err
			}
		}
		return nil
	}
	for i := range decoded.Spaces {
		s, _ := m.Space(decoded.Spaces[i].Name)
		if err := walkBases(s, &decoded.Spaces[i]); err != nil {
			return nil, err
		}
	}

	for i := range decoded.Spaces {
		s, _ := m.Space(decoded.Spaces[i].Name)
		if err := replayInputs(ctx, s, &decoded.Spaces[i]); err != nil {
			return nil, err
		}
	}

	ctxlog.FromContext(ctx).Debug("model loaded", "model", m.Name(), "spaces", len(decoded.Spaces))
	return m, nil
}

func buildSpace(ctx context.Context, s *model.Space, sb *SpaceBlock) error {
	if sb.Formula != nil {
		f, err := formula.ParseExpr(sb.Formula.Expr, argkey.Named(sb.Formula.Params...)...)
		if err != nil {
			return fmt.Errorf("space %s formula: %w", s.Path(), err)
		}
		if err := s.SetFormula(ctx, f); err != nil {
			return err
		}
	}
	for _, cb := range sb.Cells {
		var f formula.Formula
		if cb.Formula != nil {
			parsed, err := formula.ParseExpr(*cb.Formula, argkey.Named(cb.Params...)...)
			if err != nil {
				return fmt.Errorf("cells %s.%s: %w", s.Path(), cb.Name, err)
			}
			f = parsed
		}
		c, err := s.NewCells(ctx, cb.Name, f)
		if err != nil {
			return err
		}
		if cb.Cached != nil && !*cb.Cached {
			if err := c.SetCacheEnabled(ctx, false); err != nil {
				return err
			}
		}
	}
	for _, rb := range sb.Refs {
		mode := model.RefAuto
		if rb.Mode != nil {
			parsed, err := model.ParseRefMode(*rb.Mode)
			if err != nil {
				return fmt.Errorf("ref %s.%s: %w", s.Path(), rb.Name, err)
			}
			mode = parsed
		}
		switch {
		case rb.Value != nil && rb.Target != nil:
			return fmt.Errorf("ref %s.%s: value and target are mutually exclusive", s.Path(), rb.Name)
		case rb.Value != nil:
			if err := s.SetRef(ctx, rb.Name, *rb.Value, mode); err != nil {
				return err
			}
		case rb.Target != nil:
			// Target objects may be declared anywhere in the file; the
			// binding is resolved in a later pass, once everything exists.
		default:
			return fmt.Errorf("ref %s.%s: one of value or target is required", s.Path(), rb.Name)
		}
	}
	for i := range sb.Spaces {
		child, err := s.NewSpace(ctx, sb.Spaces[i].Name)
		if err != nil {
			return err
		}
		if err := buildSpace(ctx, child, &sb.Spaces[i]); err != nil {
			return err
		}
	}
	return nil
}

func replayInputs(ctx context.Context, s *model.Space, sb *SpaceBlock) error {
	for _, cb := range sb.Cells {
		if len(cb.Inputs) == 0 {
			continue
		}
		c, ok := s.Cells(cb.Name)
		if !ok {
			return fmt.Errorf("cells %s.%s vanished during load", s.Path(), cb.Name)
		}
		for _, in := range cb.Inputs {
			args, err := tupleElems(in.Args)
			if err != nil {
				return fmt.Errorf("input of %s: %w", c.Path(), err)
			}
			if err := c.SetInput(ctx, in.Value, args...); err != nil {
				return err
			}
		}
	}
	for _, ib := range sb.Items {
		args, err := tupleElems(ib.Args)
		if err != nil {
			return fmt.Errorf("item of %s: %w", s.Path(), err)
		}
		item, err := s.Call(ctx, args...)
		if err != nil {
			return fmt.Errorf("item of %s: %w", s.Path(), err)
		}
		for _, in := range ib.Inputs {
			c, ok := item.Cells(in.Cells)
			if !ok {
				return fmt.Errorf("item of %s: no cells %q", s.Path(), in.Cells)
			}
			cargs, err := tupleElems(in.Args)
			if err != nil {
				return fmt.Errorf("input of %s: %w", c.Path(), err)
			}
			if err := c.SetInput(ctx, in.Value, cargs...); err != nil {
				return err
			}
		}
	}
	for i := range sb.Spaces {
		child, ok := s.Child(sb.Spaces[i].Name)
		if !ok {
			continue
		}
		if err := replayInputs(ctx, child, &sb.Spaces[i]); err != nil {
			return err
		}
	}
	return nil
}

func tupleElems(v cty.Value) ([]cty.Value, error) {
	if v.IsNull() {
		return nil, nil
	}
	ty := v.Type()
	if !ty.IsTupleType() && !ty.IsListType() {
		return nil, fmt.Errorf("args must be a tuple, got %s", ty.FriendlyName())
	}
	var out []cty.Value
	for it := v.ElementIterator(); it.Next(); {
		_, ev := it.Element()
		out = append(out, ev)
	}
	return out, nil
}

// resolveSpace walks a dotted path from the model root to a space.
func resolveSpace(m *model.Model, path string) (*model.Space, error) {
	parts := strings.Split(path, ".")
	s, ok := m.Space(parts[0])
	if !ok {
		return nil, fmt.Errorf("no space %q", parts[0])
	}
	for _, part := range parts[1:] {
		child, ok := s.Child(part)
		if !ok {
			return nil, fmt.Errorf("no space %q under %s", part, s.Path())
		}
		s = child
	}
	return s, nil
}

// resolveTarget resolves a dotted path to a space or, if the last segment
// names a cells inside the second-to-last space, to that cells.
func resolveTarget(m *model.Model, path string) (any, error) {
	if s, err := resolveSpace(m, path); err == nil {
		return s, nil
	}
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return nil, fmt.Errorf("no space or cells at %q", path)
	}
	owner, err := resolveSpace(m, path[:idx])
	if err != nil {
		return nil, fmt.Errorf("target %q: %w", path, err)
	}
	if c, ok := owner.Cells(path[idx+1:]); ok {
		return c, nil
	}
	return nil, fmt.Errorf("no space or cells at %q", path)
}

// SaveFile writes the model's persistable state to path.
func SaveFile(m *model.Model, path string) error {
	data, err := Save(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
