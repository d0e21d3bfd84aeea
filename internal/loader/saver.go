package loader

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/modelgrid/internal/argkey"
	"github.com/vk/modelgrid/internal/graph"
	"github.com/vk/modelgrid/internal/model"
)

// Save renders the model's persistable state as a definition file: model
// refs, self-defined spaces, cells and references, and input-state node
// values. Derived members and calculated values are omitted; both are
// reproduced on load.
func Save(m *model.Model) ([]byte, error) {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	mb := body.AppendNewBlock("model", []string{m.Name()})
	for _, r := range m.Refs() {
		rb := mb.Body().AppendNewBlock("ref", []string{r.Name()})
		rb.Body().SetAttributeValue("value", r.Value())
	}

	for _, s := range m.Spaces() {
		body.AppendNewline()
		if err := writeSpace(body, s); err != nil {
			return nil, err
		}
	}
	return f.Bytes(), nil
}

func writeSpace(parent *hclwrite.Body, s *model.Space) error {
	block := parent.AppendNewBlock("space", []string{s.Name()})
	body := block.Body()

	if bases := s.Bases(); len(bases) > 0 {
		paths := make([]cty.Value, len(bases))
		for i, b := range bases {
			paths[i] = cty.StringVal(b.Path())
		}
		body.SetAttributeValue("bases", cty.TupleVal(paths))
	}

	if s.DefinesFormula() {
		f := s.Formula()
		if f.Source() == "" {
			return fmt.Errorf("space %s: formula has no serializable source", s.Path())
		}
		fb := body.AppendNewBlock("formula", nil)
		if params := paramNames(s); len(params) > 0 {
			fb.Body().SetAttributeValue("params", stringTuple(params))
		}
		fb.Body().SetAttributeValue("expr", cty.StringVal(f.Source()))
	}

	for _, c := range s.CellsAll() {
		if c.IsDerived() {
			continue
		}
		if err := writeCells(body, c); err != nil {
			return err
		}
	}

	for _, r := range s.Refs() {
		if r.IsDerived() {
			continue
		}
		rb := body.AppendNewBlock("ref", []string{r.Name()})
		switch target := r.Target().(type) {
		case nil:
			rb.Body().SetAttributeValue("value", r.Value())
		case *model.Space:
			rb.Body().SetAttributeValue("target", cty.StringVal(target.Path()))
		case *model.Cells:
			rb.Body().SetAttributeValue("target", cty.StringVal(target.Path()))
		default:
			return fmt.Errorf("ref %s.%s: unsupported target %T", s.Path(), r.Name(), target)
		}
		if r.Mode() != model.RefAuto {
			rb.Body().SetAttributeValue("mode", cty.StringVal(r.Mode().String()))
		}
	}

	writeItems(body, s)

	for _, child := range s.Children() {
		if !child.IsDefined() {
			continue
		}
		if err := writeSpace(body, child); err != nil {
			return err
		}
	}
	return nil
}

// writeItems persists the item spaces that hold input values. Items without
// inputs carry no state the factory cannot rebuild, so they are skipped.
func writeItems(body *hclwrite.Body, s *model.Space) {
	items := s.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	for _, k := range keys {
		item := items[argkey.Key(k)]
		type stored struct {
			cells string
			entry graph.Entry
		}
		var inputs []stored
		for _, c := range item.CellsAll() {
			for _, e := range c.Inputs() {
				inputs = append(inputs, stored{cells: c.Name(), entry: e})
			}
		}
		if len(inputs) == 0 {
			continue
		}
		ib := body.AppendNewBlock("item", nil)
		ib.Body().SetAttributeValue("args", argsTuple(item.ItemArgs()))
		for _, in := range inputs {
			inb := ib.Body().AppendNewBlock("input", nil)
			inb.Body().SetAttributeValue("cells", cty.StringVal(in.cells))
			inb.Body().SetAttributeValue("args", argsTuple(in.entry.Args))
			inb.Body().SetAttributeValue("value", in.entry.Value)
		}
	}
}

func writeCells(body *hclwrite.Body, c *model.Cells) error {
	block := body.AppendNewBlock("cells", []string{c.Name()})
	cb := block.Body()

	if f := c.Formula(); f != nil {
		if f.Source() == "" {
			return fmt.Errorf("cells %s: formula has no serializable source", c.Path())
		}
		names := make([]string, len(f.Parameters()))
		for i, p := range f.Parameters() {
			names[i] = p.Name
		}
		if len(names) > 0 {
			cb.SetAttributeValue("params", stringTuple(names))
		}
		cb.SetAttributeValue("formula", cty.StringVal(f.Source()))
	}
	if !c.IsCached() {
		cb.SetAttributeValue("cached", cty.False)
	}

	for _, e := range c.Inputs() {
		if e.State != graph.StateInput {
			continue
		}
		ib := cb.AppendNewBlock("input", nil)
		ib.Body().SetAttributeValue("args", argsTuple(e.Args))
		ib.Body().SetAttributeValue("value", e.Value)
	}
	return nil
}

func paramNames(s *model.Space) []string {
	params := s.Parameters()
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	return names
}

func stringTuple(names []string) cty.Value {
	vals := make([]cty.Value, len(names))
	for i, n := range names {
		vals[i] = cty.StringVal(n)
	}
	return cty.TupleVal(vals)
}

func argsTuple(args []cty.Value) cty.Value {
	if len(args) == 0 {
		return cty.EmptyTupleVal
	}
	return cty.TupleVal(args)
}
