package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/modelgrid/internal/ctxlog"
	"github.com/vk/modelgrid/internal/model"
)

// Run executes the main application logic: evaluate the target cells and
// print the result, or list the model's structure when no target was given.
func (a *App) Run(ctx context.Context, cfg *Config) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if cfg.Target == "" {
		a.printStructure()
		return nil
	}

	c, err := a.resolveCells(cfg.Target)
	if err != nil {
		return err
	}

	args, err := parseArgs(cfg.Args)
	if err != nil {
		return err
	}

	a.logger.Debug("evaluating target", "cells", c.Path(), "args", len(args))
	v, err := c.Call(ctx, args...)
	if err != nil {
		return fmt.Errorf("evaluating %s: %w", c.Path(), err)
	}

	fmt.Fprintf(a.outW, "%s\n", renderValue(v))
	a.logger.Debug("App.Run method finished.")
	return nil
}

// resolveCells walks a dotted path like "Main.Sub.fibo" to a cells.
func (a *App) resolveCells(path string) (*model.Cells, error) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("target %q must name a cells inside a space, like Space.cells", path)
	}
	s, ok := a.model.Space(parts[0])
	if !ok {
		return nil, fmt.Errorf("no space %q in model %s", parts[0], a.model.Name())
	}
	for _, part := range parts[1 : len(parts)-1] {
		child, ok := s.Child(part)
		if !ok {
			return nil, fmt.Errorf("no space %q under %s", part, s.Path())
		}
		s = child
	}
	c, ok := s.Cells(parts[len(parts)-1])
	if !ok {
		return nil, fmt.Errorf("no cells %q in %s", parts[len(parts)-1], s.Path())
	}
	return c, nil
}

// printStructure lists the model's spaces and their cells.
func (a *App) printStructure() {
	fmt.Fprintf(a.outW, "model %s\n", a.model.Name())
	var walk func(s *model.Space, indent string)
	walk = func(s *model.Space, indent string) {
		fmt.Fprintf(a.outW, "%sspace %s\n", indent, s.Name())
		for _, c := range s.CellsAll() {
			params := make([]string, len(c.Parameters()))
			for i, p := range c.Parameters() {
				params[i] = p.Name
			}
			fmt.Fprintf(a.outW, "%s  cells %s(%s)\n", indent, c.Name(), strings.Join(params, ", "))
		}
		for _, child := range s.Children() {
			walk(child, indent+"  ")
		}
	}
	for _, s := range a.model.Spaces() {
		walk(s, "")
	}
}

// parseArgs evaluates each CLI argument as a literal HCL expression, so
// numbers, strings and collections all work: 3, "abc", [1, 2].
func parseArgs(raw []string) ([]cty.Value, error) {
	args := make([]cty.Value, len(raw))
	for i, r := range raw {
		expr, diags := hclsyntax.ParseExpression([]byte(r), "<arg>", hcl.InitialPos)
		if diags.HasErrors() {
			return nil, fmt.Errorf("argument %d (%q): %s", i, r, diags.Error())
		}
		v, diags := expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("argument %d (%q): %s", i, r, diags.Error())
		}
		args[i] = v
	}
	return args, nil
}

func renderValue(v cty.Value) string {
	return strings.TrimSpace(string(hclwrite.TokensForValue(v).Bytes()))
}
