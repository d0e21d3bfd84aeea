package formula

import (
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"

	"github.com/vk/modelgrid/internal/argkey"
)

// analyze extracts the free names of an expression: the root names of all
// variable traversals plus every called function name, excluding declared
// parameters. The result is sorted for deterministic output.
func analyze(expr hclsyntax.Expression, params []argkey.Param) []string {
	found := make(map[string]struct{})

	// Variables() gives robust traversal collection; only the root name
	// matters for namespace binding.
	for _, traversal := range expr.Variables() {
		found[traversal.RootName()] = struct{}{}
	}

	// Function calls don't appear in Variables(), so walk the syntax tree
	// for them separately.
	collector := &funcCollector{names: found}
	hclsyntax.Walk(expr, collector)

	for _, p := range params {
		delete(found, p.Name)
	}

	names := make([]string, 0, len(found))
	for n := range found {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// funcCollector gathers function call names during a syntax walk.
type funcCollector struct {
	names map[string]struct{}
}

func (c *funcCollector) Enter(node hclsyntax.Node) hcl.Diagnostics {
	if call, ok := node.(*hclsyntax.FunctionCallExpr); ok {
		c.names[call.Name] = struct{}{}
	}
	return nil
}

func (c *funcCollector) Exit(node hclsyntax.Node) hcl.Diagnostics {
	return nil
}
