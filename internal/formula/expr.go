package formula

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/modelgrid/internal/argkey"
)

// Expr is a formula backed by an HCL expression. Its free names are
// discovered by syntax analysis, so the engine never needs the caller to
// declare them.
type Expr struct {
	params []argkey.Param
	expr   hclsyntax.Expression
	src    string
	names  []string
}

// ParseExpr parses source as a single HCL expression and analyzes its free
// names (variable roots and called function names, minus the declared
// parameters).
func ParseExpr(src string, params ...argkey.Param) (*Expr, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), "<formula>", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing formula: %w", diags)
	}
	return &Expr{
		params: params,
		expr:   expr,
		src:    src,
		names:  analyze(expr, params),
	}, nil
}

func (e *Expr) Parameters() []argkey.Param { return e.params }
func (e *Expr) FreeNames() []string        { return e.names }
func (e *Expr) Source() string             { return e.src }

// Invoke evaluates the expression in a child context of the scope's
// namespace, with the parameters bound as local variables.
func (e *Expr) Invoke(ctx context.Context, scope Resolver, args []cty.Value) (cty.Value, error) {
	ectx, err := scope.EvalContext(ctx)
	if err != nil {
		return cty.NilVal, err
	}
	if len(args) != len(e.params) {
		return cty.NilVal, fmt.Errorf("formula takes %d arguments, got %d", len(e.params), len(args))
	}

	child := ectx.NewChild()
	child.Variables = make(map[string]cty.Value, len(e.params))
	for i, p := range e.params {
		child.Variables[p.Name] = args[i]
	}

	v, diags := e.expr.Value(child)
	if diags.HasErrors() {
		return cty.NilVal, diags
	}
	return v, nil
}
