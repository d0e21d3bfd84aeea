// Package formula models the calculation attached to a cells or a
// parameterized space: an opaque callable plus its declared parameters, its
// set of free names, and its source text.
//
// The engine never inspects a formula body. It only consumes the three facts
// above and supplies the execution environment explicitly through a Resolver,
// so name resolution is dynamic scoping over the owning space, never a
// host-language closure capture.
package formula

import (
	"context"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/modelgrid/internal/argkey"
)

// Resolver is the execution environment injected into a formula invocation.
// Every lookup that resolves to another cells' value or a reference is
// observed by the engine, which is how precedent edges get recorded.
type Resolver interface {
	// Value resolves a free name to a reference or parameter binding.
	Value(name string) (cty.Value, error)

	// Call invokes a cells visible in the scope with the given arguments.
	Call(ctx context.Context, name string, args ...cty.Value) (cty.Value, error)

	// Sub returns the scope of a child space visible under the given name.
	// Lookups through the returned scope are tracked per individual access.
	Sub(name string) (Resolver, error)

	// Item resolves a parameterized space visible in the scope into the
	// scope of its item space for the given arguments.
	Item(ctx context.Context, name string, args ...cty.Value) (Resolver, error)

	// EvalContext materializes the full namespace as an HCL evaluation
	// context, for expression formulas.
	EvalContext(ctx context.Context) (*hcl.EvalContext, error)
}

// Func is the shape of a native formula body.
type Func func(ctx context.Context, scope Resolver, args []cty.Value) (cty.Value, error)

// Formula is an opaque callable plus the metadata the engine consumes.
type Formula interface {
	// Parameters returns the declared parameter list in order.
	Parameters() []argkey.Param

	// FreeNames returns the free (non-parameter) names the formula body
	// references, as reported by its analyzer. Used for conservative
	// invalidation when a same-named reference changes.
	FreeNames() []string

	// Source returns the formula's source text for tracebacks.
	Source() string

	// Invoke executes the formula with a full positional argument tuple.
	Invoke(ctx context.Context, scope Resolver, args []cty.Value) (cty.Value, error)
}

// Native is a formula backed by a Go function. The caller declares the free
// names; the engine has no way to discover them from a compiled body.
type Native struct {
	params []argkey.Param
	names  []string
	src    string
	fn     Func
}

// NewNative wraps a Go function as a formula. freeNames lists the reference
// names the body reads through its scope at the top level; source is a
// human-readable rendition for tracebacks and may be empty.
func NewNative(fn Func, params []argkey.Param, freeNames []string, source string) *Native {
	return &Native{
		params: params,
		names:  append([]string(nil), freeNames...),
		src:    source,
		fn:     fn,
	}
}

func (n *Native) Parameters() []argkey.Param { return n.params }
func (n *Native) FreeNames() []string        { return n.names }
func (n *Native) Source() string             { return n.src }

func (n *Native) Invoke(ctx context.Context, scope Resolver, args []cty.Value) (cty.Value, error) {
	return n.fn(ctx, scope, args)
}
