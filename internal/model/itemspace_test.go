package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/modelgrid/internal/argkey"
	"github.com/vk/modelgrid/internal/formula"
)

// nullSpaceFormula parameterizes a space without overriding anything.
func nullSpaceFormula(free []string, params ...string) formula.Formula {
	return native(argkey.Named(params...), free,
		func(ctx context.Context, scope formula.Resolver, args []cty.Value) (cty.Value, error) {
			return cty.NullVal(cty.DynamicPseudoType), nil
		})
}

func newParamSpace(t *testing.T) (*Model, *Space) {
	t.Helper()
	ctx := context.Background()
	m, root := newTestSpace(t)
	disc, err := root.NewSpace(ctx, "Disc")
	require.NoError(t, err)
	require.NoError(t, disc.SetFormula(ctx, nullSpaceFormula(nil, "rate")))
	_, err = disc.NewCells(ctx, "scaled", native(argkey.Named("x"), nil,
		func(ctx context.Context, scope formula.Resolver, args []cty.Value) (cty.Value, error) {
			rate, err := scope.Value("rate")
			if err != nil {
				return cty.NilVal, err
			}
			return args[0].Multiply(rate), nil
		}))
	require.NoError(t, err)
	return m, disc
}

func TestItemSpacesBindParameters(t *testing.T) {
	ctx := context.Background()
	_, disc := newParamSpace(t)

	item, err := disc.Call(ctx, num(3))
	require.NoError(t, err)
	assert.True(t, item.IsItem())
	assert.Same(t, disc, item.ItemOf())

	scaled, ok := item.Cells("scaled")
	require.True(t, ok)
	v, err := scaled.Call(ctx, num(7))
	require.NoError(t, err)
	assert.Equal(t, int64(21), requireInt(t, v))
}

func TestItemSpacesAreMemoizedByCanonicalArgs(t *testing.T) {
	ctx := context.Background()
	_, disc := newParamSpace(t)

	first, err := disc.Call(ctx, num(3))
	require.NoError(t, err)
	second, err := disc.Call(ctx, num(3))
	require.NoError(t, err)
	assert.Same(t, first, second)

	named, err := disc.CallNamed(ctx, map[string]cty.Value{"rate": num(3)})
	require.NoError(t, err)
	assert.Same(t, first, named, "keyword arguments hit the same item")

	other, err := disc.Call(ctx, num(4))
	require.NoError(t, err)
	assert.NotSame(t, first, other)
	assert.Len(t, disc.Items(), 2)
}

func TestItemSpacesAreReadOnly(t *testing.T) {
	ctx := context.Background()
	_, disc := newParamSpace(t)

	item, err := disc.Call(ctx, num(3))
	require.NoError(t, err)

	var se *StructureError
	_, err = item.NewCells(ctx, "x", nil)
	require.ErrorAs(t, err, &se)
	require.ErrorAs(t, item.SetRef(ctx, "r", num(1), RefAuto), &se)
	_, err = item.NewSpace(ctx, "Sub")
	require.ErrorAs(t, err, &se)
}

func TestItemSpacesCannotBeBases(t *testing.T) {
	ctx := context.Background()
	m, disc := newParamSpace(t)

	item, err := disc.Call(ctx, num(3))
	require.NoError(t, err)

	other, err := m.NewSpace(ctx, "Other")
	require.NoError(t, err)
	var se *StructureError
	require.ErrorAs(t, other.SetBases(ctx, item), &se)
}

func TestStructuralChangeEvictsItems(t *testing.T) {
	ctx := context.Background()
	_, disc := newParamSpace(t)

	before, err := disc.Call(ctx, num(3))
	require.NoError(t, err)

	constCells(t, disc, "extra", 1)
	assert.Empty(t, disc.Items(), "a member edit evicts every item")

	after, err := disc.Call(ctx, num(3))
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	_, ok := after.Cells("extra")
	assert.True(t, ok, "rebuilt items see the new member")
}

func TestFormulaChangeEvictsItems(t *testing.T) {
	ctx := context.Background()
	_, disc := newParamSpace(t)

	before, err := disc.Call(ctx, num(3))
	require.NoError(t, err)

	require.NoError(t, disc.SetFormula(ctx, nullSpaceFormula(nil, "rate")))
	after, err := disc.Call(ctx, num(3))
	require.NoError(t, err)
	assert.NotSame(t, before, after)
}

func TestAscendantChangeEvictsNestedItems(t *testing.T) {
	ctx := context.Background()
	_, disc := newParamSpace(t)
	sub, err := disc.NewSpace(ctx, "Sub")
	require.NoError(t, err)

	_, err = disc.Call(ctx, num(3))
	require.NoError(t, err)
	require.Len(t, disc.Items(), 1)

	// An edit inside a child space still invalidates items of the
	// parameterized ascendant.
	constCells(t, sub, "f", 1)
	assert.Empty(t, disc.Items())
}

func TestPrecedentChangeEvictsItems(t *testing.T) {
	ctx := context.Background()
	m, root := newTestSpace(t)
	require.NoError(t, m.SetRef(ctx, "base", num(100)))

	pricer, err := root.NewSpace(ctx, "Pricer")
	require.NoError(t, err)
	require.NoError(t, pricer.SetFormula(ctx, native(argkey.Named("load"), []string{"base"},
		func(ctx context.Context, scope formula.Resolver, args []cty.Value) (cty.Value, error) {
			b, err := scope.Value("base")
			if err != nil {
				return cty.NilVal, err
			}
			return cty.ObjectVal(map[string]cty.Value{"price": b.Add(args[0])}), nil
		})))

	first, err := pricer.Call(ctx, num(5))
	require.NoError(t, err)
	r, ok := first.Ref("price")
	require.True(t, ok)
	assert.Equal(t, int64(105), requireInt(t, r.Value()))

	// The item was built from the ref's value, so reassigning it drops the
	// item lazily on next access.
	require.NoError(t, m.SetRef(ctx, "base", num(200)))
	second, err := pricer.Call(ctx, num(5))
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	r, ok = second.Ref("price")
	require.True(t, ok)
	assert.Equal(t, int64(205), requireInt(t, r.Value()))
}

func TestOverridesShadowCopiedRefs(t *testing.T) {
	ctx := context.Background()
	_, root := newTestSpace(t)

	sp, err := root.NewSpace(ctx, "Sp")
	require.NoError(t, err)
	require.NoError(t, sp.SetRef(ctx, "k", num(1), RefAuto))
	require.NoError(t, sp.SetFormula(ctx, native(argkey.Named("n"), nil,
		func(ctx context.Context, scope formula.Resolver, args []cty.Value) (cty.Value, error) {
			return cty.ObjectVal(map[string]cty.Value{"k": args[0]}), nil
		})))
	_, err = sp.NewCells(ctx, "readK", native(nil, []string{"k"},
		func(ctx context.Context, scope formula.Resolver, args []cty.Value) (cty.Value, error) {
			return scope.Value("k")
		}))
	require.NoError(t, err)

	item, err := sp.Call(ctx, num(42))
	require.NoError(t, err)
	readK, _ := item.Cells("readK")
	v, err := readK.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), requireInt(t, v), "the override wins inside the item")

	// The parameterized space itself still sees the original ref.
	base, _ := sp.Cells("readK")
	v, err = base.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requireInt(t, v))
}

func TestSpaceFormulaInheritedButItemsAreNot(t *testing.T) {
	ctx := context.Background()
	m, disc := newParamSpace(t)

	_, err := disc.Call(ctx, num(3))
	require.NoError(t, err)

	sub, err := m.NewSpace(ctx, "SubModel")
	require.NoError(t, err)
	require.NoError(t, sub.SetBases(ctx, disc))

	require.NotNil(t, sub.Formula(), "the space formula is inherited")
	assert.Empty(t, sub.Items(), "materialized items are not")

	item, err := sub.Call(ctx, num(3))
	require.NoError(t, err)
	scaled, ok := item.Cells("scaled")
	require.True(t, ok)
	v, err := scaled.Call(ctx, num(2))
	require.NoError(t, err)
	assert.Equal(t, int64(6), requireInt(t, v))
}

func TestNestedItemAccessFromFormulas(t *testing.T) {
	ctx := context.Background()
	_, root := newTestSpace(t)

	fib, err := root.NewSpace(ctx, "Fib")
	require.NoError(t, err)
	require.NoError(t, fib.SetFormula(ctx, nullSpaceFormula(nil, "n")))
	_, err = fib.NewCells(ctx, "value", native(nil, nil,
		func(ctx context.Context, scope formula.Resolver, args []cty.Value) (cty.Value, error) {
			n, err := scope.Value("n")
			if err != nil {
				return cty.NilVal, err
			}
			i := requireInt(t, n)
			if i < 2 {
				return n, nil
			}
			prev, err := scope.Item(ctx, "Fib", num(i-1))
			if err != nil {
				return cty.NilVal, err
			}
			a, err := prev.Call(ctx, "value")
			if err != nil {
				return cty.NilVal, err
			}
			prev2, err := scope.Item(ctx, "Fib", num(i-2))
			if err != nil {
				return cty.NilVal, err
			}
			b, err := prev2.Call(ctx, "value")
			if err != nil {
				return cty.NilVal, err
			}
			return a.Add(b), nil
		}))
	require.NoError(t, err)

	// A self-reference makes the factory reachable from inside its own
	// items, Fib[n] computing via Fib[n-1] and Fib[n-2].
	require.NoError(t, fib.SetRefTarget(ctx, "Fib", fib, RefAbsolute))

	item, err := fib.Call(ctx, num(10))
	require.NoError(t, err)
	value, _ := item.Cells("value")
	v, err := value.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(55), requireInt(t, v))
}

func TestUnknownArgumentValueRejectedForItems(t *testing.T) {
	ctx := context.Background()
	_, disc := newParamSpace(t)

	_, err := disc.Call(ctx, cty.UnknownVal(cty.Number))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache key")
}
