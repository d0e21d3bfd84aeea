package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/modelgrid/internal/formula"
)

func constCells(t *testing.T, s *Space, name string, v int64) *Cells {
	t.Helper()
	c, err := s.NewCells(context.Background(), name, native(nil, nil,
		func(ctx context.Context, scope formula.Resolver, args []cty.Value) (cty.Value, error) {
			return num(v), nil
		}))
	require.NoError(t, err)
	return c
}

func TestDeriveCopiesMembers(t *testing.T) {
	ctx := context.Background()
	m, a := newTestSpace(t)
	constCells(t, a, "foo", 1)
	require.NoError(t, a.SetRef(ctx, "k", num(5), RefAuto))

	b, err := m.NewSpace(ctx, "B")
	require.NoError(t, err)
	require.NoError(t, b.SetBases(ctx, a))

	foo, ok := b.Cells("foo")
	require.True(t, ok)
	assert.True(t, foo.IsDerived())
	v, err := foo.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requireInt(t, v))

	r, ok := b.Ref("k")
	require.True(t, ok)
	assert.True(t, r.IsDerived())
	assert.Equal(t, int64(5), requireInt(t, r.Value()))
}

func TestBaseEditPropagatesToSubs(t *testing.T) {
	ctx := context.Background()
	m, a := newTestSpace(t)
	b, err := m.NewSpace(ctx, "B")
	require.NoError(t, err)
	require.NoError(t, b.SetBases(ctx, a))

	constCells(t, a, "late", 7)
	late, ok := b.Cells("late")
	require.True(t, ok, "members defined after SetBases still flow down")
	v, err := late.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), requireInt(t, v))

	require.NoError(t, a.RemoveCells(ctx, "late"))
	_, ok = b.Cells("late")
	assert.False(t, ok, "removing the source removes the derived copy")
}

func TestOverrideShadowsBaseWithoutTouchingIt(t *testing.T) {
	ctx := context.Background()
	m, a := newTestSpace(t)
	constCells(t, a, "foo", 1)

	b, err := m.NewSpace(ctx, "B")
	require.NoError(t, err)
	require.NoError(t, b.SetBases(ctx, a))
	constCells(t, b, "foo", 2)

	bFoo, _ := b.Cells("foo")
	assert.False(t, bFoo.IsDerived())
	v, err := bFoo.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), requireInt(t, v))

	aFoo, _ := a.Cells("foo")
	v, err = aFoo.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requireInt(t, v), "the base is unaffected by the override")

	// Removing the override restores the inherited member.
	require.NoError(t, b.RemoveCells(ctx, "foo"))
	bFoo, ok := b.Cells("foo")
	require.True(t, ok)
	assert.True(t, bFoo.IsDerived())
	v, err = bFoo.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requireInt(t, v))
}

func TestPrecedenceIsC3Order(t *testing.T) {
	ctx := context.Background()
	m, a := newTestSpace(t)
	constCells(t, a, "who", 1)

	b, err := m.NewSpace(ctx, "B")
	require.NoError(t, err)
	require.NoError(t, b.SetBases(ctx, a))
	constCells(t, b, "who", 2)

	c, err := m.NewSpace(ctx, "C")
	require.NoError(t, err)
	require.NoError(t, c.SetBases(ctx, a))
	constCells(t, c, "who", 3)

	d, err := m.NewSpace(ctx, "D")
	require.NoError(t, err)
	require.NoError(t, d.SetBases(ctx, b, c))

	mro := d.Precedence()
	require.Len(t, mro, 4)
	assert.Equal(t, []*Space{d, b, c, a}, mro)

	who, _ := d.Cells("who")
	v, err := who.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), requireInt(t, v), "the earlier base wins")
}

func TestInconsistentHierarchyIsRejectedAtomically(t *testing.T) {
	ctx := context.Background()
	m, s1 := newTestSpace(t)
	s2, err := m.NewSpace(ctx, "S2")
	require.NoError(t, err)

	x, err := m.NewSpace(ctx, "X")
	require.NoError(t, err)
	require.NoError(t, x.SetBases(ctx, s1, s2))
	y, err := m.NewSpace(ctx, "Y")
	require.NoError(t, err)
	require.NoError(t, y.SetBases(ctx, s2, s1))

	z, err := m.NewSpace(ctx, "Z")
	require.NoError(t, err)
	constCells(t, z, "own", 9)
	err = z.SetBases(ctx, x, y)
	var he *HierarchyError
	require.ErrorAs(t, err, &he)

	assert.Empty(t, z.Bases(), "failed assignment leaves the old bases in place")
	own, ok := z.Cells("own")
	require.True(t, ok)
	assert.False(t, own.IsDerived())
}

func TestBaseValidation(t *testing.T) {
	ctx := context.Background()
	m, a := newTestSpace(t)
	sub, err := a.NewSpace(ctx, "Sub")
	require.NoError(t, err)
	other, err := m.NewSpace(ctx, "Other")
	require.NoError(t, err)

	var se *StructureError
	require.ErrorAs(t, a.SetBases(ctx, a), &se)
	require.ErrorAs(t, a.SetBases(ctx, sub), &se)
	require.ErrorAs(t, sub.SetBases(ctx, a), &se)
	require.ErrorAs(t, a.SetBases(ctx, other, other), &se)

	m2 := New("other_model")
	foreign, err := m2.NewSpace(ctx, "F")
	require.NoError(t, err)
	require.ErrorAs(t, a.SetBases(ctx, foreign), &se)
}

func TestRemoveSpaceRejectedWhileInUseAsBase(t *testing.T) {
	ctx := context.Background()
	m, parent := newTestSpace(t)
	base, err := parent.NewSpace(ctx, "Base")
	require.NoError(t, err)
	sub, err := m.NewSpace(ctx, "Sub")
	require.NoError(t, err)
	require.NoError(t, sub.SetBases(ctx, base))

	var se *StructureError
	require.ErrorAs(t, parent.RemoveSpace(ctx, "Base"), &se)

	require.NoError(t, sub.SetBases(ctx))
	require.NoError(t, parent.RemoveSpace(ctx, "Base"))
}

func TestDerivedChildSpacesFollowBases(t *testing.T) {
	ctx := context.Background()
	m, a := newTestSpace(t)
	aSub, err := a.NewSpace(ctx, "Sub")
	require.NoError(t, err)
	constCells(t, aSub, "f", 11)

	b, err := m.NewSpace(ctx, "B")
	require.NoError(t, err)
	require.NoError(t, b.SetBases(ctx, a))

	bSub, ok := b.Child("Sub")
	require.True(t, ok)
	assert.True(t, bSub.IsDerived())
	f, ok := bSub.Cells("f")
	require.True(t, ok)
	v, err := f.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), requireInt(t, v))

	// Edits deep in the base tree reach the derived copy.
	constCells(t, aSub, "g", 12)
	_, ok = bSub.Cells("g")
	assert.True(t, ok)
}

func TestSelfDefinedChildInheritsImplicitly(t *testing.T) {
	ctx := context.Background()
	m, a := newTestSpace(t)
	aSub, err := a.NewSpace(ctx, "Sub")
	require.NoError(t, err)
	constCells(t, aSub, "f", 11)

	b, err := m.NewSpace(ctx, "B")
	require.NoError(t, err)
	require.NoError(t, b.SetBases(ctx, a))

	// Defining B.Sub replaces the derived copy but keeps inheriting from
	// A.Sub, so its own members and the inherited ones coexist.
	bSub, err := b.NewSpace(ctx, "Sub")
	require.NoError(t, err)
	constCells(t, bSub, "own", 21)

	f, ok := bSub.Cells("f")
	require.True(t, ok)
	assert.True(t, f.IsDerived())
	own, ok := bSub.Cells("own")
	require.True(t, ok)
	assert.False(t, own.IsDerived())
	v, err := f.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), requireInt(t, v))
	v, err = own.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(21), requireInt(t, v))
}

func TestFormulaChangeInBaseClearsDerivedCaches(t *testing.T) {
	ctx := context.Background()
	m, a := newTestSpace(t)
	foo := constCells(t, a, "foo", 1)

	b, err := m.NewSpace(ctx, "B")
	require.NoError(t, err)
	require.NoError(t, b.SetBases(ctx, a))

	bFoo, _ := b.Cells("foo")
	v, err := bFoo.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requireInt(t, v))

	require.NoError(t, foo.SetFormula(ctx, native(nil, nil,
		func(ctx context.Context, scope formula.Resolver, args []cty.Value) (cty.Value, error) {
			return num(2), nil
		})))

	bFoo, _ = b.Cells("foo")
	v, err = bFoo.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), requireInt(t, v), "derived copies follow the base formula")
}

func TestUnrelatedBaseEditKeepsDerivedIdentityAndCache(t *testing.T) {
	ctx := context.Background()
	m, a := newTestSpace(t)
	calls := 0
	_, err := a.NewCells(ctx, "foo", native(nil, nil,
		func(ctx context.Context, scope formula.Resolver, args []cty.Value) (cty.Value, error) {
			calls++
			return num(1), nil
		}))
	require.NoError(t, err)

	b, err := m.NewSpace(ctx, "B")
	require.NoError(t, err)
	require.NoError(t, b.SetBases(ctx, a))

	bFoo, _ := b.Cells("foo")
	_, err = bFoo.Call(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// A new unrelated member re-derives B but must not disturb foo.
	constCells(t, a, "other", 2)

	after, ok := b.Cells("foo")
	require.True(t, ok)
	assert.Same(t, bFoo, after, "unchanged derived members keep their identity")
	_, err = after.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "the cached value survives the re-derivation")
}

func TestRefModesOnDerive(t *testing.T) {
	ctx := context.Background()
	m, a := newTestSpace(t)
	aSub, err := a.NewSpace(ctx, "Sub")
	require.NoError(t, err)

	require.NoError(t, a.SetRefTarget(ctx, "rel", aSub, RefRelative))
	require.NoError(t, a.SetRefTarget(ctx, "abs", aSub, RefAbsolute))

	b, err := m.NewSpace(ctx, "B")
	require.NoError(t, err)
	require.NoError(t, b.SetBases(ctx, a))

	bSub, ok := b.Child("Sub")
	require.True(t, ok)

	rel, _ := b.Ref("rel")
	assert.Same(t, bSub, rel.Target(), "relative refs rebind into the derived tree")
	abs, _ := b.Ref("abs")
	assert.Same(t, aSub, abs.Target(), "absolute refs keep the original target")
}

func TestRelativeRefOutsideSubtreeRejected(t *testing.T) {
	ctx := context.Background()
	m, a := newTestSpace(t)
	other, err := m.NewSpace(ctx, "Other")
	require.NoError(t, err)

	var rme *RefModeError
	require.ErrorAs(t, a.SetRefTarget(ctx, "bad", other, RefRelative), &rme)
}

func TestAutoModeFallsBackToAbsolute(t *testing.T) {
	ctx := context.Background()
	m, a := newTestSpace(t)
	other, err := m.NewSpace(ctx, "Other")
	require.NoError(t, err)

	// The target is outside A's subtree, so derived copies cannot retarget
	// relatively and fall back to the original object.
	require.NoError(t, a.SetRefTarget(ctx, "auto", other, RefAuto))

	b, err := m.NewSpace(ctx, "B")
	require.NoError(t, err)
	require.NoError(t, b.SetBases(ctx, a))

	r, _ := b.Ref("auto")
	assert.Same(t, other, r.Target())
}

func TestDiamondRederivesTransitively(t *testing.T) {
	ctx := context.Background()
	m, a := newTestSpace(t)

	b, err := m.NewSpace(ctx, "B")
	require.NoError(t, err)
	require.NoError(t, b.SetBases(ctx, a))
	c, err := m.NewSpace(ctx, "C")
	require.NoError(t, err)
	require.NoError(t, c.SetBases(ctx, b))

	constCells(t, a, "deep", 3)
	f, ok := c.Cells("deep")
	require.True(t, ok, "a base edit reaches subs of subs")
	v, err := f.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), requireInt(t, v))
}
