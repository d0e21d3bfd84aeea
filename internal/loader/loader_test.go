package loader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/modelgrid/internal/model"
)

const pricingSource = `
model "pricing" {
  ref "offset" {
    value = 5
  }
}

space "Main" {
  cells "scale" {
    params  = ["n"]
    formula = "n * rate + offset"
  }

  ref "rate" {
    value = 2
  }
}
`

func requireInt(t *testing.T, v cty.Value) int64 {
	t.Helper()
	i, _ := v.AsBigFloat().Int64()
	return i
}

func TestLoadBuildsEvaluatableModel(t *testing.T) {
	ctx := context.Background()
	m, err := Load(ctx, []byte(pricingSource), "pricing.hcl")
	require.NoError(t, err)
	assert.Equal(t, "pricing", m.Name())

	main, ok := m.Space("Main")
	require.True(t, ok)
	scale, ok := main.Cells("scale")
	require.True(t, ok)

	v, err := scale.Call(ctx, cty.NumberIntVal(10))
	require.NoError(t, err)
	assert.Equal(t, int64(25), requireInt(t, v))

	rate, ok := main.Ref("rate")
	require.True(t, ok)
	assert.Equal(t, int64(2), requireInt(t, rate.Value()))
}

func TestLoadWiresBasesAcrossSpaces(t *testing.T) {
	src := `
space "Base" {
  cells "foo" {
    formula = "1"
  }
}

space "Sub" {
  bases = ["Base"]
}
`
	ctx := context.Background()
	m, err := Load(ctx, []byte(src), "bases.hcl")
	require.NoError(t, err)

	sub, ok := m.Space("Sub")
	require.True(t, ok)
	foo, ok := sub.Cells("foo")
	require.True(t, ok)
	assert.True(t, foo.IsDerived())

	v, err := foo.Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requireInt(t, v))
}

func TestLoadReplaysInputsAndTargets(t *testing.T) {
	src := `
space "Main" {
  cells "price" {
    params  = ["year"]
    formula = "price(year - 1) * 2"

    input {
      args  = [2020]
      value = 100
    }
  }

  ref "self" {
    target = "Main"
    mode   = "absolute"
  }
}
`
	ctx := context.Background()
	m, err := Load(ctx, []byte(src), "inputs.hcl")
	require.NoError(t, err)

	main, _ := m.Space("Main")
	price, ok := main.Cells("price")
	require.True(t, ok)

	v, err := price.Call(ctx, cty.NumberIntVal(2020))
	require.NoError(t, err)
	assert.Equal(t, int64(100), requireInt(t, v), "the stored input shadows the formula")

	// The recursion walks back year by year until it hits the input.
	v, err = price.Call(ctx, cty.NumberIntVal(2022))
	require.NoError(t, err)
	assert.Equal(t, int64(400), requireInt(t, v))

	self, ok := main.Ref("self")
	require.True(t, ok)
	assert.Same(t, main, self.Target())
	assert.Equal(t, model.RefAbsolute, self.Mode())
}

func TestLoadParameterizedSpace(t *testing.T) {
	src := `
space "Disc" {
  formula {
    params = ["rate"]
    expr   = "null"
  }

  cells "scaled" {
    params  = ["x"]
    formula = "x * rate"
  }
}
`
	ctx := context.Background()
	m, err := Load(ctx, []byte(src), "param.hcl")
	require.NoError(t, err)

	disc, _ := m.Space("Disc")
	require.NotNil(t, disc.Formula())

	item, err := disc.Call(ctx, cty.NumberIntVal(3))
	require.NoError(t, err)
	scaled, ok := item.Cells("scaled")
	require.True(t, ok)
	v, err := scaled.Call(ctx, cty.NumberIntVal(7))
	require.NoError(t, err)
	assert.Equal(t, int64(21), requireInt(t, v))
}

func TestLoadRejectsBadSource(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		src  string
	}{
		{"syntax", `space "Main" {`},
		{"bad formula", `space "Main" { cells "c" { formula = "1 +" } }`},
		{"unknown base", `space "Main" { bases = ["NoSuch"] }`},
		{"ref without binding", `space "Main" { ref "r" {} }`},
		{"unknown target", `space "Main" { ref "r" { target = "No.Such" } }`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(ctx, []byte(tc.src), tc.name+".hcl")
			assert.Error(t, err)
		})
	}
}

func TestSaveRoundTripsDefinitionAndInputs(t *testing.T) {
	ctx := context.Background()
	m, err := Load(ctx, []byte(pricingSource), "pricing.hcl")
	require.NoError(t, err)

	main, _ := m.Space("Main")
	scale, _ := main.Cells("scale")
	require.NoError(t, scale.SetInput(ctx, cty.NumberIntVal(99), cty.NumberIntVal(3)))

	// A calculated value, to prove it does not get persisted.
	_, err = scale.Call(ctx, cty.NumberIntVal(6))
	require.NoError(t, err)

	data, err := Save(m)
	require.NoError(t, err)

	reloaded, err := Load(ctx, data, "roundtrip.hcl")
	require.NoError(t, err)
	assert.Equal(t, "pricing", reloaded.Name())

	main2, ok := reloaded.Space("Main")
	require.True(t, ok)
	scale2, ok := main2.Cells("scale")
	require.True(t, ok)

	require.Len(t, scale2.Inputs(), 1, "only the input survives the round trip")
	assert.Len(t, scale2.Values(), 1)

	v, err := scale2.Call(ctx, cty.NumberIntVal(3))
	require.NoError(t, err)
	assert.Equal(t, int64(99), requireInt(t, v), "the stored input is replayed")

	v, err = scale2.Call(ctx, cty.NumberIntVal(6))
	require.NoError(t, err)
	assert.Equal(t, int64(17), requireInt(t, v), "calculated values are rebuilt from the formula")
}

func TestSaveRoundTripsItemInputs(t *testing.T) {
	src := `
space "Disc" {
  formula {
    params = ["rate"]
    expr   = "null"
  }

  cells "scaled" {
    params  = ["x"]
    formula = "x * rate"
  }
}
`
	ctx := context.Background()
	m, err := Load(ctx, []byte(src), "items.hcl")
	require.NoError(t, err)

	disc, _ := m.Space("Disc")
	item, err := disc.Call(ctx, cty.NumberIntVal(3))
	require.NoError(t, err)
	scaled, _ := item.Cells("scaled")
	require.NoError(t, scaled.SetInput(ctx, cty.NumberIntVal(77), cty.NumberIntVal(10)))

	// A second item without inputs must not be persisted.
	_, err = disc.Call(ctx, cty.NumberIntVal(4))
	require.NoError(t, err)

	data, err := Save(m)
	require.NoError(t, err)

	reloaded, err := Load(ctx, data, "items2.hcl")
	require.NoError(t, err)
	disc2, _ := reloaded.Space("Disc")
	require.Len(t, disc2.Items(), 1, "only the item holding inputs is rebuilt on load")

	item2, err := disc2.Call(ctx, cty.NumberIntVal(3))
	require.NoError(t, err)
	scaled2, _ := item2.Cells("scaled")

	v, err := scaled2.Call(ctx, cty.NumberIntVal(10))
	require.NoError(t, err)
	assert.Equal(t, int64(77), requireInt(t, v), "the item input survives the round trip")

	v, err = scaled2.Call(ctx, cty.NumberIntVal(2))
	require.NoError(t, err)
	assert.Equal(t, int64(6), requireInt(t, v))
}

func TestSaveOmitsDerivedMembers(t *testing.T) {
	src := `
space "Base" {
  cells "foo" {
    formula = "1"
  }
}

space "Sub" {
  bases = ["Base"]
}
`
	ctx := context.Background()
	m, err := Load(ctx, []byte(src), "derived.hcl")
	require.NoError(t, err)

	data, err := Save(m)
	require.NoError(t, err)

	reloaded, err := Load(ctx, data, "derived2.hcl")
	require.NoError(t, err)
	sub, _ := reloaded.Space("Sub")
	foo, ok := sub.Cells("foo")
	require.True(t, ok)
	assert.True(t, foo.IsDerived(), "the member comes back through derivation, not the file")
}
