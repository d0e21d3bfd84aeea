// Package argkey canonicalizes formula argument tuples into stable map keys.
//
// A cells value cache and an item-space cache are both keyed by "the same
// arguments", where sameness must not depend on whether the caller passed a
// value positionally, by keyword, or left it to a declared default. This
// package normalizes any mix of positional and keyword arguments against a
// declared parameter signature into a full positional tuple, and renders that
// tuple into a canonical string key.
package argkey

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// Key is the canonical string form of an argument tuple, suitable for use as
// a map key. Two argument lists that normalize to the same tuple produce the
// same Key.
type Key string

// Param describes one declared formula parameter.
type Param struct {
	Name       string
	HasDefault bool
	Default    cty.Value
}

// Named is a convenience constructor for a parameter list with no defaults.
func Named(names ...string) []Param {
	params := make([]Param, len(names))
	for i, n := range names {
		params[i] = Param{Name: n}
	}
	return params
}

// Canonicalize normalizes positional and keyword arguments against the
// declared parameters, filling in defaults, and returns the full positional
// tuple together with its canonical key.
func Canonicalize(params []Param, pos []cty.Value, kw map[string]cty.Value) ([]cty.Value, Key, error) {
	full, err := Normalize(params, pos, kw)
	if err != nil {
		return nil, "", err
	}
	key, err := ForValues(full)
	if err != nil {
		return nil, "", err
	}
	return full, key, nil
}

// Normalize fills the full positional tuple without producing a key. Used
// for uncached calls, which may carry values that have no canonical form.
func Normalize(params []Param, pos []cty.Value, kw map[string]cty.Value) ([]cty.Value, error) {
	if len(pos) > len(params) {
		return nil, fmt.Errorf("too many arguments: got %d, declared %d", len(pos), len(params))
	}
	full := make([]cty.Value, len(params))
	bound := make([]bool, len(params))
	copy(full, pos)
	for i := range pos {
		bound[i] = true
	}

	for name, v := range kw {
		idx := -1
		for i, p := range params {
			if p.Name == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("unknown keyword argument %q", name)
		}
		if bound[idx] {
			return nil, fmt.Errorf("argument %q bound twice", name)
		}
		full[idx] = v
		bound[idx] = true
	}

	for i, p := range params {
		if bound[i] {
			continue
		}
		if !p.HasDefault {
			return nil, fmt.Errorf("missing argument %q", p.Name)
		}
		full[i] = p.Default
	}

	return full, nil
}

// ForValues renders a value tuple into its canonical key. It fails for values
// that have no stable textual form (unknown or capsule values); callers that
// need to accept such values must bypass caching entirely.
func ForValues(vals []cty.Value) (Key, error) {
	for i, v := range vals {
		if err := checkKeyable(v); err != nil {
			return "", fmt.Errorf("argument %d: %w", i, err)
		}
	}
	if len(vals) == 0 {
		return Key("()"), nil
	}
	tuple := cty.TupleVal(vals)
	return Key(hclwrite.TokensForValue(tuple).Bytes()), nil
}

// checkKeyable rejects values that cannot be rendered deterministically.
func checkKeyable(v cty.Value) error {
	if v.Type() == cty.NilType {
		return fmt.Errorf("nil value cannot be used as a cache key")
	}
	if !v.IsWhollyKnown() {
		return fmt.Errorf("unknown value cannot be used as a cache key")
	}
	ty := v.Type()
	if ty.IsCapsuleType() {
		return fmt.Errorf("opaque value of type %s cannot be used as a cache key", ty.FriendlyName())
	}
	if v.IsNull() {
		return nil
	}
	if ty.IsTupleType() || ty.IsListType() || ty.IsSetType() {
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			if err := checkKeyable(ev); err != nil {
				return err
			}
		}
	}
	if ty.IsObjectType() || ty.IsMapType() {
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			if err := checkKeyable(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
