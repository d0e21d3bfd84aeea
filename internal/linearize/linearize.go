// Package linearize computes a C3-style linearization over an explicit
// inheritance hierarchy. It is a pure function over identifiers: callers
// supply the direct-base list for any identifier and get back a total
// precedence order in which every entry precedes all of its own bases.
package linearize

import (
	"errors"
	"fmt"
)

// ErrInconsistent reports that no linear extension of the hierarchy exists,
// for example when two bases demand contradictory orderings.
var ErrInconsistent = errors.New("inconsistent hierarchy")

// Linearize returns the precedence order for head, starting with head itself,
// using the C3 monotonic merge: L(head) = head + merge(L(b1)..L(bn), [b1..bn]).
func Linearize[T comparable](head T, bases func(T) []T) ([]T, error) {
	memo := make(map[T][]T)
	visiting := make(map[T]bool)
	return linearize(head, bases, memo, visiting)
}

func linearize[T comparable](head T, bases func(T) []T, memo map[T][]T, visiting map[T]bool) ([]T, error) {
	if cached, ok := memo[head]; ok {
		return cached, nil
	}
	if visiting[head] {
		return nil, fmt.Errorf("%w: cycle through %v", ErrInconsistent, head)
	}
	visiting[head] = true
	defer delete(visiting, head)

	direct := bases(head)
	seqs := make([][]T, 0, len(direct)+1)
	for _, b := range direct {
		sub, err := linearize(b, bases, memo, visiting)
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, sub)
	}
	if len(direct) > 0 {
		seqs = append(seqs, append([]T(nil), direct...))
	}

	merged, err := merge(seqs)
	if err != nil {
		return nil, fmt.Errorf("%w: merging bases of %v", err, head)
	}
	result := append([]T{head}, merged...)
	memo[head] = result
	return result, nil
}

// merge repeatedly takes the earliest candidate head that appears in no
// sequence's tail, per the C3 rule. An empty result with non-empty input
// sequences means the orderings contradict each other.
func merge[T comparable](seqs [][]T) ([]T, error) {
	var result []T
	for {
		seqs = prune(seqs)
		if len(seqs) == 0 {
			return result, nil
		}

		var picked T
		found := false
		for _, seq := range seqs {
			cand := seq[0]
			if inAnyTail(cand, seqs) {
				continue
			}
			picked = cand
			found = true
			break
		}
		if !found {
			return nil, ErrInconsistent
		}

		result = append(result, picked)
		for i, seq := range seqs {
			if len(seq) > 0 && seq[0] == picked {
				seqs[i] = seq[1:]
			}
		}
	}
}

func prune[T comparable](seqs [][]T) [][]T {
	out := seqs[:0]
	for _, s := range seqs {
		if len(s) > 0 {
			out = append(out, s)
		}
	}
	return out
}

func inAnyTail[T comparable](cand T, seqs [][]T) bool {
	for _, seq := range seqs {
		for _, x := range seq[1:] {
			if x == cand {
				return true
			}
		}
	}
	return false
}
