package model

import (
	"fmt"
	"strings"
)

// FrameInfo is one entry of an evaluation call-stack snapshot.
type FrameInfo struct {
	Owner  string // path of the cells or space being evaluated
	Args   string // canonical argument tuple
	Source string // formula source text, may be empty
}

func (f FrameInfo) String() string {
	return fmt.Sprintf("%s%s", f.Owner, f.Args)
}

// NameError reports a free name with no binding in the resolved namespace.
type NameError struct {
	Name  string
	Space string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("name %q is not defined in %s", e.Name, e.Space)
}

// CircularError reports a node requested while still being computed higher
// on the active call stack.
type CircularError struct {
	Stack []FrameInfo
}

func (e *CircularError) Error() string {
	var sb strings.Builder
	sb.WriteString("circular reference")
	if len(e.Stack) > 0 {
		sb.WriteString(": ")
		sb.WriteString(e.Stack[len(e.Stack)-1].String())
	}
	return sb.String()
}

// FormulaError wraps an error raised inside a formula body with the snapshot
// of the formula call stack at the time of the error. The original error is
// retrievable through Unwrap.
type FormulaError struct {
	Stack []FrameInfo
	Err   error
}

func (e *FormulaError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "formula error: %v\n", e.Err)
	sb.WriteString("formula call stack:\n")
	for i, f := range e.Stack {
		fmt.Fprintf(&sb, "  %d: %s\n", i, f.String())
	}
	if len(e.Stack) > 0 {
		if src := e.Stack[len(e.Stack)-1].Source; src != "" {
			fmt.Fprintf(&sb, "formula source:\n  %s\n", src)
		}
	}
	return sb.String()
}

func (e *FormulaError) Unwrap() error { return e.Err }

// HierarchyError reports that no consistent linearization of a space's base
// spaces exists. The derive operation that produced it left the sub-space's
// prior derived state unchanged.
type HierarchyError struct {
	Space string
	Err   error
}

func (e *HierarchyError) Error() string {
	return fmt.Sprintf("cannot linearize bases of %s: %v", e.Space, e.Err)
}

func (e *HierarchyError) Unwrap() error { return e.Err }

// RefModeError reports a relative-mode reference with no structurally
// corresponding target in a new derivation or instantiation context.
type RefModeError struct {
	Ref    string
	Space  string
	Detail string
}

func (e *RefModeError) Error() string {
	return fmt.Sprintf("relative reference %q cannot be rebound under %s: %s", e.Ref, e.Space, e.Detail)
}

// StructureError reports an attempted structural edit that would violate a
// container invariant, rejected synchronously at the call that would
// introduce it.
type StructureError struct {
	Op     string
	Detail string
}

func (e *StructureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Detail)
}
