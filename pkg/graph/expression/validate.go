package expression

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// allowedFunctions is the allow-list of callable pure functions. Everything
// here is either an expr builtin or a helper defined in functions.go.
// Membership checks (`x in xs`) and string operators are handled by the
// language itself and are always available.
var allowedFunctions = map[string]bool{
	// helpers
	"has":      true,
	"includes": true,
	"length":   true,
	// collections
	"len":    true,
	"min":    true,
	"max":    true,
	"sum":    true,
	"mean":   true,
	"sort":   true,
	"sortBy": true,
	"keys":   true,
	"values": true,
	"first":  true,
	"last":   true,
	"count":  true,
	"all":    true,
	"any":    true,
	"none":   true,
	"one":    true,
	"filter": true,
	"map":    true,
	// scalars
	"abs":    true,
	"int":    true,
	"float":  true,
	"string": true,
	"trim":   true,
	"upper":  true,
	"lower":  true,
	"type":   true,
}

// ValidateSafety parses an expression and rejects constructs outside the
// safe subset: any identifier, attribute, or method name beginning with an
// underscore, and calls to functions not on the allow-list. Method calls on
// already-resolved values are permitted (subject to the underscore rule).
func ValidateSafety(expression string) error {
	if expression == "" {
		return nil
	}

	tree, err := parser.Parse(expression)
	if err != nil {
		return fmt.Errorf("parse expression: %w", err)
	}

	v := &safetyVisitor{}
	ast.Walk(&tree.Node, v)
	if len(v.violations) > 0 {
		return fmt.Errorf("unsafe expression: %s", strings.Join(v.violations, "; "))
	}
	return nil
}

type safetyVisitor struct {
	violations []string
}

func (v *safetyVisitor) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		if strings.HasPrefix(n.Value, "_") {
			v.violations = append(v.violations, fmt.Sprintf("identifier %q starts with underscore", n.Value))
		}
	case *ast.MemberNode:
		if prop, ok := n.Property.(*ast.StringNode); ok && strings.HasPrefix(prop.Value, "_") {
			v.violations = append(v.violations, fmt.Sprintf("attribute %q starts with underscore", prop.Value))
		}
	case *ast.CallNode:
		switch callee := n.Callee.(type) {
		case *ast.IdentifierNode:
			if !allowedFunctions[callee.Value] {
				v.violations = append(v.violations, fmt.Sprintf("function %q is not allow-listed", callee.Value))
			}
		case *ast.MemberNode:
			// Method call on an already-resolved value; the MemberNode
			// case above enforces the underscore rule on its name.
		default:
			v.violations = append(v.violations, "calls through computed expressions are not permitted")
		}
	case *ast.BuiltinNode:
		if !allowedFunctions[n.Name] {
			v.violations = append(v.violations, fmt.Sprintf("builtin %q is not allow-listed", n.Name))
		}
	}
}
