// Package expression evaluates edge-condition expressions against run state.
//
// Expressions use expr-lang syntax restricted to a safe subset: literals,
// variable lookup, comparisons, boolean and arithmetic operators, indexing,
// collection literals, and calls to an explicit allow-list of pure functions.
// Identifiers, attributes, and method names beginning with an underscore are
// rejected before compilation, as are calls to anything outside the
// allow-list. Expressions never reach a host-language eval; this package is
// a security boundary.
package expression
