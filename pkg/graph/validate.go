package graph

import (
	"fmt"
	"strings"

	"github.com/tombee/axon/pkg/errors"
	"github.com/tombee/axon/pkg/graph/expression"
)

// Validate checks structural well-formedness at graph-build time: unique
// ids, resolvable references, and per-condition requirements. Execution
// assumes a validated graph.
func (s *Spec) Validate() error {
	var problems []string

	if s.ID == "" {
		problems = append(problems, "graph id is required")
	}
	if len(s.Nodes) == 0 {
		problems = append(problems, "graph has no nodes")
	}

	nodeIDs := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == "" {
			problems = append(problems, "node with empty id")
			continue
		}
		if nodeIDs[n.ID] {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		nodeIDs[n.ID] = true

		outputs := make(map[string]bool, len(n.OutputKeys))
		for _, k := range n.OutputKeys {
			outputs[k] = true
		}
		for _, k := range n.NullableOutputKeys {
			if !outputs[k] {
				problems = append(problems, fmt.Sprintf("node %q: nullable output key %q is not in output_keys", n.ID, k))
			}
		}
	}

	if s.EntryNode == "" {
		problems = append(problems, "entry_node is required")
	} else if !nodeIDs[s.EntryNode] {
		problems = append(problems, fmt.Sprintf("entry_node %q does not reference a node", s.EntryNode))
	}

	for _, id := range s.TerminalNodes {
		if !nodeIDs[id] {
			problems = append(problems, fmt.Sprintf("terminal node %q does not reference a node", id))
		}
	}
	for _, id := range s.PauseNodes {
		if !nodeIDs[id] {
			problems = append(problems, fmt.Sprintf("pause node %q does not reference a node", id))
		}
	}

	edgeIDs := make(map[string]bool, len(s.Edges))
	for _, e := range s.Edges {
		if e.ID != "" {
			if edgeIDs[e.ID] {
				problems = append(problems, fmt.Sprintf("duplicate edge id %q", e.ID))
			}
			edgeIDs[e.ID] = true
		}
		if !nodeIDs[e.Source] {
			problems = append(problems, fmt.Sprintf("edge %q: source %q does not reference a node", e.ID, e.Source))
		}
		if !nodeIDs[e.Target] {
			problems = append(problems, fmt.Sprintf("edge %q: target %q does not reference a node", e.ID, e.Target))
		}
		switch e.Kind() {
		case ConditionAlways, ConditionOnSuccess, ConditionOnFailure, ConditionModelDecide:
			if e.Expression != "" {
				problems = append(problems, fmt.Sprintf("edge %q: expression is only valid with the conditional kind", e.ID))
			}
		case ConditionExpression:
			if e.Expression == "" {
				problems = append(problems, fmt.Sprintf("edge %q: conditional edge requires an expression", e.ID))
			} else if err := expression.ValidateSafety(e.Expression); err != nil {
				problems = append(problems, fmt.Sprintf("edge %q: %v", e.ID, err))
			}
		default:
			problems = append(problems, fmt.Sprintf("edge %q: unknown condition %q", e.ID, e.Condition))
		}
	}

	if len(problems) > 0 {
		return &errors.ValidationError{
			Field:      "graph",
			Message:    strings.Join(problems, "; "),
			Suggestion: "fix the graph definition before execution",
		}
	}
	return nil
}

// Warnings reports authoring smells that are legal but worth surfacing at
// build time. Edge selection is first-match-in-declaration-order, so a node
// with more than one conditional out-edge is ambiguous when several
// expressions are simultaneously true.
func (s *Spec) Warnings() []string {
	var warnings []string

	conditionals := make(map[string]int)
	for _, e := range s.Edges {
		if e.Kind() == ConditionExpression {
			conditionals[e.Source]++
		}
	}
	for _, n := range s.Nodes {
		if conditionals[n.ID] > 1 {
			warnings = append(warnings, fmt.Sprintf(
				"node %q has %d conditional out-edges; the first declared match wins when several are true",
				n.ID, conditionals[n.ID]))
		}
	}

	for _, n := range s.Nodes {
		if s.IsTerminal(n.ID) {
			continue
		}
		if len(s.EdgesFrom(n.ID)) == 0 {
			warnings = append(warnings, fmt.Sprintf(
				"node %q has no outgoing edges and is not declared terminal; it ends the run implicitly", n.ID))
		}
	}

	return warnings
}
