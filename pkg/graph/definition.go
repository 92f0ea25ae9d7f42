// Package graph provides the agent task-graph data model and executor.
//
// Graph definitions follow a concise YAML format: a list of typed nodes with
// declared input/output key contracts, a list of conditionally-taken edges,
// and run bounds (max_steps, max_tokens). Definitions are immutable once
// execution starts; live replacement goes through pkg/evolution.
package graph

import (
	"fmt"
	"os"

	"github.com/tombee/axon/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParseDefinition parses a graph definition from YAML bytes, applies
// defaults, and validates it.
func ParseDefinition(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, &errors.ValidationError{
			Field:      "graph",
			Message:    fmt.Sprintf("failed to parse YAML: %s", err.Error()),
			Suggestion: "check the definition for YAML syntax errors",
		}
	}

	spec.applyDefaults()

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadDefinition reads and parses a graph definition from a YAML file.
func LoadDefinition(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading graph definition %s", path)
	}
	return ParseDefinition(data)
}

// applyDefaults fills zero values with their documented defaults.
func (s *Spec) applyDefaults() {
	if s.MaxSteps <= 0 {
		s.MaxSteps = DefaultMaxSteps
	}
	for i := range s.Nodes {
		if s.Nodes[i].MaxRetries <= 0 {
			s.Nodes[i].MaxRetries = DefaultMaxRetries
		}
		if s.Nodes[i].Type == "" {
			s.Nodes[i].Type = NodeTypeFunction
		}
	}
	for i := range s.Edges {
		if s.Edges[i].Condition == "" {
			s.Edges[i].Condition = ConditionAlways
		}
		if s.Edges[i].ID == "" {
			s.Edges[i].ID = fmt.Sprintf("%s->%s", s.Edges[i].Source, s.Edges[i].Target)
		}
	}
}
