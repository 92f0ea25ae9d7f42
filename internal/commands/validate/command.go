// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package validate implements the graph definition validation command.
package validate

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/axon/pkg/graph"
)

// NewCommand creates the validate command.
func NewCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "validate <graph.yaml>",
		Short: "Validate a graph definition",
		Long: `Validate checks that a graph definition file has valid YAML syntax and
well-formed structure: unique ids, resolvable node references, and legal
edge conditions. Condition expressions are checked against the expression
safety rules without being executed.`,
		Example: `  # Basic validation
  axon validate graph.yaml

  # Machine-readable output
  axon validate graph.yaml --json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0], asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit results as JSON")
	return cmd
}

type report struct {
	Valid    bool     `json:"valid"`
	GraphID  string   `json:"graph_id,omitempty"`
	Nodes    int      `json:"nodes,omitempty"`
	Edges    int      `json:"edges,omitempty"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func runValidate(cmd *cobra.Command, path string, asJSON bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	spec, err := graph.ParseDefinition(data)
	if err != nil {
		if asJSON {
			emit(cmd, report{Valid: false, Error: err.Error()})
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %v\n", path, err)
		}
		return fmt.Errorf("validation failed")
	}

	warnings := spec.Warnings()
	if asJSON {
		emit(cmd, report{
			Valid:    true,
			GraphID:  spec.ID,
			Nodes:    len(spec.Nodes),
			Edges:    len(spec.Edges),
			Warnings: warnings,
		})
		return nil
	}

	cmd.Printf("%s: valid (graph %q, %d nodes, %d edges)\n", path, spec.ID, len(spec.Nodes), len(spec.Edges))
	for _, w := range warnings {
		cmd.Printf("  warning: %s\n", w)
	}
	return nil
}

func emit(cmd *cobra.Command, r report) {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	_ = enc.Encode(r)
}
