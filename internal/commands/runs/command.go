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

// Package runs implements run inspection commands over the checkpoint store.
package runs

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/axon/internal/checkpoint"
	"github.com/tombee/axon/internal/config"
)

// NewCommand creates the runs command group.
func NewCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage run checkpoints",
	}

	cmd.AddCommand(newListCommand(cfg))
	cmd.AddCommand(newShowCommand(cfg))
	cmd.AddCommand(newCleanCommand(cfg))
	return cmd
}

func openStore(cfg *config.Config) (*checkpoint.Store, error) {
	return checkpoint.New(checkpoint.Config{
		Dir:         cfg.Checkpoint.Dir,
		AutoCleanup: cfg.Checkpoint.AutoCleanup,
		Required:    cfg.Checkpoint.Required,
	})
}

func newListCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			runs, err := store.ListRuns()
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				cmd.Println("no runs found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tGRAPH\tSTATUS\tSTEPS\tLAST NODE\tUPDATED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					r.RunID, r.GraphID, r.Status, r.LastStepNumber, r.LastCompletedNode,
					r.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newShowCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run's checkpoint history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			runID := args[0]

			idx, err := store.LoadIndex(runID)
			if err != nil {
				return fmt.Errorf("run %q not found", runID)
			}
			cmd.Printf("run:    %s\n", idx.RunID)
			cmd.Printf("graph:  %s\n", idx.GraphID)
			cmd.Printf("status: %s\n", idx.Status)
			if idx.ErrorMessage != "" {
				cmd.Printf("error:  %s\n", idx.ErrorMessage)
			}

			resumable, err := store.CanResume(runID)
			if err != nil {
				return err
			}
			cmd.Printf("resumable: %t\n", resumable)

			cps, err := store.List(runID)
			if err != nil {
				return err
			}
			if len(cps) == 0 {
				return nil
			}

			cmd.Println("\ncheckpoints:")
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "  STEP\tCOMPLETED\tNEXT\tTOKENS\tCREATED")
			for _, cp := range cps {
				next := cp.NextNodeID
				if next == "" {
					next = "-"
				}
				fmt.Fprintf(w, "  %d\t%s\t%s\t%d\t%s\n",
					cp.StepNumber, cp.CompletedNodeID, next, cp.TotalTokens,
					cp.CreatedAt.Format("15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newCleanCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "clean <run-id>",
		Short: "Remove a run's checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			if err := store.Cleanup(args[0]); err != nil {
				return err
			}
			cmd.Printf("removed checkpoints for run %s\n", args[0])
			return nil
		},
	}
}
