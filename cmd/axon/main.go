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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/axon/internal/commands/runs"
	"github.com/tombee/axon/internal/commands/validate"
	"github.com/tombee/axon/internal/config"
	"github.com/tombee/axon/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	cfg := config.Default()

	root := &cobra.Command{
		Use:           "axon",
		Short:         "Agent task-graph runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				if p, err := config.ConfigPath(); err == nil {
					path = p
				}
			}
			loaded, err := config.Load(path)
			if err != nil {
				return err
			}
			*cfg = *loaded

			log.Setup(&log.Config{
				Level:  cfg.Log.Level,
				Format: log.Format(cfg.Log.Format),
				Output: os.Stderr,
			})
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: ~/.config/axon/config.yaml)")

	root.AddCommand(validate.NewCommand())
	root.AddCommand(runs.NewCommand(cfg))
	root.AddCommand(newVersionCommand())

	return root.Execute()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("axon %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}
}
