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

// Package dispatch implements the forge dispatch command.
package dispatch

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/forge/internal/cli/format"
	"github.com/tombee/forge/internal/commands/shared"
)

// NewCommand creates the dispatch command.
func NewCommand() *cobra.Command {
	var (
		addr       string
		inputFlags []string
	)

	cmd := &cobra.Command{
		Use:   "dispatch <pipeline>",
		Short: "Queue a run on the daemon",
		Long: `Dispatch asks the daemon to run a pipeline. The pipeline must declare a
dispatch trigger; inputs are validated against its declaration before the
run is queued.

Example:
  forge dispatch release-publisher --input tag=v1.4.0 --input test_env=prod`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := shared.ParseInputs(inputFlags)
			if err != nil {
				return err
			}

			client := shared.NewClient(addr)
			result, err := client.Dispatch(cmd.Context(), args[0], inputs)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(),
				format.RenderOK(fmt.Sprintf("queued %s (dispatch %s)", result.Pipeline, result.ID)))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default $FORGE_ADDR or "+shared.DefaultAddr+")")
	cmd.Flags().StringArrayVarP(&inputFlags, "input", "i", nil, "Dispatch input as key=value (repeatable)")
	return cmd
}
