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

// Package runs implements the forge runs command group.
package runs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/forge/internal/cli/format"
	"github.com/tombee/forge/internal/commands/shared"
	"github.com/tombee/forge/internal/engine"
)

// NewCommand creates the runs command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect runs recorded by the daemon",
	}
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newGetCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		addr     string
		pipeline string
		status   string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := shared.NewClient(addr)
			runs, err := client.ListRuns(cmd.Context(), pipeline, status, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), format.Muted.Render("no runs"))
				return nil
			}

			rows := [][]string{{"ID", "PIPELINE", "TRIGGER", "STATUS", "CREATED"}}
			for _, run := range runs {
				rows = append(rows, []string{
					run.ID,
					run.Pipeline,
					string(run.Trigger),
					format.RenderRunStatus(run.Status),
					run.CreatedAt.Local().Format(time.DateTime),
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), format.Table(rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default $FORGE_ADDR or "+shared.DefaultAddr+")")
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "Filter by pipeline name")
	cmd.Flags().StringVar(&status, "status", "", "Filter by run status")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum runs to return")
	return cmd
}

func newGetCommand() *cobra.Command {
	var (
		addr    string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show one run with its jobs and steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := shared.NewClient(addr)
			run, err := client.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOut {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(run)
			}

			printRun(cmd, run)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default $FORGE_ADDR or "+shared.DefaultAddr+")")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the raw run record as JSON")
	return cmd
}

func printRun(cmd *cobra.Command, run *engine.Run) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "%s %s\n", format.Bold.Render(run.Pipeline), format.Muted.Render(run.ID))
	fmt.Fprintf(out, "trigger: %s  status: %s\n\n", run.Trigger, format.RenderRunStatus(run.Status))

	for _, jr := range run.Jobs {
		name := jr.JobID
		if jr.CellKey != "" {
			name = fmt.Sprintf("%s[%s]", jr.JobID, jr.CellKey)
		}
		fmt.Fprintf(out, "%s %s %s\n", format.StatusSymbol(jr.Status), name, format.RenderRunStatus(jr.Status))
		for _, step := range jr.Steps {
			fmt.Fprintf(out, "    %s %s\n", format.StatusSymbol(step.Status), stepLabel(step))
		}
		if jr.Error != "" {
			fmt.Fprintln(out, "    "+format.RenderError(jr.Error))
		}
	}

	if run.Error != "" {
		fmt.Fprintln(out, format.RenderError(run.Error))
	}
}

func stepLabel(step *engine.StepResult) string {
	if step.Name != "" {
		return step.Name
	}
	return step.StepID
}
