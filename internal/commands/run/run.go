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

// Package run implements the forge run command: local pipeline execution
// without a daemon.
package run

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/forge/internal/cli/format"
	"github.com/tombee/forge/internal/commands/shared"
	"github.com/tombee/forge/internal/engine"
	"github.com/tombee/forge/pkg/pipeline"
)

// NewCommand creates the run command.
func NewCommand() *cobra.Command {
	var (
		inputFlags  []string
		workDir     string
		repository  string
		maxParallel int
		keep        bool
	)

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a pipeline locally",
		Long: `Run executes a pipeline definition on this machine, as if it had been
dispatched to a daemon. Inputs are supplied with --input key=value and
validated against the pipeline's dispatch declaration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			def, err := pipeline.ParseDefinition(data)
			if err != nil {
				return err
			}

			inputs, err := shared.ParseInputs(inputFlags)
			if err != nil {
				return err
			}

			if workDir == "" {
				workDir, err = os.MkdirTemp("", "forge-run-")
				if err != nil {
					return err
				}
			}

			eng, err := engine.New(engine.Options{
				WorkDir:     workDir,
				PipelineDir: filepath.Dir(path),
				Repository:  repository,
				MaxParallel: maxParallel,
			})
			if err != nil {
				return err
			}

			trigger := pipeline.TriggerTypeManual
			if def.On != nil && def.On.Dispatch != nil {
				trigger = pipeline.TriggerTypeDispatch
			}

			run, err := eng.Execute(cmd.Context(), def, trigger, inputs)
			if err != nil {
				return err
			}

			printRun(cmd, run)
			if !keep {
				if err := eng.Cleanup(cmd.Context(), run.ID); err != nil {
					fmt.Fprintln(cmd.OutOrStdout(), format.RenderWarn(fmt.Sprintf("cleanup failed: %v", err)))
				}
			}

			if run.Status != engine.StatusCompleted {
				return fmt.Errorf("run %s", run.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&inputFlags, "input", "i", nil, "Pipeline input as key=value (repeatable)")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "Workspace root (default: temp directory)")
	cmd.Flags().StringVar(&repository, "repository", "", "Default checkout repository")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "Concurrent matrix cells per job")
	cmd.Flags().BoolVar(&keep, "keep", false, "Keep workspaces and artifacts after the run")
	return cmd
}

// printRun renders the finished run as a job table with per-step detail for
// failures.
func printRun(cmd *cobra.Command, run *engine.Run) {
	out := cmd.OutOrStdout()

	rows := [][]string{{"", "JOB", "STATUS", "DURATION"}}
	for _, jr := range run.Jobs {
		name := jr.JobID
		if jr.CellKey != "" {
			name = fmt.Sprintf("%s[%s]", jr.JobID, jr.CellKey)
		}
		rows = append(rows, []string{
			format.StatusSymbol(jr.Status),
			name,
			format.RenderRunStatus(jr.Status),
			jobDuration(jr),
		})
	}
	fmt.Fprint(out, format.Table(rows))

	for _, jr := range run.Jobs {
		if jr.Status != engine.StatusFailed {
			continue
		}
		for _, step := range jr.Steps {
			if step.Status != engine.StatusFailed {
				continue
			}
			fmt.Fprintln(out, format.RenderError(fmt.Sprintf("%s / %s: %s", jr.JobID, step.StepID, step.Error)))
			if step.Output != "" {
				fmt.Fprintln(out, format.Muted.Render(step.Output))
			}
		}
	}

	fmt.Fprintf(out, "\n%s %s\n", format.Bold.Render("run "+run.ID+":"), format.RenderRunStatus(run.Status))
}

func jobDuration(jr *engine.JobRun) string {
	if jr.StartedAt == nil || jr.FinishedAt == nil {
		return "-"
	}
	return format.Duration(jr.FinishedAt.Sub(*jr.StartedAt).Round(100 * time.Millisecond))
}
