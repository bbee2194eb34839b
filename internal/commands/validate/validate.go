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

// Package validate implements the forge validate command.
package validate

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/forge/internal/cli/format"
	"github.com/tombee/forge/pkg/errors"
	"github.com/tombee/forge/pkg/pipeline"
)

// NewCommand creates the validate command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate pipeline definitions",
		Long: `Validate parses each pipeline definition and checks its structure:
trigger declarations, job dependency graph, matrix strategy, and the
release gate on publish steps.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				if err := validateFile(cmd, path); err != nil {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	}
}

func validateFile(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), format.RenderError(fmt.Sprintf("%s: %v", path, err)))
		return err
	}

	def, err := pipeline.ParseDefinition(data)
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), format.RenderError(fmt.Sprintf("%s: %v", path, err)))
		var validationErr *errors.ValidationError
		if stderrors.As(err, &validationErr) && validationErr.Suggestion != "" {
			fmt.Fprintln(cmd.OutOrStdout(), "  "+format.Muted.Render("hint: "+validationErr.Suggestion))
		}
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), format.RenderOK(fmt.Sprintf("%s (%s, %d jobs)", path, def.Name, len(def.Jobs))))
	return nil
}
