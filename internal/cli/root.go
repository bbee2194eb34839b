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

// Package cli assembles the forge command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/forge/internal/cli/format"
	"github.com/tombee/forge/internal/commands/dispatch"
	"github.com/tombee/forge/internal/commands/run"
	"github.com/tombee/forge/internal/commands/runs"
	"github.com/tombee/forge/internal/commands/secrets"
	"github.com/tombee/forge/internal/commands/validate"
	versioncmd "github.com/tombee/forge/internal/commands/version"
)

// NewRootCommand creates the forge root command with all subcommands.
func NewRootCommand(info versioncmd.Info) *cobra.Command {
	root := &cobra.Command{
		Use:   "forge",
		Short: "Pipeline runner for release publishing and branch validation",
		Long: `forge runs CI pipelines defined in YAML: validation matrices over Python
versions and test environments, artifact builds, and gated publishing.

Pipelines run locally with 'forge run', or through a forged daemon with
'forge dispatch' and 'forge runs'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(run.NewCommand())
	root.AddCommand(validate.NewCommand())
	root.AddCommand(dispatch.NewCommand())
	root.AddCommand(runs.NewCommand())
	root.AddCommand(secrets.NewCommand())
	root.AddCommand(versioncmd.NewCommand(info))
	return root
}

// HandleExitError prints the error and exits non-zero.
func HandleExitError(err error) {
	fmt.Fprintln(os.Stderr, format.RenderError(err.Error()))
	os.Exit(1)
}
