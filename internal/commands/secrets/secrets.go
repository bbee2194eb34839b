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

// Package secrets implements the forge secrets command group for managing
// the credential references pipelines resolve at run time.
package secrets

import (
	"bufio"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/forge/internal/cli/format"
	"github.com/tombee/forge/internal/secrets"
)

// NewCommand creates the secrets command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage stored credential references",
		Long: `Secrets manages the credential values behind the reference names
pipelines declare (PROD_API_KEY, DA_TEST_KEY_PROD, ...). Values are stored
in the system keychain when available, falling back to an encrypted file.
Values are never printed; use the reference name in pipelines.`,
	}
	cmd.AddCommand(newSetCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newDeleteCommand())
	cmd.AddCommand(newBackendsCommand())
	return cmd
}

// writableBackend picks the highest-priority backend that accepts writes.
func writableBackend() (secrets.Backend, error) {
	if keychain := secrets.NewKeychainBackend(); keychain.Available() {
		return keychain, nil
	}
	file, err := secrets.NewFileBackend("", "")
	if err != nil {
		return nil, err
	}
	if !file.Available() {
		return nil, fmt.Errorf("no writable secret backend available")
	}
	return file, nil
}

func newSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret value",
		Long: `Set stores a secret under a reference name. The value is read from
stdin so it never appears in shell history or process listings.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			fmt.Fprintf(cmd.OutOrStdout(), "Value for %s: ", name)
			reader := bufio.NewReader(cmd.InOrStdin())
			value, err := reader.ReadString('\n')
			if err != nil && value == "" {
				return fmt.Errorf("failed to read value: %w", err)
			}
			value = strings.TrimRight(value, "\r\n")
			if value == "" {
				return fmt.Errorf("empty value")
			}

			backend, err := writableBackend()
			if err != nil {
				return err
			}
			if err := backend.Set(cmd.Context(), name, value); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(),
				format.RenderOK(fmt.Sprintf("stored %s in %s backend", name, backend.Name())))
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored reference names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			seen := make(map[string]bool)
			file, err := secrets.NewFileBackend("", "")
			if err != nil {
				return err
			}
			for _, backend := range []secrets.Backend{secrets.NewEnvBackend(), secrets.NewKeychainBackend(), file} {
				if !backend.Available() {
					continue
				}
				names, err := backend.List(cmd.Context())
				if err != nil {
					continue
				}
				for _, name := range names {
					seen[name] = true
				}
			}

			if len(seen) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), format.Muted.Render("no secrets stored"))
				return nil
			}

			names := make([]string, 0, len(seen))
			for name := range seen {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := writableBackend()
			if err != nil {
				return err
			}
			if err := backend.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), format.RenderOK("deleted "+args[0]))
			return nil
		},
	}
}

func newBackendsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "Show the active backend chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := secrets.DefaultResolver()
			if err != nil {
				return err
			}
			for _, name := range resolver.Backends() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
