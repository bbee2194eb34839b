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

	"github.com/spf13/pflag"

	"github.com/tombee/forge/internal/daemon"
)

func main() {
	var opts daemon.RunOptions

	flags := pflag.NewFlagSet("forged", pflag.ExitOnError)
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "Configuration file")
	flags.StringVar(&opts.Addr, "addr", "", "Listen address (host:port)")
	flags.StringVar(&opts.PipelinesDir, "pipelines-dir", "", "Directory scanned for pipeline definitions")
	flags.StringVar(&opts.WorkDir, "work-dir", "", "Root for run workspaces and artifacts")
	flags.StringVar(&opts.BackendType, "backend", "", "Run storage backend (memory or sqlite)")
	flags.StringVar(&opts.BackendPath, "backend-path", "", "Database file for the sqlite backend")
	flags.IntVar(&opts.Workers, "workers", 0, "Concurrent run executors")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := daemon.Run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "forged:", err)
		os.Exit(1)
	}
}
