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

package validate

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
name: develop-validator
on:
  push:
    branches: [develop]
jobs:
  test:
    steps:
      - run: echo ok
`

const cyclicYAML = `
name: cyclic
on:
  push:
    branches: [develop]
jobs:
  a:
    needs: [b]
    steps:
      - run: echo a
  b:
    needs: [a]
    steps:
      - run: echo b
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateAcceptsGoodDefinition(t *testing.T) {
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{writeFile(t, "good.yaml", validYAML)})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v\n%s", err, out.String())
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{writeFile(t, "cyclic.yaml", cyclicYAML)})

	if err := cmd.Execute(); err == nil {
		t.Errorf("Execute() should fail for a cyclic dependency graph\n%s", out.String())
	}
}

func TestValidateReportsEachFile(t *testing.T) {
	good := writeFile(t, "good.yaml", validYAML)
	bad := writeFile(t, "bad.yaml", "name: broken\njobs: {}\n")

	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{good, bad})

	if err := cmd.Execute(); err == nil {
		t.Fatal("Execute() should fail when any file is invalid")
	}
	if !bytes.Contains(out.Bytes(), []byte("good.yaml")) || !bytes.Contains(out.Bytes(), []byte("bad.yaml")) {
		t.Errorf("output = %s", out.String())
	}
}
