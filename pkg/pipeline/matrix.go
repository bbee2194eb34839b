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

package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/forge/pkg/errors"
)

// MaxMatrixCells is the upper bound on cells a single matrix may expand to.
const MaxMatrixCells = 256

// StrategyDefinition configures matrix fan-out for a job.
type StrategyDefinition struct {
	// Matrix defines the axes to fan out over
	Matrix *MatrixDefinition `yaml:"matrix,omitempty" json:"matrix,omitempty"`

	// FailFast controls whether a failing cell cancels its siblings.
	// Defaults to false: every cell runs to completion and is reported
	// independently regardless of sibling failures.
	FailFast bool `yaml:"fail_fast,omitempty" json:"fail_fast,omitempty"`

	// MaxParallel limits the number of cells running concurrently.
	// Zero means the engine default.
	MaxParallel int `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
}

// MatrixDefinition defines the fan-out axes for a matrix job.
//
// Every key except "include" and "exclude" is an axis with a list of values.
// The matrix expands to the cartesian product of all axes, minus cells
// matched by exclude rows, plus or merged with include rows.
type MatrixDefinition struct {
	// Axes maps axis names to their value lists
	Axes map[string][]interface{} `yaml:"-" json:"axes"`

	// Include adds or extends cells after cartesian expansion
	Include []map[string]interface{} `yaml:"-" json:"include,omitempty"`

	// Exclude removes matching cells from the cartesian expansion
	Exclude []map[string]interface{} `yaml:"-" json:"exclude,omitempty"`

	// axisOrder preserves the declaration order of axes for deterministic expansion
	axisOrder []string
}

// UnmarshalYAML implements custom unmarshaling so that axis keys can live
// alongside the reserved include/exclude keys.
func (m *MatrixDefinition) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("matrix must be a mapping, got %v", value.Kind)
	}

	m.Axes = make(map[string][]interface{})

	for i := 0; i+1 < len(value.Content); i += 2 {
		keyNode := value.Content[i]
		valNode := value.Content[i+1]

		switch keyNode.Value {
		case "include":
			if err := valNode.Decode(&m.Include); err != nil {
				return fmt.Errorf("invalid matrix include: %w", err)
			}
		case "exclude":
			if err := valNode.Decode(&m.Exclude); err != nil {
				return fmt.Errorf("invalid matrix exclude: %w", err)
			}
		default:
			var values []interface{}
			if err := valNode.Decode(&values); err != nil {
				return fmt.Errorf("matrix axis %s must be a list: %w", keyNode.Value, err)
			}
			m.Axes[keyNode.Value] = values
			m.axisOrder = append(m.axisOrder, keyNode.Value)
		}
	}

	return nil
}

// Validate checks the matrix definition.
func (m *MatrixDefinition) Validate() error {
	if len(m.Axes) == 0 && len(m.Include) == 0 {
		return &errors.ValidationError{
			Field:      "strategy.matrix",
			Message:    "matrix must declare at least one axis or include row",
			Suggestion: "add an axis like 'python_version: [\"3.8\", \"3.9\"]'",
		}
	}

	total := 1
	for name, values := range m.Axes {
		if len(values) == 0 {
			return &errors.ValidationError{
				Field:   "strategy.matrix",
				Message: fmt.Sprintf("matrix axis %s has no values", name),
			}
		}
		total *= len(values)
	}
	if total+len(m.Include) > MaxMatrixCells {
		return &errors.ValidationError{
			Field:      "strategy.matrix",
			Message:    fmt.Sprintf("matrix expands to more than %d cells", MaxMatrixCells),
			Suggestion: "reduce axis values or split the job",
		}
	}

	return nil
}

// Cell is a single matrix combination. Each cell is independent and
// order-irrelevant: the engine may run cells in any order or concurrently.
type Cell struct {
	// Key identifies the cell within its job (e.g., "3.8, prod-key")
	Key string

	// Values maps axis names (and include-only keys) to this cell's values
	Values map[string]interface{}
}

// Expand computes the list of matrix cells.
//
// Expansion order is deterministic: axes iterate in declaration order, and
// include rows are processed in declaration order. Include rows whose
// axis-keyed values all match an existing cell extend that cell with their
// remaining keys; rows that match no cell are appended as standalone cells.
func (m *MatrixDefinition) Expand() ([]Cell, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	axes := m.axisNames()

	// Cartesian product over axes.
	combos := []map[string]interface{}{{}}
	for _, axis := range axes {
		var next []map[string]interface{}
		for _, combo := range combos {
			for _, value := range m.Axes[axis] {
				extended := make(map[string]interface{}, len(combo)+1)
				for k, v := range combo {
					extended[k] = v
				}
				extended[axis] = value
				next = append(next, extended)
			}
		}
		combos = next
	}
	if len(m.Axes) == 0 {
		combos = nil
	}

	// Drop excluded combinations.
	var kept []map[string]interface{}
	for _, combo := range combos {
		if !matchesAny(combo, m.Exclude) {
			kept = append(kept, combo)
		}
	}

	// Merge or append include rows.
	for _, row := range m.Include {
		merged := false
		for _, combo := range kept {
			if rowMatchesAxes(row, combo, m.Axes) {
				for k, v := range row {
					if _, isAxis := m.Axes[k]; !isAxis {
						combo[k] = v
					}
				}
				merged = true
			}
		}
		if !merged {
			standalone := make(map[string]interface{}, len(row))
			for k, v := range row {
				standalone[k] = v
			}
			kept = append(kept, standalone)
		}
	}

	if len(kept) > MaxMatrixCells {
		return nil, &errors.ValidationError{
			Field:   "strategy.matrix",
			Message: fmt.Sprintf("matrix expands to more than %d cells", MaxMatrixCells),
		}
	}

	cells := make([]Cell, 0, len(kept))
	for _, combo := range kept {
		cells = append(cells, Cell{
			Key:    cellKey(combo),
			Values: combo,
		})
	}
	return cells, nil
}

// axisNames returns axis names in declaration order, falling back to sorted
// order for matrices constructed programmatically.
func (m *MatrixDefinition) axisNames() []string {
	if len(m.axisOrder) == len(m.Axes) {
		return m.axisOrder
	}
	names := make([]string, 0, len(m.Axes))
	for name := range m.Axes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// matchesAny reports whether any of the rows is a subset of the combo.
func matchesAny(combo map[string]interface{}, rows []map[string]interface{}) bool {
	for _, row := range rows {
		matches := true
		for k, v := range row {
			if combo[k] != v {
				matches = false
				break
			}
		}
		if matches && len(row) > 0 {
			return true
		}
	}
	return false
}

// rowMatchesAxes reports whether every axis-keyed value of the row matches the combo.
func rowMatchesAxes(row, combo map[string]interface{}, axes map[string][]interface{}) bool {
	matchedAxis := false
	for k, v := range row {
		if _, isAxis := axes[k]; !isAxis {
			continue
		}
		matchedAxis = true
		if combo[k] != v {
			return false
		}
	}
	return matchedAxis
}

// cellKey produces a stable human-readable key for a cell.
func cellKey(values map[string]interface{}) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%v", values[k]))
	}
	return strings.Join(parts, ", ")
}
