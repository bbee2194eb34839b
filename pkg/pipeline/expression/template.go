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

package expression

import (
	"fmt"
	"strings"

	"github.com/tombee/forge/pkg/errors"
)

// templateOpen and templateClose delimit template expressions inside strings.
const (
	templateOpen  = "${{"
	templateClose = "}}"
)

// IsTemplate reports whether a string contains a template expression.
func IsTemplate(s string) bool {
	return strings.Contains(s, templateOpen)
}

// Interpolate replaces every ${{ ... }} segment in s with the evaluated
// expression value. A string that is exactly one template expression
// preserves the value's type through InterpolateValue; Interpolate always
// renders to string.
func (e *Evaluator) Interpolate(s string, ctx map[string]interface{}) (string, error) {
	result, err := e.InterpolateValue(s, ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", result), nil
}

// InterpolateValue replaces template expressions in s. When the whole string
// is a single ${{ ... }} expression the evaluated value is returned with its
// original type (so booleans and numbers survive substitution); otherwise
// segments are rendered into the surrounding text.
func (e *Evaluator) InterpolateValue(s string, ctx map[string]interface{}) (interface{}, error) {
	if !IsTemplate(s) {
		return s, nil
	}

	// Whole-string expression keeps its type.
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, templateOpen) && strings.HasSuffix(trimmed, templateClose) {
		inner := trimmed[len(templateOpen) : len(trimmed)-len(templateClose)]
		if !strings.Contains(inner, templateOpen) {
			return e.EvaluateValue(strings.TrimSpace(inner), ctx)
		}
	}

	var sb strings.Builder
	rest := s
	for {
		start := strings.Index(rest, templateOpen)
		if start == -1 {
			sb.WriteString(rest)
			break
		}
		sb.WriteString(rest[:start])
		rest = rest[start+len(templateOpen):]

		end := strings.Index(rest, templateClose)
		if end == -1 {
			return nil, &errors.ValidationError{
				Field:      "expression",
				Message:    "unterminated template expression",
				Suggestion: "close the expression with }}",
			}
		}

		value, err := e.EvaluateValue(strings.TrimSpace(rest[:end]), ctx)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&sb, "%v", value)
		rest = rest[end+len(templateClose):]
	}

	return sb.String(), nil
}

// InterpolateMap resolves template expressions in every string value of the
// map, recursively. Non-string values pass through unchanged.
func (e *Evaluator) InterpolateMap(values map[string]interface{}, ctx map[string]interface{}) (map[string]interface{}, error) {
	if values == nil {
		return nil, nil
	}

	resolved := make(map[string]interface{}, len(values))
	for k, v := range values {
		switch typed := v.(type) {
		case string:
			value, err := e.InterpolateValue(typed, ctx)
			if err != nil {
				return nil, fmt.Errorf("resolving %s: %w", k, err)
			}
			resolved[k] = value
		case map[string]interface{}:
			nested, err := e.InterpolateMap(typed, ctx)
			if err != nil {
				return nil, err
			}
			resolved[k] = nested
		default:
			resolved[k] = v
		}
	}
	return resolved, nil
}

// InterpolateStringMap resolves template expressions in a string-to-string
// map, such as environment variable blocks.
func (e *Evaluator) InterpolateStringMap(values map[string]string, ctx map[string]interface{}) (map[string]string, error) {
	if values == nil {
		return nil, nil
	}

	resolved := make(map[string]string, len(values))
	for k, v := range values {
		value, err := e.Interpolate(v, ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", k, err)
		}
		resolved[k] = value
	}
	return resolved, nil
}
