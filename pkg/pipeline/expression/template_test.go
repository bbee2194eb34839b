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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func templateCtx() map[string]interface{} {
	return map[string]interface{}{
		"inputs": map[string]interface{}{
			"tag": "v1.2.3",
		},
		"matrix": map[string]interface{}{
			"python_version": "3.11",
			"experimental":   true,
		},
	}
}

func TestInterpolate(t *testing.T) {
	eval := New()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain string",
			input: "pytest tests/",
			want:  "pytest tests/",
		},
		{
			name:  "single expression",
			input: "${{ inputs.tag }}",
			want:  "v1.2.3",
		},
		{
			name:  "embedded expression",
			input: "releases/${{ inputs.tag }}/dist",
			want:  "releases/v1.2.3/dist",
		},
		{
			name:  "multiple expressions",
			input: "py${{ matrix.python_version }}-${{ inputs.tag }}",
			want:  "py3.11-v1.2.3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Interpolate(tt.input, templateCtx())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterpolateValuePreservesType(t *testing.T) {
	eval := New()

	got, err := eval.InterpolateValue("${{ matrix.experimental }}", templateCtx())
	require.NoError(t, err)
	assert.Equal(t, true, got, "whole-string expression keeps its type")

	got, err = eval.InterpolateValue("flag=${{ matrix.experimental }}", templateCtx())
	require.NoError(t, err)
	assert.Equal(t, "flag=true", got, "embedded expression renders to string")
}

func TestInterpolateUnterminatedExpression(t *testing.T) {
	eval := New()
	_, err := eval.Interpolate("${{ inputs.tag", templateCtx())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unterminated")
}

func TestInterpolateMap(t *testing.T) {
	eval := New()

	with := map[string]interface{}{
		"python-version": "${{ matrix.python_version }}",
		"api-key":        "PROD_API_KEY",
		"retries":        3,
		"nested": map[string]interface{}{
			"ref": "${{ inputs.tag }}",
		},
	}

	resolved, err := eval.InterpolateMap(with, templateCtx())
	require.NoError(t, err)
	assert.Equal(t, "3.11", resolved["python-version"])
	assert.Equal(t, "PROD_API_KEY", resolved["api-key"])
	assert.Equal(t, 3, resolved["retries"])
	assert.Equal(t, "v1.2.3", resolved["nested"].(map[string]interface{})["ref"])
}

func TestInterpolateStringMap(t *testing.T) {
	eval := New()

	env, err := eval.InterpolateStringMap(map[string]string{
		"RELEASE_TAG": "${{ inputs.tag }}",
		"STATIC":      "value",
	}, templateCtx())
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3", env["RELEASE_TAG"])
	assert.Equal(t, "value", env["STATIC"])
}

func TestIsTemplate(t *testing.T) {
	assert.True(t, IsTemplate("${{ inputs.tag }}"))
	assert.True(t, IsTemplate("prefix ${{ x }}"))
	assert.False(t, IsTemplate("plain"))
	assert.False(t, IsTemplate("{{ not a template }}"))
}
