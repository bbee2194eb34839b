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
	"reflect"
	"strings"
)

// builtinEnv returns the compile-time environment with custom functions.
// Note: "contains" is a reserved string operator in expr, so collection
// membership uses "has" and "includes".
func builtinEnv() map[string]interface{} {
	return map[string]interface{}{
		"has":      containsFunc,
		"includes": containsFunc, // Alias
		"length":   lenFunc,
		"lower":    strings.ToLower,
		"upper":    strings.ToUpper,
	}
}

// withBuiltins merges the builtin functions into a runtime context.
// Status functions (success, failure, always) are expected to be supplied
// by the engine per evaluation site; defaults here treat an absent status
// as success so that standalone evaluation behaves like a fresh run.
func withBuiltins(ctx map[string]interface{}) map[string]interface{} {
	evalCtx := make(map[string]interface{}, len(ctx)+8)
	evalCtx["success"] = func() bool { return true }
	evalCtx["failure"] = func() bool { return false }
	evalCtx["always"] = func() bool { return true }
	evalCtx["cancelled"] = func() bool { return false }
	for k, v := range builtinEnv() {
		evalCtx[k] = v
	}
	for k, v := range ctx {
		evalCtx[k] = v
	}
	return evalCtx
}

// containsFunc reports whether a collection contains a value.
// Supports slices, arrays, maps (key lookup), and strings (substring).
func containsFunc(collection, item interface{}) bool {
	if collection == nil {
		return false
	}

	v := reflect.ValueOf(collection)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if fmt.Sprintf("%v", v.Index(i).Interface()) == fmt.Sprintf("%v", item) {
				return true
			}
		}
		return false
	case reflect.Map:
		key := reflect.ValueOf(item)
		if !key.Type().AssignableTo(v.Type().Key()) {
			return false
		}
		return v.MapIndex(key).IsValid()
	case reflect.String:
		s, ok := item.(string)
		if !ok {
			return false
		}
		return strings.Contains(v.String(), s)
	default:
		return false
	}
}

// lenFunc returns the length of a collection or string.
func lenFunc(collection interface{}) int {
	if collection == nil {
		return 0
	}
	v := reflect.ValueOf(collection)
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return v.Len()
	default:
		return 0
	}
}
