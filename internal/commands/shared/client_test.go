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

package shared

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseInputs(t *testing.T) {
	inputs, err := ParseInputs([]string{"tag=v1.2.3", "test_env=prod", "note=a=b"})
	if err != nil {
		t.Fatal(err)
	}
	if inputs["tag"] != "v1.2.3" || inputs["test_env"] != "prod" {
		t.Errorf("inputs = %v", inputs)
	}
	// Only the first = splits.
	if inputs["note"] != "a=b" {
		t.Errorf("note = %v", inputs["note"])
	}

	for _, bad := range []string{"noequals", "=value", ""} {
		if _, err := ParseInputs([]string{bad}); err == nil {
			t.Errorf("ParseInputs(%q) should fail", bad)
		}
	}
}

func TestClientDispatch(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(DispatchResult{ID: "item-1", Pipeline: "release-publisher"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	result, err := client.Dispatch(context.Background(), "release-publisher",
		map[string]interface{}{"tag": "v1.0.0"})
	if err != nil {
		t.Fatal(err)
	}
	if result.ID != "item-1" {
		t.Errorf("result = %+v", result)
	}
	if gotPath != "/api/pipelines/release-publisher/dispatch" {
		t.Errorf("path = %s", gotPath)
	}
	inputs := gotBody["inputs"].(map[string]interface{})
	if inputs["tag"] != "v1.0.0" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "required input missing: tag"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Dispatch(context.Background(), "release-publisher", nil)
	if err == nil || !strings.Contains(err.Error(), "required input missing") {
		t.Errorf("err = %v", err)
	}
}

func TestNewClientAddrDefaults(t *testing.T) {
	if got := NewClient("localhost:7600").baseURL; got != "http://localhost:7600" {
		t.Errorf("baseURL = %s", got)
	}
	if got := NewClient("https://forge.example.com/").baseURL; got != "https://forge.example.com" {
		t.Errorf("baseURL = %s", got)
	}
}
