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

package secrets

import (
	"strings"
	"sync"
)

// maskPlaceholder replaces secret values in masked output.
const maskPlaceholder = "***"

// Masker redacts known secret values from text. The engine registers every
// resolved credential before a job starts so that step output and log lines
// never leak values.
type Masker struct {
	mu     sync.RWMutex
	values []string
}

// NewMasker creates an empty masker.
func NewMasker() *Masker {
	return &Masker{}
}

// Add registers values for redaction. Empty and very short values are
// ignored: masking one- or two-character strings would mangle ordinary text.
func (m *Masker) Add(values ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range values {
		if len(v) >= 3 {
			m.values = append(m.values, v)
		}
	}
}

// Mask replaces every registered value in s with the placeholder.
func (m *Masker) Mask(s string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.values {
		s = strings.ReplaceAll(s, v, maskPlaceholder)
	}
	return s
}
