// Copyright 2026 The EverMemOS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ExtractJSON returns the first complete JSON value embedded in content.
// Models wrap JSON in markdown fences or prose more often than not; this
// tolerates both and ignores anything after the value ends.
func ExtractJSON(content string) (string, error) {
	s := strings.TrimSpace(content)

	// Strip a markdown fence if the whole payload is fenced.
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", fmt.Errorf("no JSON value in response")
	}

	dec := json.NewDecoder(strings.NewReader(s[start:]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return "", fmt.Errorf("malformed JSON in response: %w", err)
	}
	return string(raw), nil
}

// DecodeVerdict extracts the JSON verdict from content, validates it
// against the given JSON Schema, and unmarshals it into out. Schema
// violations are returned as a single error listing every failure.
func DecodeVerdict(content string, schema map[string]interface{}, out interface{}) error {
	raw, err := ExtractJSON(content)
	if err != nil {
		return err
	}

	if len(schema) > 0 {
		schemaLoader := gojsonschema.NewGoLoader(schema)
		docLoader := gojsonschema.NewStringLoader(raw)

		result, err := gojsonschema.Validate(schemaLoader, docLoader)
		if err != nil {
			return fmt.Errorf("schema validation failed: %w", err)
		}
		if !result.Valid() {
			errors := make([]string, len(result.Errors()))
			for i, verr := range result.Errors() {
				errors[i] = verr.String()
			}
			return fmt.Errorf("verdict does not match schema: %v", errors)
		}
	}

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("unmarshal verdict: %w", err)
	}
	return nil
}

// ParseQueryList parses a list of alternative query strings out of a
// completion. It accepts a JSON string array anywhere in the content, or
// falls back to one query per line with bullets and numbering stripped.
// Results are deduplicated, empties dropped, and capped at max (when
// max > 0).
func ParseQueryList(content string, max int) []string {
	var queries []string

	if raw, err := ExtractJSON(content); err == nil {
		var arr []string
		if json.Unmarshal([]byte(raw), &arr) == nil {
			queries = arr
		}
	}

	if queries == nil {
		for _, line := range strings.Split(content, "\n") {
			line = strings.TrimSpace(line)
			line = strings.TrimLeft(line, "-*•0123456789.) ")
			line = strings.Trim(line, `"`)
			if line != "" {
				queries = append(queries, line)
			}
		}
	}

	seen := make(map[string]bool, len(queries))
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}
