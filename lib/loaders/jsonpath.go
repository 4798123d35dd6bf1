// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package loaders

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"k8s.io/client-go/util/jsonpath"
)

// selectRecords evaluates a `$(...)` path against an enveloped API response and returns
// every matched value as a record. A single match holding an array is flattened, so both
// `$(data.items)` and `$(data.items[*])` select the items.
//
// Records are re-encoded after selection, so object keys come out sorted.
func selectRecords(path string, body []byte) ([]json.RawMessage, error) {
	p, err := makeJSONPath(path)
	if err != nil {
		return nil, err
	}
	j := jsonpath.New("records").AllowMissingKeys(false)
	if err := j.Parse(p); err != nil {
		return nil, fmt.Errorf("failed to parse JSONPath expression from %q: %w", path, err)
	}

	// Numbers stay json.Number so integers above 2^53 are re-encoded unchanged.
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	fullResults, err := j.FindResults(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to find %q in response: %w", path, err)
	}

	var values []interface{}
	for _, rs := range fullResults {
		for _, r := range rs {
			values = append(values, r.Interface())
		}
	}
	if len(values) == 1 {
		if arr, ok := values[0].([]interface{}); ok {
			values = arr
		}
	}

	records := make([]json.RawMessage, 0, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode record %d: %w", i, err)
		}
		records = append(records, b)
	}
	return records, nil
}

func makeJSONPath(path string) (string, error) {
	if !strings.HasPrefix(path, "$(") || !strings.HasSuffix(path, ")") {
		return "", fmt.Errorf("expected %q to start with `$(` and end with `)` for a valid JSONPath expression", path)
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(path, "$("), ")")
	return fmt.Sprintf("{ .%s }", trimmed), nil
}
