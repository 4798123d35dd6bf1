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
	"encoding/json"
	"fmt"

	log "github.com/golang/glog"
	"github.com/google/cel-go/cel"
	"google.golang.org/protobuf/types/known/structpb"
)

// RecordFilter is a CEL program deciding which fetched records get staged. The record is
// bound to the variable `record`, e.g. `record.price < 20.0 && "PS5" in record.platforms`.
type RecordFilter struct {
	prg cel.Program
}

// MakeRecordFilter compiles filter. An empty filter returns a nil *RecordFilter, which keeps
// every record.
func MakeRecordFilter(filter string) (*RecordFilter, error) {
	if filter == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(cel.Variable("record", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create a CEL env: %w", err)
	}

	ast, iss := env.Compile(filter)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL filter %q: %w", filter, iss.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return &RecordFilter{prg: prg}, nil
}

// Apply returns true iff the program returns true for the record. Evaluation errors are
// logged and count as a mismatch.
func (f *RecordFilter) Apply(record json.RawMessage) bool {
	if f == nil {
		return true
	}

	var decoded interface{}
	if err := json.Unmarshal(record, &decoded); err != nil {
		log.Errorf("failed to decode record for filtering: %v", err)
		return false
	}
	val, err := structpb.NewValue(decoded)
	if err != nil {
		log.Errorf("failed to convert record into protobuf Value: %v", err)
		return false
	}

	out, _, err := f.prg.Eval(map[string]interface{}{"record": val})
	if err != nil {
		log.Errorf("failed to evaluate the CEL filter: %v", err)
		return false
	}
	match, ok := out.Value().(bool)
	if !ok {
		log.Errorf("failed to convert output of CEL filter program to a boolean: %v", out.Value())
		return false
	}
	return match
}

// Keep returns the records for which Apply is true, preserving order.
func (f *RecordFilter) Keep(records []json.RawMessage) []json.RawMessage {
	if f == nil {
		return records
	}
	kept := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		if f.Apply(r) {
			kept = append(kept, r)
		}
	}
	log.Infof("CEL filter kept %d of %d records", len(kept), len(records))
	return kept
}
