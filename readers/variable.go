//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Copyright (C) 2025 Aaron Mathis aaron.mathis@gmail.com
//
// This file is part of GoPersist.
//
// GoPersist is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// GoPersist is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with GoPersist. If not, see https://www.gnu.org/licenses/.

package readers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aaronlmathis/gopersist"
)

// ErrNoVariables is returned when the context carries no Variables store.
var ErrNoVariables = errors.New("no variables in context")

// Variables is a concurrency-safe key/value store scoped to one unit of work,
// typically a single Transfer run.
type Variables struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewVariables creates an empty store.
func NewVariables() *Variables {
	return &Variables{values: make(map[string]interface{})}
}

func (v *Variables) Get(key string) (interface{}, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.values[key]
	return val, ok
}

func (v *Variables) Set(key string, value interface{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[key] = value
}

func (v *Variables) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, key)
}

type variablesKey struct{}

// WithVariables returns a context carrying vars.
func WithVariables(ctx context.Context, vars *Variables) context.Context {
	return context.WithValue(ctx, variablesKey{}, vars)
}

// VariablesFrom extracts the store set by WithVariables.
func VariablesFrom(ctx context.Context) (*Variables, error) {
	vars, ok := ctx.Value(variablesKey{}).(*Variables)
	if !ok || vars == nil {
		return nil, &gopersist.ConfigurationError{Op: "variables", Err: ErrNoVariables}
	}
	return vars, nil
}

// VariableReader reads records stored under a variable key. The query is the key.
type VariableReader struct{}

var _ gopersist.GeneralReader[string] = VariableReader{}

// NewVariableReader returns a reader over the Variables carried in the call context.
func NewVariableReader() VariableReader {
	return VariableReader{}
}

// FindOne returns the record stored under key, or the first element of a stored list.
func (VariableReader) FindOne(ctx context.Context, key string, params gopersist.Params) (gopersist.Record, error) {
	records, err := lookupRecords(ctx, key)
	if err != nil {
		return nil, err
	}
	return gopersist.FirstOf(records), nil
}

// FindAll returns the list stored under key. A single stored record is returned as a list of one.
func (VariableReader) FindAll(ctx context.Context, key string, params gopersist.Params) ([]gopersist.Record, error) {
	return lookupRecords(ctx, key)
}

func (VariableReader) FindPage(ctx context.Context, req gopersist.PageRequest, key string, params gopersist.Params) (*gopersist.Page, error) {
	return nil, gopersist.Unsupported("variable", "find_page")
}

// FindBatch slices the stored list.
func (VariableReader) FindBatch(ctx context.Context, batchSize int, key string, params gopersist.Params) (gopersist.RecordIterator, error) {
	records, err := lookupRecords(ctx, key)
	if err != nil {
		return nil, err
	}
	it, err := gopersist.NewSliceBatchIterator(records, batchSize)
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (VariableReader) Count(ctx context.Context, key string, params gopersist.Params) (int64, error) {
	return 0, gopersist.Unsupported("variable", "count")
}

func (VariableReader) Distinct(ctx context.Context, key string, params gopersist.Params) ([]gopersist.Record, error) {
	return nil, gopersist.Unsupported("variable", "distinct")
}

func lookupRecords(ctx context.Context, key string) ([]gopersist.Record, error) {
	vars, err := VariablesFrom(ctx)
	if err != nil {
		return nil, err
	}
	val, ok := vars.Get(key)
	if !ok || val == nil {
		return nil, nil
	}
	switch v := val.(type) {
	case gopersist.Record:
		return []gopersist.Record{v}, nil
	case map[string]interface{}:
		return []gopersist.Record{v}, nil
	case []gopersist.Record:
		return v, nil
	case []map[string]interface{}:
		out := make([]gopersist.Record, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, nil
	case []interface{}:
		out := make([]gopersist.Record, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				if r, isRecord := item.(gopersist.Record); isRecord {
					m = r
				} else {
					return nil, &gopersist.ConfigurationError{Op: "variable_find", Err: fmt.Errorf("variable %q element %d is %T, not a record", key, i, item)}
				}
			}
			out = append(out, m)
		}
		return out, nil
	}
	return nil, &gopersist.ConfigurationError{Op: "variable_find", Err: fmt.Errorf("variable %q holds %T, not records", key, val)}
}
