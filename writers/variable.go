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

package writers

import (
	"context"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/readers"
)

// VariableWriter stores records in the Variables carried by the call context.
// The write instruction is the variable key.
type VariableWriter struct{}

var _ gopersist.GeneralUpdater[string, string] = VariableWriter{}

// NewVariableWriter returns a writer over context-scoped variables.
func NewVariableWriter() VariableWriter {
	return VariableWriter{}
}

// Create sets key to record.
func (VariableWriter) Create(ctx context.Context, record gopersist.Record, key string) (gopersist.Record, error) {
	vars, err := readers.VariablesFrom(ctx)
	if err != nil {
		return nil, err
	}
	vars.Set(key, record)
	return record, nil
}

// CreateAll sets key to the whole list.
func (VariableWriter) CreateAll(ctx context.Context, records []gopersist.Record, key string) ([]gopersist.Record, error) {
	vars, err := readers.VariablesFrom(ctx)
	if err != nil {
		return nil, err
	}
	vars.Set(key, records)
	return records, nil
}

func (VariableWriter) Replace(ctx context.Context, record gopersist.Record, key string) (gopersist.Record, error) {
	return nil, gopersist.Unsupported("variable", "replace")
}

func (VariableWriter) ReplaceAll(ctx context.Context, records []gopersist.Record, key string) ([]gopersist.Record, error) {
	return nil, gopersist.Unsupported("variable", "replace_all")
}

func (VariableWriter) Update(ctx context.Context, record gopersist.Record, key string) (gopersist.Record, error) {
	return nil, gopersist.Unsupported("variable", "update")
}

func (VariableWriter) UpdateAll(ctx context.Context, records []gopersist.Record, key string) ([]gopersist.Record, error) {
	return nil, gopersist.Unsupported("variable", "update_all")
}

func (VariableWriter) CreateOrReplace(ctx context.Context, record gopersist.Record, key string) (gopersist.Record, error) {
	return nil, gopersist.Unsupported("variable", "create_or_replace")
}

func (VariableWriter) CreateOrReplaceAll(ctx context.Context, records []gopersist.Record, key string) ([]gopersist.Record, error) {
	return nil, gopersist.Unsupported("variable", "create_or_replace_all")
}

func (VariableWriter) Delete(ctx context.Context, record gopersist.Record, key string) (gopersist.Record, error) {
	return nil, gopersist.Unsupported("variable", "delete")
}

func (VariableWriter) DeleteByID(ctx context.Context, id string, key string) (gopersist.Record, error) {
	return nil, gopersist.Unsupported("variable", "delete_by_id")
}

func (VariableWriter) DeleteAll(ctx context.Context, records []gopersist.Record, key string) ([]gopersist.Record, error) {
	return nil, gopersist.Unsupported("variable", "delete_all")
}

func (VariableWriter) UpdateOne(ctx context.Context, id string, fields gopersist.Record, key string) (gopersist.Record, error) {
	return nil, gopersist.Unsupported("variable", "update_one")
}

func (VariableWriter) UpdateMany(ctx context.Context, query string, fields gopersist.Record, key string) (int64, error) {
	return 0, gopersist.Unsupported("variable", "update_many")
}
