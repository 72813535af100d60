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

package filter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/aaronlmathis/gopersist"
)

func include(t *testing.T, f gopersist.Filter, record gopersist.Record) bool {
	t.Helper()
	ok, err := f.ShouldInclude(context.Background(), record)
	require.NoError(t, err)
	return ok
}

func TestWhere(t *testing.T) {
	record := gopersist.Record{
		"name":   "ada lovelace",
		"age":    int64(36),
		"score":  json.Number("9.5"),
		"status": "active",
		"empty":  "",
		"nil":    nil,
	}

	tests := []struct {
		name   string
		field  string
		op     Op
		value  interface{}
		values []interface{}
		want   bool
	}{
		{"eq across numeric types", "age", OpEq, 36, nil, true},
		{"eq string", "status", OpEq, "active", nil, true},
		{"eq absent", "missing", OpEq, nil, nil, false},
		{"ne", "status", OpNe, "trial", nil, true},
		{"in", "status", OpIn, nil, []interface{}{"trial", "active"}, true},
		{"in miss", "status", OpIn, nil, []interface{}{"trial"}, false},
		{"contains", "name", OpContains, "love", nil, true},
		{"prefix", "name", OpPrefix, "ada", nil, true},
		{"suffix", "name", OpSuffix, "ada", nil, false},
		{"regex", "name", OpRegex, `^ada\s`, nil, true},
		{"gt", "age", OpGt, 30, nil, true},
		{"gte boundary", "age", OpGte, 36.0, nil, true},
		{"lt json number", "score", OpLt, 10, nil, true},
		{"lte non numeric field", "name", OpLte, 10, nil, false},
		{"not null", "name", OpNotNull, nil, nil, true},
		{"not null empty string", "empty", OpNotNull, nil, nil, false},
		{"null", "nil", OpNull, nil, nil, true},
		{"null absent", "missing", OpNull, nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Where(tt.field, tt.op, tt.value, tt.values...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, include(t, f, record))
		})
	}
}

func TestWhere_Invalid(t *testing.T) {
	_, err := Where("a", "like", "x")
	assert.Error(t, err)
	_, err = Where("a", OpGt, "ten")
	assert.Error(t, err)
	_, err = Where("a", OpRegex, "(")
	assert.Error(t, err)
	_, err = Where("", OpEq, 1)
	assert.Error(t, err)
}

func TestBuild_FromYAML(t *testing.T) {
	doc := `
- field: status
  op: in
  values: [active, trial]
- field: age
  op: gte
  value: 18
`
	var conds []Condition
	require.NoError(t, yaml.Unmarshal([]byte(doc), &conds))
	f, err := Build(conds)
	require.NoError(t, err)

	assert.True(t, include(t, f, gopersist.Record{"status": "trial", "age": 21}))
	assert.False(t, include(t, f, gopersist.Record{"status": "trial", "age": 12}))
	assert.False(t, include(t, f, gopersist.Record{"status": "closed", "age": 40}))

	all, err := Build(nil)
	require.NoError(t, err)
	assert.True(t, include(t, all, gopersist.Record{}))

	_, err = Build([]Condition{{Field: "a", Op: "bogus"}})
	var cfgErr *gopersist.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestCombinators(t *testing.T) {
	adult := Between("age", 18, 65)
	vip := Custom(func(r gopersist.Record) bool { return r["vip"] == true })
	f := Or(And(adult, NotNull("email")), vip)

	assert.True(t, include(t, f, gopersist.Record{"age": 30, "email": "a@b.c"}))
	assert.False(t, include(t, f, gopersist.Record{"age": 30}))
	assert.True(t, include(t, f, gopersist.Record{"age": 5, "vip": true}))
	assert.False(t, include(t, Not(vip), gopersist.Record{"vip": true}))

	boom := errors.New("boom")
	failing := gopersist.FilterFunc(func(context.Context, gopersist.Record) (bool, error) { return false, boom })
	_, err := Or(failing, vip).ShouldInclude(context.Background(), gopersist.Record{})
	assert.ErrorIs(t, err, boom)
	_, err = Not(failing).ShouldInclude(context.Background(), gopersist.Record{})
	assert.ErrorIs(t, err, boom)
}
