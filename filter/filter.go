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

// Package filter builds gopersist.Filter predicates for Transfer pipelines, either
// from Go code or from Conditions declared in configuration.
package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/aaronlmathis/gopersist"
)

// Op is a comparison operator usable in a Condition.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpIn       Op = "in"
	OpContains Op = "contains"
	OpPrefix   Op = "prefix"
	OpSuffix   Op = "suffix"
	OpRegex    Op = "regex"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpNotNull  Op = "not_null"
	OpNull     Op = "null"
)

// Condition is the declarative form of a single predicate, e.g.
//
//	- field: status
//	  op: in
//	  values: [active, trial]
type Condition struct {
	Field  string        `yaml:"field" json:"field"`
	Op     Op            `yaml:"op" json:"op"`
	Value  interface{}   `yaml:"value,omitempty" json:"value,omitempty"`
	Values []interface{} `yaml:"values,omitempty" json:"values,omitempty"`
}

// Build compiles conditions into one filter that passes only when all of them do.
// An empty list passes everything.
func Build(conditions []Condition) (gopersist.Filter, error) {
	filters := make([]gopersist.Filter, 0, len(conditions))
	for i, c := range conditions {
		f, err := Where(c.Field, c.Op, c.Value, c.Values...)
		if err != nil {
			return nil, &gopersist.ConfigurationError{Op: "filter", Err: fmt.Errorf("condition %d: %w", i, err)}
		}
		filters = append(filters, f)
	}
	return And(filters...), nil
}

// Where returns the filter for one operator. values is only read by OpIn.
func Where(field string, op Op, value interface{}, values ...interface{}) (gopersist.Filter, error) {
	if field == "" {
		return nil, fmt.Errorf("field is required")
	}
	switch op {
	case OpEq:
		return Equals(field, value), nil
	case OpNe:
		return Not(Equals(field, value)), nil
	case OpIn:
		return In(field, values...), nil
	case OpContains:
		return stringTest(field, func(s string) bool { return strings.Contains(s, fmt.Sprint(value)) }), nil
	case OpPrefix:
		return stringTest(field, func(s string) bool { return strings.HasPrefix(s, fmt.Sprint(value)) }), nil
	case OpSuffix:
		return stringTest(field, func(s string) bool { return strings.HasSuffix(s, fmt.Sprint(value)) }), nil
	case OpRegex:
		return Matches(field, fmt.Sprint(value))
	case OpGt, OpGte, OpLt, OpLte:
		threshold, ok := toFloat64(value)
		if !ok {
			return nil, fmt.Errorf("%s needs a numeric value, got %T", op, value)
		}
		return compare(field, op, threshold), nil
	case OpNotNull:
		return NotNull(field), nil
	case OpNull:
		return Not(NotNull(field)), nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

// NotNull passes records whose field is present, non-nil and not an empty string.
func NotNull(field string) gopersist.Filter {
	return gopersist.FilterFunc(func(ctx context.Context, record gopersist.Record) (bool, error) {
		switch v := record[field].(type) {
		case nil:
			return false, nil
		case string:
			return v != "", nil
		}
		return true, nil
	})
}

// Equals passes records whose field equals expected. Numbers compare by value
// regardless of their Go type, so 3, int64(3) and 3.0 are equal.
func Equals(field string, expected interface{}) gopersist.Filter {
	return gopersist.FilterFunc(func(ctx context.Context, record gopersist.Record) (bool, error) {
		value, ok := record[field]
		if !ok {
			return false, nil
		}
		return equal(value, expected), nil
	})
}

// In passes records whose field equals any of values.
func In(field string, values ...interface{}) gopersist.Filter {
	return gopersist.FilterFunc(func(ctx context.Context, record gopersist.Record) (bool, error) {
		value, ok := record[field]
		if !ok {
			return false, nil
		}
		for _, v := range values {
			if equal(value, v) {
				return true, nil
			}
		}
		return false, nil
	})
}

// Matches passes records whose string field matches pattern.
func Matches(field, pattern string) (gopersist.Filter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return stringTest(field, re.MatchString), nil
}

// Between passes records whose numeric field lies in [min, max].
func Between(field string, min, max float64) gopersist.Filter {
	return And(compare(field, OpGte, min), compare(field, OpLte, max))
}

// And passes when every filter passes, stopping at the first that does not.
func And(filters ...gopersist.Filter) gopersist.Filter {
	return gopersist.FilterFunc(func(ctx context.Context, record gopersist.Record) (bool, error) {
		for _, f := range filters {
			include, err := f.ShouldInclude(ctx, record)
			if err != nil || !include {
				return false, err
			}
		}
		return true, nil
	})
}

// Or passes when any filter passes.
func Or(filters ...gopersist.Filter) gopersist.Filter {
	return gopersist.FilterFunc(func(ctx context.Context, record gopersist.Record) (bool, error) {
		for _, f := range filters {
			include, err := f.ShouldInclude(ctx, record)
			if err != nil {
				return false, err
			}
			if include {
				return true, nil
			}
		}
		return false, nil
	})
}

// Not negates f. Errors pass through.
func Not(f gopersist.Filter) gopersist.Filter {
	return gopersist.FilterFunc(func(ctx context.Context, record gopersist.Record) (bool, error) {
		include, err := f.ShouldInclude(ctx, record)
		if err != nil {
			return false, err
		}
		return !include, nil
	})
}

// Custom adapts a plain predicate.
func Custom(predicate func(gopersist.Record) bool) gopersist.Filter {
	return gopersist.FilterFunc(func(ctx context.Context, record gopersist.Record) (bool, error) {
		return predicate(record), nil
	})
}

func stringTest(field string, test func(string) bool) gopersist.Filter {
	return gopersist.FilterFunc(func(ctx context.Context, record gopersist.Record) (bool, error) {
		s, ok := record[field].(string)
		return ok && test(s), nil
	})
}

// compare skips records whose field is absent or not numeric.
func compare(field string, op Op, threshold float64) gopersist.Filter {
	return gopersist.FilterFunc(func(ctx context.Context, record gopersist.Record) (bool, error) {
		n, ok := toFloat64(record[field])
		if !ok {
			return false, nil
		}
		switch op {
		case OpGt:
			return n > threshold, nil
		case OpGte:
			return n >= threshold, nil
		case OpLt:
			return n < threshold, nil
		default:
			return n <= threshold, nil
		}
	})
}

func equal(a, b interface{}) bool {
	if x, ok := toFloat64(a); ok {
		if y, ok := toFloat64(b); ok {
			return x == y
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := strconv.ParseFloat(string(v), 64)
		return f, err == nil
	}
	return 0, false
}
