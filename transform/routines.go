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

package transform

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/registry"
)

// Select keeps only the listed fields. Missing fields are not added.
func Select(fields ...string) gopersist.Transformer {
	return gopersist.TransformFunc(func(ctx context.Context, record gopersist.Record) (gopersist.Record, error) {
		result := make(gopersist.Record, len(fields))
		for _, field := range fields {
			if value, exists := record[field]; exists {
				result[field] = value
			}
		}
		return result, nil
	})
}

// Rename moves fields according to mapping (old name to new name).
func Rename(mapping map[string]string) gopersist.Transformer {
	return gopersist.TransformFunc(func(ctx context.Context, record gopersist.Record) (gopersist.Record, error) {
		for from, to := range mapping {
			if value, exists := record[from]; exists {
				delete(record, from)
				record[to] = value
			}
		}
		return record, nil
	})
}

// AddField sets field to the value computed from the record.
func AddField(field string, fn func(gopersist.Record) interface{}) gopersist.Transformer {
	return gopersist.TransformFunc(func(ctx context.Context, record gopersist.Record) (gopersist.Record, error) {
		record[field] = fn(record)
		return record, nil
	})
}

// SetField sets field to a constant.
func SetField(field string, value interface{}) gopersist.Transformer {
	return AddField(field, func(gopersist.Record) interface{} { return value })
}

// ConvertType converts field to "string", "int", "float" or "bool".
// A missing field is left alone; a failed conversion is an error.
func ConvertType(field, typeName string) (gopersist.Transformer, error) {
	convert, ok := converters[typeName]
	if !ok {
		return nil, fmt.Errorf("unsupported target type: %s", typeName)
	}
	return gopersist.TransformFunc(func(ctx context.Context, record gopersist.Record) (gopersist.Record, error) {
		value, exists := record[field]
		if !exists {
			return record, nil
		}
		converted, err := convert(value)
		if err != nil {
			return nil, fmt.Errorf("failed to convert field %s: %w", field, err)
		}
		record[field] = converted
		return record, nil
	}), nil
}

// Drop removes the listed fields.
func Drop(fields ...string) gopersist.Transformer {
	return gopersist.TransformFunc(func(ctx context.Context, record gopersist.Record) (gopersist.Record, error) {
		for _, field := range fields {
			delete(record, field)
		}
		return record, nil
	})
}

// Chain runs transformers in order, each receiving the previous output.
func Chain(transformers ...gopersist.Transformer) gopersist.Transformer {
	return gopersist.TransformFunc(func(ctx context.Context, record gopersist.Record) (gopersist.Record, error) {
		current := record
		for _, t := range transformers {
			next, err := t.Transform(ctx, current)
			if err != nil {
				return nil, err
			}
			current = next
		}
		return current, nil
	})
}

var converters = map[string]func(interface{}) (interface{}, error){
	"string": func(v interface{}) (interface{}, error) {
		if v == nil {
			return "", nil
		}
		return fmt.Sprintf("%v", v), nil
	},
	"int": func(v interface{}) (interface{}, error) {
		switch x := v.(type) {
		case nil:
			return 0, nil
		case string:
			return strconv.Atoi(strings.TrimSpace(x))
		case int:
			return x, nil
		case int32:
			return int(x), nil
		case int64:
			return int(x), nil
		case float64:
			return int(x), nil
		default:
			return nil, fmt.Errorf("cannot convert %T to int", v)
		}
	},
	"float": func(v interface{}) (interface{}, error) {
		switch x := v.(type) {
		case nil:
			return 0.0, nil
		case string:
			return strconv.ParseFloat(strings.TrimSpace(x), 64)
		case int:
			return float64(x), nil
		case int32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case float64:
			return x, nil
		default:
			return nil, fmt.Errorf("cannot convert %T to float", v)
		}
	},
	"bool": func(v interface{}) (interface{}, error) {
		switch x := v.(type) {
		case nil:
			return false, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(x))
		case bool:
			return x, nil
		case int:
			return x != 0, nil
		default:
			return nil, fmt.Errorf("cannot convert %T to bool", v)
		}
	},
}

// NewRoutineRegistry returns a registry holding the built-in routine constructors,
// so configuration can declare routines by type:
//
//	routines:
//	  - name: slim
//	    type: select
//	    args: [{value: id}, {value: name}]
func NewRoutineRegistry(singletons *registry.Singletons) *registry.Registry[gopersist.Transformer] {
	r := registry.New[gopersist.Transformer](singletons)
	r.Register("select", func(args []interface{}) (gopersist.Transformer, error) {
		fields, err := stringArgs(args)
		if err != nil {
			return nil, err
		}
		return Select(fields...), nil
	})
	r.Register("drop", func(args []interface{}) (gopersist.Transformer, error) {
		fields, err := stringArgs(args)
		if err != nil {
			return nil, err
		}
		return Drop(fields...), nil
	})
	r.Register("rename", func(args []interface{}) (gopersist.Transformer, error) {
		names, err := stringArgs(args)
		if err != nil {
			return nil, err
		}
		if len(names)%2 != 0 {
			return nil, fmt.Errorf("rename takes old/new name pairs, got %d arguments", len(names))
		}
		mapping := make(map[string]string, len(names)/2)
		for i := 0; i < len(names); i += 2 {
			mapping[names[i]] = names[i+1]
		}
		return Rename(mapping), nil
	})
	r.Register("add_field", func(args []interface{}) (gopersist.Transformer, error) {
		field, err := registry.StringArg(args, 0)
		if err != nil {
			return nil, err
		}
		if len(args) != 2 {
			return nil, fmt.Errorf("add_field takes a field and a value, got %d arguments", len(args))
		}
		return SetField(field, args[1]), nil
	})
	r.Register("convert_type", func(args []interface{}) (gopersist.Transformer, error) {
		field, err := registry.StringArg(args, 0)
		if err != nil {
			return nil, err
		}
		typeName, err := registry.StringArg(args, 1)
		if err != nil {
			return nil, err
		}
		return ConvertType(field, typeName)
	})
	return r
}

func stringArgs(args []interface{}) ([]string, error) {
	out := make([]string, len(args))
	for i := range args {
		s, err := registry.StringArg(args, i)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}
