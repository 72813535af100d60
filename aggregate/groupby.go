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

package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aaronlmathis/gopersist"
)

// Aggregation is the configuration form of one output field.
type Aggregation struct {
	Op    Op     `json:"op" yaml:"op"`
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	As    string `json:"as" yaml:"as"`
}

// Spec is the configuration form of a GroupBy.
//
//	group_by: [region]
//	aggregations:
//	  - {op: count, as: orders}
//	  - {op: sum, field: total, as: revenue}
type Spec struct {
	GroupBy      []string      `json:"groupBy,omitempty" yaml:"group_by,omitempty"`
	Aggregations []Aggregation `json:"aggregations" yaml:"aggregations"`
}

// GroupBy groups records by the values of its group fields and emits one record per
// group, holding the group fields and every aggregation. Groups come out in the order
// their first record was seen. With no group fields the whole set is one group.
//
// GroupBy is a gopersist.Converter, so it can stand in for a transformer in a Transfer.
// Each batch is then aggregated on its own.
type GroupBy struct {
	groupFields []string
	outputs     []string
	aggregators []Aggregator
	err         error
}

var _ gopersist.Converter = (*GroupBy)(nil)

// NewGroupBy creates a GroupBy over groupFields. Add aggregations with the builder methods.
func NewGroupBy(groupFields ...string) *GroupBy {
	return &GroupBy{groupFields: groupFields}
}

// FromSpec builds a GroupBy from its configuration form.
func FromSpec(spec Spec) (*GroupBy, error) {
	g := NewGroupBy(spec.GroupBy...)
	for _, a := range spec.Aggregations {
		g.With(a.Op, a.Field, a.As)
	}
	if g.err != nil {
		return nil, g.err
	}
	return g, nil
}

// With adds an aggregation of op over field, written to outputField. A bad op or a
// duplicate output surfaces on the first Aggregate call.
func (g *GroupBy) With(op Op, field, outputField string) *GroupBy {
	if g.err != nil {
		return g
	}
	agg, err := NewAggregator(op, field)
	switch {
	case err != nil:
	case outputField == "":
		err = fmt.Errorf("%s aggregation needs an output field", op)
	case op != OpCount && field == "":
		err = fmt.Errorf("%s aggregation needs a field", op)
	default:
		for _, existing := range append(append([]string(nil), g.groupFields...), g.outputs...) {
			if existing == outputField {
				err = fmt.Errorf("output field %q is used twice", outputField)
			}
		}
	}
	if err != nil {
		g.err = &gopersist.ConfigurationError{Op: "aggregate", Err: err}
		return g
	}
	g.outputs = append(g.outputs, outputField)
	g.aggregators = append(g.aggregators, agg)
	return g
}

// Count adds a record count.
func (g *GroupBy) Count(outputField string) *GroupBy { return g.With(OpCount, "", outputField) }

// Sum adds the sum of field.
func (g *GroupBy) Sum(field, outputField string) *GroupBy { return g.With(OpSum, field, outputField) }

// Avg adds the mean of field.
func (g *GroupBy) Avg(field, outputField string) *GroupBy { return g.With(OpAvg, field, outputField) }

// Min adds the smallest value of field.
func (g *GroupBy) Min(field, outputField string) *GroupBy { return g.With(OpMin, field, outputField) }

// Max adds the largest value of field.
func (g *GroupBy) Max(field, outputField string) *GroupBy { return g.With(OpMax, field, outputField) }

type group struct {
	key         gopersist.Record
	aggregators []Aggregator
}

// Aggregate folds records into one record per group.
func (g *GroupBy) Aggregate(ctx context.Context, records []gopersist.Record) ([]gopersist.Record, error) {
	if g.err != nil {
		return nil, g.err
	}
	if len(g.aggregators) == 0 && len(g.groupFields) == 0 {
		return nil, &gopersist.ConfigurationError{Op: "aggregate", Err: errors.New("nothing to group or aggregate")}
	}

	var order []*group
	groups := make(map[string]*group)
	for i, record := range records {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		id, key, err := g.groupKey(record)
		if err != nil {
			return nil, &gopersist.TransformError{Op: "aggregate", Err: err}
		}
		grp, ok := groups[id]
		if !ok {
			grp = &group{key: key, aggregators: make([]Aggregator, len(g.aggregators))}
			for j, agg := range g.aggregators {
				grp.aggregators[j] = agg.Clone()
			}
			groups[id] = grp
			order = append(order, grp)
		}
		for j, agg := range grp.aggregators {
			if err := agg.Add(record); err != nil {
				return nil, &gopersist.TransformError{Op: "aggregate", Err: fmt.Errorf("%s: %w", g.outputs[j], err)}
			}
		}
	}

	out := make([]gopersist.Record, 0, len(order))
	for _, grp := range order {
		rec := grp.key
		for j, agg := range grp.aggregators {
			rec[g.outputs[j]] = agg.Result()
		}
		out = append(out, rec)
	}
	return out, nil
}

// Convert aggregates a single record.
func (g *GroupBy) Convert(ctx context.Context, record gopersist.Record) (gopersist.Record, error) {
	out, err := g.Aggregate(ctx, []gopersist.Record{record})
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// ConvertAll implements gopersist.Converter.
func (g *GroupBy) ConvertAll(ctx context.Context, records []gopersist.Record) ([]gopersist.Record, error) {
	return g.Aggregate(ctx, records)
}

// groupKey encodes the group field values as JSON so 1 and "1" stay distinct groups.
func (g *GroupBy) groupKey(record gopersist.Record) (string, gopersist.Record, error) {
	key := make(gopersist.Record, len(g.groupFields))
	values := make([]interface{}, len(g.groupFields))
	for i, field := range g.groupFields {
		key[field] = record[field]
		values[i] = record[field]
	}
	id, err := json.Marshal(values)
	if err != nil {
		return "", nil, fmt.Errorf("group key: %w", err)
	}
	return string(id), key, nil
}
