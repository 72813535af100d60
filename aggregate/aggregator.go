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

// Package aggregate folds record sets into one summary record per group.
package aggregate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aaronlmathis/gopersist"
)

// Aggregator accumulates one output value over the records of a group.
type Aggregator interface {
	// Add folds a record into the running value.
	Add(record gopersist.Record) error
	// Result returns the value accumulated so far.
	Result() interface{}
	// Clone returns a fresh aggregator with the same configuration.
	Clone() Aggregator
}

// Op names an aggregation.
type Op string

const (
	OpCount Op = "count"
	OpSum   Op = "sum"
	OpAvg   Op = "avg"
	OpMin   Op = "min"
	OpMax   Op = "max"
	OpFirst Op = "first"
	OpLast  Op = "last"
)

// NewAggregator builds the aggregator for op over field. count ignores field unless it
// is set, in which case only records with a non-nil value are counted.
func NewAggregator(op Op, field string) (Aggregator, error) {
	switch op {
	case OpCount:
		return &countAggregator{field: field}, nil
	case OpSum:
		return &sumAggregator{field: field}, nil
	case OpAvg:
		return &avgAggregator{field: field}, nil
	case OpMin:
		return &extremeAggregator{field: field, want: -1}, nil
	case OpMax:
		return &extremeAggregator{field: field, want: 1}, nil
	case OpFirst:
		return &pickAggregator{field: field, first: true}, nil
	case OpLast:
		return &pickAggregator{field: field}, nil
	}
	return nil, fmt.Errorf("unknown aggregation %q", op)
}

type countAggregator struct {
	field string
	count int64
}

func (c *countAggregator) Add(record gopersist.Record) error {
	if c.field == "" || record[c.field] != nil {
		c.count++
	}
	return nil
}

func (c *countAggregator) Result() interface{} { return c.count }

func (c *countAggregator) Clone() Aggregator { return &countAggregator{field: c.field} }

type sumAggregator struct {
	field string
	sum   float64
}

func (s *sumAggregator) Add(record gopersist.Record) error {
	v, ok, err := number(record[s.field])
	if err != nil {
		return fmt.Errorf("sum of %s: %w", s.field, err)
	}
	if ok {
		s.sum += v
	}
	return nil
}

func (s *sumAggregator) Result() interface{} { return s.sum }

func (s *sumAggregator) Clone() Aggregator { return &sumAggregator{field: s.field} }

type avgAggregator struct {
	field string
	sum   float64
	count int
}

func (a *avgAggregator) Add(record gopersist.Record) error {
	v, ok, err := number(record[a.field])
	if err != nil {
		return fmt.Errorf("avg of %s: %w", a.field, err)
	}
	if ok {
		a.sum += v
		a.count++
	}
	return nil
}

// Result is nil for a group without a single numeric value.
func (a *avgAggregator) Result() interface{} {
	if a.count == 0 {
		return nil
	}
	return a.sum / float64(a.count)
}

func (a *avgAggregator) Clone() Aggregator { return &avgAggregator{field: a.field} }

// extremeAggregator keeps the smallest (want -1) or largest (want 1) value.
type extremeAggregator struct {
	field string
	want  int
	value interface{}
}

func (m *extremeAggregator) Add(record gopersist.Record) error {
	v := record[m.field]
	if v == nil {
		return nil
	}
	if m.value == nil {
		m.value = v
		return nil
	}
	c, err := compare(v, m.value)
	if err != nil {
		return fmt.Errorf("%s: %w", m.field, err)
	}
	if c == m.want {
		m.value = v
	}
	return nil
}

func (m *extremeAggregator) Result() interface{} { return m.value }

func (m *extremeAggregator) Clone() Aggregator {
	return &extremeAggregator{field: m.field, want: m.want}
}

type pickAggregator struct {
	field string
	first bool
	seen  bool
	value interface{}
}

func (p *pickAggregator) Add(record gopersist.Record) error {
	if p.first && p.seen {
		return nil
	}
	p.value, p.seen = record[p.field], true
	return nil
}

func (p *pickAggregator) Result() interface{} { return p.value }

func (p *pickAggregator) Clone() Aggregator { return &pickAggregator{field: p.field, first: p.first} }

// number reports v as a float64. A nil value is skipped; a non-numeric one is an error.
func number(v interface{}) (float64, bool, error) {
	switch n := v.(type) {
	case nil:
		return 0, false, nil
	case int:
		return float64(n), true, nil
	case int8:
		return float64(n), true, nil
	case int16:
		return float64(n), true, nil
	case int32:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case uint:
		return float64(n), true, nil
	case uint8:
		return float64(n), true, nil
	case uint16:
		return float64(n), true, nil
	case uint32:
		return float64(n), true, nil
	case uint64:
		return float64(n), true, nil
	case float32:
		return float64(n), true, nil
	case float64:
		return n, true, nil
	case json.Number:
		f, err := n.Float64()
		return f, err == nil, err
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false, fmt.Errorf("%q is not a number", n)
		}
		return f, true, nil
	}
	return 0, false, fmt.Errorf("cannot use %T as a number", v)
}

func compare(a, b interface{}) (int, error) {
	if fa, ok, err := number(a); err == nil && ok {
		fb, ok, err := number(b)
		if err != nil || !ok {
			return 0, fmt.Errorf("cannot compare %T with %T", a, b)
		}
		return sign(fa - fb), nil
	}
	switch va := a.(type) {
	case string:
		if vb, ok := b.(string); ok {
			switch {
			case va < vb:
				return -1, nil
			case va > vb:
				return 1, nil
			}
			return 0, nil
		}
	case time.Time:
		if vb, ok := b.(time.Time); ok {
			return va.Compare(vb), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

func sign(f float64) int {
	switch {
	case f < 0:
		return -1
	case f > 0:
		return 1
	}
	return 0
}
