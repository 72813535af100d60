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

package gopersist

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// memReader serves a fixed record slice for any query.
type memReader struct {
	records []Record
}

func (m *memReader) FindOne(ctx context.Context, query string, params Params) (Record, error) {
	return FirstOf(m.match(query)), nil
}

func (m *memReader) FindAll(ctx context.Context, query string, params Params) ([]Record, error) {
	return m.match(query), nil
}

func (m *memReader) FindPage(ctx context.Context, req PageRequest, query string, params Params) (*Page, error) {
	all := m.match(query)
	start := req.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + req.PageSize
	if end > len(all) {
		end = len(all)
	}
	return NewPage(req, int64(len(all)), all[start:end]), nil
}

func (m *memReader) FindBatch(ctx context.Context, batchSize int, query string, params Params) (RecordIterator, error) {
	return NewSliceBatchIterator(m.match(query), batchSize)
}

func (m *memReader) Count(ctx context.Context, query string, params Params) (int64, error) {
	return int64(len(m.match(query))), nil
}

func (m *memReader) Distinct(ctx context.Context, query string, params Params) ([]Record, error) {
	return nil, Unsupported("memory", "distinct")
}

// match filters by "field=value"; an empty query matches everything.
func (m *memReader) match(query string) []Record {
	if query == "" {
		return m.records
	}
	field, value, _ := strings.Cut(query, "=")
	var out []Record
	for _, r := range m.records {
		if v, ok := r[field]; ok && v == value {
			out = append(out, r)
		}
	}
	return out
}

// memAppender records every CreateAll call.
type memAppender struct {
	mu      sync.Mutex
	batches [][]Record
	failOn  func(batch []Record) bool
}

func (m *memAppender) Create(ctx context.Context, record Record, wi string) (Record, error) {
	out, err := m.CreateAll(ctx, []Record{record}, wi)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (m *memAppender) CreateAll(ctx context.Context, records []Record, wi string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != nil && m.failOn(records) {
		return nil, errors.New("write rejected")
	}
	m.batches = append(m.batches, records)
	return records, nil
}

func (m *memAppender) all() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

// upperConverter upper-cases the "name" field and counts calls.
type upperConverter struct {
	calls int
	fail  bool
}

func (u *upperConverter) Convert(ctx context.Context, record Record) (Record, error) {
	u.calls++
	if u.fail {
		return nil, &TransformError{Op: "template", Err: errors.New("boom")}
	}
	out := record.Copy()
	if name, ok := out["name"].(string); ok {
		out["name"] = strings.ToUpper(name)
	}
	return out, nil
}

func (u *upperConverter) ConvertAll(ctx context.Context, records []Record) ([]Record, error) {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		c, err := u.Convert(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func people(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{"id": i, "name": "person", "team": "blue"}
		if i%2 == 1 {
			out[i]["team"] = "red"
		}
	}
	return out
}
