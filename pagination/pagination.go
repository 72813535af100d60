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

// Package pagination turns any gopersist.GeneralReader into a batch iterator by
// rendering paging variables into successive queries.
//
// The iterator owns the state map and the batch number; a Strategy decides what goes
// into the state before each fetch and whether another batch follows.
package pagination

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aaronlmathis/gopersist"
)

// State variable names.
const (
	VarOffset   = "offset"
	VarLimit    = "limit"
	VarPageNum  = "pageNum"
	VarPageSize = "pageSize"
)

// Strategy supplies the paging arithmetic.
type Strategy interface {
	// BeforeFetch writes the variables for batch batchNum (starting at 1) into state.
	BeforeFetch(state map[string]interface{}, batchNum, batchSize int)
	// HasNextAfterFetch reports whether a batch follows the one just fetched.
	HasNextAfterFetch(data []gopersist.Record, batchNum, batchSize int) bool
}

// Renderer returns a copy of query with the state variables applied. It must not
// modify query.
type Renderer[Q any] func(query Q, state map[string]interface{}) (Q, error)

// GenericBatchIterator fetches one page per Next through GeneralReader.FindAll.
// The state variables are also merged into the params passed to the reader.
type GenericBatchIterator[Q any] struct {
	reader    gopersist.GeneralReader[Q]
	query     Q
	params    gopersist.Params
	render    Renderer[Q]
	strategy  Strategy
	batchSize int

	state    map[string]interface{}
	batchNum int
	hasNext  bool
	closed   bool
}

// NewGenericBatchIterator creates an iterator. A nil render leaves the query as is.
func NewGenericBatchIterator[Q any](reader gopersist.GeneralReader[Q], query Q, params gopersist.Params, batchSize int, strategy Strategy, render Renderer[Q]) (*GenericBatchIterator[Q], error) {
	if err := gopersist.ValidateBatchSize(batchSize); err != nil {
		return nil, err
	}
	if reader == nil || strategy == nil {
		return nil, &gopersist.ConfigurationError{Op: "pagination", Err: errors.New("reader and strategy are required")}
	}
	return &GenericBatchIterator[Q]{
		reader:    reader,
		query:     query,
		params:    params,
		render:    render,
		strategy:  strategy,
		batchSize: batchSize,
		state:     make(map[string]interface{}),
		batchNum:  1,
		hasNext:   true,
	}, nil
}

// HasNext implements gopersist.BatchIterator.
func (g *GenericBatchIterator[Q]) HasNext() bool {
	return !g.closed && g.hasNext
}

// BatchNum returns the number of the batch the next call to Next will fetch.
func (g *GenericBatchIterator[Q]) BatchNum() int {
	return g.batchNum
}

// Next implements gopersist.BatchIterator.
func (g *GenericBatchIterator[Q]) Next(ctx context.Context) ([]gopersist.Record, error) {
	if g.closed {
		return nil, gopersist.ErrIteratorClosed
	}
	if !g.hasNext {
		return nil, gopersist.ErrNoSuchBatch
	}

	g.strategy.BeforeFetch(g.state, g.batchNum, g.batchSize)
	query, err := g.renderQuery()
	if err != nil {
		g.hasNext = false
		return nil, err
	}

	data, err := g.reader.FindAll(ctx, query, withState(g.params, g.state))
	if err != nil {
		g.hasNext = false
		return nil, err
	}

	g.hasNext = g.strategy.HasNextAfterFetch(data, g.batchNum, g.batchSize)
	g.batchNum++
	return data, nil
}

// Close implements gopersist.BatchIterator.
func (g *GenericBatchIterator[Q]) Close() error {
	g.closed = true
	return nil
}

func (g *GenericBatchIterator[Q]) renderQuery() (Q, error) {
	if g.render == nil {
		return g.query, nil
	}
	return g.render(g.query, g.state)
}

func withState(params gopersist.Params, state map[string]interface{}) gopersist.Params {
	out := make(gopersist.Params, len(params)+len(state))
	for k, v := range params {
		out[k] = v
	}
	for k, v := range state {
		out[k] = v
	}
	return out
}

// OffsetLimit pages with offset = (n-1)*batchSize and limit = batchSize, and stops
// after the first short page.
type OffsetLimit struct{}

// BeforeFetch implements Strategy.
func (OffsetLimit) BeforeFetch(state map[string]interface{}, batchNum, batchSize int) {
	state[VarOffset] = (batchNum - 1) * batchSize
	state[VarLimit] = batchSize
}

// HasNextAfterFetch implements Strategy.
func (OffsetLimit) HasNextAfterFetch(data []gopersist.Record, batchNum, batchSize int) bool {
	return len(data) >= batchSize
}

// PageBased pages with pageNum = n and pageSize = batchSize over a total page count
// known up front.
type PageBased struct {
	TotalPages int
}

// BeforeFetch implements Strategy.
func (PageBased) BeforeFetch(state map[string]interface{}, batchNum, batchSize int) {
	state[VarPageNum] = batchNum
	state[VarPageSize] = batchSize
}

// HasNextAfterFetch implements Strategy.
func (p PageBased) HasNextAfterFetch(data []gopersist.Record, batchNum, batchSize int) bool {
	return batchNum < p.TotalPages
}

// NewOffsetLimit creates an offset/limit iterator.
func NewOffsetLimit[Q any](reader gopersist.GeneralReader[Q], query Q, params gopersist.Params, batchSize int, render Renderer[Q]) (*GenericBatchIterator[Q], error) {
	return NewGenericBatchIterator(reader, query, params, batchSize, OffsetLimit{}, render)
}

// NewPageBased creates a page-number iterator. The total is counted once, here, with
// pageNum=1 and pageSize=1 rendered into the query. Zero pages means no batches.
func NewPageBased[Q any](ctx context.Context, reader gopersist.GeneralReader[Q], query Q, params gopersist.Params, batchSize int, render Renderer[Q]) (*GenericBatchIterator[Q], error) {
	if err := gopersist.ValidateBatchSize(batchSize); err != nil {
		return nil, err
	}
	if reader == nil {
		return nil, &gopersist.ConfigurationError{Op: "pagination", Err: errors.New("reader is required")}
	}

	countState := map[string]interface{}{VarPageNum: 1, VarPageSize: 1}
	countQuery := query
	if render != nil {
		var err error
		if countQuery, err = render(query, countState); err != nil {
			return nil, err
		}
	}
	total, err := reader.Count(ctx, countQuery, withState(params, countState))
	if err != nil {
		return nil, err
	}

	strategy := PageBased{TotalPages: gopersist.PageCount(total, batchSize)}
	it, err := NewGenericBatchIterator(reader, query, params, batchSize, strategy, render)
	if err != nil {
		return nil, err
	}
	it.hasNext = strategy.TotalPages > 0
	return it, nil
}

// JSONTemplateRenderer renders the JSON form of a query as a template with the state
// as data and decodes the result into a fresh query value.
func JSONTemplateRenderer[Q any](renderer gopersist.Renderer) Renderer[Q] {
	return func(query Q, state map[string]interface{}) (Q, error) {
		var zero Q
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(query); err != nil {
			return zero, &gopersist.TransformError{Op: "encode", Err: err}
		}
		rendered, err := renderer.Render(buf.String(), state)
		if err != nil {
			return zero, &gopersist.TransformError{Op: "template", Err: err}
		}
		var out Q
		if err := json.Unmarshal([]byte(rendered), &out); err != nil {
			return zero, &gopersist.TransformError{Op: "decode", Err: fmt.Errorf("rendered query is not valid JSON: %w", err)}
		}
		return out, nil
	}
}
