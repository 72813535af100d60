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

package pagination

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/engine"
)

// pagedReader serves n records, sliced by the paging variables found in params.
type pagedReader struct {
	n          int
	countCalls int
	lastCount  gopersist.Params
	queries    []string
	fail       bool
}

func (p *pagedReader) all() []gopersist.Record {
	out := make([]gopersist.Record, p.n)
	for i := range out {
		out[i] = gopersist.Record{"id": i}
	}
	return out
}

func (p *pagedReader) FindOne(ctx context.Context, q string, params gopersist.Params) (gopersist.Record, error) {
	return nil, gopersist.Unsupported("paged", "find_one")
}

func (p *pagedReader) FindAll(ctx context.Context, q string, params gopersist.Params) ([]gopersist.Record, error) {
	if p.fail {
		return nil, errors.New("backend down")
	}
	p.queries = append(p.queries, q)
	all := p.all()
	start, end := 0, len(all)
	if off, ok := params[VarOffset].(int); ok {
		start = off
		end = off + params[VarLimit].(int)
	} else if page, ok := params[VarPageNum].(int); ok {
		size := params[VarPageSize].(int)
		start = (page - 1) * size
		end = start + size
	}
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (p *pagedReader) FindPage(ctx context.Context, req gopersist.PageRequest, q string, params gopersist.Params) (*gopersist.Page, error) {
	return nil, gopersist.Unsupported("paged", "find_page")
}

func (p *pagedReader) FindBatch(ctx context.Context, batchSize int, q string, params gopersist.Params) (gopersist.RecordIterator, error) {
	return NewOffsetLimit[string](p, q, params, batchSize, nil)
}

func (p *pagedReader) Count(ctx context.Context, q string, params gopersist.Params) (int64, error) {
	p.countCalls++
	p.lastCount = params
	return int64(p.n), nil
}

func (p *pagedReader) Distinct(ctx context.Context, q string, params gopersist.Params) ([]gopersist.Record, error) {
	return nil, gopersist.Unsupported("paged", "distinct")
}

func drain(t *testing.T, it gopersist.RecordIterator) []int {
	t.Helper()
	var sizes []int
	for it.HasNext() {
		batch, err := it.Next(context.Background())
		require.NoError(t, err)
		sizes = append(sizes, len(batch))
	}
	return sizes
}

func TestOffsetLimit_ShortLastPage(t *testing.T) {
	reader := &pagedReader{n: 25}
	it, err := NewOffsetLimit[string](reader, "q", nil, 10, nil)
	require.NoError(t, err)

	assert.Equal(t, []int{10, 10, 5}, drain(t, it))
	assert.False(t, it.HasNext())
	assert.Equal(t, 4, it.BatchNum())

	_, err = it.Next(context.Background())
	assert.ErrorIs(t, err, gopersist.ErrNoSuchBatch)
}

func TestOffsetLimit_ExactMultipleEndsWithEmptyPage(t *testing.T) {
	reader := &pagedReader{n: 20}
	it, err := NewOffsetLimit[string](reader, "q", nil, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10, 0}, drain(t, it))
}

func TestPageBased_CountsOnceUpFront(t *testing.T) {
	reader := &pagedReader{n: 25}
	it, err := NewPageBased[string](context.Background(), reader, "q", gopersist.Params{"tenant": "acme"}, 10, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, reader.countCalls)
	assert.Equal(t, 1, reader.lastCount[VarPageNum])
	assert.Equal(t, 1, reader.lastCount[VarPageSize])
	assert.Equal(t, "acme", reader.lastCount["tenant"])

	assert.Equal(t, []int{10, 10, 5}, drain(t, it))
	assert.Equal(t, 1, reader.countCalls)
	assert.False(t, it.HasNext())
}

func TestPageBased_ZeroRecords(t *testing.T) {
	reader := &pagedReader{n: 0}
	it, err := NewPageBased[string](context.Background(), reader, "q", nil, 10, nil)
	require.NoError(t, err)
	assert.False(t, it.HasNext())
	assert.Empty(t, reader.queries)
}

func TestGenericBatchIterator_InvalidBatchSize(t *testing.T) {
	_, err := NewOffsetLimit[string](&pagedReader{}, "q", nil, 0, nil)
	assert.ErrorIs(t, err, gopersist.ErrInvalidBatchSize)
	_, err = NewPageBased[string](context.Background(), &pagedReader{}, "q", nil, -1, nil)
	assert.ErrorIs(t, err, gopersist.ErrInvalidBatchSize)
}

func TestGenericBatchIterator_BackendError(t *testing.T) {
	reader := &pagedReader{n: 25, fail: true}
	it, err := NewOffsetLimit[string](reader, "q", nil, 10, nil)
	require.NoError(t, err)

	_, err = it.Next(context.Background())
	assert.Error(t, err)
	assert.False(t, it.HasNext())
}

func TestGenericBatchIterator_Close(t *testing.T) {
	it, err := NewOffsetLimit[string](&pagedReader{n: 5}, "q", nil, 2, nil)
	require.NoError(t, err)
	require.NoError(t, it.Close())
	_, err = it.Next(context.Background())
	assert.ErrorIs(t, err, gopersist.ErrIteratorClosed)
}

type listQuery struct {
	URL string `json:"url"`
}

func TestJSONTemplateRenderer_RendersCopy(t *testing.T) {
	reader := &urlReader{n: 7}
	query := listQuery{URL: "http://api/items?offset={{.offset}}&limit={{.limit}}"}

	it, err := NewOffsetLimit[listQuery](reader, query, nil, 3, JSONTemplateRenderer[listQuery](engine.NewTemplateEngine()))
	require.NoError(t, err)

	assert.Equal(t, []int{3, 3, 1}, drain(t, it))
	assert.Equal(t, []string{
		"http://api/items?offset=0&limit=3",
		"http://api/items?offset=3&limit=3",
		"http://api/items?offset=6&limit=3",
	}, reader.urls)
	assert.Equal(t, "http://api/items?offset={{.offset}}&limit={{.limit}}", query.URL)
}

// urlReader pages by the offset and limit found in the rendered URL.
type urlReader struct {
	n    int
	urls []string
}

func (u *urlReader) FindAll(ctx context.Context, q listQuery, params gopersist.Params) ([]gopersist.Record, error) {
	u.urls = append(u.urls, q.URL)
	parsed, err := url.Parse(q.URL)
	if err != nil {
		return nil, err
	}
	offset, _ := strconv.Atoi(parsed.Query().Get("offset"))
	limit, _ := strconv.Atoi(parsed.Query().Get("limit"))
	var out []gopersist.Record
	for i := offset; i < offset+limit && i < u.n; i++ {
		out = append(out, gopersist.Record{"id": i})
	}
	return out, nil
}

func (u *urlReader) FindOne(ctx context.Context, q listQuery, params gopersist.Params) (gopersist.Record, error) {
	return nil, nil
}

func (u *urlReader) FindPage(ctx context.Context, req gopersist.PageRequest, q listQuery, params gopersist.Params) (*gopersist.Page, error) {
	return nil, gopersist.Unsupported("url", "find_page")
}

func (u *urlReader) FindBatch(ctx context.Context, batchSize int, q listQuery, params gopersist.Params) (gopersist.RecordIterator, error) {
	return nil, gopersist.Unsupported("url", "find_batch")
}

func (u *urlReader) Count(ctx context.Context, q listQuery, params gopersist.Params) (int64, error) {
	return int64(u.n), nil
}

func (u *urlReader) Distinct(ctx context.Context, q listQuery, params gopersist.Params) ([]gopersist.Record, error) {
	return nil, gopersist.Unsupported("url", "distinct")
}
