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
	"fmt"
	"io"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/tenant"
)

const (
	pagedQuery    = "select * from (%s) pagedQuery limit $%d offset $%d"
	countingQuery = "select count(*) from (%s) countingQuery"
)

// SQLReader reads records with SQLOperation queries. The connection is resolved per call
// from the provider, so a multi-tenant provider routes each call to the tenant in ctx.
type SQLReader struct {
	provider tenant.ConnectionProvider[SQLConn]
	logger   *zap.Logger
}

var _ gopersist.GeneralReader[SQLOperation] = (*SQLReader)(nil)

// NewSQLReader creates a relational reader.
func NewSQLReader(provider tenant.ConnectionProvider[SQLConn], opts ...Option) (*SQLReader, error) {
	if provider == nil {
		return nil, &gopersist.ConfigurationError{Op: "sql_reader", Err: fmt.Errorf("connection provider is required")}
	}
	o := newOptions(opts)
	return &SQLReader{provider: provider, logger: o.logger}, nil
}

func (r *SQLReader) query(ctx context.Context, sqlText string, args []interface{}) (gopersist.Source[gopersist.Record], error) {
	conn, err := r.provider.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("executing query", zap.String("sql", sqlText), zap.Int("args", len(args)))
	return conn.Query(ctx, sqlText, args...)
}

// streamRecords batches src lazily. src is closed if the iterator cannot be built.
func streamRecords(ctx context.Context, src gopersist.Source[gopersist.Record], batchSize int, opts gopersist.CursorOptions[gopersist.Record]) (gopersist.RecordIterator, error) {
	it, err := gopersist.NewRecordCursor(ctx, src, batchSize, opts)
	if err != nil {
		return nil, multierr.Append(err, src.Close())
	}
	return it, nil
}

func drain(ctx context.Context, src gopersist.Source[gopersist.Record], limit int) (records []gopersist.Record, err error) {
	defer func() {
		err = multierr.Append(err, src.Close())
	}()
	for limit <= 0 || len(records) < limit {
		record, readErr := src.Read(ctx)
		if readErr != nil {
			if readErr == io.EOF {
				return records, nil
			}
			return nil, readErr
		}
		records = append(records, record)
	}
	return records, nil
}

// FindOne returns the first row, or nil when the query yields none.
func (r *SQLReader) FindOne(ctx context.Context, query SQLOperation, params gopersist.Params) (gopersist.Record, error) {
	args, err := query.ResolveQueryArgs(params)
	if err != nil {
		return nil, &gopersist.ConfigurationError{Op: "sql_find_one", Err: err}
	}
	src, err := r.query(ctx, query.SQL, args)
	if err != nil {
		return nil, err
	}
	records, err := drain(ctx, src, 1)
	if err != nil {
		return nil, err
	}
	return gopersist.FirstOf(records), nil
}

// FindAll returns every row.
func (r *SQLReader) FindAll(ctx context.Context, query SQLOperation, params gopersist.Params) ([]gopersist.Record, error) {
	args, err := query.ResolveQueryArgs(params)
	if err != nil {
		return nil, &gopersist.ConfigurationError{Op: "sql_find_all", Err: err}
	}
	src, err := r.query(ctx, query.SQL, args)
	if err != nil {
		return nil, err
	}
	return drain(ctx, src, 0)
}

// FindPage wraps the query with limit/offset and counts the unwrapped query.
func (r *SQLReader) FindPage(ctx context.Context, req gopersist.PageRequest, query SQLOperation, params gopersist.Params) (*gopersist.Page, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	args, err := query.ResolveQueryArgs(params)
	if err != nil {
		return nil, &gopersist.ConfigurationError{Op: "sql_find_page", Err: err}
	}

	total, err := r.count(ctx, query.SQL, args)
	if err != nil {
		return nil, err
	}

	n := len(args)
	paged := fmt.Sprintf(pagedQuery, query.SQL, n+1, n+2)
	pagedArgs := append(append(make([]interface{}, 0, n+2), args...), req.PageSize, req.Offset())
	src, err := r.query(ctx, paged, pagedArgs)
	if err != nil {
		return nil, err
	}
	data, err := drain(ctx, src, 0)
	if err != nil {
		return nil, err
	}
	return gopersist.NewPage(req, total, data), nil
}

// FindBatch streams the result set in batches of batchSize.
func (r *SQLReader) FindBatch(ctx context.Context, batchSize int, query SQLOperation, params gopersist.Params) (gopersist.RecordIterator, error) {
	if err := gopersist.ValidateBatchSize(batchSize); err != nil {
		return nil, err
	}
	args, err := query.ResolveQueryArgs(params)
	if err != nil {
		return nil, &gopersist.ConfigurationError{Op: "sql_find_batch", Err: err}
	}
	src, err := r.query(ctx, query.SQL, args)
	if err != nil {
		return nil, err
	}
	return streamRecords(ctx, src, batchSize, gopersist.CursorOptions[gopersist.Record]{})
}

// Count wraps the query in a count(*).
func (r *SQLReader) Count(ctx context.Context, query SQLOperation, params gopersist.Params) (int64, error) {
	args, err := query.ResolveQueryArgs(params)
	if err != nil {
		return 0, &gopersist.ConfigurationError{Op: "sql_count", Err: err}
	}
	return r.count(ctx, query.SQL, args)
}

func (r *SQLReader) count(ctx context.Context, sqlText string, args []interface{}) (int64, error) {
	src, err := r.query(ctx, fmt.Sprintf(countingQuery, sqlText), args)
	if err != nil {
		return 0, err
	}
	records, err := drain(ctx, src, 1)
	if err != nil {
		return 0, err
	}
	row := gopersist.FirstOf(records)
	for _, v := range row {
		return toInt64(v)
	}
	return 0, nil
}

// Distinct runs the query as-is; use select distinct in the SQL.
func (r *SQLReader) Distinct(ctx context.Context, query SQLOperation, params gopersist.Params) ([]gopersist.Record, error) {
	return r.FindAll(ctx, query, params)
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	default:
		return 0, fmt.Errorf("unexpected count value of type %T", v)
	}
}
