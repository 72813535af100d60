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

	"go.uber.org/multierr"
)

// TransformedBatchIterator converts every batch of the wrapped iterator before returning it.
type TransformedBatchIterator struct {
	inner     RecordIterator
	converter Converter
}

// NewTransformedBatchIterator wraps inner. A nil converter passes batches through unchanged.
func NewTransformedBatchIterator(inner RecordIterator, converter Converter) *TransformedBatchIterator {
	return &TransformedBatchIterator{inner: inner, converter: converter}
}

// HasNext implements BatchIterator.
func (t *TransformedBatchIterator) HasNext() bool {
	return t.inner.HasNext()
}

// Next implements BatchIterator.
func (t *TransformedBatchIterator) Next(ctx context.Context) ([]Record, error) {
	batch, err := t.inner.Next(ctx)
	if err != nil {
		return nil, err
	}
	if t.converter == nil {
		return batch, nil
	}
	return t.converter.ConvertAll(ctx, batch)
}

// Close implements BatchIterator.
func (t *TransformedBatchIterator) Close() error {
	return t.inner.Close()
}

// FindOneWith runs FindOne and converts the result. An absent record is returned
// as nil without calling the converter.
func FindOneWith[Q any](ctx context.Context, reader GeneralReader[Q], converter Converter, query Q, params Params) (Record, error) {
	record, err := reader.FindOne(ctx, query, params)
	if err != nil || record == nil || converter == nil {
		return record, err
	}
	return converter.Convert(ctx, record)
}

// FindAllWith runs FindAll and converts the whole result.
func FindAllWith[Q any](ctx context.Context, reader GeneralReader[Q], converter Converter, query Q, params Params) ([]Record, error) {
	records, err := reader.FindAll(ctx, query, params)
	if err != nil || converter == nil {
		return records, err
	}
	return converter.ConvertAll(ctx, records)
}

// FindPageWith runs FindPage and converts the page data. Pagination metadata is kept.
func FindPageWith[Q any](ctx context.Context, reader GeneralReader[Q], converter Converter, req PageRequest, query Q, params Params) (*Page, error) {
	page, err := reader.FindPage(ctx, req, query, params)
	if err != nil || page == nil || converter == nil {
		return page, err
	}
	data, err := converter.ConvertAll(ctx, page.Data)
	if err != nil {
		return nil, err
	}
	out := *page
	out.Data = data
	return &out, nil
}

// FindBatchWith runs FindBatch and converts each batch lazily.
func FindBatchWith[Q any](ctx context.Context, reader GeneralReader[Q], converter Converter, batchSize int, query Q, params Params) (RecordIterator, error) {
	it, err := reader.FindBatch(ctx, batchSize, query, params)
	if err != nil {
		return nil, err
	}
	return NewTransformedBatchIterator(it, converter), nil
}

// AppendFrom writes every batch of it through CreateAll and closes it.
// It returns the number of records written before the first failure.
func AppendFrom[WI any](ctx context.Context, appender GeneralAppender[WI], it RecordIterator, wi WI) (written int, err error) {
	if appender == nil {
		return 0, &ConfigurationError{Op: "append", Err: errors.New("appender is required")}
	}
	defer func() {
		err = multierr.Append(err, it.Close())
	}()
	for it.HasNext() {
		batch, nextErr := it.Next(ctx)
		if nextErr != nil {
			return written, nextErr
		}
		if len(batch) == 0 {
			continue
		}
		if _, createErr := appender.CreateAll(ctx, batch, wi); createErr != nil {
			return written, createErr
		}
		written += len(batch)
	}
	return written, nil
}
