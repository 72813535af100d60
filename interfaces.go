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

// Package gopersist defines the backend-agnostic data-access contracts of the GoPersist library.
//
// Every backend (relational, document, REST, flat file, in-process variable, key-value) implements
// the same GeneralReader and GeneralUpdater contracts, parameterized by its own query and write
// instruction types. Callers program against these interfaces only.
package gopersist

import (
	"context"
)

// Record represents a single row or document exchanged with a backend.
// Key order is insignificant.
type Record map[string]interface{}

// Params is the generic named-parameter map passed alongside every query.
type Params map[string]interface{}

// Source streams values from a cursor-like origin (result set, file lines, object stream).
// Read returns io.EOF once the source is exhausted.
type Source[R any] interface {
	Read(ctx context.Context) (R, error)
	Close() error
}

// BatchIterator is a lazy, single-use, closeable sequence of bounded batches.
// HasNext reports whether another (possibly short) batch exists; Next returns it.
type BatchIterator[T any] interface {
	HasNext() bool
	Next(ctx context.Context) ([]T, error)
	Close() error
}

// RecordIterator is the batch iterator every reader returns.
type RecordIterator = BatchIterator[Record]

// GeneralReader is the read half of the backend contract.
// FindOne returns a nil record and nil error when nothing matches.
type GeneralReader[Q any] interface {
	FindOne(ctx context.Context, query Q, params Params) (Record, error)
	FindAll(ctx context.Context, query Q, params Params) ([]Record, error)
	FindPage(ctx context.Context, req PageRequest, query Q, params Params) (*Page, error)
	FindBatch(ctx context.Context, batchSize int, query Q, params Params) (RecordIterator, error)
	Count(ctx context.Context, query Q, params Params) (int64, error)
	Distinct(ctx context.Context, query Q, params Params) ([]Record, error)
}

// GeneralAppender is the create-only write contract.
type GeneralAppender[WI any] interface {
	Create(ctx context.Context, record Record, wi WI) (Record, error)
	CreateAll(ctx context.Context, records []Record, wi WI) ([]Record, error)
}

// GeneralUpdater is the full write half of the backend contract.
type GeneralUpdater[Q, WI any] interface {
	GeneralAppender[WI]

	Replace(ctx context.Context, record Record, wi WI) (Record, error)
	ReplaceAll(ctx context.Context, records []Record, wi WI) ([]Record, error)
	Update(ctx context.Context, record Record, wi WI) (Record, error)
	UpdateAll(ctx context.Context, records []Record, wi WI) ([]Record, error)
	CreateOrReplace(ctx context.Context, record Record, wi WI) (Record, error)
	CreateOrReplaceAll(ctx context.Context, records []Record, wi WI) ([]Record, error)
	Delete(ctx context.Context, record Record, wi WI) (Record, error)
	DeleteByID(ctx context.Context, id string, wi WI) (Record, error)
	DeleteAll(ctx context.Context, records []Record, wi WI) ([]Record, error)
	UpdateOne(ctx context.Context, id string, fields Record, wi WI) (Record, error)
	UpdateMany(ctx context.Context, query Q, fields Record, wi WI) (int64, error)
}

// Converter post-processes records independently of any backend.
// transform.GeneralTransformer is the standard implementation.
type Converter interface {
	Convert(ctx context.Context, record Record) (Record, error)
	ConvertAll(ctx context.Context, records []Record) ([]Record, error)
}

// Transformer modifies or replaces a single record.
// Custom transform routines implement it.
type Transformer interface {
	Transform(ctx context.Context, record Record) (Record, error)
}

// TransformFunc is a function adapter for the Transformer interface.
type TransformFunc func(ctx context.Context, record Record) (Record, error)

// Transform implements the Transformer interface for TransformFunc.
func (f TransformFunc) Transform(ctx context.Context, record Record) (Record, error) {
	return f(ctx, record)
}

// Filter decides whether a record continues through a Transfer.
type Filter interface {
	ShouldInclude(ctx context.Context, record Record) (bool, error)
}

// FilterFunc is a function adapter for the Filter interface.
type FilterFunc func(ctx context.Context, record Record) (bool, error)

// ShouldInclude implements the Filter interface for FilterFunc.
func (f FilterFunc) ShouldInclude(ctx context.Context, record Record) (bool, error) {
	return f(ctx, record)
}

// ErrorStrategy defines how a Transfer reacts to per-batch write errors.
type ErrorStrategy int

const (
	// FailFast stops on the first error.
	FailFast ErrorStrategy = iota
	// SkipErrors drops the failed batch and continues.
	SkipErrors
	// CollectErrors continues and returns every error at the end.
	CollectErrors
)

// ErrorHandler is consulted before the ErrorStrategy. Returning nil swallows the error.
type ErrorHandler interface {
	HandleError(ctx context.Context, batch []Record, err error) error
}

// ErrorHandlerFunc is a function adapter for the ErrorHandler interface.
type ErrorHandlerFunc func(ctx context.Context, batch []Record, err error) error

// HandleError implements the ErrorHandler interface for ErrorHandlerFunc.
func (f ErrorHandlerFunc) HandleError(ctx context.Context, batch []Record, err error) error {
	return f(ctx, batch, err)
}
