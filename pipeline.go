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
	"go.uber.org/zap"
)

// DefaultTransferBatchSize is used when BatchSize is never called.
const DefaultTransferBatchSize = 100

// TransferBuilder provides a fluent API for moving records from a reader to an appender.
//
// Example usage:
//
//	transfer, err := gopersist.NewTransfer[readers.SQLOperation, writers.MongoWriteInstruction]().
//	    From(sqlReader, selectCustomers, nil).
//	    BatchSize(500).
//	    Convert(transformer).
//	    To(mongoUpdater, customersCollection).
//	    WithErrorStrategy(gopersist.SkipErrors).
//	    Build()
//	if err != nil { log.Fatal(err) }
//	stats, err := transfer.Execute(ctx)
type TransferBuilder[Q, WI any] struct {
	transfer *Transfer[Q, WI]
}

// NewTransfer creates a new TransferBuilder.
func NewTransfer[Q, WI any]() *TransferBuilder[Q, WI] {
	return &TransferBuilder[Q, WI]{
		transfer: &Transfer[Q, WI]{
			batchSize: DefaultTransferBatchSize,
			strategy:  FailFast,
			logger:    zap.NewNop(),
		},
	}
}

// From sets the reader and the query every batch is read with.
func (b *TransferBuilder[Q, WI]) From(reader GeneralReader[Q], query Q, params Params) *TransferBuilder[Q, WI] {
	b.transfer.reader = reader
	b.transfer.query = query
	b.transfer.params = params
	return b
}

// BatchSize sets the read batch size.
func (b *TransferBuilder[Q, WI]) BatchSize(n int) *TransferBuilder[Q, WI] {
	b.transfer.batchSize = n
	return b
}

// Convert adds a converter applied to each batch before filtering. Converters run in
// the order they were added.
func (b *TransferBuilder[Q, WI]) Convert(converter Converter) *TransferBuilder[Q, WI] {
	if converter != nil {
		b.transfer.converters = append(b.transfer.converters, converter)
	}
	return b
}

// Filter adds a record filter. Filters run in the order they were added.
func (b *TransferBuilder[Q, WI]) Filter(filter Filter) *TransferBuilder[Q, WI] {
	b.transfer.filters = append(b.transfer.filters, filter)
	return b
}

// Where adds a filtering condition using a function.
func (b *TransferBuilder[Q, WI]) Where(fn func(ctx context.Context, record Record) (bool, error)) *TransferBuilder[Q, WI] {
	return b.Filter(FilterFunc(fn))
}

// To sets the appender and the write instruction.
func (b *TransferBuilder[Q, WI]) To(appender GeneralAppender[WI], wi WI) *TransferBuilder[Q, WI] {
	b.transfer.appender = appender
	b.transfer.wi = wi
	return b
}

// WithErrorStrategy sets how per-batch failures are treated.
func (b *TransferBuilder[Q, WI]) WithErrorStrategy(strategy ErrorStrategy) *TransferBuilder[Q, WI] {
	b.transfer.strategy = strategy
	return b
}

// WithErrorHandler sets a handler consulted before the error strategy.
func (b *TransferBuilder[Q, WI]) WithErrorHandler(handler ErrorHandler) *TransferBuilder[Q, WI] {
	b.transfer.errorHandler = handler
	return b
}

// WithLogger sets the logger.
func (b *TransferBuilder[Q, WI]) WithLogger(logger *zap.Logger) *TransferBuilder[Q, WI] {
	if logger != nil {
		b.transfer.logger = logger
	}
	return b
}

// Build validates and constructs the Transfer.
func (b *TransferBuilder[Q, WI]) Build() (*Transfer[Q, WI], error) {
	if b.transfer.reader == nil {
		return nil, &ConfigurationError{Op: "transfer", Err: errors.New("transfer requires a reader")}
	}
	if b.transfer.appender == nil {
		return nil, &ConfigurationError{Op: "transfer", Err: errors.New("transfer requires an appender")}
	}
	if err := ValidateBatchSize(b.transfer.batchSize); err != nil {
		return nil, err
	}
	return b.transfer, nil
}

// TransferStats summarizes one Execute call.
type TransferStats struct {
	Batches  int
	Read     int
	Filtered int
	Written  int
	Failed   int
}

// Transfer reads batches from a GeneralReader, converts and filters them, and writes
// them to a GeneralAppender.
type Transfer[Q, WI any] struct {
	reader       GeneralReader[Q]
	query        Q
	params       Params
	batchSize    int
	converters   []Converter
	filters      []Filter
	appender     GeneralAppender[WI]
	wi           WI
	strategy     ErrorStrategy
	errorHandler ErrorHandler
	logger       *zap.Logger
}

// Execute runs the transfer until the reader is exhausted, the context is cancelled or
// the error strategy stops it. With CollectErrors the combined errors are returned
// alongside complete stats.
func (t *Transfer[Q, WI]) Execute(ctx context.Context) (TransferStats, error) {
	var stats TransferStats

	it, err := t.reader.FindBatch(ctx, t.batchSize, t.query, t.params)
	if err != nil {
		return stats, err
	}
	defer func() {
		if closeErr := it.Close(); closeErr != nil {
			t.logger.Warn("closing batch iterator", zap.Error(closeErr))
		}
	}()

	var collected error
	for it.HasNext() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		batch, err := it.Next(ctx)
		if err != nil {
			return stats, err
		}
		stats.Batches++
		stats.Read += len(batch)

		out, filtered, err := t.process(ctx, batch)
		stats.Filtered += filtered
		if err == nil && len(out) == 0 {
			continue
		}
		if err == nil {
			_, err = t.appender.CreateAll(ctx, out, t.wi)
		}
		if err != nil {
			stats.Failed += len(batch)
			t.logger.Warn("transfer batch failed",
				zap.Int("batch", stats.Batches),
				zap.Int("records", len(batch)),
				zap.Error(err))
			if stop, handled := t.handleError(ctx, batch, err, &collected); stop {
				return stats, handled
			}
			continue
		}
		stats.Written += len(out)
	}

	t.logger.Info("transfer complete",
		zap.Int("batches", stats.Batches),
		zap.Int("read", stats.Read),
		zap.Int("written", stats.Written),
		zap.Int("filtered", stats.Filtered),
		zap.Int("failed", stats.Failed))
	return stats, collected
}

// process converts then filters one batch and reports how many records were filtered out.
func (t *Transfer[Q, WI]) process(ctx context.Context, batch []Record) ([]Record, int, error) {
	records := batch
	for _, converter := range t.converters {
		converted, err := converter.ConvertAll(ctx, records)
		if err != nil {
			return nil, 0, err
		}
		records = converted
	}
	if len(t.filters) == 0 {
		return records, 0, nil
	}

	kept := make([]Record, 0, len(records))
	for _, record := range records {
		include, err := t.applyFilters(ctx, record)
		if err != nil {
			return nil, 0, err
		}
		if include {
			kept = append(kept, record)
		}
	}
	return kept, len(records) - len(kept), nil
}

func (t *Transfer[Q, WI]) applyFilters(ctx context.Context, record Record) (bool, error) {
	for _, filter := range t.filters {
		include, err := filter.ShouldInclude(ctx, record)
		if err != nil {
			return false, err
		}
		if !include {
			return false, nil
		}
	}
	return true, nil
}

// handleError reports whether the transfer must stop, and with which error.
func (t *Transfer[Q, WI]) handleError(ctx context.Context, batch []Record, err error, collected *error) (bool, error) {
	if t.errorHandler != nil {
		err = t.errorHandler.HandleError(ctx, batch, err)
		if err == nil {
			return false, nil
		}
	}
	switch t.strategy {
	case SkipErrors:
		return false, nil
	case CollectErrors:
		*collected = multierr.Append(*collected, err)
		return false, nil
	default:
		return true, err
	}
}
