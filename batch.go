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
	"fmt"
	"io"

	"go.uber.org/multierr"
)

// ValidateBatchSize returns a ConfigurationError for batch sizes below 1.
func ValidateBatchSize(batchSize int) error {
	if batchSize <= 0 {
		return &ConfigurationError{Op: "batch_iterator", Err: fmt.Errorf("%w: got %d", ErrInvalidBatchSize, batchSize)}
	}
	return nil
}

// SliceBatchIterator yields fixed-size batches from an in-memory slice.
type SliceBatchIterator[T any] struct {
	items     []T
	batchSize int
	pos       int
	closed    bool
}

// NewSliceBatchIterator creates an iterator over items. The slice is not copied.
func NewSliceBatchIterator[T any](items []T, batchSize int) (*SliceBatchIterator[T], error) {
	if err := ValidateBatchSize(batchSize); err != nil {
		return nil, err
	}
	return &SliceBatchIterator[T]{items: items, batchSize: batchSize}, nil
}

// HasNext implements BatchIterator.
func (s *SliceBatchIterator[T]) HasNext() bool {
	return !s.closed && s.pos < len(s.items)
}

// Next implements BatchIterator.
func (s *SliceBatchIterator[T]) Next(ctx context.Context) ([]T, error) {
	if s.closed {
		return nil, ErrIteratorClosed
	}
	if s.pos >= len(s.items) {
		return nil, ErrNoSuchBatch
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	end := s.pos + s.batchSize
	if end > len(s.items) {
		end = len(s.items)
	}
	batch := make([]T, end-s.pos)
	copy(batch, s.items[s.pos:end])
	s.pos = end
	return batch, nil
}

// Close implements BatchIterator. It is idempotent.
func (s *SliceBatchIterator[T]) Close() error {
	s.closed = true
	s.items = nil
	return nil
}

// CursorOptions controls which source values a CursorBatchIterator consumes without emitting.
type CursorOptions[R any] struct {
	// SkipFirst drops this many leading values (header lines, preambles).
	SkipFirst int
	// Skip drops any value for which it returns true (comment rows, blanks).
	Skip func(R) bool
}

// CursorBatchIterator batches a Source whose exhaustion is only known by reading it.
// One value is read ahead so HasNext reflects the source itself: a short batch in the
// middle of the stream does not end the iteration.
type CursorBatchIterator[R, T any] struct {
	ctx       context.Context
	src       Source[R]
	batchSize int
	mapFn     func(R) (T, error)
	skipFirst int
	skip      func(R) bool

	primed     bool
	pending    R
	hasPending bool
	exhausted  bool
	deferred   error
	failed     bool
	closed     bool
}

// NewCursorBatchIterator creates a lazy iterator over src. Nothing is read until HasNext or Next.
// ctx is only used when HasNext has to read ahead before the first Next.
func NewCursorBatchIterator[R, T any](ctx context.Context, src Source[R], batchSize int, mapFn func(R) (T, error), opts CursorOptions[R]) (*CursorBatchIterator[R, T], error) {
	if err := ValidateBatchSize(batchSize); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, &ConfigurationError{Op: "batch_iterator", Err: errors.New("source is required")}
	}
	if mapFn == nil {
		return nil, &ConfigurationError{Op: "batch_iterator", Err: errors.New("map function is required")}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &CursorBatchIterator[R, T]{
		ctx:       ctx,
		src:       src,
		batchSize: batchSize,
		mapFn:     mapFn,
		skipFirst: opts.SkipFirst,
		skip:      opts.Skip,
	}, nil
}

// NewRecordCursor is the common case: a record source emitted as-is.
func NewRecordCursor(ctx context.Context, src Source[Record], batchSize int, opts CursorOptions[Record]) (*CursorBatchIterator[Record, Record], error) {
	return NewCursorBatchIterator(ctx, src, batchSize, func(r Record) (Record, error) { return r, nil }, opts)
}

// pull returns the next value that is not skipped.
func (c *CursorBatchIterator[R, T]) pull(ctx context.Context) (R, bool, error) {
	var zero R
	for {
		if c.exhausted {
			return zero, false, nil
		}
		v, err := c.src.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.exhausted = true
				return zero, false, nil
			}
			return zero, false, err
		}
		if c.skipFirst > 0 {
			c.skipFirst--
			continue
		}
		if c.skip != nil && c.skip(v) {
			continue
		}
		return v, true, nil
	}
}

func (c *CursorBatchIterator[R, T]) prime(ctx context.Context) {
	if c.primed {
		return
	}
	c.primed = true
	v, ok, err := c.pull(ctx)
	if err != nil {
		c.deferred = err
		return
	}
	c.pending, c.hasPending = v, ok
}

// HasNext implements BatchIterator.
func (c *CursorBatchIterator[R, T]) HasNext() bool {
	if c.closed || c.failed {
		return false
	}
	c.prime(c.ctx)
	return c.deferred != nil || c.hasPending
}

// Next implements BatchIterator.
func (c *CursorBatchIterator[R, T]) Next(ctx context.Context) ([]T, error) {
	if c.closed {
		return nil, ErrIteratorClosed
	}
	if c.failed {
		return nil, ErrNoSuchBatch
	}
	c.prime(ctx)
	if c.deferred != nil {
		err := c.deferred
		c.deferred = nil
		c.failed = true
		return nil, err
	}
	if !c.hasPending {
		return nil, ErrNoSuchBatch
	}

	batch := make([]T, 0, c.batchSize)
	v := c.pending
	c.hasPending = false
	for {
		mapped, err := c.mapFn(v)
		if err != nil {
			c.failed = true
			return nil, err
		}
		batch = append(batch, mapped)
		if len(batch) == c.batchSize {
			break
		}
		var ok bool
		v, ok, err = c.pull(ctx)
		if err != nil {
			c.failed = true
			return nil, err
		}
		if !ok {
			return batch, nil
		}
	}

	// Look ahead so HasNext answers from the source, not from the batch length.
	next, ok, err := c.pull(ctx)
	if err != nil {
		c.deferred = err
		return batch, nil
	}
	c.pending, c.hasPending = next, ok
	return batch, nil
}

// Close implements BatchIterator. It is idempotent and safe after partial consumption.
func (c *CursorBatchIterator[R, T]) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.src.Close()
}

// Collect drains the iterator into one slice and closes it.
func Collect[T any](ctx context.Context, it BatchIterator[T]) (out []T, err error) {
	defer func() {
		err = multierr.Append(err, it.Close())
	}()
	for it.HasNext() {
		batch, nextErr := it.Next(ctx)
		if nextErr != nil {
			return out, nextErr
		}
		out = append(out, batch...)
	}
	return out, nil
}

// ForEachBatch calls fn for every batch and closes the iterator afterwards.
func ForEachBatch[T any](ctx context.Context, it BatchIterator[T], fn func(batchNum int, batch []T) error) (err error) {
	defer func() {
		err = multierr.Append(err, it.Close())
	}()
	for n := 1; it.HasNext(); n++ {
		batch, nextErr := it.Next(ctx)
		if nextErr != nil {
			return nextErr
		}
		if err := fn(n, batch); err != nil {
			return err
		}
	}
	return nil
}
