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
	"errors"
	"fmt"
)

// Sentinel errors. Wrapped by the typed errors below; match them with errors.Is.
var (
	ErrUnsupported      = errors.New("operation not supported by backend")
	ErrInvalidBatchSize = errors.New("batch size must be greater than 0")
	ErrNoSuchBatch      = errors.New("no more batches")
	ErrIteratorClosed   = errors.New("batch iterator is closed")
	ErrQueueFull        = errors.New("queue is full")
	ErrMissingID        = errors.New("record has no id")
)

// ConfigurationError reports a problem detected before any backend call is made:
// an invalid batch size, a missing transform source, or an operation the backend
// does not support.
type ConfigurationError struct {
	Op  string // Operation being configured (e.g., "batch_iterator", "transformer", "replace")
	Err error  // Underlying error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// TransformError reports a template or script failure while converting records.
type TransformError struct {
	Op  string // "template", "script", "routine", "decode"
	Err error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s: %v", e.Op, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// ConnectivityError wraps a failed backend call. The cause is always preserved
// and the call is never retried.
type ConnectivityError struct {
	Backend string // "sql", "mongo", "rest", "file", "dynamodb", ...
	Op      string // Operation that failed (e.g., "find", "count", "insert")
	Err     error
}

func (e *ConnectivityError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// ConcurrencyError reports a failure on a background drain worker.
type ConcurrencyError struct {
	Worker int
	Op     string
	Err    error
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("worker %d %s: %v", e.Worker, e.Op, e.Err)
}

func (e *ConcurrencyError) Unwrap() error {
	return e.Err
}

// Unsupported returns the error every backend uses for operations that make no
// sense for it, e.g. replace on an append-only file.
func Unsupported(backend, op string) error {
	return &ConfigurationError{Op: op, Err: fmt.Errorf("%s: %w", backend, ErrUnsupported)}
}

// IsUnsupported reports whether err was produced by Unsupported.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}
