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

package writers

import (
	"context"
	"fmt"
	"time"

	"github.com/aaronlmathis/gopersist"
)

// RecordSink encodes records onto an io.Writer owned by the caller.
// Close flushes buffered output and finalizes the encoding; it never closes the writer.
type RecordSink interface {
	Write(ctx context.Context, record gopersist.Record) error
	Flush() error
	Close() error
}

// FileSinkError wraps encoding failures with the format and operation.
type FileSinkError struct {
	Format string
	Op     string
	Err    error
}

func (e *FileSinkError) Error() string {
	return fmt.Sprintf("%s sink %s: %v", e.Format, e.Op, e.Err)
}

func (e *FileSinkError) Unwrap() error {
	return e.Err
}

// SinkStats holds write statistics shared by all sinks.
type SinkStats struct {
	RecordsWritten  int64
	FlushCount      int64
	FlushDuration   time.Duration
	LastFlushTime   time.Time
	NullValueCounts map[string]int64
}

func (s *SinkStats) countNull(field string) {
	if s.NullValueCounts == nil {
		s.NullValueCounts = make(map[string]int64)
	}
	s.NullValueCounts[field]++
}

func (s *SinkStats) flushed(start time.Time) {
	s.FlushCount++
	s.LastFlushTime = time.Now()
	s.FlushDuration += time.Since(start)
}

func (s SinkStats) copy() SinkStats {
	out := s
	out.NullValueCounts = make(map[string]int64, len(s.NullValueCounts))
	for k, v := range s.NullValueCounts {
		out.NullValueCounts[k] = v
	}
	return out
}

func checkContext(ctx context.Context, format string) error {
	select {
	case <-ctx.Done():
		return &FileSinkError{Format: format, Op: "write", Err: ctx.Err()}
	default:
		return nil
	}
}
