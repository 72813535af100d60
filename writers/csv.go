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
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/engine"
)

// CSVSinkOptions configures CSV and DSV output.
type CSVSinkOptions struct {
	Comma       rune
	UseCRLF     bool
	WriteHeader bool
	Headers     []string // Column order; the sorted keys of the first record when empty
	BatchSize   int      // Rows buffered before an automatic flush; 0 buffers until Flush
}

// CSVSink writes records as delimiter-separated rows.
type CSVSink struct {
	writer      *csv.Writer
	options     CSVSinkOptions
	headers     []string
	recordBuf   []gopersist.Record
	stats       SinkStats
	wroteHeader bool
	mu          sync.Mutex
}

var _ RecordSink = (*CSVSink)(nil)

// NewCSVSink creates a sink writing to w.
func NewCSVSink(w io.Writer, opts CSVSinkOptions) *CSVSink {
	if opts.Comma == 0 {
		opts.Comma = ','
	}
	writer := csv.NewWriter(w)
	writer.Comma = opts.Comma
	writer.UseCRLF = opts.UseCRLF

	sink := &CSVSink{
		writer:  writer,
		options: opts,
		stats:   SinkStats{NullValueCounts: make(map[string]int64)},
	}
	if len(opts.Headers) > 0 {
		sink.headers = append([]string(nil), opts.Headers...)
	}
	return sink
}

// Headers returns the column order, fixed by the first write.
func (c *CSVSink) Headers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.headers...)
}

// Write buffers one record.
func (c *CSVSink) Write(ctx context.Context, record gopersist.Record) error {
	if err := checkContext(ctx, "csv"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.headers == nil {
		c.headers = make([]string, 0, len(record))
		for k := range record {
			c.headers = append(c.headers, k)
		}
		sort.Strings(c.headers)
	}

	c.recordBuf = append(c.recordBuf, record)
	c.stats.RecordsWritten++

	if c.options.BatchSize > 0 && len(c.recordBuf) >= c.options.BatchSize {
		return c.flushBufferUnsafe()
	}
	return nil
}

// Flush writes buffered rows to the underlying writer.
func (c *CSVSink) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushBufferUnsafe()
}

// Close flushes. The underlying writer stays open.
func (c *CSVSink) Close() error {
	return c.Flush()
}

// Stats returns a copy of the write statistics.
func (c *CSVSink) Stats() SinkStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.copy()
}

func (c *CSVSink) flushBufferUnsafe() error {
	if c.options.WriteHeader && !c.wroteHeader && c.headers != nil {
		if err := c.writer.Write(c.headers); err != nil {
			return &FileSinkError{Format: "csv", Op: "write_header", Err: err}
		}
		c.wroteHeader = true
	}
	if len(c.recordBuf) == 0 {
		c.writer.Flush()
		return c.writerError()
	}

	start := time.Now()
	for _, record := range c.recordBuf {
		row := make([]string, len(c.headers))
		for i, key := range c.headers {
			val, ok := record[key]
			if !ok || val == nil {
				c.stats.countNull(key)
				continue
			}
			s, err := formatCSVValue(val)
			if err != nil {
				return &FileSinkError{Format: "csv", Op: "format_value", Err: fmt.Errorf("field %s: %w", key, err)}
			}
			row[i] = s
		}
		if err := c.writer.Write(row); err != nil {
			return &FileSinkError{Format: "csv", Op: "write_row", Err: err}
		}
	}

	c.writer.Flush()
	if err := c.writerError(); err != nil {
		return err
	}
	c.stats.flushed(start)
	c.recordBuf = c.recordBuf[:0]
	return nil
}

func (c *CSVSink) writerError() error {
	if err := c.writer.Error(); err != nil {
		return &FileSinkError{Format: "csv", Op: "flush", Err: err}
	}
	return nil
}

// formatCSVValue renders a cell. Nested values are written as JSON.
func formatCSVValue(val interface{}) (string, error) {
	switch v := val.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case time.Time:
		return v.Format(time.RFC3339Nano), nil
	case map[string]interface{}, gopersist.Record, []interface{}, []gopersist.Record:
		data, err := engine.JSON.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}
