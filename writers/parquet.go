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
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/apache/arrow/go/v12/parquet"
	"github.com/apache/arrow/go/v12/parquet/compress"
	"github.com/apache/arrow/go/v12/parquet/pqarrow"

	"github.com/aaronlmathis/gopersist"
)

// ParquetSinkOptions configures Parquet output.
type ParquetSinkOptions struct {
	BatchSize    int                  // Records per arrow record batch
	RowGroupSize int64                // Max rows per row group
	Compression  compress.Compression // Snappy when zero
	FieldOrder   []string             // Column order; the sorted keys of the first record when empty
	Schema       *arrow.Schema        // Inferred from the first record when nil
}

func (opts ParquetSinkOptions) withDefaults() ParquetSinkOptions {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.RowGroupSize <= 0 {
		opts.RowGroupSize = 10000
	}
	if opts.Compression == 0 {
		opts.Compression = compress.Codecs.Snappy
	}
	return opts
}

// ParquetSink writes records as a single Parquet file. The footer is written by Close,
// so one sink produces exactly one file.
type ParquetSink struct {
	out          io.Writer
	options      ParquetSinkOptions
	schema       *arrow.Schema
	writer       *pqarrow.FileWriter
	builder      *array.RecordBuilder
	allocator    memory.Allocator
	recordBuffer []gopersist.Record
	stats        SinkStats
	closed       bool
	mu           sync.Mutex
}

var _ RecordSink = (*ParquetSink)(nil)

// NewParquetSink creates a sink writing to w.
func NewParquetSink(w io.Writer, opts ParquetSinkOptions) *ParquetSink {
	opts = opts.withDefaults()
	return &ParquetSink{
		out:          w,
		options:      opts,
		allocator:    memory.NewGoAllocator(),
		recordBuffer: make([]gopersist.Record, 0, opts.BatchSize),
		stats:        SinkStats{NullValueCounts: make(map[string]int64)},
	}
}

// Schema returns the arrow schema, nil before the first write.
func (p *ParquetSink) Schema() *arrow.Schema {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.schema
}

// Write buffers one record and writes a record batch when the buffer is full.
func (p *ParquetSink) Write(ctx context.Context, record gopersist.Record) error {
	if err := checkContext(ctx, "parquet"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return &FileSinkError{Format: "parquet", Op: "write", Err: fmt.Errorf("parquet sink is closed")}
	}
	if p.writer == nil {
		if err := p.initializeUnsafe(record); err != nil {
			return err
		}
	}

	p.recordBuffer = append(p.recordBuffer, record)
	p.stats.RecordsWritten++
	if len(p.recordBuffer) >= p.options.BatchSize {
		return p.flushBatchUnsafe()
	}
	return nil
}

// Flush writes buffered records as one record batch.
func (p *ParquetSink) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushBatchUnsafe()
}

// Close flushes and writes the file footer. A sink that never saw a record writes nothing.
func (p *ParquetSink) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	if err := p.flushBatchUnsafe(); err != nil {
		return err
	}
	if p.builder != nil {
		p.builder.Release()
		p.builder = nil
	}
	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			return &FileSinkError{Format: "parquet", Op: "close_writer", Err: err}
		}
		p.writer = nil
	}
	return nil
}

// Stats returns a copy of the write statistics.
func (p *ParquetSink) Stats() SinkStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.copy()
}

// writerOnly hides io.Closer; the parquet file writer closes sinks that implement it.
type writerOnly struct {
	io.Writer
}

func (p *ParquetSink) initializeUnsafe(first gopersist.Record) error {
	schema := p.options.Schema
	if schema == nil {
		inferred, err := inferSchema(first, p.options.FieldOrder)
		if err != nil {
			return &FileSinkError{Format: "parquet", Op: "schema", Err: err}
		}
		schema = inferred
	}

	props := parquet.NewWriterProperties(
		parquet.WithCompression(p.options.Compression),
		parquet.WithMaxRowGroupLength(p.options.RowGroupSize),
		parquet.WithAllocator(p.allocator),
	)
	writer, err := pqarrow.NewFileWriter(schema, writerOnly{p.out}, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return &FileSinkError{Format: "parquet", Op: "create_writer", Err: err}
	}
	p.schema = schema
	p.writer = writer
	p.builder = array.NewRecordBuilder(p.allocator, schema)
	return nil
}

func (p *ParquetSink) flushBatchUnsafe() error {
	if len(p.recordBuffer) == 0 || p.writer == nil {
		return nil
	}
	start := time.Now()

	for _, record := range p.recordBuffer {
		for i, field := range p.schema.Fields() {
			value, ok := record[field.Name]
			if !ok || value == nil {
				p.builder.Field(i).AppendNull()
				p.stats.countNull(field.Name)
				continue
			}
			appended, err := appendValueToBuilder(p.builder.Field(i), value)
			if err != nil {
				return &FileSinkError{Format: "parquet", Op: "append_value", Err: fmt.Errorf("field %s: %w", field.Name, err)}
			}
			if !appended {
				p.stats.countNull(field.Name)
			}
		}
	}

	rec := p.builder.NewRecord()
	defer rec.Release()
	if err := p.writer.Write(rec); err != nil {
		return &FileSinkError{Format: "parquet", Op: "write_batch", Err: err}
	}

	p.stats.flushed(start)
	p.recordBuffer = p.recordBuffer[:0]
	return nil
}

// inferSchema creates a nullable arrow schema from one record. Absent and nil fields
// become strings.
func inferSchema(record gopersist.Record, fieldOrder []string) (*arrow.Schema, error) {
	names := fieldOrder
	if len(names) == 0 {
		names = make([]string, 0, len(record))
		for name := range record {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	fields := make([]arrow.Field, 0, len(names))
	for _, name := range names {
		dataType, err := inferArrowType(record[name])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		fields = append(fields, arrow.Field{Name: name, Type: dataType, Nullable: true})
	}
	return arrow.NewSchema(fields, nil), nil
}

func inferArrowType(value interface{}) (arrow.DataType, error) {
	switch value.(type) {
	case nil:
		return arrow.BinaryTypes.String, nil
	case bool:
		return arrow.FixedWidthTypes.Boolean, nil
	case int8, int16, int32:
		return arrow.PrimitiveTypes.Int32, nil
	case int, int64, uint8, uint16, uint32:
		return arrow.PrimitiveTypes.Int64, nil
	case float32:
		return arrow.PrimitiveTypes.Float32, nil
	case float64:
		return arrow.PrimitiveTypes.Float64, nil
	case string, json.RawMessage, map[string]interface{}, gopersist.Record, []interface{}:
		return arrow.BinaryTypes.String, nil
	case time.Time:
		return arrow.FixedWidthTypes.Timestamp_us, nil
	case []byte:
		return arrow.BinaryTypes.Binary, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", value)
	}
}

// appendValueToBuilder appends value, or a null when value does not fit the column type.
// It reports whether a non-null value was appended.
func appendValueToBuilder(builder array.Builder, value interface{}) (bool, error) {
	switch b := builder.(type) {
	case *array.BooleanBuilder:
		if v, ok := value.(bool); ok {
			b.Append(v)
			return true, nil
		}
	case *array.Int32Builder:
		switch v := value.(type) {
		case int8:
			b.Append(int32(v))
			return true, nil
		case int16:
			b.Append(int32(v))
			return true, nil
		case int32:
			b.Append(v)
			return true, nil
		}
	case *array.Int64Builder:
		switch v := value.(type) {
		case int:
			b.Append(int64(v))
			return true, nil
		case int8:
			b.Append(int64(v))
			return true, nil
		case int16:
			b.Append(int64(v))
			return true, nil
		case int32:
			b.Append(int64(v))
			return true, nil
		case int64:
			b.Append(v)
			return true, nil
		case uint8:
			b.Append(int64(v))
			return true, nil
		case uint16:
			b.Append(int64(v))
			return true, nil
		case uint32:
			b.Append(int64(v))
			return true, nil
		}
	case *array.Float32Builder:
		switch v := value.(type) {
		case float32:
			b.Append(v)
			return true, nil
		case float64:
			b.Append(float32(v))
			return true, nil
		}
	case *array.Float64Builder:
		switch v := value.(type) {
		case float64:
			b.Append(v)
			return true, nil
		case float32:
			b.Append(float64(v))
			return true, nil
		case int:
			b.Append(float64(v))
			return true, nil
		case int64:
			b.Append(float64(v))
			return true, nil
		}
	case *array.StringBuilder:
		s, err := formatCSVValue(value)
		if err != nil {
			return false, err
		}
		b.Append(s)
		return true, nil
	case *array.BinaryBuilder:
		switch v := value.(type) {
		case []byte:
			b.Append(v)
			return true, nil
		case string:
			b.AppendString(v)
			return true, nil
		}
	case *array.TimestampBuilder:
		if v, ok := value.(time.Time); ok {
			b.Append(arrow.Timestamp(v.UnixMicro()))
			return true, nil
		}
	default:
		return false, fmt.Errorf("unsupported builder type %T", builder)
	}
	builder.AppendNull()
	return false, nil
}
