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

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/apache/arrow/go/v12/parquet"
	"github.com/apache/arrow/go/v12/parquet/file"
	"github.com/apache/arrow/go/v12/parquet/pqarrow"

	"github.com/aaronlmathis/gopersist"
)

const defaultParquetBatchSize = 1000

// ParquetSourceOptions configures a ParquetSource.
// BatchSize: rows decoded per arrow record
// Columns: optional list of column names to project
type ParquetSourceOptions struct {
	BatchSize int64
	Columns   []string
}

// ParquetSource streams the rows of a Parquet file as records, one arrow batch at a time.
type ParquetSource struct {
	closer       io.Closer
	recordReader pqarrow.RecordReader
	batch        arrow.Record
	row          int
	schema       *arrow.Schema
	totalRows    int64
}

var _ gopersist.Source[gopersist.Record] = (*ParquetSource)(nil)

// NewParquetSource reads Parquet from r. closer, when non-nil, is closed with the source.
func NewParquetSource(r parquet.ReaderAtSeeker, closer io.Closer, opts ParquetSourceOptions) (*ParquetSource, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultParquetBatchSize
	}
	fail := func(op string, err error) (*ParquetSource, error) {
		if closer != nil {
			closer.Close()
		}
		return nil, &FileSourceError{Format: "parquet", Op: op, Err: err}
	}

	parquetReader, err := file.NewParquetReader(r)
	if err != nil {
		return fail("create_reader", err)
	}

	arrowReader, err := pqarrow.NewFileReader(parquetReader, pqarrow.ArrowReadProperties{BatchSize: opts.BatchSize}, memory.NewGoAllocator())
	if err != nil {
		return fail("create_arrow_reader", err)
	}

	schema, err := arrowReader.Schema()
	if err != nil {
		return fail("get_schema", err)
	}

	var colIndices []int
	for _, name := range opts.Columns {
		indices := schema.FieldIndices(name)
		if len(indices) == 0 {
			return fail("column_projection", fmt.Errorf("column %q not found in schema", name))
		}
		colIndices = append(colIndices, indices[0])
	}

	recordReader, err := arrowReader.GetRecordReader(context.Background(), colIndices, nil)
	if err != nil {
		return fail("create_record_reader", err)
	}

	return &ParquetSource{
		closer:       closer,
		recordReader: recordReader,
		schema:       schema,
		totalRows:    parquetReader.NumRows(),
	}, nil
}

// Schema returns the Arrow schema of the Parquet data.
func (p *ParquetSource) Schema() *arrow.Schema {
	return p.schema
}

// NumRows is the row count recorded in the file footer.
func (p *ParquetSource) NumRows() int64 {
	return p.totalRows
}

// Read implements gopersist.Source.
func (p *ParquetSource) Read(ctx context.Context) (gopersist.Record, error) {
	select {
	case <-ctx.Done():
		return nil, &FileSourceError{Format: "parquet", Op: "read", Err: ctx.Err()}
	default:
	}

	if p.batch == nil || p.row >= int(p.batch.NumRows()) {
		if err := p.nextBatch(); err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, &FileSourceError{Format: "parquet", Op: "load_batch", Err: err}
		}
	}

	rec := rowRecord(p.batch, p.row)
	p.row++
	return rec, nil
}

// Close releases arrow buffers and the underlying reader.
func (p *ParquetSource) Close() error {
	if p.batch != nil {
		p.batch.Release()
		p.batch = nil
	}
	if p.recordReader != nil {
		p.recordReader.Release()
		p.recordReader = nil
	}
	if p.closer != nil {
		err := p.closer.Close()
		p.closer = nil
		return err
	}
	return nil
}

func (p *ParquetSource) nextBatch() error {
	if p.batch != nil {
		p.batch.Release()
		p.batch = nil
	}

	for {
		rec, err := p.recordReader.Read()
		if err != nil {
			return err
		}
		if rec == nil {
			return io.EOF
		}
		if rec.NumRows() == 0 {
			continue
		}
		// The reader releases its current record on the next Read.
		rec.Retain()
		p.batch = rec
		p.row = 0
		return nil
	}
}

// rowRecord builds a record from one row of an arrow batch.
func rowRecord(batch arrow.Record, row int) gopersist.Record {
	out := make(gopersist.Record, batch.NumCols())
	for i, field := range batch.Schema().Fields() {
		out[field.Name] = columnValue(batch.Column(i), row)
	}
	return out
}

// columnValue converts one cell. Temporal columns become time.Time; everything else
// takes the value arrow itself would marshal, which keeps Go numeric widths.
func columnValue(col arrow.Array, row int) interface{} {
	if col.IsNull(row) {
		return nil
	}
	switch arr := col.(type) {
	case *array.Timestamp:
		unit := arrow.Microsecond
		if ts, ok := arr.DataType().(*arrow.TimestampType); ok {
			unit = ts.Unit
		}
		return arr.Value(row).ToTime(unit).UTC()
	case *array.Date32:
		return arr.Value(row).ToTime()
	case *array.Date64:
		return arr.Value(row).ToTime()
	case *array.String:
		return arr.Value(row)
	case *array.Binary:
		return arr.Value(row)
	}
	return col.GetOneForMarshal(row)
}
