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
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aaronlmathis/gopersist"
)

// FileFormat names a supported flat-file layout.
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatDSV     FileFormat = "dsv" // delimiter-separated, tab unless Delimiter says otherwise
	FormatJSONL   FileFormat = "jsonl"
	FormatParquet FileFormat = "parquet"
)

const defaultDSVDelimiter = '\t'

// FileSourceError wraps failures while opening or decoding flat files.
type FileSourceError struct {
	Format string
	Op     string
	Err    error
}

func (e *FileSourceError) Error() string {
	return fmt.Sprintf("%s source %s: %v", e.Format, e.Op, e.Err)
}

func (e *FileSourceError) Unwrap() error {
	return e.Err
}

// FileReadInstruction is the query type of FileReader.
type FileReadInstruction struct {
	Path          string     `json:"path" yaml:"path"` // Local path or s3://bucket/key; may be a template over params
	Format        FileFormat `json:"format,omitempty" yaml:"format,omitempty"`
	Delimiter     string     `json:"delimiter,omitempty" yaml:"delimiter,omitempty"`
	HasHeader     bool       `json:"hasHeader,omitempty" yaml:"has_header,omitempty"`
	Headers       []string   `json:"headers,omitempty" yaml:"headers,omitempty"`
	SkipLines     int        `json:"skipLines,omitempty" yaml:"skip_lines,omitempty"`
	CommentPrefix string     `json:"commentPrefix,omitempty" yaml:"comment_prefix,omitempty"`
	InferTypes    bool       `json:"inferTypes,omitempty" yaml:"infer_types,omitempty"`
	Columns       []string   `json:"columns,omitempty" yaml:"columns,omitempty"` // parquet projection
}

// ResolveFormat returns Format, or the format implied by the path's extension.
func (fi FileReadInstruction) ResolveFormat() (FileFormat, error) {
	return ResolveFileFormat(fi.Format, fi.Path)
}

// ResolveFileFormat returns format when set, otherwise the format implied by the extension of path.
func ResolveFileFormat(format FileFormat, path string) (FileFormat, error) {
	if format != "" {
		switch format {
		case FormatCSV, FormatDSV, FormatJSONL, FormatParquet:
			return format, nil
		}
		return "", fmt.Errorf("unknown file format %q", format)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".tsv", ".dsv", ".txt":
		return FormatDSV, nil
	case ".json", ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".parquet":
		return FormatParquet, nil
	}
	return "", fmt.Errorf("cannot infer file format from %q", path)
}

// Delimiter returns the field separator for csv and dsv formats.
func Delimiter(format FileFormat, delimiter string) rune {
	if delimiter != "" {
		if delimiter == `\t` {
			return '\t'
		}
		r, _ := utf8.DecodeRuneInString(delimiter)
		return r
	}
	if format == FormatDSV {
		return defaultDSVDelimiter
	}
	return ','
}

// FileReader implements gopersist.GeneralReader over csv, dsv, JSON-lines and Parquet files,
// local or on S3. Files are streamed; FindAll and Count read the whole file.
type FileReader struct {
	store  ObjectStore
	logger *zap.Logger
	opts   readerOptions
}

var _ gopersist.GeneralReader[FileReadInstruction] = (*FileReader)(nil)

// NewFileReader creates a file reader. store may be nil when no s3:// paths are read.
func NewFileReader(store ObjectStore, opts ...Option) *FileReader {
	o := newOptions(opts)
	return &FileReader{store: store, logger: o.logger, opts: o}
}

// FindOne returns the first record of the file, or nil for an empty file.
func (r *FileReader) FindOne(ctx context.Context, query FileReadInstruction, params gopersist.Params) (gopersist.Record, error) {
	it, err := r.FindBatch(ctx, 1, query, params)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	if !it.HasNext() {
		return nil, nil
	}
	batch, err := it.Next(ctx)
	if err != nil {
		return nil, err
	}
	return gopersist.FirstOf(batch), nil
}

// FindAll reads every record.
func (r *FileReader) FindAll(ctx context.Context, query FileReadInstruction, params gopersist.Params) ([]gopersist.Record, error) {
	it, err := r.FindBatch(ctx, defaultParquetBatchSize, query, params)
	if err != nil {
		return nil, err
	}
	return gopersist.Collect[gopersist.Record](ctx, it)
}

// FindPage is unsupported: files are read front to back.
func (r *FileReader) FindPage(ctx context.Context, req gopersist.PageRequest, query FileReadInstruction, params gopersist.Params) (*gopersist.Page, error) {
	return nil, gopersist.Unsupported("file", "find_page")
}

// FindBatch opens the file and streams it in batches. Leading lines and comment rows are
// consumed without counting toward a batch.
func (r *FileReader) FindBatch(ctx context.Context, batchSize int, query FileReadInstruction, params gopersist.Params) (gopersist.RecordIterator, error) {
	if err := gopersist.ValidateBatchSize(batchSize); err != nil {
		return nil, err
	}
	format, err := query.ResolveFormat()
	if err != nil {
		return nil, &gopersist.ConfigurationError{Op: "file_find_batch", Err: err}
	}
	path, err := r.renderPath(query.Path, params)
	if err != nil {
		return nil, err
	}

	body, err := r.open(ctx, path)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("opened file", zap.String("path", path), zap.String("format", string(format)))

	switch format {
	case FormatJSONL:
		lines := NewLineSource(body)
		it, err := gopersist.NewCursorBatchIterator(ctx, gopersist.Source[string](lines), batchSize, DecodeJSONLine, gopersist.CursorOptions[string]{
			SkipFirst: query.SkipLines,
			Skip:      lineSkipper(query.CommentPrefix),
		})
		if err != nil {
			return nil, multierr.Append(err, lines.Close())
		}
		return it, nil

	case FormatParquet:
		src, err := openParquet(body, ParquetSourceOptions{Columns: query.Columns})
		if err != nil {
			return nil, &gopersist.ConnectivityError{Backend: "file", Op: "open_parquet", Err: err}
		}
		return streamRecords(ctx, src, batchSize, gopersist.CursorOptions[gopersist.Record]{SkipFirst: query.SkipLines})

	default:
		src, err := NewCSVSource(body, CSVSourceOptions{
			Comma:            Delimiter(format, query.Delimiter),
			HasHeader:        query.HasHeader,
			Headers:          query.Headers,
			TrimLeadingSpace: true,
			InferTypes:       query.InferTypes,
			SkipLines:        query.SkipLines,
			CommentPrefix:    query.CommentPrefix,
		})
		if err != nil {
			return nil, multierr.Append(&gopersist.ConnectivityError{Backend: "file", Op: "open_csv", Err: err}, body.Close())
		}
		return streamRecords(ctx, src, batchSize, gopersist.CursorOptions[gopersist.Record]{})
	}
}

// Count reads the file and counts its records.
func (r *FileReader) Count(ctx context.Context, query FileReadInstruction, params gopersist.Params) (int64, error) {
	it, err := r.FindBatch(ctx, defaultParquetBatchSize, query, params)
	if err != nil {
		return 0, err
	}
	var n int64
	err = gopersist.ForEachBatch[gopersist.Record](ctx, it, func(_ int, batch []gopersist.Record) error {
		n += int64(len(batch))
		return nil
	})
	return n, err
}

// Distinct is unsupported.
func (r *FileReader) Distinct(ctx context.Context, query FileReadInstruction, params gopersist.Params) ([]gopersist.Record, error) {
	return nil, gopersist.Unsupported("file", "distinct")
}

func (r *FileReader) renderPath(path string, params gopersist.Params) (string, error) {
	if len(params) == 0 || !strings.Contains(path, "{{") {
		return path, nil
	}
	rendered, err := r.opts.templates.Render(path, map[string]interface{}(params))
	if err != nil {
		return "", &gopersist.TransformError{Op: "template", Err: err}
	}
	return rendered, nil
}

func (r *FileReader) open(ctx context.Context, path string) (io.ReadCloser, error) {
	if bucket, key, ok := ParseS3Path(path); ok {
		if r.store == nil {
			return nil, &gopersist.ConfigurationError{Op: "file_open", Err: fmt.Errorf("no object store configured for %s", path)}
		}
		body, err := r.store.Open(ctx, bucket, key)
		if err != nil {
			return nil, &gopersist.ConnectivityError{Backend: "file", Op: "open", Err: err}
		}
		return body, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "file", Op: "open", Err: err}
	}
	return f, nil
}

// openParquet needs random access; object-store bodies are buffered in memory.
func openParquet(body io.ReadCloser, opts ParquetSourceOptions) (*ParquetSource, error) {
	if f, ok := body.(*os.File); ok {
		return NewParquetSource(f, f, opts)
	}
	data, err := io.ReadAll(body)
	closeErr := body.Close()
	if err = multierr.Append(err, closeErr); err != nil {
		return nil, &FileSourceError{Format: "parquet", Op: "buffer_object", Err: err}
	}
	return NewParquetSource(bytes.NewReader(data), nil, opts)
}
