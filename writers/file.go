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
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/engine"
	"github.com/aaronlmathis/gopersist/readers"
)

// FileWriteInstruction is the write instruction of FileAppender.
// With Template set, the instruction is rendered against each record and records are
// grouped by the resulting path, e.g. "out/orders_{{.region}}.csv".
type FileWriteInstruction struct {
	gopersist.TemplatisedWriteInstruction `yaml:",inline"`

	Path        string             `json:"path" yaml:"path"` // Local path or s3://bucket/key
	Format      readers.FileFormat `json:"format,omitempty" yaml:"format,omitempty"`
	Delimiter   string             `json:"delimiter,omitempty" yaml:"delimiter,omitempty"`
	Headers     []string           `json:"headers,omitempty" yaml:"headers,omitempty"`
	WriteHeader bool               `json:"writeHeader,omitempty" yaml:"write_header,omitempty"`
}

// FileAppender appends records to csv, dsv and JSON-lines files, local or on S3, and
// writes Parquet files. It is append-only: every operation other than Create and
// CreateAll is unsupported.
//
// Text formats are appended; a header is written only to a new or empty file, and an
// existing header fixes the column order of later appends. Parquet cannot be appended
// to, so each call writes one complete file, replacing any file at the path.
// Objects on S3 are rewritten whole through the ObjectStore.
type FileAppender struct {
	store     readers.ObjectStore
	logger    *zap.Logger
	templates *engine.TemplateEngine
	mu        sync.Mutex
}

var _ gopersist.GeneralUpdater[readers.FileReadInstruction, FileWriteInstruction] = (*FileAppender)(nil)

// NewFileAppender creates a file appender. store may be nil when no s3:// paths are written.
func NewFileAppender(store readers.ObjectStore, opts ...Option) *FileAppender {
	o := newOptions(opts)
	return &FileAppender{store: store, logger: o.logger, templates: o.templates}
}

type fileGroup struct {
	wi      FileWriteInstruction
	records []gopersist.Record
}

// Create appends one record.
func (a *FileAppender) Create(ctx context.Context, record gopersist.Record, wi FileWriteInstruction) (gopersist.Record, error) {
	if _, err := a.CreateAll(ctx, []gopersist.Record{record}, wi); err != nil {
		return nil, err
	}
	return record, nil
}

// CreateAll appends records in order.
func (a *FileAppender) CreateAll(ctx context.Context, records []gopersist.Record, wi FileWriteInstruction) ([]gopersist.Record, error) {
	if len(records) == 0 {
		return records, nil
	}
	groups, err := a.group(records, wi)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, g := range groups {
		if err := a.write(ctx, g.wi, g.records); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (a *FileAppender) group(records []gopersist.Record, wi FileWriteInstruction) ([]*fileGroup, error) {
	if !wi.IsTemplate() {
		return []*fileGroup{{wi: wi, records: records}}, nil
	}
	var groups []*fileGroup
	byPath := make(map[string]*fileGroup)
	for _, record := range records {
		rendered, err := gopersist.ProcessWriteInstruction(a.templates, record, wi)
		if err != nil {
			return nil, err
		}
		g, ok := byPath[rendered.Path]
		if !ok {
			g = &fileGroup{wi: rendered}
			byPath[rendered.Path] = g
			groups = append(groups, g)
		}
		g.records = append(g.records, record)
	}
	return groups, nil
}

func (a *FileAppender) write(ctx context.Context, wi FileWriteInstruction, records []gopersist.Record) error {
	format, err := readers.ResolveFileFormat(wi.Format, wi.Path)
	if err != nil {
		return &gopersist.ConfigurationError{Op: "file_write", Err: err}
	}
	if bucket, key, ok := readers.ParseS3Path(wi.Path); ok {
		err = a.writeObject(ctx, bucket, key, format, wi, records)
	} else {
		err = a.writeLocal(ctx, format, wi, records)
	}
	if err != nil {
		return err
	}
	a.logger.Debug("appended records",
		zap.String("path", wi.Path),
		zap.String("format", string(format)),
		zap.Int("records", len(records)))
	return nil
}

func (a *FileAppender) writeLocal(ctx context.Context, format readers.FileFormat, wi FileWriteInstruction, records []gopersist.Record) (err error) {
	if dir := filepath.Dir(wi.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &gopersist.ConnectivityError{Backend: "file", Op: "create_directory", Err: err}
		}
	}

	flag := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if format == readers.FormatParquet {
		flag = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(wi.Path, flag, 0o644)
	if err != nil {
		return &gopersist.ConnectivityError{Backend: "file", Op: "open", Err: err}
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			err = multierr.Append(err, &gopersist.ConnectivityError{Backend: "file", Op: "close", Err: closeErr})
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return &gopersist.ConnectivityError{Backend: "file", Op: "stat", Err: err}
	}

	headers := wi.Headers
	writeHeader := wi.WriteHeader
	if info.Size() > 0 && isDelimited(format) {
		writeHeader = false
		if wi.WriteHeader && len(headers) == 0 {
			if headers, err = readLocalHeader(wi.Path, readers.Delimiter(format, wi.Delimiter)); err != nil {
				return err
			}
		}
	}
	return encodeRecords(ctx, f, format, wi, headers, writeHeader, records)
}

func (a *FileAppender) writeObject(ctx context.Context, bucket, key string, format readers.FileFormat, wi FileWriteInstruction, records []gopersist.Record) error {
	if a.store == nil {
		return &gopersist.ConfigurationError{Op: "file_write", Err: fmt.Errorf("no object store configured for %s", wi.Path)}
	}

	var buf bytes.Buffer
	headers := wi.Headers
	writeHeader := wi.WriteHeader
	if format != readers.FormatParquet {
		body, err := a.store.Open(ctx, bucket, key)
		switch {
		case errors.Is(err, readers.ErrObjectNotFound):
		case err != nil:
			return &gopersist.ConnectivityError{Backend: "file", Op: "open", Err: err}
		default:
			_, err = io.Copy(&buf, body)
			if err = multierr.Append(err, body.Close()); err != nil {
				return &gopersist.ConnectivityError{Backend: "file", Op: "read_object", Err: err}
			}
		}
		if buf.Len() > 0 {
			if isDelimited(format) && wi.WriteHeader && len(headers) == 0 {
				h, err := readHeader(bytes.NewReader(buf.Bytes()), readers.Delimiter(format, wi.Delimiter))
				if err != nil {
					return err
				}
				headers = h
			}
			writeHeader = false
			if buf.Bytes()[buf.Len()-1] != '\n' {
				buf.WriteByte('\n')
			}
		}
	}

	if err := encodeRecords(ctx, &buf, format, wi, headers, writeHeader, records); err != nil {
		return err
	}
	if err := a.store.Put(ctx, bucket, key, bytes.NewReader(buf.Bytes())); err != nil {
		return &gopersist.ConnectivityError{Backend: "file", Op: "put_object", Err: err}
	}
	return nil
}

func isDelimited(format readers.FileFormat) bool {
	return format == readers.FormatCSV || format == readers.FormatDSV
}

func encodeRecords(ctx context.Context, w io.Writer, format readers.FileFormat, wi FileWriteInstruction, headers []string, writeHeader bool, records []gopersist.Record) error {
	var sink RecordSink
	switch format {
	case readers.FormatJSONL:
		sink = NewJSONSink(w)
	case readers.FormatParquet:
		sink = NewParquetSink(w, ParquetSinkOptions{FieldOrder: wi.Headers})
	default:
		sink = NewCSVSink(w, CSVSinkOptions{
			Comma:       readers.Delimiter(format, wi.Delimiter),
			WriteHeader: writeHeader,
			Headers:     headers,
		})
	}
	for _, record := range records {
		if err := sink.Write(ctx, record); err != nil {
			return err
		}
	}
	return sink.Close()
}

func readLocalHeader(path string, comma rune) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &gopersist.ConnectivityError{Backend: "file", Op: "open", Err: err}
	}
	defer f.Close()
	return readHeader(f, comma)
}

func readHeader(r io.Reader, comma rune) ([]string, error) {
	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	header, err := reader.Read()
	if err != nil && err != io.EOF {
		return nil, &FileSinkError{Format: "csv", Op: "read_header", Err: err}
	}
	return header, nil
}

// Replace is unsupported: files are append-only.
func (a *FileAppender) Replace(ctx context.Context, record gopersist.Record, wi FileWriteInstruction) (gopersist.Record, error) {
	return nil, gopersist.Unsupported("file", "replace")
}

// ReplaceAll is unsupported.
func (a *FileAppender) ReplaceAll(ctx context.Context, records []gopersist.Record, wi FileWriteInstruction) ([]gopersist.Record, error) {
	return nil, gopersist.Unsupported("file", "replace_all")
}

// Update is unsupported.
func (a *FileAppender) Update(ctx context.Context, record gopersist.Record, wi FileWriteInstruction) (gopersist.Record, error) {
	return nil, gopersist.Unsupported("file", "update")
}

// UpdateAll is unsupported.
func (a *FileAppender) UpdateAll(ctx context.Context, records []gopersist.Record, wi FileWriteInstruction) ([]gopersist.Record, error) {
	return nil, gopersist.Unsupported("file", "update_all")
}

// CreateOrReplace is unsupported.
func (a *FileAppender) CreateOrReplace(ctx context.Context, record gopersist.Record, wi FileWriteInstruction) (gopersist.Record, error) {
	return nil, gopersist.Unsupported("file", "create_or_replace")
}

// CreateOrReplaceAll is unsupported.
func (a *FileAppender) CreateOrReplaceAll(ctx context.Context, records []gopersist.Record, wi FileWriteInstruction) ([]gopersist.Record, error) {
	return nil, gopersist.Unsupported("file", "create_or_replace_all")
}

// Delete is unsupported.
func (a *FileAppender) Delete(ctx context.Context, record gopersist.Record, wi FileWriteInstruction) (gopersist.Record, error) {
	return nil, gopersist.Unsupported("file", "delete")
}

// DeleteByID is unsupported.
func (a *FileAppender) DeleteByID(ctx context.Context, id string, wi FileWriteInstruction) (gopersist.Record, error) {
	return nil, gopersist.Unsupported("file", "delete_by_id")
}

// DeleteAll is unsupported.
func (a *FileAppender) DeleteAll(ctx context.Context, records []gopersist.Record, wi FileWriteInstruction) ([]gopersist.Record, error) {
	return nil, gopersist.Unsupported("file", "delete_all")
}

// UpdateOne is unsupported.
func (a *FileAppender) UpdateOne(ctx context.Context, id string, fields gopersist.Record, wi FileWriteInstruction) (gopersist.Record, error) {
	return nil, gopersist.Unsupported("file", "update_one")
}

// UpdateMany is unsupported.
func (a *FileAppender) UpdateMany(ctx context.Context, query readers.FileReadInstruction, fields gopersist.Record, wi FileWriteInstruction) (int64, error) {
	return 0, gopersist.Unsupported("file", "update_many")
}
