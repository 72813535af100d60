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
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/aaronlmathis/gopersist"
)

// CSVSourceOptions configures a CSVSource.
type CSVSourceOptions struct {
	Comma            rune
	HasHeader        bool
	Headers          []string // Used when the file has no header row; otherwise overrides it
	TrimLeadingSpace bool
	InferTypes       bool   // Parse int, float and bool cells; strings otherwise
	SkipLines        int    // Raw lines discarded before the header
	CommentPrefix    string // Rows starting with this rune are ignored
}

// CSVSource streams records out of comma- or otherwise-delimited text.
type CSVSource struct {
	reader  *csv.Reader
	headers []string
	closer  io.Closer
	opts    CSVSourceOptions
}

var _ gopersist.Source[gopersist.Record] = (*CSVSource)(nil)

// NewCSVSource consumes any leading lines and the header row, if configured, and returns
// a source positioned on the first data row.
func NewCSVSource(r io.ReadCloser, opts CSVSourceOptions) (*CSVSource, error) {
	if opts.Comma == 0 {
		opts.Comma = ','
	}

	buffered := bufio.NewReader(r)
	for i := 0; i < opts.SkipLines; i++ {
		if _, err := buffered.ReadString('\n'); err != nil {
			if err == io.EOF {
				break
			}
			return nil, &FileSourceError{Format: "csv", Op: "skip_lines", Err: err}
		}
	}

	csvReader := csv.NewReader(buffered)
	csvReader.Comma = opts.Comma
	csvReader.FieldsPerRecord = -1
	csvReader.LazyQuotes = true
	csvReader.TrimLeadingSpace = opts.TrimLeadingSpace
	if opts.CommentPrefix != "" {
		c, _ := utf8.DecodeRuneInString(opts.CommentPrefix)
		csvReader.Comment = c
	}

	source := &CSVSource{
		reader:  csvReader,
		closer:  r,
		opts:    opts,
		headers: opts.Headers,
	}

	if opts.HasHeader {
		headers, err := csvReader.Read()
		if err != nil && err != io.EOF {
			return nil, &FileSourceError{Format: "csv", Op: "read_headers", Err: err}
		}
		if len(source.headers) == 0 {
			source.headers = headers
		}
	}

	return source, nil
}

// Headers returns the column names in effect.
func (c *CSVSource) Headers() []string {
	return c.headers
}

// Read implements gopersist.Source.
func (c *CSVSource) Read(ctx context.Context) (gopersist.Record, error) {
	select {
	case <-ctx.Done():
		return nil, &FileSourceError{Format: "csv", Op: "read", Err: ctx.Err()}
	default:
	}

	row, err := c.reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FileSourceError{Format: "csv", Op: "read_record", Err: err}
	}

	res := make(gopersist.Record, len(row))
	for i, val := range row {
		key := "col_" + strconv.Itoa(i)
		if i < len(c.headers) {
			key = c.headers[i]
		}
		if strings.TrimSpace(val) == "" {
			res[key] = nil
			continue
		}
		if c.opts.InferTypes {
			res[key] = parseValue(val)
		} else {
			res[key] = val
		}
	}
	return res, nil
}

// Close implements gopersist.Source.
func (c *CSVSource) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// parseValue attempts to infer int, float, bool, or fallback to string.
func parseValue(value string) interface{} {
	value = strings.TrimSpace(value)

	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}
