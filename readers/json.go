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
	"encoding/json"
	"io"
	"strings"

	"github.com/aaronlmathis/gopersist"
)

const maxLineSize = 4 * 1024 * 1024

// LineSource implements gopersist.Source over newline-delimited text.
type LineSource struct {
	scanner *bufio.Scanner
	closer  io.Closer
}

var _ gopersist.Source[string] = (*LineSource)(nil)

// NewLineSource creates a source yielding one line per Read, without the trailing newline.
func NewLineSource(r io.ReadCloser) *LineSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &LineSource{
		scanner: scanner,
		closer:  r,
	}
}

// Read implements gopersist.Source.
func (l *LineSource) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !l.scanner.Scan() {
		if err := l.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return l.scanner.Text(), nil
}

// Close implements gopersist.Source.
func (l *LineSource) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// DecodeJSONLine parses one JSON-lines row into a record.
func DecodeJSONLine(line string) (gopersist.Record, error) {
	var record gopersist.Record
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return nil, &FileSourceError{Format: "jsonl", Op: "decode_json_line", Err: err}
	}
	return record, nil
}

// lineSkipper drops blank lines and, when prefix is set, comment lines.
func lineSkipper(prefix string) func(string) bool {
	return func(line string) bool {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			return true
		}
		return prefix != "" && strings.HasPrefix(trimmed, prefix)
	}
}
