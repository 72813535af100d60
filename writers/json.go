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
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/aaronlmathis/gopersist"
)

// JSONSink writes one JSON object per line.
type JSONSink struct {
	buf     *bufio.Writer
	encoder *json.Encoder
	stats   SinkStats
	mu      sync.Mutex
}

var _ RecordSink = (*JSONSink)(nil)

// NewJSONSink creates a JSON-lines sink writing to w.
func NewJSONSink(w io.Writer) *JSONSink {
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &JSONSink{buf: buf, encoder: enc, stats: SinkStats{NullValueCounts: make(map[string]int64)}}
}

// Write encodes one record followed by a newline.
func (j *JSONSink) Write(ctx context.Context, record gopersist.Record) error {
	if err := checkContext(ctx, "jsonl"); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	for k, v := range record {
		if v == nil {
			j.stats.countNull(k)
		}
	}
	if err := j.encoder.Encode(record); err != nil {
		return &FileSinkError{Format: "jsonl", Op: "encode", Err: err}
	}
	j.stats.RecordsWritten++
	return nil
}

// Flush pushes buffered lines to the underlying writer.
func (j *JSONSink) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	start := time.Now()
	if err := j.buf.Flush(); err != nil {
		return &FileSinkError{Format: "jsonl", Op: "flush", Err: err}
	}
	j.stats.flushed(start)
	return nil
}

// Close flushes. The underlying writer stays open.
func (j *JSONSink) Close() error {
	return j.Flush()
}

// Stats returns a copy of the write statistics.
func (j *JSONSink) Stats() SinkStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats.copy()
}
