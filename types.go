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
	"fmt"
)

// PageRequest selects one page. PageNum starts at 1.
type PageRequest struct {
	PageNum  int `json:"pageNum" yaml:"pageNum"`
	PageSize int `json:"pageSize" yaml:"pageSize"`
}

// Offset returns the number of records preceding the requested page.
func (r PageRequest) Offset() int {
	if r.PageNum <= 1 {
		return 0
	}
	return (r.PageNum - 1) * r.PageSize
}

// Validate checks the page request before it reaches a backend.
func (r PageRequest) Validate() error {
	if r.PageNum < 1 {
		return &ConfigurationError{Op: "page_request", Err: fmt.Errorf("page number must be >= 1, got %d", r.PageNum)}
	}
	if r.PageSize < 1 {
		return &ConfigurationError{Op: "page_request", Err: fmt.Errorf("page size must be >= 1, got %d", r.PageSize)}
	}
	return nil
}

// Page holds one page of records plus pagination metadata.
type Page struct {
	Request      PageRequest `json:"pageRequest"`
	TotalPages   int         `json:"totalNoOfPages"`
	TotalRecords int64       `json:"totalNoOfRecords"`
	Data         []Record    `json:"data"`
}

// NewPage builds a page and derives TotalPages from totalRecords.
func NewPage(req PageRequest, totalRecords int64, data []Record) *Page {
	return &Page{
		Request:      req,
		TotalPages:   PageCount(totalRecords, req.PageSize),
		TotalRecords: totalRecords,
		Data:         data,
	}
}

// HasNextPage reports whether a page follows this one.
func (p *Page) HasNextPage() bool {
	return p.Request.PageNum < p.TotalPages
}

// PageCount returns ceil(total / size).
func PageCount(total int64, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	pages := total / int64(size)
	if total%int64(size) != 0 {
		pages++
	}
	return int(pages)
}

// Param is a name/value pair for positional or named query binding.
type Param struct {
	Name  string      `json:"name" yaml:"name"`
	Value interface{} `json:"value" yaml:"value"`
}

// ParamsFromList converts a parameter list to a Params map. Later names win.
func ParamsFromList(list []Param) Params {
	params := make(Params, len(list))
	for _, p := range list {
		params[p.Name] = p.Value
	}
	return params
}

// FirstOf returns the first record, or nil when there is none.
func FirstOf(records []Record) Record {
	if len(records) == 0 {
		return nil
	}
	return records[0]
}

// Copy returns a deep copy of the record. Nested maps and slices are copied too.
func (r Record) Copy() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case Record:
		return val.Copy()
	case map[string]interface{}:
		return map[string]interface{}(Record(val).Copy())
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []Record:
		out := make([]Record, len(val))
		for i, item := range val {
			out[i] = item.Copy()
		}
		return out
	default:
		return v
	}
}

// Merge overlays other on top of r and returns r. A nil r yields a new record.
func (r Record) Merge(other Record) Record {
	if r == nil {
		r = make(Record, len(other))
	}
	for k, v := range other {
		r[k] = v
	}
	return r
}
