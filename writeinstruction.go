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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Renderer renders template text against data. engine.TemplateEngine satisfies it.
type Renderer interface {
	Render(text string, data interface{}) (string, error)
}

// Templatised is implemented by write instructions that can be rendered per record.
type Templatised interface {
	IsTemplate() bool
}

// TemplatisedWriteInstruction is embedded in write instructions whose fields may
// reference the record being written, e.g. a collection name of "orders_{{.region}}".
type TemplatisedWriteInstruction struct {
	Template bool `json:"template,omitempty" yaml:"template,omitempty"`
}

// IsTemplate implements Templatised.
func (t TemplatisedWriteInstruction) IsTemplate() bool {
	return t.Template
}

// ProcessWriteInstruction renders the JSON form of wi against record when wi is a
// template and decodes the result back into a fresh instruction. wi itself is not modified.
// Template actions inside string fields must not use double-quoted literals; use backticks.
func ProcessWriteInstruction[WI any](renderer Renderer, record Record, wi WI) (WI, error) {
	t, ok := any(wi).(Templatised)
	if !ok || !t.IsTemplate() {
		return wi, nil
	}
	var zero WI
	if renderer == nil {
		return zero, &ConfigurationError{Op: "write_instruction", Err: errors.New("template instruction requires a renderer")}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(wi); err != nil {
		return zero, &TransformError{Op: "encode", Err: err}
	}

	rendered, err := renderer.Render(buf.String(), record)
	if err != nil {
		return zero, &TransformError{Op: "template", Err: err}
	}

	var out WI
	if err := json.Unmarshal([]byte(rendered), &out); err != nil {
		return zero, &TransformError{Op: "decode", Err: fmt.Errorf("rendered write instruction is not valid JSON: %w", err)}
	}
	return out, nil
}
