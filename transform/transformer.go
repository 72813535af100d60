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

// Package transform converts records with templates, script functions or named
// routines. GeneralTransformer is the standard gopersist.Converter.
package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/engine"
)

// Spec selects how records are transformed. At most one of Template, ScriptFunction
// and Routine may be set; none means identity.
type Spec struct {
	// Template renders each record (or the batch, bound to "list") into JSON.
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
	// ScriptFunction names a script engine function called with the record (or batch).
	ScriptFunction string `yaml:"scriptFunction,omitempty" json:"scriptFunction,omitempty"`
	// Routine names a registered routine.
	Routine string `yaml:"routine,omitempty" json:"routine,omitempty"`
	// AllAtOnce hands the whole batch to the template or script function in one call.
	AllAtOnce bool `yaml:"allAtOnce,omitempty" json:"allAtOnce,omitempty"`
	// MergeToOriginal overlays the output on a copy of the input instead of replacing it.
	MergeToOriginal bool `yaml:"mergeToOriginal,omitempty" json:"mergeToOriginal,omitempty"`
}

// Validate rejects a spec that names more than one source.
func (s Spec) Validate() error {
	n := 0
	for _, set := range []bool{s.Template != "", s.ScriptFunction != "", s.Routine != ""} {
		if set {
			n++
		}
	}
	if n > 1 {
		return &gopersist.ConfigurationError{Op: "transformer", Err: errors.New("only one of template, scriptFunction and routine may be set")}
	}
	return nil
}

// IsIdentity reports whether the spec leaves records untouched.
func (s Spec) IsIdentity() bool {
	return s.Template == "" && s.ScriptFunction == "" && s.Routine == ""
}

// Option configures a GeneralTransformer.
type Option func(*GeneralTransformer)

// WithTemplateEngine sets the template engine. A default engine is created when a
// template is used without one.
func WithTemplateEngine(e *engine.TemplateEngine) Option {
	return func(t *GeneralTransformer) {
		t.templates = e
	}
}

// WithScriptEngine sets the script engine used for ScriptFunction.
func WithScriptEngine(e *engine.ScriptEngine) Option {
	return func(t *GeneralTransformer) {
		t.scripts = e
	}
}

// WithRoutines sets the routines a Spec.Routine name is resolved against.
func WithRoutines(routines map[string]gopersist.Transformer) Option {
	return func(t *GeneralTransformer) {
		t.routines = routines
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *GeneralTransformer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// GeneralTransformer applies a Spec. Per record the source is resolved in the order
// template, script function, routine, identity.
type GeneralTransformer struct {
	spec      Spec
	templates *engine.TemplateEngine
	scripts   *engine.ScriptEngine
	routines  map[string]gopersist.Transformer
	routine   gopersist.Transformer
	logger    *zap.Logger
}

// New validates spec and builds a transformer. A routine that is not registered and
// a template that does not parse are configuration errors.
func New(spec Spec, opts ...Option) (*GeneralTransformer, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	t := &GeneralTransformer{spec: spec, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}

	switch {
	case spec.Template != "":
		if t.templates == nil {
			t.templates = engine.NewTemplateEngine(engine.WithScripts(t.scripts))
		}
		if err := t.templates.Validate(spec.Template); err != nil {
			return nil, &gopersist.ConfigurationError{Op: "transformer", Err: err}
		}
	case spec.ScriptFunction != "":
		if t.scripts == nil {
			return nil, &gopersist.ConfigurationError{Op: "transformer", Err: fmt.Errorf("script function %q needs a script engine", spec.ScriptFunction)}
		}
	case spec.Routine != "":
		routine, ok := t.routines[spec.Routine]
		if !ok || routine == nil {
			return nil, &gopersist.ConfigurationError{Op: "transformer", Err: fmt.Errorf("unknown routine %q", spec.Routine)}
		}
		t.routine = routine
	}
	return t, nil
}

// Spec returns the spec the transformer was built from.
func (t *GeneralTransformer) Spec() Spec {
	return t.spec
}

// Transform implements gopersist.Transformer.
func (t *GeneralTransformer) Transform(ctx context.Context, record gopersist.Record) (gopersist.Record, error) {
	return t.Convert(ctx, record)
}

// Convert implements gopersist.Converter.
func (t *GeneralTransformer) Convert(ctx context.Context, record gopersist.Record) (gopersist.Record, error) {
	if t.spec.IsIdentity() {
		return record, nil
	}
	out, err := t.convertOne(ctx, record)
	if err != nil {
		return nil, err
	}
	return t.merge(record, out), nil
}

// ConvertAll implements gopersist.Converter. In AllAtOnce mode the template or script
// function sees the whole batch; otherwise records are converted one by one.
func (t *GeneralTransformer) ConvertAll(ctx context.Context, records []gopersist.Record) ([]gopersist.Record, error) {
	if t.spec.IsIdentity() || len(records) == 0 {
		return records, nil
	}
	if t.spec.AllAtOnce && t.routine == nil {
		return t.convertBatch(ctx, records)
	}

	out := make([]gopersist.Record, 0, len(records))
	for _, record := range records {
		converted, err := t.Convert(ctx, record)
		if err != nil {
			return nil, err
		}
		out = append(out, converted)
	}
	return out, nil
}

func (t *GeneralTransformer) convertOne(ctx context.Context, record gopersist.Record) (gopersist.Record, error) {
	switch {
	case t.spec.Template != "":
		rendered, err := t.templates.Render(t.spec.Template, record)
		if err != nil {
			return nil, &gopersist.TransformError{Op: "template", Err: err}
		}
		return decodeRecord(rendered)

	case t.spec.ScriptFunction != "":
		result, err := t.scripts.InvokeFunction(ctx, t.spec.ScriptFunction, record)
		if err != nil {
			return nil, &gopersist.TransformError{Op: "script", Err: err}
		}
		return asRecord(result)

	default:
		out, err := t.routine.Transform(ctx, record.Copy())
		if err != nil {
			return nil, &gopersist.TransformError{Op: "routine", Err: fmt.Errorf("%s: %w", t.spec.Routine, err)}
		}
		return out, nil
	}
}

func (t *GeneralTransformer) convertBatch(ctx context.Context, records []gopersist.Record) ([]gopersist.Record, error) {
	var outs []gopersist.Record
	var err error
	if t.spec.Template != "" {
		var rendered string
		rendered, err = t.templates.Render(t.spec.Template, map[string]interface{}{"list": records})
		if err != nil {
			return nil, &gopersist.TransformError{Op: "template", Err: err}
		}
		outs, err = decodeRecords(rendered)
	} else {
		var result interface{}
		result, err = t.scripts.InvokeFunction(ctx, t.spec.ScriptFunction, records)
		if err != nil {
			return nil, &gopersist.TransformError{Op: "script", Err: err}
		}
		outs, err = asRecords(result)
	}
	if err != nil {
		return nil, err
	}

	if !t.spec.MergeToOriginal {
		return outs, nil
	}
	if len(outs) != len(records) {
		return nil, &gopersist.TransformError{Op: "decode", Err: fmt.Errorf("merge needs one output per input, got %d for %d", len(outs), len(records))}
	}
	for i := range outs {
		outs[i] = t.merge(records[i], outs[i])
	}
	t.logger.Debug("converted batch", zap.Int("records", len(outs)))
	return outs, nil
}

func (t *GeneralTransformer) merge(original, out gopersist.Record) gopersist.Record {
	if !t.spec.MergeToOriginal {
		return out
	}
	if original == nil {
		return gopersist.Record{}.Merge(out)
	}
	return original.Copy().Merge(out)
}

func decodeRecord(rendered string) (gopersist.Record, error) {
	var out gopersist.Record
	if err := json.Unmarshal([]byte(strings.TrimSpace(rendered)), &out); err != nil {
		return nil, &gopersist.TransformError{Op: "decode", Err: fmt.Errorf("template output is not a JSON object: %w", err)}
	}
	return out, nil
}

func decodeRecords(rendered string) ([]gopersist.Record, error) {
	var out []gopersist.Record
	if err := json.Unmarshal([]byte(strings.TrimSpace(rendered)), &out); err != nil {
		return nil, &gopersist.TransformError{Op: "decode", Err: fmt.Errorf("template output is not a JSON array of objects: %w", err)}
	}
	return out, nil
}

func asRecord(v interface{}) (gopersist.Record, error) {
	switch x := v.(type) {
	case gopersist.Record:
		return x, nil
	case map[string]interface{}:
		return gopersist.Record(x), nil
	case nil:
		return gopersist.Record{}, nil
	default:
		return nil, &gopersist.TransformError{Op: "decode", Err: fmt.Errorf("script returned %T, want an object", v)}
	}
}

func asRecords(v interface{}) ([]gopersist.Record, error) {
	switch x := v.(type) {
	case []gopersist.Record:
		return x, nil
	case []interface{}:
		out := make([]gopersist.Record, 0, len(x))
		for _, item := range x {
			r, err := asRecord(item)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, nil
	default:
		return nil, &gopersist.TransformError{Op: "decode", Err: fmt.Errorf("script returned %T, want a list", v)}
	}
}
