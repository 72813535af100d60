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

// Package readers implements gopersist.GeneralReader for relational, document, REST,
// flat file, in-process variable and DynamoDB backends, plus the record sources the
// readers stream from.
package readers

import (
	"go.uber.org/zap"

	"github.com/aaronlmathis/gopersist/engine"
)

// Option configures a reader.
type Option func(*readerOptions)

type readerOptions struct {
	logger    *zap.Logger
	templates *engine.TemplateEngine
}

func newOptions(opts []Option) readerOptions {
	o := readerOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.templates == nil {
		o.templates = engine.NewTemplateEngine()
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *readerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTemplateEngine sets the engine used to render templated instructions.
func WithTemplateEngine(e *engine.TemplateEngine) Option {
	return func(o *readerOptions) {
		o.templates = e
	}
}
