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

// Package writers implements gopersist.GeneralUpdater for relational, document, REST,
// flat file, in-process variable and DynamoDB backends, plus the queue guzzler that
// drains buffered writes in the background.
package writers

import (
	"go.uber.org/zap"

	"github.com/aaronlmathis/gopersist/engine"
)

// Option configures a writer.
type Option func(*writerOptions)

type writerOptions struct {
	logger    *zap.Logger
	templates *engine.TemplateEngine
}

func newOptions(opts []Option) writerOptions {
	o := writerOptions{logger: zap.NewNop()}
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
	return func(o *writerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTemplateEngine sets the engine used to render templated write instructions
// and name-templated SQL params.
func WithTemplateEngine(e *engine.TemplateEngine) Option {
	return func(o *writerOptions) {
		o.templates = e
	}
}
