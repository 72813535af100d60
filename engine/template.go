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

// Package engine provides the template engine, the script function registry and the
// serialization codecs used by transformers and templated write instructions.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/google/uuid"
)

// TemplateEngine renders text/template templates against records. Parsed templates are
// cached by their text. Missing keys are errors, never "<no value>".
type TemplateEngine struct {
	mu      sync.RWMutex
	cache   map[string]*template.Template
	funcs   template.FuncMap
	scripts *ScriptEngine
	baseDir string
}

// TemplateOption configures a TemplateEngine.
type TemplateOption func(*TemplateEngine)

// WithScripts makes script functions callable from templates via {{script "name" .}}.
func WithScripts(scripts *ScriptEngine) TemplateOption {
	return func(e *TemplateEngine) {
		e.scripts = scripts
	}
}

// WithBaseDir resolves relative paths passed to the file function against dir.
func WithBaseDir(dir string) TemplateOption {
	return func(e *TemplateEngine) {
		e.baseDir = dir
	}
}

// WithFuncs adds template functions. They override built-ins of the same name.
func WithFuncs(funcs template.FuncMap) TemplateOption {
	return func(e *TemplateEngine) {
		for name, fn := range funcs {
			e.funcs[name] = fn
		}
	}
}

// NewTemplateEngine creates a template engine with the built-in functions:
// uuid, file, eval, trim, toJSON, fromJSON and script.
func NewTemplateEngine(opts ...TemplateOption) *TemplateEngine {
	e := &TemplateEngine{
		cache: make(map[string]*template.Template),
	}
	e.funcs = template.FuncMap{
		"uuid":     uuid.NewString,
		"trim":     strings.TrimSpace,
		"toJSON":   toJSON,
		"fromJSON": fromJSON,
		"eval":     e.Render,
		"file":     e.renderFile,
		"script":   e.invokeScript,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Render executes text against data.
func (e *TemplateEngine) Render(text string, data interface{}) (string, error) {
	tmpl, err := e.parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}

// Validate parses text without executing it.
func (e *TemplateEngine) Validate(text string) error {
	_, err := e.parse(text)
	return err
}

func (e *TemplateEngine) parse(text string) (*template.Template, error) {
	e.mu.RLock()
	tmpl, ok := e.cache[text]
	e.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	tmpl, err := template.New("gopersist").
		Option("missingkey=error").
		Funcs(e.funcs).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	e.mu.Lock()
	e.cache[text] = tmpl
	e.mu.Unlock()
	return tmpl, nil
}

// renderFile reads a template file and renders it against data.
func (e *TemplateEngine) renderFile(path string, data interface{}) (string, error) {
	if !filepath.IsAbs(path) && e.baseDir != "" {
		path = filepath.Join(e.baseDir, path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read template file %s: %w", path, err)
	}
	return e.Render(string(content), data)
}

func (e *TemplateEngine) invokeScript(name string, args ...interface{}) (interface{}, error) {
	if e.scripts == nil {
		return nil, fmt.Errorf("%w: %s (no script engine configured)", ErrUnknownFunction, name)
	}
	return e.scripts.InvokeFunction(context.Background(), name, args...)
}
