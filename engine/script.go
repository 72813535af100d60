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

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dop251/goja"
)

// ErrUnknownFunction is returned when a script function name is not registered.
var ErrUnknownFunction = errors.New("unknown script function")

// ScriptFunc is a function callable by name from transformers and templates.
type ScriptFunc func(ctx context.Context, args ...interface{}) (interface{}, error)

// ScriptEngine runs JavaScript functions loaded with LoadScript, next to Go functions
// added with Register. Registered Go functions win on a name clash.
//
// Script functions receive and return plain JSON values: arguments are passed in their
// JSON form, so a record arrives as an object the script may modify freely, and the
// result is normalized the same way (numbers come back as float64). One runtime is
// shared and calls into it are serialized.
type ScriptEngine struct {
	mu    sync.RWMutex
	funcs map[string]ScriptFunc

	vmMu sync.Mutex
	vm   *goja.Runtime
}

// NewScriptEngine creates an engine with an empty JavaScript runtime.
func NewScriptEngine() *ScriptEngine {
	return &ScriptEngine{
		funcs: make(map[string]ScriptFunc),
		vm:    goja.New(),
	}
}

// Register adds or replaces a Go function.
func (s *ScriptEngine) Register(name string, fn ScriptFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[name] = fn
}

// LoadScript evaluates JavaScript source in the shared runtime. Its top-level
// functions become callable; a later script may redefine them.
func (s *ScriptEngine) LoadScript(text string) error {
	s.vmMu.Lock()
	defer s.vmMu.Unlock()
	if _, err := s.vm.RunString(text); err != nil {
		return fmt.Errorf("failed to load script: %w", err)
	}
	return nil
}

// Has reports whether name resolves to a function.
func (s *ScriptEngine) Has(name string) bool {
	s.mu.RLock()
	_, ok := s.funcs[name]
	s.mu.RUnlock()
	if ok {
		return true
	}
	s.vmMu.Lock()
	defer s.vmMu.Unlock()
	_, ok = goja.AssertFunction(s.vm.Get(name))
	return ok
}

// Functions lists every callable name, sorted.
func (s *ScriptEngine) Functions() []string {
	seen := make(map[string]bool)
	s.mu.RLock()
	for name := range s.funcs {
		seen[name] = true
	}
	s.mu.RUnlock()

	s.vmMu.Lock()
	global := s.vm.GlobalObject()
	for _, key := range global.Keys() {
		if _, ok := goja.AssertFunction(global.Get(key)); ok {
			seen[key] = true
		}
	}
	s.vmMu.Unlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InvokeFunction calls name with args. A script function that is still running when
// ctx ends is interrupted.
func (s *ScriptEngine) InvokeFunction(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	s.mu.RLock()
	fn, ok := s.funcs[name]
	s.mu.RUnlock()
	if ok {
		return fn(ctx, args...)
	}

	values := make([]interface{}, len(args))
	for i, arg := range args {
		v, err := plain(arg)
		if err != nil {
			return nil, fmt.Errorf("script %s: argument %d: %w", name, i, err)
		}
		values[i] = v
	}

	s.vmMu.Lock()
	defer s.vmMu.Unlock()
	call, ok := goja.AssertFunction(s.vm.Get(name))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	jsArgs := make([]goja.Value, len(values))
	for i, v := range values {
		jsArgs[i] = s.vm.ToValue(v)
	}
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		s.vm.Interrupt(ctx.Err())
		close(interrupted)
	})
	result, err := call(goja.Undefined(), jsArgs...)
	if !stop() {
		<-interrupted
	}
	s.vm.ClearInterrupt()
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", name, err)
	}
	if goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	out, err := plain(result.Export())
	if err != nil {
		return nil, fmt.Errorf("script %s returned a value that is not JSON: %w", name, err)
	}
	return out, nil
}

// plain converts v to its JSON form: objects become map[string]interface{}, arrays
// []interface{} and numbers float64.
func plain(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := toJSON(v)
	if err != nil {
		return nil, err
	}
	return fromJSON(data)
}
