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

// Package registry maps logical names to constructors, so configuration can name
// the transform routines, script functions or backends it wants and have them built
// with arguments taken from literals, environment variables or shared singletons.
package registry

import (
	"fmt"
	"os"
	"sort"
	"sync"
)

// Constructor builds a T from resolved arguments.
type Constructor[T any] func(args []interface{}) (T, error)

// Arg describes one constructor argument. Exactly one of Value, Env or Ref is used,
// checked in that order.
type Arg struct {
	Value   interface{} `yaml:"value,omitempty" json:"value,omitempty"`
	Env     string      `yaml:"env,omitempty" json:"env,omitempty"`
	Default string      `yaml:"default,omitempty" json:"default,omitempty"`
	Ref     string      `yaml:"ref,omitempty" json:"ref,omitempty"`
}

// InitSpec names a registered type and the arguments to build it with.
// A non-empty Name stores the result in the singletons under that name.
type InitSpec struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
	Args []Arg  `yaml:"args,omitempty" json:"args,omitempty"`
}

// Singletons holds named, already-built objects that Ref arguments point to.
type Singletons struct {
	mu    sync.RWMutex
	items map[string]interface{}
}

// NewSingletons creates an empty set.
func NewSingletons() *Singletons {
	return &Singletons{items: make(map[string]interface{})}
}

// Put stores v under name, replacing any previous value.
func (s *Singletons) Put(name string, v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[name] = v
}

// Get returns the object stored under name.
func (s *Singletons) Get(name string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[name]
	return v, ok
}

// Registry maps type names to constructors.
type Registry[T any] struct {
	mu         sync.RWMutex
	ctors      map[string]Constructor[T]
	singletons *Singletons
}

// New creates a registry. A nil singletons set gets a private one.
func New[T any](singletons *Singletons) *Registry[T] {
	if singletons == nil {
		singletons = NewSingletons()
	}
	return &Registry[T]{
		ctors:      make(map[string]Constructor[T]),
		singletons: singletons,
	}
}

// Register adds a constructor. It panics if name is already registered.
func (r *Registry[T]) Register(name string, ctor Constructor[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ctors[name]; exists {
		panic(fmt.Sprintf("type registry: type %q already registered", name))
	}
	r.ctors[name] = ctor
}

// Lookup returns the constructor registered under name.
func (r *Registry[T]) Lookup(name string) (Constructor[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[name]
	if !ok {
		return nil, fmt.Errorf("type registry: no type registered for name %q", name)
	}
	return ctor, nil
}

// Has reports whether name is registered.
func (r *Registry[T]) Has(name string) bool {
	_, err := r.Lookup(name)
	return err == nil
}

// Names lists the registered names, sorted.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Singletons returns the set Ref arguments are resolved against.
func (r *Registry[T]) Singletons() *Singletons {
	return r.singletons
}

// Build calls the constructor for typeName with already-resolved arguments.
func (r *Registry[T]) Build(typeName string, args ...interface{}) (T, error) {
	ctor, err := r.Lookup(typeName)
	if err != nil {
		var zero T
		return zero, err
	}
	return ctor(args)
}

// Resolve builds the object an InitSpec describes.
func (r *Registry[T]) Resolve(spec InitSpec) (T, error) {
	var zero T
	args, err := r.ResolveArgs(spec.Args)
	if err != nil {
		return zero, fmt.Errorf("type registry: %s: %w", spec.Type, err)
	}
	v, err := r.Build(spec.Type, args...)
	if err != nil {
		return zero, err
	}
	if spec.Name != "" {
		r.singletons.Put(spec.Name, v)
	}
	return v, nil
}

// ResolveAll resolves specs in order, so later specs may Ref earlier ones.
// The result is keyed by Name, falling back to Type.
func (r *Registry[T]) ResolveAll(specs []InitSpec) (map[string]T, error) {
	out := make(map[string]T, len(specs))
	for _, spec := range specs {
		v, err := r.Resolve(spec)
		if err != nil {
			return nil, err
		}
		key := spec.Name
		if key == "" {
			key = spec.Type
		}
		out[key] = v
	}
	return out, nil
}

// ResolveArgs turns argument descriptors into values.
func (r *Registry[T]) ResolveArgs(args []Arg) ([]interface{}, error) {
	out := make([]interface{}, 0, len(args))
	for i, arg := range args {
		switch {
		case arg.Value != nil:
			out = append(out, arg.Value)
		case arg.Env != "":
			v, ok := os.LookupEnv(arg.Env)
			if !ok {
				if arg.Default == "" {
					return nil, fmt.Errorf("argument %d: environment variable %s is not set", i, arg.Env)
				}
				v = arg.Default
			}
			out = append(out, v)
		case arg.Ref != "":
			v, ok := r.singletons.Get(arg.Ref)
			if !ok {
				return nil, fmt.Errorf("argument %d: no singleton named %q", i, arg.Ref)
			}
			out = append(out, v)
		default:
			out = append(out, nil)
		}
	}
	return out, nil
}

// StringArg returns args[i] as a string, or an error naming the position.
func StringArg(args []interface{}, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d: expected string, got %T", i, args[i])
	}
	return s, nil
}
