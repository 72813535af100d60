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

package tenant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ConnectionProvider hands out the resource for the tenant carried by ctx.
type ConnectionProvider[T any] interface {
	GetConnection(ctx context.Context) (T, error)
}

// StaticProvider returns the same resource for every tenant.
type StaticProvider[T any] struct {
	resource T
}

// Static wraps a single resource, for backends that are not multi-tenant.
func Static[T any](resource T) *StaticProvider[T] {
	return &StaticProvider[T]{resource: resource}
}

// GetConnection implements ConnectionProvider.
func (s *StaticProvider[T]) GetConnection(ctx context.Context) (T, error) {
	return s.resource, nil
}

// ProviderFunc adapts a function to ConnectionProvider.
type ProviderFunc[T any] func(ctx context.Context) (T, error)

// GetConnection implements ConnectionProvider.
func (f ProviderFunc[T]) GetConnection(ctx context.Context) (T, error) {
	return f(ctx)
}

// MappingFunc builds the resource for one tenant. ok is false for the absent tenant.
type MappingFunc[T any] func(ctx context.Context, id string, ok bool) (T, error)

// ProviderOption configures a MultiTenantProvider.
type ProviderOption func(*providerOptions)

type providerOptions struct {
	logger *zap.Logger
	name   string
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ProviderOption {
	return func(o *providerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithName labels log lines, e.g. "mongo" or "postgres".
func WithName(name string) ProviderOption {
	return func(o *providerOptions) {
		o.name = name
	}
}

// MultiTenantProvider caches one resource per tenant. The mapping runs at most once
// per tenant id even under concurrent first access. A failed mapping is returned to
// every waiting caller and is not cached, so the next call tries again.
type MultiTenantProvider[T any] struct {
	mapping MappingFunc[T]
	logger  *zap.Logger
	name    string

	mu    sync.RWMutex
	cache map[Snapshot]T
	group singleflight.Group
}

// NewMultiTenantProvider creates a provider around mapping.
func NewMultiTenantProvider[T any](mapping MappingFunc[T], opts ...ProviderOption) (*MultiTenantProvider[T], error) {
	if mapping == nil {
		return nil, errors.New("tenant mapping function is required")
	}
	o := providerOptions{logger: zap.NewNop(), name: "resource"}
	for _, opt := range opts {
		opt(&o)
	}
	return &MultiTenantProvider[T]{
		mapping: mapping,
		logger:  o.logger,
		name:    o.name,
		cache:   make(map[Snapshot]T),
	}, nil
}

// groupKey keeps the absent tenant apart from a tenant literally named "".
func groupKey(s Snapshot) string {
	if !s.Set {
		return "\x00absent"
	}
	return "id:" + s.ID
}

// GetConnection implements ConnectionProvider.
func (p *MultiTenantProvider[T]) GetConnection(ctx context.Context) (T, error) {
	key := Capture(ctx)

	p.mu.RLock()
	resource, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return resource, nil
	}

	v, err, shared := p.group.Do(groupKey(key), func() (interface{}, error) {
		p.mu.RLock()
		cached, ok := p.cache[key]
		p.mu.RUnlock()
		if ok {
			return cached, nil
		}

		created, err := p.mapping(ctx, key.ID, key.Set)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.cache[key] = created
		p.mu.Unlock()

		p.logger.Info("tenant resource created",
			zap.String("provider", p.name),
			zap.String("tenant", key.String()))
		return created, nil
	})
	if err != nil {
		p.logger.Warn("tenant resource mapping failed",
			zap.String("provider", p.name),
			zap.String("tenant", key.String()),
			zap.Bool("shared", shared),
			zap.Error(err))
		var zero T
		return zero, fmt.Errorf("%s for tenant %s: %w", p.name, key, err)
	}
	resource, _ = v.(T)
	return resource, nil
}

// Len returns the number of cached resources.
func (p *MultiTenantProvider[T]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.cache)
}

// Evict drops the resource cached for a tenant id and closes it if it is an io.Closer.
// It is the hook for decommissioning a tenant.
func (p *MultiTenantProvider[T]) Evict(id string) error {
	key := Snapshot{ID: id, Set: true}
	p.mu.Lock()
	resource, ok := p.cache[key]
	delete(p.cache, key)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	p.logger.Info("tenant resource evicted", zap.String("provider", p.name), zap.String("tenant", id))
	return closeResource(resource)
}

// Reset empties the cache, closing every cached resource.
func (p *MultiTenantProvider[T]) Reset() error {
	p.mu.Lock()
	old := p.cache
	p.cache = make(map[Snapshot]T)
	p.mu.Unlock()

	var err error
	for key, resource := range old {
		if closeErr := closeResource(resource); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("tenant %s: %w", key, closeErr))
		}
	}
	return err
}

// Close is Reset under the io.Closer name.
func (p *MultiTenantProvider[T]) Close() error {
	return p.Reset()
}

func closeResource(resource interface{}) error {
	if c, ok := resource.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
