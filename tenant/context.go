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

// Package tenant carries the current tenant through context.Context and routes
// per-tenant resources (connections, clients, database handles) through a
// ConnectionProvider.
//
// The tenant is an explicit context value: it never leaks between goroutines
// unless a Snapshot is captured and restored on the other side.
package tenant

import "context"

type contextKey struct{}

// WithTenant returns a copy of ctx carrying the tenant id.
func WithTenant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the tenant id carried by ctx, if any.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok
}

// Clear returns a copy of ctx in which no tenant is set.
func Clear(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, nil)
}

// Snapshot is the tenant state captured at one point, for handing work to another goroutine.
type Snapshot struct {
	ID  string
	Set bool
}

// Capture records the tenant carried by ctx.
func Capture(ctx context.Context) Snapshot {
	id, ok := FromContext(ctx)
	return Snapshot{ID: id, Set: ok}
}

// Restore applies the snapshot to ctx, replacing whatever tenant ctx carried.
func (s Snapshot) Restore(ctx context.Context) context.Context {
	if !s.Set {
		return Clear(ctx)
	}
	return WithTenant(ctx, s.ID)
}

// String returns the id, or "<none>" for an absent tenant. Used in log fields.
func (s Snapshot) String() string {
	if !s.Set {
		return "<none>"
	}
	return s.ID
}
