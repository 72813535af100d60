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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	tenant string
	closed atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func TestContext_RoundTrip(t *testing.T) {
	ctx := context.Background()
	_, ok := FromContext(ctx)
	assert.False(t, ok)

	ctx = WithTenant(ctx, "acme")
	id, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "acme", id)

	cleared := Clear(ctx)
	_, ok = FromContext(cleared)
	assert.False(t, ok)
}

func TestSnapshot_RestoreReplacesTenant(t *testing.T) {
	snap := Capture(WithTenant(context.Background(), "t1"))
	assert.Equal(t, "t1", snap.String())

	restored := snap.Restore(WithTenant(context.Background(), "t2"))
	id, ok := FromContext(restored)
	require.True(t, ok)
	assert.Equal(t, "t1", id)

	absent := Capture(context.Background())
	assert.Equal(t, "<none>", absent.String())
	_, ok = FromContext(absent.Restore(WithTenant(context.Background(), "t2")))
	assert.False(t, ok)
}

func TestStatic_SameForEveryTenant(t *testing.T) {
	conn := &fakeConn{}
	p := Static(conn)

	a, err := p.GetConnection(WithTenant(context.Background(), "a"))
	require.NoError(t, err)
	b, err := p.GetConnection(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestMultiTenantProvider_ExactlyOncePerTenant(t *testing.T) {
	var calls atomic.Int32
	p, err := NewMultiTenantProvider(func(ctx context.Context, id string, ok bool) (*fakeConn, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return &fakeConn{tenant: id}, nil
	})
	require.NoError(t, err)

	const goroutines = 32
	results := make([]*fakeConn, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := p.GetConnection(WithTenant(context.Background(), "acme"))
			assert.NoError(t, err)
			results[i] = conn
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, conn := range results {
		assert.Same(t, results[0], conn)
	}
	assert.Equal(t, 1, p.Len())
}

func TestMultiTenantProvider_AbsentTenantHasOwnSlot(t *testing.T) {
	var seen []string
	p, err := NewMultiTenantProvider(func(ctx context.Context, id string, ok bool) (*fakeConn, error) {
		if !ok {
			seen = append(seen, "absent")
			return &fakeConn{tenant: "default"}, nil
		}
		seen = append(seen, id)
		return &fakeConn{tenant: id}, nil
	})
	require.NoError(t, err)

	absent, err := p.GetConnection(context.Background())
	require.NoError(t, err)
	empty, err := p.GetConnection(WithTenant(context.Background(), ""))
	require.NoError(t, err)
	again, err := p.GetConnection(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "default", absent.tenant)
	assert.NotSame(t, absent, empty)
	assert.Same(t, absent, again)
	assert.Equal(t, []string{"absent", ""}, seen)
}

func TestMultiTenantProvider_FailureNotCached(t *testing.T) {
	fail := true
	p, err := NewMultiTenantProvider(func(ctx context.Context, id string, ok bool) (*fakeConn, error) {
		if fail {
			return nil, errors.New("dial failed")
		}
		return &fakeConn{tenant: id}, nil
	}, WithName("postgres"))
	require.NoError(t, err)

	ctx := WithTenant(context.Background(), "acme")
	_, err = p.GetConnection(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial failed")
	assert.Equal(t, 0, p.Len())

	fail = false
	conn, err := p.GetConnection(ctx)
	require.NoError(t, err)
	assert.Equal(t, "acme", conn.tenant)
}

func TestMultiTenantProvider_EvictAndReset(t *testing.T) {
	p, err := NewMultiTenantProvider(func(ctx context.Context, id string, ok bool) (*fakeConn, error) {
		return &fakeConn{tenant: id}, nil
	})
	require.NoError(t, err)

	a, err := p.GetConnection(WithTenant(context.Background(), "a"))
	require.NoError(t, err)
	b, err := p.GetConnection(WithTenant(context.Background(), "b"))
	require.NoError(t, err)
	require.Equal(t, 2, p.Len())

	require.NoError(t, p.Evict("a"))
	assert.True(t, a.closed.Load())
	assert.Equal(t, 1, p.Len())
	require.NoError(t, p.Evict("missing"))

	a2, err := p.GetConnection(WithTenant(context.Background(), "a"))
	require.NoError(t, err)
	assert.NotSame(t, a, a2)

	require.NoError(t, p.Close())
	assert.True(t, b.closed.Load())
	assert.True(t, a2.closed.Load())
	assert.Equal(t, 0, p.Len())
}

func TestNewMultiTenantProvider_RequiresMapping(t *testing.T) {
	_, err := NewMultiTenantProvider[*fakeConn](nil)
	assert.Error(t, err)
}
