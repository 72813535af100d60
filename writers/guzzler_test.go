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

package writers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/tenant"
)

type observed struct {
	tenant  string
	records []gopersist.Record
	wi      string
}

// recordingAppender remembers every call with the tenant it ran under.
type recordingAppender struct {
	mu    sync.Mutex
	calls []observed
	fail  func(gopersist.Record) error
}

func (a *recordingAppender) observe(ctx context.Context, records []gopersist.Record, wi string) error {
	if a.fail != nil {
		for _, r := range records {
			if err := a.fail(r); err != nil {
				return err
			}
		}
	}
	id, _ := tenant.FromContext(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, observed{tenant: id, records: records, wi: wi})
	return nil
}

func (a *recordingAppender) Create(ctx context.Context, record gopersist.Record, wi string) (gopersist.Record, error) {
	return record, a.observe(ctx, []gopersist.Record{record}, wi)
}

func (a *recordingAppender) CreateAll(ctx context.Context, records []gopersist.Record, wi string) ([]gopersist.Record, error) {
	return records, a.observe(ctx, records, wi)
}

func (a *recordingAppender) snapshot() []observed {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]observed(nil), a.calls...)
}

func fastGuzzler(t *testing.T, appender gopersist.GeneralAppender[string], opts ...GuzzlerOption) *QueueGuzzler[string] {
	t.Helper()
	base := []GuzzlerOption{
		WithInitialDelay(0),
		WithFixedDelay(time.Millisecond),
		WithPollTimeout(time.Millisecond),
		WithGuzzlerLogger(zaptest.NewLogger(t)),
	}
	g, err := NewQueueGuzzler[string](appender, append(base, opts...)...)
	require.NoError(t, err)
	return g
}

func TestQueueGuzzler_RestoresEnqueueTenant(t *testing.T) {
	appender := &recordingAppender{}
	g := fastGuzzler(t, appender, WithWorkers(3))

	var wg sync.WaitGroup
	for _, id := range []string{"T1", "T2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ctx := tenant.WithTenant(context.Background(), id)
			assert.NoError(t, g.Enqueue(ctx, gopersist.Record{"owner": id}, "wi-"+id))
		}(id)
	}
	wg.Wait()
	require.NoError(t, g.EnqueueAll(tenant.WithTenant(context.Background(), "T3"), []gopersist.Record{{"owner": "T3"}, {"owner": "T3"}}, "wi-T3"))
	require.NoError(t, g.Enqueue(context.Background(), gopersist.Record{"owner": ""}, "wi-"))

	require.Eventually(t, func() bool { return len(appender.snapshot()) == 4 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, g.Close())

	for _, call := range appender.snapshot() {
		for _, rec := range call.records {
			assert.Equal(t, rec["owner"], call.tenant)
		}
		assert.Equal(t, "wi-"+call.tenant, call.wi)
	}
}

func TestQueueGuzzler_FIFOWithinQueue(t *testing.T) {
	appender := &recordingAppender{}
	g := fastGuzzler(t, appender)

	for i := 0; i < 20; i++ {
		require.NoError(t, g.Enqueue(context.Background(), gopersist.Record{"n": i}, "wi"))
	}
	require.Eventually(t, func() bool { return len(appender.snapshot()) == 20 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, g.Close())

	for i, call := range appender.snapshot() {
		assert.Equal(t, i, call.records[0]["n"])
	}
}

func TestQueueGuzzler_Backpressure(t *testing.T) {
	g, err := NewQueueGuzzler[string](&recordingAppender{}, WithInitialDelay(time.Hour))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < QueueCapacity; i++ {
		require.NoError(t, g.Enqueue(ctx, gopersist.Record{"n": i}, "wi"))
	}
	assert.ErrorIs(t, g.Enqueue(ctx, gopersist.Record{}, "wi"), gopersist.ErrQueueFull)
	assert.NoError(t, g.EnqueueAll(ctx, []gopersist.Record{{}}, "wi"))

	single, multi := g.Len()
	assert.Equal(t, QueueCapacity, single)
	assert.Equal(t, 1, multi)

	require.NoError(t, g.Close())
	assert.Equal(t, []WorkerState{WorkerStopped}, g.WorkerStates())
	assert.ErrorIs(t, g.Enqueue(ctx, gopersist.Record{}, "wi"), ErrGuzzlerClosed)
}

func TestQueueGuzzler_DrainPolicy(t *testing.T) {
	boom := errors.New("backend down")
	failFirst := func(r gopersist.Record) error {
		if r["n"] == 0 {
			return boom
		}
		return nil
	}

	t.Run("terminate", func(t *testing.T) {
		appender := &recordingAppender{fail: failFirst}
		g := fastGuzzler(t, appender)
		require.NoError(t, g.Enqueue(context.Background(), gopersist.Record{"n": 0}, "wi"))
		require.NoError(t, g.Enqueue(context.Background(), gopersist.Record{"n": 1}, "wi"))

		require.Eventually(t, func() bool { return g.WorkerStates()[0] == WorkerTerminated }, 2*time.Second, 5*time.Millisecond)
		single, _ := g.Len()
		assert.Equal(t, 1, single)
		err := g.Close()
		var concErr *gopersist.ConcurrencyError
		require.ErrorAs(t, err, &concErr)
		assert.Equal(t, 0, concErr.Worker)
		assert.ErrorIs(t, err, boom)

		// the second record is never drained; Close drops it
		assert.Empty(t, appender.snapshot())
		single, _ = g.Len()
		assert.Equal(t, 0, single)
		assert.Equal(t, []WorkerState{WorkerTerminated}, g.WorkerStates())
	})

	t.Run("continue", func(t *testing.T) {
		appender := &recordingAppender{fail: failFirst}
		g := fastGuzzler(t, appender, WithDrainPolicy(DrainContinue))
		require.NoError(t, g.Enqueue(context.Background(), gopersist.Record{"n": 0}, "wi"))
		require.NoError(t, g.Enqueue(context.Background(), gopersist.Record{"n": 1}, "wi"))

		require.Eventually(t, func() bool { return len(appender.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.NoError(t, g.Close())
		assert.Equal(t, 1, appender.snapshot()[0].records[0]["n"])
	})
}

func TestQueueGuzzler_RecoversPanics(t *testing.T) {
	appender := &recordingAppender{fail: func(gopersist.Record) error { panic("nil map") }}
	g := fastGuzzler(t, appender)
	require.NoError(t, g.EnqueueAll(context.Background(), []gopersist.Record{{"n": 1}}, "wi"))

	require.Eventually(t, func() bool { return g.WorkerStates()[0] == WorkerTerminated }, 2*time.Second, 5*time.Millisecond)
	err := g.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in appender: nil map")
}

func TestAsyncAppender(t *testing.T) {
	appender := &recordingAppender{}
	async := NewAsyncAppender(fastGuzzler(t, appender))
	ctx := tenant.WithTenant(context.Background(), "acme")

	rec, err := async.Create(ctx, gopersist.Record{"id": 1}, "wi")
	require.NoError(t, err)
	assert.Equal(t, gopersist.Record{"id": 1}, rec)
	recs, err := async.CreateAll(ctx, []gopersist.Record{{"id": 2}}, "wi")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	require.Eventually(t, func() bool { return len(appender.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, async.Close())
	for _, call := range appender.snapshot() {
		assert.Equal(t, "acme", call.tenant)
	}
}

func TestQueueGuzzler_Flush(t *testing.T) {
	appender := &recordingAppender{}
	g := fastGuzzler(t, appender, WithWorkers(2))
	for i := 0; i < 10; i++ {
		require.NoError(t, g.Enqueue(context.Background(), gopersist.Record{"n": i}, "wi"))
	}
	require.NoError(t, g.EnqueueAll(context.Background(), []gopersist.Record{{"n": 10}}, "wi"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.Flush(ctx))
	assert.Len(t, appender.snapshot(), 11)
	require.NoError(t, g.Close())

	idle, err := NewQueueGuzzler[string](appender, WithInitialDelay(time.Hour))
	require.NoError(t, err)
	require.NoError(t, idle.Enqueue(context.Background(), gopersist.Record{}, "wi"))
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, idle.Flush(short), context.DeadlineExceeded)
	require.NoError(t, idle.Close())
	assert.Equal(t, int64(0), idle.pending.Load())
	assert.ErrorIs(t, idle.Flush(context.Background()), ErrGuzzlerClosed)
}

func TestQueueGuzzler_FlushWithoutWorkers(t *testing.T) {
	appender := &recordingAppender{fail: func(gopersist.Record) error { return errors.New("backend down") }}
	g := fastGuzzler(t, appender)
	require.NoError(t, g.Enqueue(context.Background(), gopersist.Record{"n": 0}, "wi"))
	require.NoError(t, g.Enqueue(context.Background(), gopersist.Record{"n": 1}, "wi"))
	require.Eventually(t, func() bool { return g.WorkerStates()[0] == WorkerTerminated }, 2*time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- g.Flush(context.Background()) }()
	select {
	case err := <-done:
		var concErr *gopersist.ConcurrencyError
		require.ErrorAs(t, err, &concErr)
		assert.Equal(t, "flush", concErr.Op)
		assert.ErrorIs(t, err, ErrNoWorkers)
	case <-time.After(2 * time.Second):
		t.Fatal("Flush did not return with every worker terminated")
	}
	assert.Error(t, g.Close())
}

func TestQueueGuzzler_EnqueueRacingClose(t *testing.T) {
	appender := &recordingAppender{}
	g := fastGuzzler(t, appender, WithWorkers(2))

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := g.Enqueue(context.Background(), gopersist.Record{}, "wi")
				if errors.Is(err, ErrGuzzlerClosed) {
					return
				}
				if err == nil {
					accepted.Add(1)
				}
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, g.Close())
	wg.Wait()

	single, multi := g.Len()
	assert.Zero(t, single+multi, "nothing is left in a closed queue")
	assert.Equal(t, int64(0), g.pending.Load())
	assert.LessOrEqual(t, int64(len(appender.snapshot())), accepted.Load())
}

func TestParseDrainPolicy(t *testing.T) {
	p, err := ParseDrainPolicy("Continue")
	require.NoError(t, err)
	assert.Equal(t, DrainContinue, p)
	p, err = ParseDrainPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DrainTerminate, p)
	_, err = ParseDrainPolicy("restart")
	var cfgErr *gopersist.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
