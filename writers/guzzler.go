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
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aaronlmathis/gopersist"
	"github.com/aaronlmathis/gopersist/tenant"
)

// QueueCapacity is the fixed size of each guzzler queue.
const QueueCapacity = 1000

var (
	// ErrGuzzlerClosed is returned by Enqueue and Flush after Close.
	ErrGuzzlerClosed = errors.New("queue guzzler is closed")
	// ErrNoWorkers is wrapped by Flush when every worker has terminated.
	ErrNoWorkers = errors.New("no drain worker left")
)

// DrainPolicy decides what a worker does when a drained write fails.
type DrainPolicy int

const (
	// DrainTerminate stops the failing worker for good. Its error is returned by Close.
	DrainTerminate DrainPolicy = iota
	// DrainContinue logs the failure, drops the item and keeps polling.
	DrainContinue
)

func (p DrainPolicy) String() string {
	if p == DrainContinue {
		return "continue"
	}
	return "terminate"
}

// ParseDrainPolicy maps "terminate" and "continue" to a DrainPolicy. Empty means terminate.
func ParseDrainPolicy(s string) (DrainPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "terminate":
		return DrainTerminate, nil
	case "continue":
		return DrainContinue, nil
	}
	return DrainTerminate, &gopersist.ConfigurationError{Op: "drain_policy", Err: fmt.Errorf("unknown drain policy %q", s)}
}

// WorkerState is the lifecycle state of one drain worker.
type WorkerState int32

const (
	WorkerPolling WorkerState = iota
	WorkerDraining
	WorkerTerminated
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerPolling:
		return "polling"
	case WorkerDraining:
		return "draining"
	case WorkerTerminated:
		return "terminated"
	case WorkerStopped:
		return "stopped"
	}
	return fmt.Sprintf("WorkerState(%d)", int32(s))
}

type guzzlerOptions struct {
	workers      int
	initialDelay time.Duration
	fixedDelay   time.Duration
	pollTimeout  time.Duration
	policy       DrainPolicy
	logger       *zap.Logger
}

// GuzzlerOption configures a QueueGuzzler.
type GuzzlerOption func(*guzzlerOptions)

// WithWorkers sets the number of drain workers. Values below 1 are ignored.
func WithWorkers(n int) GuzzlerOption {
	return func(o *guzzlerOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithInitialDelay sets how long workers wait before their first cycle.
func WithInitialDelay(d time.Duration) GuzzlerOption {
	return func(o *guzzlerOptions) { o.initialDelay = d }
}

// WithFixedDelay sets the pause between the end of one cycle and the start of the next.
func WithFixedDelay(d time.Duration) GuzzlerOption {
	return func(o *guzzlerOptions) { o.fixedDelay = d }
}

// WithPollTimeout sets how long a cycle waits on each queue.
func WithPollTimeout(d time.Duration) GuzzlerOption {
	return func(o *guzzlerOptions) { o.pollTimeout = d }
}

// WithDrainPolicy sets the failure policy.
func WithDrainPolicy(p DrainPolicy) GuzzlerOption {
	return func(o *guzzlerOptions) { o.policy = p }
}

// WithGuzzlerLogger sets the logger.
func WithGuzzlerLogger(logger *zap.Logger) GuzzlerOption {
	return func(o *guzzlerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

type queued[T, WI any] struct {
	payload T
	wi      WI
	tenant  tenant.Snapshot
}

// QueueGuzzler buffers writes in two bounded queues, one for single records and one
// for caller-built batches, and drains them into an appender from background workers.
//
// The tenant active at enqueue time is restored around the appender call, whichever
// worker picks the item up. Items from the two queues have no relative order.
type QueueGuzzler[WI any] struct {
	appender gopersist.GeneralAppender[WI]
	opts     guzzlerOptions

	single chan queued[gopersist.Record, WI]
	multi  chan queued[[]gopersist.Record, WI]

	// sendMu orders enqueues against Close: no send happens once closed is set.
	sendMu  sync.RWMutex
	pending atomic.Int64
	states  []atomic.Int32
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once
	group   errgroup.Group
	err     error
}

// NewQueueGuzzler starts the workers. Defaults: one worker, 30s initial delay,
// 1s between cycles, 10ms poll timeout, DrainTerminate.
func NewQueueGuzzler[WI any](appender gopersist.GeneralAppender[WI], opts ...GuzzlerOption) (*QueueGuzzler[WI], error) {
	if appender == nil {
		return nil, &gopersist.ConfigurationError{Op: "queue_guzzler", Err: errors.New("appender is required")}
	}
	o := guzzlerOptions{
		workers:      1,
		initialDelay: 30 * time.Second,
		fixedDelay:   time.Second,
		pollTimeout:  10 * time.Millisecond,
		policy:       DrainTerminate,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	g := &QueueGuzzler[WI]{
		appender: appender,
		opts:     o,
		single:   make(chan queued[gopersist.Record, WI], QueueCapacity),
		multi:    make(chan queued[[]gopersist.Record, WI], QueueCapacity),
		states:   make([]atomic.Int32, o.workers),
		done:     make(chan struct{}),
	}
	for i := 0; i < o.workers; i++ {
		id := i
		g.group.Go(func() error { return g.run(id) })
	}
	o.logger.Info("queue guzzler started",
		zap.Int("workers", o.workers),
		zap.Duration("initial_delay", o.initialDelay),
		zap.Duration("fixed_delay", o.fixedDelay),
		zap.Stringer("drain_policy", o.policy))
	return g, nil
}

// Enqueue queues record for Create under the tenant carried by ctx.
// A full queue returns ErrQueueFull at once.
func (g *QueueGuzzler[WI]) Enqueue(ctx context.Context, record gopersist.Record, wi WI) error {
	g.sendMu.RLock()
	defer g.sendMu.RUnlock()
	if g.closed.Load() {
		return ErrGuzzlerClosed
	}
	g.pending.Add(1)
	select {
	case g.single <- queued[gopersist.Record, WI]{payload: record, wi: wi, tenant: tenant.Capture(ctx)}:
		return nil
	default:
		g.pending.Add(-1)
		return gopersist.ErrQueueFull
	}
}

// EnqueueAll queues records as one CreateAll call. The slice is copied, so the caller may reuse it.
func (g *QueueGuzzler[WI]) EnqueueAll(ctx context.Context, records []gopersist.Record, wi WI) error {
	g.sendMu.RLock()
	defer g.sendMu.RUnlock()
	if g.closed.Load() {
		return ErrGuzzlerClosed
	}
	batch := make([]gopersist.Record, len(records))
	copy(batch, records)
	g.pending.Add(1)
	select {
	case g.multi <- queued[[]gopersist.Record, WI]{payload: batch, wi: wi, tenant: tenant.Capture(ctx)}:
		return nil
	default:
		g.pending.Add(-1)
		return gopersist.ErrQueueFull
	}
}

// Len returns the number of queued single records and batches.
func (g *QueueGuzzler[WI]) Len() (single, multi int) {
	return len(g.single), len(g.multi)
}

// Flush waits until every item queued so far has been handed to the appender,
// successfully or not. It returns ErrGuzzlerClosed once the guzzler is closed, and a
// *gopersist.ConcurrencyError wrapping ErrNoWorkers (Worker -1) when items are pending
// but every worker has terminated.
func (g *QueueGuzzler[WI]) Flush(ctx context.Context) error {
	interval := g.opts.pollTimeout
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if g.closed.Load() {
			return ErrGuzzlerClosed
		}
		n := g.pending.Load()
		if n <= 0 {
			return nil
		}
		if !g.anyWorkerAlive() {
			return &gopersist.ConcurrencyError{Worker: -1, Op: "flush", Err: fmt.Errorf("%w: %d items pending", ErrNoWorkers, n)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *QueueGuzzler[WI]) anyWorkerAlive() bool {
	for _, state := range g.WorkerStates() {
		if state != WorkerTerminated && state != WorkerStopped {
			return true
		}
	}
	return false
}

// WorkerStates returns the current state of every worker.
func (g *QueueGuzzler[WI]) WorkerStates() []WorkerState {
	out := make([]WorkerState, len(g.states))
	for i := range g.states {
		out[i] = WorkerState(g.states[i].Load())
	}
	return out
}

// Close stops the workers, waits for them and returns the first worker error.
// Items still queued are dropped.
func (g *QueueGuzzler[WI]) Close() error {
	g.once.Do(func() {
		g.sendMu.Lock()
		g.closed.Store(true)
		g.sendMu.Unlock()

		close(g.done)
		g.err = g.group.Wait()
		if single, multi := g.discard(); single+multi > 0 {
			g.opts.logger.Warn("queue guzzler closed with pending items", zap.Int("single", single), zap.Int("multi", multi))
		}
	})
	return g.err
}

// discard empties both queues after the workers are gone.
func (g *QueueGuzzler[WI]) discard() (single, multi int) {
	for {
		select {
		case <-g.single:
			single++
		case <-g.multi:
			multi++
		default:
			g.pending.Add(-int64(single + multi))
			return single, multi
		}
	}
}

func (g *QueueGuzzler[WI]) run(id int) error {
	log := g.opts.logger.With(zap.Int("worker", id))
	timer := time.NewTimer(g.opts.initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-g.done:
			g.states[id].Store(int32(WorkerStopped))
			return nil
		case <-timer.C:
		}

		if err := g.cycle(id); err != nil {
			if g.opts.policy == DrainTerminate {
				g.states[id].Store(int32(WorkerTerminated))
				log.Error("drain failed, worker terminated", zap.Error(err))
				return &gopersist.ConcurrencyError{Worker: id, Op: "drain", Err: err}
			}
			log.Error("drain failed, item dropped", zap.Error(err))
		}
		g.states[id].Store(int32(WorkerPolling))
		timer.Reset(g.opts.fixedDelay)
	}
}

// cycle drains at most one item from each queue.
func (g *QueueGuzzler[WI]) cycle(id int) error {
	if item, ok := poll(g.single, g.opts.pollTimeout, g.done); ok {
		g.states[id].Store(int32(WorkerDraining))
		if err := g.drain(item.tenant, func(ctx context.Context) error {
			_, err := g.appender.Create(ctx, item.payload, item.wi)
			return err
		}); err != nil {
			return err
		}
	}
	if item, ok := poll(g.multi, g.opts.pollTimeout, g.done); ok {
		g.states[id].Store(int32(WorkerDraining))
		return g.drain(item.tenant, func(ctx context.Context) error {
			_, err := g.appender.CreateAll(ctx, item.payload, item.wi)
			return err
		})
	}
	return nil
}

func (g *QueueGuzzler[WI]) drain(snapshot tenant.Snapshot, write func(context.Context) error) (err error) {
	defer func() {
		g.pending.Add(-1)
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in appender: %v", r)
		}
	}()
	return write(snapshot.Restore(context.Background()))
}

func poll[T any](ch <-chan T, timeout time.Duration, done <-chan struct{}) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case v := <-ch:
		return v, true
	case <-t.C:
	case <-done:
	}
	var zero T
	return zero, false
}

// AsyncAppender is a fire-and-forget GeneralAppender over a QueueGuzzler.
// Create and CreateAll return their input once it is queued; write failures
// are only visible in the guzzler's logs and Close error.
type AsyncAppender[WI any] struct {
	guzzler *QueueGuzzler[WI]
}

// NewAsyncAppender wraps g.
func NewAsyncAppender[WI any](g *QueueGuzzler[WI]) *AsyncAppender[WI] {
	return &AsyncAppender[WI]{guzzler: g}
}

func (a *AsyncAppender[WI]) Create(ctx context.Context, record gopersist.Record, wi WI) (gopersist.Record, error) {
	if err := a.guzzler.Enqueue(ctx, record, wi); err != nil {
		return nil, err
	}
	return record, nil
}

func (a *AsyncAppender[WI]) CreateAll(ctx context.Context, records []gopersist.Record, wi WI) ([]gopersist.Record, error) {
	if err := a.guzzler.EnqueueAll(ctx, records, wi); err != nil {
		return nil, err
	}
	return records, nil
}

// Flush waits for the underlying guzzler to hand over everything queued.
func (a *AsyncAppender[WI]) Flush(ctx context.Context) error {
	return a.guzzler.Flush(ctx)
}

// Close closes the underlying guzzler.
func (a *AsyncAppender[WI]) Close() error {
	return a.guzzler.Close()
}
