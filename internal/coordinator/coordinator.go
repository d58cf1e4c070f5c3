// Package coordinator implements the Coordinator/Service: the in-process
// owner of one client group's Bounded Work Queue and Downstream Registry. Its
// run loop dequeues pushes, drains whatever else has piled up, coalesces
// them, dispatches the batch upstream, and fans the reply back out to the
// originating clients' streams.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/syncbridge/mutsync/internal/coalesce"
	"github.com/syncbridge/mutsync/internal/debug"
	"github.com/syncbridge/mutsync/internal/dispatch"
	"github.com/syncbridge/mutsync/internal/fanout"
	"github.com/syncbridge/mutsync/internal/metrics"
	"github.com/syncbridge/mutsync/internal/queue"
	"github.com/syncbridge/mutsync/internal/registry"
	"github.com/syncbridge/mutsync/internal/telemetry"
	"github.com/syncbridge/mutsync/internal/wire"
)

// coordinatorTracer is the OTel tracer for run-loop and dispatch spans. It
// uses the global provider, a no-op until telemetry.Init runs.
var coordinatorTracer = otel.Tracer(telemetry.TracerName)

// upstream is the subset of *dispatch.Dispatcher the coordinator needs,
// narrowed so tests can drive it with a fake.
type upstream interface {
	Send(ctx context.Context, entry *wire.PushEntry, conn dispatch.ConnParams) (*wire.PushResponse, error)
}

// streamRegistry is the subset of *registry.Registry the coordinator needs.
type streamRegistry interface {
	InitConnection(clientID, wsEpoch string, userParams map[string]string) (*registry.OutputStream, error)
	Get(clientID string) (*registry.OutputStream, map[string]string, bool)
	Remove(clientID string, stream *registry.OutputStream)
}

// Coordinator owns one client group's queue and registry, and runs the
// dequeue-drain-coalesce-dispatch-fanout loop against them. One dispatcher
// call is ever in flight at a time: pushes that arrive mid-dispatch pile up
// in the queue and are coalesced together on the next iteration, which is
// the source of backpressure-driven batching under upstream load.
type Coordinator struct {
	queue      *queue.Queue
	registry   streamRegistry
	dispatcher upstream

	metrics *metrics.Metrics

	mu    sync.Mutex
	conns map[string]dispatch.ConnParams
}

// New returns a Coordinator that dispatches through d and fans responses out
// through reg.
func New(d upstream, reg streamRegistry) *Coordinator {
	return &Coordinator{
		queue:      queue.New(),
		registry:   reg,
		dispatcher: d,
		metrics:    metrics.New(),
		conns:      make(map[string]dispatch.ConnParams),
	}
}

// Metrics returns the coordinator's in-process metrics collector, for the
// doctor/status surfaces.
func (c *Coordinator) Metrics() *metrics.Metrics {
	return c.metrics
}

// InitConnection installs clientID's output stream at wsEpoch and remembers
// conn as the per-connection override (push URL/headers) to use when
// dispatching on its behalf.
func (c *Coordinator) InitConnection(clientID, wsEpoch string, conn dispatch.ConnParams) (*registry.OutputStream, error) {
	out, err := c.registry.InitConnection(clientID, wsEpoch, conn.Headers)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conns[clientID] = conn
	c.mu.Unlock()
	return out, nil
}

// RemoveConnection forgets clientID's connection overrides and evicts its
// registry entry, but only if stream is still the live one (an epoch
// replacement must not be undone by a stale cleanup callback).
func (c *Coordinator) RemoveConnection(clientID string, stream *registry.OutputStream) {
	current, _, ok := c.registry.Get(clientID)
	c.registry.Remove(clientID, stream)
	if ok && current == stream {
		c.mu.Lock()
		delete(c.conns, clientID)
		c.mu.Unlock()
	}
}

// EnqueuePush adds entry to the work queue. Never blocks.
func (c *Coordinator) EnqueuePush(entry *wire.PushEntry) {
	c.queue.Enqueue(entry)
}

// Stop enqueues the termination sentinel; Run's loop returns once it has
// drained and dispatched everything queued ahead of it.
func (c *Coordinator) Stop() {
	c.queue.Stop()
}

// QueueDepth reports the number of pushes currently buffered, for the queue
// depth gauge.
func (c *Coordinator) QueueDepth() int {
	return c.queue.Len()
}

// Run drives the loop until Stop is called, ctx is cancelled, or the loop
// itself fails unrecoverably. An errgroup supervises the loop alongside a
// watcher goroutine so that external cancellation and an internal panic both
// converge on the same shutdown path, with the first failure surfaced as
// Run's return value.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() (err error) {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("coordinator: run loop panicked: %v", r)
			}
		}()
		return c.runLoop(gctx)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			c.Stop()
			return gctx.Err()
		case <-done:
			return nil
		}
	})

	return g.Wait()
}

func (c *Coordinator) runLoop(ctx context.Context) error {
	for {
		first := c.queue.Dequeue()
		if wire.IsSentinel(first) {
			return nil
		}
		entries := append([]*wire.PushEntry{first}, c.queue.Drain()...)
		c.metrics.SetQueueDepth(ctx, c.queue.Len())

		iterCtx, span := coordinatorTracer.Start(ctx, "coordinator.run_loop_iteration",
			trace.WithAttributes(attribute.Int("mutsync.batch.raw_entries", len(entries))))

		batches, terminate, err := coalesce.Coalesce(entries)
		if err != nil {
			// Recovered locally: a coalescing invariant violation is a sign
			// of client-state confusion, not a coordinator fault. Fall back
			// to dispatching this cycle's entries uncoalesced rather than
			// losing them.
			debug.Logf("coordinator: coalesce invariant violation, dispatching uncoalesced this cycle: %v", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			batches, terminate = fallbackUncoalesced(entries)
		}

		for _, batch := range batches {
			c.dispatchBatch(iterCtx, batch)
		}
		span.End()
		if terminate {
			return nil
		}
	}
}

func (c *Coordinator) dispatchBatch(ctx context.Context, entry *wire.PushEntry) {
	start := time.Now()
	resp, err := c.dispatcher.Send(ctx, entry, c.connParams(entry.ClientID))
	c.metrics.RecordDispatchLatency(ctx, time.Since(start))
	if err != nil {
		debug.Logf("coordinator: dispatch failed for client %s: %v", entry.ClientID, err)
		return
	}
	c.recordOutcomes(ctx, resp)
	fanout.Dispatch(c.registry, resp)
}

func (c *Coordinator) recordOutcomes(ctx context.Context, resp *wire.PushResponse) {
	switch resp.Kind {
	case wire.ResponseFatal, wire.ResponseRetriable:
		c.metrics.RecordOutcome(ctx, resp.Error)
	case wire.ResponseOk:
		for _, m := range resp.Mutations {
			if m.Result.Error == "" {
				c.metrics.RecordOutcome(ctx, "ok")
			} else {
				c.metrics.RecordOutcome(ctx, m.Result.Error)
			}
		}
	}
}

func (c *Coordinator) connParams(clientID string) dispatch.ConnParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[clientID]
}

// fallbackUncoalesced mirrors Coalesce's own sentinel handling so a cycle
// that failed to coalesce still respects a trailing Stop().
func fallbackUncoalesced(entries []*wire.PushEntry) (batches []*wire.PushEntry, terminate bool) {
	for _, e := range entries {
		if wire.IsSentinel(e) {
			return batches, true
		}
		batches = append(batches, e)
	}
	return batches, false
}
