package queue

import (
	"testing"
	"time"

	"github.com/syncbridge/mutsync/internal/wire"
)

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New()
	done := make(chan *wire.PushEntry, 1)
	go func() { done <- q.Dequeue() }()

	select {
	case <-done:
		t.Fatal("Dequeue returned before any item was enqueued")
	case <-time.After(20 * time.Millisecond):
	}

	entry := &wire.PushEntry{ClientID: "c1"}
	q.Enqueue(entry)

	select {
	case got := <-done:
		if got != entry {
			t.Fatalf("got %v, want %v", got, entry)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock after Enqueue")
	}
}

func TestDrainNonBlockingAndFIFO(t *testing.T) {
	q := New()
	if got := q.Drain(); got != nil {
		t.Fatalf("Drain on empty queue returned %v, want nil", got)
	}

	e1 := &wire.PushEntry{ClientID: "c1"}
	e2 := &wire.PushEntry{ClientID: "c2"}
	q.Enqueue(e1)
	q.Enqueue(e2)

	got := q.Drain()
	if len(got) != 2 || got[0] != e1 || got[1] != e2 {
		t.Fatalf("Drain = %v, want [e1, e2] in order", got)
	}
	if got := q.Drain(); got != nil {
		t.Fatalf("second Drain returned %v, want nil", got)
	}
}

func TestStopSentinelThenDequeue(t *testing.T) {
	q := New()
	q.Enqueue(&wire.PushEntry{ClientID: "c1"})
	q.Stop()

	first := q.Dequeue()
	if wire.IsSentinel(first) {
		t.Fatal("sentinel dequeued before the prior entry")
	}
	second := q.Dequeue()
	if !wire.IsSentinel(second) {
		t.Fatal("expected sentinel as second item")
	}
}

func TestEnqueueAfterStopIsIgnored(t *testing.T) {
	q := New()
	q.Stop()
	q.Enqueue(&wire.PushEntry{ClientID: "late"})

	got := q.Dequeue()
	if !wire.IsSentinel(got) {
		t.Fatalf("expected only the sentinel to be observable, got %v", got)
	}
	if got := q.Drain(); got != nil {
		t.Fatalf("post-stop enqueue leaked into the queue: %v", got)
	}
}
