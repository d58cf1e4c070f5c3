package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/syncbridge/mutsync/internal/dispatch"
	"github.com/syncbridge/mutsync/internal/registry"
	"github.com/syncbridge/mutsync/internal/wire"
)

// blockingDispatcher blocks its first Send call until released, so a test
// can enqueue further pushes while one dispatch is in flight and observe
// them arrive coalesced in the second call.
type blockingDispatcher struct {
	mu      sync.Mutex
	calls   []*wire.PushEntry
	started chan struct{}
	release chan struct{}
}

func newBlockingDispatcher() *blockingDispatcher {
	return &blockingDispatcher{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (d *blockingDispatcher) Send(ctx context.Context, entry *wire.PushEntry, conn dispatch.ConnParams) (*wire.PushResponse, error) {
	d.mu.Lock()
	d.calls = append(d.calls, entry)
	first := len(d.calls) == 1
	d.mu.Unlock()

	if first {
		close(d.started)
		<-d.release
	}

	results := make([]wire.MutationResult, len(entry.Push.Mutations))
	for i, m := range entry.Push.Mutations {
		results[i] = wire.MutationResult{ID: wire.MutationID{ClientID: m.ClientID, ID: m.ID}}
	}
	return &wire.PushResponse{Kind: wire.ResponseOk, Mutations: results}, nil
}

func (d *blockingDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *blockingDispatcher) call(i int) *wire.PushEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[i]
}

func singleMutationEntry(clientID string, id int64) *wire.PushEntry {
	return &wire.PushEntry{
		ClientID: clientID,
		Push: wire.PushBody{
			ClientGroupID: "cg1",
			PushVersion:   1,
			Mutations: []wire.Mutation{
				{Kind: wire.MutationKindCustom, ClientID: clientID, ID: id, Name: "todos/add"},
			},
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition was not met before the timeout")
}

// TestRunCoalescesPushesThatArriveDuringDispatch reproduces the scenario
// where a slow upstream causes several pushes to pile up in the queue: the
// first dispatcher call carries the one push that was already in flight, and
// everything that queued up while it was blocked is coalesced into exactly
// one second call.
func TestRunCoalescesPushesThatArriveDuringDispatch(t *testing.T) {
	d := newBlockingDispatcher()
	reg := registry.New()
	c := New(d, reg)

	out, err := c.InitConnection("c1", "epoch-1", dispatch.ConnParams{})
	if err != nil {
		t.Fatalf("InitConnection: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(context.Background()) }()

	c.EnqueuePush(singleMutationEntry("c1", 1))

	select {
	case <-d.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first dispatch call never started")
	}

	c.EnqueuePush(singleMutationEntry("c1", 2))
	c.EnqueuePush(singleMutationEntry("c1", 3))
	c.EnqueuePush(singleMutationEntry("c1", 4))

	close(d.release)

	waitFor(t, 2*time.Second, func() bool { return d.callCount() >= 2 })

	if got := d.callCount(); got != 2 {
		t.Fatalf("expected exactly 2 dispatcher calls, got %d", got)
	}
	if got := len(d.call(0).Push.Mutations); got != 1 {
		t.Fatalf("first call should carry the single already-queued mutation, got %d", got)
	}
	if got := len(d.call(1).Push.Mutations); got != 3 {
		t.Fatalf("second call should coalesce the 3 pushes queued during dispatch, got %d", got)
	}
	for i, want := range []int64{2, 3, 4} {
		if got := d.call(1).Push.Mutations[i].ID; got != want {
			t.Fatalf("coalesced mutation order mismatch at %d: got %d want %d", i, got, want)
		}
	}

	// Both responses were fanned out to c1's stream: one for mutation 1,
	// one for mutations 2-4.
	select {
	case msg := <-out.Messages():
		if msg.Response.Mutations[0].ID.ID != 1 {
			t.Fatalf("unexpected first fan-out message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive the first push's fanned-out result")
	}
	select {
	case msg := <-out.Messages():
		if len(msg.Response.Mutations) != 3 {
			t.Fatalf("unexpected second fan-out message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive the coalesced push's fanned-out result")
	}

	c.Stop()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

// TestRunStopsOnContextCancellation verifies the errgroup watcher converts
// an external context cancellation into a clean shutdown of the run loop.
func TestRunStopsOnContextCancellation(t *testing.T) {
	d := newBlockingDispatcher()
	close(d.release) // never actually blocks anything in this test
	reg := registry.New()
	c := New(d, reg)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	cancel()

	select {
	case err := <-runErr:
		if err == nil {
			t.Fatal("expected Run to surface the cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// TestRemoveConnectionIgnoresStaleStream verifies a cleanup callback racing
// against an epoch replacement does not evict the newer connection's state.
func TestRemoveConnectionIgnoresStaleStream(t *testing.T) {
	reg := registry.New()
	c := New(newBlockingDispatcher(), reg)

	out1, err := c.InitConnection("c1", "epoch-1", dispatch.ConnParams{URL: "http://first"})
	if err != nil {
		t.Fatalf("InitConnection: %v", err)
	}
	if _, err := c.InitConnection("c1", "epoch-2", dispatch.ConnParams{URL: "http://second"}); err != nil {
		t.Fatalf("InitConnection: %v", err)
	}

	c.RemoveConnection("c1", out1)

	c.mu.Lock()
	conn, ok := c.conns["c1"]
	c.mu.Unlock()
	if !ok || conn.URL != "http://second" {
		t.Fatalf("stale RemoveConnection must not evict the newer connection's params, got %+v ok=%v", conn, ok)
	}
}
