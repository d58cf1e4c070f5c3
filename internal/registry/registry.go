// Package registry implements the Downstream Registry: the map from
// clientID to the connection currently allowed to receive that client's
// responses, keyed additionally by an opaque wsEpoch so a reconnect can
// supersede a stale connection cleanly.
package registry

import (
	"sync"

	"github.com/syncbridge/mutsync/internal/wire"
)

// OutputStream is the per-client downstream channel handed to a transport
// layer's consumer. It is cancellable by the consumer (Cancel) and failable
// by the producer (Fail); both are terminal and idempotent.
//
// The messages channel is deliberately never closed: a consumer must select
// on Messages() and Done() together (as internal/httpapi's stream handler
// does), not range over Messages() alone. This sidesteps the
// send-on-closed-channel race that a close-on-end design would have against
// a concurrent blocking push.
type OutputStream struct {
	messages chan wire.DownstreamMessage
	done     chan struct{}
	err      chan error // buffered 1; set at most once, read by the consumer after done closes

	mu       sync.Mutex
	finished bool
}

func newOutputStream() *OutputStream {
	return &OutputStream{
		messages: make(chan wire.DownstreamMessage, 32),
		done:     make(chan struct{}),
		err:      make(chan error, 1),
	}
}

// Messages returns the channel of pending downstream messages.
func (o *OutputStream) Messages() <-chan wire.DownstreamMessage { return o.messages }

// Done is closed when the stream has ended for any reason.
func (o *OutputStream) Done() <-chan struct{} { return o.done }

// Err returns the failure reason, if the stream ended via Fail. Returns nil
// for a clean Cancel/Replace ("done" with no error).
func (o *OutputStream) Err() error {
	select {
	case err := <-o.err:
		o.err <- err // put it back so repeated calls still see it
		return err
	default:
		return nil
	}
}

// Push delivers msg, blocking until the consumer makes room (backpressure)
// or the stream ends. Returns false if the stream had already
// ended before (or while) delivering. Called by the Response Fan-Out.
func (o *OutputStream) Push(msg wire.DownstreamMessage) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.messages <- msg:
		return true
	case <-o.done:
		return false
	}
}

func (o *OutputStream) end(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished {
		return
	}
	o.finished = true
	if err != nil {
		o.err <- err
	}
	close(o.done)
}

// Cancel ends the stream cleanly, as if the consumer walked away. Safe to
// call more than once.
func (o *OutputStream) Cancel() { o.end(nil) }

// Fail ends the stream with a terminal error (typically *wire.InvalidPushError).
// Safe to call more than once; only the first call's error is kept.
func (o *OutputStream) Fail(err error) { o.end(err) }

type entry struct {
	clientID   string
	wsEpoch    string
	userParams map[string]string
	output     *OutputStream
}

// Registry maps clientID to the single live ClientConnection for that
// client (invariant 3). It is the only place the per-client output stream
// for fan-out is looked up.
type Registry struct {
	mu      sync.RWMutex
	byClient map[string]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byClient: make(map[string]*entry)}
}

// InitConnection installs a new ClientConnection for clientID at wsEpoch.
// If an entry already exists for clientID with a *different* wsEpoch, its
// output stream is cancelled (ending that consumer's iteration with "done",
// no error) before the new one is installed. Calling InitConnection twice
// with the same (clientID, wsEpoch) is a programming error.
func (r *Registry) InitConnection(clientID, wsEpoch string, userParams map[string]string) (*OutputStream, error) {
	r.mu.Lock()
	existing, ok := r.byClient[clientID]
	if ok && existing.wsEpoch == wsEpoch {
		r.mu.Unlock()
		return nil, &wire.ErrDuplicateConnection{ClientID: clientID, WSEpoch: wsEpoch}
	}
	var stale *OutputStream
	if ok {
		stale = existing.output
	}

	out := newOutputStream()
	e := &entry{clientID: clientID, wsEpoch: wsEpoch, userParams: userParams, output: out}
	r.byClient[clientID] = e
	r.mu.Unlock()

	if stale != nil {
		stale.Cancel()
	}

	return out, nil
}

// Get returns the live entry for clientID, if any. Used by the Fan-Out to
// find the stream to push to.
func (r *Registry) Get(clientID string) (output *OutputStream, userParams map[string]string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byClient[clientID]
	if !ok {
		return nil, nil, false
	}
	return e.output, e.userParams, true
}

// Remove deletes clientID's entry if it still points at stream (i.e. it
// hasn't already been replaced by a newer epoch). The transport layer's
// cleanup callback should call this when a consumer cancels its iteration,
// so fan-out for a departed client silently becomes a no-op rather than a
// leak.
func (r *Registry) Remove(clientID string, stream *OutputStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byClient[clientID]; ok && e.output == stream {
		delete(r.byClient, clientID)
	}
}
