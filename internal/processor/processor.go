// Package processor implements the Mutation Processor: the application-side
// handler that applies one push's mutations against the relational store,
// one DB transaction per mutation, enforcing the monotonic per-client
// mutation ID and dispatching custom mutator functions.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/syncbridge/mutsync/internal/debug"
	"github.com/syncbridge/mutsync/internal/store"
	"github.com/syncbridge/mutsync/internal/wire"
)

// Params identifies the upstream schema and application a push targets,
// mirroring the query parameters the Upstream Dispatcher attaches to the
// request, plus the bearer token carried on the request's Authorization
// header.
type Params struct {
	Schema string
	AppID  string
	JWT    string
}

// transactor is the subset of *store.Store the processor needs, narrowed to
// an interface so it can be driven by a fake in tests without a real
// database connection.
type transactor interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error
}

// Processor applies PushBody mutations against a relational store.
type Processor struct {
	store    transactor
	mutators *Registry
}

// New returns a Processor backed by s, dispatching custom mutations through
// reg.
func New(s transactor, reg *Registry) *Processor {
	return &Processor{store: s, mutators: reg}
}

// Process applies body's mutations in order and returns the resulting
// PushResponse. An unsupported push version is reported as a Fatal
// PushResponse and everything else through the PushResponse's per-mutation
// results; the returned error is always nil.
func (p *Processor) Process(ctx context.Context, params Params, body wire.PushBody) (*wire.PushResponse, error) {
	if body.PushVersion != wire.SupportedPushVersion {
		return &wire.PushResponse{
			Kind:  wire.ResponseFatal,
			Error: wire.ErrKindUnsupportedPushVersion,
		}, nil
	}

	var results []wire.MutationResult
	for _, m := range body.Mutations {
		result, stop := p.applyOne(ctx, params.Schema, params.JWT, body.ClientGroupID, m)
		results = append(results, result)
		if stop {
			break
		}
	}

	return &wire.PushResponse{Kind: wire.ResponseOk, Mutations: results}, nil
}

// errDuplicateMutation and errOutOfOrderMutation are internal signals that
// make RunInTransaction roll back the speculative LMID increment: neither
// is a real failure, so applyOne must not run the error-mode retry for
// them. A mutator's own error is distinguished by identity against these.
var (
	errDuplicateMutation  = fmt.Errorf("processor: duplicate mutation")
	errOutOfOrderMutation = fmt.Errorf("processor: out-of-order mutation")
)

// applyOne applies a single mutation inside its own transaction. stop
// reports whether the caller must not process any further mutations in
// this push (an out-of-order ID or an app-level mutator error).
func (p *Processor) applyOne(ctx context.Context, schema, jwt, clientGroupID string, m wire.Mutation) (result wire.MutationResult, stop bool) {
	result.ID = wire.MutationID{ClientID: m.ClientID, ID: m.ID}

	var newLMID int64

	err := p.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		newLMID, err = store.UpsertIncrementLMID(ctx, tx, schema, clientGroupID, m.ClientID)
		if err != nil {
			return err
		}

		switch {
		case m.ID < newLMID:
			// Already applied. Roll back the speculative increment: this
			// push never happened.
			return errDuplicateMutation
		case m.ID > newLMID:
			// Out of order. Roll back; the gap must be resolved by the
			// client, not papered over by advancing the counter.
			return errOutOfOrderMutation
		default:
			return p.dispatch(ctx, schema, jwt, tx, m)
		}
	})

	switch {
	case err == nil:
		return wire.MutationResult{ID: result.ID}, false

	case errors.Is(err, errDuplicateMutation):
		return wire.MutationResult{ID: result.ID}, false

	case errors.Is(err, errOutOfOrderMutation):
		debug.Logf("processor: client %s sent mutation %d but expected %d", m.ClientID, m.ID, newLMID)
		return wire.MutationResult{
			ID: result.ID,
			Result: wire.MutationOutcome{
				Error:   wire.ErrKindOOOMutation,
				Details: (&wire.OOOMutationError{ClientID: m.ClientID, Got: m.ID, Expected: newLMID}).Error(),
			},
		}, true

	default:
		// The mutator failed inside its own transaction, which was rolled
		// back by RunInTransaction. Retry in error mode: a transaction that
		// only performs the LMID increment, so the client is never stuck
		// retrying a poisoned mutation forever.
		debug.Logf("processor: mutator error for client %s mutation %d: %v", m.ClientID, m.ID, err)
		if lmErr := p.recordErrorMode(ctx, schema, clientGroupID, m.ClientID); lmErr != nil {
			debug.Logf("processor: error-mode retry failed for client %s mutation %d: %v", m.ClientID, m.ID, lmErr)
		}
		return wire.MutationResult{
			ID: result.ID,
			Result: wire.MutationOutcome{
				Error:   wire.ErrKindApp,
				Details: err.Error(),
			},
		}, true
	}
}

// recordErrorMode reopens a transaction that performs only the LMID
// increment (no mutator call), so the client's next push for this
// clientID proceeds past the poisoned mutation.
func (p *Processor) recordErrorMode(ctx context.Context, schema, clientGroupID, clientID string) error {
	return p.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := store.UpsertIncrementLMID(ctx, tx, schema, clientGroupID, clientID)
		return err
	})
}

func (p *Processor) dispatch(ctx context.Context, schema, jwt string, tx store.Tx, m wire.Mutation) error {
	if m.Kind != wire.MutationKindCustom {
		return fmt.Errorf("processor: unsupported mutation kind %q", m.Kind)
	}

	namespace, name, err := splitMutatorName(m.Name)
	if err != nil {
		return err
	}
	fn, ok := p.mutators.lookup(namespace, name)
	if !ok {
		return fmt.Errorf("processor: no mutator registered for %s/%s", namespace, name)
	}

	mtx := &MutationTx{
		ClientID:   m.ClientID,
		MutationID: m.ID,
		JWT:        jwt,
		CRUD:       store.NewCRUD(schema, tx),
		Query:      store.NewQuery(schema, tx),
	}
	return fn(ctx, mtx, m.Args)
}

func splitMutatorName(name string) (namespace, short string, err error) {
	idx := strings.Index(name, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("processor: mutation name %q is not namespace/name", name)
	}
	return name[:idx], name[idx+1:], nil
}
