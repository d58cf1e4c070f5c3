// Package fanout implements the Response Fan-Out: it splits one upstream
// wire.PushResponse across the per-client output streams held by the
// Downstream Registry, honoring the fatal/retriable/ok classification.
package fanout

import (
	"github.com/syncbridge/mutsync/internal/debug"
	"github.com/syncbridge/mutsync/internal/registry"
	"github.com/syncbridge/mutsync/internal/wire"
)

// streamLookup resolves a clientID to its live output stream. Satisfied by
// *registry.Registry; narrowed to an interface so fanout tests don't need a
// full registry.
type streamLookup interface {
	Get(clientID string) (*registry.OutputStream, map[string]string, bool)
}

// Dispatch routes resp to the streams of every client named in it.
func Dispatch(reg streamLookup, resp *wire.PushResponse) {
	switch resp.Kind {
	case wire.ResponseFatal:
		dispatchFatal(reg, resp)
	case wire.ResponseRetriable:
		dispatchRetriable(reg, resp)
	case wire.ResponseOk:
		dispatchOk(reg, resp)
	}
}

func dispatchFatal(reg streamLookup, resp *wire.PushResponse) {
	for clientID := range groupIDsByClient(resp.MutationIDs) {
		out, _, ok := reg.Get(clientID)
		if !ok {
			continue
		}
		out.Fail(&wire.InvalidPushError{Reason: resp.Error})
	}
}

func dispatchRetriable(reg streamLookup, resp *wire.PushResponse) {
	for clientID, ids := range groupIDsByClient(resp.MutationIDs) {
		out, _, ok := reg.Get(clientID)
		if !ok {
			continue
		}
		out.Push(wire.NewPushResponseMessage(wire.PushResponse{
			Kind:        wire.ResponseRetriable,
			Error:       resp.Error,
			Status:      resp.Status,
			Details:     resp.Details,
			MutationIDs: ids,
		}))
	}
}

func dispatchOk(reg streamLookup, resp *wire.PushResponse) {
	for clientID, results := range groupResultsByClient(resp.Mutations) {
		out, _, ok := reg.Get(clientID)
		if !ok {
			continue
		}

		oooIdx := -1
		for i, r := range results {
			if r.Result.Error == wire.ErrKindOOOMutation {
				oooIdx = i
				break
			}
		}

		if oooIdx < 0 {
			out.Push(wire.NewPushResponseMessage(wire.PushResponse{
				Kind:      wire.ResponseOk,
				Mutations: results,
			}))
			continue
		}

		prefix := results[:oooIdx]
		if len(prefix) > 0 {
			out.Push(wire.NewPushResponseMessage(wire.PushResponse{
				Kind:      wire.ResponseOk,
				Mutations: prefix,
			}))
		}
		out.Fail(&wire.InvalidPushError{Reason: "mutation was out of order"})

		if dropped := len(results) - oooIdx - 1; dropped > 0 {
			debug.Logf("fanout: dropping %d result(s) for client %s past a detected out-of-order mutation", dropped, clientID)
		}
	}
}

func groupIDsByClient(ids []wire.MutationID) map[string][]wire.MutationID {
	grouped := make(map[string][]wire.MutationID)
	for _, id := range ids {
		grouped[id.ClientID] = append(grouped[id.ClientID], id)
	}
	return grouped
}

func groupResultsByClient(results []wire.MutationResult) map[string][]wire.MutationResult {
	grouped := make(map[string][]wire.MutationResult)
	for _, r := range results {
		grouped[r.ID.ClientID] = append(grouped[r.ID.ClientID], r)
	}
	return grouped
}
