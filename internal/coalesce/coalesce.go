// Package coalesce implements the pure batching function that merges
// consecutive same-client PushEntries into one composite entry before they
// are handed to the Upstream Dispatcher.
package coalesce

import "github.com/syncbridge/mutsync/internal/wire"

// Coalesce scans entries in order, grouping consecutive entries that share
// a ClientID into one composite *wire.PushEntry whose Push.Mutations is
// their concatenation (preserving intra-client order). If the sentinel is
// encountered, it returns the batches accumulated so far and terminate=true;
// any entries after the sentinel are discarded.
//
// Coalesce fails if two entries sharing a ClientID disagree on JWT,
// SchemaVersion, or PushVersion — a sign of client-state confusion that
// should not be silently merged.
func Coalesce(entries []*wire.PushEntry) (batches []*wire.PushEntry, terminate bool, err error) {
	// the most recently started composite; only an entry for its clientID
	// merges into it, so non-adjacent-but-same-client runs (interrupted by a
	// different client) still start a new composite rather than merging
	// across the gap — "consecutive" is literal.
	var current *wire.PushEntry

	for _, e := range entries {
		if wire.IsSentinel(e) {
			return batches, true, nil
		}

		if current != nil && current.ClientID == e.ClientID {
			if err := checkCompatible(current, e); err != nil {
				return nil, false, err
			}
			current.Push.Mutations = append(current.Push.Mutations, e.Push.Mutations...)
			continue
		}

		// Start a new composite. Copy so we never mutate the caller's entry.
		composite := &wire.PushEntry{
			ClientID:   e.ClientID,
			JWT:        e.JWT,
			ReceivedAt: e.ReceivedAt,
			Push: wire.PushBody{
				ClientGroupID: e.Push.ClientGroupID,
				PushVersion:   e.Push.PushVersion,
				SchemaVersion: e.Push.SchemaVersion,
				Timestamp:     e.Push.Timestamp,
				RequestID:     e.Push.RequestID,
				Mutations:     append([]wire.Mutation(nil), e.Push.Mutations...),
			},
		}
		batches = append(batches, composite)
		current = composite
	}

	return batches, false, nil
}

func checkCompatible(a, b *wire.PushEntry) error {
	if a.JWT != b.JWT {
		return &wire.ErrCoalesceInvariant{ClientID: a.ClientID, Field: "jwt"}
	}
	if a.Push.SchemaVersion != b.Push.SchemaVersion {
		return &wire.ErrCoalesceInvariant{ClientID: a.ClientID, Field: "schemaVersion"}
	}
	if a.Push.PushVersion != b.Push.PushVersion {
		return &wire.ErrCoalesceInvariant{ClientID: a.ClientID, Field: "pushVersion"}
	}
	return nil
}
