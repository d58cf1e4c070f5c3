package coalesce

import (
	"testing"

	"github.com/syncbridge/mutsync/internal/wire"
)

func entry(clientID, jwt string, ids ...int64) *wire.PushEntry {
	var muts []wire.Mutation
	for _, id := range ids {
		muts = append(muts, wire.Mutation{ClientID: clientID, ID: id})
	}
	return &wire.PushEntry{
		ClientID: clientID,
		JWT:      jwt,
		Push:     wire.PushBody{ClientGroupID: "cg1", Mutations: muts, PushVersion: 1},
	}
}

func TestCoalesceGroupsConsecutiveSameClient(t *testing.T) {
	entries := []*wire.PushEntry{
		entry("c1", "jwt", 1),
		entry("c1", "jwt", 2),
		entry("c1", "jwt", 3),
	}

	batches, terminate, err := Coalesce(entries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if terminate {
		t.Fatal("terminate should be false without a sentinel")
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 composite batch, got %d", len(batches))
	}
	got := batches[0].Push.Mutations
	if len(got) != 3 || got[0].ID != 1 || got[1].ID != 2 || got[2].ID != 3 {
		t.Fatalf("unexpected merged mutation order: %+v", got)
	}
}

func TestCoalesceSentinelTruncates(t *testing.T) {
	entries := []*wire.PushEntry{
		entry("c1", "jwt", 1),
		wire.Sentinel,
		entry("c2", "jwt", 1),
	}

	batches, terminate, err := Coalesce(entries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !terminate {
		t.Fatal("expected terminate=true")
	}
	if len(batches) != 1 || batches[0].ClientID != "c1" {
		t.Fatalf("expected only the pre-sentinel batch, got %+v", batches)
	}
}

func TestCoalesceDistinctClientsNotMerged(t *testing.T) {
	entries := []*wire.PushEntry{
		entry("c1", "jwt", 1),
		entry("c2", "jwt", 1),
	}
	batches, _, err := Coalesce(entries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 separate batches, got %d", len(batches))
	}
}

func TestCoalesceInvariantViolationOnMismatchedJWT(t *testing.T) {
	entries := []*wire.PushEntry{
		entry("c1", "jwt-a", 1),
		entry("c1", "jwt-b", 2),
	}
	_, _, err := Coalesce(entries)
	if err == nil {
		t.Fatal("expected an invariant error for mismatched jwt")
	}
	var invErr *wire.ErrCoalesceInvariant
	if !asInvariantErr(err, &invErr) {
		t.Fatalf("expected *wire.ErrCoalesceInvariant, got %T: %v", err, err)
	}
}

func asInvariantErr(err error, target **wire.ErrCoalesceInvariant) bool {
	e, ok := err.(*wire.ErrCoalesceInvariant)
	if ok {
		*target = e
	}
	return ok
}

func TestCoalesceTrailingAfterSentinelDiscarded(t *testing.T) {
	xs := []*wire.PushEntry{entry("c1", "jwt", 1)}
	ys := []*wire.PushEntry{entry("c2", "jwt", 1)}

	combined := append(append(append([]*wire.PushEntry{}, xs...), wire.Sentinel), ys...)

	batchesXS, _, err := Coalesce(xs)
	if err != nil {
		t.Fatal(err)
	}
	batchesCombined, terminate, err := Coalesce(combined)
	if err != nil {
		t.Fatal(err)
	}
	if !terminate {
		t.Fatal("expected terminate=true")
	}
	if len(batchesCombined) != len(batchesXS) {
		t.Fatalf("coalesce(xs++[sentinel]++ys) should equal coalesce(xs).batches, got %d vs %d", len(batchesCombined), len(batchesXS))
	}
}
