package registry

import (
	"testing"
	"time"
)

func TestInitConnectionRejectsDuplicateEpoch(t *testing.T) {
	r := New()
	if _, err := r.InitConnection("c1", "w1", nil); err != nil {
		t.Fatalf("first InitConnection failed: %v", err)
	}
	if _, err := r.InitConnection("c1", "w1", nil); err == nil {
		t.Fatal("expected an error for a duplicate (clientID, wsEpoch) pair")
	}
}

func TestEpochReplacementEndsPriorStream(t *testing.T) {
	r := New()
	s1, err := r.InitConnection("c1", "w1", nil)
	if err != nil {
		t.Fatal(err)
	}

	s2, err := r.InitConnection("c1", "w2", nil)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-s1.Done():
	case <-time.After(time.Second):
		t.Fatal("prior epoch's stream never terminated")
	}
	if err := s1.Err(); err != nil {
		t.Fatalf("prior epoch should end cleanly (done, no error), got %v", err)
	}

	out, _, ok := r.Get("c1")
	if !ok || out != s2 {
		t.Fatal("registry should resolve c1 to the new epoch's stream")
	}
}

func TestRemoveOnlyDeletesMatchingStream(t *testing.T) {
	r := New()
	s1, _ := r.InitConnection("c1", "w1", nil)
	r.Remove("c1", s1)
	if _, _, ok := r.Get("c1"); ok {
		t.Fatal("expected entry removed")
	}

	s2, _ := r.InitConnection("c1", "w2", nil)
	// A stale Remove for the superseded stream must not evict the new one.
	r.Remove("c1", s1)
	if out, _, ok := r.Get("c1"); !ok || out != s2 {
		t.Fatal("stale Remove evicted the live connection")
	}
}
