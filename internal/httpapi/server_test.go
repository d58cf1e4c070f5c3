package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/syncbridge/mutsync/internal/dispatch"
	"github.com/syncbridge/mutsync/internal/processor"
	"github.com/syncbridge/mutsync/internal/store"
	"github.com/syncbridge/mutsync/internal/wire"
)

// fakeStore mimics a real database transaction's all-or-nothing commit:
// fn mutates a private copy of the LMID table, merged back only on success.
type fakeStore struct {
	lmid map[string]int64
}

func newFakeStore() *fakeStore { return &fakeStore{lmid: make(map[string]int64)} }

func (f *fakeStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pending := make(map[string]int64, len(f.lmid))
	for k, v := range f.lmid {
		pending[k] = v
	}
	if err := fn(ctx, &fakeTx{pending: pending}); err != nil {
		return err
	}
	f.lmid = pending
	return nil
}

type fakeTx struct{ pending map[string]int64 }

func (t *fakeTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}

func (t *fakeTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) store.Row {
	cg, _ := args[0].(string)
	c, _ := args[1].(string)
	key := cg + "/" + c
	t.pending[key]++
	return fakeRow{val: t.pending[key]}
}

type fakeRow struct{ val int64 }

func (r fakeRow) Scan(dest ...interface{}) error {
	*(dest[0].(*int64)) = r.val
	return nil
}

func newTestProcessor() *processor.Processor {
	reg := processor.NewRegistry()
	reg.Register("todos", "add", func(ctx context.Context, tx *processor.MutationTx, args json.RawMessage) error {
		return nil
	})
	return processor.New(newFakeStore(), reg)
}

func TestPushEnqueueStreamRoundTrip(t *testing.T) {
	srv := New(dispatch.Config{}, newTestProcessor(), 4)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	srv.dispatchCfg.PushURL = ts.URL + "/push"

	streamCtx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet,
		ts.URL+"/stream?clientGroupID=g1&clientID=c1&wsEpoch=e1", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	events := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				events <- strings.TrimPrefix(line, "data: ")
				return
			}
		}
	}()

	// Give the coordinator a moment to have InitConnection land before the
	// enqueued push is dispatched and fanned out.
	time.Sleep(20 * time.Millisecond)

	body := wire.PushBody{
		ClientGroupID: "g1",
		PushVersion:   wire.SupportedPushVersion,
		Mutations: []wire.Mutation{
			{Kind: wire.MutationKindCustom, ID: 1, ClientID: "c1", Name: "todos/add", Args: json.RawMessage(`{}`)},
		},
	}
	payload, _ := json.Marshal(struct {
		Push wire.PushBody `json:"push"`
	}{body})

	enqResp, err := http.Post(ts.URL+"/enqueue?clientGroupID=g1&clientID=c1", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	defer enqResp.Body.Close()
	if enqResp.StatusCode != http.StatusOK {
		t.Fatalf("enqueue status: %d", enqResp.StatusCode)
	}

	select {
	case data := <-events:
		var msg struct {
			Mutations []wire.MutationResult `json:"mutations"`
		}
		// DownstreamMessage marshals as a tagged tuple: ["pushResponse", {...}]
		var tuple [2]json.RawMessage
		if err := json.Unmarshal([]byte(data), &tuple); err != nil {
			t.Fatalf("unmarshal SSE tuple: %v, raw=%s", err, data)
		}
		if err := json.Unmarshal(tuple[1], &msg); err != nil {
			t.Fatalf("unmarshal push response: %v", err)
		}
		if len(msg.Mutations) != 1 || msg.Mutations[0].ID.ID != 1 {
			t.Fatalf("unexpected mutations: %+v", msg.Mutations)
		}
		if msg.Mutations[0].Result.Error != "" {
			t.Fatalf("expected success, got error %q", msg.Mutations[0].Result.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fanned-out push response")
	}
}

func TestHandlePushRejectsUnsupportedVersion(t *testing.T) {
	srv := New(dispatch.Config{}, newTestProcessor(), 4)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := wire.PushBody{ClientGroupID: "g1", PushVersion: wire.SupportedPushVersion + 1}
	payload, _ := json.Marshal(body)

	resp, err := http.Post(ts.URL+"/push", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with a Fatal PushResponse body, got %d", resp.StatusCode)
	}

	var parsed wire.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Kind != wire.ResponseFatal || parsed.Error != wire.ErrKindUnsupportedPushVersion {
		t.Fatalf("unexpected response: %+v", parsed)
	}
}

func TestHandlePushMethodNotAllowed(t *testing.T) {
	srv := New(dispatch.Config{}, newTestProcessor(), 4)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/push")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
