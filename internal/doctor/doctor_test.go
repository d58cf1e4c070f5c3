package doctor

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/syncbridge/mutsync/internal/config"
)

type fakeDoer struct {
	resp *http.Response
	err  error
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	return f.resp, f.err
}

func newResp(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: http.NoBody}
}

func TestCheckReservedParamsFailsOnCollision(t *testing.T) {
	cfg := &config.Config{PushURL: "https://app.example.com/push?schema=public"}
	r := checkReservedParams(cfg)
	if r.Status != StatusFail {
		t.Fatalf("expected fail, got %v: %s", r.Status, r.Message)
	}
}

func TestCheckReservedParamsPassesWithoutCollision(t *testing.T) {
	cfg := &config.Config{PushURL: "https://app.example.com/push"}
	r := checkReservedParams(cfg)
	if r.Status != StatusPass {
		t.Fatalf("expected pass, got %v: %s", r.Status, r.Message)
	}
}

func TestCheckUpstreamReachablePassesOn2xx(t *testing.T) {
	cfg := &config.Config{PushURL: "https://app.example.com/push"}
	r := checkUpstreamReachable(context.Background(), cfg, &fakeDoer{resp: newResp(200)})
	if r.Status != StatusPass {
		t.Fatalf("expected pass, got %v: %s", r.Status, r.Message)
	}
}

func TestCheckUpstreamReachableWarnsOn5xx(t *testing.T) {
	cfg := &config.Config{PushURL: "https://app.example.com/push"}
	r := checkUpstreamReachable(context.Background(), cfg, &fakeDoer{resp: newResp(503)})
	if r.Status != StatusWarn {
		t.Fatalf("expected warn, got %v: %s", r.Status, r.Message)
	}
}

func TestCheckUpstreamReachableFailsOnTransportError(t *testing.T) {
	cfg := &config.Config{PushURL: "https://app.example.com/push"}
	r := checkUpstreamReachable(context.Background(), cfg, &fakeDoer{err: errors.New("dial tcp: connection refused")})
	if r.Status != StatusFail {
		t.Fatalf("expected fail, got %v: %s", r.Status, r.Message)
	}
}

func TestCheckUpstreamReachableFailsWhenUnconfigured(t *testing.T) {
	cfg := &config.Config{}
	r := checkUpstreamReachable(context.Background(), cfg, &fakeDoer{resp: newResp(200)})
	if r.Status != StatusFail {
		t.Fatalf("expected fail, got %v", r.Status)
	}
}

func TestCheckStoreConnectivityWarnsWhenNil(t *testing.T) {
	r := checkStoreConnectivity(context.Background(), nil)
	if r.Status != StatusWarn {
		t.Fatalf("expected warn, got %v: %s", r.Status, r.Message)
	}
}

func TestAnyFailedDetectsFailure(t *testing.T) {
	results := []Result{{Status: StatusPass}, {Status: StatusWarn}}
	if AnyFailed(results) {
		t.Fatal("expected no failure")
	}
	results = append(results, Result{Status: StatusFail})
	if !AnyFailed(results) {
		t.Fatal("expected a failure")
	}
}

func TestRenderIncludesStatusAndMessage(t *testing.T) {
	var buf bytes.Buffer
	Render(&buf, []Result{
		{Name: "upstream push URL reachability", Status: StatusFail, Message: "connection refused"},
	})
	out := buf.String()
	if !strings.Contains(out, "upstream push URL reachability") {
		t.Fatalf("expected check name in output, got %q", out)
	}
	if !strings.Contains(out, "connection refused") {
		t.Fatalf("expected message in output, got %q", out)
	}
}
