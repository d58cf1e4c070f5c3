// Package dispatch implements the Upstream Dispatcher: it POSTs a coalesced
// push batch to the application-owned endpoint and classifies the reply
// into a wire.PushResponse. It never retries; a client receiving a
// retriable error kind is responsible for resending.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/syncbridge/mutsync/internal/debug"
	"github.com/syncbridge/mutsync/internal/telemetry"
	"github.com/syncbridge/mutsync/internal/wire"
)

// dispatchTracer is the OTel tracer for outbound push spans, backed by the
// global provider (a no-op until telemetry.Init runs).
var dispatchTracer = otel.Tracer(telemetry.TracerName)

// reservedQueryParams are owned by the dispatcher and must not already be
// present on a configured or per-connection push URL.
var reservedQueryParams = []string{"schema", "appID"}

// Config carries the system-level settings the dispatcher applies to every
// request, distinct from anything a per-connection caller supplies.
type Config struct {
	PushURL        string
	UpstreamSchema string
	AppID          string
	APIKey         string
	Timeout        time.Duration
}

// Dispatcher posts composite push entries to an application's push
// endpoint over HTTP.
type Dispatcher struct {
	cfg    Config
	client *http.Client
}

// New returns a Dispatcher that uses its own http.Client with cfg.Timeout
// (defaulting to 30s if unset).
func New(cfg Config) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// ConnParams are the per-connection overrides a client may supply:
// an alternate push URL and additional headers. Per-connection headers
// must never override the system-set X-Api-Key or Authorization.
type ConnParams struct {
	URL     string
	Headers map[string]string
}

// Send builds the request for entry, posts it, and classifies the reply
// into a *wire.PushResponse. The returned error is non-nil for a local
// failure to even construct the request (e.g. a reserved query parameter
// collision) and for a 2xx reply whose body does not parse as a
// PushResponse; network failures and non-2xx statuses are reported as a
// Retriable PushResponse, not a Go error.
func (d *Dispatcher) Send(ctx context.Context, entry *wire.PushEntry, conn ConnParams) (*wire.PushResponse, error) {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mutsync.client_id", entry.ClientID),
			attribute.Int("mutsync.mutation_count", len(entry.Push.Mutations)),
		))
	defer span.End()

	reqURL, err := d.buildURL(conn.URL)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	body, err := json.Marshal(entry.Push)
	if err != nil {
		err = fmt.Errorf("marshal push body: %w", err)
		span.RecordError(err)
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		err = fmt.Errorf("build push request: %w", err)
		span.RecordError(err)
		return nil, err
	}
	d.setHeaders(req, entry.JWT, conn.Headers)

	allIDs := allMutationIDs(entry)

	resp, err := d.client.Do(req)
	if err != nil {
		debug.Logf("dispatch: push to %s failed: %v", reqURL, err)
		return &wire.PushResponse{
			Kind:        wire.ResponseRetriable,
			Error:       wire.ErrKindZeroPusher,
			Details:     err.Error(),
			MutationIDs: allIDs,
		}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &wire.PushResponse{
			Kind:        wire.ResponseRetriable,
			Error:       wire.ErrKindZeroPusher,
			Details:     fmt.Sprintf("reading upstream response: %v", err),
			MutationIDs: allIDs,
		}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		debug.Logf("dispatch: push to %s returned status %d", reqURL, resp.StatusCode)
		return &wire.PushResponse{
			Kind:        wire.ResponseRetriable,
			Error:       wire.ErrKindHTTP,
			Status:      resp.StatusCode,
			Details:     string(respBody),
			MutationIDs: allIDs,
		}, nil
	}

	var parsed wire.PushResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		debug.Logf("dispatch: malformed push response from %s: %v", reqURL, err)
		err = fmt.Errorf("parse push response: %w", err)
		span.RecordError(err)
		return nil, err
	}
	return &parsed, nil
}

func (d *Dispatcher) buildURL(connURL string) (string, error) {
	base := d.cfg.PushURL
	if connURL != "" {
		base = connURL
	}

	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse push URL: %w", err)
	}
	if err := CheckReservedQueryParams(parsed); err != nil {
		return "", err
	}
	q := parsed.Query()
	q.Set("schema", d.cfg.UpstreamSchema)
	q.Set("appID", d.cfg.AppID)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// CheckReservedQueryParams reports an *wire.ErrReservedQueryParam if parsed
// already carries a query parameter the dispatcher owns. Exported so the
// doctor wizard can validate a configured push URL before a Dispatcher is
// ever constructed.
func CheckReservedQueryParams(parsed *url.URL) error {
	q := parsed.Query()
	for _, name := range reservedQueryParams {
		if q.Has(name) {
			return &wire.ErrReservedQueryParam{Param: name}
		}
	}
	return nil
}

func (d *Dispatcher) setHeaders(req *http.Request, jwt string, connHeaders map[string]string) {
	req.Header.Set("Content-Type", "application/json")
	for k, v := range connHeaders {
		req.Header.Set(k, v)
	}
	// System-set auth headers always win over whatever a per-connection
	// caller supplied above.
	if d.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", d.cfg.APIKey)
	}
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
}

func allMutationIDs(entry *wire.PushEntry) []wire.MutationID {
	ids := make([]wire.MutationID, 0, len(entry.Push.Mutations))
	for _, m := range entry.Push.Mutations {
		ids = append(ids, wire.MutationID{ClientID: m.ClientID, ID: m.ID})
	}
	return ids
}
