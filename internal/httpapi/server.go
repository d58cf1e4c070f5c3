// Package httpapi exposes the Coordinator/Service and Mutation Processor
// over HTTP: POST /push for the processor contract the Upstream Dispatcher
// targets, GET /stream and POST /enqueue for the client-facing transport,
// streamed as Server-Sent Events.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/syncbridge/mutsync/internal/coordinator"
	"github.com/syncbridge/mutsync/internal/debug"
	"github.com/syncbridge/mutsync/internal/dispatch"
	"github.com/syncbridge/mutsync/internal/processor"
	"github.com/syncbridge/mutsync/internal/registry"
	"github.com/syncbridge/mutsync/internal/wire"
)

// Processor is the subset of *processor.Processor the server needs.
type Processor interface {
	Process(ctx context.Context, params processor.Params, body wire.PushBody) (*wire.PushResponse, error)
}

// Server wires one process's Coordinators (one per client-group, created
// lazily) to the Mutation Processor and an HTTP mux.
type Server struct {
	dispatchCfg dispatch.Config
	proc        Processor
	processSem  *semaphore.Weighted

	mu           sync.Mutex
	coordinators map[string]*coordinator.Coordinator

	mux *http.ServeMux
}

// New returns a Server. maxInFlightProcessorTx bounds the number of
// concurrent processor.Process calls across all client-groups sharing this
// process, built on x/sync/semaphore rather than a bare channel.
func New(dispatchCfg dispatch.Config, proc Processor, maxInFlightProcessorTx int64) *Server {
	s := &Server{
		dispatchCfg:  dispatchCfg,
		proc:         proc,
		processSem:   semaphore.NewWeighted(maxInFlightProcessorTx),
		coordinators: make(map[string]*coordinator.Coordinator),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/push", s.handlePush)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/enqueue", s.handleEnqueue)
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux = mux
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// UpdateDispatchConfig replaces the dispatch config new coordinators are
// built with (e.g. on a live config file reload). Coordinators already
// running for existing client-groups keep the dispatch config they were
// created with; only client-groups seen for the first time afterward pick
// up the change.
func (s *Server) UpdateDispatchConfig(cfg dispatch.Config) {
	s.mu.Lock()
	s.dispatchCfg = cfg
	s.mu.Unlock()
}

// coordinatorFor returns the Coordinator owning clientGroupID's queue and
// registry, creating and starting it on first use.
func (s *Server) coordinatorFor(clientGroupID string) *coordinator.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.coordinators[clientGroupID]; ok {
		return c
	}
	c := coordinator.New(dispatch.New(s.dispatchCfg), registry.New())
	s.coordinators[clientGroupID] = c
	go func() {
		if err := c.Run(context.Background()); err != nil {
			debug.Logf("httpapi: coordinator for client-group %s exited: %v", clientGroupID, err)
		}
	}()
	return c
}

// handlePush implements the Mutation Processor's HTTP contract: the
// pusher's Upstream Dispatcher is this endpoint's client in an end-to-end
// deployment. Concurrent in-flight calls are bounded by processSem since
// the processor may run multi-threaded across client-groups.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body wire.PushBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("decode push body: %v", err), http.StatusBadRequest)
		return
	}

	jwt, err := bearerToken(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	params := processor.Params{
		Schema: r.URL.Query().Get("schema"),
		AppID:  r.URL.Query().Get("appID"),
		JWT:    jwt,
	}

	if err := s.processSem.Acquire(r.Context(), 1); err != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.processSem.Release(1)

	resp, err := s.proc.Process(r.Context(), params, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleEnqueue accepts a push from a client and hands it to its
// client-group's Coordinator queue. Never blocks.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientGroupID := r.URL.Query().Get("clientGroupID")
	clientID := r.URL.Query().Get("clientID")
	if clientGroupID == "" || clientID == "" {
		http.Error(w, "clientGroupID and clientID are required", http.StatusBadRequest)
		return
	}

	var req struct {
		Push wire.PushBody `json:"push"`
		JWT  string        `json:"jwt,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode enqueue body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Push.RequestID == "" {
		req.Push.RequestID = uuid.NewString()
	}

	jwt, err := bearerToken(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if jwt == "" {
		jwt = req.JWT
	}

	c := s.coordinatorFor(clientGroupID)
	c.EnqueuePush(&wire.PushEntry{
		Push:       req.Push,
		JWT:        jwt,
		ClientID:   clientID,
		ReceivedAt: time.Now().UnixMilli(),
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"type": "ok"})
}

// handleStream opens clientID's output stream at wsEpoch and relays
// messages as Server-Sent Events until the client disconnects or the
// stream ends (epoch replacement, fatal error).
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientGroupID := r.URL.Query().Get("clientGroupID")
	clientID := r.URL.Query().Get("clientID")
	wsEpoch := r.URL.Query().Get("wsEpoch")
	if clientGroupID == "" || clientID == "" || wsEpoch == "" {
		http.Error(w, "clientGroupID, clientID, and wsEpoch are required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	conn := dispatch.ConnParams{URL: r.URL.Query().Get("pushURL"), Headers: flattenHeaders(r.Header)}

	c := s.coordinatorFor(clientGroupID)
	out, err := c.InitConnection(clientID, wsEpoch, conn)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer c.RemoveConnection(clientID, out)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-out.Done():
			// Drain whatever was already buffered before the stream ended;
			// Messages() is never closed, so this can only be a
			// non-blocking sweep.
			for drained := true; drained; {
				select {
				case msg := <-out.Messages():
					writeSSEMessage(w, msg)
					flusher.Flush()
				default:
					drained = false
				}
			}
			if err := out.Err(); err != nil {
				writeSSEError(w, err)
				flusher.Flush()
			}
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case msg := <-out.Messages():
			writeSSEMessage(w, msg)
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeSSEMessage(w http.ResponseWriter, msg wire.DownstreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: pushResponse\n")
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeSSEError(w http.ResponseWriter, err error) {
	fmt.Fprintf(w, "event: error\n")
	fmt.Fprintf(w, "data: %s\n\n", err.Error())
}

// bearerToken extracts the token from an inbound Authorization header. A
// missing header is not an error (the push is simply unauthenticated); a
// present header that doesn't start with "Bearer " is.
func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", nil
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", fmt.Errorf("Authorization header must start with %q", prefix)
	}
	return strings.TrimPrefix(h, prefix), nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
