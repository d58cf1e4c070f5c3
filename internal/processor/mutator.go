package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/syncbridge/mutsync/internal/store"
)

// MutationTx is the handle a custom mutator function receives. It exposes
// the mutation's own DB transaction plus the CRUD and read-query facades,
// scoped to the client and mutation being applied.
type MutationTx struct {
	ClientID   string
	MutationID int64
	JWT        string

	CRUD  *store.CRUD
	Query *store.Query
}

// Mutator applies one custom mutation's effect within tx. Returning an
// error aborts tx; the processor retries in error mode (LMID-only commit)
// and records an "app" result.
type Mutator func(ctx context.Context, tx *MutationTx, args json.RawMessage) error

// Registry maps a (namespace, name) pair to the Mutator that implements it.
type Registry struct {
	mu       sync.RWMutex
	mutators map[string]Mutator
}

// NewRegistry returns an empty mutator registry.
func NewRegistry() *Registry {
	return &Registry{mutators: make(map[string]Mutator)}
}

// Register installs fn as the handler for (namespace, name). Registering
// the same pair twice is a programming error.
func (r *Registry) Register(namespace, name string, fn Mutator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey(namespace, name)
	if _, exists := r.mutators[key]; exists {
		panic(fmt.Sprintf("processor: mutator %s already registered", key))
	}
	r.mutators[key] = fn
}

func (r *Registry) lookup(namespace, name string) (Mutator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.mutators[registryKey(namespace, name)]
	return fn, ok
}

func registryKey(namespace, name string) string {
	return namespace + "/" + name
}
