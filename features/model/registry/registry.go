// Package registry maps model identifiers to provider-backed clients. The
// orchestrator selects through it; an empty id resolves to the deployment
// default.
package registry

import (
	"fmt"
	"sync"

	"github.com/agentgate/agentgate/runtime/gwerrors"
	"github.com/agentgate/agentgate/runtime/model"
)

// Registry is a concurrent-safe model id to client index.
type Registry struct {
	mu        sync.RWMutex
	clients   map[string]model.Client
	defaultID string
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{clients: make(map[string]model.Client)}
}

// Register adds a client under id. The first registered model becomes the
// default unless SetDefault overrides it.
func (r *Registry) Register(id string, client model.Client) error {
	if id == "" {
		return fmt.Errorf("model id is required")
	}
	if client == nil {
		return fmt.Errorf("model client is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[id]; exists {
		return fmt.Errorf("model %s already registered", id)
	}
	r.clients[id] = client
	if r.defaultID == "" {
		r.defaultID = id
	}
	return nil
}

// SetDefault marks the model used when a request names none.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[id]; !exists {
		return fmt.Errorf("model %s not registered", id)
	}
	r.defaultID = id
	return nil
}

// Client resolves a model id, implementing the orchestrator's selector.
func (r *Registry) Client(modelID string) (model.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if modelID == "" {
		modelID = r.defaultID
	}
	if modelID == "" {
		return nil, gwerrors.New(gwerrors.KindInvalidState, "no models configured")
	}
	client, ok := r.clients[modelID]
	if !ok {
		return nil, gwerrors.Newf(gwerrors.KindNotFound, "model %s not configured", modelID)
	}
	return client, nil
}

// IDs returns the registered model ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}
