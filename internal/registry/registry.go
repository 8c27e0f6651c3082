// Package registry binds the model identifiers exposed on the OpenAI-facing
// surface to the backend adapters that serve them. The listing endpoint
// reflects exactly what was registered, in registration order.
package registry

import (
	"fmt"
	"time"

	"github.com/teclab-ai/bitrelay/internal/backend"
)

// ownedBy is the owner reported on every model card.
const ownedBy = "teclab"

// ModelCard is the wire shape of one entry in the models listing.
type ModelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type entry struct {
	card    ModelCard
	backend backend.Backend
}

// Registry maps model ids to backends. It is built once at startup and read
// concurrently afterwards, so it carries no locking.
type Registry struct {
	order   []string
	entries map[string]entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register binds a model id to a backend. Re-registering an id replaces the
// binding but keeps its original listing position.
func (r *Registry) Register(id string, b backend.Backend) error {
	if id == "" {
		return fmt.Errorf("registry: model id is required")
	}
	if b == nil {
		return fmt.Errorf("registry: model %q has no backend", id)
	}
	if _, exists := r.entries[id]; !exists {
		r.order = append(r.order, id)
	}
	r.entries[id] = entry{
		card: ModelCard{
			ID:      id,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: ownedBy,
		},
		backend: b,
	}
	return nil
}

// Lookup resolves a model id to its backend.
func (r *Registry) Lookup(id string) (backend.Backend, bool) {
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.backend, true
}

// IDs returns the registered model ids in registration order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// Cards returns the model cards in registration order.
func (r *Registry) Cards() []ModelCard {
	cards := make([]ModelCard, 0, len(r.order))
	for _, id := range r.order {
		cards = append(cards, r.entries[id].card)
	}
	return cards
}

// Len reports the number of registered models.
func (r *Registry) Len() int { return len(r.order) }
