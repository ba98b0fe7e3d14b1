// Package providers implements LLM provider adapters for the streaming core.
//
// Each adapter translates one provider's wire protocol into the uniform
// models.DomainChunk contract: a lazy, single-consumer, finite chunk
// sequence ending in exactly one end or error chunk, with Seq assigned in
// emission order from zero. Adapters hold at most one undelivered provider
// event while the consumer is idle (unbuffered channel sends).
package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/roundtable/pkg/models"
)

// Model describes an available model and its capabilities.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

// Provider is the capability the domain tier consumes.
//
// Stream contract:
//   - Errors before the first emission may be returned synchronously.
//   - After the first emission all failures surface as a terminal error
//     chunk; the channel is always closed after the terminal chunk.
//   - Cancelling ctx terminates the stream with an error chunk carrying
//     code "cancelled", unless an end chunk was already in flight.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Models returns the models this provider serves.
	Models() []Model

	// Stream opens a streaming completion for the request.
	Stream(ctx context.Context, req *models.StreamRequest) (<-chan *models.DomainChunk, error)

	// ValidateKey checks the configured credential with a non-streaming
	// call. It returns false (with nil error) for a rejected key.
	ValidateKey(ctx context.Context) (bool, error)
}

// Registry holds the configured providers. It is populated at startup and
// read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its Name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("providers: unknown provider %q", name)
	}
	return p, nil
}

// Names returns registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasModel reports whether the named provider serves the given model.
// An empty model ID is accepted; the adapter substitutes its default.
func (r *Registry) HasModel(provider, modelID string) bool {
	p, err := r.Get(provider)
	if err != nil {
		return false
	}
	if modelID == "" {
		return true
	}
	for _, m := range p.Models() {
		if m.ID == modelID {
			return true
		}
	}
	return false
}
