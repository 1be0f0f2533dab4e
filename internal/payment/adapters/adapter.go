package adapters

import (
	"errors"
	"net/http"
	"sort"
	"strings"
)

var (
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidConfig    = errors.New("invalid_provider_config")
)

// Adapter turns raw provider webhooks into Events.
type Adapter interface {
	Provider() string
	Verify(payload []byte, headers http.Header) error
	Identify(payload []byte) (Envelope, error)
	Parse(payload []byte) (*Event, error)
	// EventTypes lists every provider event type Parse understands.
	EventTypes() []string
}

type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(list ...Adapter) *Registry {
	registry := &Registry{adapters: map[string]Adapter{}}
	for _, adapter := range list {
		if adapter == nil {
			continue
		}
		provider := normalize(adapter.Provider())
		if provider == "" {
			continue
		}
		registry.adapters[provider] = adapter
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	_, err := r.Get(provider)
	return err == nil
}

func (r *Registry) Get(provider string) (Adapter, error) {
	if r == nil {
		return nil, ErrProviderNotFound
	}
	adapter, ok := r.adapters[normalize(provider)]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return adapter, nil
}

func (r *Registry) All() []Adapter {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Adapter, 0, len(names))
	for _, name := range names {
		out = append(out, r.adapters[name])
	}
	return out
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
