package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type HandlerFunc func(ctx context.Context, job Job) error

// Mux routes jobs to handlers by job name.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Handle registers h for name. Registering a name twice panics, like http.ServeMux.
func (m *Mux) Handle(name string, h HandlerFunc) {
	if name == "" || h == nil {
		panic("dispatch: empty job name or nil handler")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.handlers[name]; exists {
		panic(fmt.Sprintf("dispatch: handler already registered for %q", name))
	}
	m.handlers[name] = h
}

func (m *Mux) Lookup(name string) (HandlerFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[name]
	return h, ok
}

func (m *Mux) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run executes the handler for job.Name. Unknown names are permanent failures.
func (m *Mux) Run(ctx context.Context, job Job) (err error) {
	h, ok := m.Lookup(job.Name)
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrUnknownJob, job.Name))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return h(ctx, job)
}
