package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/payrail/internal/clock"
	obsmetrics "github.com/smallbiznis/payrail/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings describe one named circuit. Zero values take defaults.
type Settings struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	Timeout          time.Duration
	// Ignore marks errors that are answers rather than outages, such as a
	// provider rejecting a malformed request. They do not count as failures.
	Ignore func(error) bool
}

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
	defaultTimeout          = 10 * time.Second
	defaultIdleTTL          = time.Hour
)

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = defaultFailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = defaultResetTimeout
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	return s
}

type circuit struct {
	name        string
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	lastUsed    time.Time
	probing     bool
}

// Status is a read-only view of one circuit.
type Status struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// Registry owns every circuit in the process, keyed by name. Circuits are
// created on first use and evicted by Sweep once idle and healthy.
type Registry struct {
	mu       sync.Mutex
	clock    clock.Clock
	log      *zap.Logger
	idleTTL  time.Duration
	circuits map[string]*circuit
}

type Params struct {
	fx.In

	Clock clock.Clock
	Log   *zap.Logger
}

func NewRegistry(p Params) *Registry {
	return New(p.Clock, p.Log)
}

func New(clk clock.Clock, log *zap.Logger) *Registry {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		clock:    clk,
		log:      log.Named("circuitbreaker"),
		idleTTL:  defaultIdleTTL,
		circuits: make(map[string]*circuit),
	}
}

// Execute runs fn through the named circuit. While the circuit is open fn is
// not invoked and an *OpenError is returned. fn is raced against
// Settings.Timeout and a timeout counts as a failure.
func (r *Registry) Execute(ctx context.Context, s Settings, fn func(ctx context.Context) error) error {
	s = s.withDefaults()
	c, err := r.allow(s)
	if err != nil {
		obsmetrics.Pipeline().IncCircuitRejection(s.Name)
		return err
	}

	callErr := runWithTimeout(ctx, s, fn)

	failed := callErr != nil
	if failed && s.Ignore != nil && s.Ignore(callErr) {
		failed = false
	}
	if failed && ctx.Err() != nil && !errors.Is(callErr, ErrTimeout) {
		// Caller gave up; the collaborator was not at fault.
		r.release(c)
		return callErr
	}
	r.record(c, s, failed)
	return callErr
}

// Call is Execute for functions that return a value.
func Call[T any](ctx context.Context, r *Registry, s Settings, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Execute(ctx, s, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (r *Registry) allow(s Settings) (*circuit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	c, ok := r.circuits[s.Name]
	if !ok {
		c = &circuit{name: s.Name, state: StateClosed}
		r.circuits[s.Name] = c
	}
	c.lastUsed = now

	switch c.state {
	case StateOpen:
		elapsed := now.Sub(c.openedAt)
		if elapsed < s.ResetTimeout {
			return nil, &OpenError{Name: s.Name, RetryAfter: s.ResetTimeout - elapsed}
		}
		r.transition(c, StateHalfOpen)
		c.probing = true
		return c, nil
	case StateHalfOpen:
		if c.probing {
			return nil, &OpenError{Name: s.Name, RetryAfter: s.Timeout}
		}
		c.probing = true
		return c, nil
	default:
		return c, nil
	}
}

func (r *Registry) record(c *circuit, s Settings, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.probing = false
	if !failed {
		c.failures = 0
		if c.state != StateClosed {
			r.transition(c, StateClosed)
		}
		return
	}

	now := r.clock.Now()
	c.failures++
	c.lastFailure = now
	if c.state == StateHalfOpen || c.failures >= s.FailureThreshold {
		if c.state != StateOpen {
			c.openedAt = now
			r.transition(c, StateOpen)
		}
	}
}

func (r *Registry) release(c *circuit) {
	r.mu.Lock()
	c.probing = false
	r.mu.Unlock()
}

// transition must be called with r.mu held.
func (r *Registry) transition(c *circuit, to State) {
	from := c.state
	c.state = to
	obsmetrics.Pipeline().SetCircuitState(c.name, float64(to))
	fields := []zap.Field{
		zap.String("circuit", c.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failures", c.failures),
	}
	if to == StateOpen {
		r.log.Warn("circuit.transition", fields...)
		return
	}
	r.log.Info("circuit.transition", fields...)
}

func (r *Registry) State(name string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.circuits[name]; ok {
		return c.state
	}
	return StateClosed
}

func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.circuits))
	for _, c := range r.circuits {
		out = append(out, Status{
			Name:        c.name,
			State:       c.state.String(),
			Failures:    c.failures,
			LastFailure: c.lastFailure,
		})
	}
	return out
}

// Sweep evicts closed circuits with no failures that have been idle longer than the idle TTL.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	removed := 0
	for name, c := range r.circuits {
		if c.state == StateClosed && c.failures == 0 && !c.probing && now.Sub(c.lastUsed) > r.idleTTL {
			delete(r.circuits, name)
			removed++
		}
	}
	return removed
}

func (r *Registry) SetIdleTTL(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.idleTTL = d
	}
}

func runWithTimeout(ctx context.Context, s Settings, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("circuit %s: panic: %v", s.Name, rec)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("circuit %s: %w after %s", s.Name, ErrTimeout, s.Timeout)
		}
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("circuit %s: %w after %s", s.Name, ErrTimeout, s.Timeout)
	}
}
