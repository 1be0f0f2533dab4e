package eventhandler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	alertdomain "github.com/smallbiznis/payrail/internal/alert/domain"
	alertservice "github.com/smallbiznis/payrail/internal/alert/service"
	"github.com/smallbiznis/payrail/internal/dispatch"
	"github.com/smallbiznis/payrail/internal/lock"
	"github.com/smallbiznis/payrail/internal/notification"
	"github.com/smallbiznis/payrail/internal/payment/adapters"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrValidation marks an event whose content cannot be applied. Redelivery
	// of the same payload will not fix it.
	ErrValidation = errors.New("event_validation_failed")
	// ErrInvariant marks an effect rejected before any write, such as a
	// refund larger than what remains of the original charge.
	ErrInvariant = errors.New("event_invariant_violation")
	// ErrOriginalNotFound is retryable: the event it depends on may still be in flight.
	ErrOriginalNotFound = errors.New("event_original_not_found")
	// ErrUnroutedEventType is returned by Validate for declared event types with no handler.
	ErrUnroutedEventType = errors.New("event_type_unrouted")
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeNoop      Outcome = "noop"
	OutcomeUnhandled Outcome = "unhandled"
)

// Effect is what a handler did inside its transaction. Notifications and
// alerts are released only after the transaction commits and only when
// Applied is set.
type Effect struct {
	Applied       bool
	Notifications []notification.Message
	Alerts        []alertservice.Input
}

// Handler applies one event type. Apply runs inside a transaction that the
// registry opens; every write must go through tx.
type Handler interface {
	Name() string
	LockKey(ev *adapters.Event) string
	Apply(ctx context.Context, tx *gorm.DB, ev *adapters.Event) (Effect, error)
}

// Alerter is the subset of the alert service the registry needs.
type Alerter interface {
	Raise(ctx context.Context, in alertservice.Input) *alertdomain.Alert
}

type route struct {
	provider  string
	eventType string
}

// Registry is the closed (provider, event type) routing table.
type Registry struct {
	db         *gorm.DB
	locker     lock.Locker
	lockTTL    time.Duration
	dispatcher dispatch.Dispatcher
	alerts     Alerter
	log        *zap.Logger

	lockRetries    int
	lockRetryDelay time.Duration

	handlers map[route]Handler
}

func NewRegistry(db *gorm.DB, locker lock.Locker, lockTTL time.Duration, dispatcher dispatch.Dispatcher, alerts Alerter, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Registry{
		db:         db,
		locker:     locker,
		lockTTL:    lockTTL,
		dispatcher: dispatcher,
		alerts:     alerts,
		log:        log.Named("eventhandler"),
		handlers:   make(map[route]Handler),
	}
}

// SetLockRetry lets Route wait out short contention on a handler key before
// reporting lock.ErrNotAcquired.
func (r *Registry) SetLockRetry(retries int, delay time.Duration) *Registry {
	if retries < 0 {
		retries = 0
	}
	r.lockRetries = retries
	r.lockRetryDelay = delay
	return r
}

// Register binds h to (provider, eventType). Binding a pair twice panics.
func (r *Registry) Register(provider, eventType string, h Handler) {
	if provider == "" || eventType == "" || h == nil {
		panic("eventhandler: empty route or nil handler")
	}
	key := route{provider: provider, eventType: eventType}
	if existing, ok := r.handlers[key]; ok {
		panic(fmt.Sprintf("eventhandler: %s/%s already routed to %s", provider, eventType, existing.Name()))
	}
	r.handlers[key] = h
}

func (r *Registry) Lookup(provider, eventType string) (Handler, bool) {
	h, ok := r.handlers[route{provider: provider, eventType: eventType}]
	return h, ok
}

// Validate checks that every event type an adapter declares has a handler.
func (r *Registry) Validate(registry *adapters.Registry) error {
	var errs []error
	for _, adapter := range registry.All() {
		types := append([]string(nil), adapter.EventTypes()...)
		sort.Strings(types)
		for _, eventType := range types {
			if _, ok := r.Lookup(adapter.Provider(), eventType); !ok {
				errs = append(errs, fmt.Errorf("%w: %s/%s", ErrUnroutedEventType, adapter.Provider(), eventType))
			}
		}
	}
	return errors.Join(errs...)
}

// Route applies ev with its handler: lock the semantic key, run the handler in
// one transaction, then release side effects. Unknown types are logged and
// reported as unhandled without error. Contention that outlasts the retry
// budget surfaces as lock.ErrNotAcquired; the key is semantic, so the holder
// is usually a different event and the caller must retry later.
func (r *Registry) Route(ctx context.Context, ev *adapters.Event) (Outcome, error) {
	h, ok := r.Lookup(ev.Provider, ev.Type)
	if !ok {
		r.log.Warn("eventhandler.unhandled",
			zap.String("provider", ev.Provider),
			zap.String("event_type", ev.Type),
			zap.String("external_event_id", ev.ExternalEventID),
		)
		return OutcomeUnhandled, nil
	}

	var effect Effect
	err := lock.WithLockRetry(ctx, r.locker, h.LockKey(ev), r.lockTTL, r.lockRetries, r.lockRetryDelay, func(ctx context.Context) error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			effect, err = h.Apply(ctx, tx, ev)
			return err
		})
	})
	if err != nil {
		return "", err
	}
	if !effect.Applied {
		r.log.Debug("eventhandler.noop",
			zap.String("handler", h.Name()),
			zap.String("external_event_id", ev.ExternalEventID),
		)
		return OutcomeNoop, nil
	}

	r.release(ctx, h, effect)
	r.log.Info("eventhandler.applied",
		zap.String("handler", h.Name()),
		zap.String("provider", ev.Provider),
		zap.String("external_event_id", ev.ExternalEventID),
	)
	return OutcomeApplied, nil
}

// release hands committed side effects to their sinks. Failures are logged;
// the financial write already stands.
func (r *Registry) release(ctx context.Context, h Handler, effect Effect) {
	ctx = context.WithoutCancel(ctx)
	for _, msg := range effect.Notifications {
		job, err := notification.Job(msg)
		if err == nil && r.dispatcher != nil {
			err = r.dispatcher.Dispatch(ctx, job)
		}
		if err != nil {
			r.log.Warn("eventhandler.notification.enqueue_failed",
				zap.String("handler", h.Name()),
				zap.String("kind", string(msg.Kind)),
				zap.String("key", msg.Key),
				zap.Error(err),
			)
		}
	}
	if r.alerts == nil {
		return
	}
	for _, in := range effect.Alerts {
		r.alerts.Raise(ctx, in)
	}
}
