package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/payrail/internal/circuitbreaker"
	"github.com/smallbiznis/payrail/internal/dispatch"
	obsmetrics "github.com/smallbiznis/payrail/internal/observability/metrics"
	"go.uber.org/zap"
)

// CircuitName is the circuit all outbound email passes through.
const CircuitName = "email"

// Sender executes notification.send jobs.
type Sender struct {
	provider Provider
	breakers *circuitbreaker.Registry
	settings circuitbreaker.Settings
	metrics  *obsmetrics.Metrics
	log      *zap.Logger
}

func NewSender(provider Provider, breakers *circuitbreaker.Registry, metrics *obsmetrics.Metrics, log *zap.Logger) *Sender {
	if provider == nil {
		provider = &NoOpProvider{}
	}
	return &Sender{
		provider: provider,
		breakers: breakers,
		settings: circuitbreaker.Settings{Name: CircuitName},
		metrics:  metrics,
		log:      log.Named("notification.sender"),
	}
}

// Job builds the notification.send job for m.
func Job(m Message) (dispatch.Job, error) {
	if err := m.Validate(); err != nil {
		return dispatch.Job{}, err
	}
	return dispatch.NewJob(dispatch.QueueNotifications, dispatch.JobNotificationSend, m)
}

func (s *Sender) Handle(ctx context.Context, job dispatch.Job) error {
	var m Message
	if err := job.Decode(&m); err != nil {
		return dispatch.Permanent(err)
	}
	if err := m.Validate(); err != nil {
		return dispatch.Permanent(err)
	}

	err := s.breakers.Execute(ctx, s.settings, func(ctx context.Context) error {
		return s.provider.Send(ctx, m.To, m.Subject, m.Body)
	})
	result := "sent"
	if err != nil {
		result = "failed"
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			result = "circuit_open"
		}
	}
	if s.metrics != nil {
		s.metrics.RecordNotification(ctx, string(m.Kind), result)
	}
	if err != nil {
		s.log.Warn("notification.send.failed",
			zap.String("kind", string(m.Kind)),
			zap.String("key", m.Key),
			zap.Int("attempt", job.Attempts),
			zap.Error(err),
		)
		return fmt.Errorf("send %s: %w", m.Kind, err)
	}
	s.log.Debug("notification.sent", zap.String("kind", string(m.Kind)), zap.String("key", m.Key))
	return nil
}
