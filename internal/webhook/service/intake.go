package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/archive"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/dispatch"
	obslogger "github.com/smallbiznis/payrail/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/payrail/internal/observability/metrics"
	"github.com/smallbiznis/payrail/internal/payment/adapters"
	"github.com/smallbiznis/payrail/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Ack is returned to the provider once the event is durably recorded.
type Ack struct {
	EventID         snowflake.ID  `json:"event_id"`
	ExternalEventID string        `json:"external_event_id"`
	Status          domain.Status `json:"status"`
	Duplicate       bool          `json:"duplicate"`
}

// ProcessPayload is the webhook.process job body. Workers load the raw
// payload from the ledger row, so queue entries stay small.
type ProcessPayload struct {
	EventID  snowflake.ID `json:"event_id"`
	Provider string       `json:"provider"`
}

func ProcessJob(e *domain.Event) (dispatch.Job, error) {
	return dispatch.NewJob(dispatch.QueueWebhooks, dispatch.JobWebhookProcess, ProcessPayload{
		EventID:  e.ID,
		Provider: e.Provider,
	})
}

type IntakeParams struct {
	fx.In

	Ledger     *Ledger
	Adapters   *adapters.Registry
	Dispatcher dispatch.Dispatcher
	Archiver   *archive.Archiver `optional:"true"`
	Clock      clock.Clock
	Log        *zap.Logger
}

// Intake is the synchronous half of the pipeline: verify, record, hand off.
type Intake struct {
	ledger     *Ledger
	adapters   *adapters.Registry
	dispatcher dispatch.Dispatcher
	archiver   *archive.Archiver
	clock      clock.Clock
	log        *zap.Logger
}

func NewIntake(p IntakeParams) *Intake {
	return &Intake{
		ledger:     p.Ledger,
		adapters:   p.Adapters,
		dispatcher: p.Dispatcher,
		archiver:   p.Archiver,
		clock:      p.Clock,
		log:        p.Log.Named("webhook.intake"),
	}
}

// Receive verifies and records one delivery. Errors are limited to unknown
// providers, bad signatures and unreadable envelopes; everything after the
// ledger write is acknowledged.
func (s *Intake) Receive(ctx context.Context, provider string, body []byte, headers http.Header) (Ack, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	log := obslogger.WithContext(ctx, s.log).With(zap.String("provider", provider))

	adapter, err := s.adapters.Get(provider)
	if err != nil {
		return Ack{}, err
	}
	if err := adapter.Verify(body, headers); err != nil {
		log.Warn("webhook.signature.rejected", zap.Error(err))
		obsmetrics.Pipeline().IncWebhookEvent(provider, "", "rejected")
		return Ack{}, err
	}
	env, err := adapter.Identify(body)
	if err != nil {
		log.Warn("webhook.payload.rejected", zap.Error(err))
		obsmetrics.Pipeline().IncWebhookEvent(provider, "", "rejected")
		return Ack{}, fmt.Errorf("%w: %v", adapters.ErrInvalidPayload, err)
	}

	event, alreadyProcessed, err := s.ledger.RecordEvent(ctx, RecordInput{
		Provider:        provider,
		ExternalEventID: env.ExternalEventID,
		EventType:       env.Type,
		Summary:         env.Summary,
		RawPayload:      body,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidEvent) {
			return Ack{}, fmt.Errorf("%w: %v", adapters.ErrInvalidPayload, err)
		}
		return Ack{}, err
	}
	log = log.With(
		zap.String("external_event_id", event.ExternalEventID),
		zap.String("event_type", event.EventType),
	)
	if event.RetryCount == 0 {
		s.archiver.Go(ctx, provider, event.ExternalEventID, event.CreatedAt, body)
	}

	ack := Ack{EventID: event.ID, ExternalEventID: event.ExternalEventID, Status: event.Status}
	if alreadyProcessed {
		obsmetrics.Pipeline().IncWebhookEvent(provider, event.EventType, "duplicate")
		log.Info("webhook.event.duplicate", zap.String("status", string(event.Status)))
		ack.Duplicate = true
		return ack, nil
	}

	legacy, err := s.ledger.HasLegacyPayment(ctx, provider, event.ExternalEventID)
	if err != nil {
		log.Warn("webhook.legacy_check.failed", zap.Error(err))
	}
	if legacy {
		if err := s.ledger.MarkSkipped(ctx, event.ID, "payment already recorded"); err != nil {
			log.Warn("webhook.event.skip_failed", zap.Error(err))
		}
		obsmetrics.Pipeline().IncWebhookEvent(provider, event.EventType, "duplicate")
		ack.Status = domain.StatusSkipped
		ack.Duplicate = true
		return ack, nil
	}

	if event.Status == domain.StatusProcessing {
		// Another worker owns it; a stuck row is picked up by the redrive job.
		return ack, nil
	}

	if err := s.dispatch(ctx, event); err != nil {
		log.Warn("webhook.dispatch.failed", zap.Error(err))
	}
	if current, err := s.ledger.Get(ctx, event.ID); err == nil {
		ack.Status = current.Status
	}
	return ack, nil
}

func (s *Intake) dispatch(ctx context.Context, event *domain.Event) error {
	job, err := ProcessJob(event)
	if err != nil {
		return err
	}
	return s.dispatcher.Dispatch(ctx, job)
}

// Replay re-dispatches a row an operator chose. Terminal rows are refused.
func (s *Intake) Replay(ctx context.Context, id snowflake.ID) (*domain.Event, error) {
	event, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if event.Status.Terminal() {
		return event, domain.ErrEventAlreadyProcessed
	}
	s.log.Info("webhook.event.replay",
		zap.String("event_id", event.ID.String()),
		zap.String("status", string(event.Status)),
	)
	if err := s.dispatch(ctx, event); err != nil {
		return event, err
	}
	return s.ledger.Get(ctx, id)
}

// Redrive re-dispatches rows idle for longer than olderThan: received rows
// whose inline dispatch died, stuck processing rows, and failed rows under
// maxRetries. It returns how many rows were handed off.
func (s *Intake) Redrive(ctx context.Context, olderThan time.Duration, maxRetries, limit int) (int, error) {
	events, err := s.ledger.ListForRedrive(ctx, olderThan, maxRetries, limit)
	if err != nil {
		return 0, err
	}
	var (
		errs []error
		sent int
	)
	for i := range events {
		event := &events[i]
		if err := s.ledger.BumpRetry(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("bump %s: %w", event.ID, err))
			continue
		}
		if err := s.dispatch(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("dispatch %s: %w", event.ID, err))
			continue
		}
		sent++
	}
	if sent > 0 {
		s.log.Info("webhook.redrive", zap.Int("dispatched", sent), zap.Int("candidates", len(events)))
	}
	return sent, errors.Join(errs...)
}
