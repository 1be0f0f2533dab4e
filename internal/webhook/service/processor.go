package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/dispatch"
	"github.com/smallbiznis/payrail/internal/eventhandler"
	"github.com/smallbiznis/payrail/internal/lock"
	obslogger "github.com/smallbiznis/payrail/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/payrail/internal/observability/metrics"
	"github.com/smallbiznis/payrail/internal/observability/tracing"
	"github.com/smallbiznis/payrail/internal/payment/adapters"
	"github.com/smallbiznis/payrail/internal/webhook/domain"
	dbpkg "github.com/smallbiznis/payrail/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ProcessorParams struct {
	fx.In

	Ledger   *Ledger
	Adapters *adapters.Registry
	Handlers *eventhandler.Registry
	Clock    clock.Clock
	Log      *zap.Logger
}

// Processor is the worker side: it claims a ledger row, routes the parsed
// event and settles the row.
type Processor struct {
	ledger   *Ledger
	adapters *adapters.Registry
	handlers *eventhandler.Registry
	validate *validator.Validate
	clock    clock.Clock
	log      *zap.Logger
	tracer   trace.Tracer
}

func NewProcessor(p ProcessorParams) *Processor {
	return &Processor{
		ledger:   p.Ledger,
		adapters: p.Adapters,
		handlers: p.Handlers,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		clock:    p.Clock,
		log:      p.Log.Named("webhook.processor"),
		tracer:   tracing.Tracer("webhook.processor"),
	}
}

// Handle is registered on the dispatch mux for webhook.process jobs.
func (p *Processor) Handle(ctx context.Context, job dispatch.Job) (err error) {
	var payload ProcessPayload
	if err := job.Decode(&payload); err != nil {
		return dispatch.Permanent(err)
	}

	ctx, span := p.tracer.Start(ctx, "webhook.process", trace.WithAttributes(
		attribute.String("webhook.provider", payload.Provider),
		attribute.String("webhook.event_id", payload.EventID.String()),
		attribute.String("dispatch.job_id", job.ID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	log := obslogger.WithContext(ctx, p.log).With(
		zap.String("event_id", payload.EventID.String()),
		zap.String("provider", payload.Provider),
	)

	event, err := p.ledger.Get(ctx, payload.EventID)
	if err != nil {
		if errors.Is(err, domain.ErrEventNotFound) {
			return dispatch.Permanent(err)
		}
		return err
	}
	if event.Status.Terminal() {
		log.Debug("webhook.event.terminal", zap.String("status", string(event.Status)))
		return nil
	}
	span.SetAttributes(attribute.String("webhook.event_type", event.EventType))
	log = log.With(
		zap.String("external_event_id", event.ExternalEventID),
		zap.String("event_type", event.EventType),
	)

	claimed, err := p.ledger.MarkProcessing(ctx, event.ID)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("webhook.event.claim_lost")
		return nil
	}
	startedAt := p.clock.Now()
	outcome := "failed"
	defer func() {
		obsmetrics.Pipeline().IncWebhookEvent(event.Provider, event.EventType, outcome)
		obsmetrics.Pipeline().ObserveWebhookProcessing(event.Provider, p.clock.Now().Sub(startedAt))
	}()

	parsed, err := p.parse(event)
	if err != nil {
		log.Warn("webhook.event.invalid", zap.Error(err))
		p.fail(ctx, log, event, startedAt, err)
		return dispatch.Permanent(err)
	}

	routed, err := p.handlers.Route(ctx, parsed)
	switch {
	case err == nil:
		if markErr := p.ledger.MarkProcessed(ctx, event.ID, startedAt); markErr != nil {
			return markErr
		}
		outcome = string(routed)
		log.Info("webhook.event.processed", zap.String("outcome", outcome))
		return nil

	case errors.Is(err, lock.ErrNotAcquired):
		// The key is shared by related events, so the holder is another
		// event. Leave the row retryable and let the queue or redrive back off.
		outcome = "deferred"
		log.Info("webhook.event.deferred", zap.Error(err))
		p.fail(ctx, log, event, startedAt, err)
		return err

	case errors.Is(err, eventhandler.ErrValidation), errors.Is(err, eventhandler.ErrInvariant):
		log.Warn("webhook.event.rejected", zap.Error(err))
		p.fail(ctx, log, event, startedAt, err)
		return dispatch.Permanent(err)

	default:
		log.Error("webhook.event.failed", zap.Error(err), zap.Bool("transient_db", dbpkg.IsRetryable(err)))
		p.fail(ctx, log, event, startedAt, err)
		return err
	}
}

func (p *Processor) parse(event *domain.Event) (*adapters.Event, error) {
	if len(event.RawPayload) == 0 {
		return nil, fmt.Errorf("%w: raw payload missing", eventhandler.ErrValidation)
	}
	adapter, err := p.adapters.Get(event.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", eventhandler.ErrValidation, err)
	}
	parsed, err := adapter.Parse(event.RawPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", eventhandler.ErrValidation, err)
	}
	if err := p.validate.Struct(parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", eventhandler.ErrValidation, err)
	}
	return parsed, nil
}

func (p *Processor) fail(ctx context.Context, log *zap.Logger, event *domain.Event, startedAt time.Time, cause error) {
	if err := p.ledger.MarkFailed(ctx, event.ID, startedAt, cause); err != nil {
		log.Error("webhook.event.mark_failed", zap.Error(err))
	}
}
