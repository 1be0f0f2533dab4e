package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/clock"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	"github.com/smallbiznis/payrail/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type LedgerParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Payments paymentdomain.Repository
}

// Ledger records every inbound webhook once per (provider, external event id)
// and tracks its processing status.
type Ledger struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	payments paymentdomain.Repository
}

func NewLedger(p LedgerParams) *Ledger {
	return &Ledger{
		db:       p.DB,
		log:      p.Log.Named("webhook.ledger"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		payments: p.Payments,
	}
}

type RecordInput struct {
	Provider        string
	ExternalEventID string
	EventType       string
	Summary         map[string]any
	RawPayload      []byte
}

// RecordEvent inserts the event as received. A redelivery bumps retry_count
// on the existing row instead. alreadyProcessed is true when the existing row
// is terminal.
func (l *Ledger) RecordEvent(ctx context.Context, in RecordInput) (*domain.Event, bool, error) {
	if in.Provider == "" || in.ExternalEventID == "" || in.EventType == "" {
		return nil, false, domain.ErrInvalidEvent
	}
	summary, err := json.Marshal(in.Summary)
	if err != nil || in.Summary == nil {
		summary = []byte(`{}`)
	}
	var raw datatypes.JSON
	if json.Valid(in.RawPayload) {
		raw = datatypes.JSON(in.RawPayload)
	}

	now := l.clock.Now()
	event := &domain.Event{
		ID:              l.genID.Generate(),
		Provider:        in.Provider,
		ExternalEventID: in.ExternalEventID,
		EventType:       in.EventType,
		Status:          domain.StatusReceived,
		PayloadSummary:  datatypes.JSON(summary),
		RawPayload:      raw,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	inserted, err := l.repo.Insert(ctx, l.db, event)
	if err != nil {
		return nil, false, fmt.Errorf("record webhook event: %w", err)
	}
	if inserted {
		l.log.Info("webhook.event.recorded",
			zap.String("provider", in.Provider),
			zap.String("external_event_id", in.ExternalEventID),
			zap.String("event_type", in.EventType),
			zap.String("event_id", event.ID.String()),
		)
		return event, false, nil
	}

	if err := l.repo.IncrementRetry(ctx, l.db, in.Provider, in.ExternalEventID, now); err != nil {
		return nil, false, fmt.Errorf("bump webhook retry: %w", err)
	}
	existing, err := l.repo.FindByExternalID(ctx, l.db, in.Provider, in.ExternalEventID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, domain.ErrEventNotFound
	}
	l.log.Info("webhook.event.redelivered",
		zap.String("provider", in.Provider),
		zap.String("external_event_id", in.ExternalEventID),
		zap.String("status", string(existing.Status)),
		zap.Int("retry_count", existing.RetryCount),
	)
	return existing, existing.Status.Terminal(), nil
}

// MarkProcessing claims the row for a worker. It reports false when the row
// is terminal or was claimed by a conflicting transition.
func (l *Ledger) MarkProcessing(ctx context.Context, id snowflake.ID) (bool, error) {
	return l.repo.Transition(ctx, l.db, id, domain.AllowedFrom(domain.StatusProcessing), domain.StatusProcessing, domain.Update{
		Now: l.clock.Now(),
	})
}

func (l *Ledger) MarkProcessed(ctx context.Context, id snowflake.ID, startedAt time.Time) error {
	now := l.clock.Now()
	ms := now.Sub(startedAt).Milliseconds()
	_, err := l.repo.Transition(ctx, l.db, id, domain.AllowedFrom(domain.StatusProcessed), domain.StatusProcessed, domain.Update{
		Now:              now,
		ProcessingTimeMs: &ms,
		ProcessedAt:      &now,
		ClearError:       true,
	})
	return err
}

func (l *Ledger) MarkFailed(ctx context.Context, id snowflake.ID, startedAt time.Time, cause error) error {
	now := l.clock.Now()
	ms := now.Sub(startedAt).Milliseconds()
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	_, err := l.repo.Transition(ctx, l.db, id, domain.AllowedFrom(domain.StatusFailed), domain.StatusFailed, domain.Update{
		Now:              now,
		Error:            &msg,
		ProcessingTimeMs: &ms,
		ProcessedAt:      &now,
	})
	return err
}

func (l *Ledger) MarkSkipped(ctx context.Context, id snowflake.ID, reason string) error {
	now := l.clock.Now()
	update := domain.Update{Now: now, ProcessedAt: &now}
	if reason != "" {
		update.Error = &reason
	}
	_, err := l.repo.Transition(ctx, l.db, id, domain.AllowedFrom(domain.StatusSkipped), domain.StatusSkipped, update)
	return err
}

func (l *Ledger) Get(ctx context.Context, id snowflake.ID) (*domain.Event, error) {
	event, err := l.repo.FindByID(ctx, l.db, id)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, domain.ErrEventNotFound
	}
	return event, nil
}

func (l *Ledger) List(ctx context.Context, f domain.ListFilter) ([]domain.Event, error) {
	return l.repo.List(ctx, l.db, f)
}

// ListForRedrive returns rows idle since before olderThan that still need a
// worker: received or processing rows, and failed rows under maxRetries.
func (l *Ledger) ListForRedrive(ctx context.Context, olderThan time.Duration, maxRetries, limit int) ([]domain.Event, error) {
	return l.repo.ListForRedrive(ctx, l.db, l.clock.Now().Add(-olderThan), maxRetries, limit)
}

// BumpRetry counts a redrive attempt against the row.
func (l *Ledger) BumpRetry(ctx context.Context, e *domain.Event) error {
	return l.repo.IncrementRetry(ctx, l.db, e.Provider, e.ExternalEventID, l.clock.Now())
}

// HasLegacyPayment reports whether a payment row already carries this
// external event id. Rows written before the ledger existed have no ledger
// entry; the ledger stays authoritative and this is consulted only after it
// says the event is new.
func (l *Ledger) HasLegacyPayment(ctx context.Context, provider, externalEventID string) (bool, error) {
	if l.payments == nil {
		return false, nil
	}
	return l.payments.ExistsForExternalEvent(ctx, l.db, provider, externalEventID)
}
