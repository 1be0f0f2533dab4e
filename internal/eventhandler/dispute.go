package eventhandler

import (
	"context"
	"errors"
	"fmt"
	"time"

	alertdomain "github.com/smallbiznis/payrail/internal/alert/domain"
	alertservice "github.com/smallbiznis/payrail/internal/alert/service"
	disputedomain "github.com/smallbiznis/payrail/internal/dispute/domain"
	"github.com/smallbiznis/payrail/internal/fee"
	"github.com/smallbiznis/payrail/internal/notification"
	"github.com/smallbiznis/payrail/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/payrail/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DisputeCreated opens a dispute: it writes a negative payment row, debits
// the subscription LTV and counts the dispute against the subscriber.
type DisputeCreated struct{ Deps }

func (h DisputeCreated) Name() string { return "dispute.created" }

// LockKey shares the charge's key so refunds and disputes against one charge
// are bounded together.
func (h DisputeCreated) LockKey(ev *adapters.Event) string {
	return lockKey("payment", ev.Provider, ev.Reference)
}

func (h DisputeCreated) Apply(ctx context.Context, tx *gorm.DB, ev *adapters.Event) (Effect, error) {
	if err := require(map[string]string{
		"dispute_id": ev.DisputeID,
		"reference":  ev.Reference,
	}); err != nil {
		return Effect{}, err
	}

	existing, err := h.Disputes.Find(ctx, tx, ev.Provider, ev.DisputeID, true)
	if err != nil {
		return Effect{}, err
	}
	if existing != nil {
		h.Log.Debug("eventhandler.dispute.duplicate", zap.String("dispute_id", ev.DisputeID))
		return Effect{}, nil
	}

	original, err := h.Payments.FindByRef(ctx, tx, ev.Provider, paymentdomain.TypeCharge, ev.Reference)
	if err != nil {
		return Effect{}, err
	}
	if original == nil {
		return Effect{}, fmt.Errorf("%w: charge %s", ErrOriginalNotFound, ev.Reference)
	}
	remaining, err := h.remaining(ctx, tx, original)
	if err != nil {
		return Effect{}, err
	}
	amount := ev.AmountCents
	if amount == 0 {
		amount = remaining
	}
	if amount <= 0 || amount > remaining {
		return Effect{}, fmt.Errorf("%w: dispute %d exceeds remaining %d of charge %s",
			ErrInvariant, amount, remaining, ev.Reference)
	}
	b, err := fee.Proportional(originalOf(original), amount)
	if err != nil {
		return Effect{}, classifyFeeErr(err)
	}

	subscriberID := ev.SubscriberID
	if subscriberID == "" && original.SubscriberID != nil {
		subscriberID = *original.SubscriberID
	}

	now := h.now()
	d := &disputedomain.Dispute{
		ID:             h.GenID.Generate(),
		Provider:       ev.Provider,
		DisputeID:      ev.DisputeID,
		PaymentID:      &original.ID,
		SubscriptionID: original.SubscriptionID,
		SubscriberID:   subscriberID,
		AmountCents:    amount,
		Currency:       original.Currency,
		Status:         disputedomain.StatusOpen,
		CreatedAt:      now,
	}
	inserted, err := h.Disputes.Insert(ctx, tx, d)
	if err != nil {
		return Effect{}, err
	}
	if !inserted {
		return Effect{}, nil
	}

	p := &paymentdomain.Payment{
		ID:                h.GenID.Generate(),
		SubscriptionID:    original.SubscriptionID,
		ParentID:          &original.ID,
		CreatorID:         original.CreatorID,
		SubscriberID:      original.SubscriberID,
		Type:              paymentdomain.TypeDispute,
		Status:            paymentdomain.StatusSucceeded,
		Currency:          original.Currency,
		ExternalEventID:   eventID(ev),
		FeeModel:          original.FeeModel,
		Purpose:           original.Purpose,
		ReportingCurrency: original.ReportingCurrency,
		Metadata:          metadata(map[string]any{"charge_reference": ev.Reference, "reason": ev.Reason}),
		CreatedAt:         now,
	}
	negate(p, b)
	if err := p.SetRef(ev.Provider, ev.DisputeID); err != nil {
		return Effect{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if _, err := h.Payments.Insert(ctx, tx, p); err != nil {
		return Effect{}, err
	}

	if original.SubscriptionID != nil {
		applied, err := h.Subscriptions.AdjustLTV(ctx, tx, *original.SubscriptionID, -b.NetCents, now)
		if err != nil && !errors.Is(err, subscriptiondomain.ErrNotFound) {
			return Effect{}, err
		}
		if applied != 0 {
			if err := h.Disputes.SetLTVDebit(ctx, tx, d.ID, -applied); err != nil {
				return Effect{}, err
			}
		}
	}

	effect := Effect{Applied: true}
	if subscriberID != "" {
		count, err := h.Disputes.IncrementDisputeCount(ctx, tx, subscriberID, now)
		if err != nil {
			return Effect{}, err
		}
		if count >= h.blockThreshold() {
			blocked, err := h.Disputes.Block(ctx, tx, subscriberID, now)
			if err != nil {
				return Effect{}, err
			}
			if blocked {
				effect.Alerts = append(effect.Alerts, alertservice.Input{
					Kind:     alertdomain.KindSubscriberBlocked,
					Severity: alertdomain.SeverityWarning,
					Provider: ev.Provider,
					Message:  "subscriber blocked after repeated disputes",
					Details: map[string]any{
						"subscriber_id": subscriberID,
						"dispute_count": count,
						"dispute_id":    ev.DisputeID,
					},
				})
			}
		}
	}
	if ev.SubscriberEmail != "" {
		effect.Notifications = append(effect.Notifications, notification.DisputeOpened(
			ev.SubscriberEmail,
			"dispute:"+ev.Provider+":"+ev.DisputeID,
			amount,
			original.Currency,
			ev.DisputeID,
		))
	}
	return effect, nil
}

// DisputeResolved closes an open dispute. A won dispute restores exactly the
// LTV that opening it removed; a lost dispute cancels the subscription.
type DisputeResolved struct{ Deps }

func (h DisputeResolved) Name() string { return "dispute.resolved" }

func (h DisputeResolved) LockKey(ev *adapters.Event) string {
	return lockKey("dispute", ev.Provider, ev.DisputeID)
}

func (h DisputeResolved) Apply(ctx context.Context, tx *gorm.DB, ev *adapters.Event) (Effect, error) {
	if err := require(map[string]string{
		"dispute_id": ev.DisputeID,
		"outcome":    ev.DisputeOutcome,
	}); err != nil {
		return Effect{}, err
	}
	outcome := disputedomain.Status(ev.DisputeOutcome)
	if outcome != disputedomain.StatusWon && outcome != disputedomain.StatusLost {
		return Effect{}, fmt.Errorf("%w: outcome %q", ErrValidation, ev.DisputeOutcome)
	}

	d, err := h.Disputes.Find(ctx, tx, ev.Provider, ev.DisputeID, true)
	if err != nil {
		return Effect{}, err
	}
	if d == nil {
		return Effect{}, fmt.Errorf("%w: dispute %s", ErrOriginalNotFound, ev.DisputeID)
	}
	if d.Status != disputedomain.StatusOpen {
		return Effect{}, nil
	}

	now := h.now()
	resolved, err := h.Disputes.Resolve(ctx, tx, d.ID, outcome, now)
	if err != nil {
		return Effect{}, err
	}
	if !resolved {
		return Effect{}, nil
	}

	effect := Effect{Applied: true}
	switch outcome {
	case disputedomain.StatusWon:
		if err := h.reverse(ctx, tx, ev, d, now); err != nil {
			return Effect{}, err
		}
	case disputedomain.StatusLost:
		msg, err := h.cancel(ctx, tx, ev, d, now)
		if err != nil {
			return Effect{}, err
		}
		if msg != nil {
			effect.Notifications = append(effect.Notifications, *msg)
		}
	}
	return effect, nil
}

func (h DisputeResolved) reverse(ctx context.Context, tx *gorm.DB, ev *adapters.Event, d *disputedomain.Dispute, now time.Time) error {
	if d.SubscriptionID != nil && d.LTVDebitCents > 0 {
		_, err := h.Subscriptions.AdjustLTV(ctx, tx, *d.SubscriptionID, d.LTVDebitCents, now)
		if err != nil && !errors.Is(err, subscriptiondomain.ErrNotFound) {
			return err
		}
	}

	debit, err := h.Payments.FindByRef(ctx, tx, ev.Provider, paymentdomain.TypeDispute, ev.DisputeID)
	if err != nil || debit == nil {
		return err
	}
	p := &paymentdomain.Payment{
		ID:                   h.GenID.Generate(),
		SubscriptionID:       debit.SubscriptionID,
		ParentID:             debit.ParentID,
		CreatorID:            debit.CreatorID,
		SubscriberID:         debit.SubscriberID,
		Type:                 paymentdomain.TypeDisputeReversal,
		Status:               paymentdomain.StatusSucceeded,
		AmountCents:          -debit.AmountCents,
		GrossCents:           -debit.GrossCents,
		FeeCents:             -debit.FeeCents,
		NetCents:             -debit.NetCents,
		CreatorFeeCents:      -debit.CreatorFeeCents,
		SubscriberFeeCents:   -debit.SubscriberFeeCents,
		Currency:             debit.Currency,
		ExternalEventID:      eventID(ev),
		FeeModel:             debit.FeeModel,
		Purpose:              debit.Purpose,
		ReportingCurrency:    debit.ReportingCurrency,
		ReportingAmountCents: -debit.ReportingAmountCents,
		Metadata:             metadata(map[string]any{"ltv_restored_cents": d.LTVDebitCents}),
		CreatedAt:            now,
	}
	if err := p.SetRef(ev.Provider, ev.DisputeID); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	_, err = h.Payments.Insert(ctx, tx, p)
	return err
}

func (h DisputeResolved) cancel(ctx context.Context, tx *gorm.DB, ev *adapters.Event, d *disputedomain.Dispute, now time.Time) (*notification.Message, error) {
	if d.SubscriptionID == nil {
		return nil, nil
	}
	sub, err := h.Subscriptions.FindByID(ctx, tx, *d.SubscriptionID, true)
	if err != nil || sub == nil {
		return nil, err
	}
	if !subscriptiondomain.CanTransition(sub.Status, subscriptiondomain.StatusCanceled) {
		return nil, nil
	}
	moved, err := h.Subscriptions.Transition(ctx, tx, sub.ID, sub.Status, subscriptiondomain.StatusCanceled, now)
	if err != nil || !moved {
		return nil, err
	}
	h.Log.Info("eventhandler.dispute.subscription_canceled",
		zap.String("dispute_id", d.DisputeID),
		zap.String("subscription_ref", sub.ProviderRef),
	)
	if ev.SubscriberEmail == "" {
		return nil, nil
	}
	msg := notification.SubscriptionCanceled(ev.SubscriberEmail, "dispute_lost:"+ev.Provider+":"+d.DisputeID, sub.ProviderRef)
	return &msg, nil
}
