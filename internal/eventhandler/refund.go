package eventhandler

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/payrail/internal/fee"
	"github.com/smallbiznis/payrail/internal/notification"
	"github.com/smallbiznis/payrail/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/payrail/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RefundProcessed writes a negative payment row for a refund, scaling the
// fee split recorded on the original charge.
type RefundProcessed struct{ Deps }

func (h RefundProcessed) Name() string { return "refund.processed" }

// LockKey shares the original charge's key so refunds of one charge are serialized.
func (h RefundProcessed) LockKey(ev *adapters.Event) string {
	return lockKey("payment", ev.Provider, ev.Reference)
}

func (h RefundProcessed) Apply(ctx context.Context, tx *gorm.DB, ev *adapters.Event) (Effect, error) {
	if err := require(map[string]string{
		"reference": ev.Reference,
		"refund_id": ev.RefundID,
	}); err != nil {
		return Effect{}, err
	}

	existing, err := h.Payments.FindByRef(ctx, tx, ev.Provider, paymentdomain.TypeRefund, ev.RefundID)
	if err != nil {
		return Effect{}, err
	}
	if existing != nil {
		h.Log.Debug("eventhandler.refund.duplicate", zap.String("refund_id", ev.RefundID))
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
		return Effect{}, fmt.Errorf("%w: refund %d exceeds remaining %d of charge %s",
			ErrInvariant, amount, remaining, ev.Reference)
	}

	b, err := fee.Proportional(originalOf(original), amount)
	if err != nil {
		return Effect{}, classifyFeeErr(err)
	}
	if err := checkBreakdown(b); err != nil {
		return Effect{}, err
	}

	now := h.now()
	p := &paymentdomain.Payment{
		ID:                h.GenID.Generate(),
		SubscriptionID:    original.SubscriptionID,
		ParentID:          &original.ID,
		CreatorID:         original.CreatorID,
		SubscriberID:      original.SubscriberID,
		Type:              paymentdomain.TypeRefund,
		Status:            paymentdomain.StatusSucceeded,
		Currency:          original.Currency,
		ExternalEventID:   eventID(ev),
		FeeModel:          original.FeeModel,
		Purpose:           original.Purpose,
		ReportingCurrency: original.ReportingCurrency,
		Metadata: metadata(map[string]any{
			"charge_reference": ev.Reference,
			"reason":           ev.Reason,
		}),
		CreatedAt: now,
	}
	negate(p, b)
	if err := p.SetRef(ev.Provider, ev.RefundID); err != nil {
		return Effect{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	inserted, err := h.Payments.Insert(ctx, tx, p)
	if err != nil {
		return Effect{}, err
	}
	if !inserted {
		return Effect{}, nil
	}

	if original.SubscriptionID != nil {
		_, err := h.Subscriptions.AdjustLTV(ctx, tx, *original.SubscriptionID, -b.NetCents, now)
		if err != nil && !errors.Is(err, subscriptiondomain.ErrNotFound) {
			return Effect{}, err
		}
	}

	effect := Effect{Applied: true}
	if ev.SubscriberEmail != "" {
		effect.Notifications = append(effect.Notifications, notification.RefundIssued(
			ev.SubscriberEmail,
			"refund:"+ev.Provider+":"+ev.RefundID,
			b.GrossCents,
			original.Currency,
			ev.Reference,
		))
	}
	return effect, nil
}
