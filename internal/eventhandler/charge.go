package eventhandler

import (
	"context"
	"fmt"

	"github.com/smallbiznis/payrail/internal/fee"
	"github.com/smallbiznis/payrail/internal/notification"
	"github.com/smallbiznis/payrail/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/payrail/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ChargeSucceeded records a captured charge with its fee breakdown and
// credits the subscription's lifetime value.
type ChargeSucceeded struct{ Deps }

func (h ChargeSucceeded) Name() string { return "charge.succeeded" }

func (h ChargeSucceeded) LockKey(ev *adapters.Event) string {
	return lockKey("payment", ev.Provider, ev.Reference)
}

func (h ChargeSucceeded) Apply(ctx context.Context, tx *gorm.DB, ev *adapters.Event) (Effect, error) {
	if err := require(map[string]string{
		"reference":  ev.Reference,
		"currency":   ev.Currency,
		"creator_id": ev.CreatorID,
		"purpose":    ev.Purpose,
		"fee_mode":   ev.FeeMode,
	}); err != nil {
		return Effect{}, err
	}
	if ev.AmountCents <= 0 {
		return Effect{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	existing, err := h.Payments.FindByRef(ctx, tx, ev.Provider, paymentdomain.TypeCharge, ev.Reference)
	if err != nil {
		return Effect{}, err
	}
	if existing != nil {
		h.Log.Debug("eventhandler.charge.duplicate", zap.String("reference", ev.Reference))
		return Effect{}, nil
	}

	b, err := fee.Calculate(h.Fees.Get(), fee.Input{
		AmountCents: ev.AmountCents,
		Currency:    ev.Currency,
		Purpose:     fee.Purpose(ev.Purpose),
		Mode:        fee.Mode(ev.FeeMode),
		CrossBorder: ev.CrossBorder,
	})
	if err != nil {
		return Effect{}, classifyFeeErr(err)
	}
	if err := checkBreakdown(b); err != nil {
		return Effect{}, err
	}

	var sub *subscriptiondomain.Subscription
	if ev.SubscriptionRef != "" {
		sub, err = h.Subscriptions.FindByProviderRef(ctx, tx, ev.Provider, ev.SubscriptionRef, true)
		if err != nil {
			return Effect{}, err
		}
	}

	now := h.now()
	p := &paymentdomain.Payment{
		ID:                   h.GenID.Generate(),
		CreatorID:            ev.CreatorID,
		SubscriberID:         optionalString(ev.SubscriberID),
		Type:                 paymentdomain.TypeCharge,
		Status:               paymentdomain.StatusSucceeded,
		AmountCents:          b.AmountCents,
		GrossCents:           b.GrossCents,
		FeeCents:             b.FeeCents,
		NetCents:             b.NetCents,
		CreatorFeeCents:      b.CreatorFeeCents,
		SubscriberFeeCents:   b.SubscriberFeeCents,
		Currency:             ev.Currency,
		ExternalEventID:      eventID(ev),
		FeeModel:             ev.FeeMode,
		Purpose:              ev.Purpose,
		ReportingCurrency:    ev.Currency,
		ReportingAmountCents: b.AmountCents,
		Metadata: metadata(map[string]any{
			"rate_bps":       b.RateBps,
			"effective_rate": b.EffectiveRate,
			"capped":         b.Capped,
			"floored":        b.Floored,
			"fee_currency":   b.Currency,
			"cross_border":   ev.CrossBorder,
		}),
		CreatedAt: now,
	}
	if sub != nil {
		p.SubscriptionID = &sub.ID
	}
	if err := p.SetRef(ev.Provider, ev.Reference); err != nil {
		return Effect{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	inserted, err := h.Payments.Insert(ctx, tx, p)
	if err != nil {
		return Effect{}, err
	}
	if !inserted {
		return Effect{}, nil
	}

	if sub != nil {
		if _, err := h.Subscriptions.AdjustLTV(ctx, tx, sub.ID, b.NetCents, now); err != nil {
			return Effect{}, err
		}
		periodEnd := sub.NextPeriodEnd(now)
		if sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(now) {
			periodEnd = *sub.CurrentPeriodEnd
		}
		if ev.PeriodEnd != nil && ev.PeriodEnd.After(now) {
			periodEnd = *ev.PeriodEnd
		}
		if err := h.Subscriptions.RecordCharge(ctx, tx, sub.ID, periodEnd, now); err != nil {
			return Effect{}, err
		}
	}

	effect := Effect{Applied: true}
	if ev.SubscriberEmail != "" {
		effect.Notifications = append(effect.Notifications, notification.PaymentReceipt(
			ev.SubscriberEmail,
			"receipt:"+ev.Provider+":"+ev.Reference,
			b.GrossCents,
			ev.Currency,
			ev.Reference,
		))
	}
	return effect, nil
}

// ChargeFailed moves an active subscription into past_due and schedules the
// first billing retry.
type ChargeFailed struct{ Deps }

func (h ChargeFailed) Name() string { return "charge.failed" }

func (h ChargeFailed) LockKey(ev *adapters.Event) string {
	ref := ev.SubscriptionRef
	if ref == "" {
		ref = ev.Reference
	}
	return lockKey("subscription", ev.Provider, ref)
}

func (h ChargeFailed) Apply(ctx context.Context, tx *gorm.DB, ev *adapters.Event) (Effect, error) {
	if ev.SubscriptionRef == "" {
		// One-off charges have no recurring state to move.
		return Effect{}, nil
	}
	sub, err := h.Subscriptions.FindByProviderRef(ctx, tx, ev.Provider, ev.SubscriptionRef, true)
	if err != nil {
		return Effect{}, err
	}
	if sub == nil {
		h.Log.Warn("eventhandler.charge_failed.unknown_subscription",
			zap.String("provider", ev.Provider),
			zap.String("subscription_ref", ev.SubscriptionRef),
		)
		return Effect{}, nil
	}
	if sub.Status != subscriptiondomain.StatusActive {
		return Effect{}, nil
	}

	now := h.now()
	moved, err := h.Subscriptions.Transition(ctx, tx, sub.ID, subscriptiondomain.StatusActive, subscriptiondomain.StatusPastDue, now)
	if err != nil {
		return Effect{}, err
	}
	if !moved {
		return Effect{}, nil
	}
	if _, err := h.Subscriptions.ScheduleRetry(ctx, tx, sub.ID, subscriptiondomain.StatusPastDue, 0, now.Add(h.firstRetry()), now); err != nil {
		return Effect{}, err
	}

	effect := Effect{Applied: true}
	if ev.SubscriberEmail != "" {
		amount := ev.AmountCents
		if amount == 0 {
			amount = sub.AmountCents
		}
		currency := ev.Currency
		if currency == "" {
			currency = sub.Currency
		}
		effect.Notifications = append(effect.Notifications, notification.PaymentFailed(
			ev.SubscriberEmail,
			"charge_failed:"+ev.Provider+":"+ev.ExternalEventID,
			amount,
			currency,
			ev.Reason,
		))
	}
	return effect, nil
}
