package eventhandler

import (
	"context"
	"fmt"

	"github.com/smallbiznis/payrail/internal/notification"
	"github.com/smallbiznis/payrail/internal/payment/adapters"
	subscriptiondomain "github.com/smallbiznis/payrail/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SubscriptionUpserted mirrors provider-side subscription state. Status
// changes go through the same transition table the billing scheduler uses.
type SubscriptionUpserted struct{ Deps }

func (h SubscriptionUpserted) Name() string { return "subscription.updated" }

func (h SubscriptionUpserted) LockKey(ev *adapters.Event) string {
	return lockKey("subscription", ev.Provider, ev.SubscriptionRef)
}

func (h SubscriptionUpserted) Apply(ctx context.Context, tx *gorm.DB, ev *adapters.Event) (Effect, error) {
	if err := require(map[string]string{"subscription_ref": ev.SubscriptionRef}); err != nil {
		return Effect{}, err
	}
	sub, err := h.Subscriptions.FindByProviderRef(ctx, tx, ev.Provider, ev.SubscriptionRef, true)
	if err != nil {
		return Effect{}, err
	}
	if sub == nil {
		return h.create(ctx, tx, ev)
	}
	if sub.Status == subscriptiondomain.StatusCanceled {
		return Effect{}, nil
	}

	status := subscriptiondomain.Status(ev.Status)
	if status == "" {
		status = sub.Status
	}
	if status != sub.Status && !subscriptiondomain.CanTransition(sub.Status, status) {
		h.Log.Warn("eventhandler.subscription.transition_ignored",
			zap.String("subscription_ref", sub.ProviderRef),
			zap.String("from", string(sub.Status)),
			zap.String("to", string(status)),
		)
		status = sub.Status
	}
	if status == sub.Status && sub.CancelAtPeriodEnd == ev.CancelAtPeriodEnd && samePeriodEnd(sub, ev) {
		return Effect{}, nil
	}

	updated, err := h.Subscriptions.ApplyProviderUpdate(ctx, tx, sub.ID, sub.Status, subscriptiondomain.ProviderUpdate{
		Status:            status,
		CurrentPeriodEnd:  ev.PeriodEnd,
		CancelAtPeriodEnd: ev.CancelAtPeriodEnd,
	}, h.now())
	if err != nil {
		return Effect{}, err
	}
	effect := Effect{Applied: updated}
	if updated && status == subscriptiondomain.StatusCanceled && ev.SubscriberEmail != "" {
		effect.Notifications = append(effect.Notifications, notification.SubscriptionCanceled(
			ev.SubscriberEmail, "subscription_canceled:"+ev.Provider+":"+sub.ProviderRef, sub.ProviderRef))
	}
	return effect, nil
}

func (h SubscriptionUpserted) create(ctx context.Context, tx *gorm.DB, ev *adapters.Event) (Effect, error) {
	if err := require(map[string]string{
		"creator_id":    ev.CreatorID,
		"subscriber_id": ev.SubscriberID,
		"currency":      ev.Currency,
	}); err != nil {
		return Effect{}, err
	}
	status := subscriptiondomain.Status(ev.Status)
	switch status {
	case subscriptiondomain.StatusActive, subscriptiondomain.StatusPastDue, subscriptiondomain.StatusPaused, subscriptiondomain.StatusCanceled:
	case "":
		status = subscriptiondomain.StatusActive
	default:
		return Effect{}, fmt.Errorf("%w: subscription status %q", ErrValidation, ev.Status)
	}

	now := h.now()
	sub := &subscriptiondomain.Subscription{
		ID:                h.GenID.Generate(),
		Provider:          ev.Provider,
		ProviderRef:       ev.SubscriptionRef,
		CreatorID:         ev.CreatorID,
		SubscriberID:      ev.SubscriberID,
		AmountCents:       ev.AmountCents,
		Currency:          ev.Currency,
		BillingInterval:   ev.Interval,
		Purpose:           ev.Purpose,
		FeeMode:           ev.FeeMode,
		CrossBorder:       ev.CrossBorder,
		Status:            status,
		CurrentPeriodEnd:  ev.PeriodEnd,
		CancelAtPeriodEnd: ev.CancelAtPeriodEnd,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if sub.BillingInterval == "" {
		sub.BillingInterval = "month"
	}
	if status == subscriptiondomain.StatusCanceled {
		sub.CanceledAt = &now
	}
	if err := h.Subscriptions.Insert(ctx, tx, sub); err != nil {
		return Effect{}, err
	}
	return Effect{Applied: true}, nil
}

func samePeriodEnd(sub *subscriptiondomain.Subscription, ev *adapters.Event) bool {
	if ev.PeriodEnd == nil {
		return true
	}
	return sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.Equal(*ev.PeriodEnd)
}

// SubscriptionDeleted cancels the subscription. Canceled is terminal, so a
// redelivery finds nothing to do.
type SubscriptionDeleted struct{ Deps }

func (h SubscriptionDeleted) Name() string { return "subscription.deleted" }

func (h SubscriptionDeleted) LockKey(ev *adapters.Event) string {
	return lockKey("subscription", ev.Provider, ev.SubscriptionRef)
}

func (h SubscriptionDeleted) Apply(ctx context.Context, tx *gorm.DB, ev *adapters.Event) (Effect, error) {
	if err := require(map[string]string{"subscription_ref": ev.SubscriptionRef}); err != nil {
		return Effect{}, err
	}
	sub, err := h.Subscriptions.FindByProviderRef(ctx, tx, ev.Provider, ev.SubscriptionRef, true)
	if err != nil {
		return Effect{}, err
	}
	if sub == nil {
		h.Log.Warn("eventhandler.subscription.unknown",
			zap.String("provider", ev.Provider),
			zap.String("subscription_ref", ev.SubscriptionRef),
		)
		return Effect{}, nil
	}
	if !subscriptiondomain.CanTransition(sub.Status, subscriptiondomain.StatusCanceled) {
		return Effect{}, nil
	}
	moved, err := h.Subscriptions.Transition(ctx, tx, sub.ID, sub.Status, subscriptiondomain.StatusCanceled, h.now())
	if err != nil || !moved {
		return Effect{}, err
	}
	effect := Effect{Applied: true}
	if ev.SubscriberEmail != "" {
		effect.Notifications = append(effect.Notifications, notification.SubscriptionCanceled(
			ev.SubscriberEmail, "subscription_canceled:"+ev.Provider+":"+sub.ProviderRef, sub.ProviderRef))
	}
	return effect, nil
}
