package eventhandler

import (
	"context"
	"fmt"

	"github.com/smallbiznis/payrail/internal/notification"
	"github.com/smallbiznis/payrail/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/payrail/internal/payout/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PayoutTransition settles a creator payout keyed by transfer code. A failed
// or reversed payout also writes a compensating payout_reversal row.
type PayoutTransition struct {
	Deps
	To payoutdomain.Status
}

func (h PayoutTransition) Name() string { return "transfer." + string(h.To) }

func (h PayoutTransition) LockKey(ev *adapters.Event) string {
	return lockKey("payout", ev.Provider, ev.TransferCode)
}

func (h PayoutTransition) Apply(ctx context.Context, tx *gorm.DB, ev *adapters.Event) (Effect, error) {
	if err := require(map[string]string{"transfer_code": ev.TransferCode}); err != nil {
		return Effect{}, err
	}
	now := h.now()

	payout, err := h.Payouts.FindByTransferCode(ctx, tx, ev.Provider, ev.TransferCode)
	if err != nil {
		return Effect{}, err
	}
	if payout == nil {
		if err := require(map[string]string{"creator_id": ev.CreatorID, "currency": ev.Currency}); err != nil {
			return Effect{}, err
		}
		payout = &payoutdomain.Payout{
			ID:           h.GenID.Generate(),
			Provider:     ev.Provider,
			TransferCode: ev.TransferCode,
			CreatorID:    ev.CreatorID,
			AmountCents:  ev.AmountCents,
			Currency:     ev.Currency,
			Status:       payoutdomain.StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if _, err := h.Payouts.Insert(ctx, tx, payout); err != nil {
			return Effect{}, err
		}
		payout, err = h.Payouts.FindByTransferCode(ctx, tx, ev.Provider, ev.TransferCode)
		if err != nil {
			return Effect{}, err
		}
		if payout == nil {
			return Effect{}, fmt.Errorf("payout %s vanished after insert", ev.TransferCode)
		}
	}

	moved, err := h.Payouts.Transition(ctx, tx, payout.ID, h.To, ev.Reason, now)
	if err != nil {
		return Effect{}, err
	}
	if !moved {
		h.Log.Debug("eventhandler.payout.noop",
			zap.String("transfer_code", ev.TransferCode),
			zap.String("status", string(payout.Status)),
			zap.String("to", string(h.To)),
		)
		return Effect{}, nil
	}
	effect := Effect{Applied: true}
	if h.To == payoutdomain.StatusSucceeded {
		return effect, nil
	}

	// The failed leg returns the amount to the creator's balance.
	p := &paymentdomain.Payment{
		ID:                   h.GenID.Generate(),
		CreatorID:            payout.CreatorID,
		Type:                 paymentdomain.TypePayoutReversal,
		Status:               paymentdomain.StatusSucceeded,
		AmountCents:          payout.AmountCents,
		GrossCents:           payout.AmountCents,
		NetCents:             payout.AmountCents,
		Currency:             payout.Currency,
		ExternalEventID:      eventID(ev),
		ReportingCurrency:    payout.Currency,
		ReportingAmountCents: payout.AmountCents,
		Metadata:             metadata(map[string]any{"payout_status": string(h.To), "reason": ev.Reason}),
		CreatedAt:            now,
	}
	if err := p.SetRef(ev.Provider, ev.TransferCode); err != nil {
		return Effect{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if _, err := h.Payments.Insert(ctx, tx, p); err != nil {
		return Effect{}, err
	}
	if ev.SubscriberEmail != "" {
		effect.Notifications = append(effect.Notifications, notification.PayoutFailed(
			ev.SubscriberEmail,
			"payout:"+ev.Provider+":"+ev.TransferCode+":"+string(h.To),
			payout.AmountCents,
			payout.Currency,
			ev.TransferCode,
		))
	}
	return effect, nil
}
