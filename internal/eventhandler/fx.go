package eventhandler

import (
	"github.com/bwmarrin/snowflake"
	alertservice "github.com/smallbiznis/payrail/internal/alert/service"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/config"
	"github.com/smallbiznis/payrail/internal/dispatch"
	disputedomain "github.com/smallbiznis/payrail/internal/dispute/domain"
	"github.com/smallbiznis/payrail/internal/lock"
	"github.com/smallbiznis/payrail/internal/payment/adapters"
	"github.com/smallbiznis/payrail/internal/payment/adapters/paystack"
	"github.com/smallbiznis/payrail/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/payrail/internal/payout/domain"
	subscriptiondomain "github.com/smallbiznis/payrail/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("eventhandler",
	fx.Provide(NewFromConfig),
	fx.Invoke(validateRoutes),
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Cfg           config.Config
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Fees          *config.FeeScheduleHolder
	Locker        lock.Locker
	Dispatcher    dispatch.Dispatcher
	Alerts        *alertservice.Service `optional:"true"`
	Payments      paymentdomain.Repository
	Subscriptions subscriptiondomain.Repository
	Disputes      disputedomain.Repository
	Payouts       payoutdomain.Repository
}

func NewFromConfig(p Params) *Registry {
	var alerts Alerter
	if p.Alerts != nil {
		alerts = p.Alerts
	}
	r := NewRegistry(p.DB, p.Locker, p.Cfg.Dispatch.HandlerLockTTL, p.Dispatcher, alerts, p.Log).
		SetLockRetry(p.Cfg.Dispatch.HandlerLockRetries, p.Cfg.Dispatch.HandlerLockRetryDelay)
	RegisterDefaults(r, Deps{
		GenID:              p.GenID,
		Clock:              p.Clock,
		Fees:               p.Fees,
		Payments:           p.Payments,
		Subscriptions:      p.Subscriptions,
		Disputes:           p.Disputes,
		Payouts:            p.Payouts,
		RetryBackoff:       p.Cfg.Billing.Backoff,
		AutoBlockThreshold: p.Cfg.Disputes.AutoBlockThreshold,
		Log:                p.Log.Named("eventhandler"),
	})
	return r
}

// RegisterDefaults binds every event type the bundled adapters declare.
func RegisterDefaults(r *Registry, d Deps) {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	var (
		chargeSucceeded      = ChargeSucceeded{d}
		chargeFailed         = ChargeFailed{d}
		refund               = RefundProcessed{d}
		disputeCreated       = DisputeCreated{d}
		disputeResolved      = DisputeResolved{d}
		subscriptionUpserted = SubscriptionUpserted{d}
		subscriptionDeleted  = SubscriptionDeleted{d}
	)

	r.Register(stripe.Provider, stripe.EventChargeSucceeded, chargeSucceeded)
	r.Register(stripe.Provider, stripe.EventChargeFailed, chargeFailed)
	r.Register(stripe.Provider, stripe.EventRefundCreated, refund)
	r.Register(stripe.Provider, stripe.EventDisputeCreated, disputeCreated)
	r.Register(stripe.Provider, stripe.EventDisputeClosed, disputeResolved)
	r.Register(stripe.Provider, stripe.EventSubscriptionCreated, subscriptionUpserted)
	r.Register(stripe.Provider, stripe.EventSubscriptionUpdated, subscriptionUpserted)
	r.Register(stripe.Provider, stripe.EventSubscriptionDeleted, subscriptionDeleted)

	r.Register(paystack.Provider, paystack.EventChargeSuccess, chargeSucceeded)
	r.Register(paystack.Provider, paystack.EventInvoicePaymentFailed, chargeFailed)
	r.Register(paystack.Provider, paystack.EventRefundProcessed, refund)
	r.Register(paystack.Provider, paystack.EventDisputeCreate, disputeCreated)
	r.Register(paystack.Provider, paystack.EventDisputeResolve, disputeResolved)
	r.Register(paystack.Provider, paystack.EventSubscriptionCreate, subscriptionUpserted)
	r.Register(paystack.Provider, paystack.EventSubscriptionNotRenew, subscriptionUpserted)
	r.Register(paystack.Provider, paystack.EventSubscriptionDisable, subscriptionDeleted)
	r.Register(paystack.Provider, paystack.EventTransferSuccess, PayoutTransition{Deps: d, To: payoutdomain.StatusSucceeded})
	r.Register(paystack.Provider, paystack.EventTransferFailed, PayoutTransition{Deps: d, To: payoutdomain.StatusFailed})
	r.Register(paystack.Provider, paystack.EventTransferReversed, PayoutTransition{Deps: d, To: payoutdomain.StatusReversed})
}

func validateRoutes(r *Registry, registry *adapters.Registry, log *zap.Logger) error {
	if err := r.Validate(registry); err != nil {
		log.Named("eventhandler").Error("eventhandler.routes.invalid", zap.Error(err))
		return err
	}
	return nil
}
