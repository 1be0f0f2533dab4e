package payment

import (
	"github.com/smallbiznis/payrail/internal/circuitbreaker"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/config"
	"github.com/smallbiznis/payrail/internal/payment/adapters"
	"github.com/smallbiznis/payrail/internal/payment/adapters/paystack"
	"github.com/smallbiznis/payrail/internal/payment/adapters/stripe"
	"github.com/smallbiznis/payrail/internal/payment/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment",
	fx.Provide(repository.Provide),
	fx.Provide(NewAdapterRegistry),
	fx.Provide(NewClients),
)

type AdapterParams struct {
	fx.In

	Cfg   config.Config
	Clock clock.Clock
	Log   *zap.Logger
}

// NewAdapterRegistry registers an adapter for every provider with a
// configured signing secret. Providers without one reject webhooks as unknown.
func NewAdapterRegistry(p AdapterParams) *adapters.Registry {
	log := p.Log.Named("payment.adapters")
	list := make([]adapters.Adapter, 0, 2)

	if a, err := stripe.New(p.Cfg.Providers.Stripe.WebhookSecret, p.Clock); err == nil {
		list = append(list, a)
	} else {
		log.Warn("payment.adapter.disabled", zap.String("provider", stripe.Provider), zap.Error(err))
	}

	ps := p.Cfg.Providers.Paystack
	if a, err := paystack.New(ps.WebhookSecret, ps.SecretKey); err == nil {
		list = append(list, a)
	} else {
		log.Warn("payment.adapter.disabled", zap.String("provider", paystack.Provider), zap.Error(err))
	}

	return adapters.NewRegistry(list...)
}

type ClientParams struct {
	fx.In

	Cfg      config.Config
	Breakers *circuitbreaker.Registry
	Log      *zap.Logger
}

// NewClients builds the outbound provider clients, each behind its own circuit.
func NewClients(p ClientParams) *adapters.Clients {
	log := p.Log.Named("payment.clients")
	providers := p.Cfg.Providers
	settings := circuitbreaker.Settings{
		FailureThreshold: providers.FailureThreshold,
		ResetTimeout:     providers.ResetTimeout,
	}

	list := make([]adapters.Client, 0, 2)
	if c, err := stripe.NewClient(providers.Stripe.SecretKey, providers.Stripe.BaseURL, providers.Stripe.Timeout); err == nil {
		s := settings
		s.Timeout = providers.Stripe.Timeout
		list = append(list, adapters.NewGuarded(c, p.Breakers, s))
	} else {
		log.Info("payment.client.disabled", zap.String("provider", stripe.Provider))
	}
	if c, err := paystack.NewClient(providers.Paystack.SecretKey, providers.Paystack.BaseURL, providers.Paystack.Timeout); err == nil {
		s := settings
		s.Timeout = providers.Paystack.Timeout
		list = append(list, adapters.NewGuarded(c, p.Breakers, s))
	} else {
		log.Info("payment.client.disabled", zap.String("provider", paystack.Provider))
	}
	return adapters.NewClients(list...)
}
