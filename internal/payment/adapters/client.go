package adapters

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/payrail/internal/circuitbreaker"
)

var (
	// ErrRejected is a 4xx answer from the provider. It is not an outage.
	ErrRejected = errors.New("provider_rejected_request")
	// ErrUpstream is a 5xx answer or a transport failure.
	ErrUpstream        = errors.New("provider_upstream_error")
	ErrNotConfigured   = errors.New("provider_client_not_configured")
	ErrUnsupportedCall = errors.New("provider_unsupported_call")
)

type RefundRequest struct {
	Reference   string
	AmountCents int64
	Reason      string
}

type RefundResult struct {
	RefundID string
	Status   string
}

type BalanceQuery struct {
	Currency string
	From     time.Time
	To       time.Time
}

// Balance is what the provider reports as settled net volume for a window.
type Balance struct {
	AmountCents int64
	Currency    string
}

type RecipientRequest struct {
	CreatorID     string
	Name          string
	AccountNumber string
	BankCode      string
	Currency      string
}

type TransferRequest struct {
	RecipientCode string
	AmountCents   int64
	Currency      string
	Reference     string
	Reason        string
}

type TransferResult struct {
	TransferCode string
	Status       string
}

type ChargeRequest struct {
	SubscriptionRef string
	SubscriberEmail string
	AmountCents     int64
	Currency        string
	IdempotencyKey  string
}

type ChargeResult struct {
	Reference string
	Status    string
}

// Client is the outbound surface of a payment provider.
type Client interface {
	Provider() string
	CreateRefund(ctx context.Context, req RefundRequest) (RefundResult, error)
	GetBalance(ctx context.Context, q BalanceQuery) (Balance, error)
	CreateTransferRecipient(ctx context.Context, req RecipientRequest) (string, error)
	InitiateTransfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	ChargeSubscription(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// Guarded routes every call of a Client through the provider's circuit.
type Guarded struct {
	inner    Client
	breakers *circuitbreaker.Registry
	settings circuitbreaker.Settings
}

func NewGuarded(inner Client, breakers *circuitbreaker.Registry, settings circuitbreaker.Settings) *Guarded {
	settings.Name = inner.Provider()
	if settings.Ignore == nil {
		settings.Ignore = func(err error) bool { return errors.Is(err, ErrRejected) }
	}
	return &Guarded{inner: inner, breakers: breakers, settings: settings}
}

func (g *Guarded) Provider() string { return g.inner.Provider() }

func (g *Guarded) CreateRefund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	return circuitbreaker.Call(ctx, g.breakers, g.settings, func(ctx context.Context) (RefundResult, error) {
		return g.inner.CreateRefund(ctx, req)
	})
}

func (g *Guarded) GetBalance(ctx context.Context, q BalanceQuery) (Balance, error) {
	return circuitbreaker.Call(ctx, g.breakers, g.settings, func(ctx context.Context) (Balance, error) {
		return g.inner.GetBalance(ctx, q)
	})
}

func (g *Guarded) CreateTransferRecipient(ctx context.Context, req RecipientRequest) (string, error) {
	return circuitbreaker.Call(ctx, g.breakers, g.settings, func(ctx context.Context) (string, error) {
		return g.inner.CreateTransferRecipient(ctx, req)
	})
}

func (g *Guarded) InitiateTransfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	return circuitbreaker.Call(ctx, g.breakers, g.settings, func(ctx context.Context) (TransferResult, error) {
		return g.inner.InitiateTransfer(ctx, req)
	})
}

func (g *Guarded) ChargeSubscription(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	return circuitbreaker.Call(ctx, g.breakers, g.settings, func(ctx context.Context) (ChargeResult, error) {
		return g.inner.ChargeSubscription(ctx, req)
	})
}

// Clients indexes provider clients by provider name.
type Clients struct {
	clients map[string]Client
}

func NewClients(list ...Client) *Clients {
	set := &Clients{clients: map[string]Client{}}
	for _, c := range list {
		if c == nil {
			continue
		}
		set.clients[normalize(c.Provider())] = c
	}
	return set
}

func (c *Clients) Get(provider string) (Client, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}
	client, ok := c.clients[normalize(provider)]
	if !ok {
		return nil, ErrNotConfigured
	}
	return client, nil
}

func (c *Clients) Providers() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.clients))
	for name := range c.clients {
		out = append(out, name)
	}
	return out
}
