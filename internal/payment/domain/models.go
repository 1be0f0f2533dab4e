package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ProviderStripe   = "stripe"
	ProviderPaystack = "paystack"
)

type Type string

const (
	TypeCharge          Type = "charge"
	TypeRefund          Type = "refund"
	TypeDispute         Type = "dispute"
	TypeDisputeReversal Type = "dispute_reversal"
	TypePayoutReversal  Type = "payout_reversal"
)

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

var (
	ErrUnknownProvider = errors.New("payment_unknown_provider")
	ErrMissingRef      = errors.New("payment_missing_reference")
)

// Payment is one financial effect. Amounts are signed minor units: charges
// are positive, refunds and disputes are negative.
type Payment struct {
	ID                   snowflake.ID   `json:"id" gorm:"primaryKey"`
	SubscriptionID       *snowflake.ID  `json:"subscription_id,omitempty"`
	ParentID             *snowflake.ID  `json:"parent_id,omitempty"`
	CreatorID            string         `json:"creator_id"`
	SubscriberID         *string        `json:"subscriber_id,omitempty"`
	Provider             string         `json:"provider"`
	Type                 Type           `json:"type"`
	Status               string         `json:"status"`
	AmountCents          int64          `json:"amount_cents"`
	GrossCents           int64          `json:"gross_cents"`
	FeeCents             int64          `json:"fee_cents"`
	NetCents             int64          `json:"net_cents"`
	CreatorFeeCents      int64          `json:"creator_fee_cents"`
	SubscriberFeeCents   int64          `json:"subscriber_fee_cents"`
	Currency             string         `json:"currency"`
	StripeRef            *string        `json:"stripe_ref,omitempty"`
	PaystackRef          *string        `json:"paystack_ref,omitempty"`
	ExternalEventID      *string        `json:"external_event_id,omitempty"`
	FeeModel             string         `json:"fee_model"`
	Purpose              string         `json:"purpose"`
	ReportingCurrency    string         `json:"reporting_currency"`
	ReportingAmountCents int64          `json:"reporting_amount_cents"`
	Metadata             datatypes.JSON `json:"metadata"`
	CreatedAt            time.Time      `json:"created_at"`
}

func (Payment) TableName() string { return "payments" }

// SetRef stores ref in the reference column owned by provider.
func (p *Payment) SetRef(provider, ref string) error {
	if ref == "" {
		return ErrMissingRef
	}
	switch provider {
	case ProviderStripe:
		p.StripeRef = &ref
	case ProviderPaystack:
		p.PaystackRef = &ref
	default:
		return ErrUnknownProvider
	}
	p.Provider = provider
	return nil
}

func (p Payment) Ref() string {
	switch {
	case p.StripeRef != nil:
		return *p.StripeRef
	case p.PaystackRef != nil:
		return *p.PaystackRef
	}
	return ""
}

// RefColumn names the per-provider reference column.
func RefColumn(provider string) (string, error) {
	switch provider {
	case ProviderStripe:
		return "stripe_ref", nil
	case ProviderPaystack:
		return "paystack_ref", nil
	}
	return "", ErrUnknownProvider
}

type Repository interface {
	// Insert reports false when a row with the same (type, reference) exists.
	Insert(ctx context.Context, db *gorm.DB, p *Payment) (bool, error)
	FindByRef(ctx context.Context, db *gorm.DB, provider string, t Type, ref string) (*Payment, error)
	ExistsForExternalEvent(ctx context.Context, db *gorm.DB, provider, externalEventID string) (bool, error)
	// SumChildren totals AmountCents of succeeded rows of type t that
	// reference parentID. Refund amounts are negative.
	SumChildren(ctx context.Context, db *gorm.DB, parentID snowflake.ID, t Type) (int64, error)
	// SumNetByCurrency totals succeeded net amounts per currency over [from, to).
	SumNetByCurrency(ctx context.Context, db *gorm.DB, provider string, from, to time.Time) (map[string]int64, error)
	CountMissingLedger(ctx context.Context, db *gorm.DB, provider string, from, to time.Time) (int64, error)
}
