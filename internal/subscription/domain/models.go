package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusPaused   Status = "paused"
	StatusCanceled Status = "canceled"
)

var (
	ErrNotFound          = errors.New("subscription_not_found")
	ErrInvalidTransition = errors.New("subscription_invalid_transition")
)

var transitions = map[Status][]Status{
	StatusActive:  {StatusPastDue, StatusPaused, StatusCanceled},
	StatusPastDue: {StatusActive, StatusCanceled},
	StatusPaused:  {StatusActive, StatusCanceled},
}

// CanTransition reports whether from -> to is a legal move. Canceled is terminal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Subscription struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	Provider          string       `json:"provider"`
	ProviderRef       string       `json:"provider_ref"`
	CreatorID         string       `json:"creator_id"`
	SubscriberID      string       `json:"subscriber_id"`
	AmountCents       int64        `json:"amount_cents"`
	Currency          string       `json:"currency"`
	BillingInterval   string       `json:"billing_interval"`
	Purpose           string       `json:"purpose"`
	FeeMode           string       `json:"fee_mode"`
	CrossBorder       bool         `json:"cross_border"`
	Status            Status       `json:"status"`
	LTVCents          int64        `json:"ltv_cents" gorm:"column:ltv_cents"`
	CurrentPeriodEnd  *time.Time   `json:"current_period_end,omitempty"`
	CanceledAt        *time.Time   `json:"canceled_at,omitempty"`
	CancelAtPeriodEnd bool         `json:"cancel_at_period_end"`
	RetryCount        int          `json:"retry_count"`
	NextRetryAt       *time.Time   `json:"next_retry_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// NextPeriodEnd advances from by one billing interval.
func (s Subscription) NextPeriodEnd(from time.Time) time.Time {
	switch s.BillingInterval {
	case "week":
		return from.AddDate(0, 0, 7)
	case "year":
		return from.AddDate(1, 0, 0)
	default:
		return from.AddDate(0, 1, 0)
	}
}

// ProviderUpdate carries the fields a provider may change on a subscription.
type ProviderUpdate struct {
	Status            Status
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, s *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*Subscription, error)
	FindByProviderRef(ctx context.Context, db *gorm.DB, provider, ref string, forUpdate bool) (*Subscription, error)

	// Transition moves the row only while it still has status from.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, now time.Time) (bool, error)
	// AdjustLTV applies delta with a floor at zero and returns the delta actually applied.
	AdjustLTV(ctx context.Context, db *gorm.DB, id snowflake.ID, delta int64, now time.Time) (int64, error)
	// RecordCharge reactivates the row, clears retry state and moves the period end.
	RecordCharge(ctx context.Context, db *gorm.DB, id snowflake.ID, periodEnd time.Time, now time.Time) error
	ScheduleRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, expected Status, retryCount int, next time.Time, now time.Time) (bool, error)
	ApplyProviderUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID, expected Status, u ProviderUpdate, now time.Time) (bool, error)

	ListDueForRenewal(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	ListPastDueForRetry(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	ListEndedAtPeriodEnd(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
}
