package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Status string

const (
	StatusOpen Status = "open"
	StatusWon  Status = "won"
	StatusLost Status = "lost"
)

type Dispute struct {
	ID             snowflake.ID  `json:"id" gorm:"primaryKey"`
	Provider       string        `json:"provider"`
	DisputeID      string        `json:"dispute_id"`
	PaymentID      *snowflake.ID `json:"payment_id,omitempty"`
	SubscriptionID *snowflake.ID `json:"subscription_id,omitempty"`
	SubscriberID   string        `json:"subscriber_id"`
	AmountCents    int64         `json:"amount_cents"`
	Currency       string        `json:"currency"`
	// LTVDebitCents is what opening the dispute actually removed from the
	// subscription LTV. A won dispute restores exactly this amount.
	LTVDebitCents int64      `json:"ltv_debit_cents" gorm:"column:ltv_debit_cents"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

func (Dispute) TableName() string { return "disputes" }

type SubscriberRisk struct {
	SubscriberID string     `json:"subscriber_id"`
	DisputeCount int        `json:"dispute_count"`
	Blocked      bool       `json:"blocked"`
	BlockedAt    *time.Time `json:"blocked_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (SubscriberRisk) TableName() string { return "subscriber_risk" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, d *Dispute) (bool, error)
	Find(ctx context.Context, db *gorm.DB, provider, disputeID string, forUpdate bool) (*Dispute, error)
	SetLTVDebit(ctx context.Context, db *gorm.DB, id snowflake.ID, cents int64) error
	// Resolve closes an open dispute. It reports false if the dispute was already resolved.
	Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome Status, now time.Time) (bool, error)

	IncrementDisputeCount(ctx context.Context, db *gorm.DB, subscriberID string, now time.Time) (int, error)
	// Block reports true only for the call that blocked the subscriber.
	Block(ctx context.Context, db *gorm.DB, subscriberID string, now time.Time) (bool, error)
	GetRisk(ctx context.Context, db *gorm.DB, subscriberID string) (*SubscriberRisk, error)
}
