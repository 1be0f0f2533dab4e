package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusReversed  Status = "reversed"
)

// AllowedFrom lists the statuses a payout may leave to reach to.
func AllowedFrom(to Status) []Status {
	switch to {
	case StatusSucceeded, StatusFailed:
		return []Status{StatusPending}
	case StatusReversed:
		return []Status{StatusPending, StatusSucceeded}
	}
	return nil
}

type Payout struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	Provider     string       `json:"provider"`
	TransferCode string       `json:"transfer_code"`
	CreatorID    string       `json:"creator_id"`
	AmountCents  int64        `json:"amount_cents"`
	Currency     string       `json:"currency"`
	Status       Status       `json:"status"`
	Reason       *string      `json:"reason,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (Payout) TableName() string { return "payouts" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, p *Payout) (bool, error)
	FindByTransferCode(ctx context.Context, db *gorm.DB, provider, code string) (*Payout, error)
	// Transition moves the payout to `to` only from one of AllowedFrom(to).
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, to Status, reason string, now time.Time) (bool, error)
}
