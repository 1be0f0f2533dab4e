package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Kind string

const (
	KindDispatchExhausted   Kind = "dispatch_exhausted"
	KindReconciliationDrift Kind = "reconciliation_drift"
	KindMissingLedgerRows   Kind = "missing_ledger_rows"
	KindSubscriberBlocked   Kind = "subscriber_blocked"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert is an operational record for dashboards and log sinks. Alerts
// observe; they never change financial state.
type Alert struct {
	ID        snowflake.ID   `json:"id" gorm:"primaryKey"`
	Kind      Kind           `json:"kind"`
	Severity  Severity       `json:"severity"`
	Provider  *string        `json:"provider,omitempty"`
	Message   string         `json:"message"`
	Details   datatypes.JSON `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

func (Alert) TableName() string { return "alerts" }

type Filter struct {
	Kind  Kind
	Since time.Time
	Limit int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, a *Alert) error
	List(ctx context.Context, db *gorm.DB, f Filter) ([]Alert, error)
}
