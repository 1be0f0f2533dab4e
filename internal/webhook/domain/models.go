package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Status string

const (
	StatusReceived   Status = "received"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// Terminal rows are never processed again.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusSkipped
}

var (
	ErrEventNotFound         = errors.New("webhook_event_not_found")
	ErrEventAlreadyProcessed = errors.New("webhook_event_already_processed")
	ErrInvalidTransition     = errors.New("webhook_event_invalid_transition")
	ErrInvalidEvent          = errors.New("webhook_event_invalid")
)

// transitions lists the states each target may be entered from. Terminal
// states never appear as a source.
var transitions = map[Status][]Status{
	StatusProcessing: {StatusReceived, StatusFailed, StatusProcessing},
	StatusSkipped:    {StatusReceived, StatusProcessing},
	StatusProcessed:  {StatusProcessing},
	StatusFailed:     {StatusProcessing},
}

// AllowedFrom returns the states a row may hold before moving to.
func AllowedFrom(to Status) []Status {
	return transitions[to]
}

// Event is one inbound provider webhook. Rows are never deleted.
type Event struct {
	ID               snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider         string         `json:"provider"`
	ExternalEventID  string         `json:"external_event_id"`
	EventType        string         `json:"event_type"`
	Status           Status         `json:"status"`
	PayloadSummary   datatypes.JSON `json:"payload_summary"`
	RawPayload       datatypes.JSON `json:"-"`
	RetryCount       int            `json:"retry_count"`
	Error            *string        `json:"error,omitempty"`
	ProcessingTimeMs *int64         `json:"processing_time_ms,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	ProcessedAt      *time.Time     `json:"processed_at,omitempty"`
}

func (Event) TableName() string { return "webhook_events" }

type ListFilter struct {
	Provider string
	Status   Status
	Limit    int
	Before   *snowflake.ID
}

type Repository interface {
	// Insert reports false when (provider, external_event_id) already exists.
	Insert(ctx context.Context, db *gorm.DB, e *Event) (bool, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, provider, externalEventID string) (*Event, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Event, error)
	IncrementRetry(ctx context.Context, db *gorm.DB, provider, externalEventID string, now time.Time) error
	// Transition moves the row to `to` when its status is one of `from`.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from []Status, to Status, u Update) (bool, error)
	List(ctx context.Context, db *gorm.DB, f ListFilter) ([]Event, error)
	ListForRedrive(ctx context.Context, db *gorm.DB, receivedBefore time.Time, maxRetries, limit int) ([]Event, error)
}

// Update carries the columns written alongside a status change.
type Update struct {
	Now              time.Time
	Error            *string
	ProcessingTimeMs *int64
	ProcessedAt      *time.Time
	ClearError       bool
}
