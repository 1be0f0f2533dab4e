package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	QueueWebhooks      = "webhooks"
	QueueBilling       = "billing"
	QueueNotifications = "notifications"
)

const (
	JobWebhookProcess   = "webhook.process"
	JobNotificationSend = "notification.send"
	JobBillingRun       = "billing.run"
)

var (
	// ErrPermanent marks a handler failure that redelivery cannot fix.
	ErrPermanent  = errors.New("dispatch_permanent_failure")
	ErrUnknownJob = errors.New("dispatch_unknown_job")
	ErrInvalidJob = errors.New("dispatch_invalid_job")
)

// Permanent wraps err so the queue drops the job instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Job is the unit carried by a Dispatcher. IDs are ULIDs so they sort by
// enqueue time.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

func NewJob(queue, name string, payload any) (Job, error) {
	if queue == "" || name == "" {
		return Job{}, ErrInvalidJob
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Job{
		ID:      ulid.Make().String(),
		Queue:   queue,
		Name:    name,
		Payload: raw,
	}, nil
}

func (j Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidJob)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return nil
}

// Backoff returns base * 2^(attempt-1), capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
