package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/webhook/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const eventColumns = `id, provider, external_event_id, event_type, status, payload_summary,
	raw_payload, retry_count, error, processing_time_ms, created_at, updated_at, processed_at`

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (r *repo) Insert(ctx context.Context, db *gorm.DB, e *domain.Event) (bool, error) {
	summary := e.PayloadSummary
	if len(summary) == 0 {
		summary = []byte(`{}`)
	}
	res := db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, external_event_id) DO NOTHING`,
		e.ID,
		e.Provider,
		e.ExternalEventID,
		e.EventType,
		e.Status,
		summary,
		e.RawPayload,
		e.RetryCount,
		e.Error,
		e.ProcessingTimeMs,
		e.CreatedAt,
		e.UpdatedAt,
		e.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, provider, externalEventID string) (*domain.Event, error) {
	return findOne(ctx, db, `provider = ? AND external_event_id = ?`, provider, externalEventID)
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Event, error) {
	return findOne(ctx, db, `id = ?`, id)
}

func findOne(ctx context.Context, db *gorm.DB, where string, args ...any) (*domain.Event, error) {
	var item domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+` FROM webhook_events WHERE `+where+` LIMIT 1`,
		args...,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) IncrementRetry(ctx context.Context, db *gorm.DB, provider, externalEventID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET retry_count = retry_count + 1, updated_at = ?
		 WHERE provider = ? AND external_event_id = ?`,
		now,
		provider,
		externalEventID,
	).Error
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from []domain.Status, to domain.Status, u domain.Update) (bool, error) {
	if len(from) == 0 {
		return false, domain.ErrInvalidTransition
	}
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{to, u.Now}
	switch {
	case u.Error != nil:
		sets = append(sets, "error = ?")
		args = append(args, u.Error)
	case u.ClearError:
		sets = append(sets, "error = NULL")
	}
	if u.ProcessingTimeMs != nil {
		sets = append(sets, "processing_time_ms = ?")
		args = append(args, u.ProcessingTimeMs)
	}
	if u.ProcessedAt != nil {
		sets = append(sets, "processed_at = ?")
		args = append(args, u.ProcessedAt)
	}
	args = append(args, id, from)

	res := db.WithContext(ctx).Exec(
		`UPDATE webhook_events SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status IN ?`,
		args...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, f domain.ListFilter) ([]domain.Event, error) {
	where := []string{"1 = 1"}
	args := []any{}
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Before != nil {
		where = append(where, "id < ?")
		args = append(args, *f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	args = append(args, limit)

	var items []domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+` FROM webhook_events
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY id DESC
		 LIMIT ?`,
		args...,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListForRedrive(ctx context.Context, db *gorm.DB, receivedBefore time.Time, maxRetries, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var items []domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+` FROM webhook_events
		 WHERE updated_at < ?
		   AND (status IN ? OR (status = ? AND retry_count < ?))
		 ORDER BY created_at ASC
		 LIMIT ?`,
		receivedBefore,
		[]domain.Status{domain.StatusReceived, domain.StatusProcessing},
		domain.StatusFailed,
		maxRetries,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
